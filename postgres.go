package ember

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PGStore implements RowStore against Postgres directly, for self-hosted
// deployments that skip the hosted API tier.
type PGStore struct {
	db *sql.DB
}

// NewPGStore connects to Postgres.
func NewPGStore(connStr string) (*PGStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PGStore{db: db}, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() error {
	return s.db.Close()
}

// InsertMessage persists a row, assigning id and timestamp server-side.
func (s *PGStore) InsertMessage(ctx context.Context, msg *Message) (*Message, error) {
	row := *msg
	row.ID = "m-" + uuid.NewString()
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, chat_id, author_id, content, image_ref)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		row.ID, row.ChatID, row.AuthorID, row.Content, row.ImageRef,
	).Scan(&row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	row.SendState = SendStateConfirmed
	return &row, nil
}

// UpdateMessage applies the non-nil patch fields to one row.
func (s *PGStore) UpdateMessage(ctx context.Context, chatID, messageID string, patch MessagePatch) error {
	var sets []string
	var args []interface{}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}
	if patch.Content != nil {
		add("content", *patch.Content)
	}
	if patch.ReadFlag != nil {
		add("read_flag", *patch.ReadFlag)
	}
	if patch.DeletedBySender != nil {
		add("deleted_by_sender", *patch.DeletedBySender)
	}
	if patch.DeletedByReceiver != nil {
		add("deleted_by_receiver", *patch.DeletedByReceiver)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, messageID, chatID)
	query := fmt.Sprintf("UPDATE messages SET %s WHERE id = $%d AND chat_id = $%d",
		strings.Join(sets, ", "), len(args)-1, len(args))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// SelectPage fetches one page of rows, newest first.
func (s *PGStore) SelectPage(ctx context.Context, chatID string, offset, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, author_id, content, image_ref, created_at,
		        read_flag, deleted_by_sender, deleted_by_receiver
		 FROM messages
		 WHERE chat_id = $1
		 ORDER BY created_at DESC
		 OFFSET $2 LIMIT $3`,
		chatID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("select page: %w", err)
	}
	defer rows.Close()

	var result []*Message
	for rows.Next() {
		var m Message
		var content, imageRef sql.NullString
		if err := rows.Scan(&m.ID, &m.ChatID, &m.AuthorID, &content, &imageRef,
			&m.CreatedAt, &m.ReadFlag, &m.DeletedBySender, &m.DeletedByReceiver); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		m.Content = content.String
		m.ImageRef = imageRef.String
		result = append(result, &m)
	}
	return result, rows.Err()
}
