package ember

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// DeletionReconciler applies the two deletion semantics and the read-receipt
// flag with optimistic-then-rollback discipline: snapshot the page set, apply
// the mutation locally, persist, and restore the snapshot on failure.
type DeletionReconciler struct {
	store *MessageStore
	rows  RowStore
	log   zerolog.Logger

	mu     sync.Mutex
	chatID string
	userID string
}

// NewDeletionReconciler wires the reconciler.
func NewDeletionReconciler(store *MessageStore, rows RowStore) *DeletionReconciler {
	return &DeletionReconciler{
		store: store,
		rows:  rows,
		log:   zerolog.Nop(),
	}
}

// SetLogger attaches a logger.
func (d *DeletionReconciler) SetLogger(log zerolog.Logger) {
	d.log = log.With().Str("component", "delete").Logger()
}

// SetChat binds the reconciler to a chat and the current user.
func (d *DeletionReconciler) SetChat(chatID, userID string) {
	d.mu.Lock()
	d.chatID = chatID
	d.userID = userID
	d.mu.Unlock()
}

func (d *DeletionReconciler) bound() (chatID, userID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.chatID == "" {
		return "", "", fmt.Errorf("no chat bound")
	}
	return d.chatID, d.userID, nil
}

// DeleteForMe removes the message from this viewer's visible set and sets the
// role-matching deletion flag on the server. The cache mutation is optimistic;
// a persist failure restores the exact prior page set.
func (d *DeletionReconciler) DeleteForMe(ctx context.Context, messageID string, viewerIsSender bool) error {
	chatID, _, err := d.bound()
	if err != nil {
		return err
	}

	snap := d.store.Snapshot(chatID)
	d.store.Remove(chatID, messageID)

	flag := true
	patch := MessagePatch{}
	if viewerIsSender {
		patch.DeletedBySender = &flag
	} else {
		patch.DeletedByReceiver = &flag
	}

	if err := d.rows.UpdateMessage(ctx, chatID, messageID, patch); err != nil {
		d.store.Restore(chatID, snap)
		d.log.Warn().Err(err).Str("id", messageID).Msg("delete-for-me rolled back")
		return fmt.Errorf("delete for me: %w", err)
	}
	return nil
}

// DeleteForEveryone sets both deletion flags and swaps the content for the
// tombstone marker, preserving position and timestamp. Only the author may
// invoke it; the check runs before any optimistic mutation, mirroring the
// server-side check. Re-applying to an existing tombstone is a no-op.
func (d *DeletionReconciler) DeleteForEveryone(ctx context.Context, messageID string) error {
	chatID, userID, err := d.bound()
	if err != nil {
		return err
	}

	msg := d.store.Get(chatID, messageID)
	if msg == nil {
		return fmt.Errorf("message %s not in cache", messageID)
	}
	if msg.AuthorID != userID {
		return ErrNotAuthor
	}
	if msg.Tombstone() {
		return nil
	}

	snap := d.store.Snapshot(chatID)
	d.store.Patch(chatID, messageID, func(m *Message) {
		m.DeletedBySender = true
		m.DeletedByReceiver = true
		m.Content = TombstoneText
		m.ImageRef = ""
	})

	flag := true
	content := TombstoneText
	patch := MessagePatch{
		DeletedBySender:   &flag,
		DeletedByReceiver: &flag,
		Content:           &content,
	}

	if err := d.rows.UpdateMessage(ctx, chatID, messageID, patch); err != nil {
		d.store.Restore(chatID, snap)
		d.log.Warn().Err(err).Str("id", messageID).Msg("delete-for-everyone rolled back")
		return fmt.Errorf("delete for everyone: %w", err)
	}
	return nil
}

// MarkRead sets the read flag, optimistically and idempotently.
func (d *DeletionReconciler) MarkRead(ctx context.Context, messageID string) error {
	chatID, _, err := d.bound()
	if err != nil {
		return err
	}

	msg := d.store.Get(chatID, messageID)
	if msg == nil || msg.ReadFlag {
		return nil
	}

	snap := d.store.Snapshot(chatID)
	d.store.Patch(chatID, messageID, func(m *Message) {
		m.ReadFlag = true
	})

	flag := true
	if err := d.rows.UpdateMessage(ctx, chatID, messageID, MessagePatch{ReadFlag: &flag}); err != nil {
		d.store.Restore(chatID, snap)
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}
