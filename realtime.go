package ember

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultPageSize is how many rows a page fetch requests.
const DefaultPageSize = 25

// RealtimeReconciler merges externally sourced inserts into the cache without
// duplicating anything the device already knows about. It is fed by the Feed
// and by the resume-triggered refetch.
type RealtimeReconciler struct {
	store    *MessageStore
	rows     RowStore
	pending  *PendingIDSet
	scroll   *ScrollPositionController
	log      zerolog.Logger
	pageSize int

	mu     sync.Mutex
	chatID string
	userID string
}

// NewRealtimeReconciler wires the reconciler. scroll may be nil.
func NewRealtimeReconciler(store *MessageStore, rows RowStore, pending *PendingIDSet, scroll *ScrollPositionController) *RealtimeReconciler {
	return &RealtimeReconciler{
		store:    store,
		rows:     rows,
		pending:  pending,
		scroll:   scroll,
		log:      zerolog.Nop(),
		pageSize: DefaultPageSize,
	}
}

// SetLogger attaches a logger.
func (r *RealtimeReconciler) SetLogger(log zerolog.Logger) {
	r.log = log.With().Str("component", "realtime").Logger()
}

// SetChat binds the reconciler to the subscribed chat and the current user.
func (r *RealtimeReconciler) SetChat(chatID, userID string) {
	r.mu.Lock()
	r.chatID = chatID
	r.userID = userID
	r.mu.Unlock()
}

// OnInsert handles one pushed insert event.
//
// Own messages are dropped: they only ever enter through the optimistic path,
// and the echo of an own insert must not render twice. Events for other chats
// are dropped as cross-talk. Ids in the pending set are dropped because the
// optimistic path is still resolving them — its network response and this
// push can arrive in either order.
func (r *RealtimeReconciler) OnInsert(msg *Message) {
	r.mu.Lock()
	chatID, userID := r.chatID, r.userID
	r.mu.Unlock()

	if msg.AuthorID == userID {
		return
	}
	if msg.ChatID != chatID {
		r.log.Debug().Str("chat", msg.ChatID).Str("id", msg.ID).Msg("insert for unsubscribed chat dropped")
		return
	}
	if r.pending.Contains(msg.ID) {
		r.log.Debug().Str("id", msg.ID).Msg("insert already pending, dropped")
		return
	}

	r.pending.Add(msg.ID)
	if r.store.DedupeInsert(chatID, msg) && r.scroll != nil {
		r.scroll.Arrived()
	}
}

// Resume refetches the newest page and merges it into the cache. Realtime
// delivery has no gap-filling guarantee across disconnects, so a refetch on
// foreground return is the correctness backstop rather than trusting the
// socket to have delivered everything.
func (r *RealtimeReconciler) Resume(ctx context.Context) error {
	r.mu.Lock()
	chatID := r.chatID
	r.mu.Unlock()
	if chatID == "" {
		return nil
	}

	rowsFetched, err := r.rows.SelectPage(ctx, chatID, 0, r.pageSize)
	if err != nil {
		return fmt.Errorf("resume refetch: %w", err)
	}

	// The page arrives newest-first and merging prepends, so walk it
	// oldest-first to keep the newest row at index zero.
	merged := 0
	for i := len(rowsFetched) - 1; i >= 0; i-- {
		msg := rowsFetched[i]
		if r.pending.Contains(msg.ID) {
			continue
		}
		if r.store.DedupeInsert(chatID, msg) {
			merged++
		}
	}
	if merged > 0 {
		r.log.Info().Str("chat", chatID).Int("merged", merged).Msg("resume refetch filled gaps")
	}
	return nil
}
