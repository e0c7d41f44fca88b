package ember

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ImageBucket is the storage bucket message attachments upload into.
const ImageBucket = "chat-images"

// SendEvents are the user-facing affordances the coordinator raises. All
// fields are optional; nil handlers are skipped.
type SendEvents struct {
	// OnFailedDelivery fires for a network-class failure. The placeholder
	// stays visible marked failed; the id can be passed to Retry.
	OnFailedDelivery func(messageID string)

	// OnBlockingError fires for failures that rolled the placeholder back.
	OnBlockingError func(err error)

	// OnRateLimited fires when the local guard or the server rejects for
	// rate; retryAfter is zero when the server reported it.
	OnRateLimited func(retryAfter time.Duration)

	// OnRestoreDraft returns the compose inputs to the UI after a rollback
	// so the user does not lose their draft.
	OnRestoreDraft func(text, imagePath string)
}

func (e SendEvents) failedDelivery(id string) {
	if e.OnFailedDelivery != nil {
		e.OnFailedDelivery(id)
	}
}

func (e SendEvents) blockingError(err error) {
	if e.OnBlockingError != nil {
		e.OnBlockingError(err)
	}
}

func (e SendEvents) rateLimited(retryAfter time.Duration) {
	if e.OnRateLimited != nil {
		e.OnRateLimited(retryAfter)
	}
}

func (e SendEvents) restoreDraft(text, imagePath string) {
	if e.OnRestoreDraft != nil {
		e.OnRestoreDraft(text, imagePath)
	}
}

// SendCoordinator runs the optimistic send lifecycle: placeholder in the
// cache first, server row second, replacement or rollback third.
//
// States per message: sending, then confirmed or failed; failed re-enters
// sending via Retry. A re-entrancy flag blocks a second submission from the
// composer while one is in flight.
type SendCoordinator struct {
	store   *MessageStore
	rows    RowStore
	objects ObjectStore
	pending *PendingIDSet
	limiter *RateLimiter
	scroll  *ScrollPositionController
	events  SendEvents
	log     zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	chatID    string
	userID    string
	isSending bool
}

// NewSendCoordinator wires the coordinator. scroll may be nil.
func NewSendCoordinator(store *MessageStore, rows RowStore, objects ObjectStore, pending *PendingIDSet, limiter *RateLimiter, scroll *ScrollPositionController) *SendCoordinator {
	return &SendCoordinator{
		store:   store,
		rows:    rows,
		objects: objects,
		pending: pending,
		limiter: limiter,
		scroll:  scroll,
		log:     zerolog.Nop(),
		now:     time.Now,
	}
}

// SetLogger attaches a logger.
func (c *SendCoordinator) SetLogger(log zerolog.Logger) {
	c.log = log.With().Str("component", "send").Logger()
}

// SetEvents installs the UI affordance callbacks.
func (c *SendCoordinator) SetEvents(events SendEvents) {
	c.events = events
}

// SetChat binds the coordinator to a chat and the current user. Until both
// are set, Send is a silent no-op.
func (c *SendCoordinator) SetChat(chatID, userID string) {
	c.mu.Lock()
	c.chatID = chatID
	c.userID = userID
	c.mu.Unlock()
}

// Send runs one compose action through the full lifecycle. Empty input and a
// missing chat or user identity are silent no-ops. The ctx should outlive
// the screen that initiated the send: navigating away must not cancel an
// in-flight persist, or the message would be silently lost.
func (c *SendCoordinator) Send(ctx context.Context, text, imagePath string) {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	chatID, userID := c.chatID, c.userID
	if chatID == "" || userID == "" || (text == "" && imagePath == "") {
		c.mu.Unlock()
		return
	}
	if c.isSending {
		c.mu.Unlock()
		c.log.Debug().Str("chat", chatID).Msg("send already in flight, dropping")
		return
	}
	c.isSending = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.isSending = false
		c.mu.Unlock()
	}()

	if ok, retryAfter := c.limiter.Check(chatID); !ok {
		c.log.Info().Str("chat", chatID).Dur("retry_after", retryAfter).Msg("send rate limited locally")
		c.events.rateLimited(retryAfter)
		return
	}

	// The asset must be durable before the row exists; an upload failure
	// aborts the whole send with no placeholder and no server row.
	var imageRef string
	if imagePath != "" {
		ref, err := c.objects.Upload(ctx, imagePath, ImageBucket)
		if err != nil {
			c.log.Warn().Err(err).Str("chat", chatID).Msg("image upload failed")
			c.events.blockingError(err)
			return
		}
		imageRef = ref
	}

	placeholder := &Message{
		ID:        LocalIDPrefix + uuid.NewString(),
		ChatID:    chatID,
		AuthorID:  userID,
		Content:   text,
		ImageRef:  imageRef,
		CreatedAt: c.now(),
		SendState: SendStateSending,
		Retry:     &RetryPayload{Text: text, ImagePath: imagePath},
	}

	c.pending.Add(placeholder.ID)
	c.store.Prepend(chatID, placeholder)
	if c.scroll != nil {
		c.scroll.OwnSend()
	}

	row, err := c.rows.InsertMessage(ctx, &Message{
		ChatID:   chatID,
		AuthorID: userID,
		Content:  text,
		ImageRef: imageRef,
	})
	if err != nil {
		c.resolveFailure(chatID, placeholder, err)
		return
	}

	// Retain the confirmed id briefly so a realtime echo of this insert is
	// absorbed whichever side resolves first.
	c.pending.Add(row.ID)
	confirmed := *row
	confirmed.SendState = SendStateConfirmed
	confirmed.Retry = nil
	c.store.Replace(chatID, placeholder.ID, &confirmed)
	c.log.Debug().Str("chat", chatID).Str("local", placeholder.ID).Str("id", row.ID).Msg("send confirmed")
}

func (c *SendCoordinator) resolveFailure(chatID string, placeholder *Message, err error) {
	switch Classify(err) {
	case ClassNetwork:
		// Delivery unconfirmed: keep the placeholder, mark it failed, let
		// the user retry. Never silently re-send in the background.
		c.store.Patch(chatID, placeholder.ID, func(m *Message) {
			m.SendState = SendStateFailed
		})
		c.log.Warn().Err(err).Str("chat", chatID).Str("local", placeholder.ID).Msg("delivery unconfirmed")
		c.events.failedDelivery(placeholder.ID)

	case ClassRateLimit:
		c.store.Remove(chatID, placeholder.ID)
		c.pending.Remove(placeholder.ID)
		c.events.restoreDraft(placeholder.Retry.Text, placeholder.Retry.ImagePath)
		c.events.rateLimited(0)

	default:
		c.store.Remove(chatID, placeholder.ID)
		c.pending.Remove(placeholder.ID)
		c.log.Error().Err(err).Str("chat", chatID).Msg("send rejected")
		c.events.restoreDraft(placeholder.Retry.Text, placeholder.Retry.ImagePath)
		c.events.blockingError(err)
	}
}

// Retry resubmits a failed send from its retained payload. The failed entry
// is removed first so the new attempt renders as a fresh placeholder.
func (c *SendCoordinator) Retry(ctx context.Context, messageID string) {
	c.mu.Lock()
	chatID := c.chatID
	c.mu.Unlock()
	if chatID == "" {
		return
	}

	msg := c.store.Get(chatID, messageID)
	if msg == nil || msg.SendState != SendStateFailed || msg.Retry == nil {
		c.log.Debug().Str("id", messageID).Msg("retry target not retryable")
		return
	}
	payload := *msg.Retry

	c.store.Remove(chatID, messageID)
	c.pending.Remove(messageID)
	c.Send(ctx, payload.Text, payload.ImagePath)
}

// Sending reports whether a send from this composer is in flight.
func (c *SendCoordinator) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSending
}
