// Package ember implements the client-side message engine for the Ember chat
// backend: a paginated message cache kept consistent across optimistic local
// sends, server confirmations, a realtime push feed, and user-initiated
// mutations.
//
// Example:
//
//	client := ember.NewClient("https://api.ember.chat", apiKey)
//	if err := client.OpenChat(ctx, "chat-42", "user-7"); err != nil {
//		return err
//	}
//	client.Send(ctx, "hello", "")
package ember

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Client wires the cache, the reconcilers, and the transport into one engine.
// Components stay addressable on the client independent of any screen, so an
// in-flight send keeps resolving into the cache after navigation.
type Client struct {
	Store     *MessageStore
	Pending   *PendingIDSet
	Limiter   *RateLimiter
	Scroll    *ScrollPositionController
	Sender    *SendCoordinator
	Realtime  *RealtimeReconciler
	Deletions *DeletionReconciler
	Session   *SessionContext
	Feed      *Feed

	rows     RowStore
	log      zerolog.Logger
	pageSize int

	chatID      string
	userID      string
	unsubscribe func()
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	httpClient *http.Client
	logger     zerolog.Logger
	rows       RowStore
	objects    ObjectStore
	viewport   Viewport
	events     SendEvents
	feed       *FeedConfig
	pendingTTL time.Duration
	sendLimit  int
	sendWindow time.Duration
	pageSize   int
}

// WithHTTPClient overrides the HTTP client used by the hosted backend.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *clientConfig) { c.httpClient = client }
}

// WithLogger attaches a logger to every component.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = log }
}

// WithRowStore swaps the persistence implementation (e.g. a PGStore).
func WithRowStore(rows RowStore) ClientOption {
	return func(c *clientConfig) { c.rows = rows }
}

// WithObjectStore swaps the upload implementation.
func WithObjectStore(objects ObjectStore) ClientOption {
	return func(c *clientConfig) { c.objects = objects }
}

// WithViewport connects the scroll controller to a viewport.
func WithViewport(vp Viewport) ClientOption {
	return func(c *clientConfig) { c.viewport = vp }
}

// WithSendEvents installs the send affordance callbacks.
func WithSendEvents(events SendEvents) ClientOption {
	return func(c *clientConfig) { c.events = events }
}

// WithFeedConfig overrides the realtime feed configuration.
func WithFeedConfig(cfg FeedConfig) ClientOption {
	return func(c *clientConfig) { c.feed = &cfg }
}

// WithPendingTTL overrides the dedup window.
func WithPendingTTL(ttl time.Duration) ClientOption {
	return func(c *clientConfig) { c.pendingTTL = ttl }
}

// WithSendLimit overrides the local rate-limit guard.
func WithSendLimit(limit int, window time.Duration) ClientOption {
	return func(c *clientConfig) { c.sendLimit = limit; c.sendWindow = window }
}

// WithPageSize overrides how many rows each page fetch requests.
func WithPageSize(n int) ClientOption {
	return func(c *clientConfig) { c.pageSize = n }
}

// NewClient creates an engine bound to the hosted backend at baseURL.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	cfg := &clientConfig{
		logger:   zerolog.Nop(),
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.rows == nil || cfg.objects == nil {
		var backendOpts []BackendOption
		if cfg.httpClient != nil {
			backendOpts = append(backendOpts, WithBackendHTTPClient(cfg.httpClient))
		}
		backendOpts = append(backendOpts, WithBackendLogger(cfg.logger))
		backend := NewBackend(baseURL, apiKey, backendOpts...)
		if cfg.rows == nil {
			cfg.rows = backend
		}
		if cfg.objects == nil {
			cfg.objects = backend
		}
	}
	if cfg.feed == nil {
		cfg.feed = &FeedConfig{Token: apiKey, AutoReconnect: true}
	}

	store := NewMessageStore()
	store.SetLogger(cfg.logger)
	pending := NewPendingIDSet(cfg.pendingTTL)
	limiter := NewRateLimiter(cfg.sendLimit, cfg.sendWindow)
	scroll := NewScrollPositionController(cfg.viewport)
	session := NewSessionContext()

	sender := NewSendCoordinator(store, cfg.rows, cfg.objects, pending, limiter, scroll)
	sender.SetLogger(cfg.logger)
	sender.SetEvents(cfg.events)

	realtime := NewRealtimeReconciler(store, cfg.rows, pending, scroll)
	realtime.SetLogger(cfg.logger)
	realtime.pageSize = cfg.pageSize

	deletions := NewDeletionReconciler(store, cfg.rows)
	deletions.SetLogger(cfg.logger)

	feed := NewFeed(baseURL, cfg.feed)
	feed.SetLogger(cfg.logger)
	feed.OnInsert(func(p InsertPayload) {
		msg := p.Message
		realtime.OnInsert(&msg)
	})

	c := &Client{
		Store:     store,
		Pending:   pending,
		Limiter:   limiter,
		Scroll:    scroll,
		Sender:    sender,
		Realtime:  realtime,
		Deletions: deletions,
		Session:   session,
		Feed:      feed,
		rows:      cfg.rows,
		log:       cfg.logger,
		pageSize:  cfg.pageSize,
	}

	// Foreground return runs the reconciling refetch; the socket may have
	// missed inserts while the app was backgrounded.
	session.OnResume(func() {
		if err := realtime.Resume(context.Background()); err != nil {
			c.log.Warn().Err(err).Msg("resume refetch failed")
		}
	})

	return c
}

// OpenChat binds every component to a chat, loads the newest page, and
// subscribes the feed. The feed connection is established on first use.
func (c *Client) OpenChat(ctx context.Context, chatID, userID string) error {
	// Switching chats directly must release the old subscription; the feed
	// only tracks one chat and would never send the unsubscribe otherwise.
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}

	c.chatID = chatID
	c.userID = userID
	c.Sender.SetChat(chatID, userID)
	c.Realtime.SetChat(chatID, userID)
	c.Deletions.SetChat(chatID, userID)
	c.Session.SetActiveChat(chatID)

	rows, err := c.rows.SelectPage(ctx, chatID, 0, c.pageSize)
	if err != nil {
		return fmt.Errorf("load newest page: %w", err)
	}
	c.Store.Clear(chatID)
	c.Store.AppendPage(chatID, rows)

	if c.Feed.State() == FeedDisconnected {
		if err := c.Feed.Connect(ctx); err != nil {
			return fmt.Errorf("connect feed: %w", err)
		}
	}
	unsub, err := c.Feed.Subscribe(ctx, chatID)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.unsubscribe = unsub
	return nil
}

// CloseChat tears down the subscription and clears the viewed-chat state.
// In-flight sends are deliberately left alone; they resolve into the cache
// regardless of what screen is showing.
func (c *Client) CloseChat() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.Session.SetActiveChat("")
}

// Send forwards a compose action to the coordinator.
func (c *Client) Send(ctx context.Context, text, imagePath string) {
	c.Sender.Send(ctx, text, imagePath)
}

// LoadOlder fetches the next page backward and appends it.
func (c *Client) LoadOlder(ctx context.Context) error {
	if c.chatID == "" {
		return fmt.Errorf("no chat open")
	}
	offset := c.Store.Len(c.chatID)
	rows, err := c.rows.SelectPage(ctx, c.chatID, offset, c.pageSize)
	if err != nil {
		return fmt.Errorf("load older page: %w", err)
	}
	c.Store.AppendPage(c.chatID, rows)
	return nil
}

// Close disconnects the feed.
func (c *Client) Close() error {
	c.CloseChat()
	return c.Feed.Disconnect()
}
