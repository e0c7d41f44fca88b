package ember

import "sync"

// SessionContext is the explicitly owned application-state object: foreground
// state and the currently viewed chat. It is created once at startup, updated
// by navigation and lifecycle events, and read by the notification-suppression
// decision. Resume hooks fire on the background-to-foreground transition so
// the realtime layer can run its reconciling refetch.
type SessionContext struct {
	mu         sync.Mutex
	foreground bool
	activeChat string
	onResume   []func()
}

// NewSessionContext creates a context in the foreground state with no chat
// open.
func NewSessionContext() *SessionContext {
	return &SessionContext{foreground: true}
}

// OnResume registers a hook fired when the app returns to the foreground.
func (s *SessionContext) OnResume(fn func()) {
	s.mu.Lock()
	s.onResume = append(s.onResume, fn)
	s.mu.Unlock()
}

// SetForeground records a lifecycle transition, firing resume hooks when
// coming back from the background.
func (s *SessionContext) SetForeground(fg bool) {
	s.mu.Lock()
	resumed := fg && !s.foreground
	s.foreground = fg
	var hooks []func()
	if resumed {
		hooks = append(hooks, s.onResume...)
	}
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// SetActiveChat records which chat the user is viewing. Pass "" on navigate
// away.
func (s *SessionContext) SetActiveChat(chatID string) {
	s.mu.Lock()
	s.activeChat = chatID
	s.mu.Unlock()
}

// ActiveChat returns the currently viewed chat id, or "".
func (s *SessionContext) ActiveChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeChat
}

// Foreground reports whether the app is in the foreground.
func (s *SessionContext) Foreground() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.foreground
}

// ShouldNotify decides whether a push notification for an incoming message
// should be shown. Suppressed for the user's own messages and for the chat
// currently on screen.
func (s *SessionContext) ShouldNotify(chatID, authorID, selfID string) bool {
	if authorID == selfID {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.foreground && s.activeChat == chatID {
		return false
	}
	return true
}
