package ember

import (
	"sync"

	"github.com/rs/zerolog"
)

// PageSet is a chat's cached pages, newest page first, each page ordered
// newest message first. Pages beyond the first are append-only results of
// backward pagination; realtime and optimistic writes only touch page zero.
type PageSet [][]*Message

// ChangeListener observes store mutations. It receives the freshly built
// page set; the store never hands out a slice it will mutate later.
type ChangeListener func(chatID string, pages PageSet)

// MessageStore is the single mutable cache of message pages, keyed by chat.
//
// Every mutation rebuilds the outer page list and the touched page, so
// observers that diff by reference identity see every logical change.
// Untouched pages are carried over by reference.
type MessageStore struct {
	mu        sync.Mutex
	chats     map[string]PageSet
	listeners []ChangeListener
	log       zerolog.Logger
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		chats: make(map[string]PageSet),
		log:   zerolog.Nop(),
	}
}

// SetLogger attaches a logger. Safe to call before the store is shared.
func (s *MessageStore) SetLogger(log zerolog.Logger) {
	s.log = log.With().Str("component", "store").Logger()
}

// OnChange registers a listener invoked synchronously after each mutation.
func (s *MessageStore) OnChange(fn ChangeListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Pages returns the current page set for a chat. The returned slices are
// never mutated in place; treat them as immutable.
func (s *MessageStore) Pages(chatID string) PageSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats[chatID]
}

// Get returns the message with the given id, or nil.
func (s *MessageStore) Get(chatID, messageID string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, page := range s.chats[chatID] {
		for _, m := range page {
			if m.ID == messageID {
				return m
			}
		}
	}
	return nil
}

// Contains reports whether any page holds the given message id.
func (s *MessageStore) Contains(chatID, messageID string) bool {
	return s.Get(chatID, messageID) != nil
}

// Len returns the total number of cached messages for a chat.
func (s *MessageStore) Len(chatID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, page := range s.chats[chatID] {
		n += len(page)
	}
	return n
}

// Prepend inserts a message at the head of the first page, creating the page
// structure if the chat has none yet.
func (s *MessageStore) Prepend(chatID string, msg *Message) {
	s.mu.Lock()
	old := s.chats[chatID]
	var pages PageSet
	if len(old) == 0 {
		pages = PageSet{{msg}}
	} else {
		pages = make(PageSet, len(old))
		copy(pages, old)
		head := make([]*Message, 0, len(old[0])+1)
		head = append(head, msg)
		head = append(head, old[0]...)
		pages[0] = head
	}
	s.chats[chatID] = pages
	s.mu.Unlock()
	s.notify(chatID, pages)
}

// AppendPage appends a fetched page of older messages after the existing
// pages. Empty fetches are ignored.
func (s *MessageStore) AppendPage(chatID string, msgs []*Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	old := s.chats[chatID]
	pages := make(PageSet, len(old), len(old)+1)
	copy(pages, old)
	page := make([]*Message, len(msgs))
	copy(page, msgs)
	pages = append(pages, page)
	s.chats[chatID] = pages
	s.mu.Unlock()
	s.notify(chatID, pages)
}

// Replace overwrites the message matching matchID in place, preserving its
// position. No-op if the match is gone (it may have been evicted by a page
// reload between the optimistic write and the confirmation).
func (s *MessageStore) Replace(chatID, matchID string, newMsg *Message) {
	s.mutateMatch(chatID, matchID, func(*Message) *Message { return newMsg })
}

// Patch applies a field-level update to the matching message without touching
// other fields. The mutator receives a copy; the prior value stays intact for
// any snapshot holding it.
func (s *MessageStore) Patch(chatID, matchID string, mutate func(*Message)) {
	s.mutateMatch(chatID, matchID, func(old *Message) *Message {
		next := *old
		mutate(&next)
		return &next
	})
}

func (s *MessageStore) mutateMatch(chatID, matchID string, build func(*Message) *Message) {
	s.mu.Lock()
	old := s.chats[chatID]
	found := false
	var pages PageSet
	for pi, page := range old {
		for mi, m := range page {
			if m.ID != matchID {
				continue
			}
			pages = make(PageSet, len(old))
			copy(pages, old)
			next := make([]*Message, len(page))
			copy(next, page)
			next[mi] = build(m)
			pages[pi] = next
			found = true
			break
		}
		if found {
			break
		}
	}
	if !found {
		s.mu.Unlock()
		s.log.Debug().Str("chat", chatID).Str("id", matchID).Msg("mutate target not in cache")
		return
	}
	s.chats[chatID] = pages
	s.mu.Unlock()
	s.notify(chatID, pages)
}

// Remove deletes the matching message from whichever page contains it.
func (s *MessageStore) Remove(chatID, matchID string) {
	s.mu.Lock()
	old := s.chats[chatID]
	found := false
	var pages PageSet
	for pi, page := range old {
		for mi, m := range page {
			if m.ID != matchID {
				continue
			}
			pages = make(PageSet, len(old))
			copy(pages, old)
			next := make([]*Message, 0, len(page)-1)
			next = append(next, page[:mi]...)
			next = append(next, page[mi+1:]...)
			pages[pi] = next
			found = true
			break
		}
		if found {
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return
	}
	s.chats[chatID] = pages
	s.mu.Unlock()
	s.notify(chatID, pages)
}

// DedupeInsert prepends the message only if its id is absent from every page.
// Realtime delivery must go through this, never raw Prepend.
func (s *MessageStore) DedupeInsert(chatID string, msg *Message) bool {
	if s.Contains(chatID, msg.ID) {
		s.log.Debug().Str("chat", chatID).Str("id", msg.ID).Msg("duplicate insert dropped")
		return false
	}
	s.Prepend(chatID, msg)
	return true
}

// Snapshot returns a deep copy of a chat's page set, suitable for exact
// restoration after a failed optimistic mutation.
func (s *MessageStore) Snapshot(chatID string) PageSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.chats[chatID]
	if old == nil {
		return nil
	}
	snap := make(PageSet, len(old))
	for pi, page := range old {
		copied := make([]*Message, len(page))
		for mi, m := range page {
			dup := *m
			copied[mi] = &dup
		}
		snap[pi] = copied
	}
	return snap
}

// Restore replaces a chat's page set with a previously taken snapshot.
func (s *MessageStore) Restore(chatID string, snap PageSet) {
	s.mu.Lock()
	if snap == nil {
		delete(s.chats, chatID)
	} else {
		s.chats[chatID] = snap
	}
	s.mu.Unlock()
	s.notify(chatID, snap)
}

// Clear drops a chat's cache entirely.
func (s *MessageStore) Clear(chatID string) {
	s.mu.Lock()
	delete(s.chats, chatID)
	s.mu.Unlock()
	s.notify(chatID, nil)
}

func (s *MessageStore) notify(chatID string, pages PageSet) {
	s.mu.Lock()
	listeners := append([]ChangeListener{}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(chatID, pages)
	}
}
