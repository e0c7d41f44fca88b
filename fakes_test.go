package ember

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeRows is an in-memory RowStore with injectable failures.
type fakeRows struct {
	mu        sync.Mutex
	nextID    int
	inserted  []*Message
	updates   []fakeUpdate
	insertErr error
	updateErr error
	selectErr error
	pageRows  []*Message

	// beforeInsertReturn runs while the insert is "in flight", letting a
	// test observe the placeholder state mid-send.
	beforeInsertReturn func()
}

type fakeUpdate struct {
	chatID    string
	messageID string
	patch     MessagePatch
}

func (f *fakeRows) InsertMessage(_ context.Context, msg *Message) (*Message, error) {
	if f.beforeInsertReturn != nil {
		f.beforeInsertReturn()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	f.nextID++
	row := *msg
	row.ID = fmt.Sprintf("m-%d", f.nextID)
	row.CreatedAt = time.Now()
	f.inserted = append(f.inserted, &row)
	return &row, nil
}

func (f *fakeRows) UpdateMessage(_ context.Context, chatID, messageID string, patch MessagePatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, fakeUpdate{chatID, messageID, patch})
	return nil
}

func (f *fakeRows) SelectPage(_ context.Context, chatID string, offset, limit int) ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	return f.pageRows, nil
}

// fakeObjects is an ObjectStore with an injectable failure.
type fakeObjects struct {
	uploadErr error
	uploads   []string
}

func (f *fakeObjects) Upload(_ context.Context, localPath, bucket string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, localPath)
	return "ref-" + localPath, nil
}

// fakeViewport counts scroll commands.
type fakeViewport struct {
	mu      sync.Mutex
	scrolls int
}

func (f *fakeViewport) ScrollToNewest() {
	f.mu.Lock()
	f.scrolls++
	f.mu.Unlock()
}

func (f *fakeViewport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scrolls
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func confirmedMessage(id, chatID, authorID, content string) *Message {
	return &Message{
		ID:        id,
		ChatID:    chatID,
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC),
	}
}
