package ember

import (
	"context"
	"errors"
	"testing"
)

type realtimeFixture struct {
	store   *MessageStore
	rows    *fakeRows
	pending *PendingIDSet
	vp      *fakeViewport
	scroll  *ScrollPositionController
	rec     *RealtimeReconciler
}

func newRealtimeFixture(t *testing.T) *realtimeFixture {
	t.Helper()
	f := &realtimeFixture{
		store:   NewMessageStore(),
		rows:    &fakeRows{},
		pending: NewPendingIDSet(0),
		vp:      &fakeViewport{},
	}
	f.scroll = NewScrollPositionController(f.vp)
	f.rec = NewRealtimeReconciler(f.store, f.rows, f.pending, f.scroll)
	f.rec.SetChat("chat-1", "user-1")
	return f
}

func TestRealtimeInsertFromOtherUser(t *testing.T) {
	f := newRealtimeFixture(t)

	f.rec.OnInsert(confirmedMessage("m-1", "chat-1", "user-2", "hello"))

	if f.store.Len("chat-1") != 1 {
		t.Fatal("insert from another user must land in the cache")
	}
	if !f.pending.Contains("m-1") {
		t.Fatal("merged id must be marked pending to absorb a duplicate push")
	}
}

func TestRealtimeDropsOwnEcho(t *testing.T) {
	f := newRealtimeFixture(t)

	f.rec.OnInsert(confirmedMessage("m-1", "chat-1", "user-1", "mine"))

	if f.store.Len("chat-1") != 0 {
		t.Fatal("own-author events must never enter through the realtime path")
	}
}

func TestRealtimeDropsWrongChat(t *testing.T) {
	f := newRealtimeFixture(t)

	f.rec.OnInsert(confirmedMessage("m-1", "chat-2", "user-2", "elsewhere"))

	if f.store.Len("chat-1") != 0 || f.store.Len("chat-2") != 0 {
		t.Fatal("cross-chat events must be dropped")
	}
}

func TestRealtimeDropsPendingIDs(t *testing.T) {
	f := newRealtimeFixture(t)
	f.pending.Add("temp-1")

	f.rec.OnInsert(confirmedMessage("temp-1", "chat-1", "user-2", "racing"))

	if f.store.Len("chat-1") != 0 {
		t.Fatal("an id the optimistic path still owns must not be inserted")
	}
}

func TestRealtimeDuplicatePushIsIdempotent(t *testing.T) {
	f := newRealtimeFixture(t)
	msg := confirmedMessage("m-1", "chat-1", "user-2", "once")

	f.rec.OnInsert(msg)
	if f.store.Len("chat-1") != 1 {
		t.Fatal("first push must insert")
	}
	before := f.vp.count()

	f.rec.OnInsert(msg)
	if f.store.Len("chat-1") != 1 {
		t.Fatal("duplicate push must not insert again")
	}
	if f.vp.count() != before {
		t.Fatal("duplicate push must not re-trigger the arrival affordance")
	}
}

func TestRealtimeArrivalDrivesScroll(t *testing.T) {
	f := newRealtimeFixture(t)

	t.Run("at bottom scrolls", func(t *testing.T) {
		f.rec.OnInsert(confirmedMessage("m-1", "chat-1", "user-2", "a"))
		if f.vp.count() != 1 {
			t.Fatalf("expected one scroll, got %d", f.vp.count())
		}
	})

	t.Run("scrolled up accumulates instead", func(t *testing.T) {
		f.scroll.ReportOffset(500)
		f.rec.OnInsert(confirmedMessage("m-2", "chat-1", "user-2", "b"))
		if f.vp.count() != 1 {
			t.Fatal("arrival while scrolled up must not move the viewport")
		}
		if f.scroll.PendingCount() != 1 {
			t.Fatalf("expected one pending arrival, got %d", f.scroll.PendingCount())
		}
	})
}

func TestResumeMergesMissedRows(t *testing.T) {
	f := newRealtimeFixture(t)
	f.store.AppendPage("chat-1", []*Message{
		confirmedMessage("m-2", "chat-1", "user-2", "known"),
	})
	f.pending.Add("local-abc")
	f.rows.pageRows = []*Message{
		confirmedMessage("m-4", "chat-1", "user-2", "missed later"),
		confirmedMessage("m-3", "chat-1", "user-2", "missed"),
		confirmedMessage("m-2", "chat-1", "user-2", "known"),
		confirmedMessage("local-abc", "chat-1", "user-1", "still resolving"),
	}

	if err := f.rec.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if !f.store.Contains("chat-1", "m-3") || !f.store.Contains("chat-1", "m-4") {
		t.Fatal("missed rows must be merged")
	}
	if f.store.Len("chat-1") != 3 {
		t.Fatalf("expected the known row plus both missed ones, got %d", f.store.Len("chat-1"))
	}

	// Merging must preserve newest-first order within page zero.
	pages := f.store.Pages("chat-1")
	if pages[0][0].ID != "m-4" || pages[0][1].ID != "m-3" {
		t.Fatalf("newest must be at index 0, got %s then %s", pages[0][0].ID, pages[0][1].ID)
	}
}

func TestResumeKeepsNewestFirstOnEmptyCache(t *testing.T) {
	f := newRealtimeFixture(t)
	f.rows.pageRows = []*Message{
		confirmedMessage("m-5", "chat-1", "user-2", "newest"),
		confirmedMessage("m-4", "chat-1", "user-2", "older"),
	}

	if err := f.rec.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}

	pages := f.store.Pages("chat-1")
	if len(pages) != 1 || len(pages[0]) != 2 {
		t.Fatalf("expected both rows merged, got %v", pages)
	}
	if pages[0][0].ID != "m-5" || pages[0][1].ID != "m-4" {
		t.Fatalf("newest must be at index 0, got %s then %s", pages[0][0].ID, pages[0][1].ID)
	}
}

func TestResumeWithoutChatIsNoOp(t *testing.T) {
	f := newRealtimeFixture(t)
	f.rec.SetChat("", "")
	f.rows.selectErr = errors.New("must not be called")

	if err := f.rec.Resume(context.Background()); err != nil {
		t.Fatalf("resume without a chat must be a no-op, got %v", err)
	}
}

func TestResumePropagatesFetchError(t *testing.T) {
	f := newRealtimeFixture(t)
	f.rows.selectErr = errors.New("backend down")

	if err := f.rec.Resume(context.Background()); err == nil {
		t.Fatal("refetch failure must surface")
	}
}
