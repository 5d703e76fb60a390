package client

import (
	"strings"
	"testing"
	"time"

	v1 "aura/contracts/chat/v1"
)

var timelineBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mkMsg(id int64, sec int) v1.Message {
	return v1.Message{
		ID:             id,
		ConversationID: 1,
		SenderID:       2,
		SenderUsername: "bob",
		Content:        "m",
		Timestamp:      timelineBase.Add(time.Duration(sec) * time.Second),
	}
}

func ids(t *Timeline) []string {
	out := make([]string, 0, t.Len())
	for _, e := range t.Entries() {
		out = append(out, e.LocalID)
	}
	return out
}

func TestTimelineDedupeByID(t *testing.T) {
	t.Parallel()

	tl := NewTimeline(1)
	m := mkMsg(10, 0)

	if !tl.ApplyNew(m) {
		t.Fatal("first apply should insert")
	}
	if tl.ApplyNew(m) {
		t.Fatal("second apply of the same id should be a no-op")
	}
	if tl.Len() != 1 {
		t.Fatalf("len=%d want 1", tl.Len())
	}
}

func TestTimelineOrderingWithTieBreak(t *testing.T) {
	t.Parallel()

	tl := NewTimeline(1)
	// Insert out of order; 21 and 22 share a timestamp.
	tl.ApplyNew(mkMsg(22, 5))
	tl.ApplyNew(mkMsg(30, 9))
	tl.ApplyNew(mkMsg(21, 5))
	tl.ApplyNew(mkMsg(10, 1))

	got := ids(tl)
	want := []string{"10", "21", "22", "30"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order=%v want %v", got, want)
		}
	}
}

func TestTimelineOptimisticConfirmInPlace(t *testing.T) {
	t.Parallel()

	tl := NewTimeline(1)
	tl.ApplyNew(mkMsg(10, 0))

	localID := tl.BeginOptimistic(7, "alice", "hello", nil, timelineBase.Add(time.Minute))
	if !strings.HasPrefix(localID, "temp_") {
		t.Fatalf("localID=%q missing temp prefix", localID)
	}
	if tl.Len() != 2 {
		t.Fatalf("len=%d want 2", tl.Len())
	}

	confirmed := mkMsg(11, 60)
	confirmed.SenderID = 7
	confirmed.Content = "hello"
	if !tl.ConfirmOptimistic(localID, confirmed) {
		t.Fatal("confirm should resolve the optimistic entry")
	}

	entries := tl.Entries()
	if entries[1].Optimistic {
		t.Fatal("confirmed entry still optimistic")
	}
	if entries[1].Message.ID != 11 {
		t.Fatalf("confirmed id=%d want 11", entries[1].Message.ID)
	}
	if !tl.Contains(11) {
		t.Fatal("confirmed id not indexed")
	}
}

func TestTimelineConfirmAfterPushRace(t *testing.T) {
	t.Parallel()

	tl := NewTimeline(1)
	localID := tl.BeginOptimistic(7, "alice", "hi", nil, timelineBase)

	// The push path delivered the confirmed copy before the request
	// returned; confirmation must collapse to one entry.
	confirmed := mkMsg(5, 0)
	confirmed.SenderID = 7
	tl.ApplyNew(confirmed)
	tl.ConfirmOptimistic(localID, confirmed)

	if tl.Len() != 1 {
		t.Fatalf("len=%d want 1 after race", tl.Len())
	}
	if !tl.Contains(5) {
		t.Fatal("confirmed id missing after race")
	}
}

func TestTimelineFailOptimisticRestoresContent(t *testing.T) {
	t.Parallel()

	tl := NewTimeline(1)
	tl.ApplyNew(mkMsg(10, 0))
	localID := tl.BeginOptimistic(7, "alice", "draft text", nil, timelineBase.Add(time.Minute))

	content, ok := tl.FailOptimistic(localID)
	if !ok {
		t.Fatal("fail should find the optimistic entry")
	}
	if content != "draft text" {
		t.Fatalf("restored content=%q want %q", content, "draft text")
	}
	if tl.Len() != 1 {
		t.Fatalf("len=%d want 1, rollback must only remove its own entry", tl.Len())
	}
	if _, ok := tl.FailOptimistic(localID); ok {
		t.Fatal("second fail should be a no-op")
	}
}

func TestTimelineOptimisticCapturesReplyContext(t *testing.T) {
	t.Parallel()

	tl := NewTimeline(1)
	target := mkMsg(10, 0)
	target.Content = "original"
	tl.ApplyNew(target)

	localID := tl.BeginOptimistic(7, "alice", "re: original", &target, timelineBase.Add(time.Minute))
	entries := tl.Entries()
	e := entries[len(entries)-1]
	if e.LocalID != localID {
		t.Fatal("optimistic entry not at tail")
	}
	if e.Message.ReplyToMessageID == nil || *e.Message.ReplyToMessageID != 10 {
		t.Fatal("reply target not captured")
	}
	if e.Message.ReplySnippet != "original" || e.Message.ReplySenderName != "bob" {
		t.Fatalf("reply preview=%q/%q", e.Message.ReplySnippet, e.Message.ReplySenderName)
	}
}

func TestTimelinePaginationConvergence(t *testing.T) {
	t.Parallel()

	tl := NewTimeline(1)
	tl.Reset([]v1.Message{mkMsg(20, 20), mkMsg(21, 21)}, true)

	if _, done := tl.Cursor(); done {
		t.Fatal("cursor done before history exhausted")
	}

	// Full older page: history may continue.
	added := tl.PrependOlder([]v1.Message{mkMsg(18, 18), mkMsg(19, 19)}, 2)
	if added != 2 {
		t.Fatalf("added=%d want 2", added)
	}
	if _, done := tl.Cursor(); done {
		t.Fatal("full page must not mark history exhausted")
	}

	// Short page: history exhausted.
	tl.PrependOlder([]v1.Message{mkMsg(17, 17)}, 2)
	oldest, done := tl.Cursor()
	if !done {
		t.Fatal("short page must mark history exhausted")
	}

	// One more call with an overlapping page: no duplicates, flag stays.
	if added := tl.PrependOlder(nil, 2); added != 0 {
		t.Fatalf("added=%d want 0", added)
	}
	if _, stillDone := tl.Cursor(); !stillDone {
		t.Fatal("exhausted flag must not clear")
	}
	if !oldest.Equal(mkMsg(17, 17).Timestamp) {
		t.Fatalf("oldest=%v want %v", oldest, mkMsg(17, 17).Timestamp)
	}
	if tl.Len() != 5 {
		t.Fatalf("len=%d want 5", tl.Len())
	}
}

func TestTimelineUpdateAndDelete(t *testing.T) {
	t.Parallel()

	tl := NewTimeline(1)
	tl.ApplyNew(mkMsg(10, 0))
	tl.ApplyNew(mkMsg(11, 1))

	at := timelineBase.Add(time.Hour)
	if !tl.ApplyUpdate(10, "edited", at) {
		t.Fatal("update should find id 10")
	}
	e := tl.Entries()[0]
	if e.Message.Content != "edited" || !e.Message.IsEdited || e.Message.EditedAt == nil {
		t.Fatalf("edit not applied: %+v", e.Message)
	}

	if tl.ApplyUpdate(99, "x", at) {
		t.Fatal("update of unknown id should report false")
	}

	if !tl.ApplyDelete(10) {
		t.Fatal("delete should find id 10")
	}
	if tl.Contains(10) || tl.Len() != 1 {
		t.Fatal("delete did not remove the entry")
	}
	if tl.ApplyDelete(10) {
		t.Fatal("second delete should be a no-op")
	}
}

func TestTimelineResetDropsState(t *testing.T) {
	t.Parallel()

	tl := NewTimeline(1)
	tl.ApplyNew(mkMsg(10, 0))
	tl.BeginOptimistic(7, "alice", "pending", nil, timelineBase)
	tl.PrependOlder([]v1.Message{mkMsg(9, -1)}, 30) // short page, exhausted

	tl.Reset([]v1.Message{mkMsg(40, 40), mkMsg(41, 41)}, true)

	if tl.Len() != 2 {
		t.Fatalf("len=%d want 2 after reset", tl.Len())
	}
	if _, done := tl.Cursor(); done {
		t.Fatal("reset must clear the exhausted flag when more history exists")
	}
	for _, e := range tl.Entries() {
		if e.Optimistic {
			t.Fatal("reset must drop optimistic entries")
		}
	}
}
