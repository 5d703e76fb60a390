package client

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	v1 "aura/contracts/chat/v1"
)

// optimisticPrefix keeps temporary ids out of the server id space.
const optimisticPrefix = "temp_"

// Entry is one rendered message slot. Optimistic entries carry a
// client-generated LocalID until the server confirms or rejects the send.
type Entry struct {
	Message    v1.Message
	LocalID    string
	Optimistic bool
}

func serverLocalID(id int64) string { return strconv.FormatInt(id, 10) }

// messageBefore reports whether a orders strictly before b.
// Timestamp is the primary key, id the tie-break.
func messageBefore(a, b v1.Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// Timeline is the per-conversation ordered message list plus its backward
// pagination cursor. It is not safe for concurrent use; the Engine
// serializes access per conversation.
type Timeline struct {
	ConversationID int64

	entries []Entry
	index   map[string]int // LocalID -> position in entries

	oldestLoadedTS   time.Time
	hasReachedOldest bool
}

// NewTimeline creates an empty timeline for one conversation.
func NewTimeline(conversationID int64) *Timeline {
	return &Timeline{
		ConversationID: conversationID,
		index:          make(map[string]int),
	}
}

// Len reports the number of entries, optimistic included.
func (t *Timeline) Len() int { return len(t.entries) }

// Entries returns a copy of the current ordered view.
func (t *Timeline) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Contains reports whether a server-confirmed message id is present.
func (t *Timeline) Contains(id int64) bool {
	_, ok := t.index[serverLocalID(id)]
	return ok
}

// Cursor returns the backward pagination state: the oldest loaded
// timestamp and whether the server has confirmed no older messages exist.
func (t *Timeline) Cursor() (oldest time.Time, reachedOldest bool) {
	return t.oldestLoadedTS, t.hasReachedOldest
}

// Reset replaces the whole timeline with a freshly fetched newest page
// (oldest to newest). Optimistic entries are dropped; the cursor is
// rebuilt from the page.
func (t *Timeline) Reset(page []v1.Message, hasMore bool) {
	t.entries = t.entries[:0]
	t.index = make(map[string]int, len(page))
	t.oldestLoadedTS = time.Time{}
	t.hasReachedOldest = !hasMore

	for _, m := range page {
		t.ApplyNew(m)
	}
}

// BeginOptimistic appends a not-yet-confirmed message and returns its
// temporary id. The reply context, when present, is captured so the
// pending entry already renders the reply preview.
func (t *Timeline) BeginOptimistic(senderID int64, senderUsername, content string, replyTo *v1.Message, now time.Time) string {
	localID := optimisticPrefix + uuid.NewString()

	m := v1.Message{
		ConversationID: t.ConversationID,
		SenderID:       senderID,
		SenderUsername: senderUsername,
		Content:        content,
		Timestamp:      now,
	}
	if replyTo != nil {
		id := replyTo.ID
		m.ReplyToMessageID = &id
		m.ReplySnippet = replyTo.Content
		m.ReplySenderName = replyTo.SenderUsername
	}

	t.entries = append(t.entries, Entry{Message: m, LocalID: localID, Optimistic: true})
	t.index[localID] = len(t.entries) - 1
	return localID
}

// ConfirmOptimistic replaces the optimistic entry in place with the
// server-confirmed message, keeping the list position stable. If the
// confirmed id already arrived via push, the optimistic duplicate is
// simply removed.
func (t *Timeline) ConfirmOptimistic(localID string, confirmed v1.Message) bool {
	pos, ok := t.index[localID]
	if !ok {
		// Already resolved; still make sure the confirmed copy is present.
		t.ApplyNew(confirmed)
		return false
	}

	if t.Contains(confirmed.ID) {
		t.removeAt(pos)
		return true
	}

	delete(t.index, localID)
	t.entries[pos] = Entry{Message: confirmed, LocalID: serverLocalID(confirmed.ID)}
	t.index[serverLocalID(confirmed.ID)] = pos
	return true
}

// FailOptimistic removes the optimistic entry and returns the composed
// content so the caller can restore it to the input.
func (t *Timeline) FailOptimistic(localID string) (content string, ok bool) {
	pos, found := t.index[localID]
	if !found {
		return "", false
	}
	content = t.entries[pos].Message.Content
	t.removeAt(pos)
	return content, true
}

// ApplyNew inserts a confirmed message in (timestamp, id) order, skipping
// ids already present. The push path and the sender's own request path
// can race to deliver the same message; the id dedupe makes that safe.
func (t *Timeline) ApplyNew(m v1.Message) bool {
	localID := serverLocalID(m.ID)
	if _, ok := t.index[localID]; ok {
		return false
	}

	pos := len(t.entries)
	for pos > 0 {
		prev := t.entries[pos-1]
		// Optimistic entries always stay at the tail of their send moment.
		if prev.Optimistic || messageBefore(prev.Message, m) {
			break
		}
		pos--
	}

	t.entries = append(t.entries, Entry{})
	copy(t.entries[pos+1:], t.entries[pos:])
	t.entries[pos] = Entry{Message: m, LocalID: localID}
	t.reindexFrom(pos)

	if t.oldestLoadedTS.IsZero() || m.Timestamp.Before(t.oldestLoadedTS) {
		t.oldestLoadedTS = m.Timestamp
	}
	return true
}

// ApplyUpdate rewrites a message's content in place. Unknown ids are
// ignored (the edit may target a page not loaded locally).
func (t *Timeline) ApplyUpdate(messageID int64, newContent string, editedAt time.Time) bool {
	pos, ok := t.index[serverLocalID(messageID)]
	if !ok {
		return false
	}
	m := &t.entries[pos].Message
	m.Content = newContent
	m.IsEdited = true
	at := editedAt
	m.EditedAt = &at
	return true
}

// ApplyDelete removes a message by id. Unknown ids are ignored.
func (t *Timeline) ApplyDelete(messageID int64) bool {
	pos, ok := t.index[serverLocalID(messageID)]
	if !ok {
		return false
	}
	t.removeAt(pos)
	return true
}

// PrependOlder merges a backward pagination page (oldest to newest) in
// front of the current window. A short page marks the history exhausted.
func (t *Timeline) PrependOlder(page []v1.Message, pageSize int) (added int) {
	for _, m := range page {
		if t.ApplyNew(m) {
			added++
		}
	}
	if len(page) < pageSize {
		t.hasReachedOldest = true
	}
	return added
}

// NewestConfirmed returns the newest non-optimistic message, for tail
// resync fetches after a reconnect.
func (t *Timeline) NewestConfirmed() (v1.Message, bool) {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if !t.entries[i].Optimistic {
			return t.entries[i].Message, true
		}
	}
	return v1.Message{}, false
}

func (t *Timeline) removeAt(pos int) {
	delete(t.index, t.entries[pos].LocalID)
	t.entries = append(t.entries[:pos], t.entries[pos+1:]...)
	t.reindexFrom(pos)
}

func (t *Timeline) reindexFrom(pos int) {
	for i := pos; i < len(t.entries); i++ {
		t.index[t.entries[i].LocalID] = i
	}
}
