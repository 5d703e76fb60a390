package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	v1 "aura/contracts/chat/v1"
)

const (
	initialPageSize = 50
	olderPageSize   = 30
)

// ErrFetchInFlight reports a suppressed fetch: another load for the same
// conversation is already outstanding.
var ErrFetchInFlight = errors.New("client: fetch already in flight for conversation")

// Fetcher is the slice of the REST client the engine needs. *API satisfies it.
type Fetcher interface {
	ListMessages(ctx context.Context, conversationID int64, opts ListMessagesOptions) (MessagePage, error)
	SendMessage(ctx context.Context, conversationID int64, content string, replyTo *int64) (v1.Message, error)
}

// Sender pushes envelopes onto the live channel. *Socket satisfies it.
type Sender interface {
	Send(ctx context.Context, env v1.Envelope) error
}

// Presence is the client-side view of one user's availability.
type Presence struct {
	Status       string
	LastActiveTS time.Time
}

// conversationState pairs a timeline with its fetch bookkeeping.
// epoch detects stale responses: it is bumped whenever the timeline is
// reset or closed, and a fetch dispatched under an older epoch is
// abandoned on arrival.
type conversationState struct {
	timeline *Timeline
	fetching bool
	epoch    uint64
}

// Engine folds pushed events and fetched pages into ordered,
// deduplicated per-conversation timelines. All methods are safe for
// concurrent use.
type Engine struct {
	log    *slog.Logger
	api    Fetcher
	sender Sender

	selfID int64

	mu       sync.Mutex
	convs    map[int64]*conversationState
	presence map[int64]Presence
	typing   map[int64]bool // conversationID -> partner currently typing

	pendingReads map[int64]map[int64]struct{} // conversationID -> message ids awaiting mark_read
	sentReads    map[int64]map[int64]struct{} // conversationID -> message ids already submitted

	// OnTimelineChange, when set, fires after any mutation of the named
	// conversation's timeline. Called without locks held.
	OnTimelineChange func(conversationID int64)
	// OnPresenceChange fires on user_status_update events.
	OnPresenceChange func(userID int64, p Presence)
	// OnTypingChange fires on typing_indicator events.
	OnTypingChange func(conversationID int64, typing bool)
	// OnMessagesRead fires when a partner reads this client's messages.
	OnMessagesRead func(conversationID int64, messageIDs []int64, readerID int64)
}

// NewEngine constructs a synchronization engine for one authenticated user.
func NewEngine(log *slog.Logger, api Fetcher, sender Sender, selfID int64) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:          log,
		api:          api,
		sender:       sender,
		selfID:       selfID,
		convs:        make(map[int64]*conversationState),
		presence:     make(map[int64]Presence),
		typing:       make(map[int64]bool),
		pendingReads: make(map[int64]map[int64]struct{}),
		sentReads:    make(map[int64]map[int64]struct{}),
	}
}

// Timeline returns the current entries for a conversation, or nil when it
// has not been opened.
func (e *Engine) Timeline(conversationID int64) []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.convs[conversationID]
	if !ok {
		return nil
	}
	return cs.timeline.Entries()
}

// Cursor exposes a conversation's backward pagination state.
func (e *Engine) Cursor(conversationID int64) (oldest time.Time, reachedOldest bool, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, found := e.convs[conversationID]
	if !found {
		return time.Time{}, false, false
	}
	oldest, reachedOldest = cs.timeline.Cursor()
	return oldest, reachedOldest, true
}

// PresenceOf returns the last known presence for a user.
func (e *Engine) PresenceOf(userID int64) (Presence, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.presence[userID]
	return p, ok
}

// PartnerTyping reports whether the conversation partner is typing.
func (e *Engine) PartnerTyping(conversationID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typing[conversationID]
}

// Open loads the newest page of a conversation, replacing any prior local
// state. A concurrent load for the same conversation is suppressed.
func (e *Engine) Open(ctx context.Context, conversationID int64) error {
	cs, epoch, err := e.beginFetch(conversationID)
	if err != nil {
		return err
	}

	page, err := e.api.ListMessages(ctx, conversationID, ListMessagesOptions{Limit: initialPageSize})

	e.mu.Lock()
	cs.fetching = false
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if cs.epoch != epoch {
		// Superseded while in flight; never apply stale pages.
		e.mu.Unlock()
		return nil
	}
	cs.epoch++
	cs.timeline.Reset(page.Messages, page.HasMore)
	e.mu.Unlock()

	e.notifyTimeline(conversationID)
	return nil
}

// LoadOlder fetches the page strictly older than the oldest loaded
// message and prepends it. It is a no-op once the history is exhausted,
// and is suppressed while any fetch for the conversation is outstanding.
func (e *Engine) LoadOlder(ctx context.Context, conversationID int64) error {
	e.mu.Lock()
	cs, ok := e.convs[conversationID]
	if !ok {
		e.mu.Unlock()
		return errors.New("client: conversation not open")
	}
	if cs.fetching {
		e.mu.Unlock()
		return ErrFetchInFlight
	}
	oldest, done := cs.timeline.Cursor()
	if done || oldest.IsZero() {
		e.mu.Unlock()
		return nil
	}
	cs.fetching = true
	epoch := cs.epoch
	e.mu.Unlock()

	page, err := e.api.ListMessages(ctx, conversationID, ListMessagesOptions{Before: oldest, Limit: olderPageSize})

	e.mu.Lock()
	cs.fetching = false
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if cs.epoch != epoch {
		e.mu.Unlock()
		return nil
	}
	cs.timeline.PrependOlder(page.Messages, olderPageSize)
	e.mu.Unlock()

	e.notifyTimeline(conversationID)
	return nil
}

// Resync reconciles a conversation's tail after a reconnect: events
// broadcast while disconnected are permanently lost, so the gap is
// refetched and merged by id. Conversations never opened are skipped.
func (e *Engine) Resync(ctx context.Context, conversationID int64) error {
	e.mu.Lock()
	cs, ok := e.convs[conversationID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	if cs.fetching {
		e.mu.Unlock()
		return ErrFetchInFlight
	}
	newest, found := cs.timeline.NewestConfirmed()
	cs.fetching = true
	epoch := cs.epoch
	e.mu.Unlock()

	var (
		page MessagePage
		err  error
	)
	if found {
		page, err = e.api.ListMessages(ctx, conversationID, ListMessagesOptions{Since: newest.Timestamp})
	} else {
		page, err = e.api.ListMessages(ctx, conversationID, ListMessagesOptions{Limit: initialPageSize})
	}

	e.mu.Lock()
	cs.fetching = false
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if cs.epoch != epoch {
		e.mu.Unlock()
		return nil
	}
	changed := 0
	if found {
		for _, m := range page.Messages {
			if cs.timeline.ApplyNew(m) {
				changed++
			}
		}
	} else {
		cs.epoch++
		cs.timeline.Reset(page.Messages, page.HasMore)
		changed = len(page.Messages)
	}
	e.mu.Unlock()

	if changed > 0 {
		e.notifyTimeline(conversationID)
	}
	return nil
}

// ResyncAll reconciles every open conversation, for the reconnect path.
func (e *Engine) ResyncAll(ctx context.Context) {
	e.mu.Lock()
	ids := make([]int64, 0, len(e.convs))
	for id := range e.convs {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.Resync(ctx, id); err != nil && !errors.Is(err, ErrFetchInFlight) {
			e.log.Warn("client.resync.fail", "conversation_id", id, "err", err)
		}
	}
}

// Close drops a conversation's local state; any in-flight fetch result
// for it is abandoned on arrival.
func (e *Engine) Close(conversationID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cs, ok := e.convs[conversationID]; ok {
		cs.epoch++
		delete(e.convs, conversationID)
	}
	delete(e.typing, conversationID)
	delete(e.pendingReads, conversationID)
	delete(e.sentReads, conversationID)
}

// SendResult pairs the optimistic local id with the eventual outcome.
type SendResult struct {
	LocalID string
	Message v1.Message
}

// Send performs an optimistic send: the message renders immediately under
// a temporary id, then is confirmed in place or rolled back. On failure
// the composed content is returned inside the error for restoration.
func (e *Engine) Send(ctx context.Context, conversationID int64, senderUsername, content string, replyTo *v1.Message) (SendResult, error) {
	e.mu.Lock()
	cs := e.stateLocked(conversationID)
	localID := cs.timeline.BeginOptimistic(e.selfID, senderUsername, content, replyTo, time.Now().UTC())
	e.mu.Unlock()
	e.notifyTimeline(conversationID)

	var replyID *int64
	if replyTo != nil {
		id := replyTo.ID
		replyID = &id
	}

	confirmed, err := e.api.SendMessage(ctx, conversationID, content, replyID)
	if err != nil {
		e.mu.Lock()
		restored, _ := cs.timeline.FailOptimistic(localID)
		e.mu.Unlock()
		e.notifyTimeline(conversationID)
		return SendResult{LocalID: localID}, &SendError{Cause: err, Content: restored}
	}

	e.mu.Lock()
	cs.timeline.ConfirmOptimistic(localID, confirmed)
	e.mu.Unlock()
	e.notifyTimeline(conversationID)

	return SendResult{LocalID: localID, Message: confirmed}, nil
}

// SendError carries the composed content of a failed send so it is never
// silently lost.
type SendError struct {
	Cause   error
	Content string
}

func (e *SendError) Error() string { return "client: send failed: " + e.Cause.Error() }
func (e *SendError) Unwrap() error { return e.Cause }

// HandleEvent applies one pushed envelope to local state.
func (e *Engine) HandleEvent(env v1.Envelope) {
	switch env.Type {
	case v1.TypeNewMessage:
		var p v1.NewMessagePayload
		if !e.decode(env, &p) {
			return
		}
		e.applyNewMessage(p.Message)

	case v1.TypeMessageUpdated:
		var p v1.MessageUpdatedPayload
		if !e.decode(env, &p) {
			return
		}
		e.withTimeline(p.ConversationID, func(t *Timeline) bool {
			return t.ApplyUpdate(p.MessageID, p.NewContent, p.EditedAt)
		})

	case v1.TypeMessageDeleted:
		var p v1.MessageDeletedPayload
		if !e.decode(env, &p) {
			return
		}
		e.withTimeline(p.ConversationID, func(t *Timeline) bool {
			return t.ApplyDelete(p.MessageID)
		})

	case v1.TypeTypingIndicator:
		var p v1.TypingIndicatorPayload
		if !e.decode(env, &p) {
			return
		}
		typing := p.Status == v1.TypingStart
		e.mu.Lock()
		e.typing[p.ConversationID] = typing
		e.mu.Unlock()
		if e.OnTypingChange != nil {
			e.OnTypingChange(p.ConversationID, typing)
		}

	case v1.TypeUserStatusUpdate:
		var p v1.UserStatusUpdatePayload
		if !e.decode(env, &p) {
			return
		}
		pr := Presence{Status: p.Status, LastActiveTS: p.LastActiveTS}
		e.mu.Lock()
		e.presence[p.UserID] = pr
		e.mu.Unlock()
		if e.OnPresenceChange != nil {
			e.OnPresenceChange(p.UserID, pr)
		}

	case v1.TypeMessageRead:
		var p v1.MessageReadPayload
		if !e.decode(env, &p) {
			return
		}
		if e.OnMessagesRead != nil {
			e.OnMessagesRead(p.ConversationID, p.MessageIDs, p.ReaderID)
		}

	case v1.TypePong, v1.TypeAuthenticated:
		// Liveness and handshake confirmations carry no timeline state.

	case v1.TypeError:
		var p v1.ErrorPayload
		if e.decode(env, &p) {
			e.log.Warn("client.server.error", "code", p.Code, "message", p.Message)
		}

	default:
		e.log.Debug("client.event.unhandled", "type", env.Type)
	}
}

func (e *Engine) applyNewMessage(m v1.Message) {
	e.mu.Lock()
	cs, open := e.convs[m.ConversationID]
	changed := false
	if open {
		changed = cs.timeline.ApplyNew(m)
	}
	// An incoming message supersedes any outstanding typing state from
	// that user in that conversation.
	if m.SenderID != e.selfID {
		e.typing[m.ConversationID] = false
	}
	e.mu.Unlock()

	if changed {
		e.notifyTimeline(m.ConversationID)
	}
}

// QueueRead accumulates newly visible, not-own message ids for the next
// mark_read batch. Already submitted ids are skipped.
func (e *Engine) QueueRead(conversationID int64, messageIDs ...int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range messageIDs {
		if _, sent := e.sentReads[conversationID][id]; sent {
			continue
		}
		set, ok := e.pendingReads[conversationID]
		if !ok {
			set = make(map[int64]struct{})
			e.pendingReads[conversationID] = set
		}
		set[id] = struct{}{}
	}
}

// FlushReads submits every pending read batch, one mark_read envelope per
// conversation. Duplicate marks are harmless server-side, but flushed ids
// are remembered to keep batches small.
func (e *Engine) FlushReads(ctx context.Context) error {
	e.mu.Lock()
	batches := make(map[int64][]int64, len(e.pendingReads))
	for convID, set := range e.pendingReads {
		ids := make([]int64, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		batches[convID] = ids
	}
	e.pendingReads = make(map[int64]map[int64]struct{})
	e.mu.Unlock()

	for convID, ids := range batches {
		payload, err := json.Marshal(v1.MarkReadPayload{ConversationID: convID, MessageIDs: ids})
		if err != nil {
			return err
		}
		env := v1.Envelope{V: v1.Version, Type: v1.TypeMarkRead, TS: time.Now().UTC(), Payload: payload}
		if err := e.sender.Send(ctx, env); err != nil {
			// Requeue so the batch survives a dropped connection.
			e.QueueRead(convID, ids...)
			return err
		}
		e.mu.Lock()
		sent, ok := e.sentReads[convID]
		if !ok {
			sent = make(map[int64]struct{})
			e.sentReads[convID] = sent
		}
		for _, id := range ids {
			sent[id] = struct{}{}
		}
		e.mu.Unlock()
	}
	return nil
}

func (e *Engine) beginFetch(conversationID int64) (*conversationState, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs := e.stateLocked(conversationID)
	if cs.fetching {
		return nil, 0, ErrFetchInFlight
	}
	cs.fetching = true
	return cs, cs.epoch, nil
}

func (e *Engine) stateLocked(conversationID int64) *conversationState {
	cs, ok := e.convs[conversationID]
	if !ok {
		cs = &conversationState{timeline: NewTimeline(conversationID)}
		e.convs[conversationID] = cs
	}
	return cs
}

func (e *Engine) withTimeline(conversationID int64, fn func(*Timeline) bool) {
	e.mu.Lock()
	cs, ok := e.convs[conversationID]
	changed := false
	if ok {
		changed = fn(cs.timeline)
	}
	e.mu.Unlock()
	if changed {
		e.notifyTimeline(conversationID)
	}
}

func (e *Engine) notifyTimeline(conversationID int64) {
	if e.OnTimelineChange != nil {
		e.OnTimelineChange(conversationID)
	}
}

func (e *Engine) decode(env v1.Envelope, dst any) bool {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		e.log.Warn("client.event.decode.fail", "type", env.Type, "err", err)
		return false
	}
	return true
}
