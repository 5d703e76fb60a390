package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	v1 "aura/contracts/chat/v1"
	"aura/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drain(t *testing.T, c *Conn) []v1.Envelope {
	t.Helper()
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestRegistryEdgeTransitions(t *testing.T) {
	r := NewRegistry(testLogger())

	first := NewConn("s1", 1, "alice", 8)
	second := NewConn("s2", 1, "alice", 8)

	if !r.Add(first) {
		t.Fatal("first session must report came-online")
	}
	if r.Add(second) {
		t.Fatal("second session must not report came-online")
	}
	if !r.IsOnline(1) {
		t.Fatal("user should be online")
	}

	if r.Remove(first) {
		t.Fatal("removing one of two sessions must not report went-offline")
	}
	if !r.Remove(second) {
		t.Fatal("removing the last session must report went-offline")
	}
	if r.IsOnline(1) {
		t.Fatal("user should be offline")
	}

	// Re-removing a dead session is a no-op.
	if r.Remove(second) {
		t.Fatal("double remove must not fire a second transition")
	}
}

func TestRegistryRemoveStaleSession(t *testing.T) {
	r := NewRegistry(testLogger())

	old := NewConn("dup", 1, "alice", 8)
	replacement := NewConn("dup", 1, "alice", 8)

	r.Add(old)
	r.Add(replacement)

	// Removing the superseded conn must not evict its replacement.
	if r.Remove(old) {
		t.Fatal("stale remove reported went-offline")
	}
	if !r.IsOnline(1) {
		t.Fatal("replacement session was evicted")
	}
}

func TestRouterDeliverNonBlocking(t *testing.T) {
	r := NewRegistry(testLogger())
	router := NewRouter(testLogger(), r, nil)

	healthy := NewConn("h", 1, "alice", 4)
	full := NewConn("f", 2, "bob", 1)
	r.Add(healthy)
	r.Add(full)

	// Saturate the second session's queue.
	full.Send <- NewEnvelope(v1.TypePong, nil, time.Now())

	env := NewEnvelope(v1.TypeUserStatusUpdate, nil, time.Now())
	n := router.Deliver([]int64{1, 2, 3}, env)
	if n != 1 {
		t.Fatalf("delivered = %d, want 1 (full queue dropped, offline skipped)", n)
	}
	if got := drain(t, healthy); len(got) != 1 || got[0].Type != v1.TypeUserStatusUpdate {
		t.Fatalf("healthy session got %+v", got)
	}
}

func TestRouterSkipsClosedConn(t *testing.T) {
	r := NewRegistry(testLogger())
	router := NewRouter(testLogger(), r, nil)

	c := NewConn("s", 1, "alice", 4)
	r.Add(c)
	c.Close()

	if n := router.DeliverTo(1, NewEnvelope(v1.TypePong, nil, time.Now())); n != 0 {
		t.Fatalf("delivered = %d, want 0 for a closing session", n)
	}
}

func seedRealtime(t *testing.T) (*store.MemoryStore, store.User, store.User, int64) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Now().UTC()

	alice, err := st.CreateUser(ctx, "alice", "h", false, now)
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	bob, err := st.CreateUser(ctx, "bob", "h", false, now)
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}
	convID, _, err := st.CreateConversation(ctx, alice.ID, bob.ID, now)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return st, alice, bob, convID
}

func TestPresenceBroadcastsToPartnersOnly(t *testing.T) {
	ctx := context.Background()
	st, alice, bob, _ := seedRealtime(t)

	// carol has no conversation with alice and must stay unaware of her.
	carol, err := st.CreateUser(ctx, "carol", "h", false, time.Now().UTC())
	if err != nil {
		t.Fatalf("create carol: %v", err)
	}

	reg := NewRegistry(testLogger())
	router := NewRouter(testLogger(), reg, nil)
	presence := NewPresence(testLogger(), st, reg, router, nil)

	bobConn := NewConn("b1", bob.ID, "bob", 8)
	carolConn := NewConn("c1", carol.ID, "carol", 8)
	reg.Add(bobConn)
	reg.Add(carolConn)

	now := time.Now().UTC()
	aliceConn := NewConn("a1", alice.ID, "alice", 8)
	presence.Connected(ctx, aliceConn, now)

	got := drain(t, bobConn)
	if len(got) != 1 || got[0].Type != v1.TypeUserStatusUpdate {
		t.Fatalf("bob got %+v, want one user_status_update", got)
	}
	var p v1.UserStatusUpdatePayload
	if err := json.Unmarshal(got[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.UserID != alice.ID || p.Status != v1.StatusOnline {
		t.Fatalf("payload = %+v", p)
	}

	if got := drain(t, carolConn); len(got) != 0 {
		t.Fatalf("carol got %d envelopes, want 0", len(got))
	}
}

func TestPresenceOfflineStampsLastActiveFirst(t *testing.T) {
	ctx := context.Background()
	st, alice, bob, _ := seedRealtime(t)

	reg := NewRegistry(testLogger())
	router := NewRouter(testLogger(), reg, nil)
	presence := NewPresence(testLogger(), st, reg, router, nil)

	bobConn := NewConn("b1", bob.ID, "bob", 8)
	reg.Add(bobConn)

	aliceConn := NewConn("a1", alice.ID, "alice", 8)
	presence.Connected(ctx, aliceConn, time.Now().UTC())
	drain(t, bobConn)

	offlineAt := time.Now().UTC().Add(time.Minute)
	presence.Disconnected(ctx, aliceConn, offlineAt)

	got := drain(t, bobConn)
	if len(got) != 1 {
		t.Fatalf("bob got %d envelopes, want 1", len(got))
	}
	var p v1.UserStatusUpdatePayload
	if err := json.Unmarshal(got[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Status != v1.StatusOffline {
		t.Fatalf("status = %q, want offline", p.Status)
	}
	if !p.LastActiveTS.Equal(offlineAt) {
		t.Fatalf("last active = %v, want %v", p.LastActiveTS, offlineAt)
	}

	// The store must carry the same stamp the broadcast advertised.
	u, err := st.UserByID(ctx, alice.ID)
	if err != nil {
		t.Fatalf("user by id: %v", err)
	}
	if !u.LastActiveTS.Equal(offlineAt) {
		t.Fatalf("stored last active = %v, want %v", u.LastActiveTS, offlineAt)
	}
}

func TestPresenceMultiDeviceSingleBroadcast(t *testing.T) {
	ctx := context.Background()
	st, alice, bob, _ := seedRealtime(t)

	reg := NewRegistry(testLogger())
	router := NewRouter(testLogger(), reg, nil)
	presence := NewPresence(testLogger(), st, reg, router, nil)

	bobConn := NewConn("b1", bob.ID, "bob", 8)
	reg.Add(bobConn)

	now := time.Now().UTC()
	tab1 := NewConn("a1", alice.ID, "alice", 8)
	tab2 := NewConn("a2", alice.ID, "alice", 8)

	presence.Connected(ctx, tab1, now)
	presence.Connected(ctx, tab2, now)
	if got := drain(t, bobConn); len(got) != 1 {
		t.Fatalf("two tabs produced %d online broadcasts, want 1", len(got))
	}

	presence.Disconnected(ctx, tab1, now)
	if got := drain(t, bobConn); len(got) != 0 {
		t.Fatalf("closing one of two tabs produced %d broadcasts, want 0", len(got))
	}

	presence.Disconnected(ctx, tab2, now)
	if got := drain(t, bobConn); len(got) != 1 {
		t.Fatalf("closing the last tab produced %d broadcasts, want 1", len(got))
	}
}

func TestPresenceRefreshUpdatesWithoutNewEdge(t *testing.T) {
	ctx := context.Background()
	st, alice, bob, _ := seedRealtime(t)

	reg := NewRegistry(testLogger())
	router := NewRouter(testLogger(), reg, nil)
	presence := NewPresence(testLogger(), st, reg, router, nil)

	bobConn := NewConn("b1", bob.ID, "bob", 8)
	reg.Add(bobConn)

	connectAt := time.Now().UTC()
	aliceConn := NewConn("a1", alice.ID, "alice", 8)
	presence.Connected(ctx, aliceConn, connectAt)
	drain(t, bobConn) // consume the online edge

	refreshAt := connectAt.Add(4 * time.Minute)
	presence.Refresh(ctx, alice.ID, refreshAt)

	got := drain(t, bobConn)
	if len(got) != 1 || got[0].Type != v1.TypeUserStatusUpdate {
		t.Fatalf("bob got %+v, want one user_status_update", got)
	}
	var p v1.UserStatusUpdatePayload
	if err := json.Unmarshal(got[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.UserID != alice.ID || p.Status != v1.StatusOnline {
		t.Fatalf("payload = %+v, want online refresh for alice", p)
	}
	if !p.LastActiveTS.Equal(refreshAt) {
		t.Fatalf("last active = %v, want %v", p.LastActiveTS, refreshAt)
	}

	// Refresh advances the stamp without flipping registry state.
	u, err := st.UserByID(ctx, alice.ID)
	if err != nil {
		t.Fatalf("user by id: %v", err)
	}
	if !u.LastActiveTS.Equal(refreshAt) {
		t.Fatalf("stored last active = %v, want %v", u.LastActiveTS, refreshAt)
	}
	if !reg.IsOnline(alice.ID) {
		t.Fatal("alice must still be online after refresh")
	}
}

func TestRelayTypingGoesToPartnerOnly(t *testing.T) {
	ctx := context.Background()
	st, alice, bob, convID := seedRealtime(t)

	reg := NewRegistry(testLogger())
	router := NewRouter(testLogger(), reg, nil)
	relay := NewRelay(testLogger(), st, router)

	aliceConn := NewConn("a1", alice.ID, "alice", 8)
	bobConn := NewConn("b1", bob.ID, "bob", 8)
	reg.Add(aliceConn)
	reg.Add(bobConn)

	if err := relay.Typing(ctx, alice.ID, convID, v1.TypingStart, time.Now().UTC()); err != nil {
		t.Fatalf("typing: %v", err)
	}

	got := drain(t, bobConn)
	if len(got) != 1 || got[0].Type != v1.TypeTypingIndicator {
		t.Fatalf("bob got %+v", got)
	}
	var p v1.TypingIndicatorPayload
	if err := json.Unmarshal(got[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.UserID != alice.ID || p.Status != v1.TypingStart || p.ConversationID != convID {
		t.Fatalf("payload = %+v", p)
	}

	// The sender never receives their own indicator.
	if got := drain(t, aliceConn); len(got) != 0 {
		t.Fatalf("alice got %d envelopes, want 0", len(got))
	}
}

func TestRelayTypingRejectsOutsider(t *testing.T) {
	ctx := context.Background()
	st, _, _, convID := seedRealtime(t)

	outsider, err := st.CreateUser(ctx, "mallory", "h", false, time.Now().UTC())
	if err != nil {
		t.Fatalf("create outsider: %v", err)
	}

	reg := NewRegistry(testLogger())
	relay := NewRelay(testLogger(), st, NewRouter(testLogger(), reg, nil))

	err = relay.Typing(ctx, outsider.ID, convID, v1.TypingStart, time.Now().UTC())
	if err != ErrNotParticipant {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestRelayMarkReadNotifiesSenderOncePerBatch(t *testing.T) {
	ctx := context.Background()
	st, alice, bob, convID := seedRealtime(t)

	now := time.Now().UTC()
	var ids []int64
	for i := 0; i < 3; i++ {
		m, err := st.CreateMessage(ctx, store.CreateMessageInput{
			ConversationID: convID, SenderID: alice.ID, Content: "hi",
			Now: now.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("create message: %v", err)
		}
		ids = append(ids, m.ID)
	}

	reg := NewRegistry(testLogger())
	router := NewRouter(testLogger(), reg, nil)
	relay := NewRelay(testLogger(), st, router)

	aliceConn := NewConn("a1", alice.ID, "alice", 8)
	reg.Add(aliceConn)

	if err := relay.MarkRead(ctx, bob.ID, convID, ids, now); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	got := drain(t, aliceConn)
	if len(got) != 1 || got[0].Type != v1.TypeMessageRead {
		t.Fatalf("alice got %+v, want one message_read", got)
	}
	var p v1.MessageReadPayload
	if err := json.Unmarshal(got[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(p.MessageIDs) != 3 || p.ReaderID != bob.ID {
		t.Fatalf("payload = %+v", p)
	}

	// Resubmitting the same batch is silent.
	if err := relay.MarkRead(ctx, bob.ID, convID, ids, now); err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if got := drain(t, aliceConn); len(got) != 0 {
		t.Fatalf("repeat batch produced %d notifications, want 0", len(got))
	}
}
