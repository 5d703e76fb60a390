package store

import (
	"context"
	"testing"
	"time"
)

func seedUsers(t *testing.T, s *MemoryStore) (alice, bob User) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	alice, err := s.CreateUser(ctx, "alice", "hash-a", false, now)
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	bob, err = s.CreateUser(ctx, "bob", "hash-b", false, now)
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}
	return alice, bob
}

func TestMemoryStoreCreateUserDuplicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.CreateUser(ctx, "alice", "h", false, now); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateUser(ctx, "ALICE", "h", false, now); err != ErrUsernameExists {
		t.Fatalf("expected ErrUsernameExists, got %v", err)
	}
}

func TestMemoryStoreCreateConversationIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	alice, bob := seedUsers(t, s)
	now := time.Now().UTC()

	id1, existed, err := s.CreateConversation(ctx, alice.ID, bob.ID, now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if existed {
		t.Fatalf("first create reported existed")
	}

	// Same pair in reverse order must resolve to the same conversation.
	id2, existed, err := s.CreateConversation(ctx, bob.ID, alice.ID, now)
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if !existed {
		t.Fatalf("second create did not report existed")
	}
	if id1 != id2 {
		t.Fatalf("conversation ids diverged: %d vs %d", id1, id2)
	}
}

func TestMemoryStoreListMessagesWindows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	alice, bob := seedUsers(t, s)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	convID, _, err := s.CreateConversation(ctx, alice.ID, bob.ID, base)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	var all []Message
	for i := 0; i < 10; i++ {
		m, err := s.CreateMessage(ctx, CreateMessageInput{
			ConversationID: convID,
			SenderID:       alice.ID,
			Content:        "m",
			Now:            base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("create message %d: %v", i, err)
		}
		all = append(all, m)
	}

	t.Run("newest window oldest first", func(t *testing.T) {
		got, err := s.ListMessages(ctx, ListMessagesInput{ConversationID: convID, Limit: 3})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("len = %d, want 3", len(got))
		}
		for i, want := range all[7:] {
			if got[i].ID != want.ID {
				t.Errorf("got[%d].ID = %d, want %d", i, got[i].ID, want.ID)
			}
		}
	})

	t.Run("before excludes the anchor", func(t *testing.T) {
		got, err := s.ListMessages(ctx, ListMessagesInput{
			ConversationID: convID,
			Before:         &all[3].Timestamp,
			Limit:          10,
		})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("len = %d, want 3", len(got))
		}
		if got[len(got)-1].ID != all[2].ID {
			t.Errorf("last = %d, want %d", got[len(got)-1].ID, all[2].ID)
		}
	})

	t.Run("since returns everything newer", func(t *testing.T) {
		got, err := s.ListMessages(ctx, ListMessagesInput{
			ConversationID: convID,
			Since:          &all[7].Timestamp,
		})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("len = %d, want 2", len(got))
		}
		if got[0].ID != all[8].ID || got[1].ID != all[9].ID {
			t.Errorf("got ids %d,%d, want %d,%d", got[0].ID, got[1].ID, all[8].ID, all[9].ID)
		}
	})
}

func TestMemoryStoreListMessagesTimestampTieBreak(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	alice, bob := seedUsers(t, s)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	convID, _, err := s.CreateConversation(ctx, alice.ID, bob.ID, ts)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	var ids []int64
	for i := 0; i < 3; i++ {
		m, err := s.CreateMessage(ctx, CreateMessageInput{
			ConversationID: convID, SenderID: alice.ID, Content: "m", Now: ts,
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, m.ID)
	}

	got, err := s.ListMessages(ctx, ListMessagesInput{ConversationID: convID, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i := range ids {
		if got[i].ID != ids[i] {
			t.Fatalf("equal-timestamp order broken: got[%d].ID = %d, want %d", i, got[i].ID, ids[i])
		}
	}
}

func TestMemoryStoreMarkRead(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	alice, bob := seedUsers(t, s)
	now := time.Now().UTC()

	convID, _, err := s.CreateConversation(ctx, alice.ID, bob.ID, now)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	fromAlice, err := s.CreateMessage(ctx, CreateMessageInput{
		ConversationID: convID, SenderID: alice.ID, Content: "hi", Now: now,
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	fromBob, err := s.CreateMessage(ctx, CreateMessageInput{
		ConversationID: convID, SenderID: bob.ID, Content: "yo", Now: now.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}

	// Own messages never count as newly marked.
	newly, err := s.MarkRead(ctx, []int64{fromAlice.ID, fromBob.ID}, bob.ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(newly) != 1 || newly[0].ID != fromAlice.ID {
		t.Fatalf("newly marked = %+v, want only message %d", newly, fromAlice.ID)
	}

	// Marking again is a no-op.
	newly, err = s.MarkRead(ctx, []int64{fromAlice.ID}, bob.ID)
	if err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if len(newly) != 0 {
		t.Fatalf("repeat mark returned %d messages, want 0", len(newly))
	}
}

func TestMemoryStoreUnreadCounts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	alice, bob := seedUsers(t, s)
	now := time.Now().UTC()

	convID, _, err := s.CreateConversation(ctx, alice.ID, bob.ID, now)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.CreateMessage(ctx, CreateMessageInput{
			ConversationID: convID, SenderID: bob.ID, Content: "ping",
			Now: now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("create message: %v", err)
		}
	}

	sums, err := s.ListConversations(ctx, alice.ID)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(sums) != 1 {
		t.Fatalf("len = %d, want 1", len(sums))
	}
	if sums[0].UnreadCount != 3 {
		t.Errorf("unread = %d, want 3", sums[0].UnreadCount)
	}
	if sums[0].PartnerID != bob.ID {
		t.Errorf("partner = %d, want %d", sums[0].PartnerID, bob.ID)
	}
	if sums[0].LastMessageContent != "ping" {
		t.Errorf("last message = %q", sums[0].LastMessageContent)
	}
}

func TestMemoryStoreBlocksHideUsers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	alice, bob := seedUsers(t, s)

	if err := s.Block(ctx, alice.ID, bob.ID); err != nil {
		t.Fatalf("block: %v", err)
	}

	blocked, err := s.IsBlocked(ctx, bob.ID, alice.ID)
	if err != nil {
		t.Fatalf("is blocked: %v", err)
	}
	if !blocked {
		t.Fatal("block must apply in both directions")
	}

	// Neither side sees the other in the peer list.
	for _, uid := range []int64{alice.ID, bob.ID} {
		peers, err := s.ListPeers(ctx, uid)
		if err != nil {
			t.Fatalf("list peers: %v", err)
		}
		if len(peers) != 0 {
			t.Errorf("user %d sees %d peers, want 0", uid, len(peers))
		}
	}

	if err := s.Unblock(ctx, alice.ID, bob.ID); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	peers, err := s.ListPeers(ctx, alice.ID)
	if err != nil {
		t.Fatalf("list peers: %v", err)
	}
	if len(peers) != 1 || peers[0].ID != bob.ID {
		t.Fatalf("after unblock peers = %+v", peers)
	}
}

func TestMemoryStoreTouchLastActiveMonotonic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	alice, _ := seedUsers(t, s)

	later := time.Now().UTC().Add(time.Hour)
	if err := s.TouchLastActive(ctx, alice.ID, later); err != nil {
		t.Fatalf("touch: %v", err)
	}
	// A stale timestamp must not move last-active backwards.
	if err := s.TouchLastActive(ctx, alice.ID, later.Add(-time.Minute)); err != nil {
		t.Fatalf("touch stale: %v", err)
	}

	u, err := s.UserByID(ctx, alice.ID)
	if err != nil {
		t.Fatalf("user by id: %v", err)
	}
	if !u.LastActiveTS.Equal(later) {
		t.Fatalf("last active = %v, want %v", u.LastActiveTS, later)
	}
}
