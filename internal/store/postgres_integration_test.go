package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when AURA_TEST_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("AURA_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("AURA_TEST_DATABASE_URL not set; skipping Postgres integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustMigratedStore(t *testing.T, pool *pgxpool.Pool) *PostgresStore {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	st, err := NewPostgresStore(pool)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestPostgresStore_UserAndConversationLifecycle(t *testing.T) {
	pool := mustOpenTestPool(t)
	defer pool.Close()

	st := mustMigratedStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	aliceName := uniqueName("it-alice")
	bobName := uniqueName("it-bob")

	alice, err := st.CreateUser(ctx, aliceName, "hash-a", false, now)
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	bob, err := st.CreateUser(ctx, bobName, "hash-b", false, now)
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}

	// Usernames are unique case-insensitively.
	if _, err := st.CreateUser(ctx, strings.ToUpper(aliceName), "hash-x", false, now); !errors.Is(err, ErrUsernameExists) {
		t.Fatalf("duplicate username err=%v want ErrUsernameExists", err)
	}

	convID, existed, err := st.CreateConversation(ctx, alice.ID, bob.ID, now)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if existed {
		t.Fatal("fresh pair reported existed")
	}

	// Creation is idempotent per unordered pair.
	convID2, existed2, err := st.CreateConversation(ctx, bob.ID, alice.ID, now)
	if err != nil {
		t.Fatalf("create conversation again: %v", err)
	}
	if !existed2 || convID2 != convID {
		t.Fatalf("idempotent create: id=%d existed=%v want id=%d existed=true", convID2, existed2, convID)
	}
}

func TestPostgresStore_MessagesOrderingAndMarkRead(t *testing.T) {
	pool := mustOpenTestPool(t)
	defer pool.Close()

	st := mustMigratedStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	alice, err := st.CreateUser(ctx, uniqueName("it-alice"), "hash-a", false, now)
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	bob, err := st.CreateUser(ctx, uniqueName("it-bob"), "hash-b", false, now)
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}
	convID, _, err := st.CreateConversation(ctx, alice.ID, bob.ID, now)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	var sent []Message
	for i := 0; i < 3; i++ {
		m, err := st.CreateMessage(ctx, CreateMessageInput{
			ConversationID: convID,
			SenderID:       alice.ID,
			Content:        fmt.Sprintf("msg %d", i),
			Now:            now.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("create message %d: %v", i, err)
		}
		sent = append(sent, m)
	}

	page, err := st.ListMessages(ctx, ListMessagesInput{ConversationID: convID, Limit: 50})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("len=%d want 3", len(page))
	}
	for i := 1; i < len(page); i++ {
		a, b := page[i-1], page[i]
		if a.Timestamp.After(b.Timestamp) || (a.Timestamp.Equal(b.Timestamp) && a.ID > b.ID) {
			t.Fatalf("page not ordered by (timestamp, id): %d before %d", a.ID, b.ID)
		}
	}

	// First mark returns exactly the newly marked messages.
	ids := []int64{sent[0].ID, sent[1].ID}
	marked, err := st.MarkRead(ctx, ids, bob.ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(marked) != 2 {
		t.Fatalf("newly marked=%d want 2", len(marked))
	}

	// Overlapping re-mark yields only the one unseen id.
	marked, err = st.MarkRead(ctx, []int64{sent[0].ID, sent[2].ID}, bob.ID)
	if err != nil {
		t.Fatalf("mark read overlap: %v", err)
	}
	if len(marked) != 1 || marked[0].ID != sent[2].ID {
		t.Fatalf("overlap marked=%v want only message %d", marked, sent[2].ID)
	}

	// Fully repeated mark is a silent no-op.
	marked, err = st.MarkRead(ctx, ids, bob.ID)
	if err != nil {
		t.Fatalf("mark read repeat: %v", err)
	}
	if len(marked) != 0 {
		t.Fatalf("repeat marked=%d want 0", len(marked))
	}
}
