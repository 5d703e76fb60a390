// Package store defines Aura's persistence boundary: users, conversations,
// messages, blocks, and read status.
//
// Two implementations exist: MemoryStore (dev fallback and test substrate)
// and PostgresStore (production). Both honor the same contract:
//   - Conversation creation is idempotent per unordered user pair.
//   - Message order within a conversation is (timestamp, id), id tie-break.
//   - MarkRead is idempotent per (message_id, user_id) and reports only the
//     newly marked messages so callers can avoid redundant notifications.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all implementations.
var (
	ErrNotFound       = errors.New("store: not found")
	ErrUsernameExists = errors.New("store: username already exists")
)

// User is an account record. PasswordHash never crosses the API boundary.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
	LastActiveTS time.Time
}

// Message is the persisted message record.
type Message struct {
	ID               int64
	ConversationID   int64
	SenderID         int64
	SenderUsername   string
	Content          string
	Timestamp        time.Time
	IsEdited         bool
	EditedAt         *time.Time
	ReplyToMessageID *int64
	ReplySnippet     string
	ReplySenderName  string
}

// Conversation is a one-to-one conversation between exactly two users.
type Conversation struct {
	ID             int64
	CreatorID      int64
	LastActivityTS time.Time
}

// ConversationSummary is the list-view shape: partner info, the latest
// message snippet, and the unread count for the requesting user.
type ConversationSummary struct {
	ID                  int64
	LastActivityTS      time.Time
	PartnerID           int64
	PartnerUsername     string
	PartnerLastActiveTS time.Time
	LastMessageContent  string
	LastMessageTS       *time.Time
	LastMessageSender   string
	UnreadCount         int
}

// Stats is the admin dashboard aggregate.
type Stats struct {
	UserCount         int64
	MessageCount      int64
	ConversationCount int64
	ActiveUsers       int64
}

// CreateMessageInput describes a message append request.
type CreateMessageInput struct {
	ConversationID   int64
	SenderID         int64
	Content          string
	ReplyToMessageID *int64
	Now              time.Time
}

// ListMessagesInput describes a message window query. Exactly one of
// Before/Since may be set; with neither set the newest Limit messages are
// returned. Results are always ordered oldest-to-newest.
type ListMessagesInput struct {
	ConversationID int64
	Before         *time.Time
	Since          *time.Time
	Limit          int
}

// Store is the full persistence contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Users.
	CreateUser(ctx context.Context, username, passwordHash string, isAdmin bool, now time.Time) (User, error)
	UserByID(ctx context.Context, id int64) (User, error)
	UserByUsername(ctx context.Context, username string) (User, error)
	// ListPeers returns non-admin users visible to userID: everyone except
	// userID and anyone blocked in either direction.
	ListPeers(ctx context.Context, userID int64) ([]User, error)
	ListUsersAdmin(ctx context.Context) ([]User, error)
	AdminIDs(ctx context.Context) ([]int64, error)
	DeleteUser(ctx context.Context, id int64) (bool, error)
	TouchLastActive(ctx context.Context, userID int64, ts time.Time) error
	CollectStats(ctx context.Context, activeSince time.Time) (Stats, error)

	// Conversations.
	CreateConversation(ctx context.Context, userID, partnerID int64, now time.Time) (conversationID int64, existed bool, err error)
	ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error)
	// Participants returns the user ids of conversationID's members, minus
	// excludeUserID when non-nil.
	Participants(ctx context.Context, conversationID int64, excludeUserID *int64) ([]int64, error)
	// ConversationPartners returns every distinct user that shares a
	// conversation with userID. Presence transitions fan out to this set.
	ConversationPartners(ctx context.Context, userID int64) ([]int64, error)
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)

	// Messages.
	CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error)
	MessageByID(ctx context.Context, id int64) (Message, error)
	EditMessage(ctx context.Context, id int64, newContent string, editedAt time.Time) error
	DeleteMessage(ctx context.Context, id int64) (bool, error)
	ListMessages(ctx context.Context, in ListMessagesInput) ([]Message, error)
	// MarkRead records (messageID, readerID) pairs idempotently and returns
	// only the messages that were not already marked read by readerID.
	MarkRead(ctx context.Context, messageIDs []int64, readerID int64) ([]Message, error)

	// Blocks.
	Block(ctx context.Context, blockerID, blockedID int64) error
	Unblock(ctx context.Context, blockerID, blockedID int64) error
	// IsBlocked reports whether either user has blocked the other.
	IsBlocked(ctx context.Context, a, b int64) (bool, error)
	ListBlocked(ctx context.Context, blockerID int64) ([]User, error)

	// App config (first-run admin setup, master password hash).
	ConfigValue(ctx context.Context, key string) (string, error)
	SetConfigValue(ctx context.Context, key, value string) error

	Close() error
}

// Config keys used by the setup flow.
const (
	ConfigAdminCreated       = "admin_created"
	ConfigMasterPasswordHash = "master_password_hash"
)
