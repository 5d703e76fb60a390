// Package v1 defines the Aura chat wire protocol v1.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeAuthenticate presents the bearer credential; it must be the first
	// envelope on a new connection (client -> server).
	TypeAuthenticate = "authenticate"
	// TypeAuthenticated confirms the credential and echoes the user id (server -> client).
	TypeAuthenticated = "authenticated"
	// TypeAuthFailed reports a rejected credential; the server closes the
	// connection right after sending it (server -> client).
	TypeAuthFailed = "auth_failed"

	// TypePing is the application-level heartbeat (client -> server).
	TypePing = "ping"
	// TypePong answers a ping (server -> client).
	TypePong = "pong"

	// TypeStatusUpdate is a periodic "still online" presence refresh (client -> server).
	TypeStatusUpdate = "status_update"

	// TypeTypingStart and TypeTypingStop carry the typing signal (client -> server).
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
	// TypeTypingIndicator relays a typing signal to the conversation partner (server -> client).
	TypeTypingIndicator = "typing_indicator"

	// TypeMarkRead submits a batch of newly read message ids (client -> server).
	TypeMarkRead = "mark_read"
	// TypeMessageRead notifies a sender that messages were read (server -> client).
	TypeMessageRead = "message_read"

	// TypeNewMessage broadcasts a persisted message (server -> client).
	TypeNewMessage = "new_message"
	// TypeMessageUpdated broadcasts an edit (server -> client).
	TypeMessageUpdated = "message_updated"
	// TypeMessageDeleted broadcasts a hard delete (server -> client).
	TypeMessageDeleted = "message_deleted"

	// TypeUserStatusUpdate broadcasts a presence transition (server -> client).
	TypeUserStatusUpdate = "user_status_update"

	// TypeUserCreated and TypeUserDeleted are account-lifecycle events for
	// the admin dashboard (server -> client).
	TypeUserCreated = "user_created"
	TypeUserDeleted = "user_deleted"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Presence status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Typing status values.
const (
	TypingStart = "start"
	TypingStop  = "stop"
)

var allowedTypes = map[string]struct{}{
	TypeAuthenticate:     {},
	TypeAuthenticated:    {},
	TypeAuthFailed:       {},
	TypePing:             {},
	TypePong:             {},
	TypeStatusUpdate:     {},
	TypeTypingStart:      {},
	TypeTypingStop:       {},
	TypeTypingIndicator:  {},
	TypeMarkRead:         {},
	TypeMessageRead:      {},
	TypeNewMessage:       {},
	TypeMessageUpdated:   {},
	TypeMessageDeleted:   {},
	TypeUserStatusUpdate: {},
	TypeUserCreated:      {},
	TypeUserDeleted:      {},
	TypeError:            {},
}

// Envelope is the canonical wire wrapper. Every event in the system crosses
// the live channel inside one of these, discriminated by Type.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if _, ok := allowedTypes[e.Type]; !ok {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// ---- Payloads ----

// Message is the canonical message shape as seen by clients.
//
// ID is the server-assigned identity; ordering within a conversation is by
// (Timestamp, ID) with ID as the tie-break.
type Message struct {
	ID               int64      `json:"id"`
	ConversationID   int64      `json:"conversation_id"`
	SenderID         int64      `json:"sender_id"`
	SenderUsername   string     `json:"sender_username,omitempty"`
	Content          string     `json:"content"`
	Timestamp        time.Time  `json:"timestamp"`
	IsEdited         bool       `json:"is_edited"`
	EditedAt         *time.Time `json:"edited_at,omitempty"`
	ReplyToMessageID *int64     `json:"reply_to_message_id,omitempty"`
	ReplySnippet     string     `json:"reply_snippet,omitempty"`
	ReplySenderName  string     `json:"reply_sender_username,omitempty"`
}

// AuthenticatePayload presents the opaque bearer credential.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// AuthenticatedPayload confirms authentication.
type AuthenticatedPayload struct {
	UserID int64 `json:"user_id"`
}

// AuthFailedPayload reports why authentication was rejected.
type AuthFailedPayload struct {
	Error string `json:"error"`
}

// StatusUpdatePayload refreshes the sender's presence without an edge transition.
type StatusUpdatePayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// TypingPayload scopes a typing_start/typing_stop signal to one conversation.
type TypingPayload struct {
	ConversationID int64 `json:"conversation_id"`
}

// TypingIndicatorPayload relays a partner's typing state.
type TypingIndicatorPayload struct {
	ConversationID int64  `json:"conversation_id"`
	UserID         int64  `json:"user_id"`
	Status         string `json:"status"`
}

// MarkReadPayload submits newly visible, not-own message ids as one batch.
type MarkReadPayload struct {
	ConversationID int64   `json:"conversation_id"`
	MessageIDs     []int64 `json:"message_ids"`
}

// MessageReadPayload notifies the sender of newly read messages.
type MessageReadPayload struct {
	ConversationID int64   `json:"conversation_id"`
	MessageIDs     []int64 `json:"message_ids"`
	ReaderID       int64   `json:"reader_id"`
}

// NewMessagePayload broadcasts a freshly persisted message.
type NewMessagePayload struct {
	Message Message `json:"message"`
}

// MessageUpdatedPayload broadcasts an edit.
type MessageUpdatedPayload struct {
	MessageID      int64     `json:"message_id"`
	ConversationID int64     `json:"conversation_id"`
	NewContent     string    `json:"new_content"`
	EditedAt       time.Time `json:"edited_at"`
}

// MessageDeletedPayload broadcasts a hard delete.
type MessageDeletedPayload struct {
	MessageID      int64 `json:"message_id"`
	ConversationID int64 `json:"conversation_id"`
}

// UserStatusUpdatePayload broadcasts a presence transition or refresh.
type UserStatusUpdatePayload struct {
	UserID       int64     `json:"user_id"`
	Status       string    `json:"status"`
	LastActiveTS time.Time `json:"last_active_ts"`
}

// UserSummary is the account shape pushed to admin dashboards.
type UserSummary struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveTS time.Time `json:"last_active_ts"`
}

// UserCreatedPayload announces a new account to connected admins.
type UserCreatedPayload struct {
	User UserSummary `json:"user"`
}

// UserDeletedPayload announces an account removal to connected admins.
type UserDeletedPayload struct {
	UserID int64 `json:"user_id"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
