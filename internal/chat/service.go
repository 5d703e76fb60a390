// Package chat implements the message ingestion pipeline: validation,
// persistence, and realtime fanout, in that order. Persistence failures
// abort before any fanout; fanout failures never roll persistence back.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	v1 "aura/contracts/chat/v1"
	"aura/internal/realtime"
	"aura/internal/store"
)

var (
	ErrEmptyContent   = errors.New("chat: empty content")
	ErrTooLong        = errors.New("chat: content too long")
	ErrBlocked        = errors.New("chat: conversation blocked")
	ErrForbidden      = errors.New("chat: not allowed")
	ErrBadReply       = errors.New("chat: invalid reply target")
	ErrNotParticipant = errors.New("chat: not a conversation participant")
	ErrSelfChat       = errors.New("chat: cannot start a conversation with yourself")
)

// ChatStore is the slice of persistence the pipeline needs.
type ChatStore interface {
	UserByID(ctx context.Context, id int64) (store.User, error)
	CreateConversation(ctx context.Context, userID, partnerID int64, now time.Time) (int64, bool, error)
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
	Participants(ctx context.Context, conversationID int64, excludeUserID *int64) ([]int64, error)
	IsBlocked(ctx context.Context, a, b int64) (bool, error)
	CreateMessage(ctx context.Context, in store.CreateMessageInput) (store.Message, error)
	MessageByID(ctx context.Context, id int64) (store.Message, error)
	EditMessage(ctx context.Context, id int64, newContent string, editedAt time.Time) error
	DeleteMessage(ctx context.Context, id int64) (bool, error)
}

// Metrics receives pipeline counters; the app wires a Prometheus-backed
// implementation.
type Metrics interface {
	MessagePersisted()
}

type nopMetrics struct{}

func (nopMetrics) MessagePersisted() {}

// Service runs the message pipeline.
type Service struct {
	log     *slog.Logger
	store   ChatStore
	router  *realtime.Router
	metrics Metrics

	sanitizer *bluemonday.Policy
	now       func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) error {
		if now == nil {
			return errors.New("chat: nil clock")
		}
		s.now = now
		return nil
	}
}

// WithMetrics overrides the default no-op pipeline metrics.
func WithMetrics(m Metrics) ServiceOption {
	return func(s *Service) error {
		if m == nil {
			return errors.New("chat: nil metrics")
		}
		s.metrics = m
		return nil
	}
}

// NewService constructs the pipeline service.
func NewService(log *slog.Logger, st ChatStore, router *realtime.Router, opts ...ServiceOption) (*Service, error) {
	if st == nil || router == nil {
		return nil, errors.New("chat: nil store or router")
	}

	s := &Service{
		log:     log,
		store:   st,
		router:  router,
		metrics: nopMetrics{},

		// StrictPolicy strips all markup; messages are plain text on the wire.
		sanitizer: bluemonday.StrictPolicy(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// StartConversation creates (or returns) the conversation between two
// users. Creation is idempotent per unordered pair.
func (s *Service) StartConversation(ctx context.Context, userID, partnerID int64) (int64, bool, error) {
	if userID == partnerID {
		return 0, false, ErrSelfChat
	}
	if _, err := s.store.UserByID(ctx, partnerID); err != nil {
		return 0, false, err
	}

	blocked, err := s.store.IsBlocked(ctx, userID, partnerID)
	if err != nil {
		return 0, false, err
	}
	if blocked {
		return 0, false, ErrBlocked
	}

	id, existed, err := s.store.CreateConversation(ctx, userID, partnerID, s.now().UTC())
	if err != nil {
		return 0, false, err
	}
	if !existed {
		s.log.Info("chat.conversation.create", "conversation_id", id, "user_id", userID, "partner_id", partnerID)
	}
	return id, existed, nil
}

// SendInput carries a create request through the pipeline.
type SendInput struct {
	ConversationID   int64
	SenderID         int64
	Content          string
	ReplyToMessageID *int64
}

// Send validates, persists, and then fans out a new message. The
// returned message is the persisted row; the http response carries it
// back to the sender while the fanout pushes it to the other
// participant's live sessions.
func (s *Service) Send(ctx context.Context, in SendInput) (store.Message, error) {
	content, err := s.cleanContent(in.Content)
	if err != nil {
		return store.Message{}, err
	}

	ok, err := s.store.IsParticipant(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return store.Message{}, err
	}
	if !ok {
		return store.Message{}, ErrNotParticipant
	}

	others, err := s.store.Participants(ctx, in.ConversationID, &in.SenderID)
	if err != nil {
		return store.Message{}, err
	}
	for _, other := range others {
		blocked, err := s.store.IsBlocked(ctx, in.SenderID, other)
		if err != nil {
			return store.Message{}, err
		}
		if blocked {
			return store.Message{}, ErrBlocked
		}
	}

	if in.ReplyToMessageID != nil {
		target, err := s.store.MessageByID(ctx, *in.ReplyToMessageID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.Message{}, ErrBadReply
			}
			return store.Message{}, err
		}
		if target.ConversationID != in.ConversationID {
			return store.Message{}, ErrBadReply
		}
	}

	now := s.now().UTC()
	msg, err := s.store.CreateMessage(ctx, store.CreateMessageInput{
		ConversationID:   in.ConversationID,
		SenderID:         in.SenderID,
		Content:          content,
		ReplyToMessageID: in.ReplyToMessageID,
		Now:              now,
	})
	if err != nil {
		return store.Message{}, fmt.Errorf("persist message: %w", err)
	}
	s.metrics.MessagePersisted()

	payload, _ := json.Marshal(v1.NewMessagePayload{Message: WireMessage(msg)})
	s.router.Deliver(others, realtime.NewEnvelope(v1.TypeNewMessage, payload, now))

	s.log.Info("chat.message.create",
		"message_id", msg.ID, "conversation_id", msg.ConversationID, "sender_id", msg.SenderID)
	return msg, nil
}

// Edit updates a message's content. Only the sender may edit, and a
// no-change edit succeeds early without touching the store or the wire.
func (s *Service) Edit(ctx context.Context, messageID, editorID int64, newContent string) (store.Message, error) {
	content, err := s.cleanContent(newContent)
	if err != nil {
		return store.Message{}, err
	}

	msg, err := s.store.MessageByID(ctx, messageID)
	if err != nil {
		return store.Message{}, err
	}
	if msg.SenderID != editorID {
		return store.Message{}, ErrForbidden
	}
	if msg.Content == content {
		return msg, nil
	}

	now := s.now().UTC()
	if err := s.store.EditMessage(ctx, messageID, content, now); err != nil {
		return store.Message{}, fmt.Errorf("persist edit: %w", err)
	}

	msg.Content = content
	msg.IsEdited = true
	msg.EditedAt = &now

	participants, err := s.store.Participants(ctx, msg.ConversationID, nil)
	if err != nil {
		s.log.Error("chat.edit.participants.fail", "message_id", messageID, "err", err)
	} else {
		payload, _ := json.Marshal(v1.MessageUpdatedPayload{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			NewContent:     content,
			EditedAt:       now,
		})
		s.router.Deliver(participants, realtime.NewEnvelope(v1.TypeMessageUpdated, payload, now))
	}

	s.log.Info("chat.message.edit", "message_id", msg.ID, "conversation_id", msg.ConversationID)
	return msg, nil
}

// Delete hard-deletes a message. Only the sender may delete. The
// message_deleted event tells clients to drop the row and recompute any
// summary that was backed by it.
func (s *Service) Delete(ctx context.Context, messageID, requesterID int64) error {
	msg, err := s.store.MessageByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != requesterID {
		return ErrForbidden
	}

	deleted, err := s.store.DeleteMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("persist delete: %w", err)
	}
	if !deleted {
		return store.ErrNotFound
	}

	now := s.now().UTC()
	participants, err := s.store.Participants(ctx, msg.ConversationID, nil)
	if err != nil {
		s.log.Error("chat.delete.participants.fail", "message_id", messageID, "err", err)
	} else {
		payload, _ := json.Marshal(v1.MessageDeletedPayload{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
		})
		s.router.Deliver(participants, realtime.NewEnvelope(v1.TypeMessageDeleted, payload, now))
	}

	s.log.Info("chat.message.delete", "message_id", msg.ID, "conversation_id", msg.ConversationID)
	return nil
}

func (s *Service) cleanContent(raw string) (string, error) {
	content := strings.TrimSpace(s.sanitizer.Sanitize(raw))
	if content == "" {
		return "", ErrEmptyContent
	}
	if len([]rune(content)) > realtime.MaxMessageChars {
		return "", ErrTooLong
	}
	return content, nil
}

// WireMessage converts a stored message into its wire shape.
func WireMessage(m store.Message) v1.Message {
	return v1.Message{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		SenderID:         m.SenderID,
		SenderUsername:   m.SenderUsername,
		Content:          m.Content,
		Timestamp:        m.Timestamp,
		IsEdited:         m.IsEdited,
		EditedAt:         m.EditedAt,
		ReplyToMessageID: m.ReplyToMessageID,
		ReplySnippet:     m.ReplySnippet,
		ReplySenderName:  m.ReplySenderName,
	}
}
