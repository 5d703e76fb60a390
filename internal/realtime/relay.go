package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	v1 "aura/contracts/chat/v1"
	"aura/internal/store"
)

// RelayStore is the slice of persistence the ephemeral-event relay needs.
type RelayStore interface {
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
	Participants(ctx context.Context, conversationID int64, excludeUserID *int64) ([]int64, error)
	MarkRead(ctx context.Context, messageIDs []int64, readerID int64) ([]store.Message, error)
}

var ErrNotParticipant = errors.New("realtime: not a conversation participant")

// Relay forwards typing signals and read receipts. Both are ephemeral:
// nothing is persisted for typing, and a receipt only records the read
// state; delivery of the notifications is best effort.
type Relay struct {
	log    *slog.Logger
	store  RelayStore
	router *Router
}

// NewRelay constructs a Relay.
func NewRelay(log *slog.Logger, st RelayStore, router *Router) *Relay {
	return &Relay{log: log, store: st, router: router}
}

// Typing relays a typing signal to the other participant of the
// conversation. The sender never receives their own indicator.
func (r *Relay) Typing(ctx context.Context, userID, conversationID int64, status string, now time.Time) error {
	ok, err := r.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotParticipant
	}

	others, err := r.store.Participants(ctx, conversationID, &userID)
	if err != nil {
		return err
	}

	payload, _ := json.Marshal(v1.TypingIndicatorPayload{
		ConversationID: conversationID,
		UserID:         userID,
		Status:         status,
	})
	r.router.Deliver(others, NewEnvelope(v1.TypeTypingIndicator, payload, now))
	return nil
}

// MarkRead records a batch of read message ids for the reader and
// notifies each affected sender about the messages that were newly
// marked. Re-submitting already read ids is a no-op and produces no
// notifications, so clients may resend batches freely.
func (r *Relay) MarkRead(ctx context.Context, readerID, conversationID int64, messageIDs []int64, now time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}

	ok, err := r.store.IsParticipant(ctx, conversationID, readerID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotParticipant
	}

	fresh, err := r.store.MarkRead(ctx, messageIDs, readerID)
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		return nil
	}

	// Group widely so one receipt batch reaches each sender once.
	bySender := make(map[int64][]int64)
	for _, m := range fresh {
		if m.ConversationID != conversationID {
			continue
		}
		bySender[m.SenderID] = append(bySender[m.SenderID], m.ID)
	}

	for senderID, ids := range bySender {
		payload, _ := json.Marshal(v1.MessageReadPayload{
			ConversationID: conversationID,
			MessageIDs:     ids,
			ReaderID:       readerID,
		})
		r.router.DeliverTo(senderID, NewEnvelope(v1.TypeMessageRead, payload, now))
	}
	return nil
}
