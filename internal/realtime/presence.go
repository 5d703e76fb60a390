package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	v1 "aura/contracts/chat/v1"
)

// PresenceStore is the slice of persistence the presence tracker needs.
type PresenceStore interface {
	TouchLastActive(ctx context.Context, userID int64, ts time.Time) error
	ConversationPartners(ctx context.Context, userID int64) ([]int64, error)
}

// Presence turns session registry transitions into user_status_update
// fanout. Status changes go to the user's conversation partners only;
// unrelated users never hear about them.
type Presence struct {
	log      *slog.Logger
	store    PresenceStore
	registry *Registry
	router   *Router
	metrics  Metrics
}

// NewPresence constructs a presence tracker.
func NewPresence(log *slog.Logger, store PresenceStore, registry *Registry, router *Router, metrics Metrics) *Presence {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Presence{log: log, store: store, registry: registry, router: router, metrics: metrics}
}

// Connected registers a session. Only the first session of a user emits
// the online broadcast; further tabs or devices attach silently.
func (p *Presence) Connected(ctx context.Context, c *Conn, now time.Time) {
	cameOnline := p.registry.Add(c)
	p.metrics.ConnOpened()
	p.metrics.SetOnlineUsers(p.registry.OnlineCount())

	if !cameOnline {
		return
	}
	if err := p.store.TouchLastActive(ctx, c.UserID, now); err != nil {
		p.log.Error("presence.touch.fail", "user_id", c.UserID, "err", err)
	}
	p.broadcast(ctx, c.UserID, v1.StatusOnline, now)
}

// Disconnected deregisters a session. Only the last session of a user
// emits the offline broadcast, and the last-active timestamp is stamped
// before the broadcast so observers never see a stale value alongside
// the offline status.
func (p *Presence) Disconnected(ctx context.Context, c *Conn, now time.Time) {
	wentOffline := p.registry.Remove(c)
	p.metrics.ConnClosed()
	p.metrics.SetOnlineUsers(p.registry.OnlineCount())

	if !wentOffline {
		return
	}
	if err := p.store.TouchLastActive(ctx, c.UserID, now); err != nil {
		p.log.Error("presence.touch.fail", "user_id", c.UserID, "err", err)
	}
	p.broadcast(ctx, c.UserID, v1.StatusOffline, now)
}

// Refresh records a periodic "still online" signal from a live session
// and re-broadcasts the online status so partners can keep last-active
// displays current.
func (p *Presence) Refresh(ctx context.Context, userID int64, now time.Time) {
	if err := p.store.TouchLastActive(ctx, userID, now); err != nil {
		p.log.Error("presence.touch.fail", "user_id", userID, "err", err)
	}
	p.broadcast(ctx, userID, v1.StatusOnline, now)
}

func (p *Presence) broadcast(ctx context.Context, userID int64, status string, now time.Time) {
	partners, err := p.store.ConversationPartners(ctx, userID)
	if err != nil {
		p.log.Error("presence.partners.fail", "user_id", userID, "err", err)
		return
	}
	if len(partners) == 0 {
		return
	}

	payload, _ := json.Marshal(v1.UserStatusUpdatePayload{
		UserID:       userID,
		Status:       status,
		LastActiveTS: now,
	})
	p.router.Deliver(partners, NewEnvelope(v1.TypeUserStatusUpdate, payload, now))
}
