package realtime

import (
	"log/slog"
	"time"

	v1 "aura/contracts/chat/v1"
)

// Metrics receives delivery and connection counters from the realtime
// layer. The app wires a Prometheus-backed implementation; tests use the
// no-op default.
type Metrics interface {
	ConnOpened()
	ConnClosed()
	SetOnlineUsers(n int)
	EnvelopeDelivered()
	EnvelopeDropped()
}

// NopMetrics is the default Metrics implementation.
type NopMetrics struct{}

func (NopMetrics) ConnOpened()        {}
func (NopMetrics) ConnClosed()        {}
func (NopMetrics) SetOnlineUsers(int) {}
func (NopMetrics) EnvelopeDelivered() {}
func (NopMetrics) EnvelopeDropped()   {}

// Router fans envelopes out to the live sessions of target users.
//
// Delivery guarantees:
// - At-least-once per live session: a user with several sessions receives
//   the envelope on each of them and the client dedupes by id.
// - Never blocks: a session whose queue is full has the envelope dropped.
//   There is no retry and no queuing for offline users; missed events are
//   recovered by the client's resync on reconnect.
type Router struct {
	log      *slog.Logger
	registry *Registry
	metrics  Metrics
}

// NewRouter constructs a Router over the given registry.
func NewRouter(log *slog.Logger, registry *Registry, metrics Metrics) *Router {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Router{log: log, registry: registry, metrics: metrics}
}

// Deliver sends env to every live session of every user in userIDs.
// It returns the number of sessions the envelope was enqueued to.
func (r *Router) Deliver(userIDs []int64, env v1.Envelope) int {
	delivered := 0
	for _, c := range r.registry.ConnsFor(userIDs) {
		if r.enqueue(c, env) {
			delivered++
		}
	}
	return delivered
}

// DeliverTo sends env to every live session of a single user.
func (r *Router) DeliverTo(userID int64, env v1.Envelope) int {
	return r.Deliver([]int64{userID}, env)
}

// Enqueue offers env to one session without blocking.
func (r *Router) Enqueue(c *Conn, env v1.Envelope) bool {
	return r.enqueue(c, env)
}

func (r *Router) enqueue(c *Conn, env v1.Envelope) bool {
	if c == nil {
		return false
	}

	select {
	case <-c.Done():
		// Skip sessions that are shutting down.
		return false
	default:
	}

	select {
	case c.Send <- env:
		r.metrics.EnvelopeDelivered()
		return true
	default:
		// Drop rather than block the whole fanout.
		r.metrics.EnvelopeDropped()
		r.log.Info("router.enqueue.drop",
			"user_id", c.UserID, "session_id", c.SessionID, "type", env.Type)
		return false
	}
}

// NewEnvelope builds an outbound envelope with a fresh ULID id.
func NewEnvelope(typ string, payload []byte, now time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(now),
		TS:      now,
		Payload: payload,
	}
}
