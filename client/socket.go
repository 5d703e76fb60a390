package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	v1 "aura/contracts/chat/v1"
)

const (
	wsSubprotocolV1 = "aura.chat.v1"

	socketWriteTimeout      = 5 * time.Second
	socketAuthTimeout       = 10 * time.Second
	socketHeartbeatInterval = 30 * time.Second
	socketPresenceInterval  = 4 * time.Minute
	socketReadFlushInterval = 5 * time.Second

	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second

	maxFrameBytes = 64 << 10
)

// ErrAuthRejected reports a credential the server refused; reconnecting
// with the same token will not help.
var ErrAuthRejected = errors.New("client: authentication rejected")

// ErrNotConnected reports a send attempted with no live connection.
var ErrNotConnected = errors.New("client: not connected")

// Socket maintains one live channel to the server: it dials,
// authenticates first, heartbeats, and reconnects with exponential
// backoff plus jitter. Events broadcast while disconnected are lost by
// design; OnConnected is the hook where the engine resynchronizes.
type Socket struct {
	log   *slog.Logger
	wsURL string
	token func() string

	// OnEvent receives every pushed envelope after authentication.
	OnEvent func(env v1.Envelope)
	// OnConnected fires after each successful authenticate, first
	// connection included.
	OnConnected func(ctx context.Context)
	// OnDisconnected fires when a live connection is lost.
	OnDisconnected func(err error)
	// OnTick fires on the heartbeat cadence while connected, for
	// piggybacked work such as flushing read batches.
	OnTick func(ctx context.Context)

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewSocket creates an unconnected socket. wsURL is the full endpoint,
// e.g. "ws://127.0.0.1:8080/ws". token is re-read on every reconnect so
// a refreshed credential is picked up automatically.
func NewSocket(log *slog.Logger, wsURL string, token func() string) *Socket {
	if log == nil {
		log = slog.Default()
	}
	return &Socket{log: log, wsURL: wsURL, token: token}
}

// backoff schedules reconnect waits. Each consecutive failure doubles
// the wait up to max; a session that reached the authenticated state
// resets the schedule, so a drop after hours of stable service retries
// at the base delay again.
type backoff struct {
	base, max time.Duration
	next      time.Duration
}

func (b *backoff) wait(established bool) time.Duration {
	if b.next == 0 || established {
		b.next = b.base
	}
	d := b.next
	b.next = min(b.next*2, b.max)
	return d
}

// Run connects and serves the channel until ctx is cancelled or the
// credential is rejected. Transport failures trigger reconnects.
func (s *Socket) Run(ctx context.Context) error {
	bo := backoff{base: reconnectBaseDelay, max: reconnectMaxDelay}

	for {
		established, err := s.runOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrAuthRejected):
			return err
		}

		if s.OnDisconnected != nil {
			s.OnDisconnected(err)
		}

		wait := jitter(bo.wait(established))
		s.log.Info("client.ws.reconnect.wait", "delay", wait, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Send writes one envelope to the live channel.
func (s *Socket) Send(ctx context.Context, env v1.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return writeEnvelope(ctx, conn, env)
}

// Connected reports whether a live authenticated connection exists.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// runOnce serves one session and reports whether it reached the
// authenticated state before failing.
func (s *Socket) runOnce(ctx context.Context) (bool, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if err := s.authenticate(ctx, conn); err != nil {
		return false, err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	s.log.Info("client.ws.connected", "url", s.wsURL)
	if s.OnConnected != nil {
		s.OnConnected(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx, conn) })
	g.Go(func() error { return s.heartbeatLoop(gctx, conn) })
	return true, g.Wait()
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, socketAuthTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, s.wsURL, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.wsURL, err)
	}

	conn.SetReadLimit(maxFrameBytes)
	return conn, nil
}

// authenticate is the very first exchange: the connection is unusable
// until the credential is accepted.
func (s *Socket) authenticate(ctx context.Context, conn *websocket.Conn) error {
	payload, err := json.Marshal(v1.AuthenticatePayload{Token: s.token()})
	if err != nil {
		return err
	}
	env := v1.Envelope{V: v1.Version, Type: v1.TypeAuthenticate, TS: time.Now().UTC(), Payload: payload}
	if err := writeEnvelope(ctx, conn, env); err != nil {
		return err
	}

	readCtx, cancel := context.WithTimeout(ctx, socketAuthTimeout)
	defer cancel()

	reply, err := readEnvelope(readCtx, conn)
	if err != nil {
		return fmt.Errorf("await auth reply: %w", err)
	}
	switch reply.Type {
	case v1.TypeAuthenticated:
		return nil
	case v1.TypeAuthFailed:
		var p v1.AuthFailedPayload
		_ = json.Unmarshal(reply.Payload, &p)
		return fmt.Errorf("%w: %s", ErrAuthRejected, p.Error)
	default:
		return fmt.Errorf("unexpected handshake reply: %q", reply.Type)
	}
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return err
		}
		if s.OnEvent != nil {
			s.OnEvent(env)
		}
	}
}

func (s *Socket) heartbeatLoop(ctx context.Context, conn *websocket.Conn) error {
	ping := time.NewTicker(socketHeartbeatInterval)
	defer ping.Stop()
	presence := time.NewTicker(socketPresenceInterval)
	defer presence.Stop()
	tick := time.NewTicker(socketReadFlushInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ping.C:
			env := v1.Envelope{V: v1.Version, Type: v1.TypePing, TS: time.Now().UTC()}
			if err := writeEnvelope(ctx, conn, env); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		case <-presence.C:
			payload, err := json.Marshal(v1.StatusUpdatePayload{Timestamp: time.Now().UTC()})
			if err != nil {
				return err
			}
			env := v1.Envelope{V: v1.Version, Type: v1.TypeStatusUpdate, TS: time.Now().UTC(), Payload: payload}
			if err := writeEnvelope(ctx, conn, env); err != nil {
				return fmt.Errorf("presence refresh: %w", err)
			}
		case <-tick.C:
			if s.OnTick != nil {
				s.OnTick(ctx)
			}
		}
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, socketWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, b)
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func jitter(d time.Duration) time.Duration {
	// +-20% so a fleet of clients does not reconnect in lockstep.
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
