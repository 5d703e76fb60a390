package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	v1 "aura/contracts/chat/v1"
	"aura/internal/auth"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "aura.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// TokenVerifier checks the bearer credential presented in the
// authenticate envelope.
type TokenVerifier interface {
	Verify(raw string) (auth.Claims, error)
}

// Gateway is the WebSocket entrypoint for Aura realtime.
//
// It enforces origin policy, subprotocol selection, the
// authenticate-first handshake, rate limits, and heartbeats, and routes
// validated envelopes to the presence tracker and the relay.
type Gateway struct {
	log      *slog.Logger
	verifier TokenVerifier
	presence *Presence
	relay    *Relay
	router   *Router

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	ratePerSec rate.Limit
	rateBurst  int
}

// NewGateway constructs a gateway with secure defaults.
func NewGateway(log *slog.Logger, verifier TokenVerifier, presence *Presence, relay *Relay, router *Router) (*Gateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if verifier == nil {
		return nil, errors.New("realtime: nil token verifier")
	}
	if presence == nil || relay == nil || router == nil {
		return nil, errors.New("realtime: nil presence, relay, or router")
	}

	g := &Gateway{log: log, verifier: verifier, presence: presence, relay: relay, router: router}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("AURA_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("AURA_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("AURA_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatterns(g.allowedOrigins)

	g.writeTimeout = envDurationWS("AURA_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("AURA_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("AURA_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("AURA_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("AURA_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.ratePerSec = rate.Limit(envIntWS("AURA_WS_RATE_PER_SEC", rateLimitPerSec))
	g.rateBurst = envIntWS("AURA_WS_RATE_BURST", rateLimitBurst)

	return g, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The first envelope must authenticate. Everything before that is a
	// stranger on the socket; no registry entry exists yet.
	claims, err := g.awaitAuthenticate(ctx, conn)
	if err != nil {
		g.log.Info("ws.auth.fail", "remote", r.RemoteAddr, "err", err)
		g.writeAuthFailed(ctx, conn, err)
		_ = conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	now := time.Now().UTC()
	sessionID := NewSessionID(now)
	client := NewConn(sessionID, claims.UserID, claims.Username, g.sendQueueSize)

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Registry removal happens before client.Close so fanout never sees a
	// half-torn-down session.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.presence.Disconnected(context.WithoutCancel(ctx), client, time.Now().UTC())
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	g.presence.Connected(ctx, client, now)
	g.log.Info("ws.session.start", "session_id", sessionID, "user_id", claims.UserID)

	authPayload, _ := json.Marshal(v1.AuthenticatedPayload{UserID: claims.UserID})
	g.router.Enqueue(client, NewEnvelope(v1.TypeAuthenticated, authPayload, now))

	rl := rate.NewLimiter(g.ratePerSec, g.rateBurst)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow() {
			g.trySendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeAuthenticate:
			g.trySendError(client, "already_authenticated", "session is already authenticated")

		case v1.TypePing:
			g.router.Enqueue(client, NewEnvelope(v1.TypePong, nil, now))

		case v1.TypeStatusUpdate:
			g.presence.Refresh(ctx, client.UserID, now)

		case v1.TypeTypingStart, v1.TypeTypingStop:
			if err := g.onTyping(ctx, client, env, now); err != nil {
				g.trySendError(client, "typing_failed", err.Error())
			}

		case v1.TypeMarkRead:
			if err := g.onMarkRead(ctx, client, env, now); err != nil {
				g.trySendError(client, "mark_read_failed", err.Error())
			}

		default:
			g.trySendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handshake ----

func (g *Gateway) awaitAuthenticate(ctx context.Context, conn *websocket.Conn) (auth.Claims, error) {
	readCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	env, err := readEnvelope(readCtx, conn)
	if err != nil {
		return auth.Claims{}, fmt.Errorf("read authenticate: %w", err)
	}
	if err := env.Validate(); err != nil {
		return auth.Claims{}, err
	}
	if env.Type != v1.TypeAuthenticate {
		return auth.Claims{}, fmt.Errorf("first envelope must be %s, got %s", v1.TypeAuthenticate, env.Type)
	}

	var p v1.AuthenticatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return auth.Claims{}, fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(p.Token) == "" {
		return auth.Claims{}, errors.New("missing token")
	}

	claims, err := g.verifier.Verify(p.Token)
	if err != nil {
		return auth.Claims{}, err
	}
	return claims, nil
}

func (g *Gateway) writeAuthFailed(ctx context.Context, conn *websocket.Conn, cause error) {
	payload, _ := json.Marshal(v1.AuthFailedPayload{Error: cause.Error()})
	env := NewEnvelope(v1.TypeAuthFailed, payload, time.Now().UTC())
	_ = writeEnvelope(ctx, conn, env, g.writeTimeout)
}

// ---- handlers ----

func (g *Gateway) onTyping(ctx context.Context, client *Conn, env v1.Envelope, now time.Time) error {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if p.ConversationID <= 0 {
		return errors.New("missing conversation_id")
	}

	status := v1.TypingStart
	if env.Type == v1.TypeTypingStop {
		status = v1.TypingStop
	}
	return g.relay.Typing(ctx, client.UserID, p.ConversationID, status, now)
}

func (g *Gateway) onMarkRead(ctx context.Context, client *Conn, env v1.Envelope, now time.Time) error {
	var p v1.MarkReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if p.ConversationID <= 0 {
		return errors.New("missing conversation_id")
	}
	if len(p.MessageIDs) == 0 {
		return errors.New("missing message_ids")
	}
	return g.relay.MarkRead(ctx, client.UserID, p.ConversationID, p.MessageIDs, now)
}

func (g *Gateway) trySendError(client *Conn, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	g.router.Enqueue(client, NewEnvelope(v1.TypeError, p, time.Now().UTC()))
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatterns(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
