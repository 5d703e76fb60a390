package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v1 "aura/contracts/chat/v1"
	"aura/internal/auth"
	"aura/internal/store"

	"github.com/coder/websocket"
)

type gatewayFixture struct {
	gateway  *Gateway
	registry *Registry
	tokens   *auth.TokenManager
	alice    store.User
	bob      store.User
	server   *httptest.Server
}

// newGatewayFixture wires the full realtime stack behind an httptest
// server, the way cmd/aura assembles it.
func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	t.Setenv("AURA_WS_ORIGIN_REQUIRED", "false")

	st, alice, bob, _ := seedRealtime(t)

	tokens, err := auth.NewTokenManager([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}

	reg := NewRegistry(testLogger())
	router := NewRouter(testLogger(), reg, nil)
	presence := NewPresence(testLogger(), st, reg, router, nil)
	relay := NewRelay(testLogger(), st, router)

	gw, err := NewGateway(testLogger(), tokens, presence, relay, router)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWS)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &gatewayFixture{gateway: gw, registry: reg, tokens: tokens, alice: alice, bob: bob, server: ts}
}

func (f *gatewayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func (f *gatewayFixture) issueToken(t *testing.T, u store.User) string {
	t.Helper()
	raw, err := f.tokens.Issue(auth.Claims{UserID: u.ID, Username: u.Username})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return raw
}

func writeWS(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	var raw []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		raw = b
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := writeEnvelope(ctx, conn, NewEnvelope(typ, raw, time.Now().UTC()), 5*time.Second); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func readWS(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env, err := readEnvelope(ctx, conn)
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

// mustCloseWith drains the connection until the peer closes it and
// asserts the close status.
func mustCloseWith(t *testing.T, conn *websocket.Conn, want websocket.StatusCode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, err := readEnvelope(ctx, conn); err != nil {
			if got := websocket.CloseStatus(err); got != want {
				t.Fatalf("close status = %v, want %v (err %v)", got, want, err)
			}
			return
		}
	}
}

func waitOffline(t *testing.T, reg *Registry, userID int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if !reg.IsOnline(userID) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("user %d still registered", userID)
}

func TestWSGateway_FirstEnvelopeMustAuthenticate(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t)

	// A ping from a stranger: the session never becomes usable.
	writeWS(t, conn, v1.TypePing, nil)

	env := readWS(t, conn)
	if env.Type != v1.TypeAuthFailed {
		t.Fatalf("type = %q, want %q", env.Type, v1.TypeAuthFailed)
	}
	mustCloseWith(t, conn, websocket.StatusPolicyViolation)

	if f.registry.IsOnline(f.alice.ID) || f.registry.IsOnline(f.bob.ID) {
		t.Fatal("no registry entry may exist for an unauthenticated socket")
	}
}

func TestWSGateway_InvalidTokenRejected(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t)

	writeWS(t, conn, v1.TypeAuthenticate, v1.AuthenticatePayload{Token: "not-a-valid-token"})

	env := readWS(t, conn)
	if env.Type != v1.TypeAuthFailed {
		t.Fatalf("type = %q, want %q", env.Type, v1.TypeAuthFailed)
	}
	var p v1.AuthFailedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode auth_failed: %v", err)
	}
	if strings.TrimSpace(p.Error) == "" {
		t.Fatal("auth_failed must carry a reason")
	}
	mustCloseWith(t, conn, websocket.StatusPolicyViolation)

	if f.registry.IsOnline(f.alice.ID) {
		t.Fatal("rejected credential must not register a session")
	}
}

func TestWSGateway_AuthorizedConnectAndActions(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t)

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		t.Fatalf("subprotocol = %q, want %q", sp, wsSubprotocolV1)
	}

	writeWS(t, conn, v1.TypeAuthenticate, v1.AuthenticatePayload{Token: f.issueToken(t, f.alice)})

	env := readWS(t, conn)
	if env.Type != v1.TypeAuthenticated {
		t.Fatalf("type = %q, want %q", env.Type, v1.TypeAuthenticated)
	}
	var ack v1.AuthenticatedPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("decode authenticated: %v", err)
	}
	if ack.UserID != f.alice.ID {
		t.Fatalf("authenticated user_id = %d, want %d", ack.UserID, f.alice.ID)
	}

	// The registry entry is created before the ack is enqueued.
	if !f.registry.IsOnline(f.alice.ID) {
		t.Fatal("authenticated session must be registered")
	}

	writeWS(t, conn, v1.TypePing, nil)
	if env := readWS(t, conn); env.Type != v1.TypePong {
		t.Fatalf("type = %q, want %q", env.Type, v1.TypePong)
	}

	// Authenticating twice on the same socket is rejected.
	writeWS(t, conn, v1.TypeAuthenticate, v1.AuthenticatePayload{Token: f.issueToken(t, f.alice)})
	env = readWS(t, conn)
	if env.Type != v1.TypeError {
		t.Fatalf("type = %q, want %q", env.Type, v1.TypeError)
	}
	var errP v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &errP); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if errP.Code != "already_authenticated" {
		t.Fatalf("code = %q, want already_authenticated", errP.Code)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	waitOffline(t, f.registry, f.alice.ID)
}

func TestWSGateway_ReapsSilentPeer(t *testing.T) {
	t.Setenv("AURA_WS_HEARTBEAT_INTERVAL", "20ms")
	t.Setenv("AURA_WS_HEARTBEAT_TIMEOUT", "20ms")

	f := newGatewayFixture(t)
	conn := f.dial(t)

	writeWS(t, conn, v1.TypeAuthenticate, v1.AuthenticatePayload{Token: f.issueToken(t, f.bob)})
	if env := readWS(t, conn); env.Type != v1.TypeAuthenticated {
		t.Fatalf("type = %q, want %q", env.Type, v1.TypeAuthenticated)
	}
	if !f.registry.IsOnline(f.bob.ID) {
		t.Fatal("authenticated session must be registered")
	}

	// Pongs are only answered while a read is in flight. A peer that
	// stops reading fails consecutive pings and gets reaped.
	waitOffline(t, f.registry, f.bob.ID)
}
