// Package main provides a CI-friendly smoke test for the Aura realtime stack.
//
// It validates, against a running server:
//   - REST login for two accounts and idempotent conversation creation
//   - handshake + subprotocol selection + authenticate-first
//   - ping -> pong heartbeat
//   - typing_start relayed to the partner only
//   - REST send fanned out as new_message to the partner, never the sender
//   - mark_read batch producing exactly one message_read at the sender
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "aura/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	subprotocol  = "aura.chat.v1"
	maxReadBytes = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	conn   *websocket.Conn
	userID int64

	inbox chan v1.Envelope
	errCh chan error
}

type account struct {
	token  string
	userID int64
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("user-a", "smoke-a", "First account username")
		passA   = flag.String("pass-a", "smoke-password-a", "First account password")
		userB   = flag.String("user-b", "smoke-b", "Second account username")
		passB   = flag.String("pass-b", "smoke-password-b", "Second account password")
		text    = flag.String("text", "hello aura 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	accA := mustLogin(root, *baseURL, *userA, *passA, *timeout)
	accB := mustLogin(root, *baseURL, *userB, *passB, *timeout)

	convID := mustConversation(root, *baseURL, accA, accB.userID, *timeout)
	convID2 := mustConversation(root, *baseURL, accB, accA.userID, *timeout)
	if convID != convID2 {
		fatalf("conversation creation not idempotent: %d vs %d", convID, convID2)
	}

	a := mustConnect(root, "A", *baseURL, *origin, accA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *baseURL, *origin, accB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%d B=%d conv_id=%d origin=%q\n", a.userID, b.userID, convID, *origin)
	}

	mustPingPong(root, a, *timeout)

	// B may observe A's online transition; presence pushes are drained,
	// not asserted, because A could already have been online.
	drainType(root, b, v1.TypeUserStatusUpdate, 500*time.Millisecond)

	mustTypingRelay(root, a, b, convID, *timeout)

	msg := mustSendREST(root, *baseURL, accA, convID, *text, *timeout)
	mustAssertNewMessage(root, b, convID, msg.ID, a.userID, *text, *timeout)
	mustAssertNoType(root, a, v1.TypeNewMessage, 1200*time.Millisecond)

	mustReadReceipt(root, a, b, convID, msg.ID, *timeout)

	fmt.Printf("OK: A=%d B=%d conv_id=%d message_id=%d\n", a.userID, b.userID, convID, msg.ID)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

// ---- REST steps ----

func restJSON(parent context.Context, method, urlStr, token string, body, out any, stepTimeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s %s: status=%d body=%s", method, urlStr, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func mustLogin(parent context.Context, baseURL, username, password string, stepTimeout time.Duration) account {
	var out struct {
		Token string `json:"token"`
		User  struct {
			ID int64 `json:"id"`
		} `json:"user"`
	}
	err := restJSON(parent, http.MethodPost, baseURL+"/api/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	}, &out, stepTimeout)
	if err != nil {
		fatalf("login %s: %v", username, err)
	}
	if out.Token == "" || out.User.ID == 0 {
		fatalf("login %s: incomplete response", username)
	}
	return account{token: out.Token, userID: out.User.ID}
}

func mustConversation(parent context.Context, baseURL string, acc account, partnerID int64, stepTimeout time.Duration) int64 {
	var out struct {
		ConversationID int64 `json:"conversation_id"`
	}
	err := restJSON(parent, http.MethodPost, baseURL+"/api/conversations", acc.token,
		map[string]int64{"partner_id": partnerID}, &out, stepTimeout)
	if err != nil {
		fatalf("create conversation: %v", err)
	}
	if out.ConversationID == 0 {
		fatalf("create conversation: missing id")
	}
	return out.ConversationID
}

func mustSendREST(parent context.Context, baseURL string, acc account, convID int64, text string, stepTimeout time.Duration) v1.Message {
	var out struct {
		Message v1.Message `json:"message"`
	}
	err := restJSON(parent, http.MethodPost,
		fmt.Sprintf("%s/api/conversations/%d/messages", baseURL, convID), acc.token,
		map[string]string{"content": text}, &out, stepTimeout)
	if err != nil {
		fatalf("send message: %v", err)
	}
	if out.Message.ID == 0 {
		fatalf("send message: missing id")
	}
	return out.Message
}

// ---- WS steps ----

func mustConnect(parent context.Context, name, baseURL, origin string, acc account, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsEndpoint(baseURL), &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	auth := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeAuthenticate,
		ID:      fmt.Sprintf("%s-auth", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.AuthenticatePayload{Token: acc.token}),
	}
	mustWriteWithTimeout(parent, c.conn, auth, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeAuthenticated, stepTimeout, nil)

	var p v1.AuthenticatedPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal authenticated payload (%s): %v", name, err)
	}
	if p.UserID != acc.userID {
		fatalf("authenticated user mismatch (%s): got=%d want=%d", name, p.UserID, acc.userID)
	}
	c.userID = p.UserID

	return c
}

func wsEndpoint(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws"
	default:
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws"
	}
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustPingPong(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypePing,
		ID:   fmt.Sprintf("%s-ping", c.name),
		TS:   time.Now().UTC(),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeUserStatusUpdate: {}}
	c.mustReadUntilType(parent, v1.TypePong, stepTimeout, skip)
}

func mustTypingRelay(parent context.Context, from, to *smokeClient, convID int64, stepTimeout time.Duration) {
	start := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeTypingStart,
		ID:      fmt.Sprintf("%s-typing", from.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.TypingPayload{ConversationID: convID}),
	}
	mustWriteWithTimeout(parent, from.conn, start, stepTimeout)

	skip := map[string]struct{}{v1.TypeUserStatusUpdate: {}}
	env := to.mustReadUntilType(parent, v1.TypeTypingIndicator, stepTimeout, skip)

	var p v1.TypingIndicatorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal typing_indicator payload (%s): %v", to.name, err)
	}
	if p.ConversationID != convID || p.UserID != from.userID || p.Status != v1.TypingStart {
		fatalf("typing_indicator mismatch (%s): %+v", to.name, p)
	}

	// The signal must never echo back to its sender.
	mustAssertNoType(parent, from, v1.TypeTypingIndicator, 800*time.Millisecond)
}

func mustAssertNewMessage(parent context.Context, c *smokeClient, convID, msgID, senderID int64, text string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeUserStatusUpdate: {}, v1.TypeTypingIndicator: {}}
	env := c.mustReadUntilType(parent, v1.TypeNewMessage, stepTimeout, skip)

	var p v1.NewMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal new_message payload (%s): %v", c.name, err)
	}
	m := p.Message
	if m.ID != msgID || m.ConversationID != convID || m.SenderID != senderID || m.Content != text {
		fatalf("new_message mismatch (%s): %+v", c.name, m)
	}
	if m.Timestamp.IsZero() {
		fatalf("new_message timestamp missing/zero (%s)", c.name)
	}
}

func mustReadReceipt(parent context.Context, sender, reader *smokeClient, convID, msgID int64, stepTimeout time.Duration) {
	mark := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMarkRead,
		ID:      fmt.Sprintf("%s-mark-read", reader.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.MarkReadPayload{ConversationID: convID, MessageIDs: []int64{msgID}}),
	}
	mustWriteWithTimeout(parent, reader.conn, mark, stepTimeout)

	skip := map[string]struct{}{v1.TypeUserStatusUpdate: {}}
	env := sender.mustReadUntilType(parent, v1.TypeMessageRead, stepTimeout, skip)

	var p v1.MessageReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_read payload (%s): %v", sender.name, err)
	}
	if p.ConversationID != convID || p.ReaderID != reader.userID {
		fatalf("message_read mismatch (%s): %+v", sender.name, p)
	}
	found := false
	for _, id := range p.MessageIDs {
		if id == msgID {
			found = true
			break
		}
	}
	if !found {
		fatalf("message_read missing id %d (%s): %v", msgID, sender.name, p.MessageIDs)
	}

	// A repeated mark of the same id is idempotent: no second receipt.
	mustWriteWithTimeout(parent, reader.conn, mark, stepTimeout)
	mustAssertNoType(parent, sender, v1.TypeMessageRead, 1200*time.Millisecond)
}

func drainType(parent context.Context, c *smokeClient, typ string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-c.inbox:
			if !ok {
				return
			}
			if env.Type != typ {
				// Put nothing back; smoke steps skip presence noise anyway.
				continue
			}
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
