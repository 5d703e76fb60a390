package client

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	v1 "aura/contracts/chat/v1"
)

// Client bundles the REST surface, the live channel, and the
// synchronization engine behind one login-then-run lifecycle.
type Client struct {
	log *slog.Logger

	API    *API
	Socket *Socket
	Engine *Engine

	mu     sync.Mutex
	self   User
	typers map[int64]*TypingNotifier
}

// New creates a client for the given server base URL, e.g.
// "http://127.0.0.1:8080".
func New(log *slog.Logger, baseURL string, opts ...APIOption) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		log:    log,
		API:    NewAPI(baseURL, opts...),
		typers: make(map[int64]*TypingNotifier),
	}
}

// Login authenticates over REST and prepares the live channel and engine.
// Run must be called afterwards to connect.
func (c *Client) Login(ctx context.Context, username, password string) (User, error) {
	res, err := c.API.Login(ctx, username, password)
	if err != nil {
		return User{}, err
	}
	c.bind(res.User)
	return res.User, nil
}

// UseToken installs an existing credential instead of a password login.
func (c *Client) UseToken(token string, self User) {
	c.API.SetToken(token)
	c.bind(self)
}

func (c *Client) bind(self User) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.self = self
	c.Socket = NewSocket(c.log, wsURL(c.API.baseURL), c.API.Token)
	c.Engine = NewEngine(c.log, c.API, c.Socket, self.ID)

	c.Socket.OnEvent = c.Engine.HandleEvent
	c.Socket.OnConnected = func(ctx context.Context) {
		c.Engine.ResyncAll(ctx)
		if err := c.Engine.FlushReads(ctx); err != nil {
			c.log.Debug("client.reads.flush.fail", "err", err)
		}
	}
	c.Socket.OnTick = func(ctx context.Context) {
		if err := c.Engine.FlushReads(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
			c.log.Debug("client.reads.flush.fail", "err", err)
		}
	}
}

// Run serves the live channel until ctx is cancelled or the credential is
// rejected. Login or UseToken must have been called first.
func (c *Client) Run(ctx context.Context) error {
	if c.Socket == nil {
		return errors.New("client: not logged in")
	}
	return c.Socket.Run(ctx)
}

// Self returns the authenticated account.
func (c *Client) Self() User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// SendMessage performs an optimistic send in the given conversation and
// settles any outstanding typing signal.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, content string, replyTo *v1.Message) (SendResult, error) {
	c.Typing(conversationID).MessageSent(ctx)
	return c.Engine.Send(ctx, conversationID, c.Self().Username, content, replyTo)
}

// Typing returns the per-conversation typing debouncer, creating it on
// first use.
func (c *Client) Typing(conversationID int64) *TypingNotifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.typers[conversationID]
	if !ok {
		n = NewTypingNotifier(c.log, c.Socket, conversationID)
		c.typers[conversationID] = n
	}
	return n
}

// CloseConversation drops local state for a conversation.
func (c *Client) CloseConversation(conversationID int64) {
	c.mu.Lock()
	if n, ok := c.typers[conversationID]; ok {
		n.Stop()
		delete(c.typers, conversationID)
	}
	c.mu.Unlock()
	c.Engine.Close(conversationID)
}

// wsURL derives the websocket endpoint from the REST base URL.
func wsURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws"
	default:
		return "ws://" + baseURL + "/ws"
	}
}
