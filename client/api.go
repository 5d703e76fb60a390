// Package client implements the Aura Go client: REST calls, the live
// websocket channel with reconnect, and the per-conversation
// synchronization engine that folds pushed events and fetched pages into
// one ordered, deduplicated message view.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	v1 "aura/contracts/chat/v1"
)

const defaultHTTPTimeout = 15 * time.Second

// APIError is a non-2xx REST response decoded into its error body.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
}

// API is the REST client. Token is set after Login and sent as a Bearer
// credential on every authenticated call.
type API struct {
	baseURL string
	http    *http.Client
	token   string
}

// APIOption customizes the API client.
type APIOption func(*API)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(c *http.Client) APIOption {
	return func(a *API) { a.http = c }
}

// NewAPI constructs a REST client for the given server base URL, e.g.
// "http://127.0.0.1:8080".
func NewAPI(baseURL string, opts ...APIOption) *API {
	a := &API{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetToken installs the bearer credential used for authenticated calls.
func (a *API) SetToken(token string) { a.token = token }

// Token returns the current bearer credential (empty before login).
func (a *API) Token() string { return a.token }

// User is the account shape returned by the REST surface.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveTS time.Time `json:"last_active_ts"`
}

// LoginResult carries the issued token plus the authenticated account.
type LoginResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Login authenticates with username/password and stores the token on success.
func (a *API) Login(ctx context.Context, username, password string) (LoginResult, error) {
	var out LoginResult
	err := a.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &out)
	if err != nil {
		return LoginResult{}, err
	}
	a.token = out.Token
	return out, nil
}

// AdminLogin authenticates with the master password and stores the token.
func (a *API) AdminLogin(ctx context.Context, masterPassword string) (LoginResult, error) {
	var out LoginResult
	err := a.do(ctx, http.MethodPost, "/api/auth/admin/login", map[string]string{
		"master_password": masterPassword,
	}, &out)
	if err != nil {
		return LoginResult{}, err
	}
	a.token = out.Token
	return out, nil
}

// ListUsers returns every visible peer account (blocks filtered server-side).
func (a *API) ListUsers(ctx context.Context) ([]User, error) {
	var out struct {
		Users []User `json:"users"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/users", nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// Conversation is one entry of the conversation list.
type Conversation struct {
	ID                  int64      `json:"id"`
	PartnerID           int64      `json:"partner_id"`
	PartnerUsername     string     `json:"partner_username"`
	PartnerLastActiveTS time.Time  `json:"partner_last_active_ts"`
	LastActivityTS      time.Time  `json:"last_activity_ts"`
	LastMessageContent  string     `json:"last_message_content"`
	LastMessageTS       *time.Time `json:"last_message_ts"`
	LastMessageSender   string     `json:"last_message_sender"`
	UnreadCount         int        `json:"unread_count"`
}

// ListConversations returns the caller's conversation list, newest first.
func (a *API) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// StartConversation creates (or finds) the conversation with partnerID.
// Creation is idempotent per user pair; existed reports which case occurred.
func (a *API) StartConversation(ctx context.Context, partnerID int64) (id int64, existed bool, err error) {
	var out struct {
		ConversationID int64 `json:"conversation_id"`
		Existed        bool  `json:"existed"`
	}
	err = a.do(ctx, http.MethodPost, "/api/conversations", map[string]int64{"partner_id": partnerID}, &out)
	if err != nil {
		return 0, false, err
	}
	return out.ConversationID, out.Existed, nil
}

// MessagePage is one fetched window of a conversation, oldest to newest.
type MessagePage struct {
	Messages []v1.Message `json:"messages"`
	HasMore  bool         `json:"has_more"`
}

// ListMessagesOptions narrows a message fetch. Before and Since are
// mutually exclusive; zero values mean "newest page".
type ListMessagesOptions struct {
	Before time.Time
	Since  time.Time
	Limit  int
}

// ListMessages fetches a window of a conversation's history.
func (a *API) ListMessages(ctx context.Context, conversationID int64, opts ListMessagesOptions) (MessagePage, error) {
	q := url.Values{}
	if !opts.Before.IsZero() {
		q.Set("before_ts", opts.Before.Format(time.RFC3339Nano))
	}
	if !opts.Since.IsZero() {
		q.Set("since", opts.Since.Format(time.RFC3339Nano))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	path := fmt.Sprintf("/api/conversations/%d/messages", conversationID)
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var out MessagePage
	if err := a.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return MessagePage{}, err
	}
	return out, nil
}

type sendMessageBody struct {
	Content          string `json:"content"`
	ReplyToMessageID *int64 `json:"reply_to_message_id,omitempty"`
}

// SendMessage persists a message and returns the server-confirmed copy.
func (a *API) SendMessage(ctx context.Context, conversationID int64, content string, replyTo *int64) (v1.Message, error) {
	var out struct {
		Message v1.Message `json:"message"`
	}
	path := fmt.Sprintf("/api/conversations/%d/messages", conversationID)
	err := a.do(ctx, http.MethodPost, path, sendMessageBody{Content: content, ReplyToMessageID: replyTo}, &out)
	if err != nil {
		return v1.Message{}, err
	}
	return out.Message, nil
}

// EditMessage replaces a message's content; sender-only.
func (a *API) EditMessage(ctx context.Context, messageID int64, content string) (v1.Message, error) {
	var out struct {
		Message v1.Message `json:"message"`
	}
	err := a.do(ctx, http.MethodPatch, fmt.Sprintf("/api/messages/%d", messageID), map[string]string{"content": content}, &out)
	if err != nil {
		return v1.Message{}, err
	}
	return out.Message, nil
}

// DeleteMessage hard-deletes a message; sender-only.
func (a *API) DeleteMessage(ctx context.Context, messageID int64) error {
	return a.do(ctx, http.MethodDelete, fmt.Sprintf("/api/messages/%d", messageID), nil, nil)
}

// Block hides the given user in both directions.
func (a *API) Block(ctx context.Context, userID int64) error {
	return a.do(ctx, http.MethodPost, "/api/blocks", map[string]int64{"user_id": userID}, nil)
}

// Unblock removes a block.
func (a *API) Unblock(ctx context.Context, userID int64) error {
	return a.do(ctx, http.MethodDelete, fmt.Sprintf("/api/blocks/%d", userID), nil, nil)
}

// ListBlocked returns the accounts the caller has blocked.
func (a *API) ListBlocked(ctx context.Context) ([]User, error) {
	var out struct {
		Blocked []User `json:"blocked"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/blocks", nil, &out); err != nil {
		return nil, err
	}
	return out.Blocked, nil
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var eb struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&eb)
		return &APIError{Status: resp.StatusCode, Code: eb.Error.Code, Message: eb.Error.Message}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
