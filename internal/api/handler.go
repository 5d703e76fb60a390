// Package api exposes the REST surface: auth, first-run setup, users,
// conversations, messages, blocks, and the admin dashboard.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aura/internal/auth"
	"aura/internal/chat"
	"aura/internal/realtime"
	"aura/internal/store"
)

const (
	defaultMaxBodyBytes = 64 << 10 // 64 KiB

	initialPageSize = 50
	olderPageSize   = 30
	maxPageSize     = 200
)

// Config carries the HTTP API knobs.
type Config struct {
	MaxBodyBytes int64
}

// Handler wires the REST endpoints to the store and the chat pipeline.
type Handler struct {
	log    *slog.Logger
	cfg    Config
	store  store.Store
	tokens *auth.TokenManager
	chat   *chat.Service
	router *realtime.Router

	// Dummy hash for timing-resistant login checks.
	dummyHash string

	now func() time.Time
}

// NewHandler constructs the REST handler.
func NewHandler(log *slog.Logger, cfg Config, st store.Store, tokens *auth.TokenManager, chatSvc *chat.Service, router *realtime.Router) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if st == nil || tokens == nil || chatSvc == nil || router == nil {
		return nil, errors.New("api: nil dependency")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	h := &Handler{
		log:    log,
		cfg:    cfg,
		store:  st,
		tokens: tokens,
		chat:   chatSvc,
		router: router,
		now:    time.Now,
	}
	if hash, err := auth.HashPassword("dummy-password-for-timing-only"); err == nil {
		h.dummyHash = hash
	}
	return h, nil
}

// Register wires all REST routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}

	mux.HandleFunc("GET /api/setup/status", h.handleSetupStatus)
	mux.HandleFunc("POST /api/setup/admin", h.handleSetupAdmin)

	mux.HandleFunc("POST /api/auth/login", h.handleLogin)
	mux.HandleFunc("POST /api/auth/admin/login", h.handleAdminLogin)

	mux.HandleFunc("GET /api/users", h.requireAuth(h.handleListUsers))

	mux.HandleFunc("GET /api/conversations", h.requireAuth(h.handleListConversations))
	mux.HandleFunc("POST /api/conversations", h.requireAuth(h.handleCreateConversation))
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.requireAuth(h.handleListMessages))
	mux.HandleFunc("POST /api/conversations/{id}/messages", h.requireAuth(h.handleSendMessage))

	mux.HandleFunc("PATCH /api/messages/{id}", h.requireAuth(h.handleEditMessage))
	mux.HandleFunc("DELETE /api/messages/{id}", h.requireAuth(h.handleDeleteMessage))

	mux.HandleFunc("GET /api/blocks", h.requireAuth(h.handleListBlocks))
	mux.HandleFunc("POST /api/blocks", h.requireAuth(h.handleCreateBlock))
	mux.HandleFunc("DELETE /api/blocks/{userId}", h.requireAuth(h.handleDeleteBlock))

	mux.HandleFunc("GET /api/admin/stats", h.requireAdmin(h.handleAdminStats))
	mux.HandleFunc("GET /api/admin/users", h.requireAdmin(h.handleAdminListUsers))
	mux.HandleFunc("POST /api/admin/users", h.requireAdmin(h.handleAdminCreateUser))
	mux.HandleFunc("DELETE /api/admin/users/{id}", h.requireAdmin(h.handleAdminDeleteUser))
}

// ---- wire shapes ----

type userResponse struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveTS time.Time `json:"last_active_ts"`
}

func toUserResponse(u store.User) userResponse {
	return userResponse{
		ID:           u.ID,
		Username:     u.Username,
		IsAdmin:      u.IsAdmin,
		CreatedAt:    u.CreatedAt,
		LastActiveTS: u.LastActiveTS,
	}
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type conversationResponse struct {
	ID                  int64      `json:"id"`
	PartnerID           int64      `json:"partner_id"`
	PartnerUsername     string     `json:"partner_username"`
	PartnerLastActiveTS time.Time  `json:"partner_last_active_ts"`
	LastActivityTS      time.Time  `json:"last_activity_ts"`
	LastMessageContent  string     `json:"last_message_content,omitempty"`
	LastMessageTS       *time.Time `json:"last_message_ts,omitempty"`
	LastMessageSender   string     `json:"last_message_sender,omitempty"`
	UnreadCount         int        `json:"unread_count"`
}

// ---- auth ----

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	u, err := h.store.UserByUsername(r.Context(), username)
	if err != nil {
		// Timing resistance: perform a dummy verify when the user is missing.
		if h.dummyHash != "" {
			_ = auth.VerifyPassword(h.dummyHash, req.Password)
		}
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
		return
	}
	if err := auth.VerifyPassword(u.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
		return
	}

	token, err := h.tokens.Issue(auth.Claims{UserID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin})
	if err != nil {
		h.log.Error("api.login.token.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not issue token")
		return
	}

	h.log.Info("api.login.ok", "user_id", u.ID)
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: toUserResponse(u)})
}

type adminLoginRequest struct {
	MasterPassword string `json:"master_password"`
}

func (h *Handler) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req adminLoginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.MasterPassword == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "master_password is required")
		return
	}

	ctx := r.Context()
	masterHash, err := h.store.ConfigValue(ctx, store.ConfigMasterPasswordHash)
	if err != nil {
		h.log.Error("api.admin_login.config.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not verify credentials")
		return
	}
	if masterHash == "" {
		writeError(w, http.StatusConflict, "setup_required", "admin account has not been created yet")
		return
	}
	if err := auth.VerifyPassword(masterHash, req.MasterPassword); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid master password")
		return
	}

	adminIDs, err := h.store.AdminIDs(ctx)
	if err != nil || len(adminIDs) == 0 {
		h.log.Error("api.admin_login.lookup.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "admin account unavailable")
		return
	}
	admin, err := h.store.UserByID(ctx, adminIDs[0])
	if err != nil {
		h.log.Error("api.admin_login.lookup.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "admin account unavailable")
		return
	}

	token, err := h.tokens.Issue(auth.Claims{UserID: admin.ID, Username: admin.Username, IsAdmin: true})
	if err != nil {
		h.log.Error("api.admin_login.token.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not issue token")
		return
	}

	h.log.Info("api.admin_login.ok", "user_id", admin.ID)
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: toUserResponse(admin)})
}

// ---- users ----

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	users, err := h.store.ListPeers(r.Context(), claims.UserID)
	if err != nil {
		h.log.Error("api.users.list.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not list users")
		return
	}

	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

// ---- conversations ----

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	sums, err := h.store.ListConversations(r.Context(), claims.UserID)
	if err != nil {
		h.log.Error("api.conversations.list.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not list conversations")
		return
	}

	out := make([]conversationResponse, 0, len(sums))
	for _, s := range sums {
		out = append(out, conversationResponse{
			ID:                  s.ID,
			PartnerID:           s.PartnerID,
			PartnerUsername:     s.PartnerUsername,
			PartnerLastActiveTS: s.PartnerLastActiveTS,
			LastActivityTS:      s.LastActivityTS,
			LastMessageContent:  s.LastMessageContent,
			LastMessageTS:       s.LastMessageTS,
			LastMessageSender:   s.LastMessageSender,
			UnreadCount:         s.UnreadCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

type createConversationRequest struct {
	PartnerID int64 `json:"partner_id"`
}

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var req createConversationRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.PartnerID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "partner_id is required")
		return
	}

	id, existed, err := h.chat.StartConversation(r.Context(), claims.UserID, req.PartnerID)
	if err != nil {
		h.writeChatError(w, err, "api.conversations.create.fail")
		return
	}

	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"conversation_id": id, "existed": existed})
}

// ---- messages ----

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	convID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid conversation id")
		return
	}

	ctx := r.Context()
	member, err := h.store.IsParticipant(ctx, convID, claims.UserID)
	if err != nil {
		h.log.Error("api.messages.list.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not list messages")
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, "forbidden", "not a conversation participant")
		return
	}

	in := store.ListMessagesInput{ConversationID: convID, Limit: initialPageSize}

	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("before_ts")); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "before_ts must be RFC3339")
			return
		}
		in.Before = &ts
		in.Limit = olderPageSize
	}
	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		if in.Before != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "before_ts and since are mutually exclusive")
			return
		}
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "since must be RFC3339")
			return
		}
		in.Since = &ts
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxPageSize {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
			return
		}
		in.Limit = n
	}

	msgs, err := h.store.ListMessages(ctx, in)
	if err != nil {
		h.log.Error("api.messages.list.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not list messages")
		return
	}

	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, chat.WireMessage(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": out,
		"has_more": in.Since == nil && len(msgs) == in.Limit,
	})
}

type sendMessageRequest struct {
	Content          string `json:"content"`
	ReplyToMessageID *int64 `json:"reply_to_message_id,omitempty"`
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	convID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid conversation id")
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	msg, err := h.chat.Send(r.Context(), chat.SendInput{
		ConversationID:   convID,
		SenderID:         claims.UserID,
		Content:          req.Content,
		ReplyToMessageID: req.ReplyToMessageID,
	})
	if err != nil {
		h.writeChatError(w, err, "api.messages.send.fail")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": chat.WireMessage(msg)})
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func (h *Handler) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	msgID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid message id")
		return
	}

	var req editMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	msg, err := h.chat.Edit(r.Context(), msgID, claims.UserID, req.Content)
	if err != nil {
		h.writeChatError(w, err, "api.messages.edit.fail")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": chat.WireMessage(msg)})
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	msgID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid message id")
		return
	}

	if err := h.chat.Delete(r.Context(), msgID, claims.UserID); err != nil {
		h.writeChatError(w, err, "api.messages.delete.fail")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// ---- blocks ----

func (h *Handler) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	users, err := h.store.ListBlocked(r.Context(), claims.UserID)
	if err != nil {
		h.log.Error("api.blocks.list.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not list blocks")
		return
	}

	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked": out})
}

type createBlockRequest struct {
	UserID int64 `json:"user_id"`
}

func (h *Handler) handleCreateBlock(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var req createBlockRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.UserID <= 0 || req.UserID == claims.UserID {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid user_id")
		return
	}
	if _, err := h.store.UserByID(r.Context(), req.UserID); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "no such user")
		return
	}

	if err := h.store.Block(r.Context(), claims.UserID, req.UserID); err != nil {
		h.log.Error("api.blocks.create.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not block user")
		return
	}

	h.log.Info("api.blocks.create", "user_id", claims.UserID, "blocked_id", req.UserID)
	writeJSON(w, http.StatusOK, map[string]any{"blocked": true})
}

func (h *Handler) handleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	blockedID, ok := pathID(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid user id")
		return
	}

	if err := h.store.Unblock(r.Context(), claims.UserID, blockedID); err != nil {
		h.log.Error("api.blocks.delete.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not unblock user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unblocked": true})
}

// ---- helpers ----

func pathID(r *http.Request, name string) (int64, bool) {
	raw := strings.TrimSpace(r.PathValue(name))
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (h *Handler) writeChatError(w http.ResponseWriter, err error, event string) {
	switch {
	case errors.Is(err, chat.ErrEmptyContent):
		writeError(w, http.StatusBadRequest, "empty_content", "message content is empty")
	case errors.Is(err, chat.ErrTooLong):
		writeError(w, http.StatusBadRequest, "content_too_long", "message content is too long")
	case errors.Is(err, chat.ErrBadReply):
		writeError(w, http.StatusBadRequest, "invalid_reply", "reply target is invalid")
	case errors.Is(err, chat.ErrSelfChat):
		writeError(w, http.StatusBadRequest, "self_conversation", "cannot start a conversation with yourself")
	case errors.Is(err, chat.ErrBlocked):
		writeError(w, http.StatusForbidden, "blocked", "conversation is blocked")
	case errors.Is(err, chat.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "not allowed")
	case errors.Is(err, chat.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "forbidden", "not a conversation participant")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such resource")
	default:
		h.log.Error(event, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "request failed")
	}
}
