package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	v1 "aura/contracts/chat/v1"
	"aura/internal/auth"
	"aura/internal/realtime"
	"aura/internal/store"
)

// activeWindow is the recency threshold behind the "active users" stat.
const activeWindow = 5 * time.Minute

// ---- first-run setup ----

func (h *Handler) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	created, err := h.store.ConfigValue(r.Context(), store.ConfigAdminCreated)
	if err != nil {
		h.log.Error("api.setup.status.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not read setup state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"admin_created": created == "true"})
}

type setupAdminRequest struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	MasterPassword string `json:"master_password"`
}

// handleSetupAdmin creates the one admin account plus the master
// password. It only ever succeeds once; afterwards the endpoint is shut.
func (h *Handler) handleSetupAdmin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	created, err := h.store.ConfigValue(ctx, store.ConfigAdminCreated)
	if err != nil {
		h.log.Error("api.setup.admin.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not read setup state")
		return
	}
	if created == "true" {
		writeError(w, http.StatusConflict, "already_setup", "admin account already exists")
		return
	}

	var req setupAdminRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" || req.MasterPassword == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username, password, and master_password are required")
		return
	}
	if len(req.MasterPassword) < 12 {
		writeError(w, http.StatusBadRequest, "weak_master_password", "master_password must be at least 12 characters")
		return
	}

	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.log.Error("api.setup.admin.hash.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not create admin")
		return
	}
	masterHash, err := auth.HashPassword(req.MasterPassword)
	if err != nil {
		h.log.Error("api.setup.admin.hash.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not create admin")
		return
	}

	admin, err := h.store.CreateUser(ctx, username, passwordHash, true, h.now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrUsernameExists) {
			writeError(w, http.StatusConflict, "username_taken", "username already exists")
			return
		}
		h.log.Error("api.setup.admin.create.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not create admin")
		return
	}

	if err := h.store.SetConfigValue(ctx, store.ConfigMasterPasswordHash, masterHash); err != nil {
		h.log.Error("api.setup.admin.config.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not finish setup")
		return
	}
	if err := h.store.SetConfigValue(ctx, store.ConfigAdminCreated, "true"); err != nil {
		h.log.Error("api.setup.admin.config.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not finish setup")
		return
	}

	token, err := h.tokens.Issue(auth.Claims{UserID: admin.ID, Username: admin.Username, IsAdmin: true})
	if err != nil {
		h.log.Error("api.setup.admin.token.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not issue token")
		return
	}

	h.log.Info("api.setup.admin.ok", "user_id", admin.ID)
	writeJSON(w, http.StatusCreated, loginResponse{Token: token, User: toUserResponse(admin)})
}

// ---- admin dashboard ----

func (h *Handler) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.CollectStats(r.Context(), h.now().UTC().Add(-activeWindow))
	if err != nil {
		h.log.Error("api.admin.stats.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not collect stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_count":         stats.UserCount,
		"message_count":      stats.MessageCount,
		"conversation_count": stats.ConversationCount,
		"active_users":       stats.ActiveUsers,
	})
}

func (h *Handler) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsersAdmin(r.Context())
	if err != nil {
		h.log.Error("api.admin.users.list.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not list users")
		return
	}

	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

type adminCreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req adminCreateUserRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.log.Error("api.admin.users.create.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not create user")
		return
	}

	now := h.now().UTC()
	u, err := h.store.CreateUser(r.Context(), username, hash, false, now)
	if err != nil {
		if errors.Is(err, store.ErrUsernameExists) {
			writeError(w, http.StatusConflict, "username_taken", "username already exists")
			return
		}
		h.log.Error("api.admin.users.create.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not create user")
		return
	}

	h.notifyAdmins(r, v1.TypeUserCreated, v1.UserCreatedPayload{User: v1.UserSummary{
		ID:           u.ID,
		Username:     u.Username,
		CreatedAt:    u.CreatedAt,
		LastActiveTS: u.LastActiveTS,
	}}, now)

	h.log.Info("api.admin.users.create", "user_id", u.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"user": toUserResponse(u)})
}

func (h *Handler) handleAdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid user id")
		return
	}

	deleted, err := h.store.DeleteUser(r.Context(), userID)
	if err != nil {
		h.log.Error("api.admin.users.delete.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not delete user")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found", "no such user")
		return
	}

	now := h.now().UTC()
	h.notifyAdmins(r, v1.TypeUserDeleted, v1.UserDeletedPayload{UserID: userID}, now)

	h.log.Info("api.admin.users.delete", "user_id", userID)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// notifyAdmins pushes an account-lifecycle event to every connected admin.
func (h *Handler) notifyAdmins(r *http.Request, typ string, payload any, now time.Time) {
	adminIDs, err := h.store.AdminIDs(r.Context())
	if err != nil {
		h.log.Error("api.admin.notify.fail", "err", err)
		return
	}
	raw, _ := json.Marshal(payload)
	h.router.Deliver(adminIDs, realtime.NewEnvelope(typ, raw, now))
}
