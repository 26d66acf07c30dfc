package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/tokengate/tokengate/internal/api/respond"
	"github.com/tokengate/tokengate/internal/store"
)

// ListUsers serves one page of users.
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 50)

	list, total, err := h.Users.List(r.Context(), page, limit)
	if err != nil {
		respond.Err(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"users": list,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

// CreateUser mints a user and returns the plaintext API key exactly once.
func (h *Handlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		QuotaTokens *int64 `json:"quota_tokens"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	user, key, err := h.Users.Create(r.Context(), req.Name, req.QuotaTokens)
	if err != nil {
		respond.Err(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, map[string]any{
		"user":    user,
		"api_key": key,
	})
}

// GetUser serves one user.
func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		badRequest(w, "invalid user id")
		return
	}
	user, err := h.Users.Get(r.Context(), id)
	if err != nil {
		respond.Err(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, user)
}

// UpdateUser applies a partial edit. An explicit null quota_tokens clears
// the quota; an absent field leaves it untouched.
func (h *Handlers) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		badRequest(w, "invalid user id")
		return
	}

	// quota_tokens is raw so an explicit null (clear the quota) stays
	// distinguishable from an absent field (leave it alone).
	var req struct {
		Name        *string         `json:"name"`
		QuotaTokens json.RawMessage `json:"quota_tokens"`
		Enabled     *bool           `json:"enabled"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	update := store.UserUpdate{Name: req.Name, Enabled: req.Enabled}
	if len(req.QuotaTokens) > 0 {
		update.QuotaSet = true
		if string(req.QuotaTokens) != "null" {
			var quota int64
			if err := json.Unmarshal(req.QuotaTokens, &quota); err != nil {
				badRequest(w, "quota_tokens must be an integer or null")
				return
			}
			update.Quota = &quota
		}
	}

	user, err := h.Users.Update(r.Context(), id, update)
	if err != nil {
		respond.Err(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, user)
}

// DeleteUser hard-deletes a user and, via cascade, their usage rows.
func (h *Handlers) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		badRequest(w, "invalid user id")
		return
	}
	if err := h.Users.Delete(r.Context(), id); err != nil {
		respond.Err(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"success": true})
}

// RegenerateKey swaps the user's key material, returning the new plaintext
// once. The old key stops working immediately.
func (h *Handlers) RegenerateKey(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		badRequest(w, "invalid user id")
		return
	}
	user, key, err := h.Users.RegenerateKey(r.Context(), id)
	if err != nil {
		respond.Err(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"user":    user,
		"api_key": key,
	})
}

// ResetUsage zeroes a user's used-token counter.
func (h *Handlers) ResetUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		badRequest(w, "invalid user id")
		return
	}
	prev, err := h.Users.ResetUsage(r.Context(), id)
	if err != nil {
		respond.Err(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"previous_tokens": prev,
	})
}
