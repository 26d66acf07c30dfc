package handlers

import (
	"net/http"

	"github.com/tokengate/tokengate/internal/api/respond"
	"github.com/tokengate/tokengate/internal/store"
)

// validPeriods is the accepted set for the ?period= query parameter.
var validPeriods = map[string]bool{"day": true, "week": true, "month": true, "all": true}

func period(r *http.Request) (string, bool) {
	p := r.URL.Query().Get("period")
	switch p {
	case "":
		return "all", true
	case "today":
		return "day", true
	}
	return p, validPeriods[p]
}

// UsageStats aggregates usage over a period, optionally scoped to one user.
func (h *Handlers) UsageStats(w http.ResponseWriter, r *http.Request) {
	p, ok := period(r)
	if !ok {
		badRequest(w, "period must be one of day, week, month, all")
		return
	}
	userID, ok := queryUserID(r)
	if !ok {
		badRequest(w, "invalid user_id")
		return
	}

	stats, err := h.Usage.Stats(r.Context(), p, userID)
	if err != nil {
		respond.Err(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, stats)
}

// UserUsage aggregates one user's usage over a period. 404 for unknown users.
func (h *Handlers) UserUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		badRequest(w, "invalid user id")
		return
	}
	p, ok := period(r)
	if !ok {
		badRequest(w, "period must be one of day, week, month, all")
		return
	}

	user, err := h.Users.Get(r.Context(), id)
	if err != nil {
		respond.Err(w, err)
		return
	}
	stats, err := h.Usage.Stats(r.Context(), p, &id)
	if err != nil {
		respond.Err(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"user":  user,
		"stats": stats,
	})
}

// ProviderUsage aggregates usage per provider over a period.
func (h *Handlers) ProviderUsage(w http.ResponseWriter, r *http.Request) {
	p, ok := period(r)
	if !ok {
		badRequest(w, "period must be one of day, week, month, all")
		return
	}
	rows, err := h.Usage.ByProvider(r.Context(), p)
	if err != nil {
		respond.Err(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"providers": rows})
}

// DailyUsage serves day buckets: closed days from the rollup table, today
// live.
func (h *Handlers) DailyUsage(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	if days < 1 || days > 365 {
		badRequest(w, "days must be between 1 and 365")
		return
	}
	userID, ok := queryUserID(r)
	if !ok {
		badRequest(w, "invalid user_id")
		return
	}

	rows, err := h.Usage.Daily(r.Context(), days, userID, r.URL.Query().Get("provider"))
	if err != nil {
		respond.Err(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"daily": rows})
}

// ListLogs serves the raw usage log view with filters.
func (h *Handlers) ListLogs(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(r)
	if !ok {
		badRequest(w, "invalid user_id")
		return
	}
	filter := store.LogFilter{
		Limit:    queryInt(r, "limit", 100),
		Offset:   queryInt(r, "offset", 0),
		UserID:   userID,
		Provider: r.URL.Query().Get("provider"),
		Status:   r.URL.Query().Get("status"),
	}

	logs, total, err := h.Usage.Logs(r.Context(), filter)
	if err != nil {
		respond.Err(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"total": total,
	})
}
