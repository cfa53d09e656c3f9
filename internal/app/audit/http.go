package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	platformauth "github.com/taskpulse/project/internal/platform/auth"
)

// Querier is the read side of the trail.
type Querier interface {
	Query(ctx context.Context, filter Filter) ([]Record, error)
}

// Handler exposes the read-only audit query API. There is no write or delete
// surface; the trail only grows through the event sink.
type Handler struct {
	Records Querier
	Tokens  platformauth.Manager
}

func NewHandler(records Querier, tokens platformauth.Manager) *Handler {
	return &Handler{Records: records, Tokens: tokens}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Get("/api/v1/audit", h.handleQuery)
	})
	return r
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	filter := Filter{
		OwnerID:   claims.Subject,
		TaskID:    strings.TrimSpace(r.URL.Query().Get("task_id")),
		EventType: strings.TrimSpace(r.URL.Query().Get("event_type")),
	}

	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "from must be RFC 3339")
			return
		}
		filter.From = from
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("to")); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "to must be RFC 3339")
			return
		}
		filter.To = to
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		filter.Limit = limit
	}

	records, err := h.Records.Query(r.Context(), filter)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Tokens.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
