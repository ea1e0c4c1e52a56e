package pipelineapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/famplan/organizer/internal/app/calsync"
	"github.com/famplan/organizer/internal/app/events"
	"github.com/famplan/organizer/internal/app/household"
	"github.com/famplan/organizer/internal/app/notify"
	"github.com/famplan/organizer/internal/app/parse"
	"github.com/famplan/organizer/internal/app/pipeline"
	platformauth "github.com/famplan/organizer/internal/platform/auth"
)

type EventReader interface {
	GetEventByID(ctx context.Context, eventID string) (events.StoredEvent, error)
	ListHouseholdEvents(ctx context.Context, householdID string, from time.Time, limit int) ([]events.StoredEvent, error)
}

type InboxReader interface {
	ListInbox(ctx context.Context, recipientID string, limit int) ([]notify.InboxEntry, error)
	MarkRead(ctx context.Context, recipientID, noticeID string) error
}

type Handler struct {
	Pipeline      *pipeline.Orchestrator
	Households    *household.Service
	Events        EventReader
	Inbox         InboxReader
	AllowedOrigin string
	Now           func() time.Time
}

func NewHandler(orch *pipeline.Orchestrator, households *household.Service, eventReader EventReader, inbox InboxReader, allowedOrigin string) *Handler {
	return &Handler{
		Pipeline:      orch,
		Households:    households,
		Events:        eventReader,
		Inbox:         inbox,
		AllowedOrigin: allowedOrigin,
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/v1/auth/register", h.handleRegister)
	r.Post("/api/v1/auth/login", h.handleLogin)
	r.Post("/api/v1/auth/refresh", h.handleRefresh)
	r.Post("/api/v1/auth/logout", h.handleLogout)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)

		authR.Post("/api/v1/households", h.handleCreateHousehold)
		authR.Get("/api/v1/households", h.handleListHouseholds)
		authR.Get("/api/v1/households/{householdID}/members", h.handleListMembers)
		authR.Post("/api/v1/households/{householdID}/members", h.handleAddMember)
		authR.Patch("/api/v1/households/{householdID}/members/role", h.handleUpdateMemberRole)
		authR.Get("/api/v1/households/{householdID}/events", h.handleListEvents)
		authR.Get("/api/v1/households/{householdID}/calendar.ics", h.handleCalendarFeed)

		authR.Post("/api/v1/pipeline/submit", h.handleSubmit)
		authR.Post("/api/v1/pipeline/confirm", h.handleConfirm)
		authR.Post("/api/v1/pipeline/cancel", h.handleCancel)
		authR.Get("/api/v1/pipeline", h.handlePipelineState)

		authR.Get("/api/v1/inbox", h.handleListInbox)
		authR.Post("/api/v1/inbox/{noticeID}/read", h.handleMarkInboxRead)
	})

	return r
}

type registerRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type createHouseholdRequest struct {
	Name string `json:"name"`
}

type addMemberRequest struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type updateMemberRoleRequest struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// submitRequest carries one input submission. Media is base64 in JSON, which
// encoding/json decodes into the byte slice directly.
type submitRequest struct {
	HouseholdID string `json:"household_id"`
	Kind        string `json:"kind"`
	Text        string `json:"text,omitempty"`
	Media       []byte `json:"media,omitempty"`
	MediaMIME   string `json:"media_mime,omitempty"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Households.Register(r.Context(), req.Username, req.DisplayName, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, household.ErrInvalidUsername), errors.Is(err, household.ErrInvalidPassword):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
				h.writeError(w, http.StatusConflict, "username already exists")
				return
			}
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Households.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, household.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Households.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, household.ErrRefreshTokenMissing):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, household.ErrInvalidRefreshToken):
			h.writeError(w, http.StatusUnauthorized, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.Households.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, household.ErrRefreshTokenMissing) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateHousehold(w http.ResponseWriter, r *http.Request) {
	var req createHouseholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	created, err := h.Households.CreateHousehold(r.Context(), claims.Subject, req.Name)
	if err != nil {
		if errors.Is(err, household.ErrInvalidHouseholdName) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleListHouseholds(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	memberships, err := h.Households.ListHouseholds(r.Context(), claims.Subject)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"households": memberships})
}

func (h *Handler) handleListMembers(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "householdID")
	claims := claimsFromContext(r.Context())
	members, err := h.Households.ListMembers(r.Context(), claims.Subject, householdID)
	if err != nil {
		h.writeHouseholdError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (h *Handler) handleAddMember(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "householdID")
	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	err := h.Households.AddMemberByUsername(r.Context(), claims.Subject, householdID, req.Username, req.Role)
	if err != nil {
		h.writeHouseholdError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleUpdateMemberRole(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "householdID")
	var req updateMemberRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	err := h.Households.UpdateMemberRoleByUsername(r.Context(), claims.Subject, householdID, req.Username, req.Role)
	if err != nil {
		h.writeHouseholdError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "householdID")
	claims := claimsFromContext(r.Context())
	if _, err := h.Households.EnsureMemberRole(r.Context(), claims.Subject, householdID); err != nil {
		h.writeHouseholdError(w, err)
		return
	}

	from := h.Now().AddDate(0, 0, -1)
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "from must be RFC 3339")
			return
		}
		from = parsed
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, err := h.Events.ListHouseholdEvents(r.Context(), householdID, from, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"events": list})
}

func (h *Handler) handleCalendarFeed(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "householdID")
	claims := claimsFromContext(r.Context())
	if _, err := h.Households.EnsureMemberRole(r.Context(), claims.Subject, householdID); err != nil {
		h.writeHouseholdError(w, err)
		return
	}

	list, err := h.Events.ListHouseholdEvents(r.Context(), householdID, h.Now().AddDate(0, -3, 0), 500)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	feed := calsync.BuildFeed(h.householdName(r.Context(), claims.Subject, householdID), list, h.Now())
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(feed))
}

func (h *Handler) householdName(ctx context.Context, userID, householdID string) string {
	memberships, err := h.Households.ListHouseholds(ctx, userID)
	if err != nil {
		return ""
	}
	for _, m := range memberships {
		if m.HouseholdID == householdID {
			return m.HouseholdName
		}
	}
	return ""
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	if _, err := h.Households.EnsureMemberRole(r.Context(), claims.Subject, req.HouseholdID); err != nil {
		h.writeHouseholdError(w, err)
		return
	}

	actor := pipeline.Actor{UserID: claims.Subject, DisplayName: claims.DisplayName}
	view, err := h.Pipeline.Submit(r.Context(), actor, strings.TrimSpace(req.HouseholdID), parse.Request{
		Kind:      req.Kind,
		Text:      req.Text,
		Media:     req.Media,
		MediaMIME: req.MediaMIME,
	})
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrCommitInProgress):
			h.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, parse.ErrEmptyInput),
			errors.Is(err, parse.ErrUnsupportedKind),
			errors.Is(err, parse.ErrMissingMediaPayload):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	actor := pipeline.Actor{UserID: claims.Subject, DisplayName: claims.DisplayName}
	view, err := h.Pipeline.Confirm(r.Context(), actor)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrNoPendingConfirmation):
			h.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, pipeline.ErrCommitInProgress):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	view := h.Pipeline.Cancel(pipeline.Actor{UserID: claims.Subject, DisplayName: claims.DisplayName})
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handlePipelineState(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	view := h.Pipeline.State(pipeline.Actor{UserID: claims.Subject, DisplayName: claims.DisplayName})
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleListInbox(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.Inbox.ListInbox(r.Context(), claims.Subject, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"notifications": entries})
}

func (h *Handler) handleMarkInboxRead(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	noticeID := chi.URLParam(r, "noticeID")
	if err := h.Inbox.MarkRead(r.Context(), claims.Subject, noticeID); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeHouseholdError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, household.ErrInvalidHouseholdID),
		errors.Is(err, household.ErrInvalidUsername),
		errors.Is(err, household.ErrInvalidRole):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, household.ErrForbiddenHousehold), errors.Is(err, household.ErrForbiddenRole):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, household.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not found")
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return "*"
	}

	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed {
		return origin
	}
	if isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	if a.Port() != b.Port() {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Households.AuthToken.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithClaims(r.Context(), claims)))
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func contextWithClaims(ctx context.Context, claims platformauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}
