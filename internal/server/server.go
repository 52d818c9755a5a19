package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"pagescribe/internal/app"
	"pagescribe/internal/identity"
	"pagescribe/internal/util"
	"pagescribe/pkg/domain"
	"pagescribe/pkg/events"
	"pagescribe/pkg/ledger"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier *identity.Verifier
	Events        *events.RedisPublisher
}

// Server exposes the transcription workflow over HTTP.
type Server struct {
	app           *app.App
	tokenVerifier *identity.Verifier
	events        *events.RedisPublisher
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires app")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("server requires token verifier")
	}
	s := &Server{
		app:           cfg.App,
		tokenVerifier: cfg.TokenVerifier,
		events:        cfg.Events,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("pagescribe", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/books", s.withUser(s.handleListBooks))
	s.mux.Handle("/books/", s.withUser(s.handleBookSubtree))
	s.mux.Handle("/stats", s.withUser(s.handleStats))
	s.mux.Handle("/users/", s.withUser(s.handleUserByID))

	s.mux.Handle("/admin/books/", s.withUser(s.handleAdminBookSubtree))
	s.mux.Handle("/admin/users", s.withUser(s.handleAdminUsers))
	s.mux.Handle("/admin/events", s.withUser(s.handleAdminEvents))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.Identity)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := identity.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		who, err := s.tokenVerifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, who)
	})
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	books, err := s.app.ListBooks(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"books": books})
}

// /books/{book}/pages or /books/{book}/pages/{n}/{claim|release|complete}
func (s *Server) handleBookSubtree(w http.ResponseWriter, r *http.Request, who domain.Identity) {
	rest := strings.TrimPrefix(r.URL.Path, "/books/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] != "pages" {
		notFound(w, "not found")
		return
	}
	book := parts[0]

	switch len(parts) {
	case 2:
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		pages, err := s.app.ListPages(r.Context(), book)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"book": book, "pages": pages})
	case 4:
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		number, err := strconv.Atoi(parts[2])
		if err != nil || number <= 0 {
			writeError(w, http.StatusBadRequest, "invalid page number")
			return
		}
		s.handlePageAction(w, r, book, number, parts[3], who)
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handlePageAction(w http.ResponseWriter, r *http.Request, book string, number int, action string, who domain.Identity) {
	var (
		rec domain.PageRecord
		err error
	)
	switch action {
	case "claim":
		rec, err = s.app.ClaimPage(r.Context(), book, number, who)
	case "release":
		rec, err = s.app.ReleasePage(r.Context(), book, number, who)
	case "complete":
		rec, err = s.app.CompletePage(r.Context(), book, number, who)
	default:
		notFound(w, "not found")
		return
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// /admin/books/{book} or /admin/books/{book}/pages/{n}
func (s *Server) handleAdminBookSubtree(w http.ResponseWriter, r *http.Request, who domain.Identity) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/books/")
	parts := strings.Split(rest, "/")
	if parts[0] == "" {
		notFound(w, "not found")
		return
	}
	book := parts[0]

	switch len(parts) {
	case 1:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		if err := s.app.DeleteBook(r.Context(), book, who); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "book": book})
	case 3:
		if parts[1] != "pages" {
			notFound(w, "not found")
			return
		}
		if r.Method != http.MethodPatch {
			methodNotAllowed(w)
			return
		}
		number, err := strconv.Atoi(parts[2])
		if err != nil || number <= 0 {
			writeError(w, http.StatusBadRequest, "invalid page number")
			return
		}
		var upd ledger.PageUpdate
		if !decodeBody(w, r, &upd) {
			return
		}
		rec, err := s.app.AdminUpdatePage(r.Context(), book, number, upd, who)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.app.GetStats(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": stats})
}

// /users/{id}
func (s *Server) handleUserByID(w http.ResponseWriter, r *http.Request, who domain.Identity) {
	id := strings.TrimPrefix(r.URL.Path, "/users/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		if id != who.UserID && !who.IsAdmin() {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		rec, ok, err := s.app.GetUser(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		if !ok {
			notFound(w, "user not found")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodPatch:
		var req app.UserUpdateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		rec, err := s.app.UpdateUser(r.Context(), id, req, who)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request, who domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	users, err := s.app.ListUsers(r.Context(), who)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request, who domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !who.IsAdmin() {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if s.events == nil {
		writeError(w, http.StatusNotFound, "event stream not configured")
		return
	}
	count := int64(50)
	if v := r.URL.Query().Get("count"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			count = n
		}
	}
	recent, err := s.events.Recent(r.Context(), count)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": recent})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "too many claims")
	case errors.Is(err, app.ErrReleaseDebit):
		writeError(w, http.StatusInternalServerError, "page released, points debit failed")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCode(status),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "VALIDATION_ERROR"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}
