package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"countersign/api/internal/remote"
	"countersign/api/internal/search"
	"countersign/api/internal/signoff"
	"countersign/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
			"sessions": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		if err := s.service.PingSessions(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["sessions"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Server   string `json:"server"`
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Username == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "username is required", nil)
			return
		}
		sess, err := s.service.Login(r.Context(), body.Server, body.Username, body.Password)
		if err != nil {
			status, code, message, details := mapError(err)
			if status == http.StatusInternalServerError {
				status, code, message = http.StatusUnauthorized, "LOGIN_FAILED", "Login failed"
			}
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":      sess.Token,
			"userId":     sess.UserID,
			"server":     sess.Server,
			"principals": sess.Principals,
			"expiresAt":  sess.ExpiresAt.Unix(),
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		sess, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        sess.UserID,
			"server":        sess.Server,
			"principals":    sess.Principals,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		if token := bearerToken(r); token != "" {
			if sess, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				_ = s.service.Logout(r.Context(), sess)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/server" {
		var body struct {
			Server string `json:"server"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Server) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "server is required", nil)
			return
		}
		updated, err := s.service.SwitchServer(r.Context(), sess, body.Server)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"server":     updated.Server,
			"userId":     updated.UserID,
			"principals": updated.Principals,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/audit" {
		query := r.URL.Query()
		limit := 50
		if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil {
				limit = parsed
			}
		}
		if text := strings.TrimSpace(query.Get("q")); text != "" {
			response := s.service.SearchAudit(r.Context(), search.Query{
				Text:   text,
				Bucket: strings.TrimSpace(query.Get("bucket")),
				Limit:  limit,
			})
			writeJSON(w, http.StatusOK, response)
			return
		}
		entries, err := s.service.AuditLog(r.Context(), store.AuditFilter{
			Bucket:     strings.TrimSpace(query.Get("bucket")),
			Collection: strings.TrimSpace(query.Get("collection")),
			Action:     strings.TrimSpace(query.Get("action")),
			Author:     strings.TrimSpace(query.Get("author")),
			Limit:      limit,
		})
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": auditEntriesJSON(entries)})
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/buckets/") {
		s.handleBuckets(w, r, sess)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleBuckets dispatches /api/buckets/{bid}/... paths:
// history, and the per-collection signoff surface.
func (s *HTTPServer) handleBuckets(w http.ResponseWriter, r *http.Request, sess Session) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/buckets/"), "/")

	if len(parts) == 2 && parts[1] == "history" && r.Method == http.MethodGet {
		limit := 100
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil {
				limit = parsed
			}
		}
		entries, err := s.service.History(r.Context(), sess, parts[0], limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		if entries == nil {
			entries = []remote.HistoryEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
		return
	}

	if len(parts) < 4 || parts[1] != "collections" || parts[3] != "signoff" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	bucket, collection := parts[0], parts[2]

	if len(parts) == 4 && r.Method == http.MethodGet {
		view, err := s.service.SignoffStatus(r.Context(), sess, bucket, collection)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	if len(parts) == 5 && parts[4] == "diff" && r.Method == http.MethodGet {
		entries, err := s.service.SignoffDiff(r.Context(), sess, bucket, collection)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"changes": entries})
		return
	}

	if len(parts) == 5 && r.Method == http.MethodPost {
		action, ok := actionFromPath(parts[4])
		if !ok {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		var body struct {
			Comment string `json:"comment"`
		}
		if r.ContentLength > 0 {
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
		}
		snapshot, err := s.service.Action(r.Context(), sess, bucket, collection, action, body.Comment)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func actionFromPath(segment string) (signoff.Action, bool) {
	switch segment {
	case "request-review":
		return signoff.ActionRequestReview, true
	case "approve":
		return signoff.ActionApprove, true
	case "decline":
		return signoff.ActionDecline, true
	case "rollback":
		return signoff.ActionRollback, true
	}
	return "", false
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token", nil)
		return Session{}, false
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Session invalid or expired", nil)
		return Session{}, false
	}
	return sess, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

// mapError converts service errors to HTTP responses: precondition failures
// become conflicts the user must retry after reloading, illegal transitions
// are client errors, everything else a bad gateway to the remote store or
// an internal error.
func mapError(err error) (int, string, string, any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, remote.ErrPreconditionFailed) {
		return http.StatusConflict, "CONFLICT",
			"Could not complete the action, the collection was modified concurrently", nil
	}
	var transitionErr *signoff.TransitionError
	if errors.As(err, &transitionErr) {
		return http.StatusBadRequest, "INVALID_TRANSITION", transitionErr.Error(), nil
	}
	var apiErr *remote.APIError
	if errors.As(err, &apiErr) {
		return http.StatusBadGateway, "REMOTE_ERROR", apiErr.Message, map[string]any{
			"remoteStatus": apiErr.StatusCode,
		}
	}
	if IsStaleSession(err) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Session invalid or expired", nil
	}
	return http.StatusInternalServerError, "INTERNAL", "Internal error", nil
}

func auditEntriesJSON(entries []store.AuditEntry) []map[string]any {
	formatted := make([]map[string]any, len(entries))
	for i, entry := range entries {
		formatted[i] = map[string]any{
			"id":         entry.ID,
			"server":     entry.Server,
			"bucket":     entry.SourceBucket,
			"collection": entry.SourceCollection,
			"action":     entry.Action,
			"fromStatus": entry.FromStatus,
			"toStatus":   entry.ToStatus,
			"comment":    entry.Comment,
			"author":     entry.Author,
			"createdAt":  entry.CreatedAt,
		}
	}
	return formatted
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func decodeBody(r *http.Request, out any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}
