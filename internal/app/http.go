package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"codepad/api/internal/auth"
	"codepad/api/internal/gate"
	"codepad/api/internal/logging"
	"codepad/api/internal/metrics"
	"codepad/api/internal/util"
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
		checks := map[string]any{}
		for name, err := range s.service.Readiness(ctx) {
			if err == nil {
				checks[name] = map[string]any{"status": "ok"}
				continue
			}
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		metrics.Handler().ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/workspaces" {
		var body struct {
			Name     string `json:"name"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		grant, err := s.service.CreateWorkspace(r.Context(), body.Name, body.Password)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, grant)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		if token := bearerToken(r); token != "" {
			if err := s.service.Logout(r.Context(), token); err != nil {
				logging.WithContext(r.Context()).Debug("logout with unusable token", zap.Error(err))
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "workspaces" {
		workspaceID := parts[2]
		if len(parts) == 4 && parts[3] == "unlock" && r.Method == http.MethodPost {
			s.handleUnlock(w, r, workspaceID)
			return
		}
		if _, ok := s.requireWorkspace(w, r, workspaceID); !ok {
			return
		}
		s.handleWorkspace(w, r, workspaceID, parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleUnlock(w http.ResponseWriter, r *http.Request, workspaceID string) {
	var body struct {
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	grant, err := s.service.Unlock(r.Context(), workspaceID, body.Password, clientAddress(r))
	if err != nil {
		var throttled *gate.ThrottledError
		if errors.As(err, &throttled) {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(throttled)))
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workspace": grant.Workspace,
		"token":     grant.Token,
		"expiresAt": grant.ExpiresAt,
	})
}

func (s *HTTPServer) handleWorkspace(w http.ResponseWriter, r *http.Request, workspaceID string, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch rest[0] {
	case "tree":
		if len(rest) != 1 || r.Method != http.MethodGet {
			break
		}
		payload, err := s.service.GetTree(ctx, workspaceID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return

	case "folders":
		s.handleFolders(w, r, workspaceID, rest[1:])
		return

	case "files":
		s.handleFiles(w, r, workspaceID, rest[1:])
		return

	case "events":
		if len(rest) != 1 || r.Method != http.MethodGet {
			break
		}
		s.handleEvents(w, r, workspaceID)
		return

	case "search":
		if len(rest) != 1 || r.Method != http.MethodGet {
			break
		}
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		writeJSON(w, http.StatusOK, s.service.Search(ctx, workspaceID, query.Get("q"), limit, offset))
		return

	case "archive":
		if len(rest) != 1 {
			break
		}
		s.handleArchive(w, r, workspaceID)
		return

	case "snapshots":
		s.handleSnapshots(w, r, workspaceID, rest[1:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleFolders(w http.ResponseWriter, r *http.Request, workspaceID string, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 && r.Method == http.MethodPost {
		var body struct {
			ParentID *string `json:"parentId"`
			Name     string  `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		folder, err := s.service.CreateFolder(ctx, workspaceID, body.ParentID, body.Name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, folder)
		return
	}

	if len(rest) == 1 && r.Method == http.MethodDelete {
		version, err := queryVersion(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if err := s.service.DeleteFolder(ctx, workspaceID, rest[0], version); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(rest) == 2 && rest[1] == "rename" && r.Method == http.MethodPost {
		var body struct {
			Name    string `json:"name"`
			Version *int64 `json:"version"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Version == nil {
			s.fail(w, r, validationError("version is required"))
			return
		}
		folder, err := s.service.RenameFolder(ctx, workspaceID, rest[0], body.Name, *body.Version)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, folder)
		return
	}

	if len(rest) == 2 && rest[1] == "move" && r.Method == http.MethodPost {
		var body struct {
			ParentID *string `json:"parentId"`
			Version  *int64  `json:"version"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Version == nil {
			s.fail(w, r, validationError("version is required"))
			return
		}
		folder, err := s.service.MoveFolder(ctx, workspaceID, rest[0], body.ParentID, *body.Version)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, folder)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleFiles(w http.ResponseWriter, r *http.Request, workspaceID string, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 && r.Method == http.MethodPost {
		var body struct {
			FolderID string `json:"folderId"`
			Name     string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.FolderID) == "" {
			s.fail(w, r, validationError("folderId is required"))
			return
		}
		file, err := s.service.CreateFile(ctx, workspaceID, body.FolderID, body.Name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, file)
		return
	}

	if len(rest) == 1 && r.Method == http.MethodDelete {
		version, err := queryVersion(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if err := s.service.DeleteFile(ctx, workspaceID, rest[0], version); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(rest) == 2 && rest[1] == "content" {
		switch r.Method {
		case http.MethodGet:
			content, err := s.service.GetFileContent(ctx, workspaceID, rest[0])
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, content)
			return
		case http.MethodPut:
			var body struct {
				Text *string `json:"text"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if body.Text == nil {
				s.fail(w, r, validationError("text is required"))
				return
			}
			file, err := s.service.UpdateFileContent(ctx, workspaceID, rest[0], *body.Text)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, file)
			return
		}
	}

	if len(rest) == 2 && (rest[1] == "rename" || rest[1] == "move") && r.Method == http.MethodPost {
		var body struct {
			Name     string `json:"name"`
			FolderID string `json:"folderId"`
			Version  *int64 `json:"version"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Version == nil {
			s.fail(w, r, validationError("version is required"))
			return
		}
		var (
			payload any
			err     error
		)
		if rest[1] == "rename" {
			payload, err = s.service.RenameFile(ctx, workspaceID, rest[0], body.Name, *body.Version)
		} else {
			if strings.TrimSpace(body.FolderID) == "" {
				s.fail(w, r, validationError("folderId is required"))
				return
			}
			payload, err = s.service.MoveFile(ctx, workspaceID, rest[0], body.FolderID, *body.Version)
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleArchive(w http.ResponseWriter, r *http.Request, workspaceID string) {
	switch r.Method {
	case http.MethodGet:
		result, err := s.service.Archive(r.Context(), workspaceID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
	case http.MethodPost:
		upload, err := s.service.PublishArchive(r.Context(), workspaceID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, upload)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSnapshots(w http.ResponseWriter, r *http.Request, workspaceID string, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 && r.Method == http.MethodGet {
		limit := 50
		if rawLimit := strings.TrimSpace(r.URL.Query().Get("limit")); rawLimit != "" {
			if parsedLimit, err := strconv.Atoi(rawLimit); err == nil && parsedLimit > 0 {
				limit = parsedLimit
			}
		}
		items, err := s.service.ListSnapshots(ctx, workspaceID, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"snapshots": items})
		return
	}

	if len(rest) == 0 && r.Method == http.MethodPost {
		var body struct {
			Message string `json:"message"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		snapshot, err := s.service.CreateSnapshot(ctx, workspaceID, body.Message)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, snapshot)
		return
	}

	if len(rest) == 1 && r.Method == http.MethodGet {
		files, err := s.service.SnapshotFiles(ctx, workspaceID, rest[0])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"hash": rest[0], "files": files})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// requireWorkspace checks the bearer token and that it was issued for workspaceID.
func (s *HTTPServer) requireWorkspace(w http.ResponseWriter, r *http.Request, workspaceID string) (auth.Claims, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Claims{}, false
	}
	claims, err := s.service.Authenticate(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, gate.ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return auth.Claims{}, false
		}
		logging.WithContext(r.Context()).Error("session lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return auth.Claims{}, false
	}
	if claims.WorkspaceID != workspaceID {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Token was issued for another workspace", nil)
		return auth.Claims{}, false
	}
	return claims, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	logger := logging.WithContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("code", code), zap.Error(err))
	} else {
		logger.Debug("request rejected", zap.String("code", code), zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := logging.WithRequestID(r.Context(), requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		duration := time.Since(started)
		metrics.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), writer.status, duration)
		logging.WithContext(ctx).Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Duration("duration", duration),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// websocket handshakes, so the access_token query parameter is accepted too.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func queryVersion(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("version"))
	if raw == "" {
		return 0, validationError("version is required")
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || version < 0 {
		return 0, validationError("version must be a non-negative integer")
	}
	return version, nil
}

func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// routeLabel collapses ids in path so the request metric keeps a bounded label set.
func routeLabel(path string) string {
	parts := splitPath(path)
	for i, part := range parts {
		if util.IsID(part) || (i > 0 && parts[i-1] == "snapshots") {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}
