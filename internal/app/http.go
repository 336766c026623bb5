package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"requestdesk/api/internal/audit"
	"requestdesk/api/internal/obs"
)

const (
	allowMethods = "GET,POST,OPTIONS"
	allowHeaders = "Content-Type, Authorization"

	maxBodyBytes = 1 << 20
)

type HTTPServer struct {
	service        *Service
	allowedOrigins []string
}

// NewHTTPServer wires the route walk. allowedOrigins is the CORS allow list;
// an empty list allows any origin.
func NewHTTPServer(service *Service, allowedOrigins []string) *HTTPServer {
	normalized := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin = normalizeOrigin(origin); origin != "" {
			normalized = append(normalized, origin)
		}
	}
	return &HTTPServer{service: service, allowedOrigins: normalized}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodOptions:
	default:
		s.fail(w, r, domainError(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method is not supported."), "", "", 0)
		return
	}

	if r.Method == http.MethodOptions {
		s.writeSuccess(w, r, http.StatusOK, map[string]any{
			"preflight": true,
			"message":   "Preflight acknowledged.",
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/health" {
		s.writeSuccess(w, r, http.StatusOK, s.service.Health())
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/me" {
		s.writeSuccess(w, r, http.StatusOK, s.service.Me(r.Context(), r.URL.Query().Get("lineUserId")))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/getdraft" {
		ownerID := r.URL.Query().Get("lineUserId")
		payload, err := s.service.GetDraft(r.Context(), ownerID)
		if err != nil {
			s.fail(w, r, err, ownerID, "", 0)
			return
		}
		s.writeSuccess(w, r, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/adminme" {
		query := r.URL.Query()
		ownerID := query.Get("lineUserId")
		payload, err := s.service.AdminMe(r.Context(), ownerID, query.Get("googleIdToken"))
		if err != nil {
			s.fail(w, r, err, ownerID, "", 0)
			return
		}
		s.writeSuccess(w, r, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/savesection" {
		var body struct {
			LineUserID string         `json:"lineUserId"`
			Section    any            `json:"section"`
			Data       map[string]any `json:"data"`
			ClientTs   string         `json:"clientTs"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.fail(w, r, badJSONError(), "", "", 0)
			return
		}
		section, _ := toInt(body.Section)
		payload, err := s.service.SaveSection(r.Context(), body.LineUserID, section, body.Data, body.ClientTs)
		if err != nil {
			s.fail(w, r, err, body.LineUserID, "", section)
			return
		}
		s.writeSuccess(w, r, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/adminlogin" {
		var body struct {
			LineUserID    string `json:"lineUserId"`
			GoogleIDToken string `json:"googleIdToken"`
			ClientTs      string `json:"clientTs"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.fail(w, r, badJSONError(), "", "", 0)
			return
		}
		payload, err := s.service.AdminLogin(r.Context(), body.LineUserID, body.GoogleIDToken, body.ClientTs)
		if err != nil {
			s.fail(w, r, err, body.LineUserID, "", 0)
			return
		}
		s.writeSuccess(w, r, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/adminlistrequests" {
		var body struct {
			LineUserID    string `json:"lineUserId"`
			GoogleIDToken string `json:"googleIdToken"`
			Limit         any    `json:"limit"`
			Cursor        any    `json:"cursor"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.fail(w, r, badJSONError(), "", "", 0)
			return
		}
		payload, err := s.service.AdminListRequests(r.Context(), body.LineUserID, body.GoogleIDToken, body.Limit, body.Cursor)
		if err != nil {
			s.fail(w, r, err, body.LineUserID, "", 0)
			return
		}
		s.writeSuccess(w, r, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/admingetrequest" {
		var body struct {
			LineUserID    string `json:"lineUserId"`
			GoogleIDToken string `json:"googleIdToken"`
			RequestID     string `json:"requestId"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.fail(w, r, badJSONError(), "", "", 0)
			return
		}
		payload, err := s.service.AdminGetRequest(r.Context(), body.LineUserID, body.GoogleIDToken, body.RequestID)
		if err != nil {
			s.fail(w, r, err, body.LineUserID, body.RequestID, 0)
			return
		}
		s.writeSuccess(w, r, http.StatusOK, payload)
		return
	}

	s.fail(w, r, domainError(http.StatusNotFound, "UNKNOWN_ROUTE", "Unknown route."), "", "", 0)
}

// fail audits the failed request and writes the error envelope.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error, actorID, requestID string, section int) {
	domainErr := asDomainError(err)
	s.service.audit.Log(r.Context(), audit.Entry{
		Action:          "requestFailed",
		ActorID:         strings.TrimSpace(actorID),
		TargetRequestID: strings.TrimSpace(requestID),
		Section:         section,
		ErrorCode:       domainErr.Code,
	})
	s.writeFailure(w, r, domainErr)
}

func badJSONError() *DomainError {
	return badRequest("BAD_JSON", "ข้อมูลไม่ถูกต้อง")
}

// allowOrigin resolves the CORS response origin. An empty allow list means
// any origin; an unlisted or missing origin gets "null".
func (s *HTTPServer) allowOrigin(r *http.Request) string {
	if len(s.allowedOrigins) == 0 {
		return "*"
	}
	origin := normalizeOrigin(r.Header.Get("Origin"))
	if origin == "" {
		return "null"
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == origin {
			return origin
		}
	}
	return "null"
}

func normalizeOrigin(origin string) string {
	return strings.TrimRight(strings.TrimSpace(origin), "/")
}

func (s *HTTPServer) corsInfo(r *http.Request) map[string]any {
	return map[string]any{
		"allowOrigin":  s.allowOrigin(r),
		"allowMethods": allowMethods,
		"allowHeaders": allowHeaders,
	}
}

func (s *HTTPServer) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", s.allowOrigin(r))
	w.Header().Set("Access-Control-Allow-Methods", allowMethods)
	w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
}

func (s *HTTPServer) writeSuccess(w http.ResponseWriter, r *http.Request, status int, payload map[string]any) {
	envelope := map[string]any{
		"ok":        true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"cors":      s.corsInfo(r),
	}
	for k, v := range payload {
		envelope[k] = v
	}
	s.writeJSON(w, r, status, envelope)
}

func (s *HTTPServer) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapError(err)
	s.writeJSON(w, r, status, map[string]any{
		"ok":        false,
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"cors":      s.corsInfo(r),
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	s.setCORSHeaders(w, r)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("response encode failed: %v", err)
	}
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
}

type requestIDKey struct{}

func randomRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withMiddleware attaches the request id, transport facts for the audit
// trail, metrics and the access log line.
func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	logged := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := randomRequestID()

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		ctx = audit.WithRequestMeta(ctx, audit.RequestMeta{
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
			Origin:    r.Header.Get("Origin"),
			Method:    r.Method,
			Path:      r.URL.Path,
		})

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		line, _ := json.Marshal(map[string]any{
			"requestId":  requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     recorder.status,
			"durationMs": time.Since(start).Milliseconds(),
			"ip":         clientIP(r),
		})
		log.Printf("%s", line)
	})
	return obs.Instrument(logged)
}
