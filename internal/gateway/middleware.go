package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/owliabot/owlia/pkg/models"
)

type contextKey string

const (
	deviceContextKey    contextKey = "gateway.device"
	requestIDContextKey contextKey = "gateway.request_id"
)

// maxBodyBytes caps request bodies read for idempotency hashing and
// handler decoding.
const maxBodyBytes = 1 << 20

func deviceFrom(ctx context.Context) *models.Device {
	d, _ := ctx.Value(deviceContextKey).(*models.Device)
	return d
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

// chain applies middleware left to right: the first wraps outermost.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// recordingWriter additionally buffers the body so the idempotency layer
// can store it for replay.
type recordingWriter struct {
	responseWriter
	body bytes.Buffer
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.responseWriter.Write(b)
}

// loggingMiddleware assigns a request id, logs the request, records
// metrics, and writes the gateway audit row for mutating routes.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDContextKey, requestID)
		w.Header().Set("X-Request-Id", requestID)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		duration := time.Since(start)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", duration,
			"remote_addr", r.RemoteAddr,
		)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, fmt.Sprintf("%d", wrapped.status), duration.Seconds())
		}
		if shouldAudit(r.Method, r.URL.Path, wrapped.status) {
			s.audit(ctx, r, wrapped.status)
		}
	})
}

// shouldAudit keeps the audit table to mutations and denials; successful
// polls arrive every few seconds per device and would drown it.
func shouldAudit(method, path string, status int) bool {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return true
	}
	if method == http.MethodGet {
		return false
	}
	return strings.HasPrefix(path, "/pair") ||
		strings.HasPrefix(path, "/admin") ||
		strings.HasPrefix(path, "/command") ||
		strings.HasPrefix(path, "/mcp")
}

func (s *Server) audit(ctx context.Context, r *http.Request, status int) {
	actor := "anonymous"
	deviceID := r.Header.Get("X-Device-Id")
	switch {
	case deviceID != "":
		actor = "device:" + deviceID
	case r.Header.Get("X-Gateway-Token") != "" || r.Header.Get("Authorization") != "" || r.Header.Get("X-API-Key") != "":
		actor = "admin"
	}
	result := "ok"
	level := "info"
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		result = "denied"
		level = "warn"
	case status >= 500:
		result = "error"
		level = "error"
	case status >= 400:
		result = "rejected"
		level = "warn"
	}
	var traceID string
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	row := AuditRow{
		ActorID:   actor,
		DeviceID:  deviceID,
		Route:     r.Method + " " + r.URL.Path,
		IP:        clientIP(r),
		RequestID: requestIDFrom(ctx),
		TraceID:   traceID,
		Action:    r.Method,
		Level:     level,
		Result:    result,
		Metadata:  map[string]any{"status": status},
	}
	if err := s.store.AppendAudit(ctx, row); err != nil {
		s.logger.Warn("audit append failed", "route", row.Route, "err", err)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimit denies requests past max per window for the bucket derived
// from the request. Denials carry Retry-After in seconds.
func (s *Server) rateLimit(name string, max int, window time.Duration, key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bucket := name + ":" + key(r)
			allowed, resetAt, err := s.store.AllowRate(r.Context(), bucket, max, window)
			if err != nil {
				s.logger.Error("rate limit check failed", "bucket", bucket, "err", err)
				writeErr(w, http.StatusInternalServerError, ErrCodeInternal, "rate limit unavailable")
				return
			}
			if !allowed {
				retryAfter := int64(time.Until(resetAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				writeErr(w, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func keyByIP(r *http.Request) string { return clientIP(r) }

// keyByDevice buckets on the claimed device id; auth has not run yet at
// this point in the chain, so an unpaired id still burns its own bucket.
func keyByDevice(r *http.Request) string {
	if id := r.Header.Get("X-Device-Id"); id != "" {
		return id
	}
	return clientIP(r)
}

// idempotencyMiddleware replays the stored response for a repeated
// Idempotency-Key byte for byte. The same key with a different request is
// a conflict.
func (s *Server) idempotencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeErr(w, http.StatusBadRequest, ErrCodeBadRequest, "unreadable request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		requestHash := hashRequest(r.Method, r.URL.Path, body)

		rec, err := s.store.LookupIdempotency(r.Context(), key)
		if err != nil {
			s.logger.Error("idempotency lookup failed", "key", key, "err", err)
			writeErr(w, http.StatusInternalServerError, ErrCodeInternal, "idempotency store unavailable")
			return
		}
		if rec != nil {
			if rec.RequestHash != requestHash {
				writeErr(w, http.StatusConflict, ErrCodeIdempotencyMismatch, "idempotency key reused with a different request")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(rec.Status)
			io.WriteString(w, rec.Body)
			return
		}

		recorder := &recordingWriter{responseWriter: responseWriter{ResponseWriter: w, status: http.StatusOK}}
		next.ServeHTTP(recorder, r)

		// Rate-limit denials and server errors stay retryable; pinning
		// them would replay the failure for the whole TTL.
		if recorder.status == http.StatusTooManyRequests || recorder.status >= 500 {
			return
		}
		if err := s.store.SaveIdempotency(r.Context(), key, requestHash, recorder.status, recorder.body.Bytes(), s.cfg.IdempotencyTTL); err != nil {
			s.logger.Warn("idempotency save failed", "key", key, "err", err)
		}
	})
}

func hashRequest(method, path string, body []byte) string {
	h := sha256.New()
	io.WriteString(h, method)
	io.WriteString(h, "\n")
	io.WriteString(h, path)
	io.WriteString(h, "\n")
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// deviceAuth authenticates X-Device-Id plus X-Device-Token and stores the
// device on the request context. Missing, wrong, and revoked all look the
// same from outside.
func (s *Server) deviceAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.Header.Get("X-Device-Id")
		token := r.Header.Get("X-Device-Token")
		if deviceID == "" || token == "" {
			writeErr(w, http.StatusUnauthorized, ErrCodeUnauthorized, "device credentials required")
			return
		}
		device, err := s.store.Authenticate(r.Context(), deviceID, token)
		if err != nil {
			s.logger.Warn("device auth failed", "device", deviceID, "err", err)
			writeErr(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid device credentials")
			return
		}
		ctx := context.WithValue(r.Context(), deviceContextKey, device)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminAuth admits the static gateway token, a JWT minted from it, or a
// stored API key.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authorizeAdmin(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeErr(w, http.StatusUnauthorized, ErrCodeUnauthorized, "admin credentials required")
	})
}

func (s *Server) authorizeAdmin(r *http.Request) bool {
	if token := r.Header.Get("X-Gateway-Token"); token != "" && s.cfg.AdminToken != "" {
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) == 1 {
			return true
		}
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		if _, err := s.jwt.Validate(strings.TrimSpace(auth[7:])); err == nil {
			return true
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		ok, err := s.store.ValidateAPIKey(r.Context(), key)
		if err != nil {
			s.logger.Error("api key validation failed", "err", err)
			return false
		}
		return ok
	}
	return false
}

// recordGatewayEvent is a small indirection so handlers can count actions
// without nil checks everywhere.
func (s *Server) recordGatewayEvent(action string) {
	if s.metrics != nil {
		s.metrics.RecordGatewayEvent(action)
	}
}
