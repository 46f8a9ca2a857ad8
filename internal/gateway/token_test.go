package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewDeviceToken(t *testing.T) {
	raw1, hash1, err := newDeviceToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	raw2, hash2, err := newDeviceToken()
	if err != nil {
		t.Fatalf("generate second: %v", err)
	}

	if !strings.HasPrefix(raw1, "owdev_") {
		t.Errorf("token = %q, want owdev_ prefix", raw1)
	}
	if raw1 == raw2 || hash1 == hash2 {
		t.Error("two tokens came out identical")
	}
	if raw1 == hash1 {
		t.Error("hash equals the raw token")
	}
}

func TestTokenMatches(t *testing.T) {
	raw, hash, err := newDeviceToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if !tokenMatches(hash, raw) {
		t.Error("valid token rejected")
	}
	if tokenMatches(hash, raw+"x") {
		t.Error("tampered token accepted")
	}
	if tokenMatches(hash, "") {
		t.Error("empty token accepted")
	}
}

func TestJWTRoundTrip(t *testing.T) {
	svc := NewJWTService("secret", time.Minute)

	token, expiresAt, err := svc.Generate("gateway-admin")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Errorf("expiresAt = %v already past", expiresAt)
	}

	subject, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if subject != "gateway-admin" {
		t.Errorf("subject = %q", subject)
	}
}

func TestJWTRejections(t *testing.T) {
	svc := NewJWTService("secret", time.Minute)
	token, _, err := svc.Generate("admin")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := NewJWTService("other-secret", time.Minute).Validate(token); err != ErrInvalidToken {
		t.Errorf("wrong secret err = %v, want ErrInvalidToken", err)
	}
	if _, err := svc.Validate("garbage"); err != ErrInvalidToken {
		t.Errorf("garbage err = %v, want ErrInvalidToken", err)
	}

	expired := NewJWTService("secret", -time.Minute)
	token, _, err = expired.Generate("admin")
	if err != nil {
		t.Fatalf("generate expired: %v", err)
	}
	if _, err := expired.Validate(token); err != ErrInvalidToken {
		t.Errorf("expired err = %v, want ErrInvalidToken", err)
	}
}

func TestHashRequestStability(t *testing.T) {
	a := hashRequest(http.MethodPost, "/command/tool", []byte(`{"x":1}`))
	b := hashRequest(http.MethodPost, "/command/tool", []byte(`{"x":1}`))
	c := hashRequest(http.MethodPost, "/command/tool", []byte(`{"x":2}`))
	d := hashRequest(http.MethodPost, "/command/system", []byte(`{"x":1}`))

	if a != b {
		t.Error("identical requests hashed differently")
	}
	if a == c {
		t.Error("different bodies hashed the same")
	}
	if a == d {
		t.Error("different paths hashed the same")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"plain", "10.0.0.5:4431", "", "10.0.0.5"},
		{"forwarded single", "127.0.0.1:80", "203.0.113.9", "203.0.113.9"},
		{"forwarded chain", "127.0.0.1:80", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"no port", "10.0.0.5", "", "10.0.0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShouldAudit(t *testing.T) {
	tests := []struct {
		method string
		path   string
		status int
		want   bool
	}{
		{http.MethodPost, "/admin/approve", 200, true},
		{http.MethodPost, "/command/tool", 200, true},
		{http.MethodPost, "/pair/request", 200, true},
		{http.MethodGet, "/events/poll", 200, false},
		{http.MethodGet, "/events/poll", 401, true},
		{http.MethodGet, "/healthz", 200, false},
		{http.MethodPost, "/command/tool", 403, true},
	}
	for _, tt := range tests {
		if got := shouldAudit(tt.method, tt.path, tt.status); got != tt.want {
			t.Errorf("shouldAudit(%s %s %d) = %v, want %v", tt.method, tt.path, tt.status, got, tt.want)
		}
	}
}

func TestResponseWriterCapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusTeapot)
	rw.WriteHeader(http.StatusOK) // second call must not overwrite
	rw.Write([]byte("x"))

	if rw.status != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rw.status, http.StatusTeapot)
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("recorded code = %d, want %d", rec.Code, http.StatusTeapot)
	}
}
