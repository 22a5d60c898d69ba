package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/copilot-chat/pkg/logger"
)

func signed(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestAuth(t *testing.T) {
	valid := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "host-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		WindowID: "win-9",
		Scopes:   []string{ScopePush},
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "missing", header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", status: http.StatusUnauthorized},
		{name: "bad signature", header: "Bearer " + signed(t, "other", valid), status: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + signed(t, "secret", expired), status: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + signed(t, "secret", valid), status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var host, window string
			var push bool
			h := Auth("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				host = GetHostID(r.Context())
				window = GetWindowID(r.Context())
				push = HasScope(r.Context(), ScopePush)
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "host-1", host)
				assert.Equal(t, "win-9", window)
				assert.True(t, push)
			}
		})
	}
}

func TestRequireScope(t *testing.T) {
	h := Auth("secret")(RequireScope(ScopeControl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed(t, "secret", Claims{Scopes: []string{ScopePush}}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLoggingSetsCorrelationID(t *testing.T) {
	var seen string
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Correlation-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "given")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "given", seen)
}

func TestRateLimitByWindow(t *testing.T) {
	h := Auth("secret")(RateLimit(1, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	send := func(window string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signed(t, "secret", Claims{WindowID: window}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("a"))
	assert.Equal(t, http.StatusTooManyRequests, send("a"))
	assert.Equal(t, http.StatusOK, send("b"))
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestValidation(t *testing.T) {
	assert.NoError(t, ValidateQuestion("hello"))
	assert.Error(t, ValidateQuestion(" \n"))
	assert.Error(t, ValidateQuestion(strings.Repeat("a", maxQuestionLength+1)))

	assert.NoError(t, ValidateConversationID("65f0c2e1a9"))
	assert.Error(t, ValidateConversationID(""))
	assert.Error(t, ValidateConversationID("has space"))
	assert.Error(t, ValidateConversationID(strings.Repeat("x", maxIDLength+1)))

	assert.NoError(t, ValidateAssistantID("app-1"))
	assert.Error(t, ValidateAssistantID("\t"))

	assert.NoError(t, ValidateMessageType("COPILOT_CONTEXT"))
	assert.Error(t, ValidateMessageType(""))
	assert.Error(t, ValidateMessageType("copilot_context"))

	assert.NoError(t, ValidateFileName("report.pdf"))
	assert.Error(t, ValidateFileName("../etc/passwd"))
	assert.Error(t, ValidateFileName(" "))
}
