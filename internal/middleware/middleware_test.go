package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret   = "secret"
	testIssuer   = "realchat-auth"
	testAudience = "realchat-clients"
)

func signToken(t *testing.T, claims jwt.RegisteredClaims, secret string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func validClaims(sub string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    testIssuer,
		Audience:  jwt.ClaimStrings{testAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func TestJWT(t *testing.T) {
	expired := validClaims("u1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	wrongIssuer := validClaims("u1")
	wrongIssuer.Issuer = "someone-else"

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
		wantUser   string
	}{
		{name: "bearer header", header: "Bearer " + signToken(t, validClaims("u1"), testSecret), wantStatus: http.StatusOK, wantUser: "u1"},
		{name: "query token", query: signToken(t, validClaims("u2"), testSecret), wantStatus: http.StatusOK, wantUser: "u2"},
		{name: "missing", wantStatus: http.StatusUnauthorized},
		{name: "malformed header", header: "Token abc", wantStatus: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + signToken(t, validClaims("u1"), "other"), wantStatus: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + signToken(t, expired, testSecret), wantStatus: http.StatusUnauthorized},
		{name: "wrong issuer", header: "Bearer " + signToken(t, wrongIssuer, testSecret), wantStatus: http.StatusUnauthorized},
		{name: "no subject", header: "Bearer " + signToken(t, validClaims(""), testSecret), wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := JWT(testSecret, testIssuer, testAudience)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = UserID(r.Context())
			}))

			target := "/ws"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantUser, got)
		})
	}
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(10, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	do := func() int {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set("X-Forwarded-For", "192.168.1.100")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := range 10 {
		require.NotEqual(t, http.StatusTooManyRequests, do(), "request %d limited too early", i)
	}
	assert.Equal(t, http.StatusTooManyRequests, do())
}

func TestRecovery(t *testing.T) {
	h := Recovery()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_error")
}

func TestUserID_Empty(t *testing.T) {
	assert.Empty(t, UserID(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
}
