package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionCookieName    = "wiki_session"
	testSessionUserID        = "user-123"
)

func signTestToken(t *testing.T, claims SessionClaims, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims(now time.Time) SessionClaims {
	return SessionClaims{
		UserID: testSessionUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func newTestValidator(t *testing.T, now time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
		Clock: func() time.Time {
			return now
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	claims, err := validator.ValidateToken(signTestToken(t, validClaims(clockNow), testSessionSigningSecret))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestSessionValidatorFallsBackToSubject(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)
	claims := validClaims(clockNow)
	claims.UserID = ""

	parsed, err := validator.ValidateToken(signTestToken(t, claims, testSessionSigningSecret))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if parsed.UserID != testSessionUserID {
		t.Fatalf("expected subject fallback, got %q", parsed.UserID)
	}
}

func TestSessionValidatorRejectsBadTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	expired := validClaims(clockNow)
	expired.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Hour))
	foreignIssuer := validClaims(clockNow)
	foreignIssuer.Issuer = "someone-else"
	anonymous := validClaims(clockNow)
	anonymous.UserID = ""
	anonymous.Subject = ""

	testCases := []struct {
		name  string
		token string
		want  error
	}{
		{name: "empty", token: "  ", want: ErrMissingSessionToken},
		{name: "expired", token: signTestToken(t, expired, testSessionSigningSecret), want: ErrExpiredSessionToken},
		{name: "wrong secret", token: signTestToken(t, validClaims(clockNow), "other"), want: ErrInvalidSessionToken},
		{name: "foreign issuer", token: signTestToken(t, foreignIssuer, testSessionSigningSecret), want: ErrInvalidSessionToken},
		{name: "no subject", token: signTestToken(t, anonymous, testSessionSigningSecret), want: ErrMissingSessionSubject},
		{name: "garbage", token: "a.b.c", want: ErrInvalidSessionToken},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := validator.ValidateToken(testCase.token); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestSessionValidatorValidateRequestSources(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)
	signed := signTestToken(t, validClaims(clockNow), testSessionSigningSecret)

	testCases := []struct {
		name    string
		prepare func(*http.Request)
	}{
		{name: "bearer header", prepare: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+signed) }},
		{name: "lowercase bearer", prepare: func(r *http.Request) { r.Header.Set("Authorization", "bearer "+signed) }},
		{name: "query", prepare: func(r *http.Request) {
			query := r.URL.Query()
			query.Set(accessTokenQueryKey, signed)
			r.URL.RawQuery = query.Encode()
		}},
		{name: "cookie", prepare: func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: signed})
		}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "/pages/page-1/history", http.NoBody)
			testCase.prepare(request)
			claims, err := validator.ValidateRequest(request)
			if err != nil {
				t.Fatalf("validation failed: %v", err)
			}
			if claims.UserID != testSessionUserID {
				t.Fatalf("unexpected user id: %s", claims.UserID)
			}
		})
	}

	request := httptest.NewRequest(http.MethodGet, "/pages/page-1/history", http.NoBody)
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestNewSessionValidatorRequiresSecretAndCookie(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{CookieName: "c"}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if _, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("s")}); !errors.Is(err, ErrMissingSessionCookieName) {
		t.Fatalf("expected missing cookie error, got %v", err)
	}
}
