package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/authgate/internal/observability"
	"github.com/upb/authgate/token"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testRealm = "https://localhost:8443/realms/myrealm"

// MockTokenValidator is a mock implementation of TokenValidator
type MockTokenValidator struct {
	mock.Mock
}

func (m *MockTokenValidator) Validate(ctx context.Context, raw string) (*token.Principal, error) {
	args := m.Called(ctx, raw)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*token.Principal), args.Error(1)
}

func testPrincipal(roles ...interface{}) *token.Principal {
	return &token.Principal{
		Subject: "user-123",
		Claims: map[string]interface{}{
			"sub":          "user-123",
			"realm_access": map[string]interface{}{"roles": roles},
		},
	}
}

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuth(t *testing.T) {
	logger := zap.NewNop()

	t.Run("valid bearer token allows request", func(t *testing.T) {
		mockValidator := new(MockTokenValidator)
		middleware := NewAuthMiddleware(mockValidator, testRealm, logger, nil)

		principal := testPrincipal()
		mockValidator.On("Validate", mock.Anything, "valid-token").Return(principal, nil)

		handler := middleware.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			extracted := PrincipalFromContext(r.Context())
			require.NotNil(t, extracted)
			assert.Equal(t, "user-123", extracted.Subject)
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/api/authenticate", nil)
		req.Header.Set("Authorization", "Bearer valid-token")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("WWW-Authenticate"))
		mockValidator.AssertExpectations(t)
	})

	t.Run("scheme is case insensitive", func(t *testing.T) {
		mockValidator := new(MockTokenValidator)
		middleware := NewAuthMiddleware(mockValidator, testRealm, logger, nil)
		mockValidator.On("Validate", mock.Anything, "valid-token").Return(testPrincipal(), nil)

		var called bool
		req := httptest.NewRequest(http.MethodGet, "/api/authenticate", nil)
		req.Header.Set("Authorization", "bEaReR valid-token")
		w := httptest.NewRecorder()

		middleware.RequireAuth(okHandler(&called)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, called)
	})

	tests := []struct {
		name          string
		authorization string
		validatorErr  error
		wantReason    token.Reason
		wantChallenge string
	}{
		{
			name:          "missing header",
			wantReason:    token.ReasonNoCredential,
			wantChallenge: `Bearer realm="` + testRealm + `"`,
		},
		{
			name:          "basic scheme",
			authorization: "Basic dXNlcjpwYXNz",
			wantReason:    token.ReasonNoCredential,
			wantChallenge: `Bearer realm="` + testRealm + `"`,
		},
		{
			name:          "empty bearer",
			authorization: "Bearer    ",
			wantReason:    token.ReasonNoCredential,
			wantChallenge: `Bearer realm="` + testRealm + `"`,
		},
		{
			name:          "scheme only",
			authorization: "Bearer",
			wantReason:    token.ReasonNoCredential,
			wantChallenge: `Bearer realm="` + testRealm + `"`,
		},
		{
			name:          "expired token",
			authorization: "Bearer expired-token",
			validatorErr:  token.Reject(token.ReasonExpired, errors.New("expired")),
			wantReason:    token.ReasonExpired,
			wantChallenge: `Bearer realm="` + testRealm + `", error="invalid_token"`,
		},
		{
			name:          "resolver failure",
			authorization: "Bearer some-token",
			validatorErr:  token.Reject(token.ReasonKeyResolutionFailed, context.DeadlineExceeded),
			wantReason:    token.ReasonKeyResolutionFailed,
			wantChallenge: `Bearer realm="` + testRealm + `", error="invalid_token"`,
		},
		{
			name:          "unclassified validator error",
			authorization: "Bearer some-token",
			validatorErr:  errors.New("boom"),
			wantReason:    token.ReasonMalformed,
			wantChallenge: `Bearer realm="` + testRealm + `", error="invalid_token"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockValidator := new(MockTokenValidator)
			if tt.validatorErr != nil {
				mockValidator.On("Validate", mock.Anything, mock.Anything).Return(nil, tt.validatorErr)
			}

			core, logs := observer.New(zapcore.WarnLevel)
			reg := prometheus.NewRegistry()
			metrics := observability.NewMetrics(reg)
			middleware := NewAuthMiddleware(mockValidator, testRealm, zap.New(core), metrics)

			var called bool
			req := httptest.NewRequest(http.MethodGet, "/api/authenticate", nil)
			if tt.authorization != "" {
				req.Header.Set("Authorization", tt.authorization)
			}
			w := httptest.NewRecorder()

			middleware.RequireAuth(okHandler(&called)).ServeHTTP(w, req)

			assert.False(t, called, "handler must not run for rejected requests")
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, tt.wantChallenge, w.Header().Get("WWW-Authenticate"))

			// Body is generic; the reason only reaches logs and metrics
			var body map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, "unauthorized", body["error"])
			assert.Equal(t, "Authentication required", body["message"])
			assert.NotContains(t, w.Body.String(), string(tt.wantReason))

			entries := logs.FilterMessage("request rejected").All()
			require.Len(t, entries, 1)
			assert.Equal(t, string(tt.wantReason), entries[0].ContextMap()["reason"])

			count, err := testutil.GatherAndCount(reg, "authgate_authorizations_total")
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			if tt.validatorErr == nil {
				mockValidator.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestAuthorize(t *testing.T) {
	mockValidator := new(MockTokenValidator)
	middleware := NewAuthMiddleware(mockValidator, "", zap.NewNop(), nil)

	rejection := token.Reject(token.ReasonAudienceMismatch, errors.New(`got ["account"]`))
	mockValidator.On("Validate", mock.Anything, "wrong-aud").Return(nil, rejection)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer wrong-aud")

	principal, err := middleware.Authorize(req)
	assert.Nil(t, principal)
	assert.ErrorIs(t, err, token.ErrAudienceMismatch)
	assert.Same(t, rejection, err)

	t.Run("challenge without realm", func(t *testing.T) {
		assert.Equal(t, "Bearer", middleware.challenge(token.ReasonNoCredential))
		assert.Equal(t, `Bearer error="invalid_token"`, middleware.challenge(token.ReasonBadSignature))
	})
}

func TestRequireRole(t *testing.T) {
	logger := zap.NewNop()
	middleware := NewAuthMiddleware(new(MockTokenValidator), testRealm, logger, nil)

	tests := []struct {
		name          string
		principal     *token.Principal
		wantStatus    int
		wantCalled    bool
		wantChallenge string
	}{
		{"has role", testPrincipal("user", "admin"), http.StatusOK, true, ""},
		{"missing role", testPrincipal("user"), http.StatusForbidden, false, ""},
		{"no roles claim", &token.Principal{Subject: "svc", Claims: map[string]interface{}{}}, http.StatusForbidden, false, ""},
		{"no principal", nil, http.StatusUnauthorized, false, `Bearer realm="` + testRealm + `"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var called bool
			req := httptest.NewRequest(http.MethodGet, "/api/admin/keys", nil)
			if tt.principal != nil {
				req = req.WithContext(WithPrincipal(req.Context(), tt.principal))
			}
			w := httptest.NewRecorder()

			middleware.RequireRole("admin")(okHandler(&called)).ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCalled, called)
			assert.Equal(t, tt.wantChallenge, w.Header().Get("WWW-Authenticate"))
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		wantOK bool
	}{
		{"valid bearer token", "Bearer abc.def.ghi", "abc.def.ghi", true},
		{"lowercase scheme", "bearer abc", "abc", true},
		{"surrounding spaces", "Bearer   abc  ", "abc", true},
		{"no header", "", "", false},
		{"wrong scheme", "Token abc", "", false},
		{"scheme only", "Bearer", "", false},
		{"empty credential", "Bearer ", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			got, ok := extractBearerToken(req)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrincipalContext(t *testing.T) {
	assert.Nil(t, PrincipalFromContext(context.Background()))

	ctx := context.WithValue(context.Background(), PrincipalKey, "not a principal")
	assert.Nil(t, PrincipalFromContext(ctx))

	p := testPrincipal()
	assert.Same(t, p, PrincipalFromContext(WithPrincipal(context.Background(), p)))
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	handler := chimw.RequestID(RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "GET", fields["method"])
	assert.Equal(t, "/healthz", fields["path"])
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
	assert.EqualValues(t, len("short and stout"), fields["bytes"])
	assert.NotEmpty(t, fields["request_id"])
}
