package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/upb/authgate/internal/observability"
	"github.com/upb/authgate/token"
	"github.com/upb/authgate/utils"
	"go.uber.org/zap"
)

// TokenValidator defines the interface for validating bearer tokens
type TokenValidator interface {
	// Validate verifies a raw token and returns the authenticated principal
	Validate(ctx context.Context, raw string) (*token.Principal, error)
}

// OutcomeAuthorized is the metrics outcome for accepted requests
const OutcomeAuthorized = "authorized"

// AuthMiddleware is the authorization gate in front of protected handlers
type AuthMiddleware struct {
	validator TokenValidator
	realm     string
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewAuthMiddleware creates a new AuthMiddleware. realm is advertised in
// WWW-Authenticate challenges; metrics may be nil.
func NewAuthMiddleware(validator TokenValidator, realm string, logger *zap.Logger, metrics *observability.Metrics) *AuthMiddleware {
	return &AuthMiddleware{
		validator: validator,
		realm:     realm,
		logger:    logger,
		metrics:   metrics,
	}
}

// Authorize extracts the bearer token from r and validates it.
// Every failure is a *token.Rejection.
func (m *AuthMiddleware) Authorize(r *http.Request) (*token.Principal, error) {
	raw, ok := extractBearerToken(r)
	if !ok {
		return nil, token.Reject(token.ReasonNoCredential, nil)
	}

	principal, err := m.validator.Validate(r.Context(), raw)
	if err != nil {
		var rej *token.Rejection
		if errors.As(err, &rej) {
			return nil, err
		}
		return nil, token.Reject(token.ReasonMalformed, err)
	}
	return principal, nil
}

// RequireAuth is a middleware that requires a valid bearer token. Rejected
// requests get a 401 with a generic body and never reach next.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := chimw.GetReqID(ctx)

		principal, err := m.Authorize(r)
		if err != nil {
			reason := token.ReasonOf(err)
			m.metrics.RecordAuthorization(string(reason))
			m.logger.Warn("request rejected",
				zap.String("request_id", requestID),
				zap.String("reason", string(reason)),
				zap.String("path", r.URL.Path),
				zap.Error(err))

			w.Header().Set("WWW-Authenticate", m.challenge(reason))
			_ = utils.WriteUnauthorized(w, "")
			return
		}

		m.metrics.RecordAuthorization(OutcomeAuthorized)
		m.logger.Debug("authentication successful",
			zap.String("request_id", requestID),
			zap.String("sub", principal.Subject))

		next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, principal)))
	})
}

// RequireRole is a middleware that requires a realm role. It must run after
// RequireAuth.
func (m *AuthMiddleware) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := chimw.GetReqID(ctx)

			principal := PrincipalFromContext(ctx)
			if principal == nil {
				m.logger.Error("principal not found in context",
					zap.String("request_id", requestID))
				w.Header().Set("WWW-Authenticate", m.challenge(token.ReasonNoCredential))
				_ = utils.WriteUnauthorized(w, "")
				return
			}

			if !principal.HasRole(role) {
				m.logger.Warn("insufficient permissions",
					zap.String("request_id", requestID),
					zap.String("sub", principal.Subject),
					zap.String("required_role", role),
					zap.Strings("roles", principal.Roles()))
				_ = utils.WriteForbidden(w, "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// challenge builds the WWW-Authenticate value. Only a missing credential is
// distinguished from an invalid one (RFC 6750 section 3.1).
func (m *AuthMiddleware) challenge(reason token.Reason) string {
	var b strings.Builder
	b.WriteString("Bearer")
	if m.realm != "" {
		b.WriteString(` realm="` + m.realm + `"`)
		if reason != token.ReasonNoCredential {
			b.WriteString(",")
		}
	}
	if reason != token.ReasonNoCredential {
		b.WriteString(` error="invalid_token"`)
	}
	return b.String()
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// It reports false when the header is absent, uses another scheme, or
// carries an empty credential.
func extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	scheme, credential, _ := strings.Cut(authHeader, " ")
	if !strings.EqualFold(scheme, "bearer") {
		return "", false
	}

	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", false
	}
	return credential, true
}
