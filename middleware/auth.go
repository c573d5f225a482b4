package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type contextKey string

const (
	// APIKeyContextKey stores the validated API key in request context.
	APIKeyContextKey contextKey = "api_key"
	// UserIDContextKey stores the authenticated caller identity (the validated API key) in request context.
	UserIDContextKey contextKey = "user_id"
	// ViewerTenantContextKey stores the tenant bound to a verified viewer token.
	ViewerTenantContextKey contextKey = "viewer_tenant"
)

// TokenVerifier abstracts viewertoken.Issuer.Verify so this package does
// not need to import viewertoken directly.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// AuthMiddleware validates API keys on incoming requests against a
// configured set of accepted keys. Keys are compared locally,
// constant-time, and the result cached briefly to avoid repeating the
// comparison loop on every request from the same caller.
type AuthMiddleware struct {
	logger    zerolog.Logger
	cache     sync.Map // apiKey -> *cachedAuth
	cacheTTL  time.Duration
	headerKey string
	validKeys []string
}

type cachedAuth struct {
	userID    string
	expiresAt time.Time
}

// NewAuthMiddleware creates a new authentication middleware. validKeys
// is the set of accepted API keys; an empty set rejects every request.
func NewAuthMiddleware(logger zerolog.Logger, headerKey string, validKeys []string) *AuthMiddleware {
	if headerKey == "" {
		headerKey = "Authorization"
	}
	return &AuthMiddleware{
		logger:    logger,
		cacheTTL:  5 * time.Minute,
		headerKey: headerKey,
		validKeys: validKeys,
	}
}

// Handler returns the middleware handler function.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get(am.headerKey)
		if authHeader == "" {
			http.Error(w, `{"error":"missing authentication","message":"Authorization header required"}`, http.StatusUnauthorized)
			return
		}

		apiKey := authHeader
		if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			apiKey = authHeader[7:]
		}
		if apiKey == "" {
			http.Error(w, `{"error":"invalid authentication","message":"API key cannot be empty"}`, http.StatusUnauthorized)
			return
		}

		if cached, ok := am.cache.Load(apiKey); ok {
			ca := cached.(*cachedAuth)
			if time.Now().Before(ca.expiresAt) {
				ctx := context.WithValue(r.Context(), APIKeyContextKey, apiKey)
				ctx = context.WithValue(ctx, UserIDContextKey, ca.userID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			am.cache.Delete(apiKey)
		}

		if !am.isValid(apiKey) {
			am.logger.Warn().Msg("rejected request with unrecognized API key")
			http.Error(w, `{"error":"invalid authentication","message":"unrecognized API key"}`, http.StatusUnauthorized)
			return
		}

		am.CacheValidation(apiKey, apiKey)
		ctx := context.WithValue(r.Context(), APIKeyContextKey, apiKey)
		ctx = context.WithValue(ctx, UserIDContextKey, apiKey)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (am *AuthMiddleware) isValid(apiKey string) bool {
	for _, k := range am.validKeys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(apiKey)) == 1 {
			return true
		}
	}
	return false
}

// CacheValidation stores a validated key in the local cache.
func (am *AuthMiddleware) CacheValidation(apiKey, userID string) {
	am.cache.Store(apiKey, &cachedAuth{
		userID:    userID,
		expiresAt: time.Now().Add(am.cacheTTL),
	})
}

// GetAPIKey extracts the API key from the request context.
func GetAPIKey(ctx context.Context) string {
	if v, ok := ctx.Value(APIKeyContextKey).(string); ok {
		return v
	}
	return ""
}

// GetUserID extracts the authenticated caller identity from the request context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDContextKey).(string); ok {
		return v
	}
	return ""
}

// ViewerTokenMiddleware authenticates the snapshot endpoint (spec §6)
// with an opaque short-lived token binding a tenant, instead of an API
// key — a deliberately lighter-weight credential for read-only,
// client-shareable links.
type ViewerTokenMiddleware struct {
	logger   zerolog.Logger
	verifier TokenVerifier
	param    string // query parameter carrying the token
}

func NewViewerTokenMiddleware(logger zerolog.Logger, verifier TokenVerifier) *ViewerTokenMiddleware {
	return &ViewerTokenMiddleware{logger: logger, verifier: verifier, param: "token"}
}

func (vm *ViewerTokenMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get(vm.param)
		if token == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token = auth[7:]
			}
		}
		if token == "" {
			http.Error(w, `{"error":"missing viewer token"}`, http.StatusUnauthorized)
			return
		}

		tenant, err := vm.verifier.Verify(token)
		if err != nil {
			vm.logger.Warn().Err(err).Msg("rejected invalid or expired viewer token")
			http.Error(w, `{"error":"invalid or expired viewer token"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ViewerTenantContextKey, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetViewerTenant extracts the tenant bound to a verified viewer token.
func GetViewerTenant(ctx context.Context) string {
	if v, ok := ctx.Value(ViewerTenantContextKey).(string); ok {
		return v
	}
	return ""
}
