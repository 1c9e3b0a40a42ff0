// Package claims implements the gateway-side boundary of authentication:
// verifying a bearer JWT and extracting the caller's identity. The issuing
// auth service itself is out of scope (spec §1) — fleetgate only consumes
// a verify-and-extract-claims capability, following the shape of the
// teacher's internal/auth.AuthMiddleware without its Keycloak/OIDC
// discovery machinery.
package claims

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"fleetgate/internal/fleeterr"
)

// Tier is the caller's subscription tier, gating AdmissionController limits.
type Tier string

const (
	TierBasic Tier = "basic"
	TierPro   Tier = "pro"
	TierAdmin Tier = "admin"
)

// Scope is a named capability a Claim may carry.
type Scope string

const (
	ScopeAdmin          Scope = "admin"
	ScopeProject        Scope = "project"
	ScopeProjectWrite   Scope = "project:write"
	ScopeDeployment     Scope = "deployment"
	ScopeLogs           Scope = "logs"
	ScopeResources      Scope = "resources"
)

// Claim is the verified caller identity carried on the request context.
// It is never persisted by the core.
type Claim struct {
	Account string
	Tier    Tier
	Scopes  map[Scope]struct{}
}

// Has reports whether the claim carries the given scope.
func (c Claim) Has(s Scope) bool {
	if c.Scopes == nil {
		return false
	}
	_, ok := c.Scopes[s]
	return ok
}

type contextKey string

const claimKey contextKey = "claim"

// WithClaim stores a Claim on the context.
func WithClaim(ctx context.Context, c Claim) context.Context {
	return context.WithValue(ctx, claimKey, c)
}

// FromContext extracts the Claim stashed by the auth middleware.
func FromContext(ctx context.Context) (Claim, bool) {
	c, ok := ctx.Value(claimKey).(Claim)
	return c, ok
}

// Verifier verifies a bearer token and extracts claims from it. Production
// deployments back this with the platform's auth service; tests back it
// with a fixed-key HMAC verifier below.
type Verifier interface {
	Verify(ctx context.Context, token string) (Claim, error)
}

// JWTVerifier verifies HMAC-signed (HS256/HS384/HS512) JWTs issued by the
// external auth service (tokens signed with any other method, RSA
// included, are rejected), extracting the account name, tier, and scope list from custom
// claims.
type JWTVerifier struct {
	keyFunc jwt.Keyfunc
}

// NewJWTVerifier builds a Verifier around a fixed signing key, mirroring
// the bearer-token extraction in the teacher's AuthMiddleware.Handler.
func NewJWTVerifier(hmacSecret []byte) *JWTVerifier {
	return &JWTVerifier{
		keyFunc: func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return hmacSecret, nil
		},
	}
}

type tokenClaims struct {
	Account string   `json:"account"`
	Tier    string   `json:"tier"`
	Scopes  []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (Claim, error) {
	var tc tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &tc, v.keyFunc)
	if err != nil || !token.Valid {
		return Claim{}, fleeterr.Wrap(fleeterr.KindUnauthorized, "invalid or expired token", err)
	}

	scopes := make(map[Scope]struct{}, len(tc.Scopes))
	for _, s := range tc.Scopes {
		scopes[Scope(s)] = struct{}{}
	}

	tier := Tier(tc.Tier)
	if tier == "" {
		tier = TierBasic
	}

	return Claim{Account: tc.Account, Tier: tier, Scopes: scopes}, nil
}

// ExtractBearerToken pulls the token out of "Bearer <token>".
func ExtractBearerToken(authHeader string) string {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// Middleware authenticates every request with the Verifier, storing the
// resulting Claim on the request context. Unlike the teacher's optional
// Keycloak bypass (used only for its GraphQL playground), fleetgate's
// gateway API always requires a bearer token.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeUnauthorized(w, "missing Authorization header")
				return
			}

			token := ExtractBearerToken(authHeader)
			if token == "" {
				writeUnauthorized(w, "invalid Authorization header format (expected: Bearer <token>)")
				return
			}

			claim, err := v.Verify(r.Context(), token)
			if err != nil {
				writeUnauthorized(w, "invalid or expired token")
				return
			}

			r = r.WithContext(WithClaim(r.Context(), claim))
			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"code":"Unauthorized","message":%q}`, message)
}

// RequireScope builds middleware rejecting requests whose Claim carries
// neither s nor ScopeAdmin (an admin claim passes every scope check).
func RequireScope(s Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claim, ok := FromContext(r.Context())
			if !ok || (!claim.Has(s) && !claim.Has(ScopeAdmin)) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				fmt.Fprintf(w, `{"code":"Forbidden","message":"missing scope %s"}`, s)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminSecretLayer gates admin routes behind a shared secret header,
// independent of (and in addition to) scope checks, per spec §6.
func AdminSecretLayer(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" || r.Header.Get("X-Admin-Secret") != secret {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				fmt.Fprint(w, `{"code":"Forbidden","message":"invalid admin secret"}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
