package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"bountyhub/internal/config"
	"bountyhub/internal/domain"
	"bountyhub/internal/engine/auth"
	"bountyhub/internal/repo"
	"bountyhub/internal/slogx"
)

const (
	APIKeyHeader  = "X-Api-Key"
	DevUserHeader = "X-User-Id"
)

type AuthConfig struct {
	JWTSecret       string
	APIKeys         []config.APIKey
	AllowDevHeaders bool
	Logger          *slog.Logger
}

// Principal is the authenticated caller. Exactly one of User and
// Integration is set.
type Principal struct {
	User        *domain.User
	Integration string
	Source      string
}

// Actor converts the principal into the identity commands run under.
func (p Principal) Actor() auth.Actor {
	if p.User == nil {
		return auth.System()
	}
	return auth.NewActor(p.User.ID, p.User.Role)
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func errUnauthenticated() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "unauthenticated", "authentication required", nil)
}

// userActor returns the calling user. Integration keys cannot act as users.
func userActor(ctx context.Context) (auth.Actor, error) {
	p, ok := principalFromContext(ctx)
	if !ok {
		return auth.Actor{}, errUnauthenticated()
	}
	if p.User == nil {
		return auth.Actor{}, newAPIError(http.StatusForbidden, "forbidden", "integration keys cannot call this endpoint", map[string]any{"reason": "user_required"})
	}
	return p.Actor(), nil
}

func requireIntegration(ctx context.Context) error {
	p, ok := principalFromContext(ctx)
	if !ok {
		return errUnauthenticated()
	}
	if p.Integration == "" {
		return newAPIError(http.StatusForbidden, "forbidden", "endpoint requires an integration key", map[string]any{"reason": "integration_only"})
	}
	return nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// IssueToken signs an HS256 token for userID.
func IssueToken(secret, userID string, role domain.Role, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "bountyhub",
		},
		Role: string(role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseJWT(token, secret string) (*jwtClaims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("subject claim required")
	}
	return claims, nil
}

// HashAPIKey returns the hex sha256 stored in config for key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func matchAPIKey(keys []config.APIKey, presented string) (string, bool) {
	hash := []byte(HashAPIKey(presented))
	for _, k := range keys {
		if subtle.ConstantTimeCompare(hash, []byte(strings.ToLower(k.SHA256))) == 1 {
			return k.Name, true
		}
	}
	return "", false
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func isPublicPath(basePath, p string) bool {
	switch p {
	case path.Join(basePath, "health"),
		path.Join(basePath, "docs"),
		path.Join(basePath, "openapi.json"),
		path.Join(basePath, "payments/connect-account/webhook"):
		return true
	}
	return false
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	invalid := func(w http.ResponseWriter) {
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthenticated", "invalid credentials", nil))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || isPublicPath(basePath, req.URL.Path) {
				next.ServeHTTP(w, req)
				return
			}
			ctx := req.Context()
			log := slogx.FromContext(ctx, cfg.logger())

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKey := strings.TrimSpace(req.Header.Get(APIKeyHeader))
			devUser := strings.TrimSpace(req.Header.Get(DevUserHeader))

			var userID, source string
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					invalid(w)
					return
				}
				claims, err := parseJWT(token, cfg.JWTSecret)
				if err != nil {
					log.DebugContext(ctx, "jwt rejected", "err", err)
					invalid(w)
					return
				}
				userID, source = claims.Subject, "jwt"
			case apiKey != "":
				name, ok := matchAPIKey(cfg.APIKeys, apiKey)
				if !ok {
					invalid(w)
					return
				}
				p := Principal{Integration: name, Source: "api_key"}
				next.ServeHTTP(w, req.WithContext(withPrincipal(ctx, p)))
				return
			case devUser != "" && cfg.AllowDevHeaders:
				log.WarnContext(ctx, "using unauthenticated dev header", "header", DevUserHeader, "user_id", devUser)
				userID, source = devUser, "dev_header"
			default:
				respondStatusError(w, errUnauthenticated())
				return
			}

			u, err := r.GetUser(ctx, userID)
			if errors.Is(err, repo.ErrNotFound) {
				log.InfoContext(ctx, "unknown user in credentials", "user_id", userID, "source", source)
				invalid(w)
				return
			}
			if err != nil {
				log.ErrorContext(ctx, "load principal failed", "err", err)
				respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "dependency_unavailable", "storage unavailable", map[string]any{"reason": "storage"}))
				return
			}
			ctx = slogx.WithContext(ctx, log.With("user_id", u.ID))
			next.ServeHTTP(w, req.WithContext(withPrincipal(ctx, Principal{User: &u, Source: source})))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
