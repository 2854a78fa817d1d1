package middleware

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/wanderplan/llm-gateway/utils"
)

// Claims are the JWT claims a tenant bearer token carries. The host
// application issues these tokens; the gateway only verifies them.
type Claims struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	jwt.RegisteredClaims
}

// GenerateToken signs a tenant token with HS256. Used by the dev token
// endpoint and by tests; production tokens come from the host app with the
// same shared secret.
func GenerateToken(tenantID, userID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		TenantID: tenantID,
		UserID:   userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateToken parses and verifies a tenant token.
func ValidateToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.TenantID == "" {
		return nil, errors.New("token carries no tenant_id")
	}
	return claims, nil
}

// AuthMiddleware guards the tenant-facing API surface.
type AuthMiddleware struct {
	jwtSecret   string
	adminAPIKey string
	logger      *zap.Logger
}

func NewAuthMiddleware(jwtSecret, adminAPIKey string, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSecret:   jwtSecret,
		adminAPIKey: adminAPIKey,
		logger:      logger,
	}
}

// RequireTenant verifies the bearer token and stores the tenant and user
// identity on the request context.
func (m *AuthMiddleware) RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.jwtSecret == "" {
			m.logger.Error("tenant auth rejected: no JWT secret configured")
			_ = utils.WriteUnauthorized(w, "Authentication not configured")
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			_ = utils.WriteUnauthorized(w, "Missing authorization header")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			_ = utils.WriteUnauthorized(w, "Invalid authorization header format")
			return
		}

		claims, err := ValidateToken(parts[1], m.jwtSecret)
		if err != nil {
			m.logger.Debug("token validation failed", zap.Error(err))
			_ = utils.WriteUnauthorized(w, "Invalid token")
			return
		}

		ctx := WithTenantID(r.Context(), claims.TenantID)
		ctx = WithUserID(ctx, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin guards the admin surface with the X-API-Key header.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.adminAPIKey == "" {
			m.logger.Error("admin request rejected: no admin API key configured")
			_ = utils.WriteForbidden(w, "Admin access not configured")
			return
		}

		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(m.adminAPIKey)) != 1 {
			_ = utils.WriteForbidden(w, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
