package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Context keys set by ServiceTokenAuth.
const (
	ServiceKey = "service"
	UserIDKey  = "user_id"
)

// ServiceClaims identifies the internal caller. UserID is optional and,
// when present, scopes the request to one account owner.
type ServiceClaims struct {
	UserID string `json:"uid,omitempty"`
	jwt.RegisteredClaims
}

// IssueServiceToken signs an HS256 token for an internal caller.
func IssueServiceToken(secret []byte, service, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ServiceClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  service,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ServiceTokenAuth creates a Gin middleware that admits requests carrying a
// bearer token signed with secret. With no secret configured every request
// is refused.
func ServiceTokenAuth(secret []byte, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Internal API is not configured"})
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header format must be Bearer <token>"})
			return
		}

		claims := &ServiceClaims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return secret, nil
		})
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Token expired"})
				return
			}
			logger.Warn("Invalid service token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		if !token.Valid || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set(ServiceKey, claims.Subject)
		if claims.UserID != "" {
			c.Set(UserIDKey, claims.UserID)
		}
		c.Next()
	}
}
