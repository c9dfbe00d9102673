package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"genmedia-backend/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// AuthMiddleware JWT bearer token verification
type AuthMiddleware struct {
	logger *logrus.Logger
	secret []byte
}

// NewAuthMiddleware creates the JWT middleware from the configured secret.
// With no secret configured the middleware falls back to the X-User-ID
// header for local development.
func NewAuthMiddleware(logger *logrus.Logger) *AuthMiddleware {
	var secret []byte
	if config.AppConfig != nil && config.AppConfig.JWT.Secret != "" {
		secret = []byte(config.AppConfig.JWT.Secret)
	}
	return &AuthMiddleware{
		logger: logger,
		secret: secret,
	}
}

// RequireAuth resolves the request owner and stores it as "owner_id"
func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.secret == nil {
			ownerID := c.GetHeader("X-User-ID")
			if ownerID == "" {
				ownerID = "anonymous"
			}
			c.Set("owner_id", ownerID)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			a.logger.WithFields(logrus.Fields{
				"path":   c.Request.URL.Path,
				"method": c.Request.Method,
			}).Warn("Auth failed - missing Authorization header")

			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Authentication required",
				"message": "Missing Authorization header. Please provide a valid JWT token.",
				"code":    "MISSING_AUTH_HEADER",
			})
			c.Abort()
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Invalid authorization format",
				"message": "Authorization header must be in format: Bearer <token>",
				"code":    "INVALID_AUTH_FORMAT",
			})
			c.Abort()
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		ownerID, err := a.validateToken(tokenString)
		if err != nil {
			a.logger.WithFields(logrus.Fields{
				"path":   c.Request.URL.Path,
				"method": c.Request.Method,
				"error":  err.Error(),
			}).Warn("Auth failed - token validation")

			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Invalid or expired token",
				"message": err.Error(),
				"code":    "INVALID_TOKEN",
			})
			c.Abort()
			return
		}

		c.Set("owner_id", ownerID)
		c.Next()
	}
}

// validateToken verifies the HS256 signature and extracts the subject claim
func (a *AuthMiddleware) validateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

// OwnerID returns the authenticated owner for the request
func OwnerID(c *gin.Context) string {
	return c.GetString("owner_id")
}
