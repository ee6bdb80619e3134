package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/franzego/teleconsult/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CorrelationIDKey = "correlation_id"
	IdentityKey      = "identity"
)

// needed to ensure we have the id for tracking every request for its lifetime
func CorrelationID() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		correlationId := ctx.GetHeader("X-Correlation-ID")
		if correlationId == "" {
			correlationId = uuid.New().String()
		}
		ctx.Set(CorrelationIDKey, correlationId)
		ctx.Header("X-Correlation-ID", correlationId)
		ctx.Next()
	}
}

func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("correlation_id", c.GetString(CorrelationIDKey)),
		)
	}
}

func unauthorized(c *gin.Context, reason string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, models.APIResponse{
		Success: false,
		Error:   reason,
		Message: "Unauthorized",
	})
}

// AuthMiddleware validates an HS256 bearer token and stores the caller's
// Identity from its user_id and role claims.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authKey := c.GetHeader("Authorization")
		if authKey == "" {
			unauthorized(c, "Authorization header required")
			return
		}
		parts := strings.SplitN(authKey, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			unauthorized(c, "Invalid Authorization header")
			return
		}
		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			unauthorized(c, "Invalid Token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			unauthorized(c, "Invalid Token")
			return
		}
		userID, _ := claims["user_id"].(string)
		role, _ := claims["role"].(string)
		if userID == "" {
			unauthorized(c, "Token has no user_id")
			return
		}
		identity := models.Identity{UserID: userID, Role: models.Role(role)}
		if identity.Role != models.RoleSpecialist {
			identity.Role = models.RoleClient
		}
		c.Set(IdentityKey, identity)
		c.Next()
	}
}

// IdentityFrom returns the identity AuthMiddleware stored on the request.
func IdentityFrom(c *gin.Context) (models.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return models.Identity{}, false
	}
	id, ok := v.(models.Identity)
	return id, ok
}
