package http

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	contextOwnerKey = "ownerId"
	headerAPIKey    = "X-API-Key"
)

// OwnerClaims are issued by the account service; the subject is the owner id.
type OwnerClaims struct {
	jwt.RegisteredClaims
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	// EventSource and browser websockets cannot set headers
	return c.Query("token")
}

func (rs *RestfulServer) OwnerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" || len(rs.JWTSecret) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authorization header missing or invalid",
			})
			return
		}

		token, err := jwt.ParseWithClaims(tokenString, &OwnerClaims{}, func(t *jwt.Token) (any, error) {
			return rs.JWTSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid token",
			})
			return
		}

		claims, ok := token.Claims.(*OwnerClaims)
		if !ok || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid token claims",
			})
			return
		}

		c.Set(contextOwnerKey, claims.Subject)
		c.Next()
	}
}

// DeviceAuth checks the shared device key. With no keys configured the
// device routes are open, which is only meant for local development.
func (rs *RestfulServer) DeviceAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(rs.DeviceAPIKeys) == 0 {
			c.Next()
			return
		}

		presented := []byte(c.GetHeader(headerAPIKey))
		for _, key := range rs.DeviceAPIKeys {
			if subtle.ConstantTimeCompare(presented, []byte(key)) == 1 {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "invalid device key",
		})
	}
}

func ownerID(c *gin.Context) string {
	return c.GetString(contextOwnerKey)
}
