package mw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"shopfloor-backend/internal/model"
)

// Headers set by the authenticating gateway.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserName = "X-User-Name"
	HeaderUserRole = "X-User-Role"
)

const userKey = "shopfloor.user"

// Identity reads the caller from the gateway headers and rejects anonymous requests.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + HeaderUserID + " header"})
			return
		}
		name := strings.TrimSpace(c.GetHeader(HeaderUserName))
		if name == "" {
			name = id
		}
		c.Set(userKey, model.User{
			ID:   id,
			Name: name,
			Role: strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderUserRole))),
		})
		c.Next()
	}
}

// RequireRole lets only callers with role through.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentUser(c).Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": role + " role required"})
			return
		}
		c.Next()
	}
}

// CurrentUser returns the identity set by Identity, or the zero User.
func CurrentUser(c *gin.Context) model.User {
	if v, ok := c.Get(userKey); ok {
		if u, ok := v.(model.User); ok {
			return u
		}
	}
	return model.User{}
}
