// Package auth carries the caller identity asserted by the upstream auth gateway.
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/logging"
)

const (
	HeaderUserID = "X-User-ID"
	HeaderRole   = "X-User-Role"

	// ContextKeyIdentity is the gin context key holding the *Identity.
	ContextKeyIdentity = "authIdentity"
)

// Role is the caller's authorization level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Identity is an authenticated caller.
type Identity struct {
	UserID string
	Role   Role
}

// IsAdmin reports whether the caller may see every user's data.
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}

// CanAccess reports whether the caller may read data owned by userID.
func (i *Identity) CanAccess(userID string) bool {
	if i == nil {
		return false
	}
	return i.IsAdmin() || i.UserID == userID
}

// Middleware reads the identity headers. Requests without a well-formed
// X-User-ID pass through unauthenticated; an unknown role downgrades to user.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if uid != "" && idgen.Valid(uid) {
			role := RoleUser
			if Role(strings.ToLower(c.GetHeader(HeaderRole))) == RoleAdmin {
				role = RoleAdmin
			}
			c.Set(ContextKeyIdentity, &Identity{UserID: uid, Role: role})
			ctx := logging.WithUserID(c.Request.Context(), uid)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

// RequireIdentity rejects requests without an identity.
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetIdentity(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error_kind": "unauthorized",
				"message":    "X-User-ID header required",
				"details":    gin.H{},
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects requests whose identity lacks role.
func RequireRole(role Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error_kind": "unauthorized",
				"message":    "X-User-ID header required",
				"details":    gin.H{},
			})
			return
		}
		if id.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error_kind": "forbidden",
				"message":    "requires role " + string(role),
				"details":    gin.H{},
			})
			return
		}
		c.Next()
	}
}

// GetIdentity returns the caller identity, if any.
func GetIdentity(c *gin.Context) (*Identity, bool) {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok
}
