package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/custodia/internal/apperr"
	"github.com/mbd888/custodia/internal/logging"
)

const (
	// ContextKeyCaller is the gin context key for the asserted caller id.
	ContextKeyCaller = "callerID"
	// ContextKeyAdmin marks a request that presented the admin secret.
	ContextKeyAdmin = "isAdmin"

	HeaderCaller      = "X-Caller-ID"
	HeaderAdminSecret = "X-Admin-Secret"
)

// Middleware rejects requests without a valid gateway key and records the
// caller id, if any, on both the gin and request contexts.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("Authorization")
		if key == "" {
			key = c.GetHeader("X-API-Key")
		}
		if err := m.ValidateKey(key); err != nil {
			abort(c, err)
			return
		}

		if caller := strings.TrimSpace(c.GetHeader(HeaderCaller)); caller != "" {
			c.Set(ContextKeyCaller, caller)
			c.Request = c.Request.WithContext(logging.WithCaller(c.Request.Context(), caller))
		}
		c.Next()
	}
}

// RequireCaller rejects requests that did not name an acting user.
func RequireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CallerID(c) == "" {
			abort(c, ErrNoCaller)
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests without the admin secret. Admin actions
// still need X-Caller-ID so overrides name an actor.
func RequireAdmin(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := m.ValidateAdmin(c.GetHeader(HeaderAdminSecret)); err != nil {
			abort(c, err)
			return
		}
		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// CallerID returns the asserted caller id, or "".
func CallerID(c *gin.Context) string {
	v, ok := c.Get(ContextKeyCaller)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// IsAdmin reports whether RequireAdmin accepted the request.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}

func abort(c *gin.Context, err error) {
	status, code := apperr.HTTPStatus(err)
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": err.Error()})
}
