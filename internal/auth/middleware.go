package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const claimsKey = "auth.claims"

// ClaimsFrom returns the verified claims stored by Middleware.
func ClaimsFrom(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}

// Middleware rejects requests without a valid bearer token. When roles are
// given the token must carry one of them.
func Middleware(j JWT, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearerToken(c.GetHeader("Authorization"))
		if tok == "" {
			abort(c, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := j.Verify(tok)
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid token")
			return
		}
		if len(roles) > 0 && !hasRole(claims.Role, roles) {
			abort(c, http.StatusForbidden, "role not permitted")
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// MerchantScope allows operators through and limits merchants to their own
// :param path value.
func MerchantScope(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			c.Next()
			return
		}
		if claims.Role == RoleOperator {
			c.Next()
			return
		}
		if want := strings.TrimSpace(c.Param(param)); want != "" && want != claims.MerchantID {
			abort(c, http.StatusForbidden, "merchant mismatch")
			return
		}
		c.Next()
	}
}

func hasRole(role string, allowed []string) bool {
	for _, r := range allowed {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": status, "message": message})
}

func bearerToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	parts := strings.SplitN(v, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
