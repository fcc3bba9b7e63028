package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func roleRouter(setRole string, allowed ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x",
		func(c *gin.Context) {
			if setRole != "" {
				c.Set(ContextUserRole, setRole)
			}
		},
		RequireRole(allowed...),
		func(c *gin.Context) { c.Status(http.StatusOK) },
	)
	return r
}

func TestRequireRoleAllowsListedRole(t *testing.T) {
	for _, role := range []string{"admin", "astrologer"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		roleRouter(role, "admin", "astrologer").ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, "role %s", role)
	}
}

func TestRequireRoleRejectsOtherRole(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	roleRouter("member", "admin", "astrologer").ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequireRoleWithoutUserContext(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	roleRouter("", "admin").ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
