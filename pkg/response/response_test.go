package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func record(write func(c *gin.Context)) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	write(c)
	return w
}

func TestOKEnvelope(t *testing.T) {
	w := record(func(c *gin.Context) { OK(c, gin.H{"n": 1}) })
	require.Equal(t, http.StatusOK, w.Code)

	var body Body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.Empty(t, body.Error)
	require.Equal(t, map[string]interface{}{"n": float64(1)}, body.Data)
}

func TestErrorEnvelopes(t *testing.T) {
	cases := []struct {
		name string
		fn   func(*gin.Context, string)
		code int
	}{
		{"bad request", BadRequest, http.StatusBadRequest},
		{"unauthorized", Unauthorized, http.StatusUnauthorized},
		{"forbidden", Forbidden, http.StatusForbidden},
		{"not found", NotFound, http.StatusNotFound},
		{"conflict", Conflict, http.StatusConflict},
		{"service unavailable", ServiceUnavailable, http.StatusServiceUnavailable},
		{"internal", Internal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := record(func(c *gin.Context) { tc.fn(c, "boom") })
			require.Equal(t, tc.code, w.Code)

			var body Body
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			require.False(t, body.Success)
			require.Equal(t, "boom", body.Error)
			require.Nil(t, body.Data)
		})
	}
}

func TestDataOmittedWhenEmpty(t *testing.T) {
	w := record(func(c *gin.Context) { BadRequest(c, "nope") })
	require.NotContains(t, w.Body.String(), `"data"`)
}
