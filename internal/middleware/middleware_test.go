package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, key string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return s
}

func router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationID(), AuthMiddleware(secret))
	r.GET("/me", func(c *gin.Context) {
		id, _ := IdentityFrom(c)
		c.JSON(http.StatusOK, id)
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	valid := sign(t, secret, jwt.MapClaims{
		"user_id": "dr-kim", "role": "specialist", "exp": time.Now().Add(time.Hour).Unix(),
	})
	noRole := sign(t, secret, jwt.MapClaims{"user_id": "wanjiru"})
	expired := sign(t, secret, jwt.MapClaims{"user_id": "x", "exp": time.Now().Add(-time.Hour).Unix()})
	wrongKey := sign(t, "other", jwt.MapClaims{"user_id": "x"})
	noUser := sign(t, secret, jwt.MapClaims{"role": "client"})

	tests := []struct {
		name   string
		header string
		status int
		want   string
	}{
		{"missing header", "", http.StatusUnauthorized, ""},
		{"not bearer", "Basic " + valid, http.StatusUnauthorized, ""},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, ""},
		{"wrong key", "Bearer " + wrongKey, http.StatusUnauthorized, ""},
		{"no user", "Bearer " + noUser, http.StatusUnauthorized, ""},
		{"specialist", "Bearer " + valid, http.StatusOK, `{"user_id":"dr-kim","role":"specialist"}`},
		{"role defaults to client", "Bearer " + noRole, http.StatusOK, `{"user_id":"wanjiru","role":"client"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router().ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
			if tt.want != "" {
				assert.JSONEq(t, tt.want, w.Body.String())
			}
		})
	}
}

func TestCorrelationIDPropagates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(CorrelationIDKey)) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "abc-123", w.Body.String())
	assert.Equal(t, "abc-123", w.Header().Get("X-Correlation-ID"))
}
