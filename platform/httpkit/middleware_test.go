package httpkit

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mole_automation/platform/apperr"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type secret string

func (s secret) GetHookJWTSecret() string { return string(s) }

func sign(t *testing.T, key string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return token
}

func authEngine(cfg secret) *gin.Engine {
	gin.SetMode(gin.TestMode)
	e := gin.New()
	e.GET("/", ServiceAuth(cfg), func(c *gin.Context) {
		c.String(http.StatusOK, Caller(c))
	})
	return e
}

func TestServiceAuth(t *testing.T) {
	const key = "s3cret"
	valid := sign(t, key, jwt.MapClaims{"type": "service", "sub": "domain-store", "exp": time.Now().Add(time.Hour).Unix()})

	tests := []struct {
		name   string
		header string
		code   int
		body   string
	}{
		{name: "missing token", header: "", code: http.StatusUnauthorized},
		{name: "wrong key", header: "Bearer " + sign(t, "other", jwt.MapClaims{"type": "service", "sub": "x"}), code: http.StatusUnauthorized},
		{name: "user token", header: "Bearer " + sign(t, key, jwt.MapClaims{"type": "access", "sub": "x"}), code: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + sign(t, key, jwt.MapClaims{"type": "service", "sub": "x", "exp": time.Now().Add(-time.Hour).Unix()}), code: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + valid, code: http.StatusOK, body: "domain-store"},
	}

	e := authEngine(secret(key))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestServiceAuthDisabledWithoutSecret(t *testing.T) {
	rec := httptest.NewRecorder()
	authEngine(secret("")).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", rec.Body.String())
}

func TestHandleErrorMapsKinds(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		err  error
		code int
	}{
		{err: apperr.NotFound("missing"), code: http.StatusNotFound},
		{err: apperr.Unavailable("broker", errors.New("down")), code: http.StatusServiceUnavailable},
		{err: errors.New("boom"), code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		assert.True(t, HandleError(c, tt.err))
		assert.Equal(t, tt.code, rec.Code, tt.err.Error())
	}
}
