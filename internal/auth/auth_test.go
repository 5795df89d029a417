package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	a := New(Config{JWTSecret: "test-secret", TokenDuration: time.Hour})

	token, err := a.GenerateToken("observer-1", "observer")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "observer-1", claims.Subject)
	assert.Equal(t, "observer", claims.Role)
}

func TestValidateTokenRejectsEmptyAndMalformed(t *testing.T) {
	a := New(Config{JWTSecret: "test-secret", TokenDuration: time.Hour})

	_, err := a.ValidateToken("")
	assert.Error(t, err)

	_, err = a.ValidateToken("not-a-jwt")
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	a := New(Config{JWTSecret: "test-secret", TokenDuration: time.Millisecond})
	token, err := a.GenerateToken("observer-1", "observer")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = a.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	issuer := New(Config{JWTSecret: "secret-a", TokenDuration: time.Hour})
	verifier := New(Config{JWTSecret: "secret-b", TokenDuration: time.Hour})

	token, err := issuer.GenerateToken("observer-1", "observer")
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.Error(t, err)
}

func TestMiddlewareRequiresValidToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := New(Config{JWTSecret: "test-secret", TokenDuration: time.Hour})
	token, err := a.GenerateToken("observer-1", "observer")
	require.NoError(t, err)

	router := gin.New()
	router.Use(a.Middleware())
	router.GET("/protected", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	testCases := []struct {
		name           string
		authHeader     string
		expectedStatus int
	}{
		{"valid token", "Bearer " + token, http.StatusOK},
		{"missing token", "", http.StatusUnauthorized},
		{"malformed token", "Bearer not-a-jwt", http.StatusUnauthorized},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/protected", nil)
			if tc.authHeader != "" {
				req.Header.Set("Authorization", tc.authHeader)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tc.expectedStatus, w.Code)
		})
	}
}

func TestRequireRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := New(Config{JWTSecret: "test-secret", TokenDuration: time.Hour})

	adminToken, err := a.GenerateToken("admin-1", "admin")
	require.NoError(t, err)
	observerToken, err := a.GenerateToken("observer-1", "observer")
	require.NoError(t, err)

	router := gin.New()
	router.GET("/admin", a.Middleware(), RequireRole("admin"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	testCases := []struct {
		name           string
		token          string
		expectedStatus int
	}{
		{"admin accessing admin route", adminToken, http.StatusOK},
		{"observer accessing admin route", observerToken, http.StatusForbidden},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin", nil)
			req.Header.Set("Authorization", "Bearer "+tc.token)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tc.expectedStatus, w.Code)
		})
	}
}
