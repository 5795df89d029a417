// Package auth validates the bearer token debate-bridge requires of every
// websocket observer before it is allowed onto the moderation channel.
// Grounded on the teacher's internal/auth, trimmed to the single HS256
// surface the bridge actually exercises: the teacher's dual HS256/Privy
// validator, refresh-token pair, and ECDSA JWKS fetch exist to authenticate
// application users against a product backend, a concern debate-bridge
// does not have — it checks one claim (role) against one secret, gating a
// single websocket route.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is an observer token's payload: who it was issued to and what
// they may watch.
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Config configures token issuance and validation.
type Config struct {
	JWTSecret     string
	TokenDuration time.Duration
}

// Auth issues and validates observer tokens signed with Config.JWTSecret.
type Auth struct {
	config Config
}

// New returns an Auth bound to config.
func New(config Config) *Auth {
	return &Auth{config: config}
}

// GetConfig returns the configuration Auth was constructed with.
func (a *Auth) GetConfig() Config {
	return a.config
}

// GenerateToken issues a signed token for subject, scoped to role.
func (a *Auth) GenerateToken(subject, role string) (string, error) {
	now := time.Now()
	duration := a.config.TokenDuration
	if duration <= 0 {
		duration = 24 * time.Hour
	}
	claims := Claims{
		Subject: subject,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			Issuer:    "debate-bridge",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(a.config.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies tokenString, rejecting anything not
// signed with our HMAC secret or already expired.
func (a *Auth) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("auth: empty token")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(a.config.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}
	return claims, nil
}

// bearerToken extracts a token from either the Authorization header or a
// ?token= query parameter, since a browser's native WebSocket client
// cannot set a custom header on the upgrade request.
func bearerToken(c *gin.Context) string {
	if tok := strings.TrimPrefix(c.Query("token"), "Bearer "); tok != "" {
		return tok
	}
	return strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
}

// Middleware rejects any request without a valid observer token, and
// stashes the validated claims on the gin context under "claims".
func (a *Auth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatus(401)
			return
		}
		claims, err := a.ValidateToken(token)
		if err != nil {
			c.AbortWithStatus(401)
			return
		}
		c.Set("claims", claims)
		c.Next()
	}
}

// RequireRole rejects any request whose validated claims don't carry role,
// matching the teacher's RequireRole gate on top of its auth middleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get("claims")
		if !ok {
			c.AbortWithStatus(401)
			return
		}
		claims, ok := v.(*Claims)
		if !ok || claims.Role != role {
			c.AbortWithStatus(403)
			return
		}
		c.Next()
	}
}
