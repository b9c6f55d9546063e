package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/posprint/internal/config"
)

const (
	tokenIssuer      = "posprint"
	defaultTokenTTL  = 12 * time.Hour
	operatorIDKey    = "operator_id"
	authenticatedKey = "authenticated"
	bearerPrefix     = "Bearer "
)

type Claims struct {
	jwt.RegisteredClaims
}

type TokenRequest struct {
	OperatorID string `json:"operatorId" binding:"required"`
	Password   string `json:"password" binding:"required"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AuthMiddleware issues and checks operator tokens. Operators share the
// configured password; the token subject carries the operator id.
type AuthMiddleware struct {
	enabled      bool
	secret       []byte
	passwordHash []byte
	ttl          time.Duration
}

func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &AuthMiddleware{
		enabled:      cfg.Enabled,
		secret:       []byte(cfg.JWTSecret),
		passwordHash: []byte(cfg.PasswordHash),
		ttl:          ttl,
	}
}

func (a *AuthMiddleware) Enabled() bool {
	return a.enabled
}

func (a *AuthMiddleware) generateToken(operatorID string) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(a.ttl)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	return signed, expires, err
}

func (a *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithIssuer(tokenIssuer))

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.Subject != "" {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

func getTokenFromRequest(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, bearerPrefix) {
		return strings.TrimPrefix(authHeader, bearerPrefix)
	}
	return ""
}

func (a *AuthMiddleware) TokenHandler(c *gin.Context) {
	if !a.Enabled() {
		c.JSON(http.StatusNotFound, gin.H{"error": "authentication is disabled"})
		return
	}

	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	token, expires, err := a.generateToken(req.OperatorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, TokenResponse{Token: token, ExpiresAt: expires.UTC()})
}

// RequireAuth rejects requests without a valid operator token. It is a no-op
// when authentication is disabled.
func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}

		token := getTokenFromRequest(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		claims, err := a.validateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set(authenticatedKey, true)
		c.Set(operatorIDKey, claims.Subject)
		c.Next()
	}
}

// OperatorID returns the operator bound to the request token, if any.
func OperatorID(c *gin.Context) (string, bool) {
	id := c.GetString(operatorIDKey)
	return id, id != ""
}
