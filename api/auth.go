package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/xraph/paywall/id"
)

const ctxUserID = "userID"

// TokenManager issues and validates HS256 access tokens.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenManager returns a manager signing with secret. An empty issuer
// is neither set nor checked.
func NewTokenManager(secret, issuer string, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenManager{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// Generate signs an access token for userID.
func (m *TokenManager) Generate(userID id.UserID) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Validate returns the user id carried by a valid token.
func (m *TokenManager) Validate(tokenStr string) (id.UserID, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return id.Nil, err
	}
	if !token.Valid {
		return id.Nil, errors.New("invalid token")
	}
	return id.ParseUserID(claims.Subject)
}

// authenticate resolves the bearer token. When required is false a missing
// header is treated as an anonymous viewer, but a bad token is still rejected.
func (s *Server) authenticate(required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			if required {
				abort(c, http.StatusUnauthorized, "unauthenticated", "authorization header is required")
				return
			}
			c.Next()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abort(c, http.StatusUnauthorized, "unauthenticated", "invalid authorization header format")
			return
		}

		userID, err := s.tokens.Validate(parts[1])
		if err != nil {
			abort(c, http.StatusUnauthorized, "unauthenticated", "invalid or expired token")
			return
		}

		c.Set(ctxUserID, userID)
		c.Next()
	}
}

// viewer returns the authenticated user, or id.Nil for anonymous callers.
func viewer(c *gin.Context) id.UserID {
	if v, ok := c.Get(ctxUserID); ok {
		if userID, ok := v.(id.UserID); ok {
			return userID
		}
	}
	return id.Nil
}
