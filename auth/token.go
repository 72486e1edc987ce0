package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents JWT claims for an authenticated glyphdb session.
type Claims struct {
	NS    string   `json:"ns,omitempty"`
	DB    string   `json:"db,omitempty"`
	Level string   `json:"level"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// TokenService handles JWT token operations, grounded on the teacher's
// token.go HS256 scheme.
type TokenService struct {
	secret            []byte
	expiration        time.Duration
	refreshExpiration time.Duration
	issuer            string
}

func NewTokenService(secret string, expiration, refreshExpiration time.Duration) *TokenService {
	return &TokenService{
		secret:            []byte(secret),
		expiration:        expiration,
		refreshExpiration: refreshExpiration,
		issuer:            "glyphdb",
	}
}

// GenerateToken signs an access token binding an Auth and user subject.
func (s *TokenService) GenerateToken(subject string, a *Auth) (string, error) {
	now := time.Now()
	roles := make([]string, len(a.Roles))
	for i, r := range a.Roles {
		roles[i] = string(r)
	}
	claims := Claims{
		NS:    a.NS,
		DB:    a.DB,
		Level: a.Level.String(),
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken validates a JWT token and returns its claims.
func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, ErrExpiredToken
	}
	return claims, nil
}

// TokenPair is an access/refresh token pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// GenerateTokenPair generates an access token plus a random opaque
// refresh token; it does not persist either token.
func (s *TokenService) GenerateTokenPair(subject string, a *Auth) (*TokenPair, error) {
	accessToken, err := s.GenerateToken(subject, a)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}
	refreshToken, err := s.generateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(s.expiration),
	}, nil
}

func (s *TokenService) generateRefreshToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// HashRefreshToken and ValidateRefreshToken let the caller store refresh
// tokens as bcrypt hashes, same as passwords.
func HashRefreshToken(token string) (string, error) { return HashPassword(token) }

func ValidateRefreshToken(token, hash string) error { return ValidatePassword(token, hash) }

// AuthFromClaims reconstructs an Auth from validated JWT claims.
func AuthFromClaims(c *Claims) *Auth {
	roles := make([]Role, len(c.Roles))
	for i, r := range c.Roles {
		roles[i] = Role(r)
	}
	level := LevelRoot
	switch c.Level {
	case "namespace":
		level = LevelNamespace
	case "database":
		level = LevelDatabase
	case "record":
		level = LevelRecord
	}
	return &Auth{Level: level, NS: c.NS, DB: c.DB, Roles: roles}
}
