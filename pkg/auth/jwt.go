package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/khryptorgraphics/rtverify/internal/config"
)

// JWTService handles JWT token operations
type JWTService struct {
	secret     []byte
	issuer     string
	expiration time.Duration
	users      map[string]config.UserConfig
}

// Claims represents JWT claims structure
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// TokenResponse carries an issued access token
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	TokenType   string    `json:"token_type"`
}

// NewJWTService creates a new JWT service instance from the auth config
func NewJWTService(cfg *config.AuthConfig) (*JWTService, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("auth secret key is required")
	}
	svc := &JWTService{
		secret:     []byte(cfg.SecretKey),
		issuer:     cfg.Issuer,
		expiration: cfg.TokenExpiry.Std(),
		users:      make(map[string]config.UserConfig, len(cfg.Users)),
	}
	if svc.expiration <= 0 {
		svc.expiration = 24 * time.Hour
	}
	for _, u := range cfg.Users {
		svc.users[u.Username] = u
	}
	return svc, nil
}

// Authenticate verifies a username/password pair against the configured
// users and issues a token on success.
func (j *JWTService) Authenticate(username, password string) (*TokenResponse, error) {
	u, ok := j.users[username]
	if !ok {
		return nil, errors.New("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, errors.New("invalid credentials")
	}
	return j.GenerateToken(username, u.Role)
}

// GenerateToken creates a new JWT token for the given user
func (j *JWTService) GenerateToken(username, role string) (*TokenResponse, error) {
	now := time.Now()
	expiresAt := now.Add(j.expiration)

	claims := &Claims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}

	return &TokenResponse{
		AccessToken: signed,
		ExpiresAt:   expiresAt,
		TokenType:   "Bearer",
	}, nil
}

// ValidateToken parses and validates a JWT token string
func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
