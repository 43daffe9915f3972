package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Operator is the subject of every token; the API has a single user.
const Operator = "operator"

// DefaultTokenTTL is how long an issued token stays valid.
const DefaultTokenTTL = 30 * 24 * time.Hour

var (
	ErrInvalidCreds = errors.New("invalid credentials")
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSecret     = errors.New("jwt secret is empty")
	ErrEmptyPass    = errors.New("password is empty")
)

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// AuthService checks the operator password and issues bearer tokens. With
// no password hash configured the API is open and Enabled reports false.
type AuthService struct {
	passwordHash []byte
	jwtSecret    []byte
	ttl          time.Duration
}

func NewAuthService(passwordHash, secret string) *AuthService {
	return &AuthService{
		passwordHash: []byte(strings.TrimSpace(passwordHash)),
		jwtSecret:    []byte(secret),
		ttl:          DefaultTokenTTL,
	}
}

// WithTTL returns a copy issuing tokens valid for ttl.
func (s *AuthService) WithTTL(ttl time.Duration) *AuthService {
	cp := *s
	cp.ttl = ttl
	return &cp
}

// Enabled reports whether requests need a token.
func (s *AuthService) Enabled() bool {
	return len(s.passwordHash) > 0
}

// HashPassword returns the bcrypt hash stored in server.password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPass
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Login checks password and returns a signed token.
func (s *AuthService) Login(password string) (string, error) {
	if !s.Enabled() {
		return "", ErrInvalidCreds
	}
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return "", ErrInvalidCreds
	}
	return s.Issue()
}

// Issue signs a token for the operator.
func (s *AuthService) Issue() (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := &Claims{
		Username: Operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   Operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

func (s *AuthService) VerifyToken(tokenString string) (*Claims, error) {
	if len(s.jwtSecret) == 0 {
		return nil, ErrNoSecret
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
