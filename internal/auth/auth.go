// Package auth issues and verifies signed session tokens. Account
// provisioning lives outside this service; a token only binds a user id to
// an expiry.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c-pro/geche"

	"piksel/internal/content"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	nonceSize          = 12
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")
)

type TokenRequest struct {
	UserID string `json:"userId"`
}

type TokenResponse struct {
	Success     bool   `json:"success"`
	UserID      string `json:"userId"`
	Token       string `json:"token"`
	TokenExpiry int64  `json:"tokenExpiry"`
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

type session struct {
	userID    string
	expiresAt time.Time
}

type AuthService struct {
	Config
	// verified caches tokens whose signature already checked out.
	verified geche.Geche[string, session]
	revoked  geche.Geche[string, struct{}]
	now      func() time.Time
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

func NewAuthService(ctx context.Context, config Config) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:   config,
		verified: geche.NewMapTTLCache[string, session](ctx, config.TokenExpiry, time.Minute),
		revoked:  geche.NewMapTTLCache[string, struct{}](ctx, config.TokenExpiry, time.Minute),
		now:      time.Now,
	}, nil
}

// IssueToken returns a token for userID valid for TokenExpiry.
func (as *AuthService) IssueToken(userID string) (TokenResponse, error) {
	if err := content.ValidateUserID(userID); err != nil {
		return TokenResponse{}, fmt.Errorf("invalid user id %q: %w", userID, err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return TokenResponse{}, fmt.Errorf("failed to generate token: %w", err)
	}

	expiresAt := as.now().Add(as.TokenExpiry)
	payload := userID + "|" + strconv.FormatInt(expiresAt.Unix(), 10) + "|" + base64.RawURLEncoding.EncodeToString(nonce)
	token := base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + as.sign(payload)
	as.verified.Set(token, session{userID: userID, expiresAt: expiresAt})

	return TokenResponse{
		Success:     true,
		UserID:      userID,
		Token:       token,
		TokenExpiry: expiresAt.Unix(),
	}, nil
}

// Logoff revokes a token before it expires.
func (as *AuthService) Logoff(token string) error {
	if _, err := as.GetUserID(token); err != nil {
		return err
	}
	as.revoked.Set(token, struct{}{})
	return as.verified.Del(token)
}

// GetUserID verifies token and returns the user it was issued to.
func (as *AuthService) GetUserID(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	if _, err := as.revoked.Get(token); err == nil {
		return "", ErrTokenRevoked
	}

	s, err := as.verified.Get(token)
	if err != nil {
		s, err = as.verify(token)
		if err != nil {
			return "", err
		}
		as.verified.Set(token, s)
	}
	if !as.now().Before(s.expiresAt) {
		return "", ErrTokenExpired
	}
	return s.userID, nil
}

func (as *AuthService) verify(token string) (session, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return session{}, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return session{}, ErrInvalidToken
	}
	payload := string(raw)
	if !hmac.Equal([]byte(sig), []byte(as.sign(payload))) {
		return session{}, ErrInvalidToken
	}

	parts := strings.Split(payload, "|")
	if len(parts) != 3 || parts[0] == "" {
		return session{}, ErrInvalidToken
	}
	exp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return session{}, ErrInvalidToken
	}
	return session{userID: parts[0], expiresAt: time.Unix(exp, 0)}, nil
}

func (as *AuthService) sign(payload string) string {
	h := hmac.New(sha512.New, as.secretBytes)
	h.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
