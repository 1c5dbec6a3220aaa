package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"vestnik/internal/content"
	"vestnik/internal/storage"

	"github.com/c-pro/geche"
)

const DefaultTokenExpiry = 24 * time.Hour

var (
	ErrInvalidToken = errors.New("invalid token")
)

// TokenStore persists issued tokens by hash so they survive a relay restart.
type TokenStore interface {
	UpsertToken(tokenHash, userID string, expiresAt time.Time) error
	DeleteToken(tokenHash string) error
	ListTokens(now time.Time) (map[string]storage.DBToken, error)
}

type IssuedToken struct {
	Token     string `json:"token"`
	UserID    string `json:"userId"`
	ExpiresAt int64  `json:"expiresAt"`
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
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
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must be positive")
	}

	return nil
}

type liveToken struct {
	userID    string
	expiresAt time.Time
}

// TokenService issues bearer tokens for relay peers. Only HMAC hashes of
// the tokens are kept.
type TokenService struct {
	Config
	liveTokens geche.Geche[string, liveToken]
	store      TokenStore
	now        func() time.Time
}

// NewTokenService validates config and, when store is not nil, reloads the
// tokens that have not expired yet.
func NewTokenService(ctx context.Context, config Config, store TokenStore) (*TokenService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	ts := &TokenService{
		Config:     config,
		liveTokens: geche.NewMapTTLCache[string, liveToken](ctx, config.TokenExpiry, time.Minute),
		store:      store,
		now:        time.Now,
	}

	if store != nil {
		tokens, err := store.ListTokens(ts.now())
		if err != nil {
			return nil, fmt.Errorf("failed to load tokens: %w", err)
		}
		for hash, t := range tokens {
			ts.liveTokens.Set(hash, liveToken{userID: t.UserID, expiresAt: time.Unix(t.ExpiresAt, 0)})
		}
		slog.Debug("Restored tokens", "count", len(tokens))
	}

	return ts, nil
}

func (ts *TokenService) hashToken(token string) string {
	h := hmac.New(sha512.New, ts.secretBytes)
	h.Write([]byte(token))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// IssueToken creates a token that authenticates userID on the relay.
func (ts *TokenService) IssueToken(userID string) (IssuedToken, error) {
	if err := content.ValidatePeerID(userID); err != nil {
		return IssuedToken{}, err
	}

	token, err := generateToken()
	if err != nil {
		return IssuedToken{}, err
	}

	expiresAt := ts.now().Add(ts.TokenExpiry)
	hash := ts.hashToken(token)
	if ts.store != nil {
		if err := ts.store.UpsertToken(hash, userID, expiresAt); err != nil {
			return IssuedToken{}, fmt.Errorf("failed to persist token: %w", err)
		}
	}
	ts.liveTokens.Set(hash, liveToken{userID: userID, expiresAt: expiresAt})

	return IssuedToken{
		Token:     token,
		UserID:    userID,
		ExpiresAt: expiresAt.Unix(),
	}, nil
}

func (ts *TokenService) GetUserID(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	hash := ts.hashToken(token)
	t, err := ts.liveTokens.Get(hash)
	if err != nil {
		return "", ErrInvalidToken
	}
	if !ts.now().Before(t.expiresAt) {
		_ = ts.liveTokens.Del(hash)
		return "", ErrInvalidToken
	}
	return t.userID, nil
}

// Revoke invalidates token. Revoking an unknown token is not an error.
func (ts *TokenService) Revoke(token string) error {
	hash := ts.hashToken(token)
	_ = ts.liveTokens.Del(hash)
	if ts.store != nil {
		if err := ts.store.DeleteToken(hash); err != nil {
			slog.Error("failed to delete token", "error", err)
			return err
		}
	}
	return nil
}
