package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/exp/slog"
)

const DefaultTTL = 24 * time.Hour

// Issued is a freshly minted bearer token. The plain value is never stored.
type Issued struct {
	Token     string
	ExpiresAt time.Time
}

type Servicer interface {
	Create(ctx context.Context, userID int) (Issued, error)
	Validate(ctx context.Context, token string) (int, error)
}

type Service struct {
	repo Repository
	ttl  time.Duration
	log  *slog.Logger
	now  func() time.Time
}

func NewService(repo Repository, ttl time.Duration, log *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		repo: repo,
		ttl:  ttl,
		log:  log,
		now:  time.Now,
	}
}

// Create mints an opaque bearer token for userID. Only its sha256 lands in
// storage, so a leaked sessions table cannot be replayed.
func (s *Service) Create(ctx context.Context, userID int) (Issued, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return Issued{}, fmt.Errorf("generate token: %w", err)
	}

	issued := Issued{
		Token:     base64.URLEncoding.EncodeToString(raw),
		ExpiresAt: s.now().Add(s.ttl).UTC(),
	}
	if err := s.repo.Create(ctx, userID, hashToken(issued.Token), issued.ExpiresAt); err != nil {
		return Issued{}, fmt.Errorf("save session: %w", err)
	}

	s.log.Debug("session issued", slog.Int("user_id", userID), slog.Time("expires_at", issued.ExpiresAt))
	return issued, nil
}

func (s *Service) Validate(ctx context.Context, token string) (int, error) {
	if token == "" {
		return 0, ErrInvalidSession
	}
	return s.repo.Validate(ctx, hashToken(token))
}

// Purge removes sessions that expired before the given moment.
func (s *Service) Purge(ctx context.Context, before time.Time) (int64, error) {
	return s.repo.PurgeExpired(ctx, before)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
