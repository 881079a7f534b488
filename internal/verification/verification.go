// Package verification issues and consumes the one-time completion codes a
// buyer hands to the provider when work starts. Codes are 6 digits, stored
// only as SHA-256 hashes, and good for a single consume before expiry.
// Rework rotates the code: issuing again replaces the previous code.
package verification

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidCode     = errors.New("invalid verification code")
	ErrExpiredCode     = errors.New("verification code expired")
	ErrAlreadyConsumed = errors.New("verification code already consumed")
)

// Code is the stored record for an order's active verification code. The
// plaintext never touches storage.
type Code struct {
	OrderID    string     `json:"orderId"`
	CodeHash   string     `json:"-"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	ConsumedAt *time.Time `json:"consumedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Store keeps at most one active code per order. Upsert replaces any
// previous code; MarkConsumed must be atomic so a code is consumable once.
type Store interface {
	Upsert(ctx context.Context, code *Code) error
	Get(ctx context.Context, orderID string) (*Code, error)
	// MarkConsumed sets consumed_at iff it is not already set; returns
	// ErrAlreadyConsumed otherwise.
	MarkConsumed(ctx context.Context, orderID string) error
}

// Service issues and consumes codes.
type Service struct {
	store Store
	ttl   time.Duration
}

func NewService(store Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Service{store: store, ttl: ttl}
}

// Issue generates a fresh 6-digit code for the order, replacing any earlier
// one, and returns the plaintext exactly once.
func (s *Service) Issue(ctx context.Context, orderID string) (string, error) {
	plaintext, err := generate()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	code := &Code{
		OrderID:   orderID,
		CodeHash:  Hash(plaintext),
		ExpiresAt: time.Now().Add(s.ttl),
		CreatedAt: time.Now(),
	}
	if err := s.store.Upsert(ctx, code); err != nil {
		return "", err
	}
	return plaintext, nil
}

// Consume validates and burns the order's code. Order of checks matters:
// a wrong code never reveals whether a real one exists or has been used.
func (s *Service) Consume(ctx context.Context, orderID, plaintext string) error {
	code, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if code == nil {
		return ErrInvalidCode
	}
	if subtle.ConstantTimeCompare([]byte(code.CodeHash), []byte(Hash(plaintext))) != 1 {
		return ErrInvalidCode
	}
	if code.ConsumedAt != nil {
		return ErrAlreadyConsumed
	}
	if time.Now().After(code.ExpiresAt) {
		return ErrExpiredCode
	}
	return s.store.MarkConsumed(ctx, orderID)
}

// Hash returns the hex SHA-256 of a plaintext code.
func Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// generate returns a uniformly random 6-digit code, leading zeros included.
func generate() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint64(b[:]) % 1000000
	return fmt.Sprintf("%06d", n), nil
}
