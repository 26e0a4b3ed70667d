// Package redismirror keeps an advisory copy of each user's balance in Redis.
package redismirror

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
)

const (
	fieldBalance    = "balance"
	fieldValidUntil = "valid_until"
	fieldUpdatedAt  = "updated_at"

	// DefaultMaxTTL bounds keys for users whose credits never expire.
	DefaultMaxTTL = 24 * time.Hour
)

var ErrInvalidMirror = errors.New("invalid balance mirror")

// Mirror implements ledger.BalanceMirror with one hash per user under ledger.CacheKey.
type Mirror struct {
	client redis.Cmdable
	maxTTL time.Duration
	now    func() time.Time
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithMaxTTL overrides DefaultMaxTTL.
func WithMaxTTL(ttl time.Duration) Option {
	return func(mirror *Mirror) {
		if ttl > 0 {
			mirror.maxTTL = ttl
		}
	}
}

// WithClock overrides time.Now for TTL computation.
func WithClock(now func() time.Time) Option {
	return func(mirror *Mirror) {
		if now != nil {
			mirror.now = now
		}
	}
}

// New returns a Mirror backed by any go-redis client.
func New(client redis.Cmdable, options ...Option) (*Mirror, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is required", ErrInvalidMirror)
	}
	mirror := &Mirror{client: client, maxTTL: DefaultMaxTTL, now: time.Now}
	for _, option := range options {
		if option != nil {
			option(mirror)
		}
	}
	return mirror, nil
}

// Dial connects to addr and pings it before returning.
func Dial(ctx context.Context, addr string, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// StoreBalance writes the snapshot and expires the key at the next grant expiry.
func (mirror *Mirror) StoreBalance(ctx context.Context, snapshot ledger.BalanceSnapshot) error {
	key := ledger.CacheKey(snapshot.UserID)
	ttl := mirror.ttlFor(snapshot)
	if ttl <= 0 {
		return mirror.client.Del(ctx, key).Err()
	}
	_, err := mirror.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldBalance, snapshot.Balance.Int64(),
			fieldValidUntil, snapshot.ValidUntilUnixUTC,
			fieldUpdatedAt, snapshot.UpdatedUnixUTC,
		)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror store %s: %w", key, err)
	}
	return nil
}

// LoadBalance reports found=false when the key is missing or expired.
func (mirror *Mirror) LoadBalance(ctx context.Context, userID ledger.UserID) (ledger.BalanceSnapshot, bool, error) {
	key := ledger.CacheKey(userID)
	values, err := mirror.client.HGetAll(ctx, key).Result()
	if err != nil {
		return ledger.BalanceSnapshot{}, false, fmt.Errorf("mirror load %s: %w", key, err)
	}
	if len(values) == 0 {
		return ledger.BalanceSnapshot{}, false, nil
	}
	balanceValue, err := parseField(values, fieldBalance)
	if err != nil {
		return ledger.BalanceSnapshot{}, false, err
	}
	balance, err := ledger.NewCredits(balanceValue)
	if err != nil {
		return ledger.BalanceSnapshot{}, false, err
	}
	validUntil, err := parseField(values, fieldValidUntil)
	if err != nil {
		return ledger.BalanceSnapshot{}, false, err
	}
	updatedAt, err := parseField(values, fieldUpdatedAt)
	if err != nil {
		return ledger.BalanceSnapshot{}, false, err
	}
	return ledger.BalanceSnapshot{
		UserID:            userID,
		Balance:           balance,
		ValidUntilUnixUTC: validUntil,
		UpdatedUnixUTC:    updatedAt,
	}, true, nil
}

func (mirror *Mirror) ttlFor(snapshot ledger.BalanceSnapshot) time.Duration {
	if snapshot.ValidUntilUnixUTC == 0 {
		return mirror.maxTTL
	}
	ttl := time.Unix(snapshot.ValidUntilUnixUTC, 0).Sub(mirror.now())
	if ttl > mirror.maxTTL {
		return mirror.maxTTL
	}
	return ttl
}

func parseField(values map[string]string, field string) (int64, error) {
	raw, ok := values[field]
	if !ok {
		return 0, fmt.Errorf("%w: missing field %s", ErrInvalidMirror, field)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: field %s: %v", ErrInvalidMirror, field, err)
	}
	return value, nil
}
