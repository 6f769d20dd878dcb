package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/workplane/platform/internal/models"
)

// Sentinel errors surfaced by the token store.
var (
	ErrTokenNotFound  = errors.New("token not found")
	ErrTokenRevoked   = errors.New("token revoked")
	ErrStoreCorrupted = errors.New("token record corrupted")
)

const (
	refreshKeyPrefix   = "refresh:"
	blacklistKeyPrefix = "blacklist:"
	userTokensPrefix   = "user_tokens:"
	resetKeyPrefix     = "reset:"
	userResetPrefix    = "user_reset:"
)

// rotateScript atomically retires a refresh token: it rejects ids already
// on the blacklist, and otherwise blacklists and deletes the record in one
// evaluation so that exactly one of N concurrent rotations wins.
//
// KEYS[1] refresh record, KEYS[2] blacklist entry, KEYS[3] user index set
// ARGV[1] token id, ARGV[2] blacklist TTL seconds, ARGV[3] revoked-at
// Returns 2 = reuse detected, 0 = record missing, 1 = rotated.
var rotateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 2
end
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
redis.call("SET", KEYS[2], ARGV[3], "EX", tonumber(ARGV[2]))
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[3], ARGV[1])
return 1
`)

// revokeScript blacklists a token id and removes its record. Safe to run
// repeatedly: a second call finds nothing to delete and leaves the
// blacklist entry in place.
var revokeScript = redis.NewScript(`
local existed = redis.call("EXISTS", KEYS[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
  redis.call("SREM", KEYS[3], ARGV[1])
end
if redis.call("EXISTS", KEYS[2]) == 0 then
  redis.call("SET", KEYS[2], ARGV[3], "EX", tonumber(ARGV[2]))
end
return existed
`)

// consumeResetScript deletes the reset record and the per-user pointer in
// one evaluation, guaranteeing single use.
var consumeResetScript = redis.NewScript(`
local data = redis.call("GET", KEYS[1])
if not data then
  return false
end
redis.call("DEL", KEYS[1])
redis.call("DEL", KEYS[2])
return data
`)

// TokenRepository persists refresh tokens, reset tokens and the revocation
// blacklist in Redis. Blacklist entries carry a TTL equal to the remaining
// life of the revoked token, so pruning is passive.
type TokenRepository struct {
	client *redis.Client
	logger *zap.Logger
}

// NewTokenRepository constructs a token repository.
func NewTokenRepository(client *redis.Client, logger *zap.Logger) *TokenRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenRepository{client: client, logger: logger}
}

// SaveRefresh stores a refresh token record and indexes it under its user.
func (r *TokenRepository) SaveRefresh(ctx context.Context, token *models.RefreshToken) error {
	payload, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal refresh token %s: %w", token.ID, err)
	}

	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token %s already expired", token.ID)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, refreshKeyPrefix+token.ID, payload, ttl)
	pipe.SAdd(ctx, userTokensPrefix+token.UserID, token.ID)
	pipe.Expire(ctx, userTokensPrefix+token.UserID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist refresh token %s: %w", token.ID, err)
	}
	return nil
}

// GetRefresh loads a refresh token record by id. Returns ErrTokenRevoked if
// the id sits on the blacklist and ErrTokenNotFound when no record exists.
func (r *TokenRepository) GetRefresh(ctx context.Context, id string) (*models.RefreshToken, error) {
	revoked, err := r.client.Exists(ctx, blacklistKeyPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("check blacklist for %s: %w", id, err)
	}
	if revoked > 0 {
		return nil, ErrTokenRevoked
	}

	raw, err := r.client.Get(ctx, refreshKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("load refresh token %s: %w", id, err)
	}

	var token models.RefreshToken
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupted, err)
	}
	return &token, nil
}

// Rotate retires the given refresh token id so a replacement can be issued.
// Exactly one concurrent caller succeeds; the rest observe ErrTokenRevoked
// (the id was already retired) or ErrTokenNotFound.
func (r *TokenRepository) Rotate(ctx context.Context, token *models.RefreshToken) error {
	ttl := blacklistTTL(token.ExpiresAt)
	status, err := rotateScript.Run(ctx, r.client,
		[]string{refreshKeyPrefix + token.ID, blacklistKeyPrefix + token.ID, userTokensPrefix + token.UserID},
		token.ID, int(ttl.Seconds()), time.Now().UTC().Format(time.RFC3339),
	).Int64()
	if err != nil {
		return fmt.Errorf("rotate refresh token %s: %w", token.ID, err)
	}

	switch status {
	case 1:
		return nil
	case 2:
		return ErrTokenRevoked
	default:
		return ErrTokenNotFound
	}
}

// Revoke blacklists a refresh token id and deletes its record. Idempotent.
func (r *TokenRepository) Revoke(ctx context.Context, id, userID string, expiresAt time.Time) error {
	ttl := blacklistTTL(expiresAt)
	if _, err := revokeScript.Run(ctx, r.client,
		[]string{refreshKeyPrefix + id, blacklistKeyPrefix + id, userTokensPrefix + userID},
		id, int(ttl.Seconds()), time.Now().UTC().Format(time.RFC3339),
	).Result(); err != nil {
		return fmt.Errorf("revoke refresh token %s: %w", id, err)
	}
	return nil
}

// IsRevoked reports whether the token id sits on the blacklist.
func (r *TokenRepository) IsRevoked(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, blacklistKeyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("check blacklist for %s: %w", id, err)
	}
	return n > 0, nil
}

// RevokeAllForUser revokes every outstanding refresh token for the subject.
// Used after a password reset to force re-login everywhere.
func (r *TokenRepository) RevokeAllForUser(ctx context.Context, userID string, maxLife time.Duration) error {
	ids, err := r.client.SMembers(ctx, userTokensPrefix+userID).Result()
	if err != nil {
		return fmt.Errorf("list refresh tokens for user %s: %w", userID, err)
	}

	expiry := time.Now().Add(maxLife)
	for _, id := range ids {
		if err := r.Revoke(ctx, id, userID, expiry); err != nil {
			return err
		}
	}
	return nil
}

// SaveReset stores a reset token and supersedes any prior outstanding one
// for the same subject.
func (r *TokenRepository) SaveReset(ctx context.Context, token *models.ResetToken) error {
	payload, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal reset token %s: %w", token.ID, err)
	}

	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("reset token %s already expired", token.ID)
	}

	// A newer reset token invalidates the previous one for the subject.
	prev, err := r.client.Get(ctx, userResetPrefix+token.UserID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("load prior reset token for user %s: %w", token.UserID, err)
	}
	if prev != "" {
		if err := r.client.Del(ctx, resetKeyPrefix+prev).Err(); err != nil {
			r.logger.Warn("failed to invalidate prior reset token", zap.String("reset_id", prev), zap.Error(err))
		}
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, resetKeyPrefix+token.ID, payload, ttl)
	pipe.Set(ctx, userResetPrefix+token.UserID, token.ID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist reset token %s: %w", token.ID, err)
	}
	return nil
}

// ConsumeReset atomically consumes a reset token. A second consumption of
// the same id fails with ErrTokenNotFound.
func (r *TokenRepository) ConsumeReset(ctx context.Context, id, userID string) (*models.ResetToken, error) {
	raw, err := consumeResetScript.Run(ctx, r.client,
		[]string{resetKeyPrefix + id, userResetPrefix + userID},
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("consume reset token %s: %w", id, err)
	}

	var token models.ResetToken
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupted, err)
	}
	return &token, nil
}

// GetReset loads a reset token without consuming it.
func (r *TokenRepository) GetReset(ctx context.Context, id string) (*models.ResetToken, error) {
	raw, err := r.client.Get(ctx, resetKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("load reset token %s: %w", id, err)
	}

	var token models.ResetToken
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupted, err)
	}
	return &token, nil
}

// Close releases the underlying Redis connection.
func (r *TokenRepository) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// blacklistTTL keeps revocation entries only as long as the token they
// block could still be presented.
func blacklistTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}
