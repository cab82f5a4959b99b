package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ClaimIdempotencyKey records the key until expiresAt. It reports true when
// the key was unseen or its previous recording had expired; a live duplicate
// reports false. The expiry check happens inside the conflict clause, so the
// decision is a single atomic statement.
func (s *Store) ClaimIdempotencyKey(ctx context.Context, key string, now time.Time, expiresAt time.Time) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("idempotency key is required")
	}
	if now.IsZero() {
		return false, fmt.Errorf("now is required")
	}
	if !expiresAt.After(now) {
		return false, fmt.Errorf("expiry must be after now")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO idempotency_keys (key, expires_at)
VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at
WHERE idempotency_keys.expires_at <= ?
`,
		key,
		toMillis(expiresAt),
		toMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	affected, err := rowsAffected(result, "claim idempotency key")
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// PurgeExpiredIdempotencyKeys deletes expired keys and reports how many.
func (s *Store) PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	if now.IsZero() {
		return 0, fmt.Errorf("now is required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM idempotency_keys WHERE expires_at <= ?", toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	affected, err := rowsAffected(result, "purge idempotency keys")
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
