package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PostgresIdempotencyChecker is the second dedup tier. It answers from
// event_log.events, so a request ID survives restarts and LRU eviction.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db: db,
	}
}

// LookupResult returns the reservation ID recorded for the request.
// idempotencyKey is the caller-scoped key from event.RequestKey.
func (pic *PostgresIdempotencyChecker) LookupResult(ctx context.Context, eventType, idempotencyKey string) (uuid.UUID, bool, error) {
	query := `
        SELECT payload->>'id'
        FROM event_log.events
        WHERE event_type = $1 AND idempotency_key = $2
        LIMIT 1
    `

	var raw string
	err := pic.db.QueryRowContext(ctx, query, eventType, idempotencyKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("event %s/%s carries malformed id %q: %w", eventType, idempotencyKey, raw, err)
	}
	return id, true, nil
}
