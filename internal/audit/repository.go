package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository stores events in security_events.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository constructs a repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const insertEventSQL = `INSERT INTO security_events
	(id, occurred_at, identity_id, action, resource, ip, session_fingerprint, stage, reason, detail, allowed)
VALUES ($1, COALESCE($2, NOW()), $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// InsertEvent implements Repository.
func (r *PostgresRepository) InsertEvent(ctx context.Context, e SecurityEvent) error {
	_, err := r.pool.Exec(ctx, insertEventSQL,
		e.ID, toPgTime(e.At), e.IdentityID, e.Action, e.Resource, e.IP,
		optionalText(e.SessionFingerprint), e.Stage, optionalText(e.Reason), optionalText(e.Detail), e.Allowed)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

const listEventsSQL = `SELECT id, occurred_at, identity_id, action, resource, ip,
	COALESCE(session_fingerprint, ''), stage, COALESCE(reason, ''), COALESCE(detail, ''), allowed
FROM security_events
WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
  AND ($2::timestamptz IS NULL OR occurred_at < $2)
  AND ($3::text IS NULL OR identity_id = $3)
  AND ($4::text IS NULL OR action = $4)
  AND ($5::text IS NULL OR reason = $5)
  AND (NOT $6 OR NOT allowed)
ORDER BY occurred_at DESC, id
OFFSET $7 LIMIT $8`

// ListEvents implements Repository.
func (r *PostgresRepository) ListEvents(ctx context.Context, p ListParams) ([]SecurityEvent, error) {
	rows, err := r.pool.Query(ctx, listEventsSQL,
		toPgTime(p.From), toPgTime(p.To), optionalText(p.IdentityID), optionalText(p.Action),
		optionalText(p.Reason), p.DeniedOnly, p.Offset, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SecurityEvent, error) {
		var e SecurityEvent
		err := row.Scan(&e.ID, &e.At, &e.IdentityID, &e.Action, &e.Resource, &e.IP,
			&e.SessionFingerprint, &e.Stage, &e.Reason, &e.Detail, &e.Allowed)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("audit: scan events: %w", err)
	}
	return events, nil
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}
