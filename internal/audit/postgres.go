package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/vidcredit/internal/tracing"
)

// appendLockKey serialises appends so each row sees its true predecessor.
const appendLockKey = 0x61756469

// PostgresRepository implements Repository on the audit_logs table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Append implements Repository.
func (r *PostgresRepository) Append(ctx context.Context, entry Entry) (log *Log, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_logs", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return nil, fmt.Errorf("failed to lock audit chain: %w", err)
	}

	var previous string
	err = tx.QueryRowContext(ctx, `SELECT hash FROM audit_logs ORDER BY seq DESC LIMIT 1`).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read audit chain head: %w", err)
	}

	log = &Log{
		ID:           uuid.New().String(),
		ActorID:      entry.ActorID,
		EntityType:   entry.EntityType,
		EntityID:     entry.EntityID,
		Action:       entry.Action,
		Outcome:      entry.Outcome,
		RequestID:    entry.RequestID,
		IPAddress:    entry.IPAddress,
		UserAgent:    entry.UserAgent,
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
		PreviousHash: previous,
	}
	log.Hash = log.computeHash()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_id, entity_type, entity_id, action, outcome,
			request_id, ip_address, user_agent, previous_hash, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, log.ID, log.ActorID, log.EntityType, log.EntityID, log.Action, log.Outcome,
		log.RequestID, log.IPAddress, log.UserAgent, log.PreviousHash, log.Hash, log.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert audit log: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit audit log: %w", err)
	}
	return log, nil
}

const selectLogColumns = `SELECT id, actor_id, entity_type, entity_id, action, outcome,
	request_id, ip_address, user_agent, previous_hash, hash, created_at FROM audit_logs`

// QueryByEntity implements Repository.
func (r *PostgresRepository) QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Log, error) {
	return r.query(ctx, selectLogColumns+` WHERE entity_type = $1 AND entity_id = $2 ORDER BY seq DESC LIMIT $3`,
		entityType, entityID, sqlLimit(limit))
}

// QueryByActor implements Repository.
func (r *PostgresRepository) QueryByActor(ctx context.Context, actorID string, limit int) ([]*Log, error) {
	return r.query(ctx, selectLogColumns+` WHERE actor_id = $1 ORDER BY seq DESC LIMIT $2`,
		actorID, sqlLimit(limit))
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...any) (logs []*Log, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_logs", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l Log
		if err := rows.Scan(&l.ID, &l.ActorID, &l.EntityType, &l.EntityID, &l.Action, &l.Outcome,
			&l.RequestID, &l.IPAddress, &l.UserAgent, &l.PreviousHash, &l.Hash, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// sqlLimit maps "no limit" to NULL, which LIMIT treats as unbounded.
func sqlLimit(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}
