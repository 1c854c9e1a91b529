package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/vidcredit/internal/tracing"
)

// PostgresLog implements Log on the inbound_events table.
// Uniqueness on (provider, provider_event_id) is enforced by the primary key.
type PostgresLog struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresLog creates a new PostgresLog.
func NewPostgresLog(db *sql.DB, logger *slog.Logger) *PostgresLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresLog{db: db, logger: logger}
}

// Record stores the delivery if its key is new.
func (l *PostgresLog) Record(ctx context.Context, provider, providerEventID string, payload []byte) (isNew bool, err error) {
	if err := validateKey(provider, providerEventID); err != nil {
		return false, err
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "inbound_events", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO inbound_events (provider, provider_event_id, payload, received_at, processed)
		VALUES ($1, $2, $3, NOW(), FALSE)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, provider, providerEventID, payload)
	if err != nil {
		return false, fmt.Errorf("failed to record inbound event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		l.logger.DebugContext(ctx, "duplicate inbound event",
			slog.String("provider", provider),
			slog.String("provider_event_id", providerEventID))
	}
	return n == 1, nil
}

// MarkProcessed flags the event as processed.
func (l *PostgresLog) MarkProcessed(ctx context.Context, provider, providerEventID string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "inbound_events", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := l.db.ExecContext(ctx, `
		UPDATE inbound_events
		SET processed = TRUE, processed_at = NOW()
		WHERE provider = $1 AND provider_event_id = $2 AND processed = FALSE
	`, provider, providerEventID)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Zero rows: either already processed or never recorded.
	var exists bool
	if err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM inbound_events WHERE provider = $1 AND provider_event_id = $2)
	`, provider, providerEventID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check event existence: %w", err)
	}
	if !exists {
		return ErrEventNotFound
	}
	return nil
}

// Get returns a recorded event.
func (l *PostgresLog) Get(ctx context.Context, provider, providerEventID string) (*Event, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT provider, provider_event_id, payload, received_at, processed, processed_at
		FROM inbound_events
		WHERE provider = $1 AND provider_event_id = $2
	`, provider, providerEventID)

	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inbound event: %w", err)
	}
	return ev, nil
}

// ListUnprocessed returns unprocessed events received before the cutoff, oldest first.
func (l *PostgresLog) ListUnprocessed(ctx context.Context, receivedBefore time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT provider, provider_event_id, payload, received_at, processed, processed_at
		FROM inbound_events
		WHERE processed = FALSE AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2
	`, receivedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inbound event: %w", err)
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate inbound events: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*Event, error) {
	var ev Event
	var processedAt sql.NullTime
	if err := s.Scan(&ev.Provider, &ev.ProviderEventID, &ev.Payload, &ev.ReceivedAt, &ev.Processed, &processedAt); err != nil {
		return nil, err
	}
	if processedAt.Valid {
		t := processedAt.Time
		ev.ProcessedAt = &t
	}
	return &ev, nil
}
