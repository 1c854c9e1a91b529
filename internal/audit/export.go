package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports logs as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports logs as JSON array.
	ExportFormatJSON ExportFormat = "json"
)

// ErrExportFilter is returned when neither an actor nor an entity is given.
var ErrExportFilter = errors.New("export requires an actor or an entity filter")

// ExportOptions configures audit log export parameters.
type ExportOptions struct {
	Format     ExportFormat
	ActorID    string
	EntityType string
	EntityID   string
	From       time.Time // inclusive, zero for unbounded
	To         time.Time // inclusive, zero for unbounded
	Limit      int

	// Now anchors IP anonymization; zero means time.Now.
	Now time.Time
}

// ExportLogs exports audit logs matching opts. Client IPs older than
// IPRetention are anonymized in the output.
func ExportLogs(ctx context.Context, repo Repository, opts ExportOptions) ([]byte, error) {
	if opts.Format != ExportFormatCSV && opts.Format != ExportFormatJSON {
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}

	var logs []*Log
	var err error
	switch {
	case opts.EntityType != "" && opts.EntityID != "":
		logs, err = repo.QueryByEntity(ctx, opts.EntityType, opts.EntityID, 0)
	case opts.ActorID != "":
		logs, err = repo.QueryByActor(ctx, opts.ActorID, 0)
	default:
		return nil, ErrExportFilter
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}

	logs = filterByTimeRange(logs, opts.From, opts.To)
	if opts.Limit > 0 && len(logs) > opts.Limit {
		logs = logs[:opts.Limit]
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := IPAnonymizationCutoff(now)
	for _, l := range logs {
		if l.CreatedAt.Before(cutoff) {
			l.IPAddress = AnonymizeIP(l.IPAddress)
		}
	}

	if opts.Format == ExportFormatCSV {
		return exportToCSV(logs)
	}
	return exportToJSON(logs)
}

func filterByTimeRange(logs []*Log, from, to time.Time) []*Log {
	if from.IsZero() && to.IsZero() {
		return logs
	}
	var filtered []*Log
	for _, l := range logs {
		if !from.IsZero() && l.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && l.CreatedAt.After(to) {
			continue
		}
		filtered = append(filtered, l)
	}
	return filtered
}

func exportToCSV(logs []*Log) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	header := []string{
		"ID", "Timestamp (UTC)", "Actor", "Entity Type", "Entity ID", "Action",
		"Outcome", "Request ID", "IP Address", "User Agent", "Previous Hash", "Hash",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, l := range logs {
		row := []string{
			l.ID,
			l.CreatedAt.UTC().Format(time.RFC3339),
			l.ActorID,
			l.EntityType,
			l.EntityID,
			l.Action,
			l.Outcome,
			l.RequestID,
			l.IPAddress,
			l.UserAgent,
			l.PreviousHash,
			l.Hash,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

func exportToJSON(logs []*Log) ([]byte, error) {
	if logs == nil {
		logs = []*Log{}
	}
	data, err := json.MarshalIndent(logs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}
