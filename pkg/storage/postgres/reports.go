package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/batbern/identity-reconciler/pkg/identity"
)

// ReportStore implements storage.ReportStore on PostgreSQL.
type ReportStore struct {
	db *sql.DB
}

// NewReportStore creates a new report store
func NewReportStore(db *sql.DB) *ReportStore {
	return &ReportStore{db: db}
}

// SaveReport persists one reconciliation run report.
func (s *ReportStore) SaveReport(ctx context.Context, report *identity.ReconciliationReport) error {
	metricsJSON, err := json.Marshal(report.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal report metrics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_reports (id, status, started_at, duration_ms, metrics, row_errors, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		report.ID,
		string(report.Status),
		report.StartedAt,
		report.DurationMs,
		string(metricsJSON),
		report.RowErrors,
		nullIfEmpty(report.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to save reconciliation report: %w", err)
	}
	return nil
}

// LatestReport returns the most recent report.
func (s *ReportStore) LatestReport(ctx context.Context) (*identity.ReconciliationReport, error) {
	var report identity.ReconciliationReport
	var status, metricsJSON string
	var errMsg sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, started_at, duration_ms, metrics, row_errors, error
		FROM reconciliation_reports
		ORDER BY started_at DESC
		LIMIT 1
	`).Scan(&report.ID, &status, &report.StartedAt, &report.DurationMs, &metricsJSON, &report.RowErrors, &errMsg)
	if err == sql.ErrNoRows {
		return nil, identity.ErrNoReport
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest report: %w", err)
	}

	report.Status = identity.ReportStatus(status)
	if err := json.Unmarshal([]byte(metricsJSON), &report.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report metrics: %w", err)
	}
	if errMsg.Valid {
		report.Error = errMsg.String
	}
	return &report, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
