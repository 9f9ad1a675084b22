package identity

import "time"

// ReportStatus is the overall outcome of one reconciliation run.
type ReportStatus string

const (
	// ReportSuccess: the run completed and no row-level correction failed.
	ReportSuccess ReportStatus = "SUCCESS"

	// ReportPartial: the run completed (or was cancelled mid-run) but some
	// rows failed or were skipped. Row state is never left ambiguous.
	ReportPartial ReportStatus = "PARTIAL"

	// ReportFailed: the run itself could not execute, e.g. the provider was
	// entirely unreachable. No row was touched.
	ReportFailed ReportStatus = "FAILED"
)

// ReportMetrics aggregates the corrective work of one run.
type ReportMetrics struct {
	OrphanedUsersDetected int `json:"orphanedUsersDetected"`
	MissingDBUsersCreated int `json:"missingDbUsersCreated"`
	RoleMismatchesFixed   int `json:"roleMismatchesFixed"`
	CompensationsRetried  int `json:"compensationsRetried"`
}

// ReconciliationReport summarizes one reconciliation run. It is a summary,
// not an authoritative entity: the compensation log and the user store carry
// the durable facts.
type ReconciliationReport struct {
	ID         string        `json:"id"`
	Status     ReportStatus  `json:"status"`
	StartedAt  time.Time     `json:"startedAt"`
	DurationMs int64         `json:"durationMs"`
	Metrics    ReportMetrics `json:"metrics"`

	// RowErrors counts row-level failures that were isolated and skipped.
	RowErrors int `json:"rowErrors"`

	// Error carries the job-level failure reason when Status is FAILED.
	Error string `json:"error,omitempty"`
}
