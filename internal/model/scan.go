package model

import "time"

// ScanStatus is the persisted lifecycle state of a scan.
type ScanStatus string

const (
	ScanQueued           ScanStatus = "queued"
	ScanProcessing       ScanStatus = "processing"
	ScanModuleFailed     ScanStatus = "module_failed"
	ScanGeneratingReport ScanStatus = "generating_report"
	ScanDone             ScanStatus = "done"
	ScanFailed           ScanStatus = "failed"
)

// Terminal reports whether no further work happens in this state without a re-run.
func (s ScanStatus) Terminal() bool {
	return s == ScanDone || s == ScanFailed
}

// Scan is the persisted record of one due-diligence scan run.
type Scan struct {
	// ID is the scan identifier; it scopes every artifact the scan produces.
	ID string `json:"id"`

	// Run numbers the executions of the scan, starting at 1. Evidence is
	// stamped with the run that produced it and read back for the current
	// run only, so a re-run starts from an empty slate.
	Run int `json:"run"`

	// OrganizationName and Domain identify the subject of the assessment.
	OrganizationName string `json:"organization_name"`
	Domain           string `json:"domain"`

	// Status is the lifecycle state. Only scanstate.Apply changes it.
	Status ScanStatus `json:"status"`

	// Progress is 0..100 and never decreases within a run.
	Progress int `json:"progress"`

	// CurrentTask is the name of the task being executed (or last executed).
	CurrentTask string `json:"current_task,omitempty"`

	// TotalTasks is the size of the task list, fixed when the run starts.
	TotalTasks int `json:"total_tasks"`

	// CompletedTasks counts tasks that have finished, successfully or not.
	CompletedTasks int `json:"completed_tasks"`

	// ErrorMessage is the human readable failure reason surfaced to consumers.
	ErrorMessage string `json:"error_message,omitempty"`

	// Warnings holds non-fatal report-generation problems.
	Warnings []string `json:"warnings,omitempty"`

	// TotalFindingsCount and MaxSeverity are filled in when the scan is done.
	TotalFindingsCount int      `json:"total_findings_count"`
	MaxSeverity        Severity `json:"max_severity,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Version is incremented on every persisted write and guards against
	// two writers updating the same record.
	Version int64 `json:"version"`
}

// Job is one unit of work taken from the queue.
type Job struct {
	ID string `json:"id"`
	// ScanID is reused on re-runs so the scan record is reset in place.
	ScanID           string            `json:"scan_id"`
	OrganizationName string            `json:"organization_name"`
	Domain           string            `json:"domain"`
	Profile          *OrgProfile       `json:"profile,omitempty"`
	Options          map[string]string `json:"options,omitempty"`
	EnqueuedAt       time.Time         `json:"enqueued_at"`
}
