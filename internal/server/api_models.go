package server

import "github.com/raysh454/vigil/internal/model"

// CreateScanRequest starts a scan. Setting ScanID re-runs an existing,
// finished scan in place.
type CreateScanRequest struct {
	OrganizationName string            `json:"organization_name"`
	Domain           string            `json:"domain"`
	ScanID           string            `json:"scan_id,omitempty"`
	Profile          *model.OrgProfile `json:"profile,omitempty"`
	// Tasks limits the run to the named tasks. Empty runs all of them.
	Tasks []string `json:"tasks,omitempty"`
}

// CreateScanResponse is returned with 202 Accepted once the job is queued.
type CreateScanResponse struct {
	JobID  string           `json:"job_id"`
	ScanID string           `json:"scan_id"`
	Status model.ScanStatus `json:"status"`
}

// TasksResponse lists the task names in execution order.
type TasksResponse struct {
	Tasks []string `json:"tasks"`
}

// CancelResponse reports a cancellation request.
type CancelResponse struct {
	ScanID   string `json:"scan_id"`
	Canceled bool   `json:"canceled"`
}

// ErrorResponse is a uniform error payload returned by the API.
type ErrorResponse struct {
	Error string `json:"error"`
}
