package app

import (
	"fmt"

	"github.com/raysh454/vigil/internal/evidence"
	"github.com/raysh454/vigil/internal/model"
)

// TaskExecutionError is any error returned by a task.
type TaskExecutionError struct {
	Task string
	Err  error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s: %v", e.Task, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// CriticalTaskError is a task failure that aborts the scan.
type CriticalTaskError struct {
	Err *TaskExecutionError
}

func (e *CriticalTaskError) Error() string {
	return fmt.Sprintf("critical %v", e.Err)
}

func (e *CriticalTaskError) Unwrap() error { return e.Err }

// ZeroEvidenceError fails a scan whose tasks all ran but reported nothing.
type ZeroEvidenceError struct {
	ScanID string
	Tasks  int
}

func (e *ZeroEvidenceError) Error() string {
	return fmt.Sprintf("no findings produced by %d tasks for scan %s", e.Tasks, e.ScanID)
}

type (
	ExternalServiceError = model.ExternalServiceError
	DataIntegrityError   = evidence.DataIntegrityError
)
