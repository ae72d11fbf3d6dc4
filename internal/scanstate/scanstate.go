// Package scanstate holds the scan lifecycle as an explicit transition
// function. Every change to a scan record's lifecycle fields goes through
// Apply so that illegal transitions are rejected instead of silently written.
package scanstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/raysh454/vigil/internal/model"
)

// ErrIllegalTransition is returned (wrapped) when an event is not accepted
// in the scan's current state.
var ErrIllegalTransition = errors.New("illegal scan transition")

type EventKind string

const (
	// EventReset (re)initializes a scan for a new run and bumps its run
	// number. Accepted from any state.
	EventReset EventKind = "reset"
	// EventStart moves a queued scan into processing.
	EventStart EventKind = "start"
	// EventTaskStarted records the task about to run.
	EventTaskStarted EventKind = "task_started"
	// EventTaskSucceeded counts a finished task.
	EventTaskSucceeded EventKind = "task_succeeded"
	// EventTaskFailed records a non-critical task failure.
	EventTaskFailed EventKind = "task_failed"
	// EventResume returns from module_failed to processing.
	EventResume EventKind = "resume"
	// EventBeginReport starts the report phase after the task loop.
	EventBeginReport EventKind = "begin_report"
	// EventWarn records a non-fatal report-phase problem.
	EventWarn EventKind = "warn"
	// EventComplete finishes the scan.
	EventComplete EventKind = "complete"
	// EventFail terminates the scan. Accepted from any non-terminal state.
	EventFail EventKind = "fail"
)

// Event is one input to Apply. Only the fields relevant to Kind are read.
type Event struct {
	Kind          EventKind
	Task          string
	TotalTasks    int
	Message       string
	FindingsCount int
	MaxSeverity   model.Severity
	At            time.Time
}

var allowedTransitions = map[model.ScanStatus]map[model.ScanStatus]struct{}{
	model.ScanQueued: {
		model.ScanQueued:     {},
		model.ScanProcessing: {},
		model.ScanFailed:     {},
	},
	model.ScanProcessing: {
		model.ScanQueued:           {},
		model.ScanProcessing:       {},
		model.ScanModuleFailed:     {},
		model.ScanGeneratingReport: {},
		model.ScanFailed:           {},
	},
	model.ScanModuleFailed: {
		model.ScanQueued:     {},
		model.ScanProcessing: {},
		model.ScanFailed:     {},
	},
	model.ScanGeneratingReport: {
		model.ScanQueued:           {},
		model.ScanGeneratingReport: {},
		model.ScanDone:             {},
		model.ScanFailed:           {},
	},
	model.ScanDone: {
		model.ScanQueued: {},
	},
	model.ScanFailed: {
		model.ScanQueued: {},
	},
}

// ValidateStatus rejects statuses the lifecycle does not know.
func ValidateStatus(s model.ScanStatus) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid scan status: %q", s)
	}
	return nil
}

// ValidateTransition reports whether from -> to is part of the lifecycle.
func ValidateTransition(from, to model.ScanStatus) error {
	if err := ValidateStatus(from); err != nil {
		return err
	}
	if err := ValidateStatus(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// Apply returns the scan after ev, or an error if ev is not accepted in the
// scan's current status. The input is never modified.
func Apply(s model.Scan, ev Event) (model.Scan, error) {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if ev.Kind == EventReset {
		if ev.TotalTasks < 0 {
			return s, fmt.Errorf("reset: negative task count %d", ev.TotalTasks)
		}
		next := s
		next.Run = s.Run + 1
		next.Status = model.ScanQueued
		next.Progress = 0
		next.CurrentTask = ""
		next.TotalTasks = ev.TotalTasks
		next.CompletedTasks = 0
		next.ErrorMessage = ""
		next.Warnings = nil
		next.TotalFindingsCount = 0
		next.MaxSeverity = ""
		next.CompletedAt = nil
		if next.CreatedAt.IsZero() {
			next.CreatedAt = at
		}
		next.UpdatedAt = at
		return next, nil
	}

	to, err := target(s.Status, ev.Kind)
	if err != nil {
		return s, err
	}
	if err := ValidateTransition(s.Status, to); err != nil {
		return s, err
	}

	next := s
	next.Status = to
	next.UpdatedAt = at

	switch ev.Kind {
	case EventStart:
		next.ErrorMessage = ""
	case EventTaskStarted:
		if next.CompletedTasks >= next.TotalTasks {
			return s, fmt.Errorf("%w: task %q started after all %d tasks completed", ErrIllegalTransition, ev.Task, next.TotalTasks)
		}
		next.CurrentTask = ev.Task
	case EventTaskSucceeded:
		next.CompletedTasks++
	case EventTaskFailed:
		next.CompletedTasks++
		next.ErrorMessage = ev.Message
	case EventWarn:
		next.Warnings = append(append([]string(nil), s.Warnings...), ev.Message)
	case EventComplete:
		next.TotalFindingsCount = ev.FindingsCount
		next.MaxSeverity = ev.MaxSeverity
		next.Progress = 100
		done := at
		next.CompletedAt = &done
	case EventFail:
		next.ErrorMessage = ev.Message
	}

	if ev.Kind != EventComplete {
		if p := Progress(next.CompletedTasks, next.TotalTasks); p > next.Progress {
			next.Progress = p
		}
	}
	return next, nil
}

// target maps (status, event) to the next status.
func target(from model.ScanStatus, kind EventKind) (model.ScanStatus, error) {
	switch kind {
	case EventStart:
		if from == model.ScanQueued {
			return model.ScanProcessing, nil
		}
	case EventTaskStarted, EventTaskSucceeded:
		if from == model.ScanProcessing {
			return model.ScanProcessing, nil
		}
	case EventTaskFailed:
		if from == model.ScanProcessing {
			return model.ScanModuleFailed, nil
		}
	case EventResume:
		if from == model.ScanModuleFailed {
			return model.ScanProcessing, nil
		}
	case EventBeginReport:
		if from == model.ScanProcessing {
			return model.ScanGeneratingReport, nil
		}
	case EventWarn:
		if from == model.ScanGeneratingReport {
			return model.ScanGeneratingReport, nil
		}
	case EventComplete:
		if from == model.ScanGeneratingReport {
			return model.ScanDone, nil
		}
	case EventFail:
		if !from.Terminal() {
			return model.ScanFailed, nil
		}
	default:
		return "", fmt.Errorf("unknown scan event %q", kind)
	}
	return "", fmt.Errorf("%w: %s in state %s", ErrIllegalTransition, kind, from)
}

// Progress is floor(completed/total*100), clamped to 0..100. A scan with no
// tasks reports 0 until it completes.
func Progress(completed, total int) int {
	if total <= 0 || completed <= 0 {
		return 0
	}
	if completed >= total {
		return 100
	}
	return completed * 100 / total
}
