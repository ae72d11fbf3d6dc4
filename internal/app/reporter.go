package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/model"
)

// Report is the document FileReporter writes for a completed scan.
type Report struct {
	Scan        model.Scan                       `json:"scan"`
	Findings    []model.Finding                  `json:"findings"`
	Risk        model.FinancialImpactCalculation `json:"risk"`
	GeneratedAt time.Time                        `json:"generated_at"`
}

// FileReporter writes each report as <dir>/<scan id>.json.
type FileReporter struct {
	dir    string
	logger logging.Logger
	now    func() time.Time
}

func NewFileReporter(dir string, logger logging.Logger) (*FileReporter, error) {
	if dir == "" {
		return nil, fmt.Errorf("report dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	if logger == nil {
		logger = logging.Nop{}
	}
	return &FileReporter{
		dir:    dir,
		logger: logger.With(logging.Field{Key: "component", Value: "reporter"}),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Path is where the report for scanID is written.
func (f *FileReporter) Path(scanID string) string {
	return filepath.Join(f.dir, scanID+".json")
}

// Generate writes the report atomically: a temp file renamed into place.
func (f *FileReporter) Generate(ctx context.Context, scan model.Scan, findings []model.Finding, calc model.FinancialImpactCalculation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if findings == nil {
		findings = []model.Finding{}
	}
	b, err := json.MarshalIndent(Report{Scan: scan, Findings: findings, Risk: calc, GeneratedAt: f.now()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, ".report-*")
	if err != nil {
		return fmt.Errorf("create temp report: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	path := f.Path(scan.ID)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename report: %w", err)
	}
	f.logger.Info("report written",
		logging.Field{Key: "scan_id", Value: scan.ID},
		logging.Field{Key: "path", Value: path},
		logging.Field{Key: "findings", Value: len(findings)})
	return nil
}
