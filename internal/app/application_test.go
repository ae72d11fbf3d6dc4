package app_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/raysh454/vigil/internal/app"
	"github.com/raysh454/vigil/internal/model"
	"github.com/raysh454/vigil/internal/tasks"
	"github.com/raysh454/vigil/internal/testutil"
)

func TestNewApplication_WiresComponents(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := app.DefaultConfig()
	cfg.DatabasePath = filepath.Join(dir, "data", "vigil.db")
	cfg.ReportDir = filepath.Join(dir, "reports")

	a, err := app.NewApplication(t.Context(), cfg, &testutil.DummyLogger{})
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	want := []string{
		tasks.DNSBaselineName, tasks.HTTPHeadersName, tasks.TechDetectName,
		tasks.TLSConfigName, tasks.ExposedServicesName, tasks.TypoDomainsName,
	}
	if got := a.Orch.TaskNames(); !slices.Equal(got, want) {
		t.Errorf("task order = %v, want %v", got, want)
	}
	if a.Pool().Size() != cfg.Worker.Count {
		t.Errorf("pool size = %d", a.Pool().Size())
	}

	id, err := a.Queue.Enqueue(t.Context(), model.Job{OrganizationName: "Acme", Domain: "acme.com"})
	if err != nil || id == "" {
		t.Fatalf("Enqueue: %q, %v", id, err)
	}
	if _, err := os.Stat(cfg.ReportDir); err != nil {
		t.Errorf("report dir not created: %v", err)
	}
}

func TestNewApplication_BadRiskTablesFile(t *testing.T) {
	t.Parallel()
	cfg := app.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "vigil.db")
	cfg.RiskTablesFile = filepath.Join(t.TempDir(), "missing.yaml")

	if _, err := app.NewApplication(t.Context(), cfg, &testutil.DummyLogger{}); err == nil {
		t.Fatal("expected an error for a missing risk tables file")
	}
}

func TestFileReporter_WritesReport(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	r, err := app.NewFileReporter(dir, nil)
	if err != nil {
		t.Fatalf("NewFileReporter: %v", err)
	}

	scan := model.Scan{ID: "scan-9", Domain: "acme.com", Status: model.ScanGeneratingReport}
	calc := model.FinancialImpactCalculation{ExpectedValue: 92340}
	if err := r.Generate(t.Context(), scan, nil, calc); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	b, err := os.ReadFile(r.Path("scan-9"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var got app.Report
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if got.Scan.ID != "scan-9" || got.Risk.ExpectedValue != 92340 || got.Findings == nil {
		t.Errorf("unexpected report: %+v", got)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}
