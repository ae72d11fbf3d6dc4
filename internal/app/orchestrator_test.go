package app_test

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/raysh454/vigil/internal/app"
	"github.com/raysh454/vigil/internal/evidence"
	"github.com/raysh454/vigil/internal/model"
	"github.com/raysh454/vigil/internal/registry"
	"github.com/raysh454/vigil/internal/sqlitedb"
	"github.com/raysh454/vigil/internal/tasks"
	"github.com/raysh454/vigil/internal/testutil"
)

type stores struct {
	reg *registry.Registry
	ev  *evidence.Store
}

func newStores(t *testing.T) stores {
	t.Helper()
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "vigil.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := &testutil.DummyLogger{}
	reg, err := registry.NewRegistry(db, logger)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ev, err := evidence.NewStore(db, logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return stores{reg: reg, ev: ev}
}

// newOrchestrator fills Registry, Evidence and Logger from s and builds the
// task registry from ts.
func newOrchestrator(t *testing.T, s stores, d app.Deps, ts ...tasks.Task) *app.Orchestrator {
	t.Helper()
	treg, err := tasks.NewRegistry(ts...)
	if err != nil {
		t.Fatalf("tasks.NewRegistry: %v", err)
	}
	d.Registry = s.reg
	d.Evidence = s.ev
	d.Tasks = treg
	if d.Logger == nil {
		d.Logger = &testutil.DummyLogger{}
	}
	o, err := app.NewOrchestrator(d)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	t.Cleanup(o.Close)
	return o
}

func acmeJob(scanID string) model.Job {
	return model.Job{ID: "job-" + scanID, ScanID: scanID, OrganizationName: "Acme", Domain: "acme.com"}
}

// funcTask adapts a function to tasks.Task.
type funcTask struct {
	name string
	fn   func(ctx context.Context, tc tasks.TaskContext) (int, error)
}

func (f funcTask) Name() string { return f.name }
func (f funcTask) Run(ctx context.Context, tc tasks.TaskContext) (int, error) {
	return f.fn(ctx, tc)
}

// stubCorrelator returns canned reports and records its input.
type stubCorrelator struct {
	mu      sync.Mutex
	reports []model.ComponentVulnerabilityReport
	got     []model.NormalizedComponent
}

func (s *stubCorrelator) CorrelateAll(_ context.Context, comps []model.NormalizedComponent) []model.ComponentVulnerabilityReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, comps...)
	return s.reports
}

// ─── Construction ──────────────────────────────────────────────────────

func TestNewOrchestrator_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	treg, _ := tasks.NewRegistry()

	if _, err := app.NewOrchestrator(app.Deps{Evidence: s.ev, Tasks: treg}); err == nil {
		t.Error("expected error without registry")
	}
	if _, err := app.NewOrchestrator(app.Deps{Registry: s.reg, Tasks: treg}); err == nil {
		t.Error("expected error without evidence store")
	}
	if _, err := app.NewOrchestrator(app.Deps{Registry: s.reg, Evidence: s.ev}); err == nil {
		t.Error("expected error without tasks")
	}
}

// ─── Happy path ────────────────────────────────────────────────────────

func TestRunScan_CompletesAndAggregates(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	q := &testutil.FakeQueue{}
	rep := &testutil.FakeReporter{}
	db := &testutil.FakeTask{TaskName: "db", Findings: 2, Severity: model.SeverityHigh, ArtifactType: model.ArtifactExposedDatabase, Evidence: s.ev}
	svc := &testutil.FakeTask{TaskName: "svc", Findings: 1, Evidence: s.ev}
	o := newOrchestrator(t, s, app.Deps{Queue: q, Reporter: rep}, db, svc)

	scan, err := o.RunScan(t.Context(), acmeJob("scan-1"))
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if scan.Status != model.ScanDone || scan.Progress != 100 || scan.CompletedAt == nil {
		t.Fatalf("expected done at 100%%, got %+v", scan)
	}
	if scan.TotalFindingsCount != 3 || scan.MaxSeverity != model.SeverityHigh {
		t.Errorf("expected 3 findings at HIGH, got %d at %s", scan.TotalFindingsCount, scan.MaxSeverity)
	}
	if scan.TotalTasks != 2 || scan.CompletedTasks != 2 {
		t.Errorf("expected 2/2 tasks, got %d/%d", scan.CompletedTasks, scan.TotalTasks)
	}

	stored, err := s.reg.Get(t.Context(), "scan-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != model.ScanDone || stored.Version != scan.Version {
		t.Errorf("persisted record out of sync: %+v", stored)
	}

	want := []model.ScanStatus{model.ScanQueued, model.ScanProcessing, model.ScanGeneratingReport, model.ScanDone}
	if got := q.Statuses("scan-1"); !slices.Equal(got, want) {
		t.Errorf("queue statuses = %v, want %v", got, want)
	}

	calc, err := s.ev.GetRiskAssessment(t.Context(), "scan-1", scan.Run)
	if err != nil {
		t.Fatalf("GetRiskAssessment: %v", err)
	}
	if calc.ExpectedValue <= 0 {
		t.Errorf("expected a positive expected value, got %v", calc.ExpectedValue)
	}
	if len(rep.Scans) != 1 || rep.Calcs[0].ExpectedValue != calc.ExpectedValue {
		t.Fatalf("reporter not called with the saved calculation: %+v", rep.Calcs)
	}
	if got := rep.Scans[0]; got.Status != model.ScanGeneratingReport || got.TotalFindingsCount != 3 || got.MaxSeverity != model.SeverityHigh {
		t.Errorf("reporter should see the final counts while generating_report, got %s %d %s",
			got.Status, got.TotalFindingsCount, got.MaxSeverity)
	}
}

func TestRunScan_PassesTaskContext(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	task := &testutil.FakeTask{TaskName: "a", Findings: 1, Evidence: s.ev}
	o := newOrchestrator(t, s, app.Deps{}, task)

	job := model.Job{ScanID: "scan-ctx", OrganizationName: "Acme Corp", Domain: "https://WWW.Acme.com/"}
	if _, err := o.RunScan(t.Context(), job); err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	want := tasks.TaskContext{ScanID: "scan-ctx", Run: 1, Domain: "www.acme.com", OrganizationName: "Acme Corp"}
	if len(task.Calls) != 1 || task.Calls[0] != want {
		t.Fatalf("task context = %+v, want %+v", task.Calls, want)
	}
}

// ─── Failure policy ────────────────────────────────────────────────────

func TestRunScan_CriticalFailureAbortsAtFailingTask(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	q := &testutil.FakeQueue{}
	rep := &testutil.FakeReporter{}
	a := &testutil.FakeTask{TaskName: "a", Findings: 1, Evidence: s.ev}
	b := &testutil.FakeTask{TaskName: "b", Err: testutil.ErrBoom}
	c := &testutil.FakeTask{TaskName: "c", Findings: 1, Evidence: s.ev}
	o := newOrchestrator(t, s, app.Deps{Queue: q, Reporter: rep, Critical: tasks.NewCriticalSet("b")}, a, b, c)

	scan, err := o.RunScan(t.Context(), acmeJob("scan-crit"))

	var cerr *app.CriticalTaskError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CriticalTaskError, got %v", err)
	}
	if cerr.Err.Task != "b" || !errors.Is(err, testutil.ErrBoom) {
		t.Errorf("critical error should wrap task b's error: %v", err)
	}
	if c.CallCount() != 0 {
		t.Error("no task may run after a critical failure")
	}
	if scan.Status != model.ScanFailed || !strings.Contains(scan.ErrorMessage, "task b") {
		t.Errorf("expected failed with task b in message, got %s %q", scan.Status, scan.ErrorMessage)
	}
	if scan.CompletedAt != nil {
		t.Error("failed scans have no completion time")
	}
	if len(rep.Scans) != 0 {
		t.Error("reporter must not run for failed scans")
	}
	statuses := q.Statuses("scan-crit")
	if statuses[len(statuses)-1] != model.ScanFailed {
		t.Errorf("queue should end at failed, got %v", statuses)
	}
}

func TestRunScan_NonCriticalFailureContinues(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	q := &testutil.FakeQueue{}
	a := &testutil.FakeTask{TaskName: "a", Findings: 1, Evidence: s.ev}
	b := &testutil.FakeTask{TaskName: "b", Err: testutil.ErrBoom}
	c := &testutil.FakeTask{TaskName: "c", Findings: 1, Evidence: s.ev}
	o := newOrchestrator(t, s, app.Deps{Queue: q, Critical: tasks.NewCriticalSet("a")}, a, b, c)

	scan, err := o.RunScan(t.Context(), acmeJob("scan-nc"))
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if c.CallCount() != 1 {
		t.Error("task c should run after a non-critical failure")
	}
	if scan.Status != model.ScanDone || scan.CompletedTasks != 3 {
		t.Fatalf("expected done with 3 completed tasks, got %s %d", scan.Status, scan.CompletedTasks)
	}
	if scan.TotalFindingsCount != 2 {
		t.Errorf("scan-error artifacts must not count as findings, got %d", scan.TotalFindingsCount)
	}
	if !strings.Contains(scan.ErrorMessage, "task b") {
		t.Errorf("expected the task failure to be recorded, got %q", scan.ErrorMessage)
	}

	errs, err := s.ev.ListArtifacts(t.Context(), "scan-nc", scan.Run, evidence.ArtifactFilter{Type: model.ArtifactScanError})
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(errs) != 1 || errs[0].Task() != "b" {
		t.Fatalf("expected one scan-error artifact for b, got %+v", errs)
	}

	want := []model.ScanStatus{
		model.ScanQueued, model.ScanProcessing, model.ScanModuleFailed, model.ScanProcessing,
		model.ScanGeneratingReport, model.ScanDone,
	}
	if got := q.Statuses("scan-nc"); !slices.Equal(got, want) {
		t.Errorf("queue statuses = %v, want %v", got, want)
	}
}

func TestRunScan_ZeroEvidenceFails(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	rep := &testutil.FakeReporter{}
	a := &testutil.FakeTask{TaskName: "a"}
	b := &testutil.FakeTask{TaskName: "b", Err: testutil.ErrBoom}
	o := newOrchestrator(t, s, app.Deps{Reporter: rep}, a, b)

	scan, err := o.RunScan(t.Context(), acmeJob("scan-zero"))

	var zerr *app.ZeroEvidenceError
	if !errors.As(err, &zerr) {
		t.Fatalf("expected ZeroEvidenceError, got %v", err)
	}
	var cerr *app.CriticalTaskError
	if errors.As(err, &cerr) {
		t.Error("zero evidence must be distinct from a task failure")
	}
	if scan.Status != model.ScanFailed || scan.Progress != 100 {
		t.Errorf("expected failed at 100%%, got %s at %d", scan.Status, scan.Progress)
	}
	if !strings.Contains(scan.ErrorMessage, "no findings") {
		t.Errorf("unexpected message %q", scan.ErrorMessage)
	}
	if len(rep.Scans) != 0 {
		t.Error("reporter must not run for failed scans")
	}
}

// ─── Progress and re-runs ──────────────────────────────────────────────

func TestRunScan_ProgressPersistedBeforeEachTask(t *testing.T) {
	t.Parallel()
	s := newStores(t)

	type seen struct {
		task     string
		progress int
	}
	var got []seen
	var ts []tasks.Task
	for _, name := range []string{"t1", "t2", "t3", "t4"} {
		ts = append(ts, funcTask{name: name, fn: func(ctx context.Context, tc tasks.TaskContext) (int, error) {
			rec, err := s.reg.Get(ctx, tc.ScanID)
			if err != nil {
				return 0, err
			}
			got = append(got, seen{rec.CurrentTask, rec.Progress})
			return 1, nil
		}})
	}
	o := newOrchestrator(t, s, app.Deps{}, ts...)

	if _, err := o.RunScan(t.Context(), acmeJob("scan-prog")); err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	want := []seen{{"t1", 0}, {"t2", 25}, {"t3", 50}, {"t4", 75}}
	if !slices.Equal(got, want) {
		t.Fatalf("progress before tasks = %v, want %v", got, want)
	}
}

func TestRunScan_RerunResetsRecord(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	rep := &testutil.FakeReporter{Err: testutil.ErrBoom}
	a := &testutil.FakeTask{TaskName: "a", Findings: 1, Severity: model.SeverityHigh, ArtifactType: model.ArtifactExposedDatabase, Evidence: s.ev}
	o := newOrchestrator(t, s, app.Deps{Reporter: rep}, a)

	first, err := o.RunScan(t.Context(), acmeJob("scan-rerun"))
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if len(first.Warnings) != 1 {
		t.Fatalf("expected one warning on the first run, got %v", first.Warnings)
	}

	rep.Err = nil
	second, err := o.RunScan(t.Context(), acmeJob("scan-rerun"))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(second.Warnings) != 0 {
		t.Errorf("re-run should clear warnings, got %v", second.Warnings)
	}
	if second.Version <= first.Version {
		t.Errorf("version must keep growing across runs: %d then %d", first.Version, second.Version)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("re-run must keep the creation time")
	}
	if first.Run != 1 || second.Run != 2 {
		t.Errorf("run numbers = %d, %d; want 1, 2", first.Run, second.Run)
	}
	if second.TotalFindingsCount != first.TotalFindingsCount || second.TotalFindingsCount != 1 {
		t.Errorf("re-run must not count earlier evidence: %d then %d", first.TotalFindingsCount, second.TotalFindingsCount)
	}

	firstCalc, secondCalc := rep.Calcs[0], rep.Calcs[1]
	if firstCalc.ExpectedValue <= 0 || secondCalc.ExpectedValue != firstCalc.ExpectedValue {
		t.Errorf("expected value changed across identical runs: %v then %v", firstCalc.ExpectedValue, secondCalc.ExpectedValue)
	}
	if secondCalc.BaseImpact != firstCalc.BaseImpact || len(secondCalc.FactorsApplied) != 1 || secondCalc.FactorsApplied[0].Count != 1 {
		t.Errorf("risk inputs changed across identical runs: %+v then %+v", firstCalc, secondCalc)
	}

	findings, err := s.ev.ListFindings(t.Context(), "scan-rerun", second.Run)
	if err != nil {
		t.Fatalf("ListFindings: %v", err)
	}
	if len(findings) != 1 {
		t.Errorf("expected only the current run's finding, got %d", len(findings))
	}
	older, err := s.ev.ListFindings(t.Context(), "scan-rerun", first.Run)
	if err != nil || len(older) != 1 {
		t.Errorf("earlier runs stay on disk: got %d, %v", len(older), err)
	}
}

func TestRunScan_ReturnedRecordMatchesStored(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	a := &testutil.FakeTask{TaskName: "a", Findings: 1, Evidence: s.ev}
	o := newOrchestrator(t, s, app.Deps{}, a)

	scan, err := o.RunScan(t.Context(), acmeJob("scan-rt"))
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	stored, err := s.reg.Get(t.Context(), "scan-rt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !scan.CreatedAt.Equal(stored.CreatedAt) || !scan.UpdatedAt.Equal(stored.UpdatedAt) {
		t.Errorf("timestamps differ: got %v/%v, stored %v/%v", scan.CreatedAt, scan.UpdatedAt, stored.CreatedAt, stored.UpdatedAt)
	}
	if scan.CompletedAt == nil || stored.CompletedAt == nil || !scan.CompletedAt.Equal(*stored.CompletedAt) {
		t.Errorf("completion time differs: got %v, stored %v", scan.CompletedAt, stored.CompletedAt)
	}
	got, want := *scan, *stored
	got.CreatedAt, got.UpdatedAt, got.CompletedAt = want.CreatedAt, want.UpdatedAt, want.CompletedAt
	if !reflect.DeepEqual(got, want) {
		t.Errorf("returned scan differs from the stored one:\n got %+v\nwant %+v", got, want)
	}
}

// ─── Report phase ──────────────────────────────────────────────────────

func TestRunScan_ReportFailureIsWarningOnly(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	rep := &testutil.FakeReporter{Err: testutil.ErrBoom}
	a := &testutil.FakeTask{TaskName: "a", Findings: 1, Evidence: s.ev}
	o := newOrchestrator(t, s, app.Deps{Reporter: rep}, a)

	scan, err := o.RunScan(t.Context(), acmeJob("scan-warn"))
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if scan.Status != model.ScanDone {
		t.Fatalf("report failures must not fail the scan, got %s", scan.Status)
	}
	if len(scan.Warnings) != 1 || !strings.Contains(scan.Warnings[0], "boom") {
		t.Fatalf("expected the report failure as a warning, got %v", scan.Warnings)
	}
}

// cancelingReporter cancels the scan it is reporting on.
type cancelingReporter struct {
	o     *app.Orchestrator
	calls int
}

func (c *cancelingReporter) Generate(_ context.Context, scan model.Scan, _ []model.Finding, _ model.FinancialImpactCalculation) error {
	c.calls++
	c.o.CancelScan(scan.ID)
	return nil
}

func TestRunScan_CancelDuringReportStillCompletes(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	rep := &cancelingReporter{}
	a := &testutil.FakeTask{TaskName: "a", Findings: 1, Evidence: s.ev}
	o := newOrchestrator(t, s, app.Deps{Reporter: rep}, a)
	rep.o = o

	scan, err := o.RunScan(t.Context(), acmeJob("scan-late-cancel"))
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if scan.Status != model.ScanDone || rep.calls != 1 {
		t.Fatalf("a reported scan must end done, got %s after %d reports", scan.Status, rep.calls)
	}
	stored, err := s.reg.Get(t.Context(), "scan-late-cancel")
	if err != nil || stored.Status != model.ScanDone {
		t.Fatalf("stored status = %v, %v", stored, err)
	}
}

// failingSeverity breaks the final aggregation of an otherwise working store.
type failingSeverity struct {
	*evidence.Store
}

func (failingSeverity) MaxSeverity(context.Context, string, int) (model.Severity, error) {
	return "", testutil.ErrBoom
}

func TestRunScan_AggregationFailureSkipsReport(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	rep := &testutil.FakeReporter{}
	a := &testutil.FakeTask{TaskName: "a", Findings: 1, Evidence: s.ev}
	treg, err := tasks.NewRegistry(a)
	if err != nil {
		t.Fatalf("tasks.NewRegistry: %v", err)
	}
	o, err := app.NewOrchestrator(app.Deps{
		Registry: s.reg,
		Evidence: failingSeverity{s.ev},
		Tasks:    treg,
		Reporter: rep,
		Logger:   &testutil.DummyLogger{},
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	scan, err := o.RunScan(t.Context(), acmeJob("scan-agg"))
	if !errors.Is(err, testutil.ErrBoom) {
		t.Fatalf("expected the aggregation error, got %v", err)
	}
	if scan.Status != model.ScanFailed {
		t.Errorf("expected failed, got %s", scan.Status)
	}
	if len(rep.Scans) != 0 {
		t.Error("reporter must not run for failed scans")
	}
}

func TestRunScan_CorrelatesSoftwareComponents(t *testing.T) {
	t.Parallel()
	s := newStores(t)

	detect := funcTask{name: "detect", fn: func(ctx context.Context, tc tasks.TaskContext) (int, error) {
		for range 2 {
			_, err := s.ev.InsertArtifact(ctx, model.Artifact{
				Type:     model.ArtifactSoftwareComponent,
				Severity: model.SeverityInfo,
				Value:    "jquery 3.3.1",
				Run:      tc.Run,
				Meta: map[string]any{
					model.MetaScanID:             tc.ScanID,
					model.MetaTask:               "detect",
					tasks.MetaComponentName:      "jquery",
					tasks.MetaComponentVersion:   "3.3.1",
					tasks.MetaComponentEcosystem: "npm",
				},
			})
			if err != nil {
				return 0, err
			}
		}
		return 1, nil
	}}
	corr := &stubCorrelator{reports: []model.ComponentVulnerabilityReport{
		{
			Component: model.NormalizedComponent{Name: "jquery", Version: "3.3.1", Ecosystem: "npm"},
			Matches: []model.VulnerabilityMatch{
				{ID: "CVE-2020-11022", Severity: model.SeverityHigh, FixedVersion: "3.5.0", KnownExploited: true},
				{ID: "CVE-2019-11358", Severity: model.SeverityMedium, FixedVersion: "3.4.0"},
			},
			RiskScore:    7.2,
			Freshness:    model.FreshnessUnknown,
			SourceErrors: []string{"nvd"},
		},
		{Component: model.NormalizedComponent{Name: "bootstrap", Version: "5.3.0", Ecosystem: "npm"}, Freshness: model.FreshnessCurrent},
	}}
	o := newOrchestrator(t, s, app.Deps{Correlator: corr}, detect)

	scan, err := o.RunScan(t.Context(), acmeJob("scan-vuln"))
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if len(corr.got) != 1 || corr.got[0].Name != "jquery" {
		t.Fatalf("expected one deduplicated component, got %+v", corr.got)
	}

	vulns, err := s.ev.ListArtifacts(t.Context(), "scan-vuln", scan.Run, evidence.ArtifactFilter{Type: model.ArtifactVulnerableComponent})
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(vulns) != 1 {
		t.Fatalf("expected one vulnerable-component artifact, got %d", len(vulns))
	}
	v := vulns[0]
	if v.Severity != model.SeverityHigh || v.Task() != app.CorrelationTask {
		t.Errorf("unexpected artifact: %+v", v)
	}
	if !strings.Contains(v.Value, "CVE-2020-11022") || !strings.Contains(v.Value, "CVE-2019-11358") {
		t.Errorf("artifact should list the matches, got %q", v.Value)
	}

	findings, err := s.ev.ListFindings(t.Context(), "scan-vuln", scan.Run)
	if err != nil {
		t.Fatalf("ListFindings: %v", err)
	}
	var rec string
	for _, f := range findings {
		if f.ArtifactID == v.ID {
			rec = f.Recommendation
		}
	}
	if rec != "Upgrade jquery to 3.5.0 or later." {
		t.Errorf("recommendation = %q", rec)
	}

	reports, err := s.ev.ListComponentReports(t.Context(), "scan-vuln", scan.Run)
	if err != nil {
		t.Fatalf("ListComponentReports: %v", err)
	}
	if len(reports) != 2 {
		t.Errorf("expected both component reports saved, got %d", len(reports))
	}
	if !slices.Contains(scan.Warnings, "vulnerability source nvd unavailable") {
		t.Errorf("expected a source warning, got %v", scan.Warnings)
	}
	if scan.MaxSeverity != model.SeverityHigh {
		t.Errorf("max severity should include correlated evidence, got %s", scan.MaxSeverity)
	}

	calc, err := s.ev.GetRiskAssessment(t.Context(), "scan-vuln", scan.Run)
	if err != nil {
		t.Fatalf("GetRiskAssessment: %v", err)
	}
	if len(calc.FactorsApplied) != 1 || calc.FactorsApplied[0].FindingType != model.ArtifactVulnerableComponent {
		t.Errorf("risk should be driven by the vulnerable component, got %+v", calc.FactorsApplied)
	}
}

// ─── Collaborator failures ─────────────────────────────────────────────

func TestRunScan_QueueUpdatesAreBestEffort(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	logger := &testutil.DummyLogger{}
	q := &testutil.FakeQueue{UpdateErr: testutil.ErrBoom}
	a := &testutil.FakeTask{TaskName: "a", Findings: 1, Evidence: s.ev}
	o := newOrchestrator(t, s, app.Deps{Queue: q, Logger: logger}, a)

	scan, err := o.RunScan(t.Context(), acmeJob("scan-q"))
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if scan.Status != model.ScanDone {
		t.Fatalf("queue failures must not affect the scan, got %s", scan.Status)
	}
	if logger.WarnCount() == 0 {
		t.Error("expected queue failures to be logged")
	}
}

// ─── Task selection and cancellation ───────────────────────────────────

func TestRunScan_JobSelectsTasks(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	a := &testutil.FakeTask{TaskName: "a", Findings: 1, Evidence: s.ev}
	b := &testutil.FakeTask{TaskName: "b", Findings: 1, Evidence: s.ev}
	c := &testutil.FakeTask{TaskName: "c", Findings: 1, Evidence: s.ev}
	o := newOrchestrator(t, s, app.Deps{}, a, b, c)

	job := acmeJob("scan-sel")
	job.Options = map[string]string{app.OptionTasks: "c, a"}
	scan, err := o.RunScan(t.Context(), job)
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if scan.TotalTasks != 2 || b.CallCount() != 0 || a.CallCount() != 1 || c.CallCount() != 1 {
		t.Fatalf("expected only a and c to run, total=%d", scan.TotalTasks)
	}

	job = acmeJob("scan-bad")
	job.Options = map[string]string{app.OptionTasks: "nope"}
	if _, err := o.RunScan(t.Context(), job); err == nil {
		t.Fatal("expected an error for an unknown task")
	}
	if _, err := s.reg.Get(t.Context(), "scan-bad"); !errors.Is(err, registry.ErrScanNotFound) {
		t.Errorf("no scan record should be created for a rejected job, got %v", err)
	}
}

func TestRunScan_CancelStopsScan(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	var o *app.Orchestrator
	first := funcTask{name: "first", fn: func(ctx context.Context, tc tasks.TaskContext) (int, error) {
		if got := o.Running(); !slices.Equal(got, []string{tc.ScanID}) {
			t.Errorf("Running() = %v", got)
		}
		if !o.CancelScan(tc.ScanID) {
			t.Error("CancelScan should find the running scan")
		}
		<-ctx.Done()
		return 0, ctx.Err()
	}}
	second := &testutil.FakeTask{TaskName: "second", Findings: 1, Evidence: s.ev}
	o = newOrchestrator(t, s, app.Deps{}, first, second)

	scan, err := o.RunScan(t.Context(), acmeJob("scan-cancel"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if second.CallCount() != 0 {
		t.Error("no task may start after cancellation")
	}
	if scan.Status != model.ScanFailed {
		t.Errorf("canceled scan should be failed, got %s", scan.Status)
	}
	stored, _ := s.reg.Get(t.Context(), "scan-cancel")
	if stored.Status != model.ScanFailed {
		t.Errorf("terminal state must be persisted despite cancellation, got %s", stored.Status)
	}
	if len(o.Running()) != 0 || o.CancelScan("scan-cancel") {
		t.Error("finished scans must not be tracked")
	}
}

func TestRunScan_RejectsConcurrentRunOfSameScan(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	var o *app.Orchestrator
	var nestedErr error
	nest := funcTask{name: "nest", fn: func(ctx context.Context, tc tasks.TaskContext) (int, error) {
		_, nestedErr = o.RunScan(ctx, acmeJob(tc.ScanID))
		return 1, nil
	}}
	o = newOrchestrator(t, s, app.Deps{}, nest)

	if _, err := o.RunScan(t.Context(), acmeJob("scan-dup")); err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if !errors.Is(nestedErr, app.ErrScanRunning) {
		t.Fatalf("expected ErrScanRunning, got %v", nestedErr)
	}
}
