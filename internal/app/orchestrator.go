package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/raysh454/vigil/internal/evidence"
	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/metrics"
	"github.com/raysh454/vigil/internal/model"
	"github.com/raysh454/vigil/internal/registry"
	"github.com/raysh454/vigil/internal/risk"
	"github.com/raysh454/vigil/internal/scanstate"
	"github.com/raysh454/vigil/internal/tasks"
	"github.com/raysh454/vigil/internal/vuln"
)

// CorrelationTask is the task name recorded on vulnerable-component
// artifacts written during the report phase.
const CorrelationTask = "vuln-correlation"

// OptionTasks is the job option holding a comma separated task selection.
const OptionTasks = "tasks"

// ErrScanRunning is returned when a scan is already executing in this process.
var ErrScanRunning = errors.New("scan is already running")

// Queue is the part of the job queue the orchestrator and workers use.
type Queue interface {
	NextJob(ctx context.Context) (*model.Job, error)
	UpdateStatus(ctx context.Context, scanID string, status model.ScanStatus, message string) error
}

// Reporter renders the final report of a completed scan.
type Reporter interface {
	Generate(ctx context.Context, scan model.Scan, findings []model.Finding, calc model.FinancialImpactCalculation) error
}

type Correlator interface {
	CorrelateAll(ctx context.Context, comps []model.NormalizedComponent) []model.ComponentVulnerabilityReport
}

// Evidence is the evidence store as seen by the orchestrator. Reads are
// scoped to one run of a scan.
type Evidence interface {
	tasks.EvidenceWriter
	CountArtifacts(ctx context.Context, scanID string, run int) (int, error)
	MaxSeverity(ctx context.Context, scanID string, run int) (model.Severity, error)
	CountByType(ctx context.Context, scanID string, run int) ([]model.TypeCount, error)
	ListArtifacts(ctx context.Context, scanID string, run int, f evidence.ArtifactFilter) ([]model.Artifact, error)
	ListFindings(ctx context.Context, scanID string, run int) ([]model.Finding, error)
	SaveRiskAssessment(ctx context.Context, scanID string, run int, calc model.FinancialImpactCalculation) error
	SaveComponentReport(ctx context.Context, scanID string, run int, rep model.ComponentVulnerabilityReport) error
}

// Deps are the collaborators of an Orchestrator. Registry, Evidence and
// Tasks are required; the rest are optional.
type Deps struct {
	Registry   *registry.Registry
	Evidence   Evidence
	Tasks      *tasks.Registry
	Critical   tasks.CriticalSet
	Correlator Correlator
	// Tables defaults to risk.DefaultTables.
	Tables   *risk.Tables
	Queue    Queue
	Reporter Reporter
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
	Logger   logging.Logger
}

// Orchestrator executes scans: the task loop, failure policy, report phase
// and every lifecycle write.
type Orchestrator struct {
	registry   *registry.Registry
	evidence   Evidence
	tasks      *tasks.Registry
	critical   tasks.CriticalSet
	correlator Correlator
	tables     risk.Tables
	queue      Queue
	reporter   Reporter
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     logging.Logger

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

func NewOrchestrator(d Deps) (*Orchestrator, error) {
	if d.Registry == nil {
		return nil, errors.New("orchestrator: registry is required")
	}
	if d.Evidence == nil {
		return nil, errors.New("orchestrator: evidence store is required")
	}
	if d.Tasks == nil {
		return nil, errors.New("orchestrator: task registry is required")
	}
	if d.Logger == nil {
		d.Logger = logging.Nop{}
	}
	if d.Tracer == nil {
		d.Tracer = noop.NewTracerProvider().Tracer("")
	}
	tables := risk.DefaultTables()
	if d.Tables != nil {
		tables = *d.Tables
	}
	return &Orchestrator{
		registry:   d.Registry,
		evidence:   d.Evidence,
		tasks:      d.Tasks,
		critical:   d.Critical,
		correlator: d.Correlator,
		tables:     tables,
		queue:      d.Queue,
		reporter:   d.Reporter,
		metrics:    d.Metrics,
		tracer:     d.Tracer,
		logger:     d.Logger.With(logging.Field{Key: "component", Value: "orchestrator"}),
		active:     make(map[string]context.CancelFunc),
	}, nil
}

// TaskNames lists the registered tasks in execution order.
func (o *Orchestrator) TaskNames() []string {
	return o.tasks.Names()
}

// RunScan executes job to completion and returns the final scan record. A
// scan that ends in the failed state returns its cause: a
// *CriticalTaskError, a *ZeroEvidenceError or a cancellation. Any other
// error means the scan record could not be written.
func (o *Orchestrator) RunScan(ctx context.Context, job model.Job) (*model.Scan, error) {
	list, err := o.taskList(job)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scan, err := o.registry.Ensure(ctx, job.ScanID, job.OrganizationName, job.Domain)
	if err != nil {
		return nil, fmt.Errorf("load scan: %w", err)
	}
	if !o.track(scan.ID, cancel) {
		return scan, fmt.Errorf("%w: %s", ErrScanRunning, scan.ID)
	}
	defer o.untrack(scan.ID)

	ctx, span := o.tracer.Start(ctx, "scan", trace.WithAttributes(
		attribute.String("scan.id", scan.ID),
		attribute.String("scan.domain", scan.Domain),
		attribute.Int("scan.tasks", list.Len()),
	))
	defer span.End()
	finish := o.metrics.ScanStarted()

	r := &scanRun{
		Orchestrator: o,
		scan:         scan,
		job:          job,
		logger: o.logger.With(
			logging.Field{Key: "scan_id", Value: scan.ID},
			logging.Field{Key: "domain", Value: scan.Domain}),
	}
	start := time.Now()
	runErr := r.run(ctx, list)

	finish(string(scan.Status))
	span.SetAttributes(
		attribute.String("scan.status", string(scan.Status)),
		attribute.Int("scan.findings", scan.TotalFindingsCount),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		r.logger.Warn("scan ended with error",
			logging.Field{Key: "status", Value: string(scan.Status)},
			logging.Field{Key: "error", Value: runErr})
	} else {
		r.logger.Info("scan completed",
			logging.Field{Key: "findings", Value: scan.TotalFindingsCount},
			logging.Field{Key: "max_severity", Value: string(scan.MaxSeverity)},
			logging.Field{Key: "warnings", Value: len(scan.Warnings)},
			logging.Field{Key: "duration", Value: time.Since(start).String()})
	}
	return scan, runErr
}

// CancelScan cancels a scan running in this process. It reports whether
// the scan was found.
func (o *Orchestrator) CancelScan(scanID string) bool {
	o.activeMu.Lock()
	cancel, ok := o.active[scanID]
	o.activeMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running returns the ids of scans executing in this process, sorted.
func (o *Orchestrator) Running() []string {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	out := make([]string, 0, len(o.active))
	for id := range o.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close cancels every running scan.
func (o *Orchestrator) Close() {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	for _, cancel := range o.active {
		cancel()
	}
}

func (o *Orchestrator) track(scanID string, cancel context.CancelFunc) bool {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	if _, busy := o.active[scanID]; busy {
		return false
	}
	o.active[scanID] = cancel
	return true
}

func (o *Orchestrator) untrack(scanID string) {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	delete(o.active, scanID)
}

func (o *Orchestrator) taskList(job model.Job) (*tasks.Registry, error) {
	raw := strings.TrimSpace(job.Options[OptionTasks])
	if raw == "" {
		return o.tasks, nil
	}
	var names []string
	for _, n := range strings.Split(raw, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	list, err := o.tasks.Select(names)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	return list, nil
}

// scanRun is the state of one RunScan call. It is owned by one goroutine.
type scanRun struct {
	*Orchestrator
	scan   *model.Scan
	job    model.Job
	logger logging.Logger

	notified model.ScanStatus
}

func (r *scanRun) run(ctx context.Context, list *tasks.Registry) error {
	if err := r.transition(ctx, scanstate.Event{Kind: scanstate.EventReset, TotalTasks: list.Len()}); err != nil {
		return err
	}
	if err := r.transition(ctx, scanstate.Event{Kind: scanstate.EventStart}); err != nil {
		return err
	}

	tc := tasks.TaskContext{
		ScanID:           r.scan.ID,
		Run:              r.scan.Run,
		Domain:           r.scan.Domain,
		OrganizationName: r.scan.OrganizationName,
	}
	total := 0
	for _, t := range list.Tasks() {
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, fmt.Errorf("scan canceled: %w", err))
		}
		n, err := r.runTask(ctx, t, tc)
		if err != nil {
			return err
		}
		total += n
	}

	if total == 0 {
		return r.fail(ctx, &ZeroEvidenceError{ScanID: r.scan.ID, Tasks: list.Len()})
	}

	if err := r.transition(ctx, scanstate.Event{Kind: scanstate.EventBeginReport}); err != nil {
		return err
	}
	r.correlate(ctx)

	count, err := r.evidence.CountArtifacts(ctx, r.scan.ID, r.scan.Run)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("count artifacts: %w", err))
	}
	maxSev, err := r.evidence.MaxSeverity(ctx, r.scan.ID, r.scan.Run)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("max severity: %w", err))
	}
	calc := r.assessRisk(ctx)
	if err := ctx.Err(); err != nil {
		return r.fail(ctx, fmt.Errorf("scan canceled: %w", err))
	}

	// From here on the scan completes: a report exists only for done scans.
	ctx = context.WithoutCancel(ctx)
	r.report(ctx, calc, count, maxSev)
	return r.transition(ctx, scanstate.Event{Kind: scanstate.EventComplete, FindingsCount: count, MaxSeverity: maxSev})
}

// runTask executes one task. A non-nil error ends the scan; the scan record
// has already been moved to its final state when that error came from the
// task itself.
func (r *scanRun) runTask(ctx context.Context, t tasks.Task, tc tasks.TaskContext) (int, error) {
	name := t.Name()
	if err := r.transition(ctx, scanstate.Event{Kind: scanstate.EventTaskStarted, Task: name}); err != nil {
		return 0, err
	}

	tctx, span := r.tracer.Start(ctx, "task", trace.WithAttributes(attribute.String("task.name", name)))
	start := time.Now()
	n, err := t.Run(tctx, tc)
	elapsed := time.Since(start)

	if err == nil {
		span.SetAttributes(attribute.Int("task.findings", n))
		span.End()
		r.metrics.ObserveTask(name, metrics.OutcomeSucceeded, n, elapsed)
		r.logger.Info("task finished",
			logging.Field{Key: "task", Value: name},
			logging.Field{Key: "findings", Value: n},
			logging.Field{Key: "duration", Value: elapsed.String()})
		return n, r.transition(ctx, scanstate.Event{Kind: scanstate.EventTaskSucceeded})
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
	terr := &TaskExecutionError{Task: name, Err: err}

	if ctx.Err() != nil {
		r.metrics.ObserveTask(name, metrics.OutcomeFailed, 0, elapsed)
		return 0, r.fail(ctx, fmt.Errorf("scan canceled: %w", terr))
	}
	if r.critical.Contains(name) {
		r.metrics.ObserveTask(name, metrics.OutcomeCritical, 0, elapsed)
		r.logger.Error("critical task failed, aborting scan",
			logging.Field{Key: "task", Value: name},
			logging.Field{Key: "error", Value: err})
		return 0, r.fail(ctx, &CriticalTaskError{Err: terr})
	}

	r.metrics.ObserveTask(name, metrics.OutcomeFailed, 0, elapsed)
	r.logger.Warn("task failed, continuing",
		logging.Field{Key: "task", Value: name},
		logging.Field{Key: "error", Value: err})
	if err := r.transition(ctx, scanstate.Event{Kind: scanstate.EventTaskFailed, Message: terr.Error()}); err != nil {
		return 0, err
	}
	r.recordTaskError(ctx, terr)
	return 0, r.transition(ctx, scanstate.Event{Kind: scanstate.EventResume})
}

func (r *scanRun) recordTaskError(ctx context.Context, terr *TaskExecutionError) {
	_, err := r.evidence.InsertArtifact(ctx, model.Artifact{
		Type:     model.ArtifactScanError,
		Severity: model.SeverityInfo,
		Value:    terr.Error(),
		Run:      r.scan.Run,
		Meta: map[string]any{
			model.MetaScanID: r.scan.ID,
			model.MetaTask:   terr.Task,
		},
	})
	if err != nil {
		r.logger.Warn("could not record scan-error artifact",
			logging.Field{Key: "task", Value: terr.Task},
			logging.Field{Key: "error", Value: err})
	}
}

// fail moves the scan to failed and returns cause. The write is detached
// from ctx so a canceled scan still reaches its terminal state.
func (r *scanRun) fail(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := r.transition(ctx, scanstate.Event{Kind: scanstate.EventFail, Message: cause.Error()}); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// warn records a non-fatal report-phase problem on the scan.
func (r *scanRun) warn(ctx context.Context, msg string) {
	r.logger.Warn("report phase: " + msg)
	if err := r.transition(ctx, scanstate.Event{Kind: scanstate.EventWarn, Message: msg}); err != nil {
		r.logger.Error("could not record warning", logging.Field{Key: "error", Value: err})
	}
}

func (r *scanRun) transition(ctx context.Context, ev scanstate.Event) error {
	if err := r.registry.Apply(ctx, r.scan, ev); err != nil {
		return fmt.Errorf("scan %s %s: %w", r.scan.ID, ev.Kind, err)
	}
	if r.scan.Status != r.notified {
		r.notified = r.scan.Status
		r.notify(ctx)
	}
	return nil
}

// notify mirrors the scan status to the queue. Failures are logged only.
func (r *scanRun) notify(ctx context.Context) {
	if r.queue == nil {
		return
	}
	if err := r.queue.UpdateStatus(ctx, r.scan.ID, r.scan.Status, r.scan.ErrorMessage); err != nil {
		r.metrics.SourceError("queue")
		r.logger.Warn("queue status update failed",
			logging.Field{Key: "status", Value: string(r.scan.Status)},
			logging.Field{Key: "error", Value: &ExternalServiceError{Service: "queue", Err: err}})
	}
}

// correlate looks up vulnerabilities for every detected software component
// and records the vulnerable ones.
func (r *scanRun) correlate(ctx context.Context) {
	if r.correlator == nil {
		return
	}
	arts, err := r.evidence.ListArtifacts(ctx, r.scan.ID, r.scan.Run, evidence.ArtifactFilter{Type: model.ArtifactSoftwareComponent})
	if err != nil {
		r.warn(ctx, fmt.Sprintf("correlation: list components: %v", err))
		return
	}
	comps := uniqueComponents(arts)
	if len(comps) == 0 {
		return
	}

	ctx, span := r.tracer.Start(ctx, "correlate", trace.WithAttributes(attribute.Int("components", len(comps))))
	defer span.End()

	reports := r.correlator.CorrelateAll(ctx, comps)
	failed := map[string]struct{}{}
	vulnerable := 0
	for _, rep := range reports {
		if err := r.evidence.SaveComponentReport(ctx, r.scan.ID, r.scan.Run, rep); err != nil {
			r.warn(ctx, fmt.Sprintf("correlation: save report for %s: %v", rep.Component.Name, err))
		}
		for _, s := range rep.SourceErrors {
			failed[s] = struct{}{}
		}
		if len(rep.Matches) == 0 {
			continue
		}
		if err := r.recordVulnerable(ctx, rep); err != nil {
			r.warn(ctx, fmt.Sprintf("correlation: record %s: %v", rep.Component.Name, err))
			continue
		}
		vulnerable++
	}

	names := make([]string, 0, len(failed))
	for s := range failed {
		names = append(names, s)
	}
	sort.Strings(names)
	for _, s := range names {
		r.metrics.SourceError(s)
		r.warn(ctx, fmt.Sprintf("vulnerability source %s unavailable", s))
	}
	span.SetAttributes(attribute.Int("vulnerable", vulnerable))
}

func (r *scanRun) recordVulnerable(ctx context.Context, rep model.ComponentVulnerabilityReport) error {
	c := rep.Component
	ids := make([]string, len(rep.Matches))
	kev := false
	for i, m := range rep.Matches {
		ids[i] = m.ID
		kev = kev || m.KnownExploited
	}
	sev := rep.Matches[0].Severity
	if !sev.IsValid() {
		sev = model.SeverityMedium
	}

	id, err := r.evidence.InsertArtifact(ctx, model.Artifact{
		Type:     model.ArtifactVulnerableComponent,
		Severity: sev,
		Value:    strings.TrimSpace(c.Name+" "+c.Version) + ": " + strings.Join(ids, ", "),
		Run:      r.scan.Run,
		Meta: map[string]any{
			model.MetaScanID:             r.scan.ID,
			model.MetaTask:               CorrelationTask,
			tasks.MetaComponentName:      c.Name,
			tasks.MetaComponentVersion:   c.Version,
			tasks.MetaComponentEcosystem: c.Ecosystem,
			"risk_score":                 rep.RiskScore,
			"freshness":                  string(rep.Freshness),
			"known_exploited":            kev,
		},
	})
	if err != nil {
		return err
	}

	rec := fmt.Sprintf("Upgrade %s to a supported release or apply the vendor's mitigations.", c.Name)
	if fixed := latestFix(rep.Matches); fixed != "" {
		rec = fmt.Sprintf("Upgrade %s to %s or later.", c.Name, fixed)
	}
	desc := fmt.Sprintf("%s %s is affected by %d known vulnerabilities (risk %.1f/10).",
		c.Name, c.Version, len(rep.Matches), rep.RiskScore)
	if kev {
		desc += " At least one is known to be exploited in the wild."
	}
	_, err = r.evidence.InsertFinding(ctx, id, model.ArtifactVulnerableComponent, rec, desc)
	return err
}

func (r *scanRun) assessRisk(ctx context.Context) model.FinancialImpactCalculation {
	counts, err := r.evidence.CountByType(ctx, r.scan.ID, r.scan.Run)
	if err != nil {
		r.warn(ctx, fmt.Sprintf("risk: count evidence: %v", err))
		return model.FinancialImpactCalculation{}
	}
	calc := risk.Calculate(r.tables, counts, r.job.Profile)
	if err := r.evidence.SaveRiskAssessment(ctx, r.scan.ID, r.scan.Run, calc); err != nil {
		r.warn(ctx, fmt.Sprintf("risk: save assessment: %v", err))
	}
	return calc
}

// report hands the reporter the scan as it will be completed.
func (r *scanRun) report(ctx context.Context, calc model.FinancialImpactCalculation, count int, maxSev model.Severity) {
	if r.reporter == nil {
		return
	}
	findings, err := r.evidence.ListFindings(ctx, r.scan.ID, r.scan.Run)
	if err != nil {
		r.warn(ctx, fmt.Sprintf("report: list findings: %v", err))
		return
	}
	final := *r.scan
	final.TotalFindingsCount = count
	final.MaxSeverity = maxSev
	if err := r.reporter.Generate(ctx, final, findings, calc); err != nil {
		r.metrics.SourceError("reporter")
		r.warn(ctx, fmt.Sprintf("report: %v", err))
	}
}

// uniqueComponents reads the components behind software-component
// artifacts, dropping repeats.
func uniqueComponents(arts []model.Artifact) []model.NormalizedComponent {
	seen := make(map[model.NormalizedComponent]struct{}, len(arts))
	var out []model.NormalizedComponent
	for _, a := range arts {
		c, ok := tasks.ComponentFromArtifact(a)
		if !ok {
			continue
		}
		key := model.NormalizedComponent{
			Name:      strings.ToLower(c.Name),
			Version:   c.Version,
			Ecosystem: strings.ToLower(c.Ecosystem),
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

// latestFix is the highest fixed version among matches, or "".
func latestFix(ms []model.VulnerabilityMatch) string {
	best := ""
	for _, m := range ms {
		if m.FixedVersion == "" {
			continue
		}
		if best == "" {
			best = m.FixedVersion
			continue
		}
		if c, err := vuln.CompareVersions(m.FixedVersion, best); err == nil && c > 0 {
			best = m.FixedVersion
		}
	}
	return best
}
