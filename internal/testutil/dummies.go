// Package testutil provides shared test doubles for use across package tests.
// Every dummy satisfies the interface its consumer declares, so components
// can be exercised without network access or real collaborators.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/model"
	"github.com/raysh454/vigil/internal/tasks"
	"github.com/raysh454/vigil/internal/vuln"
	"github.com/raysh454/vigil/internal/webclient"
)

// ─── Logger ────────────────────────────────────────────────────────────

// DummyLogger implements logging.Logger with in-memory recording.
type DummyLogger struct {
	mu     sync.Mutex
	Errors []string
	Infos  []string
	Debugs []string
	Warns  []string
}

func (l *DummyLogger) Debug(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Debugs = append(l.Debugs, msg)
}

func (l *DummyLogger) Info(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Infos = append(l.Infos, msg)
}

func (l *DummyLogger) Warn(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Warns = append(l.Warns, msg)
}

func (l *DummyLogger) Error(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Errors = append(l.Errors, msg)
}

func (l *DummyLogger) With(_ ...logging.Field) logging.Logger { return l }

// WarnCount returns how many warnings were logged.
func (l *DummyLogger) WarnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Warns)
}

// ─── WebClient ─────────────────────────────────────────────────────────

// DummyWebClient implements webclient.WebClient.
// By default it returns body "ok:<url>" with status 200. Responses
// overrides the reply per URL; FailURLs forces an error.
type DummyWebClient struct {
	Responses map[string]*webclient.Response
	FailURLs  map[string]bool

	mu       sync.Mutex
	Requests []*webclient.Request
}

func (d *DummyWebClient) Do(ctx context.Context, req *webclient.Request) (*webclient.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.Requests = append(d.Requests, req)
	d.mu.Unlock()

	if d.FailURLs[req.URL] {
		return nil, fmt.Errorf("dummy fetch fail for %s", req.URL)
	}
	if r, ok := d.Responses[req.URL]; ok {
		cp := *r
		cp.Request = req
		if cp.Headers == nil {
			cp.Headers = http.Header{}
		}
		if cp.FinalURL == "" {
			cp.FinalURL = req.URL
		}
		return &cp, nil
	}
	return &webclient.Response{
		Request:    req,
		Headers:    http.Header{},
		Body:       []byte("ok:" + req.URL),
		StatusCode: 200,
		FinalURL:   req.URL,
		FetchedAt:  time.Now(),
	}, nil
}

func (d *DummyWebClient) Get(ctx context.Context, url string) (*webclient.Response, error) {
	return d.Do(ctx, &webclient.Request{Method: http.MethodGet, URL: url})
}

func (d *DummyWebClient) Close() error { return nil }

// ─── Resolver ──────────────────────────────────────────────────────────

// DummyResolver implements tasks.Resolver from static tables. Names absent
// from every table fail like NXDOMAIN. Failures makes single lookups fail,
// keyed like Lookups ("acme.com", "mx:acme.com", "txt:acme.com").
type DummyResolver struct {
	Addrs    map[string][]string
	MX       map[string][]string
	TXT      map[string][]string
	Err      error
	Failures map[string]error

	mu      sync.Mutex
	Lookups []string
}

func (r *DummyResolver) record(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Lookups = append(r.Lookups, name)
	if r.Err != nil {
		return r.Err
	}
	return r.Failures[name]
}

func notFound(name string) error {
	return &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

func (r *DummyResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if err := r.record(host); err != nil {
		return nil, err
	}
	ips, ok := r.Addrs[strings.ToLower(host)]
	if !ok {
		return nil, notFound(host)
	}
	out := make([]net.IPAddr, 0, len(ips))
	for _, s := range ips {
		out = append(out, net.IPAddr{IP: net.ParseIP(s)})
	}
	return out, nil
}

func (r *DummyResolver) LookupMX(_ context.Context, name string) ([]*net.MX, error) {
	if err := r.record("mx:" + name); err != nil {
		return nil, err
	}
	hosts, ok := r.MX[strings.ToLower(name)]
	if !ok {
		return nil, notFound(name)
	}
	out := make([]*net.MX, 0, len(hosts))
	for i, h := range hosts {
		out = append(out, &net.MX{Host: h, Pref: uint16(10 * (i + 1))})
	}
	return out, nil
}

func (r *DummyResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	if err := r.record("txt:" + name); err != nil {
		return nil, err
	}
	txt, ok := r.TXT[strings.ToLower(name)]
	if !ok {
		return nil, notFound(name)
	}
	return txt, nil
}

// ─── Evidence ──────────────────────────────────────────────────────────

// MemoryEvidence implements tasks.EvidenceWriter in memory. Err makes every
// insert fail.
type MemoryEvidence struct {
	Err error

	mu        sync.Mutex
	Artifacts []model.Artifact
	Findings  []model.Finding
}

func (m *MemoryEvidence) InsertArtifact(_ context.Context, a model.Artifact) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	a.ID = fmt.Sprintf("a-%d", len(m.Artifacts)+1)
	m.Artifacts = append(m.Artifacts, a)
	return a.ID, nil
}

func (m *MemoryEvidence) InsertFinding(_ context.Context, artifactID, findingType, recommendation, description string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	found := false
	for _, a := range m.Artifacts {
		if a.ID == artifactID {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("artifact %s not found", artifactID)
	}
	f := model.Finding{
		ID:             fmt.Sprintf("f-%d", len(m.Findings)+1),
		ArtifactID:     artifactID,
		FindingType:    findingType,
		Recommendation: recommendation,
		Description:    description,
	}
	m.Findings = append(m.Findings, f)
	return f.ID, nil
}

// OfType returns the stored artifacts of type typ, in insertion order.
func (m *MemoryEvidence) OfType(typ string) []model.Artifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Artifact
	for _, a := range m.Artifacts {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

// ─── Tasks ─────────────────────────────────────────────────────────────

// FakeTask implements tasks.Task. It writes Findings artifacts of
// ArtifactType through Evidence (when set) and returns the count, or Err.
type FakeTask struct {
	TaskName     string
	Findings     int
	Err          error
	ArtifactType string
	Severity     model.Severity
	Evidence     tasks.EvidenceWriter
	// OnRun is called before the task does anything else.
	OnRun func(tc tasks.TaskContext)

	mu    sync.Mutex
	Calls []tasks.TaskContext
}

func (f *FakeTask) Name() string { return f.TaskName }

func (f *FakeTask) Run(ctx context.Context, tc tasks.TaskContext) (int, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, tc)
	f.mu.Unlock()
	if f.OnRun != nil {
		f.OnRun(tc)
	}
	if f.Err != nil {
		return 0, f.Err
	}
	if f.Evidence == nil {
		return f.Findings, nil
	}

	typ := f.ArtifactType
	if typ == "" {
		typ = model.ArtifactExposedService
	}
	sev := f.Severity
	if sev == "" {
		sev = model.SeverityMedium
	}
	for i := 0; i < f.Findings; i++ {
		id, err := f.Evidence.InsertArtifact(ctx, model.Artifact{
			Type:     typ,
			Severity: sev,
			Value:    fmt.Sprintf("%s #%d", f.TaskName, i+1),
			Run:      tc.Run,
			Meta:     map[string]any{model.MetaScanID: tc.ScanID, model.MetaTask: f.TaskName},
		})
		if err != nil {
			return i, err
		}
		if _, err := f.Evidence.InsertFinding(ctx, id, typ, "fix it", "fake finding"); err != nil {
			return i, err
		}
	}
	return f.Findings, nil
}

// CallCount returns how many times Run was invoked.
func (f *FakeTask) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

// ─── Vulnerability sources ─────────────────────────────────────────────

// FakeSource implements vuln.Source with canned results.
type FakeSource struct {
	SourceName string
	Vulns      []vuln.RawVulnerability
	Err        error
	Delay      time.Duration

	mu      sync.Mutex
	Queries []string
}

func (s *FakeSource) Name() string { return s.SourceName }

func (s *FakeSource) QueryByComponent(ctx context.Context, ecosystem, name, version string) ([]vuln.RawVulnerability, error) {
	s.mu.Lock()
	s.Queries = append(s.Queries, ecosystem+"/"+name+"@"+version)
	s.mu.Unlock()
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]vuln.RawVulnerability(nil), s.Vulns...), nil
}

// FakeEnricher implements vuln.Enricher.
type FakeEnricher struct {
	Signals map[string]vuln.ExploitSignal
	Err     error
}

func (e *FakeEnricher) Name() string { return "fake-intel" }

func (e *FakeEnricher) Enrich(_ context.Context, ids []string) (map[string]vuln.ExploitSignal, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	out := map[string]vuln.ExploitSignal{}
	for _, id := range ids {
		if s, ok := e.Signals[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

// ─── Queue ─────────────────────────────────────────────────────────────

// StatusUpdate is one call to FakeQueue.UpdateStatus.
type StatusUpdate struct {
	ScanID  string
	Status  model.ScanStatus
	Message string
}

// FakeQueue is an in-memory queue. UpdateErr makes every status update fail.
type FakeQueue struct {
	mu        sync.Mutex
	Jobs      []model.Job
	Updates   []StatusUpdate
	UpdateErr error
	NextErr   error
}

func (q *FakeQueue) Push(job model.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Jobs = append(q.Jobs, job)
}

func (q *FakeQueue) NextJob(_ context.Context) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.NextErr != nil {
		return nil, q.NextErr
	}
	if len(q.Jobs) == 0 {
		return nil, nil
	}
	job := q.Jobs[0]
	q.Jobs = q.Jobs[1:]
	return &job, nil
}

func (q *FakeQueue) UpdateStatus(_ context.Context, scanID string, status model.ScanStatus, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Updates = append(q.Updates, StatusUpdate{ScanID: scanID, Status: status, Message: message})
	return q.UpdateErr
}

// Statuses returns the statuses reported for scanID, in order.
func (q *FakeQueue) Statuses(scanID string) []model.ScanStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []model.ScanStatus
	for _, u := range q.Updates {
		if u.ScanID == scanID {
			out = append(out, u.Status)
		}
	}
	return out
}

// ─── Report generator ──────────────────────────────────────────────────

// FakeReporter records Generate calls and can be made to fail.
type FakeReporter struct {
	Err error

	mu    sync.Mutex
	Scans []model.Scan
	Calcs []model.FinancialImpactCalculation
}

func (r *FakeReporter) Generate(_ context.Context, scan model.Scan, _ []model.Finding, calc model.FinancialImpactCalculation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Scans = append(r.Scans, scan)
	r.Calcs = append(r.Calcs, calc)
	return r.Err
}

// ErrBoom is a generic failure for tests.
var ErrBoom = errors.New("boom")
