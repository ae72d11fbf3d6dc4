package registry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/idna"

	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/model"
	"github.com/raysh454/vigil/internal/scanstate"
)

//go:embed schema.sql
var schemaFS embed.FS

var (
	ErrScanNotFound = errors.New("scan not found")

	// ErrConcurrentUpdate means the record changed since it was read; the
	// caller no longer owns the scan.
	ErrConcurrentUpdate = errors.New("scan was modified concurrently")

	ErrInvalidDomain = errors.New("invalid domain")
)

// Registry persists scan records in SQLite. Every write is guarded by the
// record's version so two workers can never blindly overwrite each other.
type Registry struct {
	db     *sql.DB
	logger logging.Logger
	now    func() time.Time
}

// NewRegistry returns a Registry and runs migrations from schema.sql.
func NewRegistry(db *sql.DB, logger logging.Logger) (*Registry, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if logger == nil {
		logger = logging.Nop{}
	}

	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}

	return &Registry{
		db:     db,
		logger: logger.With(logging.Field{Key: "component", Value: "registry"}),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// storedTime drops what the scans table cannot hold, so a record read back
// compares equal to the one that was written.
func storedTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// NormalizeDomain turns user input ("https://Example.COM:443/login",
// "bücher.de") into a bare lower-case ASCII host name.
func NormalizeDomain(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidDomain
	}
	host := raw
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidDomain, raw)
		}
		host = u.Hostname()
	} else if h, _, ok := strings.Cut(raw, "/"); ok {
		host = h
	}
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidDomain, raw, err)
	}
	if !strings.Contains(ascii, ".") {
		return "", fmt.Errorf("%w: %q has no top-level domain", ErrInvalidDomain, raw)
	}
	return ascii, nil
}

// Create inserts a new queued scan. An empty id gets a fresh uuid.
func (r *Registry) Create(ctx context.Context, id, organizationName, domain string) (*model.Scan, error) {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.New().String()
	}
	if organizationName == "" {
		organizationName = d
	}
	now := storedTime(r.now())
	s := &model.Scan{
		ID:               id,
		OrganizationName: organizationName,
		Domain:           d,
		Status:           model.ScanQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO scans (id, organization_name, domain, status, created_at, updated_at, version)
         VALUES (?, ?, ?, ?, ?, ?, 0)`,
		s.ID, s.OrganizationName, s.Domain, string(s.Status), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert scan: %w", err)
	}
	return s, nil
}

// Ensure returns the scan with id, creating it when it does not exist yet.
func (r *Registry) Ensure(ctx context.Context, id, organizationName, domain string) (*model.Scan, error) {
	if id != "" {
		s, err := r.Get(ctx, id)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrScanNotFound) {
			return nil, err
		}
	}
	return r.Create(ctx, id, organizationName, domain)
}

const scanColumns = `id, run, organization_name, domain, status, progress, current_task, total_tasks,
       completed_tasks, error_message, warnings, total_findings_count, max_severity,
       created_at, updated_at, completed_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(row rowScanner) (*model.Scan, error) {
	var (
		s                        model.Scan
		status, maxSev, warnings string
		createdAt, updatedAt     int64
		completedAt              sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.Run, &s.OrganizationName, &s.Domain, &status, &s.Progress, &s.CurrentTask,
		&s.TotalTasks, &s.CompletedTasks, &s.ErrorMessage, &warnings, &s.TotalFindingsCount, &maxSev,
		&createdAt, &updatedAt, &completedAt, &s.Version); err != nil {
		return nil, err
	}
	s.Status = model.ScanStatus(status)
	s.MaxSeverity = model.Severity(maxSev)
	s.CreatedAt = time.UnixMilli(createdAt).UTC()
	s.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		s.CompletedAt = &t
	}
	if warnings != "" && warnings != "[]" {
		if err := json.Unmarshal([]byte(warnings), &s.Warnings); err != nil {
			return nil, fmt.Errorf("decode warnings: %w", err)
		}
	}
	return &s, nil
}

// Get returns a scan by id.
func (r *Registry) Get(ctx context.Context, id string) (*model.Scan, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = ? LIMIT 1`, id)
	s, err := scanRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScanNotFound
		}
		return nil, err
	}
	return s, nil
}

// List returns scans, newest first. status filters when non-empty; limit <= 0 means no limit.
func (r *Registry) List(ctx context.Context, status model.ScanStatus, limit int) ([]model.Scan, error) {
	q := `SELECT ` + scanColumns + ` FROM scans`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Scan
	for rows.Next() {
		s, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Save writes s if its version still matches the stored one and bumps
// s.Version on success.
func (r *Registry) Save(ctx context.Context, s *model.Scan) error {
	if s == nil {
		return errors.New("scan is nil")
	}
	warnings := "[]"
	if len(s.Warnings) > 0 {
		b, err := json.Marshal(s.Warnings)
		if err != nil {
			return fmt.Errorf("encode warnings: %w", err)
		}
		warnings = string(b)
	}
	var completedAt any
	if s.CompletedAt != nil {
		t := storedTime(*s.CompletedAt)
		s.CompletedAt = &t
		completedAt = t.UnixMilli()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = r.now()
	}
	s.UpdatedAt = storedTime(s.UpdatedAt)

	res, err := r.db.ExecContext(ctx,
		`UPDATE scans SET
             run = ?, status = ?, progress = ?, current_task = ?, total_tasks = ?, completed_tasks = ?,
             error_message = ?, warnings = ?, total_findings_count = ?, max_severity = ?,
             updated_at = ?, completed_at = ?, version = version + 1
         WHERE id = ? AND version = ?`,
		s.Run, string(s.Status), s.Progress, s.CurrentTask, s.TotalTasks, s.CompletedTasks,
		s.ErrorMessage, warnings, s.TotalFindingsCount, string(s.MaxSeverity),
		s.UpdatedAt.UnixMilli(), completedAt,
		s.ID, s.Version,
	)
	if err != nil {
		return fmt.Errorf("update scan %s: %w", s.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.Get(ctx, s.ID); errors.Is(err, ErrScanNotFound) {
			return ErrScanNotFound
		}
		return fmt.Errorf("%w: %s at version %d", ErrConcurrentUpdate, s.ID, s.Version)
	}
	s.Version++
	return nil
}

// Apply runs ev through the lifecycle and persists the result. On error s
// is left untouched.
func (r *Registry) Apply(ctx context.Context, s *model.Scan, ev scanstate.Event) error {
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	ev.At = storedTime(ev.At)
	next, err := scanstate.Apply(*s, ev)
	if err != nil {
		return err
	}
	if err := r.Save(ctx, &next); err != nil {
		return err
	}
	r.logger.Debug("scan transition",
		logging.Field{Key: "scan_id", Value: s.ID},
		logging.Field{Key: "event", Value: string(ev.Kind)},
		logging.Field{Key: "from", Value: string(s.Status)},
		logging.Field{Key: "to", Value: string(next.Status)},
		logging.Field{Key: "progress", Value: next.Progress})
	*s = next
	return nil
}
