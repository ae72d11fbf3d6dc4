// Package evidence is the append-only store for artifacts and findings
// collected during a scan, plus the aggregate queries the orchestrator and
// the risk aggregator read from it. Every read is scoped to one run of a
// scan; earlier runs stay on disk but are never aggregated again.
package evidence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/model"
)

//go:embed schema.sql
var schemaFS embed.FS

var (
	// ErrMissingScope is returned when an artifact's metadata lacks the scan id or task name.
	ErrMissingScope = errors.New("artifact metadata must include scan_id and task")

	ErrInvalidSeverity = errors.New("invalid artifact severity")

	ErrNotFound = errors.New("not found")
)

// DataIntegrityError means a finding referenced an artifact that does not
// exist. This is a programming error upstream, never an expected condition.
type DataIntegrityError struct {
	ArtifactID string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity: finding references nonexistent artifact %q", e.ArtifactID)
}

// Store persists artifacts and findings in SQLite. Nothing is ever updated
// or deduplicated: two identical inserts produce two records.
type Store struct {
	db     *sql.DB
	logger logging.Logger
	now    func() time.Time
}

// NewStore returns a Store and runs migrations from schema.sql.
func NewStore(db *sql.DB, logger logging.Logger) (*Store, error) {
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
	return &Store{
		db:     db,
		logger: logger.With(logging.Field{Key: "component", Value: "evidence"}),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// InsertArtifact assigns an id and creation time and persists a under
// a.Run. The caller's value is not modified.
func (s *Store) InsertArtifact(ctx context.Context, a model.Artifact) (string, error) {
	if a.ScanID() == "" || a.Task() == "" {
		return "", ErrMissingScope
	}
	if !a.Severity.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSeverity, a.Severity)
	}
	if a.Type == "" {
		return "", errors.New("artifact type is required")
	}
	if a.ContentHash == "" {
		sum := sha256.Sum256([]byte(a.Value))
		a.ContentHash = hex.EncodeToString(sum[:])
	}
	meta, err := json.Marshal(a.Meta)
	if err != nil {
		return "", fmt.Errorf("encode artifact meta: %w", err)
	}

	id := uuid.New().String()
	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts
             (id, scan_id, run, task, type, severity, severity_rank, value, source_url, content_hash, mime, meta, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, a.ScanID(), a.Run, a.Task(), a.Type, string(a.Severity), a.Severity.Rank(), a.Value,
		nullString(a.SourceURL), a.ContentHash, nullString(a.MIME), string(meta), now.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("insert artifact: %w", err)
	}
	return id, nil
}

// InsertFinding persists a finding for an existing artifact. It returns a
// *DataIntegrityError when artifactID is unknown.
func (s *Store) InsertFinding(ctx context.Context, artifactID, findingType, recommendation, description string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			s.logger.Warn("evidence: tx rollback failed", logging.Field{Key: "error", Value: rerr})
		}
	}()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM artifacts WHERE id = ?`, artifactID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Error("finding references nonexistent artifact", logging.Field{Key: "artifact_id", Value: artifactID})
		return "", &DataIntegrityError{ArtifactID: artifactID}
	}
	if err != nil {
		return "", fmt.Errorf("lookup artifact: %w", err)
	}

	id := uuid.New().String()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO findings (id, artifact_id, finding_type, recommendation, description, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		id, artifactID, findingType, recommendation, description, s.now().UnixNano(),
	); err != nil {
		return "", fmt.Errorf("insert finding: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// CountArtifacts counts the run's artifacts, excluding scan-error records.
func (s *Store) CountArtifacts(ctx context.Context, scanID string, run int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM artifacts WHERE scan_id = ? AND run = ? AND type != ?`,
		scanID, run, model.ArtifactScanError).Scan(&n)
	return n, err
}

// MaxSeverity returns the highest severity among the run's non-error
// artifacts, or "" when there are none.
func (s *Store) MaxSeverity(ctx context.Context, scanID string, run int) (model.Severity, error) {
	var rank sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(severity_rank) FROM artifacts WHERE scan_id = ? AND run = ? AND type != ?`,
		scanID, run, model.ArtifactScanError).Scan(&rank)
	if err != nil {
		return "", err
	}
	if !rank.Valid {
		return "", nil
	}
	return model.SeverityFromRank(int(rank.Int64)), nil
}

// CountWithSourceByTask counts artifacts produced by task that carry a source URL.
func (s *Store) CountWithSourceByTask(ctx context.Context, scanID string, run int, task string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM artifacts
         WHERE scan_id = ? AND run = ? AND task = ? AND source_url IS NOT NULL AND source_url != ''`,
		scanID, run, task).Scan(&n)
	return n, err
}

// CountByType groups the run's non-error artifacts by type, ordered by type.
func (s *Store) CountByType(ctx context.Context, scanID string, run int) ([]model.TypeCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, MAX(severity_rank), COUNT(*) FROM artifacts
         WHERE scan_id = ? AND run = ? AND type != ?
         GROUP BY type
         ORDER BY type`,
		scanID, run, model.ArtifactScanError)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TypeCount
	for rows.Next() {
		var (
			tc   model.TypeCount
			rank int
		)
		if err := rows.Scan(&tc.Type, &rank, &tc.Count); err != nil {
			return nil, err
		}
		tc.Severity = model.SeverityFromRank(rank)
		out = append(out, tc)
	}
	return out, rows.Err()
}

// ArtifactFilter narrows ListArtifacts. Zero values match everything.
type ArtifactFilter struct {
	Type        string
	Task        string
	MinSeverity model.Severity
	Limit       int
}

// ListArtifacts returns the run's artifacts in insertion order.
func (s *Store) ListArtifacts(ctx context.Context, scanID string, run int, f ArtifactFilter) ([]model.Artifact, error) {
	q := `SELECT id, run, type, severity, value, source_url, content_hash, mime, meta, created_at
          FROM artifacts WHERE scan_id = ? AND run = ?`
	args := []any{scanID, run}
	if f.Type != "" {
		q += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.Task != "" {
		q += ` AND task = ?`
		args = append(args, f.Task)
	}
	if f.MinSeverity != "" {
		q += ` AND severity_rank >= ?`
		args = append(args, f.MinSeverity.Rank())
	}
	q += ` ORDER BY created_at, rowid`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		var (
			a               model.Artifact
			sev, meta       string
			src, hash, mime sql.NullString
			createdAt       int64
		)
		if err := rows.Scan(&a.ID, &a.Run, &a.Type, &sev, &a.Value, &src, &hash, &mime, &meta, &createdAt); err != nil {
			return nil, err
		}
		a.Severity = model.Severity(sev)
		a.SourceURL = src.String
		a.ContentHash = hash.String
		a.MIME = mime.String
		a.CreatedAt = time.Unix(0, createdAt).UTC()
		if err := json.Unmarshal([]byte(meta), &a.Meta); err != nil {
			return nil, fmt.Errorf("decode artifact %s meta: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListFindings returns the run's findings ordered by parent severity
// (highest first), then insertion order.
func (s *Store) ListFindings(ctx context.Context, scanID string, run int) ([]model.Finding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.id, f.artifact_id, f.finding_type, f.recommendation, f.description, f.created_at
         FROM findings f JOIN artifacts a ON a.id = f.artifact_id
         WHERE a.scan_id = ? AND a.run = ?
         ORDER BY a.severity_rank DESC, f.created_at, f.rowid`,
		scanID, run)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Finding
	for rows.Next() {
		var (
			f         model.Finding
			createdAt int64
		)
		if err := rows.Scan(&f.ID, &f.ArtifactID, &f.FindingType, &f.Recommendation, &f.Description, &createdAt); err != nil {
			return nil, err
		}
		f.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

// SaveRiskAssessment stores the financial impact calculation of the run,
// replacing any result from a previous run of the same scan.
func (s *Store) SaveRiskAssessment(ctx context.Context, scanID string, run int, calc model.FinancialImpactCalculation) error {
	b, err := json.Marshal(calc)
	if err != nil {
		return fmt.Errorf("encode risk assessment: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO risk_assessments (scan_id, run, calculation, created_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(scan_id) DO UPDATE SET
             run = excluded.run, calculation = excluded.calculation, created_at = excluded.created_at`,
		scanID, run, string(b), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("save risk assessment: %w", err)
	}
	return nil
}

// GetRiskAssessment returns ErrNotFound when the run has none, including
// when the stored calculation belongs to an earlier run.
func (s *Store) GetRiskAssessment(ctx context.Context, scanID string, run int) (*model.FinancialImpactCalculation, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT calculation FROM risk_assessments WHERE scan_id = ? AND run = ?`, scanID, run).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var calc model.FinancialImpactCalculation
	if err := json.Unmarshal([]byte(raw), &calc); err != nil {
		return nil, fmt.Errorf("decode risk assessment: %w", err)
	}
	return &calc, nil
}

// SaveComponentReport appends one correlator report for the run.
func (s *Store) SaveComponentReport(ctx context.Context, scanID string, run int, rep model.ComponentVulnerabilityReport) error {
	b, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode component report: %w", err)
	}
	name := rep.Component.Ecosystem + ":" + rep.Component.Name + "@" + rep.Component.Version
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO component_reports (id, scan_id, run, component, report, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), scanID, run, name, string(b), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("save component report: %w", err)
	}
	return nil
}

// ListComponentReports returns the run's correlator reports in insertion order.
func (s *Store) ListComponentReports(ctx context.Context, scanID string, run int) ([]model.ComponentVulnerabilityReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT report FROM component_reports WHERE scan_id = ? AND run = ? ORDER BY created_at, rowid`, scanID, run)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ComponentVulnerabilityReport
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rep model.ComponentVulnerabilityReport
		if err := json.Unmarshal([]byte(raw), &rep); err != nil {
			return nil, fmt.Errorf("decode component report: %w", err)
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
