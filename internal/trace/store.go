package trace

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	label        TEXT,
	total_mass   REAL NOT NULL,
	field_len    INTEGER NOT NULL,
	seeding      TEXT NOT NULL,
	config_json  TEXT,
	created_at   TEXT NOT NULL,
	finished_at  TEXT,
	stopped_by   TEXT,
	steps        INTEGER NOT NULL DEFAULT 0,
	collapses    INTEGER NOT NULL DEFAULT 0,
	ready        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS steps (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id             TEXT NOT NULL,
	step               INTEGER NOT NULL,
	admitted_mass      REAL NOT NULL,
	excluded_mass      REAL NOT NULL,
	undecided_mass     REAL NOT NULL,
	loop_gain          REAL NOT NULL,
	collapse_ratio     REAL NOT NULL,
	conservation_error REAL NOT NULL,
	transport_ready    INTEGER NOT NULL,
	stable_count       INTEGER NOT NULL,
	correction_kind    TEXT,
	drift              REAL NOT NULL,
	audit_passed       INTEGER NOT NULL,
	audit_reason       TEXT,
	created_at         TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS collapses (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id            TEXT NOT NULL,
	step              INTEGER NOT NULL,
	alpha             REAL NOT NULL,
	rule              TEXT NOT NULL,
	reason            TEXT,
	admit             REAL NOT NULL,
	exclude_frac      REAL NOT NULL,
	delta_to_admit    REAL NOT NULL,
	delta_to_exclude  REAL NOT NULL,
	undecided_before  REAL NOT NULL,
	undecided_after   REAL NOT NULL,
	routed            INTEGER NOT NULL,
	audit_passed      INTEGER NOT NULL,
	created_at        TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS fields (
	run_id  TEXT NOT NULL,
	step    INTEGER NOT NULL,
	role    TEXT NOT NULL,
	cells   BLOB NOT NULL,
	PRIMARY KEY (run_id, step, role),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id, step);
CREATE INDEX IF NOT EXISTS idx_collapses_run ON collapses(run_id, step);
`

// #endregion schema

// #region store-struct
// Store keeps an inspection trace of engine runs in SQLite. It records what
// happened; a run cannot be resumed from it.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// pragmas are per connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion constructor

// #region runs
// CreateRun inserts a run row. An empty RunID is filled with a new UUID.
func (s *Store) CreateRun(ctx context.Context, rec RunRecord) (RunRecord, error) {
	if rec.RunID == "" {
		rec.RunID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, label, total_mass, field_len, seeding, config_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, nullIfEmpty(rec.Label), rec.TotalMass, rec.FieldLen, rec.Seeding,
		nullIfEmpty(rec.ConfigJSON), rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return RunRecord{}, fmt.Errorf("insert run: %w", err)
	}
	return rec, nil
}

// FinishRun records how a run ended.
func (s *Store) FinishRun(ctx context.Context, runID, stoppedBy string, steps uint64, collapses int, ready bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, stopped_by = ?, steps = ?, collapses = ?, ready = ?
		 WHERE run_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), stoppedBy, int64(steps), collapses, boolInt(ready), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, sql.ErrNoRows)
	}
	return nil
}

const runColumns = `run_id, label, total_mass, field_len, seeding, config_json, created_at,
	finished_at, stopped_by, steps, collapses, ready`

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id)
	rec, err := scanRun(row)
	if err != nil {
		return RunRecord{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return rec, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunRecord, error) {
	var rec RunRecord
	var label, configJSON, finished, stoppedBy sql.NullString
	var created string
	var steps int64
	var ready int
	if err := sc.Scan(&rec.RunID, &label, &rec.TotalMass, &rec.FieldLen, &rec.Seeding, &configJSON,
		&created, &finished, &stoppedBy, &steps, &rec.Collapses, &ready); err != nil {
		return RunRecord{}, err
	}
	rec.Label = label.String
	rec.ConfigJSON = configJSON.String
	rec.StoppedBy = stoppedBy.String
	rec.Steps = uint64(steps)
	rec.Ready = ready != 0
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if finished.Valid {
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
	}
	return rec, nil
}

// #endregion runs

// #region steps
// RecordStep appends a step row.
func (s *Store) RecordStep(ctx context.Context, rec StepRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps (run_id, step, admitted_mass, excluded_mass, undecided_mass, loop_gain, collapse_ratio,
		   conservation_error, transport_ready, stable_count, correction_kind, drift, audit_passed,
		   audit_reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, int64(rec.Step), rec.Admitted, rec.Excluded, rec.Undecided, rec.LoopGain,
		rec.CollapseRatio, rec.ConservationError, boolInt(rec.TransportReady), rec.StableCount,
		nullIfEmpty(rec.CorrectionKind), rec.Drift, boolInt(rec.AuditPassed),
		nullIfEmpty(rec.AuditReason), rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// ListSteps returns the last limit steps of a run in ascending step order.
// A non-positive limit returns every step.
func (s *Store) ListSteps(ctx context.Context, runID string, limit int) ([]StepRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT * FROM (
		   SELECT run_id, step, admitted_mass, excluded_mass, undecided_mass, loop_gain, collapse_ratio,
		          conservation_error, transport_ready, stable_count, correction_kind, drift,
		          audit_passed, audit_reason, created_at
		   FROM steps WHERE run_id = ? ORDER BY step DESC LIMIT ?
		 ) ORDER BY step ASC`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var records []StepRecord
	for rows.Next() {
		var rec StepRecord
		var step int64
		var ready, passed int
		var kind, reason sql.NullString
		var created string
		if err := rows.Scan(&rec.RunID, &step, &rec.Admitted, &rec.Excluded, &rec.Undecided,
			&rec.LoopGain, &rec.CollapseRatio, &rec.ConservationError, &ready, &rec.StableCount,
			&kind, &rec.Drift, &passed, &reason, &created); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		rec.Step = uint64(step)
		rec.TransportReady = ready != 0
		rec.AuditPassed = passed != 0
		rec.CorrectionKind = kind.String
		rec.AuditReason = reason.String
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// #endregion steps

// #region collapses
// RecordCollapse appends a collapse row.
func (s *Store) RecordCollapse(ctx context.Context, rec CollapseRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collapses (run_id, step, alpha, rule, reason, admit, exclude_frac,
		   delta_to_admit, delta_to_exclude, undecided_before, undecided_after, routed,
		   audit_passed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, int64(rec.Step), rec.Alpha, rec.Rule, nullIfEmpty(rec.Reason), rec.Admit,
		rec.Exclude, rec.DeltaToAdmit, rec.DeltaToExclude, rec.UndecidedBefore, rec.UndecidedAfter,
		boolInt(rec.Routed), boolInt(rec.AuditPassed), rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert collapse: %w", err)
	}
	return nil
}

// ListCollapses returns every collapse of a run in order.
func (s *Store) ListCollapses(ctx context.Context, runID string) ([]CollapseRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step, alpha, rule, reason, admit, exclude_frac, delta_to_admit,
		        delta_to_exclude, undecided_before, undecided_after, routed, audit_passed, created_at
		 FROM collapses WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list collapses: %w", err)
	}
	defer rows.Close()

	var records []CollapseRecord
	for rows.Next() {
		var rec CollapseRecord
		var step int64
		var routed, passed int
		var reason sql.NullString
		var created string
		if err := rows.Scan(&rec.RunID, &step, &rec.Alpha, &rec.Rule, &reason, &rec.Admit,
			&rec.Exclude, &rec.DeltaToAdmit, &rec.DeltaToExclude, &rec.UndecidedBefore,
			&rec.UndecidedAfter, &routed, &passed, &created); err != nil {
			return nil, fmt.Errorf("scan collapse: %w", err)
		}
		rec.Step = uint64(step)
		rec.Reason = reason.String
		rec.Routed = routed != 0
		rec.AuditPassed = passed != 0
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// #endregion collapses

// #region fields
// RecordFields stores copies of the given fields at one step in a single
// transaction. Keys are role names.
func (s *Store) RecordFields(ctx context.Context, runID string, step uint64, fields map[string][]float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for role, cells := range fields {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO fields (run_id, step, role, cells) VALUES (?, ?, ?, ?)
			 ON CONFLICT(run_id, step, role) DO UPDATE SET cells = excluded.cells`,
			runID, int64(step), role, encodeCells(cells),
		)
		if err != nil {
			return fmt.Errorf("insert field %s: %w", role, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LatestField returns the newest stored copy of one role's field.
func (s *Store) LatestField(ctx context.Context, runID, role string) (FieldRecord, error) {
	var rec FieldRecord
	var step int64
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, step, role, cells FROM fields
		 WHERE run_id = ? AND role = ? ORDER BY step DESC LIMIT 1`, runID, role,
	).Scan(&rec.RunID, &step, &rec.Role, &blob)
	if err != nil {
		return FieldRecord{}, fmt.Errorf("latest field %s/%s: %w", runID, role, err)
	}
	rec.Step = uint64(step)
	rec.Cells = decodeCells(blob)
	return rec, nil
}

// #endregion fields

// #region helpers
func encodeCells(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeCells(b []byte) []float64 {
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// #endregion helpers
