package batch

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// Store is the sqlite-backed batch registry. The CLI and any number of
// concurrently running daemons share it; sqlite's file locking plus the busy
// timeout keep the single-row updates safe.
type Store struct {
	db *sql.DB
}

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	name           TEXT PRIMARY KEY,
	created_at     TIMESTAMP NOT NULL,
	submit_count   INTEGER NOT NULL DEFAULT 0,
	last_submitted TIMESTAMP,
	deleted        INTEGER NOT NULL DEFAULT 0,
	jobs           TEXT NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS runs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	batch      TEXT NOT NULL,
	number     INTEGER NOT NULL,
	workspace  TEXT NOT NULL,
	state      TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Refresh registers every *.tar.gz in batchesDir that the store does not know
// yet, reading the job list from the archive. Known batches are untouched.
func (s *Store) Refresh(batchesDir string) error {
	entries, err := os.ReadDir(batchesDir)
	if err != nil {
		return fmt.Errorf("read %s: %w", batchesDir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tar.gz") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".tar.gz")
		_, err := s.Get(name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		jobs, err := JobsFromArchive(filepath.Join(batchesDir, e.Name()))
		if err != nil {
			return err
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		if err := s.Create(&Descriptor{
			Name:      name,
			CreatedAt: info.ModTime().UTC(),
			Jobs:      jobs,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Create(d *Descriptor) error {
	jobs, err := json.Marshal(d.Jobs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO batches (name, created_at, submit_count, last_submitted, deleted, jobs)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.Name, d.CreatedAt, d.SubmitCount, nullTime(d.LastSubmitted), boolInt(d.Deleted), string(jobs))
	if err != nil {
		return fmt.Errorf("create batch %s: %w", d.Name, err)
	}
	return nil
}

func (s *Store) Get(name string) (*Descriptor, error) {
	row := s.db.QueryRow(
		`SELECT name, created_at, submit_count, last_submitted, deleted, jobs
		 FROM batches WHERE name = ?`, name)
	return scanDescriptor(row)
}

func (s *Store) List(includeDeleted bool) ([]*Descriptor, error) {
	q := `SELECT name, created_at, submit_count, last_submitted, deleted, jobs
	      FROM batches`
	if !includeDeleted {
		q += ` WHERE deleted = 0`
	}
	q += ` ORDER BY last_submitted IS NULL, last_submitted DESC, name`

	rows, err := s.db.Query(q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkDeleted records the explicit user deletion. The archive unlink is the
// caller's job; the row is kept so run history stays inspectable.
func (s *Store) MarkDeleted(name string) error {
	res, err := s.db.Exec(`UPDATE batches SET deleted = 1 WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("batch %s: %w", name, ErrNotFound)
	}
	return nil
}

// BeginRun allocates the next run number for the batch, bumps its submission
// count/timestamp and inserts the run record in state submitted.
func (s *Store) BeginRun(name, workspace string) (*Run, error) {
	d, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	number := d.SubmitCount + 1

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE batches SET submit_count = ?, last_submitted = ? WHERE name = ?`,
		number, now, name); err != nil {
		return nil, err
	}
	res, err := tx.Exec(
		`INSERT INTO runs (batch, number, workspace, state, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		name, number, workspace, StateSubmitted, now, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Run{
		ID: id, Batch: name, Number: number, Workspace: workspace,
		State: StateSubmitted, StartedAt: now, UpdatedAt: now,
	}, nil
}

// SetRunState advances a run's lifecycle record. One UPDATE per transition,
// written before the daemon takes the next step.
func (s *Store) SetRunState(id int64, state RunState) error {
	return s.setRun(id, state, "")
}

// FailRun records an abnormal termination and its reason.
func (s *Store) FailRun(id int64, reason string) error {
	return s.setRun(id, StateFailed, reason)
}

func (s *Store) setRun(id int64, state RunState, reason string) error {
	res, err := s.db.Exec(
		`UPDATE runs SET state = ?, error = ?, updated_at = ? WHERE id = ?`,
		state, reason, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) GetRun(id int64) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT id, batch, number, workspace, state, error, started_at, updated_at
		 FROM runs WHERE id = ?`, id)
	r := &Run{}
	err := row.Scan(&r.ID, &r.Batch, &r.Number, &r.Workspace, &r.State, &r.Error, &r.StartedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) Runs(name string) ([]*Run, error) {
	rows, err := s.db.Query(
		`SELECT id, batch, number, workspace, state, error, started_at, updated_at
		 FROM runs WHERE batch = ? ORDER BY number`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r := &Run{}
		if err := rows.Scan(&r.ID, &r.Batch, &r.Number, &r.Workspace, &r.State, &r.Error, &r.StartedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDescriptor(row rowScanner) (*Descriptor, error) {
	d := &Descriptor{}
	var last sql.NullTime
	var deleted int
	var jobs string
	err := row.Scan(&d.Name, &d.CreatedAt, &d.SubmitCount, &last, &deleted, &jobs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if last.Valid {
		d.LastSubmitted = last.Time
	}
	d.Deleted = deleted != 0
	if err := json.Unmarshal([]byte(jobs), &d.Jobs); err != nil {
		return nil, fmt.Errorf("batch %s jobs column: %w", d.Name, err)
	}
	return d, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
