package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/sourcing-cli/internal/discovery"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = "sourcing.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS discovery_jobs (
	id               TEXT PRIMARY KEY,
	status           TEXT NOT NULL DEFAULT 'pending',
	config_snapshot  TEXT NOT NULL,
	total_tested     INTEGER NOT NULL DEFAULT 0,
	total_selected   INTEGER NOT NULL DEFAULT 0,
	tokens_estimated INTEGER NOT NULL DEFAULT 0,
	tokens_used      INTEGER NOT NULL DEFAULT 0,
	error_count      INTEGER NOT NULL DEFAULT 0,
	stop_reason      TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL,
	started_at       DATETIME,
	finished_at      DATETIME
);

CREATE TABLE IF NOT EXISTS item_results (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL REFERENCES discovery_jobs(id),
	identifier TEXT NOT NULL,
	snapshot   TEXT,
	score      TEXT,
	selected   INTEGER NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_discovery_jobs_status ON discovery_jobs(status);
CREATE INDEX IF NOT EXISTS idx_discovery_jobs_created_at ON discovery_jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_item_results_job_id ON item_results(job_id, selected);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, job *discovery.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO discovery_jobs (id, status, config_snapshot, tokens_estimated, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), string(job.ConfigSnapshot), job.TokensEstimated, job.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, job *discovery.Job) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE discovery_jobs SET status = ?, total_tested = ?, total_selected = ?, tokens_used = ?,
			error_count = ?, stop_reason = ?, error = ?, started_at = ?, finished_at = ?
		 WHERE id = ? AND `+notTerminal,
		string(job.Status), job.TotalTested, job.TotalSelected, job.TokensUsed,
		job.ErrorCount, string(job.StopReason), job.Error, nullTime(job.StartedAt), nullTime(job.FinishedAt),
		job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", job.ID)
	}
	if err := checkRowsAffected(res, "job", job.ID); err == nil {
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM discovery_jobs WHERE id = ?`, job.ID).Scan(&one)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(err, "sqlite: check job %s", job.ID)
	}
	return statusConflict(job.ID, err == nil)
}

func (s *SQLiteStore) AppendResults(ctx context.Context, jobID string, results []discovery.ItemResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append results")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO item_results (job_id, identifier, snapshot, score, selected, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare append results")
	}
	defer stmt.Close()

	for _, r := range results {
		snapshot, score, err := encodeResult(r)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, jobID, r.Identifier, nullBytes(snapshot), nullBytes(score),
			r.Selected, r.Error, r.CreatedAt.UTC()); err != nil {
			return eris.Wrapf(err, "sqlite: insert result %s for job %s", r.Identifier, jobID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit append results")
}

const sqliteJobColumns = `id, status, config_snapshot, total_tested, total_selected, tokens_estimated,
	tokens_used, error_count, stop_reason, error, created_at, started_at, finished_at`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*discovery.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM discovery_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(discovery.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return j, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]discovery.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM discovery_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []discovery.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) ListResults(ctx context.Context, jobID string, opts discovery.ListOpts) ([]discovery.ItemResult, error) {
	query := `SELECT job_id, identifier, snapshot, score, selected, error, created_at
		FROM item_results WHERE job_id = ?`
	args := []any{jobID}
	if opts.SelectedOnly {
		query += ` AND selected = 1`
	}
	query += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, listLimit(opts.Limit), max(opts.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list results for job %s", jobID)
	}
	defer rows.Close()

	var out []discovery.ItemResult
	for rows.Next() {
		var (
			r               discovery.ItemResult
			snapshot, score sql.NullString
		)
		if err := rows.Scan(&r.JobID, &r.Identifier, &snapshot, &score, &r.Selected, &r.Error, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		if err := decodeResult(&r, []byte(snapshot.String), []byte(score.String)); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list results iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not updated: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*discovery.Job, error) {
	var (
		j                     discovery.Job
		status, stop          string
		snapshot              string
		startedAt, finishedAt sql.NullTime
	)
	err := row.Scan(&j.ID, &status, &snapshot, &j.TotalTested, &j.TotalSelected, &j.TokensEstimated,
		&j.TokensUsed, &j.ErrorCount, &stop, &j.Error, &j.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	j.Status = discovery.Status(status)
	j.StopReason = discovery.StopReason(stop)
	j.ConfigSnapshot = []byte(snapshot)
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	return &j, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullBytes(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
