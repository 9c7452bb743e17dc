package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sourcing-cli/internal/db"
	"github.com/sells-group/sourcing-cli/internal/discovery"
)

// PostgresStore implements Store using a pgx pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// preparedStatements lists queries prepared on each new connection.
var preparedStatements = map[string]string{
	"insert_job":   `INSERT INTO discovery_jobs (id, status, config_snapshot, tokens_estimated, created_at) VALUES ($1, $2, $3, $4, $5)`,
	"update_job":   updateJobSQL,
	"get_job":      `SELECT ` + pgJobColumns + ` FROM discovery_jobs WHERE id = $1`,
	"job_exists":   `SELECT EXISTS (SELECT 1 FROM discovery_jobs WHERE id = $1)`,
	"list_jobs":    `SELECT ` + pgJobColumns + ` FROM discovery_jobs ORDER BY created_at DESC LIMIT $1`,
	"list_results": listResultsSQL,
}

const pgJobColumns = `id, status, config_snapshot, total_tested, total_selected, tokens_estimated,
	tokens_used, error_count, stop_reason, error, created_at, started_at, finished_at`

const updateJobSQL = `UPDATE discovery_jobs SET status = $2, total_tested = $3, total_selected = $4,
	tokens_used = $5, error_count = $6, stop_reason = $7, error = $8, started_at = $9, finished_at = $10
	WHERE id = $1 AND ` + notTerminal

const listResultsSQL = `SELECT job_id, identifier, snapshot, score, selected, error, created_at
	FROM item_results WHERE job_id = $1 AND (NOT $2 OR selected) ORDER BY id LIMIT $3 OFFSET $4`

// resultColumns is the COPY column list for item_results.
var resultColumns = []string{"job_id", "identifier", "snapshot", "score", "selected", "error", "created_at"}

// NewPostgres connects to Postgres and returns a PostgresStore.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg, preparedStatements)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS discovery_jobs (
	id               TEXT PRIMARY KEY,
	status           TEXT NOT NULL DEFAULT 'pending',
	config_snapshot  JSONB NOT NULL,
	total_tested     INTEGER NOT NULL DEFAULT 0,
	total_selected   INTEGER NOT NULL DEFAULT 0,
	tokens_estimated INTEGER NOT NULL DEFAULT 0,
	tokens_used      INTEGER NOT NULL DEFAULT 0,
	error_count      INTEGER NOT NULL DEFAULT 0,
	stop_reason      TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS item_results (
	id         BIGSERIAL PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES discovery_jobs(id),
	identifier TEXT NOT NULL,
	snapshot   JSONB,
	score      JSONB,
	selected   BOOLEAN NOT NULL DEFAULT false,
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_discovery_jobs_status ON discovery_jobs(status);
CREATE INDEX IF NOT EXISTS idx_discovery_jobs_created_at ON discovery_jobs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_item_results_job_id ON item_results(job_id, selected);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, job *discovery.Job) error {
	_, err := s.pool.Exec(ctx, preparedStatements["insert_job"],
		job.ID, string(job.Status), []byte(job.ConfigSnapshot), job.TokensEstimated, job.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, job *discovery.Job) error {
	tag, err := s.pool.Exec(ctx, updateJobSQL,
		job.ID, string(job.Status), job.TotalTested, job.TotalSelected,
		job.TokensUsed, job.ErrorCount, string(job.StopReason), job.Error, job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %s", job.ID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, preparedStatements["job_exists"], job.ID).Scan(&exists); err != nil {
		return eris.Wrapf(err, "postgres: check job %s", job.ID)
	}
	return statusConflict(job.ID, exists)
}

// AppendResults bulk-loads results with COPY.
func (s *PostgresStore) AppendResults(ctx context.Context, jobID string, results []discovery.ItemResult) error {
	rows := make([][]any, 0, len(results))
	for _, r := range results {
		snapshot, score, err := encodeResult(r)
		if err != nil {
			return err
		}
		rows = append(rows, []any{jobID, r.Identifier, snapshot, score, r.Selected, r.Error, r.CreatedAt.UTC()})
	}
	if _, err := db.CopyFrom(ctx, s.pool, "item_results", resultColumns, rows); err != nil {
		return eris.Wrapf(err, "postgres: append results for job %s", jobID)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*discovery.Job, error) {
	j, err := scanPgJob(s.pool.QueryRow(ctx, preparedStatements["get_job"], id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(discovery.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return j, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]discovery.Job, error) {
	rows, err := s.pool.Query(ctx, preparedStatements["list_jobs"], listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []discovery.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) ListResults(ctx context.Context, jobID string, opts discovery.ListOpts) ([]discovery.ItemResult, error) {
	rows, err := s.pool.Query(ctx, listResultsSQL, jobID, opts.SelectedOnly, listLimit(opts.Limit), max(opts.Offset, 0))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list results for job %s", jobID)
	}
	defer rows.Close()

	var out []discovery.ItemResult
	for rows.Next() {
		var (
			r               discovery.ItemResult
			snapshot, score []byte
		)
		if err := rows.Scan(&r.JobID, &r.Identifier, &snapshot, &score, &r.Selected, &r.Error, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		if err := decodeResult(&r, snapshot, score); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list results iterate")
}

func scanPgJob(row pgx.Row) (*discovery.Job, error) {
	var (
		j            discovery.Job
		status, stop string
		snapshot     []byte
	)
	err := row.Scan(&j.ID, &status, &snapshot, &j.TotalTested, &j.TotalSelected, &j.TokensEstimated,
		&j.TokensUsed, &j.ErrorCount, &stop, &j.Error, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	j.Status = discovery.Status(status)
	j.StopReason = discovery.StopReason(stop)
	j.ConfigSnapshot = snapshot
	return &j, nil
}
