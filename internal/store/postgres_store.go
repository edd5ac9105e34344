package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Popie52/jobclerk/internal/model"

	_ "github.com/jackc/pgx/v4/stdlib"
	_ "github.com/lib/pq"
)

// Driver names accepted by OpenPostgres.
const (
	DriverPQ  = "postgres"
	DriverPGX = "pgx"
)

type PostgresJobStore struct {
	db *sql.DB
}

var _ Store = (*PostgresJobStore)(nil)

func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{
		db: db,
	}
}

// OpenPostgres opens and pings a database handle using either lib/pq
// ("postgres") or the pgx stdlib driver ("pgx").
func OpenPostgres(ctx context.Context, driver, dsn string, maxConns int) (*sql.DB, error) {
	switch driver {
	case "", DriverPQ:
		driver = DriverPQ
	case DriverPGX:
	default:
		return nil, fmt.Errorf("unknown postgres driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	name       TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
	id         BIGSERIAL PRIMARY KEY,
	project    TEXT NOT NULL REFERENCES projects (name),
	payload    JSON NOT NULL,
	state      TEXT NOT NULL DEFAULT 'pending' CHECK (state IN ('pending', 'claimed')),
	claimed_by TEXT,
	token      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	claimed_at TIMESTAMPTZ,
	CHECK ((state = 'claimed') = (claimed_by IS NOT NULL AND claimed_by <> ''))
);

CREATE INDEX IF NOT EXISTS jobs_project_idx ON jobs (project, id);
CREATE INDEX IF NOT EXISTS jobs_pending_idx ON jobs (project, created_at, id) WHERE state = 'pending';
`

const jobColumns = `id, project, state, payload, claimed_by, token, created_at, claimed_at`

func (s *PostgresJobStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresJobStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

// Projects

func (s *PostgresJobStore) EnsureProject(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (name) VALUES ($1)
		ON CONFLICT (name) DO NOTHING
	`, name)
	return err
}

func (s *PostgresJobStore) Resolve(ctx context.Context, name string) (*model.Project, error) {
	var p model.Project
	err := s.db.QueryRowContext(ctx, `
		SELECT name, created_at FROM projects WHERE name = $1
	`, name).Scan(&p.Name, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresJobStore) ListProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, created_at FROM projects ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*model.Project
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.Name, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return projects, nil
}

// Jobs

func (s *PostgresJobStore) AddJob(ctx context.Context, project string, payload json.RawMessage) (*model.Job, error) {
	// The project is checked in the same statement so a missing project is
	// reported as not found rather than as a foreign key violation.
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO jobs (project, payload)
		SELECT name, $2::json FROM projects WHERE name = $1
		RETURNING `+jobColumns,
		project,
		string(payload),
	)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrProjectNotFound
	}
	return job, err
}

func (s *PostgresJobStore) ListJobs(ctx context.Context, project string) ([]*model.Job, error) {
	// REPEATABLE READ gives the project check and the listing one snapshot.
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := projectExists(ctx, tx, project); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE project = $1
		ORDER BY id
	`, project)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	return jobs, tx.Commit()
}

func (s *PostgresJobStore) GetJob(ctx context.Context, project string, id int64) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE project = $1 AND id = $2
	`, project, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		if perr := projectExists(ctx, s.db, project); perr != nil {
			return nil, perr
		}
		return nil, model.ErrJobNotFound
	}
	return job, err
}

func (s *PostgresJobStore) PendingJobs(ctx context.Context, project string, limit int) ([]*model.Job, error) {
	if err := projectExists(ctx, s.db, project); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE project = $1 AND state = 'pending'
		ORDER BY created_at, id
		LIMIT $2
	`, project, limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

// TryClaim is a compare-and-swap on the row's state: the update only matches
// while the job is still pending, so exactly one concurrent caller wins.
func (s *PostgresJobStore) TryClaim(ctx context.Context, project string, id int64, runner, token string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET state = 'claimed',
			claimed_by = $3,
			token = $4,
			claimed_at = now()
		WHERE project = $1 AND id = $2 AND state = 'pending'
		RETURNING `+jobColumns,
		project, id, runner, token,
	)

	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// Lost the race, or there is nothing to claim.
	var state string
	err = s.db.QueryRowContext(ctx, `
		SELECT state FROM jobs WHERE project = $1 AND id = $2
	`, project, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		if perr := projectExists(ctx, s.db, project); perr != nil {
			return nil, perr
		}
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return nil, model.ErrAlreadyClaimed
}

// Helpers

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func projectExists(ctx context.Context, q queryRower, project string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE name = $1`, project).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrProjectNotFound
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		j         model.Job
		state     string
		payload   []byte
		claimedBy sql.NullString
		token     sql.NullString
		claimedAt sql.NullTime
	)

	if err := row.Scan(
		&j.ID,
		&j.Project,
		&state,
		&payload,
		&claimedBy,
		&token,
		&j.CreatedAt,
		&claimedAt,
	); err != nil {
		return nil, err
	}

	j.State = model.State(state)
	j.Payload = json.RawMessage(payload)
	j.ClaimedBy = claimedBy.String
	j.Token = token.String
	j.CreatedAt = j.CreatedAt.UTC()
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		j.ClaimedAt = &t
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*model.Job, error) {
	defer rows.Close()

	jobs := []*model.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}
