package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/flying-dice/dcs-dropzone-sub002/internal/model"
)

// Store is the durable SQLite Backend.
//
// Times are stored as unix nanoseconds so ordering and comparison happen in
// SQL without string parsing.
type Store struct {
	Db *sql.DB
}

func (s *Store) Init() error {
	schema := `
	create table if not exists jobs(
		id text primary key,
		kind text not null,
		payload text,
		target_directory text not null default '',
		state text not null default 'pending',
		attempts integer not null default 0,
		max_retries integer not null default 0,
		progress_percent real not null default 0,
		progress_summary text not null default '',
		pid integer not null default 0,
		last_error text not null default '',
		created_at integer not null,
		updated_at integer not null,
		scheduled_at integer not null,
		completed_at integer
	);
	create index if not exists idx_jobs_eligible on jobs(kind, state, scheduled_at);

	create table if not exists runs(
		id text primary key,
		job_id text not null references jobs(id) on delete cascade,
		attempt integer not null,
		state text not null,
		started_at integer not null,
		ended_at integer,
		result text,
		error_code text not null default '',
		error_message text not null default ''
	);
	create index if not exists idx_runs_job on runs(job_id, attempt);
	create index if not exists idx_runs_state on runs(state);
	`
	_, err := s.Db.Exec(schema)
	return err
}

// NewStore opens (or creates) the database at dbPath and applies the schema.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; attempt goroutines queue on the pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store := &Store{
		Db: db,
	}
	if err := store.Init(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

func (s *Store) Jobs() JobStore { return &sqlJobs{db: s.Db} }
func (s *Store) Runs() RunStore { return &sqlRuns{db: s.Db} }

func (s *Store) Close() error {
	return s.Db.Close()
}

const jobColumns = `id, kind, payload, target_directory, state, attempts, max_retries,
	progress_percent, progress_summary, pid, last_error,
	created_at, updated_at, scheduled_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type sqlJobs struct {
	db *sql.DB
}

func (s *sqlJobs) Save(ctx context.Context, job *model.Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	stampJob(job, time.Now())

	statement := `insert into jobs (` + jobColumns + `)
		values (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		on conflict(id) do update set
			kind = excluded.kind,
			payload = excluded.payload,
			target_directory = excluded.target_directory,
			state = excluded.state,
			attempts = excluded.attempts,
			max_retries = excluded.max_retries,
			progress_percent = excluded.progress_percent,
			progress_summary = excluded.progress_summary,
			pid = excluded.pid,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at,
			scheduled_at = excluded.scheduled_at,
			completed_at = excluded.completed_at`

	_, err := s.db.ExecContext(ctx, statement,
		job.ID,
		job.Kind,
		nullableText(job.Payload),
		job.TargetDirectory,
		string(job.Status),
		job.Attempts,
		job.MaxRetries,
		job.ProgressPercent,
		job.ProgressSummary,
		job.PID,
		job.LastError,
		job.CreatedAt.UnixNano(),
		job.UpdatedAt.UnixNano(),
		job.ScheduledAt.UnixNano(),
		nullableTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *sqlJobs) FindByID(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `select `+jobColumns+` from jobs where id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("job", id)
	}
	return job, err
}

func (s *sqlJobs) FindNextEligible(ctx context.Context, kind string, now time.Time) (*model.Job, error) {
	findSQL := `select ` + jobColumns + ` from jobs
		where kind = ?
			and completed_at is null
			and state not in (?, ?)
			and scheduled_at <= ?
			and not exists (
				select 1 from runs where runs.job_id = jobs.id and runs.state = ?
			)
		order by scheduled_at asc, rowid asc
		limit 1`

	row := s.db.QueryRowContext(ctx, findSQL,
		kind,
		model.StatusCompleted,
		model.StatusFailed,
		now.UnixNano(),
		model.RunRunning,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// exec runs a single-row update and maps zero affected rows to NotFoundError.
func (s *sqlJobs) exec(ctx context.Context, id, statement string, args ...any) error {
	res, err := s.db.ExecContext(ctx, statement, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return NewNotFoundError("job", id)
	}
	return nil
}

func (s *sqlJobs) MarkProcessing(ctx context.Context, id string) error {
	return s.exec(ctx, id, `update jobs set state = ?, updated_at = ? where id = ?`,
		model.StatusProcessing, time.Now().UnixNano(), id)
}

func (s *sqlJobs) UpdateProgress(ctx context.Context, id string, percent float64, summary string) error {
	return s.exec(ctx, id, `update jobs set progress_percent = ?, progress_summary = ?, updated_at = ? where id = ?`,
		percent, summary, time.Now().UnixNano(), id)
}

func (s *sqlJobs) SetPID(ctx context.Context, id string, pid int) error {
	return s.exec(ctx, id, `update jobs set pid = ?, updated_at = ? where id = ?`,
		pid, time.Now().UnixNano(), id)
}

func (s *sqlJobs) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`update jobs set attempts = attempts + 1, updated_at = ? where id = ? returning attempts`,
		time.Now().UnixNano(), id,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, NewNotFoundError("job", id)
	}
	if err != nil {
		return 0, fmt.Errorf("increment attempts for %s: %w", id, err)
	}
	return attempts, nil
}

func (s *sqlJobs) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, id, `update jobs set
			state = ?,
			completed_at = ?,
			progress_percent = 100,
			pid = 0,
			last_error = '',
			updated_at = ?
		where id = ?`,
		model.StatusCompleted, at.UnixNano(), time.Now().UnixNano(), id)
}

func (s *sqlJobs) MarkFailed(ctx context.Context, id string, lastError string) error {
	return s.exec(ctx, id, `update jobs set state = ?, pid = 0, last_error = ?, updated_at = ? where id = ?`,
		model.StatusFailed, lastError, time.Now().UnixNano(), id)
}

func (s *sqlJobs) Reschedule(ctx context.Context, id string, attempts int, scheduledAt time.Time, lastError string) error {
	return s.exec(ctx, id, `update jobs set
			state = ?,
			attempts = ?,
			scheduled_at = ?,
			pid = 0,
			last_error = ?,
			updated_at = ?
		where id = ?`,
		model.StatusRetrying, attempts, scheduledAt.UnixNano(), lastError, time.Now().UnixNano(), id)
}

func (s *sqlJobs) Requeue(ctx context.Context, id string, at time.Time) error {
	// We reset the state, attempts, and scheduled time
	res, err := s.db.ExecContext(ctx, `update jobs set
			state = ?,
			attempts = 0,
			scheduled_at = ?,
			last_error = '',
			progress_percent = 0,
			progress_summary = '',
			updated_at = ?
		where id = ? and state = ?`,
		model.StatusPending, at.UnixNano(), time.Now().UnixNano(), id, model.StatusFailed)
	if err != nil {
		return err
	}

	rowsAffected, _ := res.RowsAffected()
	if rowsAffected == 0 {
		if _, err := s.FindByID(ctx, id); err != nil {
			return err
		}
		return NewInvalidInputError("status", fmt.Sprintf("job '%s' is not in the failed state", id))
	}
	return nil
}

func (s *sqlJobs) List(ctx context.Context, filter JobFilter) ([]*model.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.Status))
	}
	return s.query(ctx, where, args)
}

func (s *sqlJobs) ListPending(ctx context.Context, kind string) ([]*model.Job, error) {
	where := []string{"completed_at is null", "state not in (?, ?)"}
	args := []any{model.StatusCompleted, model.StatusFailed}
	if kind != "" {
		where = append(where, "kind = ?")
		args = append(args, kind)
	}
	return s.query(ctx, where, args)
}

func (s *sqlJobs) ListCompleted(ctx context.Context, kind string) ([]*model.Job, error) {
	where := []string{"completed_at is not null"}
	var args []any
	if kind != "" {
		where = append(where, "kind = ?")
		args = append(args, kind)
	}
	return s.query(ctx, where, args)
}

func (s *sqlJobs) query(ctx context.Context, where []string, args []any) ([]*model.Job, error) {
	statement := `select ` + jobColumns + ` from jobs`
	if len(where) > 0 {
		statement += ` where ` + strings.Join(where, " and ")
	}
	statement += ` order by rowid asc`

	rows, err := s.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]*model.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// state -> count
func (s *sqlJobs) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `select state, count(*) from jobs group by state;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stateMap := make(map[string]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stateMap[state] = count
	}
	return stateMap, rows.Err()
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job         model.Job
		payload     sql.NullString
		state       string
		createdAt   int64
		updatedAt   int64
		scheduledAt int64
		completedAt sql.NullInt64
	)
	err := row.Scan(
		&job.ID,
		&job.Kind,
		&payload,
		&job.TargetDirectory,
		&state,
		&job.Attempts,
		&job.MaxRetries,
		&job.ProgressPercent,
		&job.ProgressSummary,
		&job.PID,
		&job.LastError,
		&createdAt,
		&updatedAt,
		&scheduledAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		job.Payload = []byte(payload.String)
	}
	job.Status = model.JobStatus(state)
	job.CreatedAt = time.Unix(0, createdAt)
	job.UpdatedAt = time.Unix(0, updatedAt)
	job.ScheduledAt = time.Unix(0, scheduledAt)
	job.CompletedAt = timePtr(completedAt)
	return &job, nil
}

const runColumns = `id, job_id, attempt, state, started_at, ended_at, result, error_code, error_message`

type sqlRuns struct {
	db *sql.DB
}

func (s *sqlRuns) Save(ctx context.Context, run *model.Run) error {
	if err := validateRun(run); err != nil {
		return err
	}
	statement := `insert into runs (` + runColumns + `)
		values (?,?,?,?,?,?,?,?,?)
		on conflict(id) do update set
			state = excluded.state,
			ended_at = excluded.ended_at,
			result = excluded.result,
			error_code = excluded.error_code,
			error_message = excluded.error_message`

	_, err := s.db.ExecContext(ctx, statement,
		run.ID,
		run.JobID,
		run.Attempt,
		string(run.State),
		run.StartedAt.UnixNano(),
		nullableTime(run.EndedAt),
		nullableText(run.Result),
		run.ErrorCode,
		run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

func (s *sqlRuns) FindByID(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `select `+runColumns+` from runs where id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("run", id)
	}
	return run, err
}

// FindLatestByJobID returns the most recently created run. Attempt numbers
// restart after a requeue, so runs are ordered by insertion.
func (s *sqlRuns) FindLatestByJobID(ctx context.Context, jobID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+runColumns+` from runs where job_id = ? order by rowid desc limit 1`, jobID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("run for job", jobID)
	}
	return run, err
}

func (s *sqlRuns) ListByJobID(ctx context.Context, jobID string) ([]*model.Run, error) {
	return s.query(ctx, `where job_id = ? order by rowid asc`, jobID)
}

func (s *sqlRuns) ListRunning(ctx context.Context) ([]*model.Run, error) {
	return s.query(ctx, `where state = ? order by rowid asc`, model.RunRunning)
}

func (s *sqlRuns) ListFailed(ctx context.Context) ([]*model.Run, error) {
	return s.query(ctx, `where state = ? order by rowid asc`, model.RunFailed)
}

func (s *sqlRuns) ListSuccess(ctx context.Context) ([]*model.Run, error) {
	return s.query(ctx, `where state = ? order by rowid asc`, model.RunSuccess)
}

func (s *sqlRuns) query(ctx context.Context, clause string, args ...any) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx, `select `+runColumns+` from runs `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]*model.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*model.Run, error) {
	var (
		run       model.Run
		state     string
		startedAt int64
		endedAt   sql.NullInt64
		result    sql.NullString
	)
	err := row.Scan(
		&run.ID,
		&run.JobID,
		&run.Attempt,
		&state,
		&startedAt,
		&endedAt,
		&result,
		&run.ErrorCode,
		&run.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	run.State = model.RunState(state)
	run.StartedAt = time.Unix(0, startedAt)
	run.EndedAt = timePtr(endedAt)
	if result.Valid {
		run.Result = []byte(result.String)
	}
	return &run, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
