package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sjq/internal/model"
)

const jobColumns = `id, name, src, procs, mem, cwd, env, stdout_path, stderr_path,
	uid, gid, state, retcode, pid, error, submitted_at, started_at, ended_at, updated_at`

// depState resolves a dependency's state from the live table, falling back
// to the archive for jobs that were archived after finishing.
const depState = `COALESCE(
	(SELECT state FROM jobs WHERE id = d.dep_id),
	(SELECT state FROM archive WHERE id = d.dep_id))`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", model.ErrStorage, op, err)
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Submit validates spec against limits and durably inserts it. The job is
// queued when every dependency already succeeded, held otherwise.
func (s *Store) Submit(ctx context.Context, spec model.JobSpec, limits model.Limits) (int64, error) {
	if err := spec.Normalize(limits); err != nil {
		return 0, err
	}
	if spec.Cwd == "" {
		return 0, fmt.Errorf("%w: empty working directory", model.ErrValidation)
	}
	env := spec.Env
	if env == nil {
		env = map[string]string{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("%w: env: %v", model.ErrValidation, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin tx", err)
	}
	defer tx.Rollback()

	state := model.StateQueued
	for _, dep := range spec.Dependencies {
		var st sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(
				(SELECT state FROM jobs WHERE id = ?1),
				(SELECT state FROM archive WHERE id = ?1))
		`, dep).Scan(&st)
		if err != nil {
			return 0, storageErr("lookup dependency", err)
		}
		if !st.Valid {
			return 0, fmt.Errorf("%w: job %d does not exist", model.ErrInvalidDependency, dep)
		}
		if model.State(st.String) != model.StateSucceeded {
			state = model.StateHeld
		}
	}

	now := ts(time.Now())
	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (name, src, procs, mem, cwd, env, stdout_path, stderr_path,
		                  uid, gid, state, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, spec.Name, spec.Src, spec.Procs, spec.Mem, spec.Cwd, string(envJSON),
		spec.StdoutPath, spec.StderrPath, spec.UID, spec.GID, string(state), now, now)
	if err != nil {
		return 0, storageErr("insert job", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("job id", err)
	}

	if spec.StdoutPath == "" || spec.StderrPath == "" {
		stdout, stderr := spec.StdoutPath, spec.StderrPath
		if stdout == "" {
			stdout = model.DefaultStdout(spec.Cwd, spec.Name, id)
		}
		if stderr == "" {
			stderr = model.DefaultStderr(spec.Cwd, spec.Name, id)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET stdout_path=?, stderr_path=? WHERE id=?
		`, stdout, stderr, id); err != nil {
			return 0, storageErr("set log paths", err)
		}
	}

	for _, dep := range spec.Dependencies {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_deps (job_id, dep_id) VALUES (?, ?)
		`, id, dep); err != nil {
			return 0, storageErr("insert dependency", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("tx commit", err)
	}
	return id, nil
}

// FindNextEligible returns the lowest-id queued job that fits the budgets
// and whose dependencies have all succeeded, or nil when there is none.
func (s *Store) FindNextEligible(ctx context.Context, procsAvail int, memAvail int64) (*model.Job, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs j
		WHERE j.state = 'queued'
		  AND j.procs <= ?
		  AND j.mem <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM job_deps d
			WHERE d.job_id = j.id
			  AND `+depState+` IS NOT 'succeeded'
		  )
		ORDER BY j.id ASC
		LIMIT 1
	`, procsAvail, memAvail)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // nothing eligible
	}
	if err != nil {
		return nil, storageErr("select eligible job", err)
	}
	if j.Dependencies, err = loadDeps(ctx, s.DB, j.ID); err != nil {
		return nil, err
	}
	return j, nil
}

// MarkRunning moves a queued job to running and records its pid.
func (s *Store) MarkRunning(ctx context.Context, id int64, pid int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := ts(time.Now())
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs SET state='running', pid=?, started_at=?, updated_at=?
		WHERE id=? AND state='queued'
	`, pid, now, now, id)
	if err != nil {
		return storageErr("mark running", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: job %d is no longer queued", model.ErrJobTerminal, id)
	}
	return nil
}

// UpdateState transitions a job. Terminal states are immutable: updating a
// finished job returns ErrJobTerminal and changes nothing. A transition to
// failed or killed also fails every queued or held dependent, transitively;
// their ids are returned.
func (s *Store) UpdateState(ctx context.Context, id int64, state model.State, retcode *int, reason string) ([]int64, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", model.ErrValidation, state)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin tx", err)
	}
	defer tx.Rollback()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id=?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.QueryRowContext(ctx, `SELECT state FROM archive WHERE id=?`, id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", model.ErrJobNotFound, id)
		}
		if err != nil {
			return nil, storageErr("select archived state", err)
		}
		return nil, fmt.Errorf("%w: job %d is %s and archived", model.ErrJobTerminal, id, cur)
	}
	if err != nil {
		return nil, storageErr("select state", err)
	}
	if model.State(cur).Terminal() {
		return nil, fmt.Errorf("%w: job %d is %s", model.ErrJobTerminal, id, cur)
	}

	now := time.Now()
	if err := setState(ctx, tx, id, state, retcode, reason, now); err != nil {
		return nil, err
	}

	var aborted []int64
	if state.Aborted() {
		if aborted, err = abortDependents(ctx, tx, id, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("tx commit", err)
	}
	return aborted, nil
}

func setState(ctx context.Context, q querier, id int64, state model.State, retcode *int, reason string, now time.Time) error {
	var ended, errText any
	if state.Terminal() {
		ended = ts(now)
	}
	if reason != "" {
		errText = reason
	}
	var rc any
	if retcode != nil {
		rc = *retcode
	}
	_, err := q.ExecContext(ctx, `
		UPDATE jobs
		SET state=?, retcode=COALESCE(?, retcode), error=COALESCE(?, error),
		    ended_at=COALESCE(?, ended_at), updated_at=?
		WHERE id=?
	`, string(state), rc, errText, ended, ts(now), id)
	if err != nil {
		return storageErr("update state", err)
	}
	return nil
}

// abortDependents fails every non-terminal job that depends, directly or
// indirectly, on root.
func abortDependents(ctx context.Context, q querier, root int64, now time.Time) ([]int64, error) {
	var aborted []int64
	queue := []int64{root}
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]

		rows, err := q.QueryContext(ctx, `
			SELECT j.id FROM job_deps d
			JOIN jobs j ON j.id = d.job_id
			WHERE d.dep_id = ? AND j.state IN ('queued','held')
			ORDER BY j.id
		`, dep)
		if err != nil {
			return nil, storageErr("select dependents", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, storageErr("scan dependent", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, storageErr("select dependents", err)
		}

		for _, id := range ids {
			reason := fmt.Sprintf("%v: job %d", model.ErrDependencyAborted, dep)
			if err := setState(ctx, q, id, model.StateFailed, nil, reason, now); err != nil {
				return nil, err
			}
			aborted = append(aborted, id)
			queue = append(queue, id)
		}
	}
	return aborted, nil
}

// CheckHeldJobs re-evaluates held jobs: those whose dependencies all
// succeeded become queued, those with an aborted dependency fail (and
// cascade). Running it twice without other changes is a no-op the second
// time.
func (s *Store) CheckHeldJobs(ctx context.Context) (promoted, failed []int64, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, storageErr("begin tx", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT j.id,
		       SUM(CASE WHEN `+depState+` IN ('failed','killed') THEN 1 ELSE 0 END),
		       SUM(CASE WHEN d.dep_id IS NOT NULL AND `+depState+` IS NOT 'succeeded' THEN 1 ELSE 0 END),
		       MIN(CASE WHEN `+depState+` IN ('failed','killed') THEN d.dep_id END)
		FROM jobs j
		LEFT JOIN job_deps d ON d.job_id = j.id
		WHERE j.state = 'held'
		GROUP BY j.id
		ORDER BY j.id
	`)
	if err != nil {
		return nil, nil, storageErr("select held jobs", err)
	}
	type held struct {
		id, abortedBy    int64
		aborted, pending int
	}
	var list []held
	for rows.Next() {
		var h held
		var abortedBy sql.NullInt64
		var aborted, pending sql.NullInt64
		if err := rows.Scan(&h.id, &aborted, &pending, &abortedBy); err != nil {
			rows.Close()
			return nil, nil, storageErr("scan held job", err)
		}
		h.aborted, h.pending, h.abortedBy = int(aborted.Int64), int(pending.Int64), abortedBy.Int64
		list = append(list, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, storageErr("select held jobs", err)
	}

	now := time.Now()
	for _, h := range list {
		switch {
		case h.aborted > 0:
			var cur string
			if err := tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id=?`, h.id).Scan(&cur); err != nil {
				return nil, nil, storageErr("select state", err)
			}
			if model.State(cur) != model.StateHeld {
				// already failed by an earlier cascade in this pass
				continue
			}
			reason := fmt.Sprintf("%v: job %d", model.ErrDependencyAborted, h.abortedBy)
			if err := setState(ctx, tx, h.id, model.StateFailed, nil, reason, now); err != nil {
				return nil, nil, err
			}
			failed = append(failed, h.id)
			more, err := abortDependents(ctx, tx, h.id, now)
			if err != nil {
				return nil, nil, err
			}
			failed = append(failed, more...)
		case h.pending == 0:
			if err := setState(ctx, tx, h.id, model.StateQueued, nil, "", now); err != nil {
				return nil, nil, err
			}
			promoted = append(promoted, h.id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, storageErr("tx commit", err)
	}
	return promoted, failed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*model.Job, error) {
	var (
		j                           model.Job
		state, envJSON              string
		submittedAt, updatedAt      string
		retcode, pid                sql.NullInt64
		errText, startedAt, endedAt sql.NullString
	)
	err := r.Scan(
		&j.ID, &j.Name, &j.Src, &j.Procs, &j.Mem, &j.Cwd, &envJSON,
		&j.StdoutPath, &j.StderrPath, &j.UID, &j.GID, &state,
		&retcode, &pid, &errText, &submittedAt, &startedAt, &endedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.State = model.State(state)
	if envJSON != "" {
		if err := json.Unmarshal([]byte(envJSON), &j.Env); err != nil {
			return nil, fmt.Errorf("job %d env: %w", j.ID, err)
		}
	}
	if retcode.Valid {
		rc := int(retcode.Int64)
		j.Retcode = &rc
	}
	j.PID = int(pid.Int64)
	j.Error = errText.String
	j.SubmittedAt, _ = time.Parse(time.RFC3339Nano, submittedAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	j.StartedAt = parseNullTime(startedAt)
	j.EndedAt = parseNullTime(endedAt)
	return &j, nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func loadDeps(ctx context.Context, q querier, id int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT dep_id FROM job_deps WHERE job_id=? ORDER BY dep_id`, id)
	if err != nil {
		return nil, storageErr("select dependencies", err)
	}
	defer rows.Close()

	var deps []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, storageErr("scan dependency", err)
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}
