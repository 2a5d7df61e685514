package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sjq/internal/model"
)

// Get returns a job from the live table or, failing that, the archive.
func (s *Store) Get(ctx context.Context, id int64) (*model.Job, error) {
	j, err := scanJob(s.DB.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id=?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return s.getArchived(ctx, id)
	}
	if err != nil {
		return nil, storageErr("select job", err)
	}
	if j.Dependencies, err = loadDeps(ctx, s.DB, id); err != nil {
		return nil, err
	}
	return j, nil
}

// ListJobs returns live jobs in id order, optionally filtered by state.
// Sources are omitted; fetch a single job with Get for the script body.
func (s *Store) ListJobs(ctx context.Context, state model.State) ([]model.Job, error) {
	q := `
		SELECT ` + jobColumns + `
		FROM jobs
	`
	args := []any{}

	if state != "" {
		q += " WHERE state = ?"
		args = append(args, string(state))
	}
	q += " ORDER BY id ASC"

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("list jobs", err)
	}
	defer rows.Close()

	var result []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, storageErr("scan job", err)
		}
		j.Src = ""
		result = append(result, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list jobs", err)
	}

	for i := range result {
		if result[i].Dependencies, err = loadDeps(ctx, s.DB, result[i].ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// RunningJobs returns every job the store believes is running.
func (s *Store) RunningJobs(ctx context.Context) ([]model.Job, error) {
	return s.ListJobs(ctx, model.StateRunning)
}

// Stats counts live jobs per state, in model.AllStates order.
func (s *Store) Stats(ctx context.Context) ([]model.StateCount, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, storageErr("stats", err)
	}
	defer rows.Close()

	counts := map[model.State]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, storageErr("scan stats", err)
		}
		counts[model.State(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: stats: %v", model.ErrStorage, err)
	}

	stats := make([]model.StateCount, 0, len(model.AllStates))
	for _, st := range model.AllStates {
		stats = append(stats, model.StateCount{State: st, Count: counts[st]})
	}
	return stats, nil
}
