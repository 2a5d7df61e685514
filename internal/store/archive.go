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

// Archive moves terminal jobs that ended before the cutoff out of the live
// table. Their dependency links are folded into the archive row so Get can
// still report them, and dependents keep resolving their state.
func (s *Store) Archive(ctx context.Context, before time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin tx", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE state IN ('succeeded','failed','killed') AND ended_at < ?
		ORDER BY id
	`, ts(before))
	if err != nil {
		return 0, storageErr("select archivable", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, storageErr("scan archivable", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, storageErr("select archivable", err)
	}

	now := ts(time.Now())
	for _, id := range ids {
		deps, err := loadDeps(ctx, tx, id)
		if err != nil {
			return 0, err
		}
		if deps == nil {
			deps = []int64{}
		}
		depJSON, _ := json.Marshal(deps)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO archive (`+jobColumns+`, dependencies, archived_at)
			SELECT `+jobColumns+`, ?, ? FROM jobs WHERE id=?
		`, string(depJSON), now, id); err != nil {
			return 0, storageErr("archive job", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_deps WHERE job_id=?`, id); err != nil {
			return 0, storageErr("archive deps", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id); err != nil {
			return 0, storageErr("archive delete", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("tx commit", err)
	}
	return len(ids), nil
}

func (s *Store) ListArchive(ctx context.Context) ([]model.Job, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+jobColumns+`, dependencies
		FROM archive
		ORDER BY id DESC
	`)
	if err != nil {
		return nil, storageErr("list archive", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanArchived(rows)
		if err != nil {
			return nil, storageErr("scan archive", err)
		}
		j.Src = ""
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *Store) getArchived(ctx context.Context, id int64) (*model.Job, error) {
	j, err := scanArchived(s.DB.QueryRowContext(ctx, `
		SELECT `+jobColumns+`, dependencies FROM archive WHERE id=?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", model.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, storageErr("select archived job", err)
	}
	return j, nil
}

// scanArchived reads jobColumns followed by the folded dependency list.
func scanArchived(r rowScanner) (*model.Job, error) {
	var depJSON string
	j, err := scanJob(scannerFunc(func(dest ...any) error {
		return r.Scan(append(dest, &depJSON)...)
	}))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(depJSON), &j.Dependencies); err != nil {
		return nil, fmt.Errorf("job %d dependencies: %w", j.ID, err)
	}
	return j, nil
}

type scannerFunc func(dest ...any) error

func (f scannerFunc) Scan(dest ...any) error { return f(dest...) }
