package store

import (
	"context"
)

// ResetQueue drops every live job and dependency link. Job ids keep
// increasing afterwards.
func (s *Store) ResetQueue(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.DB.ExecContext(ctx, `DELETE FROM job_deps;`); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, `DELETE FROM jobs;`)
	return err
}

func (s *Store) ResetArchive(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.DB.ExecContext(ctx, `DELETE FROM archive;`)
	return err
}
