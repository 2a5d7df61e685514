package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sjq/internal/model"
)

// ErrIdleShutdown is returned by Run when the idle timeout elapsed.
var ErrIdleShutdown = errors.New("idle shutdown")

// JobStore is the part of the store the scheduler drives.
type JobStore interface {
	FindNextEligible(ctx context.Context, procsAvail int, memAvail int64) (*model.Job, error)
	MarkRunning(ctx context.Context, id int64, pid int) error
	UpdateState(ctx context.Context, id int64, state model.State, retcode *int, reason string) ([]int64, error)
	CheckHeldJobs(ctx context.Context) (promoted, failed []int64, err error)
	RunningJobs(ctx context.Context) ([]model.Job, error)
	Stats(ctx context.Context) ([]model.StateCount, error)
}

type Options struct {
	MaxProcs     int
	MaxMem       int64
	PollInterval time.Duration
	IdleShutdown time.Duration
	// ShutdownGrace bounds how long shutdown waits for killed jobs to exit.
	ShutdownGrace time.Duration
}

type runningJob struct {
	handle ProcessHandle
	procs  int
	mem    int64
	killed bool
}

// Snapshot is the ledger and running set at one instant.
type Snapshot struct {
	MaxProcs   int     `json:"maxprocs"`
	MaxMem     int64   `json:"maxmem"`
	ProcsAvail int     `json:"procs_avail"`
	MemAvail   int64   `json:"mem_avail"`
	Running    []int64 `json:"running"`
}

// Scheduler owns the resource ledger and the running jobs. One goroutine
// runs Run; request handlers only call Notify, Kill and Snapshot.
type Scheduler struct {
	store    JobStore
	launcher Launcher
	log      *zap.Logger
	opts     Options

	mu           sync.Mutex
	ledger       *Ledger
	running      map[int64]*runningJob
	lastActivity time.Time

	wake chan struct{}
}

func New(st JobStore, l Launcher, opts Options, log *zap.Logger) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 5 * time.Second
	}
	return &Scheduler{
		store:        st,
		launcher:     l,
		log:          log,
		opts:         opts,
		ledger:       NewLedger(opts.MaxProcs, opts.MaxMem, nil),
		running:      make(map[int64]*runningJob),
		lastActivity: time.Now(),
		wake:         make(chan struct{}, 1),
	}
}

// Notify wakes the loop without waiting out the poll interval.
func (s *Scheduler) Notify() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Running: make([]int64, 0, len(s.running))}
	snap.MaxProcs, snap.MaxMem = s.ledger.Max()
	snap.ProcsAvail, snap.MemAvail = s.ledger.Available()
	for id := range s.running {
		snap.Running = append(snap.Running, id)
	}
	sort.Slice(snap.Running, func(i, k int) bool { return snap.Running[i] < snap.Running[k] })
	return snap
}

// Run recovers jobs left running by a previous server, then reaps and
// dispatches until ctx is cancelled, the server idles out, or the store
// fails. On return every job it started has been killed and reaped.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return err
	}
	s.log.Info("scheduler started",
		zap.Int("maxprocs", s.opts.MaxProcs),
		zap.Int64("maxmem", s.opts.MaxMem),
		zap.Duration("poll", s.opts.PollInterval))

	timer := time.NewTimer(s.opts.PollInterval)
	defer timer.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.Error("scheduler stopped on storage error", zap.Error(err))
			s.shutdown()
			return err
		}

		idle, err := s.idle(ctx)
		if err != nil && ctx.Err() == nil {
			s.shutdown()
			return err
		}
		if idle {
			s.log.Info("idle timeout reached, shutting down", zap.Duration("idle", s.opts.IdleShutdown))
			s.shutdown()
			return ErrIdleShutdown
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.opts.PollInterval)

		select {
		case <-ctx.Done():
		case <-s.wake:
			continue
		case <-timer.C:
			continue
		}
		break
	}

	s.shutdown()
	return nil
}

// Tick runs one reap phase and one dispatch phase.
func (s *Scheduler) Tick(ctx context.Context) error {
	if err := s.reap(ctx); err != nil {
		return err
	}
	return s.dispatch(ctx)
}

func (s *Scheduler) reap(ctx context.Context) error {
	type finished struct {
		id     int64
		code   int
		killed bool
		rj     *runningJob
	}

	s.mu.Lock()
	var done []finished
	for id, rj := range s.running {
		if code, ok := rj.handle.Poll(); ok {
			done = append(done, finished{id: id, code: code, killed: rj.killed, rj: rj})
		}
	}
	s.mu.Unlock()

	for _, f := range done {
		code := f.code
		state := model.StateSucceeded
		reason := ""
		switch {
		case f.killed:
			state = model.StateKilled
		case code == OrphanExitCode:
			state = model.StateFailed
			reason = "exit status lost across server restart"
		case code != 0:
			state = model.StateFailed
		}

		var rc *int
		if code != OrphanExitCode {
			rc = &code
		}
		aborted, err := s.store.UpdateState(ctx, f.id, state, rc, reason)
		if err != nil && !errors.Is(err, model.ErrJobTerminal) {
			return err
		}

		s.mu.Lock()
		s.ledger.Release(f.rj.procs, f.rj.mem)
		delete(s.running, f.id)
		s.lastActivity = time.Now()
		s.mu.Unlock()

		s.log.Info("job finished",
			zap.Int64("job", f.id),
			zap.String("state", string(state)),
			zap.Int("retcode", code))
		if len(aborted) > 0 {
			s.log.Info("dependents aborted", zap.Int64("job", f.id), zap.Int64s("aborted", aborted))
		}
	}
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context) error {
	promoted, failed, err := s.store.CheckHeldJobs(ctx)
	if err != nil {
		return err
	}
	if len(promoted) > 0 {
		s.log.Debug("held jobs released", zap.Int64s("jobs", promoted))
	}
	if len(failed) > 0 {
		s.log.Info("held jobs aborted", zap.Int64s("jobs", failed))
	}

	for {
		s.mu.Lock()
		procs, mem := s.ledger.Available()
		s.mu.Unlock()
		if procs <= 0 {
			return nil
		}

		j, err := s.store.FindNextEligible(ctx, procs, mem)
		if err != nil {
			return err
		}
		if j == nil {
			return nil
		}

		h, err := s.launcher.Launch(j)
		if err != nil {
			s.log.Error("job failed to start", zap.Int64("job", j.ID), zap.Error(err))
			aborted, uerr := s.store.UpdateState(ctx, j.ID, model.StateFailed, nil, err.Error())
			if uerr != nil && !errors.Is(uerr, model.ErrJobTerminal) {
				return uerr
			}
			if len(aborted) > 0 {
				s.log.Info("dependents aborted", zap.Int64("job", j.ID), zap.Int64s("aborted", aborted))
			}
			continue
		}

		rj := &runningJob{handle: h, procs: j.Procs, mem: j.Mem}
		s.mu.Lock()
		if !s.ledger.Acquire(j.Procs, j.Mem) {
			s.mu.Unlock()
			// FindNextEligible only returns jobs that fit.
			_ = h.Kill(syscall.SIGKILL)
			return fmt.Errorf("job %d does not fit the ledger", j.ID)
		}
		s.running[j.ID] = rj
		s.lastActivity = time.Now()
		s.mu.Unlock()

		if err := s.store.MarkRunning(ctx, j.ID, h.PID()); err != nil {
			// Killed (or otherwise finished) between selection and start.
			s.mu.Lock()
			rj.killed = true
			s.mu.Unlock()
			_ = h.Kill(syscall.SIGKILL)
			if !errors.Is(err, model.ErrJobTerminal) {
				return err
			}
			s.log.Info("job finished before it started", zap.Int64("job", j.ID))
			continue
		}

		fields := []zap.Field{
			zap.Int64("job", j.ID),
			zap.String("name", j.Name),
			zap.Int("pid", h.PID()),
			zap.Int("procs", j.Procs),
			zap.Int64("mem", j.Mem),
		}
		if d, ok := h.(interface{ Interpreter() InterpreterKind }); ok {
			fields = append(fields, zap.Stringer("interpreter", d.Interpreter()))
		}
		s.log.Info("job started", fields...)
	}
}

// Kill stops a job. A running job's process group is killed and the job is
// marked killed; its resources return at the next reap. A queued or held
// job is marked killed directly.
func (s *Scheduler) Kill(ctx context.Context, id int64) error {
	s.mu.Lock()
	rj := s.running[id]
	if rj != nil {
		rj.killed = true
	}
	s.mu.Unlock()

	if rj != nil {
		if err := rj.handle.Kill(syscall.SIGKILL); err != nil {
			s.log.Warn("kill failed", zap.Int64("job", id), zap.Error(err))
		}
	}

	aborted, err := s.store.UpdateState(ctx, id, model.StateKilled, nil, "killed by request")
	if err != nil {
		if rj != nil && errors.Is(err, model.ErrJobTerminal) {
			// the reap phase got there first
			s.Notify()
			return nil
		}
		return err
	}
	s.log.Info("job killed", zap.Int64("job", id), zap.Bool("was_running", rj != nil))
	if len(aborted) > 0 {
		s.log.Info("dependents aborted", zap.Int64("job", id), zap.Int64s("aborted", aborted))
	}
	s.Notify()
	return nil
}

// recover adopts jobs a previous server left running so the ledger is
// derived from them.
func (s *Scheduler) recover(ctx context.Context) error {
	jobs, err := s.store.RunningJobs(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = NewLedger(s.opts.MaxProcs, s.opts.MaxMem, jobs)
	for _, j := range jobs {
		s.running[j.ID] = &runningJob{
			handle: newOrphanHandle(&j),
			procs:  j.Procs,
			mem:    j.Mem,
		}
		s.log.Warn("adopted job from previous server", zap.Int64("job", j.ID), zap.Int("pid", j.PID))
	}
	return nil
}

func (s *Scheduler) idle(ctx context.Context) (bool, error) {
	if s.opts.IdleShutdown <= 0 {
		return false, nil
	}
	s.mu.Lock()
	busy := len(s.running) > 0 || time.Since(s.lastActivity) < s.opts.IdleShutdown
	s.mu.Unlock()
	if busy {
		return false, nil
	}

	stats, err := s.store.Stats(ctx)
	if err != nil {
		return false, err
	}
	for _, sc := range stats {
		if !sc.State.Terminal() && sc.Count > 0 {
			return false, nil
		}
	}
	return true, nil
}

// shutdown kills every running job's process group, marks it killed and
// waits (bounded) for the processes to be reaped.
func (s *Scheduler) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownGrace+5*time.Second)
	defer cancel()

	s.mu.Lock()
	ids := make([]int64, 0, len(s.running))
	for id, rj := range s.running {
		rj.killed = true
		_ = rj.handle.Kill(syscall.SIGKILL)
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if _, err := s.store.UpdateState(ctx, id, model.StateKilled, nil, "server shutdown"); err != nil &&
			!errors.Is(err, model.ErrJobTerminal) {
			s.log.Error("mark killed on shutdown", zap.Int64("job", id), zap.Error(err))
		}
	}

	deadline := time.Now().Add(s.opts.ShutdownGrace)
	for {
		if err := s.reap(ctx); err != nil {
			s.log.Error("reap on shutdown", zap.Error(err))
			return
		}
		s.mu.Lock()
		left := len(s.running)
		s.mu.Unlock()
		if left == 0 || time.Now().After(deadline) {
			if left > 0 {
				s.log.Warn("jobs still running after shutdown grace", zap.Int("jobs", left))
			}
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	s.log.Info("scheduler stopped", zap.Int("killed", len(ids)))
}
