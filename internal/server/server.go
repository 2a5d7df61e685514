package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"sjq/internal/config"
	"sjq/internal/engine"
	"sjq/internal/model"
	"sjq/internal/store"
)

// Server is the socket front of the job queue. It owns the scheduler
// goroutine and one goroutine per client connection.
type Server struct {
	cfg   config.Config
	store *store.Store
	sched *engine.Scheduler
	log   *zap.Logger

	listener net.Listener
	stop     context.CancelFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func New(cfg config.Config, st *store.Store, sched *engine.Scheduler, log *zap.Logger) *Server {
	return &Server{
		cfg:   cfg,
		store: st,
		sched: sched,
		log:   log,
		conns: make(map[net.Conn]struct{}),
	}
}

// Run serves until ctx is cancelled, a client asks for shutdown, or the
// scheduler stops on its own (idle timeout or storage failure). An idle
// shutdown is not reported as an error.
func (s *Server) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("socket dir: %w", err)
	}
	if s.cfg.PIDPath != "" {
		if err := claimPID(s.cfg.PIDPath); err != nil {
			return err
		}
		defer RemovePID(s.cfg.PIDPath)
	}
	if err := removeStaleSocket(s.cfg.SocketPath); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath, err)
	}
	// every local user may submit; jobs run as the submitting uid
	_ = os.Chmod(s.cfg.SocketPath, 0o666)
	s.listener = ln
	defer os.Remove(s.cfg.SocketPath)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.stop = cancel

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- s.sched.Run(ctx)
		cancel()
	}()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Info("listening", zap.String("socket", s.cfg.SocketPath), zap.Int("pid", os.Getpid()))
	s.acceptLoop(ctx)

	err = <-schedErr
	s.closeConns()
	s.wg.Wait()

	if errors.Is(err, engine.ErrIdleShutdown) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return // Server shutting down
			default:
				s.log.Warn("accept error", zap.Error(err))
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// handleConnection serves sequential requests on one connection until the
// client hangs up.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	uid, gid := peerCred(conn)
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("read request", zap.Error(err))
			}
			return
		}

		resp := s.dispatch(ctx, &req, uid, gid)
		resp.ID = req.ID
		if err := enc.Encode(resp); err != nil {
			s.log.Debug("write response", zap.Error(err))
			return
		}
		if req.Op == OpShutdown {
			s.stop()
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request, uid, gid int) *Response {
	log := s.log.With(zap.String("req", req.ID), zap.String("op", req.Op))

	switch req.Op {
	case OpPing:
		return &Response{OK: true}

	case OpSubmit:
		if req.Submit == nil {
			return errResponse(fmt.Errorf("%w: missing job", model.ErrValidation))
		}
		id, err := s.SubmitJob(ctx, *req.Submit, uid, gid)
		if err != nil {
			log.Info("submit rejected", zap.Error(err))
			return errResponse(err)
		}
		return &Response{OK: true, JobID: id}

	case OpKill:
		if err := s.sched.Kill(ctx, req.JobID); err != nil {
			log.Info("kill failed", zap.Int64("job", req.JobID), zap.Error(err))
			return errResponse(err)
		}
		return &Response{OK: true, JobID: req.JobID}

	case OpStatus:
		j, err := s.store.Get(ctx, req.JobID)
		if err != nil {
			return errResponse(err)
		}
		return &Response{OK: true, JobID: j.ID, Job: j}

	case OpList:
		var state model.State
		if req.State != "" {
			st, err := model.ParseState(req.State)
			if err != nil {
				return errResponse(err)
			}
			state = st
		}
		jobs, err := s.store.ListJobs(ctx, state)
		if err != nil {
			return errResponse(err)
		}
		return &Response{OK: true, Jobs: jobs}

	case OpStats:
		stats, err := s.store.Stats(ctx)
		if err != nil {
			return errResponse(err)
		}
		return &Response{OK: true, Stats: stats}

	case OpInfo:
		snap := s.sched.Snapshot()
		return &Response{OK: true, Info: &snap}

	case OpShutdown:
		log.Info("shutdown requested")
		return &Response{OK: true}
	}

	return errResponse(fmt.Errorf("unknown op %q", req.Op))
}

// SubmitJob validates a submission from the user uid/gid, stores it and
// wakes the scheduler.
func (s *Server) SubmitJob(ctx context.Context, spec model.JobSpec, uid, gid int) (int64, error) {
	spec.UID, spec.GID = uid, gid
	if spec.Cwd == "" {
		spec.Cwd = homeOf(uid)
	}
	if err := spec.Normalize(s.cfg.Limits()); err != nil {
		return 0, err
	}

	id, err := s.store.Submit(ctx, spec, s.cfg.Limits())
	if err != nil {
		return 0, err
	}
	s.log.Info("job submitted",
		zap.Int64("job", id),
		zap.String("name", spec.Name),
		zap.Int("procs", spec.Procs),
		zap.Int64("mem", spec.Mem),
		zap.Int64s("depends", spec.Dependencies))
	s.sched.Notify()
	return id, nil
}

func errResponse(err error) *Response {
	return &Response{OK: false, Code: model.ErrorCode(err), Error: err.Error()}
}

// homeOf is the home directory of uid, falling back to the server's.
func homeOf(uid int) string {
	if uid >= 0 {
		if u, err := user.LookupId(strconv.Itoa(uid)); err == nil && u.HomeDir != "" {
			return u.HomeDir
		}
	}
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return "/"
}

// removeStaleSocket deletes a socket file nobody is listening on.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		conn.Close()
		return fmt.Errorf("another server is listening on %s", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}
