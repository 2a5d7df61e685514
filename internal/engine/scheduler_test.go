package engine

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"

	"sjq/internal/model"
	"sjq/internal/store"
)

type fakeHandle struct {
	pid int

	mu     sync.Mutex
	code   int
	done   bool
	signal syscall.Signal
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Poll() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code, h.done
}

func (h *fakeHandle) Kill(sig syscall.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signal = sig
	if !h.done {
		h.done, h.code = true, 128+int(sig)
	}
	return nil
}

func (h *fakeHandle) killedWith() syscall.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.signal
}

func (h *fakeHandle) exit(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.done, h.code = true, code
}

// fakeLauncher records launches instead of starting processes.
type fakeLauncher struct {
	mu      sync.Mutex
	handles map[int64]*fakeHandle
	order   []int64
	fail    map[int64]error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{handles: map[int64]*fakeHandle{}, fail: map[int64]error{}}
}

func (l *fakeLauncher) Launch(j *model.Job) (ProcessHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail[j.ID]; err != nil {
		return nil, err
	}
	h := &fakeHandle{pid: 10000 + int(j.ID)}
	l.handles[j.ID] = h
	l.order = append(l.order, j.ID)
	return h, nil
}

func (l *fakeLauncher) handle(t *testing.T, id int64) *fakeHandle {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handles[id]
	require.True(t, ok, "job %d was never launched", id)
	return h
}

func (l *fakeLauncher) launched() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64(nil), l.order...)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "sjq.db"))
	require.NoError(t, err, "create test store")
	t.Cleanup(func() { st.Close() })
	return st
}

var schedLimits = model.Limits{MaxProcs: 4, MaxMem: 1 << 30, DefaultProcs: 1}

func submitJob(t *testing.T, st *store.Store, spec model.JobSpec) int64 {
	t.Helper()
	if spec.Src == "" {
		spec.Src = "#!/bin/sh\ntrue\n"
	}
	if spec.Cwd == "" {
		spec.Cwd = t.TempDir()
	}
	id, err := st.Submit(context.Background(), spec, schedLimits)
	require.NoError(t, err)
	return id
}

func jobState(t *testing.T, st *store.Store, id int64) model.State {
	t.Helper()
	j, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	return j.State
}

func newTestScheduler(t *testing.T, st *store.Store, l Launcher, maxProcs int) *Scheduler {
	t.Helper()
	return New(st, l, Options{MaxProcs: maxProcs, MaxMem: 1 << 30, PollInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))
}

func TestSchedulerRunsDependentAfterDependency(t *testing.T) {
	st := newTestStore(t)
	fl := newFakeLauncher()
	s := newTestScheduler(t, st, fl, 1)
	ctx := context.Background()

	a := submitJob(t, st, model.JobSpec{Name: "A"})
	b := submitJob(t, st, model.JobSpec{Name: "B", Dependencies: []int64{a}})

	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, []int64{a}, fl.launched())
	assert.Equal(t, model.StateRunning, jobState(t, st, a))
	assert.Equal(t, model.StateHeld, jobState(t, st, b))

	fl.handle(t, a).exit(0)
	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, model.StateSucceeded, jobState(t, st, a))
	assert.Equal(t, []int64{a, b}, fl.launched())
	assert.Equal(t, model.StateRunning, jobState(t, st, b))

	fl.handle(t, b).exit(0)
	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, model.StateSucceeded, jobState(t, st, b))

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.ProcsAvail)
	assert.Empty(t, snap.Running)
}

func TestSchedulerHonoursBudget(t *testing.T) {
	st := newTestStore(t)
	fl := newFakeLauncher()
	s := newTestScheduler(t, st, fl, 4)
	ctx := context.Background()

	big := submitJob(t, st, model.JobSpec{Procs: 3})
	wide := submitJob(t, st, model.JobSpec{Procs: 2})
	small := submitJob(t, st, model.JobSpec{Procs: 1})

	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, []int64{big, small}, fl.launched(), "skip jobs that do not fit, lowest id first")
	assert.Equal(t, model.StateQueued, jobState(t, st, wide))

	snap := s.Snapshot()
	assert.Equal(t, 0, snap.ProcsAvail)
	assert.Equal(t, []int64{big, small}, snap.Running)

	fl.handle(t, small).exit(0)
	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, model.StateQueued, jobState(t, st, wide), "one free slot is not enough")

	fl.handle(t, big).exit(0)
	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, model.StateRunning, jobState(t, st, wide))
	assert.Equal(t, 2, s.Snapshot().ProcsAvail)
}

func TestSchedulerMemoryBudget(t *testing.T) {
	st := newTestStore(t)
	fl := newFakeLauncher()
	s := New(st, fl, Options{MaxProcs: 4, MaxMem: 1 << 30}, zaptest.NewLogger(t))
	ctx := context.Background()

	a := submitJob(t, st, model.JobSpec{Mem: 768 << 20})
	b := submitJob(t, st, model.JobSpec{Mem: 512 << 20})

	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, []int64{a}, fl.launched())

	fl.handle(t, a).exit(0)
	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, []int64{a, b}, fl.launched())
}

func TestSchedulerFailureAbortsDependents(t *testing.T) {
	st := newTestStore(t)
	fl := newFakeLauncher()
	s := newTestScheduler(t, st, fl, 2)
	ctx := context.Background()

	a := submitJob(t, st, model.JobSpec{})
	b := submitJob(t, st, model.JobSpec{Dependencies: []int64{a}})
	c := submitJob(t, st, model.JobSpec{Dependencies: []int64{b}})

	require.NoError(t, s.Tick(ctx))
	fl.handle(t, a).exit(2)
	require.NoError(t, s.Tick(ctx))

	j, err := st.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, j.State)
	require.NotNil(t, j.Retcode)
	assert.Equal(t, 2, *j.Retcode)

	assert.Equal(t, model.StateFailed, jobState(t, st, b))
	assert.Equal(t, model.StateFailed, jobState(t, st, c))
	assert.Equal(t, []int64{a}, fl.launched(), "aborted dependents never run")
}

func TestSchedulerSpawnFailure(t *testing.T) {
	st := newTestStore(t)
	fl := newFakeLauncher()
	s := newTestScheduler(t, st, fl, 1)
	ctx := context.Background()

	bad := submitJob(t, st, model.JobSpec{})
	dep := submitJob(t, st, model.JobSpec{Dependencies: []int64{bad}})
	good := submitJob(t, st, model.JobSpec{})
	fl.fail[bad] = errors.Join(model.ErrSpawn, errors.New("no such interpreter"))

	require.NoError(t, s.Tick(ctx))

	j, err := st.Get(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, j.State)
	assert.Nil(t, j.Retcode)
	assert.Contains(t, j.Error, "no such interpreter")

	assert.Equal(t, model.StateFailed, jobState(t, st, dep))
	assert.Equal(t, []int64{good}, fl.launched(), "ledger untouched by the failed spawn")
}

func TestSchedulerKillRunningJob(t *testing.T) {
	st := newTestStore(t)
	fl := newFakeLauncher()
	s := newTestScheduler(t, st, fl, 1)
	ctx := context.Background()

	a := submitJob(t, st, model.JobSpec{})
	b := submitJob(t, st, model.JobSpec{Dependencies: []int64{a}})
	c := submitJob(t, st, model.JobSpec{})

	require.NoError(t, s.Tick(ctx))
	require.NoError(t, s.Kill(ctx, a))

	assert.Equal(t, syscall.SIGKILL, fl.handle(t, a).killedWith())
	assert.Equal(t, model.StateKilled, jobState(t, st, a))
	assert.Equal(t, model.StateFailed, jobState(t, st, b))

	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, model.StateKilled, jobState(t, st, a), "reap keeps the killed state")
	assert.Equal(t, []int64{a, c}, fl.launched(), "resources returned to the ledger")

	assert.ErrorIs(t, s.Kill(ctx, a), model.ErrJobTerminal)
	assert.ErrorIs(t, s.Kill(ctx, 999), model.ErrJobNotFound)
}

func TestSchedulerKillQueuedJob(t *testing.T) {
	st := newTestStore(t)
	fl := newFakeLauncher()
	s := newTestScheduler(t, st, fl, 1)
	ctx := context.Background()

	a := submitJob(t, st, model.JobSpec{})
	require.NoError(t, s.Kill(ctx, a))
	require.NoError(t, s.Tick(ctx))

	assert.Equal(t, model.StateKilled, jobState(t, st, a))
	assert.Empty(t, fl.launched())
}

func TestSchedulerKillArchivedJob(t *testing.T) {
	st := newTestStore(t)
	s := newTestScheduler(t, st, newFakeLauncher(), 1)
	ctx := context.Background()

	a := submitJob(t, st, model.JobSpec{})
	require.NoError(t, s.Kill(ctx, a))
	_, err := st.Archive(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)

	err = s.Kill(ctx, a)
	assert.ErrorIs(t, err, model.ErrJobTerminal)
	assert.Equal(t, model.StateKilled, jobState(t, st, a))
}

// startGroupLeader runs sleep in its own process group, as the launcher
// would. It is reaped as soon as it dies, like a job whose parent server is
// gone, and killed when the test ends.
func startGroupLeader(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	go cmd.Wait()
	t.Cleanup(func() { cmd.Process.Kill() })
	return cmd
}

func TestSchedulerRecoversRunningJobs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// a pid that has already exited
	done := exec.Command("true")
	require.NoError(t, done.Run())
	gone := submitJob(t, st, model.JobSpec{Procs: 2})
	require.NoError(t, st.MarkRunning(ctx, gone, done.Process.Pid))

	leader := startGroupLeader(t)
	alive := submitJob(t, st, model.JobSpec{Procs: 1})
	require.NoError(t, st.MarkRunning(ctx, alive, leader.Process.Pid))

	fl := newFakeLauncher()
	s := newTestScheduler(t, st, fl, 4)
	require.NoError(t, s.recover(ctx))

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.ProcsAvail)
	assert.Equal(t, []int64{gone, alive}, snap.Running)

	require.NoError(t, s.reap(ctx))

	j, err := st.Get(ctx, gone)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, j.State)
	assert.Nil(t, j.Retcode, "exit status is unknown")
	assert.Equal(t, model.StateRunning, jobState(t, st, alive))
	assert.Equal(t, 3, s.Snapshot().ProcsAvail)

	require.NoError(t, s.Kill(ctx, alive))
	require.Eventually(t, func() bool {
		return s.reap(ctx) == nil && len(s.Snapshot().Running) == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, model.StateKilled, jobState(t, st, alive))
}

func TestSchedulerIgnoresReusedPID(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("no /proc")
	}
	st := newTestStore(t)
	ctx := context.Background()

	// the pid now belongs to a process that started after the job did
	other := startGroupLeader(t)
	id := submitJob(t, st, model.JobSpec{})
	require.NoError(t, st.MarkRunning(ctx, id, other.Process.Pid))
	_, err := st.DB.ExecContext(ctx, `UPDATE jobs SET started_at=? WHERE id=?`,
		time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano), id)
	require.NoError(t, err)

	s := newTestScheduler(t, st, newFakeLauncher(), 2)
	require.NoError(t, s.recover(ctx))
	require.NoError(t, s.Kill(ctx, id))
	require.NoError(t, s.reap(ctx))

	assert.Empty(t, s.Snapshot().Running)
	assert.Equal(t, 2, s.Snapshot().ProcsAvail)
	assert.NoError(t, unix.Kill(other.Process.Pid, 0), "unrelated process must survive")
}

func TestOrphanRequiresGroupLeader(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	h := &orphanHandle{pid: cmd.Process.Pid}
	_, done := h.Poll()
	assert.True(t, done, "a pid that does not lead its group is not the job")
	require.NoError(t, h.Kill(syscall.SIGKILL))
	assert.NoError(t, unix.Kill(cmd.Process.Pid, 0))
}

func TestProcessStart(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("no /proc")
	}
	before := time.Now()
	cmd := startGroupLeader(t)

	start, err := processStart(cmd.Process.Pid)
	require.NoError(t, err)
	assert.WithinDuration(t, before, start, startSlack)

	done := exec.Command("true")
	require.NoError(t, done.Run())
	_, err = processStart(done.Process.Pid)
	assert.ErrorIs(t, err, errProcGone)
}

func TestSchedulerIdleShutdown(t *testing.T) {
	st := newTestStore(t)
	s := New(st, newFakeLauncher(), Options{
		MaxProcs:     1,
		MaxMem:       1 << 30,
		PollInterval: 10 * time.Millisecond,
		IdleShutdown: 50 * time.Millisecond,
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.Run(ctx)
	assert.ErrorIs(t, err, ErrIdleShutdown)
}

func TestSchedulerRunKillsJobsOnShutdown(t *testing.T) {
	st := newTestStore(t)
	fl := newFakeLauncher()
	s := newTestScheduler(t, st, fl, 1)

	a := submitJob(t, st, model.JobSpec{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(fl.launched()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	assert.Equal(t, model.StateKilled, jobState(t, st, a))
	assert.Equal(t, syscall.SIGKILL, fl.handle(t, a).killedWith())
}

func TestSchedulerNotifyWakesLoop(t *testing.T) {
	st := newTestStore(t)
	fl := newFakeLauncher()
	s := New(st, fl, Options{MaxProcs: 1, MaxMem: 1 << 30, PollInterval: time.Hour}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	a := submitJob(t, st, model.JobSpec{})
	s.Notify()

	assert.Eventually(t, func() bool {
		return len(fl.launched()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{a}, fl.launched())

	cancel()
	require.NoError(t, <-errc)
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
}

func waitState(t *testing.T, s *Scheduler, st *store.Store, id int64) *model.Job {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for {
		require.NoError(t, s.Tick(ctx))
		j, err := st.Get(ctx, id)
		require.NoError(t, err)
		if j.State.Terminal() {
			return j
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %d still %s", id, j.State)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestExecLauncherRunsScript(t *testing.T) {
	requireShell(t)
	st := newTestStore(t)
	s := newTestScheduler(t, st, NewExecLauncher(t.TempDir()), 2)
	cwd := t.TempDir()

	id := submitJob(t, st, model.JobSpec{
		Name: "hello",
		Src:  "#!/bin/sh\necho \"job $JOB_ID $GREETING in $(pwd)\"\necho oops >&2\nexit 3\n",
		Cwd:  cwd,
		Env:  map[string]string{"GREETING": "hi"},
	})

	j := waitState(t, s, st, id)
	assert.Equal(t, model.StateFailed, j.State)
	require.NotNil(t, j.Retcode)
	assert.Equal(t, 3, *j.Retcode)

	out, err := os.ReadFile(model.DefaultStdout(cwd, "hello", id))
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(cwd)
	require.NoError(t, err)
	assert.Contains(t, strings.TrimSpace(string(out)), "hi in ")
	assert.True(t, strings.HasPrefix(string(out), "job "), "got %q", out)
	assert.Contains(t, string(out), resolved)

	errOut, err := os.ReadFile(model.DefaultStderr(cwd, "hello", id))
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(errOut))
}

func TestExecLauncherKillReachesChildren(t *testing.T) {
	requireShell(t)
	st := newTestStore(t)
	s := newTestScheduler(t, st, NewExecLauncher(t.TempDir()), 2)
	ctx := context.Background()

	id := submitJob(t, st, model.JobSpec{Src: "#!/bin/sh\nsleep 30 &\nsleep 30\n"})
	require.NoError(t, s.Tick(ctx))
	require.Equal(t, model.StateRunning, jobState(t, st, id))

	start := time.Now()
	require.NoError(t, s.Kill(ctx, id))
	j := waitState(t, s, st, id)
	assert.Equal(t, model.StateKilled, j.State)
	assert.Less(t, time.Since(start), 5*time.Second)

	require.Eventually(t, func() bool {
		return len(s.Snapshot().Running) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestExecLauncherMissingInterpreter(t *testing.T) {
	st := newTestStore(t)
	s := newTestScheduler(t, st, NewExecLauncher(t.TempDir()), 1)

	id := submitJob(t, st, model.JobSpec{Src: "echo no shebang\n"})
	require.NoError(t, s.Tick(context.Background()))

	j, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, j.State)
	assert.Contains(t, j.Error, "#!")
	assert.Equal(t, 1, s.Snapshot().ProcsAvail)
}

func TestSchedulerLogsInterpreter(t *testing.T) {
	requireShell(t)
	core, logs := observer.New(zap.InfoLevel)
	st := newTestStore(t)
	s := New(st, NewExecLauncher(t.TempDir()), Options{MaxProcs: 1, MaxMem: 1 << 30}, zap.New(core))

	id := submitJob(t, st, model.JobSpec{Src: "#!/bin/sh\nexit 0\n"})
	assert.Equal(t, model.StateSucceeded, waitState(t, s, st, id).State)

	started := logs.FilterMessage("job started").All()
	require.Len(t, started, 1)
	assert.Equal(t, "shell", started[0].ContextMap()["interpreter"])
}
