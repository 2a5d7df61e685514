package engine

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"sjq/internal/model"
)

// ProcessHandle is a launched job's process group.
type ProcessHandle interface {
	PID() int
	// Poll reports the exit code once the process has exited. It never blocks.
	Poll() (exitCode int, done bool)
	// Kill signals the whole process group.
	Kill(sig syscall.Signal) error
}

// execHandle waits for its child on a goroutine so Poll stays non-blocking.
type execHandle struct {
	cmd   *exec.Cmd
	kind  InterpreterKind
	files []*os.File
	done  chan struct{}
	code  int
}

func startHandle(cmd *exec.Cmd, kind InterpreterKind, files []*os.File) (*execHandle, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &execHandle{cmd: cmd, kind: kind, files: files, done: make(chan struct{})}
	go h.wait()
	return h, nil
}

func (h *execHandle) wait() {
	err := h.cmd.Wait()
	h.code = exitCode(h.cmd.ProcessState, err)
	for _, f := range h.files {
		f.Close()
	}
	close(h.done)
}

func (h *execHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Interpreter() InterpreterKind {
	return h.kind
}

func (h *execHandle) Poll() (int, bool) {
	select {
	case <-h.done:
		return h.code, true
	default:
		return 0, false
	}
}

func (h *execHandle) Kill(sig syscall.Signal) error {
	return killGroup(h.PID(), sig)
}

// exitCode follows the shell convention of 128+signal for signalled exits.
func exitCode(ps *os.ProcessState, err error) int {
	if ps == nil {
		if err != nil {
			return -1
		}
		return 0
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}

// killGroup signals the process group led by pgid. A group that is already
// gone is not an error.
func killGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return nil
	}
	err := unix.Kill(-pgid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// orphanHandle tracks a job started by an earlier server process. It is not
// our child, so only liveness is observable, not the exit status. The pid
// counts as the job only while it leads its own process group and did not
// start after the job did; otherwise it was reused and the job is gone.
type orphanHandle struct {
	pid     int
	started time.Time
	mu      sync.Mutex
	gone    bool
}

// OrphanExitCode is reported for adopted jobs whose exit status was lost.
const OrphanExitCode = -1

// startSlack absorbs the rounding of boot time and clock ticks in /proc.
const startSlack = 2 * time.Second

func newOrphanHandle(j *model.Job) *orphanHandle {
	h := &orphanHandle{pid: j.PID}
	if j.StartedAt != nil {
		h.started = *j.StartedAt
	}
	return h
}

func (h *orphanHandle) PID() int { return h.pid }

func (h *orphanHandle) Poll() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gone || !h.alive() {
		h.gone = true
		return OrphanExitCode, true
	}
	return 0, false
}

func (h *orphanHandle) Kill(sig syscall.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gone || !h.alive() {
		h.gone = true
		return nil
	}
	return killGroup(h.pid, sig)
}

func (h *orphanHandle) alive() bool {
	if h.pid <= 0 {
		return false
	}
	if err := unix.Kill(h.pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	if pgid, err := unix.Getpgid(h.pid); err != nil || pgid != h.pid {
		return false
	}
	if h.started.IsZero() {
		return true
	}
	start, err := processStart(h.pid)
	if err != nil {
		// no /proc: the group leader check is all we have
		return !errors.Is(err, errProcGone)
	}
	return !start.After(h.started.Add(startSlack))
}

var errProcGone = errors.New("process gone")

// processStart reads the start time of pid from /proc.
func processStart(pid int) (time.Time, error) {
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if errors.Is(err, os.ErrNotExist) {
		if _, serr := os.Stat("/proc/self/stat"); serr == nil {
			return time.Time{}, errProcGone
		}
	}
	if err != nil {
		return time.Time{}, err
	}
	// comm may contain spaces and parentheses; fields resume after the last ')'
	rest := string(stat)
	if i := strings.LastIndexByte(rest, ')'); i >= 0 {
		rest = rest[i+1:]
	}
	fields := strings.Fields(rest)
	// starttime is field 22 of stat; fields here start at field 3
	if len(fields) < 20 {
		return time.Time{}, fmt.Errorf("short /proc/%d/stat", pid)
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse /proc/%d/stat: %w", pid, err)
	}
	boot, err := bootTime()
	if err != nil {
		return time.Time{}, err
	}
	// /proc reports in USER_HZ, fixed at 100 on Linux
	return boot.Add(time.Duration(ticks) * time.Second / 100), nil
}

func bootTime() (time.Time, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return time.Time{}, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "btime "); ok {
			sec, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("parse btime: %w", err)
			}
			return time.Unix(sec, 0), nil
		}
	}
	return time.Time{}, errors.New("no btime in /proc/stat")
}
