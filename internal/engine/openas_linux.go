package engine

import (
	"fmt"
	"os"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

// openAs opens the job's output files with the job user's filesystem
// identity, so the server never creates or truncates a file the user could
// not have written.
func openAs(cred *syscall.Credential, paths []string) ([]*os.File, error) {
	if cred == nil {
		return openLogs(paths)
	}

	type result struct {
		files []*os.File
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		// Never unlocked: the thread carries the user's fs identity and is
		// discarded when this goroutine returns.
		runtime.LockOSThread()

		uid, gid := int(cred.Uid), int(cred.Gid)
		if err := unix.Setgroups(nil); err != nil {
			ch <- result{err: fmt.Errorf("setgroups: %w", err)}
			return
		}
		if err := unix.Setfsgid(gid); err != nil {
			ch <- result{err: fmt.Errorf("setfsgid: %w", err)}
			return
		}
		if err := unix.Setfsuid(uid); err != nil {
			ch <- result{err: fmt.Errorf("setfsuid: %w", err)}
			return
		}
		// setfs*id do not fail on a bad id; -1 only reads the current one.
		if cur, _ := unix.SetfsgidRetGid(-1); cur != gid {
			ch <- result{err: fmt.Errorf("setfsgid %d not applied", gid)}
			return
		}
		if cur, _ := unix.SetfsuidRetUid(-1); cur != uid {
			ch <- result{err: fmt.Errorf("setfsuid %d not applied", uid)}
			return
		}

		files, err := openLogs(paths)
		ch <- result{files: files, err: err}
	}()
	r := <-ch
	return r.files, r.err
}
