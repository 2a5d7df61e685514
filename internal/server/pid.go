package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

func WritePID(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0644)
}

func ReadPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, err
	}
	return pid, nil
}

func RemovePID(path string) {
	_ = os.Remove(path)
}

// claimPID refuses to start a second server over a live pid file.
func claimPID(path string) error {
	if pid, err := ReadPID(path); err == nil && pid != os.Getpid() {
		if err := unix.Kill(pid, 0); err == nil || errors.Is(err, unix.EPERM) {
			return fmt.Errorf("server already running (pid %d, %s)", pid, path)
		}
	}
	return WritePID(path, os.Getpid())
}
