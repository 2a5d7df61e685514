package server

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerCred returns the uid and gid of the process on the other end of a
// unix socket, or -1, -1 when unavailable.
func peerCred(conn net.Conn) (int, int) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return -1, -1
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return -1, -1
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credErr != nil {
		return -1, -1
	}
	return int(cred.Uid), int(cred.Gid)
}
