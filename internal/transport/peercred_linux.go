//go:build linux

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerCredentials reads SO_PEERCRED off a unix socket. Peer credentials
// are best-effort: zero on platforms that don't expose them.
func peerCredentials(conn net.Conn) (pid int32, uid, gid uint32) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, 0, 0
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, 0, 0
	}
	var cred *unix.Ucred
	ctrlErr := raw.Control(func(fd uintptr) {
		c, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err == nil {
			cred = c
		}
	})
	if ctrlErr != nil || cred == nil {
		return 0, 0, 0
	}
	return int32(cred.Pid), cred.Uid, cred.Gid
}
