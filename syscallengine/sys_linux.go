//go:build linux

package syscallengine

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmsghdr mirrors struct mmsghdr from <bits/socket.h>. golang.org/x/sys/unix
// does not expose a Sendmmsg wrapper (only the SYS_SENDMMSG syscall number),
// so the record layout is hand-rolled here exactly as the retrieved
// awg-proxy batch sender does it, reusing unix.Msghdr/unix.Iovec for the
// embedded header instead of redefining those too.
type mmsghdr struct {
	Hdr unix.Msghdr
	Len uint32
}

// sendmmsg issues the sendmmsg(2) syscall, looping over any partial
// progress the kernel reports until every record in msgs has been
// submitted. It returns the total number of datagrams actually sent before
// a terminal error, matching the original implementation's retry-on-partial
// semantics.
func sendmmsg(fd int, msgs []mmsghdr) (int, error) {
	total := 0
	for total < len(msgs) {
		r, _, errno := unix.Syscall6(
			unix.SYS_SENDMMSG,
			uintptr(fd),
			uintptr(unsafe.Pointer(&msgs[total])),
			uintptr(len(msgs)-total),
			uintptr(sendFlags),
			0, 0,
		)
		if errno != 0 {
			if errno == unix.EAGAIN || errno == unix.EWOULDBLOCK {
				continue
			}
			return total, errno
		}
		total += int(r)
	}
	return total, nil
}
