// Package sockutil resolves destination/listen addresses and creates the
// connected or bound UDP sockets the engines drive at line rate.
//
// IPv6 is deliberately unsupported in this iteration (see
// neterrors.NotImplemented); extending Endpoint and the bind/connect paths
// to AF_INET6 is mechanical but left as future work.
package sockutil

import (
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/m-lab/netbench/neterrors"
)

// Endpoint is a resolved, immutable socket address: family plus the raw
// bytes a connect/bind syscall needs. It is safe to share read-only across
// workers.
type Endpoint struct {
	Family int
	Addr   unix.Sockaddr
	IP     net.IP
	Port   int
}

// Resolve looks up host:port and returns the first IPv4 address found.
// Resolving to multiple addresses is not an error: the first is used and a
// warning is logged, matching the upstream resolver's behavior.
func Resolve(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, &neterrors.ResolveFailure{Addr: addr, Cause: err.Error()}
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return Endpoint{}, &neterrors.ResolveFailure{Addr: addr, Cause: err.Error()}
	}
	var chosen net.IP
	count := 0
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			if chosen == nil {
				chosen = ip4
			}
			count++
		}
	}
	if chosen == nil {
		return Endpoint{}, &neterrors.NotImplemented{What: "IPv6 (" + addr + " has no IPv4 address)"}
	}
	if count > 1 {
		log.Printf("Warn: %s resolved to multiple network addresses; using %s", addr, chosen)
	}
	port := 0
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return Endpoint{}, &neterrors.ResolveFailure{Addr: addr, Cause: "invalid port: " + err.Error()}
	}
	var sa4 [4]byte
	copy(sa4[:], chosen)
	return Endpoint{
		Family: unix.AF_INET,
		Addr:   &unix.SockaddrInet4{Port: port, Addr: sa4},
		IP:     chosen,
		Port:   port,
	}, nil
}

// CreateConnected opens a UDP socket for ep's family and blocking-connects
// it to ep, retrying indefinitely with a 100ms backoff on EAGAIN. All other
// connect failures are fatal.
func CreateConnected(ep Endpoint) (int, error) {
	fd, err := unix.Socket(ep.Family, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, &neterrors.SocketIO{Syscall: "socket", Err: err}
	}
	for {
		err := unix.Connect(fd, ep.Addr)
		if err == nil {
			break
		}
		if err == unix.EAGAIN {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		unix.Close(fd)
		return -1, &neterrors.SocketIO{Syscall: "connect", Err: err}
	}
	return fd, nil
}

// CreateBound opens a UDP socket for ep's family, enables SO_REUSEADDR and
// SO_REUSEPORT so multiple workers can share the listen address with
// kernel-side flow hashing, and binds it.
func CreateBound(ep Endpoint) (int, error) {
	fd, err := unix.Socket(ep.Family, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, &neterrors.SocketIO{Syscall: "socket", Err: err}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, &neterrors.SocketIO{Syscall: "setsockopt(SO_REUSEADDR)", Err: err}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, &neterrors.SocketIO{Syscall: "setsockopt(SO_REUSEPORT)", Err: err}
	}
	if err := unix.Bind(fd, ep.Addr); err != nil {
		unix.Close(fd)
		return -1, &neterrors.SocketIO{Syscall: "bind", Err: err}
	}
	return fd, nil
}

// LocalPort returns the port the kernel assigned to fd after bind/connect,
// for diagnostic reporting.
func LocalPort(fd int) (uint16, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, &neterrors.SocketIO{Syscall: "getsockname", Err: err}
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return uint16(sa.Port), nil
	case *unix.SockaddrInet6:
		return uint16(sa.Port), nil
	default:
		return 0, &neterrors.NotImplemented{What: "address family in getsockname result"}
	}
}
