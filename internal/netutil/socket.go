// Package netutil provides the non-blocking socket primitives the
// request engine and reactor build on, plus blocking-with-deadline bulk
// helpers for collaborator I/O such as cluster tending. Nothing in this
// module calls the blocking helpers, and the async hot path never does.
package netutil

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// DialNonBlocking creates a non-blocking TCP socket with TCP_NODELAY set
// and initiates a connect to addr. An in-progress connect (EINPROGRESS)
// is treated as success: the caller (the reactor) waits for writable
// readiness before concluding the connect finished.
func DialNonBlocking(addr string) (fd int, err error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, fmt.Errorf("netutil: resolve %s: %w", addr, err)
	}

	domain := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		var sa4 unix.SockaddrInet4
		copy(sa4.Addr[:], ip4)
		sa4.Port = tcpAddr.Port
		sa = &sa4
	} else {
		domain = unix.AF_INET6
		var sa6 unix.SockaddrInet6
		copy(sa6.Addr[:], tcpAddr.IP.To16())
		sa6.Port = tcpAddr.Port
		sa = &sa6
	}

	fd, err = unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("netutil: socket: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: set nonblock: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: set TCP_NODELAY: %w", err)
	}

	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: connect %s: %w", addr, err)
	}

	return fd, nil
}

// ConnectError reads SO_ERROR off a just-become-writable fd to find out
// whether an in-progress connect succeeded or failed.
func ConnectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("netutil: getsockopt SO_ERROR: %w", err)
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Send writes as many bytes of buf as the kernel accepts in one
// non-blocking call. EAGAIN/EWOULDBLOCK is reported as n=0, err=nil
// (a benign would-block, not a failure); any other error is returned.
func Send(fd int, buf []byte) (n int, err error) {
	n, err = unix.Write(fd, buf)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil
	}
	return n, err
}

// Recv reads into buf in one non-blocking call. A recv of 0 with nil
// error means the peer closed the connection: the caller's fail path,
// not a benign EAGAIN.
func Recv(fd int, buf []byte) (n int, err error) {
	n, err = unix.Read(fd, buf)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil
	}
	return n, err
}

// Close releases fd. Errors are not actionable on the hot path (the fd
// is already being discarded) so the caller should ignore them, matching
// the teacher's own best-effort close pattern.
func Close(fd int) error {
	return unix.Close(fd)
}

// deadline returns the earlier of the transaction deadline and
// now+attempt, matching the original's "min(trans_deadline,
// now+attempt_ms)" rule for bulk blocking helpers.
func deadline(transDeadline time.Time, attempt time.Duration) time.Time {
	candidate := time.Now().Add(attempt)
	if transDeadline.IsZero() || candidate.Before(transDeadline) {
		return candidate
	}
	return transDeadline
}

// WriteDeadline performs a blocking write of the full buffer, respecting
// transDeadline, recomputing the poll deadline on every short write.
// A helper for blocking collaborator I/O (cluster tending, bulk scan);
// the async per-request hot path never calls it.
func WriteDeadline(fd int, buf []byte, transDeadline time.Time, attempt time.Duration) error {
	written := 0
	for written < len(buf) {
		dl := deadline(transDeadline, attempt)
		if err := waitWritable(fd, dl); err != nil {
			return err
		}
		n, err := unix.Write(fd, buf[written:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("netutil: write returned 0")
		}
		written += n
	}
	return nil
}

// ReadDeadline performs a blocking read of exactly len(buf) bytes,
// respecting transDeadline the same way WriteDeadline does.
func ReadDeadline(fd int, buf []byte, transDeadline time.Time, attempt time.Duration) error {
	read := 0
	for read < len(buf) {
		dl := deadline(transDeadline, attempt)
		if err := waitReadable(fd, dl); err != nil {
			return err
		}
		n, err := unix.Read(fd, buf[read:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("netutil: connection closed mid-read")
		}
		read += n
	}
	return nil
}

func waitWritable(fd int, dl time.Time) error {
	return waitFor(fd, dl, true)
}

func waitReadable(fd int, dl time.Time) error {
	return waitFor(fd, dl, false)
}

// waitFor uses poll(2) rather than a manually-sized fd_set: it scales
// past the compile-time FD_SETSIZE that select(2) is bound by, which
// matters once fd numbers exceed 1024 under a large connection pool.
func waitFor(fd int, dl time.Time, writable bool) error {
	timeoutMs := int(time.Until(dl).Milliseconds())
	if timeoutMs < 0 {
		timeoutMs = 0
	}
	events := int16(unix.POLLIN)
	if writable {
		events = int16(unix.POLLOUT)
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return waitFor(fd, dl, writable)
		}
		return err
	}
	if n == 0 {
		return fmt.Errorf("netutil: deadline exceeded waiting for fd readiness")
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return fmt.Errorf("netutil: fd %d in error state", fd)
	}
	return nil
}
