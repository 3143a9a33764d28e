//go:build linux
// +build linux

// Package net provides non-blocking TCP and UDP leaf futures over raw
// Linux sockets. Listeners and sockets are obtained through Go's
// standard net package for address parsing and binding, then their raw
// file descriptor is extracted without duplication (see
// internal/netutil.GetFD) so every read, write, and accept after that
// goes through this package's own non-blocking syscalls and the
// runtime's readiness registry, never back through the standard
// library's own poller.
package net

import (
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/bryanburgers/guillotine/internal/netutil"
	"github.com/bryanburgers/guillotine/runtime"
)

// TCPListener is a bound, listening TCP socket.
type TCPListener struct {
	ln *net.TCPListener
	fd int
}

// ListenTCP resolves address and binds a listening socket to it.
func ListenTCP(address string) (*TCPListener, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, err
	}
	fd, err := netutil.GetFD(ln)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return &TCPListener{ln: ln, fd: fd}, nil
}

// Addr returns the address the listener is bound to.
func (l *TCPListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close releases the listening socket.
func (l *TCPListener) Close() error {
	return l.ln.Close()
}

// Accept returns a leaf future for the next inbound connection.
func (l *TCPListener) Accept() *Accept {
	return &Accept{ln: l}
}

// AcceptResult is the outcome of an Accept future: exactly one of Err or
// Stream is set once ready.
type AcceptResult struct {
	Stream *TCPStream
	Addr   net.Addr
	Err    error
}

// Accept is the leaf future behind TCPListener.Accept.
type Accept struct {
	ln *TCPListener
}

// Poll implements runtime.Future[AcceptResult].
func (a *Accept) Poll() (AcceptResult, bool) {
	fd, sa, err := unix.Accept4(a.ln.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN {
			if regErr := runtime.Current().Register(a.ln.fd); regErr != nil {
				panic(regErr)
			}
			return AcceptResult{}, false
		}
		return AcceptResult{Err: os.NewSyscallError("accept4", err)}, true
	}
	return AcceptResult{
		Stream: &TCPStream{fd: fd},
		Addr:   netutil.SockaddrToTCPOrUnixAddr(sa),
	}, true
}

// TCPStream is a connected, non-blocking TCP socket, either accepted
// from a listener or obtained by dialing out.
type TCPStream struct {
	fd int
}

// DialTCP connects to address and returns a non-blocking stream. Unlike
// Accept and the read/write leaf futures, dialing is done synchronously
// through the standard library; this module does not model connect(2)
// as a leaf future because nothing in its scope needs a non-blocking
// connect.
func DialTCP(address string) (*TCPStream, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, err
	}
	fd, err := netutil.GetFD(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &TCPStream{fd: fd}, nil
}

// Close closes the stream's socket.
func (s *TCPStream) Close() error {
	return unix.Close(s.fd)
}

// ReadResult is the outcome of a Read future.
type ReadResult struct {
	N   int
	Err error
}

// Read returns a leaf future that reads at most len(buf) bytes.
func (s *TCPStream) Read(buf []byte) *Read {
	return &Read{stream: s, buf: buf}
}

// Read is the leaf future behind TCPStream.Read.
type Read struct {
	stream *TCPStream
	buf    []byte
}

// Poll implements runtime.Future[ReadResult].
func (r *Read) Poll() (ReadResult, bool) {
	n, err := unix.Read(r.stream.fd, r.buf)
	if err != nil {
		if err == unix.EAGAIN {
			if regErr := runtime.Current().Register(r.stream.fd); regErr != nil {
				panic(regErr)
			}
			return ReadResult{}, false
		}
		return ReadResult{Err: os.NewSyscallError("read", err)}, true
	}
	return ReadResult{N: n}, true
}

// WriteResult is the outcome of a Write future.
type WriteResult struct {
	N   int
	Err error
}

// Write returns a leaf future that writes buf in full or in part,
// reporting back how many bytes actually went out.
func (s *TCPStream) Write(buf []byte) *Write {
	return &Write{stream: s, buf: buf}
}

// Write is the leaf future behind TCPStream.Write.
type Write struct {
	stream *TCPStream
	buf    []byte
}

// Poll implements runtime.Future[WriteResult].
func (w *Write) Poll() (WriteResult, bool) {
	n, err := unix.Write(w.stream.fd, w.buf)
	if err != nil {
		if err == unix.EAGAIN {
			if regErr := runtime.Current().Register(w.stream.fd); regErr != nil {
				panic(regErr)
			}
			return WriteResult{}, false
		}
		return WriteResult{Err: os.NewSyscallError("write", err)}, true
	}
	return WriteResult{N: n}, true
}
