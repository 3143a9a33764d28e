//go:build linux
// +build linux

package net

import (
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/bryanburgers/guillotine/internal/netutil"
	"github.com/bryanburgers/guillotine/runtime"
)

// UDPSocket is a bound, non-blocking UDP socket.
type UDPSocket struct {
	conn *net.UDPConn
	fd   int
}

// ListenUDP resolves address and binds a UDP socket to it.
func ListenUDP(address string) (*UDPSocket, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	fd, err := netutil.GetFD(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &UDPSocket{conn: conn, fd: fd}, nil
}

// Addr returns the address the socket is bound to.
func (s *UDPSocket) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Close releases the socket.
func (s *UDPSocket) Close() error {
	return s.conn.Close()
}

// RecvFromResult is the outcome of a RecvFrom future.
type RecvFromResult struct {
	N    int
	Addr net.Addr
	Err  error
}

// RecvFrom returns a leaf future that reads the next datagram into buf.
func (s *UDPSocket) RecvFrom(buf []byte) *RecvFrom {
	return &RecvFrom{socket: s, buf: buf}
}

// RecvFrom is the leaf future behind UDPSocket.RecvFrom.
type RecvFrom struct {
	socket *UDPSocket
	buf    []byte
}

// Poll implements runtime.Future[RecvFromResult].
func (r *RecvFrom) Poll() (RecvFromResult, bool) {
	n, sa, err := unix.Recvfrom(r.socket.fd, r.buf, 0)
	if err != nil {
		if err == unix.EAGAIN {
			if regErr := runtime.Current().Register(r.socket.fd); regErr != nil {
				panic(regErr)
			}
			return RecvFromResult{}, false
		}
		return RecvFromResult{Err: os.NewSyscallError("recvfrom", err)}, true
	}
	return RecvFromResult{N: n, Addr: netutil.SockaddrToUDPAddr(sa)}, true
}

// SendToResult is the outcome of a SendTo future.
type SendToResult struct {
	N   int
	Err error
}

// SendTo returns a leaf future that sends buf to addr.
func (s *UDPSocket) SendTo(buf []byte, addr *net.UDPAddr) *SendTo {
	return &SendTo{socket: s, buf: buf, addr: addr}
}

// SendTo is the leaf future behind UDPSocket.SendTo.
type SendTo struct {
	socket *UDPSocket
	buf    []byte
	addr   *net.UDPAddr
}

// Poll implements runtime.Future[SendToResult].
func (s *SendTo) Poll() (SendToResult, bool) {
	sa, err := netutil.AddrToSockAddr(s.socket.Addr(), s.addr)
	if err != nil {
		return SendToResult{Err: err}, true
	}
	err = unix.Sendto(s.socket.fd, s.buf, 0, sa)
	if err != nil {
		if err == unix.EAGAIN {
			if regErr := runtime.Current().Register(s.socket.fd); regErr != nil {
				panic(regErr)
			}
			return SendToResult{}, false
		}
		return SendToResult{Err: os.NewSyscallError("sendto", err)}, true
	}
	return SendToResult{N: len(s.buf)}, true
}
