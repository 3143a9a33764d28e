// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

// Copyright (c) 2019 Andy Pan
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

//go:build linux || freebsd || dragonfly || darwin
// +build linux freebsd dragonfly darwin

package netutil_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/bryanburgers/guillotine/internal/netutil"
)

func TestSockaddrToTCPAndUDPAddr(t *testing.T) {
	tests := []struct {
		sa      unix.Sockaddr
		network string
		want    string
	}{
		{
			network: "tcp4",
			want:    "127.0.0.1:8080",
			sa: &unix.SockaddrInet4{
				Port: 8080,
				Addr: [4]byte{127, 0, 0, 1},
			},
		},
		{
			network: "tcp6",
			want:    "[2001:4860:0:2001::68]:9090",
			sa: &unix.SockaddrInet6{
				Port:   9090,
				ZoneId: 0,
				Addr:   [16]byte{0x20, 0x01, 0x48, 0x60, 0, 0, 0x20, 0x01, 0, 0, 0, 0, 0, 0, 0x00, 0x68},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			tcpAddr := netutil.SockaddrToTCPOrUnixAddr(tt.sa)
			assert.Equal(t, "tcp", tcpAddr.Network())
			assert.Equal(t, tt.want, tcpAddr.String())

			udpAddr := netutil.SockaddrToUDPAddr(tt.sa)
			assert.Equal(t, "udp", udpAddr.Network())
			assert.Equal(t, tt.want, udpAddr.String())
		})
	}
}

func TestSockaddrToUnixAddr(t *testing.T) {
	file := "/tmp/test.sock"
	sa := &unix.SockaddrUnix{
		Name: file,
	}

	addr := netutil.SockaddrToTCPOrUnixAddr(sa)
	assert.Equal(t, "unix", addr.Network())
	assert.Equal(t, file, addr.String())
}

func TestSockaddrToTCPAddrIPv6WithoutZone(t *testing.T) {
	sa := &unix.SockaddrInet6{
		Port: 9090,
		Addr: [16]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
	}

	addr := netutil.SockaddrToTCPOrUnixAddr(sa)
	assert.Equal(t, "tcp", addr.Network())
	assert.Equal(t, "[::1]:9090", addr.String())
}

func TestAddrToSockAddrTCP(t *testing.T) {
	laddr, _ := net.ResolveTCPAddr("tcp4", "0.0.0.0:0")
	raddr, _ := net.ResolveTCPAddr("tcp4", "127.0.0.1:51624")
	sa, err := netutil.AddrToSockAddr(laddr, raddr)
	assert.Nil(t, err)
	sa4, ok := sa.(*unix.SockaddrInet4)
	assert.Equal(t, true, ok)
	assert.Equal(t, 51624, sa4.Port)
	assert.Equal(t, [4]byte{127, 0, 0, 1}, sa4.Addr)
}

func TestAddrToSockAddrUDP(t *testing.T) {
	laddr, _ := net.ResolveUDPAddr("udp6", "[::]:0")
	raddr, _ := net.ResolveUDPAddr("udp6", "[2001:4860:0:2001::68]:9090")
	sa, err := netutil.AddrToSockAddr(laddr, raddr)
	assert.Nil(t, err)
	sa6, ok := sa.(*unix.SockaddrInet6)
	assert.Equal(t, true, ok)
	assert.Equal(t, 9090, sa6.Port)
	assert.Equal(t, [16]byte{0x20, 0x01, 0x48, 0x60, 0, 0, 0x20, 0x01, 0, 0, 0, 0, 0, 0, 0x00, 0x68}, sa6.Addr)
}

func TestAddrToSockAddrMismatchedFamily(t *testing.T) {
	laddr, _ := net.ResolveTCPAddr("tcp6", "[::]:0")
	raddr, _ := net.ResolveTCPAddr("tcp4", "127.0.0.1:51624")
	_, err := netutil.AddrToSockAddr(laddr, raddr)
	assert.NotNil(t, err)
}

func TestAddrToSockAddrUnsupportedType(t *testing.T) {
	laddr, _ := net.ResolveIPAddr("ip", "127.0.0.1")
	raddr, _ := net.ResolveIPAddr("ip", "127.0.0.1")
	_, err := netutil.AddrToSockAddr(laddr, raddr)
	assert.NotNil(t, err)
}

func TestStringToZoneIDRoundTrip(t *testing.T) {
	id, err := netutil.StringToZoneID("")
	assert.Nil(t, err)
	assert.Equal(t, uint32(0), id)

	assert.Equal(t, "", netutil.IP6ZoneToString(0))
}
