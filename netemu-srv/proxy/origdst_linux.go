//go:build linux

package proxy

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/codefionn/netemu/netemu-srv/neterr"
	"golang.org/x/sys/unix"
)

const transparentSupported = true

// originalDestination returns the destination a connection had before the
// host firewall redirected it to the listener.
func originalDestination(conn net.Conn) (string, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return "", neterr.Errorf(neterr.ErrCodeInternalError, "original destination of %T", conn)
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return "", neterr.Wrap(neterr.ErrCodeInternalError, err)
	}

	v6 := false
	if la, ok := conn.LocalAddr().(*net.TCPAddr); ok && la.IP.To4() == nil {
		v6 = true
	}

	var dst netip.AddrPort
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if !v6 {
			mreq, err := unix.GetsockoptIPv6Mreq(int(fd), unix.SOL_IP, unix.SO_ORIGINAL_DST)
			if err != nil {
				sockErr = err
				return
			}
			// struct sockaddr_in: family, port, addr
			port := binary.BigEndian.Uint16(mreq.Multiaddr[2:4])
			ip := netip.AddrFrom4([4]byte(mreq.Multiaddr[4:8]))
			dst = netip.AddrPortFrom(ip, port)
			return
		}
		// IP6T_SO_ORIGINAL_DST has the same value as SO_ORIGINAL_DST (80).
		info, err := unix.GetsockoptIPv6MTUInfo(int(fd), unix.SOL_IPV6, unix.SO_ORIGINAL_DST)
		if err != nil {
			sockErr = err
			return
		}
		var b [2]byte
		binary.NativeEndian.PutUint16(b[:], info.Addr.Port)
		dst = netip.AddrPortFrom(netip.AddrFrom16(info.Addr.Addr).Unmap(), binary.BigEndian.Uint16(b[:]))
	})
	if err == nil {
		err = sockErr
	}
	if err != nil {
		return "", neterr.Wrap(neterr.ErrCodeInternalError, fmt.Errorf("SO_ORIGINAL_DST: %w", err))
	}
	return dst.String(), nil
}
