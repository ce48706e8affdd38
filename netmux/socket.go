package netmux

import (
	"context"
	stderrors "errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/1ureka/1ureka.net.udp/internal/util"
	"github.com/1ureka/1ureka.net.udp/protocol"
)

// datagramHandler receives every datagram (or receive error) exactly once.
type datagramHandler interface {
	onMessageReceived(data []byte, length int, errCode int, remote netip.AddrPort)
}

// udpSocket owns the bound UDP conns (one v4, optionally one v6) and the
// receive goroutines feeding the handler.
type udpSocket struct {
	handler datagramHandler

	v4 *net.UDPConn
	v6 *net.UDPConn

	port int

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newUDPSocket(handler datagramHandler) *udpSocket {
	return &udpSocket{handler: handler}
}

// control sets the socket options every bound conn needs: SO_BROADCAST for
// discovery, and optionally SO_REUSEADDR.
func control(reuse bool) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var optErr error
		err := c.Control(func(fd uintptr) {
			optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			if optErr == nil && reuse {
				optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}
		})
		if err != nil {
			return err
		}
		return optErr
	}
}

// bind opens the v4 conn on addrV4:port and, when addrV6 is non-empty, a
// second conn on [addrV6]:port. port 0 picks an ephemeral port, reused for
// the v6 conn so both families share one number.
func (s *udpSocket) bind(addrV4, addrV6 string, port int, reuse bool) error {
	lc := net.ListenConfig{Control: control(reuse)}

	pc, err := listenUDP(lc, "udp4", addrV4, port)
	if err != nil {
		return errors.Wrap(err, "bind v4")
	}
	s.v4 = pc
	s.port = pc.LocalAddr().(*net.UDPAddr).Port

	if addrV6 != "" {
		pc6, err := listenUDP(lc, "udp6", addrV6, s.port)
		if err != nil {
			// v6 is best effort; plenty of hosts run without it.
			util.LogDebug("v6 bind failed: %v", err)
		} else {
			s.v6 = pc6
		}
	}

	s.wg.Add(1)
	go s.receiveLoop(s.v4)
	if s.v6 != nil {
		s.wg.Add(1)
		go s.receiveLoop(s.v6)
	}
	return nil
}

func listenUDP(lc net.ListenConfig, network, host string, port int) (*net.UDPConn, error) {
	addr := netip.AddrPortFrom(netip.MustParseAddr(hostOrAny(host, network)), uint16(port))
	pc, err := lc.ListenPacket(context.Background(), network, addr.String())
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

func hostOrAny(host, network string) string {
	if host != "" {
		return host
	}
	if network == "udp6" {
		return "::"
	}
	return "0.0.0.0"
}

// localPort returns the bound port.
func (s *udpSocket) localPort() int { return s.port }

// receiveLoop pulls datagrams until the conn is closed. Each datagram is
// handed to the handler synchronously; the handler copies what it keeps.
func (s *udpSocket) receiveLoop(conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, protocol.MaxPacketSize)
	for {
		n, remote, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if stderrors.Is(err, net.ErrClosed) {
				return
			}
			s.handler.onMessageReceived(nil, 0, errnoOf(err), netip.AddrPort{})
			return
		}
		s.handler.onMessageReceived(buf[:n], n, 0, normalize(remote))
	}
}

// normalize unmaps v4-in-v6 addresses so both conns key the same peer
// identically.
func normalize(ep netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port())
}

// sendTo writes one datagram, picking the conn by address family. Returns
// bytes written plus a nonzero errno-style code on failure.
func (s *udpSocket) sendTo(data []byte, ep netip.AddrPort) (int, int) {
	conn := s.v4
	if ep.Addr().Unmap().Is6() {
		conn = s.v6
		if conn == nil {
			return 0, int(unix.EAFNOSUPPORT)
		}
	}
	n, err := conn.WriteToUDPAddrPort(data, ep)
	if err != nil {
		return n, errnoOf(err)
	}
	return n, 0
}

// sendBroadcast sends one datagram to the v4 broadcast address on port.
func (s *udpSocket) sendBroadcast(data []byte, port int) bool {
	ep := netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), uint16(port))
	_, err := s.v4.WriteToUDPAddrPort(data, ep)
	if err != nil {
		util.LogDebug("broadcast failed: %v", err)
		return false
	}
	return true
}

// close shuts both conns and waits for the receive goroutines.
func (s *udpSocket) close() {
	s.closeOnce.Do(func() {
		if s.v4 != nil {
			s.v4.Close()
		}
		if s.v6 != nil {
			s.v6.Close()
		}
		s.wg.Wait()
	})
}

// errnoOf digs the errno out of a wrapped socket error. Unknown causes map
// to EIO so callers always see a nonzero code.
func errnoOf(err error) int {
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return int(errno)
	}
	var sysErr *os.SyscallError
	if stderrors.As(err, &sysErr) {
		if e, ok := sysErr.Err.(syscall.Errno); ok {
			return int(e)
		}
	}
	return int(unix.EIO)
}
