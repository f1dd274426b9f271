// Package transport sends and receives broadcast datagrams on the local
// interfaces the node is configured to use.
package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Handler consumes one received datagram together with the sender's link
// address.
type Handler func(data []byte, srcAddr string)

// Iface is one usable local interface.
type Iface struct {
	Name string

	// Addr is the interface's IPv4 address.
	Addr net.IP

	// Bcast is the directed broadcast address of the interface's subnet.
	Bcast net.IP
}

// Broadcast is the datagram broadcast adapter. It owns one receive socket
// per matched interface and opens a short-lived send socket per interface
// for each broadcast, all bound with port and address reuse so several
// daemons can share a host in test fleets.
type Broadcast struct {
	log    *logrus.Entry
	port   int
	ifaces []Iface
	local  map[string]bool

	mu    sync.Mutex
	conns []net.PacketConn
}

// listenConfig returns a ListenConfig that enables broadcast and reuse on
// the socket before it binds.
func listenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if serr != nil {
					return
				}
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				if serr != nil {
					return
				}
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
}

// matchInterfaces enumerates the system interfaces whose name contains
// pattern and that carry an IPv4 address.
func matchInterfaces(pattern string) ([]Iface, error) {
	sysIfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("transport: list interfaces: %w", err)
	}
	var out []Iface
	for _, si := range sysIfaces {
		if !strings.Contains(si.Name, pattern) {
			continue
		}
		addrs, err := si.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			out = append(out, Iface{Name: si.Name, Addr: ip4, Bcast: broadcastAddr(ipnet)})
			break
		}
	}
	return out, nil
}

// broadcastAddr computes the directed broadcast address of an IPv4 subnet.
func broadcastAddr(n *net.IPNet) net.IP {
	ip4 := n.IP.To4()
	mask := n.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	b := make(net.IP, net.IPv4len)
	for i := range b {
		b[i] = ip4[i] | ^mask[i]
	}
	return b
}

// New enumerates interfaces matching pattern and prepares the adapter on
// the given port. At least one interface must match.
func New(log *logrus.Entry, port int, pattern string) (*Broadcast, error) {
	ifaces, err := matchInterfaces(pattern)
	if err != nil {
		return nil, err
	}
	if len(ifaces) == 0 {
		return nil, fmt.Errorf("transport: no interface matches %q", pattern)
	}
	local := make(map[string]bool, len(ifaces))
	for _, ifc := range ifaces {
		local[ifc.Addr.String()] = true
	}
	return &Broadcast{log: log, port: port, ifaces: ifaces, local: local}, nil
}

// Interfaces returns the matched interfaces.
func (b *Broadcast) Interfaces() []Iface {
	return append([]Iface(nil), b.ifaces...)
}

// LocalAddrs returns the local interface addresses as strings.
func (b *Broadcast) LocalAddrs() []string {
	out := make([]string, 0, len(b.ifaces))
	for _, ifc := range b.ifaces {
		out = append(out, ifc.Addr.String())
	}
	return out
}

// IsLocal reports whether addr is one of our own interface addresses, so
// the engine can discard loopbacks of its own broadcasts.
func (b *Broadcast) IsLocal(addr string) bool {
	return b.local[addr]
}

// SendBroadcast emits the payload on every matched interface. A failure on
// one interface is logged and does not stop the others; an error is
// returned only if every send failed.
func (b *Broadcast) SendBroadcast(payload []byte) error {
	lc := listenConfig()
	sent := 0
	var lastErr error
	for _, ifc := range b.ifaces {
		conn, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort(ifc.Addr.String(), "0"))
		if err != nil {
			lastErr = err
			b.log.WithError(err).WithField("iface", ifc.Name).Warn("broadcast socket")
			continue
		}
		dst := &net.UDPAddr{IP: ifc.Bcast, Port: b.port}
		if _, err := conn.WriteTo(payload, dst); err != nil {
			lastErr = err
			b.log.WithError(err).WithField("iface", ifc.Name).Warn("broadcast send")
		} else {
			sent++
		}
		_ = conn.Close()
	}
	if sent == 0 && lastErr != nil {
		return fmt.Errorf("transport: broadcast failed on all interfaces: %w", lastErr)
	}
	return nil
}

// Listen binds one receive socket per matched interface and blocks, calling
// handler for every datagram, until ctx is canceled. Cancellation closes
// the sockets, which unblocks the readers.
func (b *Broadcast) Listen(ctx context.Context, handler Handler) error {
	lc := listenConfig()
	var wg sync.WaitGroup

	b.mu.Lock()
	for range b.ifaces {
		// Wildcard bind with port reuse: broadcasts addressed to any
		// local subnet arrive regardless of which interface they used.
		conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", b.port))
		if err != nil {
			b.mu.Unlock()
			b.closeConns()
			return fmt.Errorf("transport: bind port %d: %w", b.port, err)
		}
		b.conns = append(b.conns, conn)
	}
	conns := append([]net.PacketConn(nil), b.conns...)
	b.mu.Unlock()

	for i, conn := range conns {
		wg.Add(1)
		go func(ifc Iface, conn net.PacketConn) {
			defer wg.Done()
			buf := make([]byte, 65535)
			for {
				n, addr, err := conn.ReadFrom(buf)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					b.log.WithError(err).WithField("iface", ifc.Name).Warn("receive")
					return
				}
				data := make([]byte, n)
				copy(data, buf[:n])
				handler(data, hostOf(addr))
			}
		}(b.ifaces[i], conn)
	}

	<-ctx.Done()
	b.closeConns()
	wg.Wait()
	return ctx.Err()
}

func (b *Broadcast) closeConns() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		_ = c.Close()
	}
	b.conns = nil
}

// hostOf strips the port from a datagram source address.
func hostOf(addr net.Addr) string {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
