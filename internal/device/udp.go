package device

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"mdticker.com/pkg/logger"
	"mdticker.com/pkg/safe"
)

// UDPSettings configures live reception.
type UDPSettings struct {
	// QueueSize bounds the packets buffered between readers and Poll.
	QueueSize int
	// ReadBuffer is the socket receive buffer in bytes; 0 keeps the OS default.
	ReadBuffer int
	// BaseBackoff and MaxBackoff bound the retry delay after read errors.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// MaxReadErrors consecutive failures on one socket stop the source.
	MaxReadErrors int
}

func (s *UDPSettings) defaults() {
	if s.QueueSize <= 0 {
		s.QueueSize = 64_000
	}
	if s.BaseBackoff <= 0 {
		s.BaseBackoff = 300 * time.Millisecond
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = 5 * time.Second
	}
	if s.MaxReadErrors <= 0 {
		s.MaxReadErrors = 10
	}
}

// UDPSource receives multicast (or unicast) datagrams. There is one socket
// per port; every multicast group on that port is joined on its interface
// and the destination address of each datagram picks the route.
type UDPSource struct {
	settings UDPSettings
	routes   routeTable

	out   chan Packet
	fatal chan error
	conns []*portConn

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	dropped atomic.Uint64
}

var _ Source = (*UDPSource)(nil)

func NewUDPSource(s UDPSettings) *UDPSource {
	s.defaults()
	return &UDPSource{settings: s, routes: newRouteTable()}
}

func (u *UDPSource) Init() error {
	if u.settings.ReadBuffer < 0 {
		return fmt.Errorf("udp: read buffer %d is negative", u.settings.ReadBuffer)
	}
	return nil
}

func (u *UDPSource) RegisterEndpoint(ep netip.AddrPort, iface netip.Addr, route Route) error {
	if u.started.Load() {
		return errors.New("udp: register after start")
	}
	if !ep.Addr().Is4() {
		return fmt.Errorf("udp: %s is not an IPv4 endpoint", ep)
	}
	return u.routes.add(ep, iface, route)
}

type portConn struct {
	port uint16
	pc   *ipv4.PacketConn
	conn net.PacketConn
	// only endpoint on this port, used when no control message arrives
	sole netip.AddrPort
}

// Start opens the sockets, joins the groups and launches one reader per
// socket.
func (u *UDPSource) Start(ctx context.Context) error {
	if u.routes.len() == 0 {
		return errors.New("udp: no endpoints registered")
	}
	if !u.started.CompareAndSwap(false, true) {
		return errors.New("udp: already started")
	}

	byPort := make(map[uint16][]netip.AddrPort)
	var ports []uint16
	for _, ep := range u.routes.order {
		if _, ok := byPort[ep.Port()]; !ok {
			ports = append(ports, ep.Port())
		}
		byPort[ep.Port()] = append(byPort[ep.Port()], ep)
	}

	for _, port := range ports {
		c, err := u.open(port, byPort[port])
		if err != nil {
			u.closeConns()
			u.started.Store(false)
			return err
		}
		u.conns = append(u.conns, c)
	}

	u.out = make(chan Packet, u.settings.QueueSize)
	u.fatal = make(chan error, len(u.conns))
	rctx, cancel := context.WithCancel(ctx)
	u.cancel = cancel
	for _, c := range u.conns {
		c := c
		u.wg.Add(1)
		safe.Go(rctx, "udp-reader-"+strconv.Itoa(int(c.port)), func(ctx context.Context) {
			defer u.wg.Done()
			u.read(ctx, c)
		})
	}
	return nil
}

func (u *UDPSource) open(port uint16, eps []netip.AddrPort) (*portConn, error) {
	bind := net.JoinHostPort("0.0.0.0", strconv.Itoa(int(port)))
	if len(eps) == 1 && !eps[0].Addr().IsMulticast() {
		bind = eps[0].String()
	}
	conn, err := net.ListenPacket("udp4", bind)
	if err != nil {
		return nil, fmt.Errorf("udp: listen %s: %w", bind, err)
	}
	if u.settings.ReadBuffer > 0 {
		if uc, ok := conn.(*net.UDPConn); ok {
			_ = uc.SetReadBuffer(u.settings.ReadBuffer)
		}
	}

	pc := ipv4.NewPacketConn(conn)
	c := &portConn{port: port, pc: pc, conn: conn}
	if len(eps) == 1 {
		c.sole = eps[0]
	}
	if err := pc.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		logger.Warn(context.Background(), "udp: no destination control messages",
			zap.Uint16("port", port), zap.Error(err))
	}
	for _, ep := range eps {
		if !ep.Addr().IsMulticast() {
			continue
		}
		ifi, err := interfaceFor(u.routes.ifaces[ep])
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("udp: %s: %w", ep, err)
		}
		group := &net.UDPAddr{IP: net.IP(ep.Addr().AsSlice())}
		if err := pc.JoinGroup(ifi, group); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("udp: join %s: %w", ep, err)
		}
	}
	return c, nil
}

// interfaceFor finds the interface owning addr; the unspecified address
// lets the kernel choose.
func interfaceFor(addr netip.Addr) (*net.Interface, error) {
	if !addr.IsValid() || addr.IsUnspecified() {
		return nil, nil
	}
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifs {
		addrs, err := ifs[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok {
				if ip, ok := netip.AddrFromSlice(ipn.IP.To4()); ok && ip == addr {
					return &ifs[i], nil
				}
			}
		}
	}
	return nil, fmt.Errorf("no interface with address %s", addr)
}

func (u *UDPSource) read(ctx context.Context, c *portConn) {
	buf := make([]byte, 64<<10)
	backoff := u.settings.BaseBackoff
	failures := 0
	for {
		n, cm, _, err := c.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			failures++
			logger.Warn(ctx, "udp read failed", zap.Uint16("port", c.port), zap.Int("failures", failures), zap.Error(err))
			if failures >= u.settings.MaxReadErrors {
				u.fatal <- fmt.Errorf("udp: port %d: %w", c.port, err)
				return
			}

			sleep := backoff + time.Duration(rand.Int63n(int64(backoff/2+1)))
			if sleep > u.settings.MaxBackoff {
				sleep = u.settings.MaxBackoff
			}
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			backoff *= 2
			if backoff > u.settings.MaxBackoff {
				backoff = u.settings.MaxBackoff
			}
			continue
		}
		failures, backoff = 0, u.settings.BaseBackoff

		ep := c.sole
		if cm != nil && cm.Dst != nil {
			if dst, ok := netip.AddrFromSlice(cm.Dst.To4()); ok {
				ep = netip.AddrPortFrom(dst, c.port)
			}
		}
		route, ok := u.routes.lookup(ep)
		if !ok {
			continue
		}
		pkt := Packet{Route: route, Endpoint: ep, Timestamp: time.Now(), Data: append([]byte(nil), buf[:n]...)}
		select {
		case u.out <- pkt:
		default:
			u.dropped.Add(1)
		}
	}
}

// Poll waits for the first packet up to timeout, then takes whatever else
// is already queued.
func (u *UDPSource) Poll(timeout time.Duration, buf []Packet) (int, error) {
	if !u.started.Load() || u.out == nil {
		return 0, ErrNotStarted
	}
	if len(buf) == 0 {
		return 0, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-u.out:
		buf[0] = p
	case err := <-u.fatal:
		return 0, err
	case <-timer.C:
		return 0, ErrTimeout
	}
	n := 1
	for n < len(buf) {
		select {
		case p := <-u.out:
			buf[n] = p
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

// Dropped counts datagrams lost because the queue was full.
func (u *UDPSource) Dropped() uint64 { return u.dropped.Load() }

func (u *UDPSource) Stop() error {
	if !u.started.CompareAndSwap(true, false) {
		return ErrNotStarted
	}
	u.cancel()
	err := u.closeConns()
	u.wg.Wait()
	return err
}

func (u *UDPSource) closeConns() error {
	var errs []error
	for _, c := range u.conns {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	u.conns = nil
	return errors.Join(errs...)
}
