// Package device provides packet sources: capture file replay, live
// multicast reception and WAL replay. Every source delivers packets tagged
// with the route of the endpoint they arrived on.
package device

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

var (
	// ErrTimeout means no packet arrived within the poll timeout.
	ErrTimeout = errors.New("device: poll timeout")
	// ErrInterrupted means the poll was woken without a packet.
	ErrInterrupted = errors.New("device: poll interrupted")
	// ErrEndOfData means a finite source has delivered everything.
	ErrEndOfData = errors.New("device: end of data")
	// ErrNotStarted is returned by Poll before Start or after Stop.
	ErrNotStarted = errors.New("device: source not started")
	// ErrDuplicateEndpoint rejects a second registration of one endpoint.
	ErrDuplicateEndpoint = errors.New("device: endpoint already registered")
)

// Route identifies the owner of a registered endpoint. The caller picks it
// at registration and gets it back with every packet of that endpoint.
type Route uint32

// Packet is one UDP payload. Data is only valid until the next Poll.
type Packet struct {
	Route     Route
	Endpoint  netip.AddrPort
	Timestamp time.Time
	Data      []byte
}

// Source is the packet source the dispatch loop polls.
type Source interface {
	// Init validates the source settings before any registration.
	Init() error
	// RegisterEndpoint asks for packets sent to ep, received on iface.
	RegisterEndpoint(ep netip.AddrPort, iface netip.Addr, route Route) error
	// Start begins delivery.
	Start(ctx context.Context) error
	// Poll waits up to timeout and fills at most len(buf) packets. It returns
	// ErrTimeout, ErrInterrupted, ErrEndOfData or a fatal error when n is 0.
	Poll(timeout time.Duration, buf []Packet) (int, error)
	// Stop releases the source. It is safe to call once after Start.
	Stop() error
}

// ParseEndpoint accepts "udp://233.1.2.3:10001" or "233.1.2.3:10001".
func ParseEndpoint(s string) (netip.AddrPort, error) {
	raw := strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(raw, "udp://"); ok {
		raw = rest
	} else if strings.Contains(raw, "://") {
		return netip.AddrPort{}, fmt.Errorf("endpoint %q: only udp is supported", s)
	}
	ap, err := netip.ParseAddrPort(raw)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("endpoint %q: %w", s, err)
	}
	if ap.Port() == 0 {
		return netip.AddrPort{}, fmt.Errorf("endpoint %q: port is zero", s)
	}
	return ap, nil
}

// ParseInterface accepts an IPv4 address; empty means any interface.
func ParseInterface(s string) (netip.Addr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.IPv4Unspecified(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("interface %q: %w", s, err)
	}
	return a, nil
}

// routeTable maps endpoints to routes; shared by the sources.
type routeTable struct {
	routes map[netip.AddrPort]Route
	ifaces map[netip.AddrPort]netip.Addr
	order  []netip.AddrPort
}

func newRouteTable() routeTable {
	return routeTable{
		routes: make(map[netip.AddrPort]Route),
		ifaces: make(map[netip.AddrPort]netip.Addr),
	}
}

func (t *routeTable) add(ep netip.AddrPort, iface netip.Addr, route Route) error {
	if !ep.IsValid() {
		return fmt.Errorf("register %s: invalid endpoint", ep)
	}
	if _, ok := t.routes[ep]; ok {
		return fmt.Errorf("register %s: %w", ep, ErrDuplicateEndpoint)
	}
	t.routes[ep] = route
	t.ifaces[ep] = iface
	t.order = append(t.order, ep)
	return nil
}

func (t *routeTable) lookup(ep netip.AddrPort) (Route, bool) {
	r, ok := t.routes[ep]
	return r, ok
}

func (t *routeTable) len() int { return len(t.order) }
