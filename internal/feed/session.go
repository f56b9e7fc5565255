package feed

import (
	"fmt"
	"net/netip"
	"strings"

	"mdticker.com/internal/device"
	"mdticker.com/internal/event"
	"mdticker.com/internal/xdp"
)

// Session is one logical stream of a feed as the registrar and the
// dispatch loop see it.
type Session interface {
	InstanceName() string
	Endpoints() []netip.AddrPort
	InterfaceAddresses() []netip.Addr
	ProcessProtocol(*device.Packet)
}

// ProductSession is the XDP session: its endpoints, the products
// subscribed on it and the protocol processor decoding its packets.
type ProductSession struct {
	name      string
	channelID int
	endpoints []netip.AddrPort
	ifaces    []netip.Addr
	ranges    []symbolRange
	products  map[string]struct{}
	proc      *xdp.Processor
	feed      *Feed
}

var _ Session = (*ProductSession)(nil)

func newSession(f *Feed, cfg SessionConfig) (*ProductSession, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("session without name")
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("session %s: no endpoints", name)
	}
	if len(cfg.Interfaces) != 0 && len(cfg.Interfaces) != len(cfg.Endpoints) {
		return nil, fmt.Errorf("session %s: %d endpoints but %d interfaces",
			name, len(cfg.Endpoints), len(cfg.Interfaces))
	}

	s := &ProductSession{
		name:      name,
		channelID: cfg.ChannelID,
		endpoints: make([]netip.AddrPort, 0, len(cfg.Endpoints)),
		ifaces:    make([]netip.Addr, 0, len(cfg.Endpoints)),
		products:  make(map[string]struct{}),
		feed:      f,
	}
	for i, raw := range cfg.Endpoints {
		ep, err := device.ParseEndpoint(raw)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", name, err)
		}
		ifaceRaw := ""
		if len(cfg.Interfaces) > 0 {
			ifaceRaw = cfg.Interfaces[i]
		}
		iface, err := device.ParseInterface(ifaceRaw)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", name, err)
		}
		s.endpoints = append(s.endpoints, ep)
		s.ifaces = append(s.ifaces, iface)
	}
	for _, raw := range cfg.SymbolRanges {
		r, err := parseRange(raw)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", name, err)
		}
		s.ranges = append(s.ranges, r)
	}
	s.proc = xdp.NewProcessor(name, s)
	return s, nil
}

func (s *ProductSession) InstanceName() string { return s.name }

func (s *ProductSession) ChannelID() int { return s.channelID }

func (s *ProductSession) Endpoints() []netip.AddrPort {
	out := make([]netip.AddrPort, len(s.endpoints))
	copy(out, s.endpoints)
	return out
}

func (s *ProductSession) InterfaceAddresses() []netip.Addr {
	out := make([]netip.Addr, len(s.ifaces))
	copy(out, s.ifaces)
	return out
}

// SubscriptionCount is the number of products subscribed on the session.
func (s *ProductSession) SubscriptionCount() int { return len(s.products) }

// Processor exposes the decoder state, mainly the expected sequence.
func (s *ProductSession) Processor() *xdp.Processor { return s.proc }

// ProcessProtocol decodes one packet; events reach the feed's handlers
// before it returns.
func (s *ProductSession) ProcessProtocol(p *device.Packet) {
	s.proc.Process(p.Timestamp, p.Data)
}

// Emit routes a decoded event. Session level events go to feed update
// handlers; product events go to the product's subscribers, or to the
// wildcard handlers when the product has none.
func (s *ProductSession) Emit(ev event.Event) {
	f := s.feed
	name := ev.ProductName()
	if name == "" {
		for _, h := range f.sessionTargets {
			ev.Accept(h)
		}
		return
	}
	if hs, ok := f.subs[name]; ok {
		for _, h := range hs {
			ev.Accept(h)
		}
		return
	}
	for _, h := range f.wildcard {
		ev.Accept(h)
	}
}

// takesAll is true for sessions with neither ranges nor a channel.
func (s *ProductSession) takesAll() bool {
	return len(s.ranges) == 0 && s.channelID == 0
}

func (s *ProductSession) inRange(symbol string) bool {
	if symbol == "" {
		return false
	}
	c := symbol[0]
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	for _, r := range s.ranges {
		if c >= r.lo && c <= r.hi {
			return true
		}
	}
	return false
}

// symbolRange covers symbols by first character, inclusive.
type symbolRange struct {
	lo, hi byte
}

// parseRange accepts "A-M" or a single character "Q".
func parseRange(raw string) (symbolRange, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case len(s) == 1:
		return symbolRange{lo: s[0], hi: s[0]}, nil
	case len(s) == 3 && s[1] == '-' && s[0] <= s[2]:
		return symbolRange{lo: s[0], hi: s[2]}, nil
	default:
		return symbolRange{}, fmt.Errorf("symbol range %q: want X or X-Y", raw)
	}
}
