package device

import (
	"bufio"
	"container/heap"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"golang.org/x/time/rate"
)

// PcapSettings configures capture file replay.
type PcapSettings struct {
	// Patterns are file paths or globs; every match is replayed.
	Patterns []string
	// VerifyUDPChecksum drops datagrams whose non-zero checksum is wrong.
	VerifyUDPChecksum bool
	// MaxPPS caps delivery in packets per second; 0 replays unpaced.
	MaxPPS float64
}

// Stats counts what a source did with the packets it saw.
type Stats struct {
	Delivered   uint64
	Unrouted    uint64
	BadChecksum uint64
	Fragments   uint64
	Undecodable uint64
}

// PcapSource replays pcap and pcapng captures merged by timestamp.
type PcapSource struct {
	settings PcapSettings
	files    []string
	routes   routeTable
	limiter  *rate.Limiter

	cursors captureHeap
	open    []*captureCursor
	parser  *packetParser
	started bool
	stats   Stats
}

var _ Source = (*PcapSource)(nil)

func NewPcapSource(s PcapSettings) *PcapSource {
	return &PcapSource{settings: s, routes: newRouteTable()}
}

// Init expands the patterns. A pattern matching nothing is an error.
func (p *PcapSource) Init() error {
	if len(p.settings.Patterns) == 0 {
		return errors.New("pcap: no capture files given")
	}
	if p.settings.MaxPPS < 0 {
		return fmt.Errorf("pcap: max_pps %v is negative", p.settings.MaxPPS)
	}
	seen := make(map[string]struct{})
	var files []string
	for _, pat := range p.settings.Patterns {
		matches, err := filepath.Glob(pat)
		if err != nil {
			return fmt.Errorf("pcap: pattern %q: %w", pat, err)
		}
		if len(matches) == 0 {
			return fmt.Errorf("pcap: pattern %q matches no file", pat)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			files = append(files, m)
		}
	}
	p.files = files
	if p.settings.MaxPPS > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(p.settings.MaxPPS), 1)
	}
	return nil
}

// Files lists the captures found by Init.
func (p *PcapSource) Files() []string { return append([]string(nil), p.files...) }

func (p *PcapSource) RegisterEndpoint(ep netip.AddrPort, iface netip.Addr, route Route) error {
	return p.routes.add(ep, iface, route)
}

// Start opens every capture and reads its first packet.
func (p *PcapSource) Start(ctx context.Context) error {
	if p.started {
		return errors.New("pcap: already started")
	}
	if p.files == nil {
		return errors.New("pcap: Start before Init")
	}
	p.parser = newPacketParser()
	for i, path := range p.files {
		if err := ctx.Err(); err != nil {
			p.closeAll()
			return err
		}
		c, err := openCapture(i, path)
		if err != nil {
			p.closeAll()
			return err
		}
		p.open = append(p.open, c)
		if err := c.advance(); err != nil {
			p.closeAll()
			return err
		}
		if !c.done {
			p.cursors = append(p.cursors, c)
		}
	}
	heap.Init(&p.cursors)
	p.started = true
	return nil
}

// Poll delivers the next routed packets in timestamp order across files.
func (p *PcapSource) Poll(timeout time.Duration, buf []Packet) (int, error) {
	if !p.started {
		return 0, ErrNotStarted
	}
	if len(buf) == 0 {
		return 0, nil
	}
	deadline := time.Now().Add(timeout)
	n := 0
	for n < len(buf) {
		if p.cursors.Len() == 0 {
			break
		}
		if p.limiter != nil {
			if n == 0 {
				if err := p.waitToken(deadline); err != nil {
					return 0, ErrTimeout
				}
			} else if !p.limiter.Allow() {
				break
			}
		}

		pkt, ok, err := p.next()
		if err != nil {
			return n, err
		}
		if ok {
			buf[n] = pkt
			n++
			p.stats.Delivered++
			continue
		}
		if n == 0 && time.Now().After(deadline) {
			return 0, ErrTimeout
		}
	}
	if n == 0 && p.cursors.Len() == 0 {
		return 0, ErrEndOfData
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return n, nil
}

func (p *PcapSource) waitToken(deadline time.Time) error {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	return p.limiter.Wait(ctx)
}

// next pops the earliest packet and decodes it. ok is false when it was
// dropped.
func (p *PcapSource) next() (Packet, bool, error) {
	c := p.cursors[0]
	data, ci := c.data, c.ci
	if err := c.advance(); err != nil {
		return Packet{}, false, err
	}
	if c.done {
		heap.Pop(&p.cursors)
	} else {
		heap.Fix(&p.cursors, 0)
	}

	dst, payload, verdict := p.parser.decode(c.link, data, p.settings.VerifyUDPChecksum)
	switch verdict {
	case verdictFragment:
		p.stats.Fragments++
		return Packet{}, false, nil
	case verdictBadChecksum:
		p.stats.BadChecksum++
		return Packet{}, false, nil
	case verdictUndecodable:
		p.stats.Undecodable++
		return Packet{}, false, nil
	}
	route, ok := p.routes.lookup(dst)
	if !ok {
		p.stats.Unrouted++
		return Packet{}, false, nil
	}
	return Packet{Route: route, Endpoint: dst, Timestamp: ci.Timestamp, Data: payload}, true, nil
}

// Stats returns the counters so far.
func (p *PcapSource) Stats() Stats { return p.stats }

func (p *PcapSource) Stop() error {
	if !p.started {
		return ErrNotStarted
	}
	p.started = false
	return p.closeAll()
}

func (p *PcapSource) closeAll() error {
	var errs []error
	for _, c := range p.open {
		if err := c.f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.open = nil
	p.cursors = nil
	return errors.Join(errs...)
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

type captureCursor struct {
	order int
	path  string
	f     *os.File
	r     packetReader
	link  layers.LinkType

	data []byte
	ci   gopacket.CaptureInfo
	done bool
}

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

func openCapture(order int, path string) (*captureCursor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pcap: %w", err)
	}
	br := bufio.NewReaderSize(f, 1<<16)
	magic, err := br.Peek(4)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("pcap: %s: %w", path, err)
	}

	var r packetReader
	if string(magic) == string(pcapngMagic) {
		r, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		r, err = pcapgo.NewReader(br)
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("pcap: %s: %w", path, err)
	}
	return &captureCursor{order: order, path: path, f: f, r: r, link: r.LinkType()}, nil
}

// advance reads the following packet; a clean or torn end marks the
// cursor done.
func (c *captureCursor) advance() error {
	data, ci, err := c.r.ReadPacketData()
	switch {
	case err == nil:
		c.data, c.ci = data, ci
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		c.data, c.done = nil, true
		return nil
	default:
		return fmt.Errorf("pcap: %s: %w", c.path, err)
	}
}

type captureHeap []*captureCursor

func (h captureHeap) Len() int { return len(h) }
func (h captureHeap) Less(i, j int) bool {
	ti, tj := h[i].ci.Timestamp, h[j].ci.Timestamp
	if ti.Equal(tj) {
		return h[i].order < h[j].order
	}
	return ti.Before(tj)
}
func (h captureHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *captureHeap) Push(x any)   { *h = append(*h, x.(*captureCursor)) }
func (h *captureHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

type verdict int

const (
	verdictOK verdict = iota
	verdictFragment
	verdictBadChecksum
	verdictUndecodable
)

// packetParser decodes link, IPv4 and UDP headers without allocating
// per packet.
type packetParser struct {
	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	udp     layers.UDP
	ethPath *gopacket.DecodingLayerParser
	rawPath *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func newPacketParser() *packetParser {
	p := &packetParser{decoded: make([]gopacket.LayerType, 0, 4)}
	p.ethPath = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &p.eth, &p.dot1q, &p.ip4, &p.udp)
	p.ethPath.IgnoreUnsupported = true
	p.rawPath = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &p.ip4, &p.udp)
	p.rawPath.IgnoreUnsupported = true
	return p
}

func (p *packetParser) decode(link layers.LinkType, data []byte, verify bool) (netip.AddrPort, []byte, verdict) {
	parser := p.ethPath
	switch link {
	case layers.LinkTypeEthernet:
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		parser = p.rawPath
	default:
		return netip.AddrPort{}, nil, verdictUndecodable
	}

	p.decoded = p.decoded[:0]
	_ = parser.DecodeLayers(data, &p.decoded)
	var sawIP, sawUDP bool
	for _, t := range p.decoded {
		switch t {
		case layers.LayerTypeIPv4:
			sawIP = true
		case layers.LayerTypeUDP:
			sawUDP = true
		}
	}
	if sawIP && (p.ip4.Flags&layers.IPv4MoreFragments != 0 || p.ip4.FragOffset != 0) {
		return netip.AddrPort{}, nil, verdictFragment
	}
	if !sawIP || !sawUDP {
		return netip.AddrPort{}, nil, verdictUndecodable
	}
	dstIP, ok := netip.AddrFromSlice(p.ip4.DstIP.To4())
	if !ok {
		return netip.AddrPort{}, nil, verdictUndecodable
	}
	if verify && p.udp.Checksum != 0 && !udpChecksumOK(&p.ip4, &p.udp) {
		return netip.AddrPort{}, nil, verdictBadChecksum
	}
	return netip.AddrPortFrom(dstIP, uint16(p.udp.DstPort)), p.udp.Payload, verdictOK
}

// udpChecksumOK sums the IPv4 pseudo header and the datagram; a correct
// datagram folds to 0xffff.
func udpChecksumOK(ip *layers.IPv4, udp *layers.UDP) bool {
	var sum uint32
	add := func(b []byte) {
		for len(b) >= 2 {
			sum += uint32(binary.BigEndian.Uint16(b))
			b = b[2:]
		}
		if len(b) == 1 {
			sum += uint32(b[0]) << 8
		}
	}
	length := len(udp.Contents) + len(udp.Payload)
	var pseudo [12]byte
	copy(pseudo[0:4], ip.SrcIP.To4())
	copy(pseudo[4:8], ip.DstIP.To4())
	pseudo[9] = uint8(layers.IPProtocolUDP)
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(length))
	add(pseudo[:])
	add(udp.Contents)
	add(udp.Payload)
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return sum == 0xffff
}
