package ticker

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mdticker.com/internal/device"
	"mdticker.com/internal/event"
	"mdticker.com/internal/event/eventtest"
	"mdticker.com/internal/feed"
	"mdticker.com/internal/model"
	"mdticker.com/internal/sink"
	"mdticker.com/internal/symbolmap"
	"mdticker.com/internal/xdp"
	"mdticker.com/pkg/xerr"
)

type fakeSession struct {
	name   string
	eps    []netip.AddrPort
	ifaces []netip.Addr
	subs   int
	got    []string
	log    *[]string
}

func newFakeSession(name string, eps ...string) *fakeSession {
	s := &fakeSession{name: name}
	for _, ep := range eps {
		s.eps = append(s.eps, netip.MustParseAddrPort(ep))
		s.ifaces = append(s.ifaces, netip.IPv4Unspecified())
	}
	return s
}

func (s *fakeSession) InstanceName() string             { return s.name }
func (s *fakeSession) Endpoints() []netip.AddrPort      { return s.eps }
func (s *fakeSession) InterfaceAddresses() []netip.Addr { return s.ifaces }
func (s *fakeSession) ProcessProtocol(p *device.Packet) {
	s.got = append(s.got, string(p.Data))
	if s.log != nil {
		*s.log = append(*s.log, s.name+":"+string(p.Data))
	}
}

type fakeFeed struct {
	sessions  []*fakeSession
	owner     map[string]*fakeSession
	mapping   string
	calls     []string
	wildcards int
}

func (f *fakeFeed) Name() string { return "xdp_nyse_integrated" }

func (f *fakeFeed) MappingRequest() symbolmap.Request {
	return symbolmap.Request{Feed: f.Name(), SymbolFile: f.mapping}
}

func (f *fakeFeed) SubscribeToProduct(p model.Product, h event.Handler) error {
	f.calls = append(f.calls, p.Name)
	s, ok := f.owner[p.Name]
	if !ok {
		return xerr.Wrap(xerr.Subscription, feed.ErrNoPartition, p.Name)
	}
	s.subs++
	return nil
}

func (f *fakeFeed) SubscribeToAllProducts(event.Handler) error {
	f.calls = append(f.calls, "*")
	f.wildcards++
	return nil
}

func (f *fakeFeed) TrimUnusedProductSessions() {
	kept := f.sessions[:0]
	for _, s := range f.sessions {
		if s.subs > 0 {
			kept = append(kept, s)
		}
	}
	f.sessions = kept
}

func (f *fakeFeed) Sessions() []feed.Session {
	out := make([]feed.Session, len(f.sessions))
	for i, s := range f.sessions {
		out[i] = s
	}
	return out
}

type registration struct {
	ep    netip.AddrPort
	route device.Route
}

type pollResult struct {
	pkt *device.Packet
	err error
}

type fakeSource struct {
	regs    []registration
	failOn  netip.AddrPort
	script  []pollResult
	onPoll  func(call int)
	polls   int
	starts  int
	stops   int
	startEr error
}

func (s *fakeSource) Init() error { return nil }

func (s *fakeSource) RegisterEndpoint(ep netip.AddrPort, _ netip.Addr, route device.Route) error {
	s.regs = append(s.regs, registration{ep: ep, route: route})
	if ep == s.failOn {
		return errors.New("bind: address in use")
	}
	return nil
}

func (s *fakeSource) Start(context.Context) error {
	s.starts++
	return s.startEr
}

func (s *fakeSource) Poll(_ time.Duration, buf []device.Packet) (int, error) {
	s.polls++
	if s.onPoll != nil {
		s.onPoll(s.polls)
	}
	if len(s.script) == 0 {
		return 0, device.ErrEndOfData
	}
	r := s.script[0]
	s.script = s.script[1:]
	if r.err != nil {
		return 0, r.err
	}
	buf[0] = *r.pkt
	return 1, nil
}

func (s *fakeSource) Stop() error {
	s.stops++
	return nil
}

func pkt(route device.Route, data string) pollResult {
	return pollResult{pkt: &device.Packet{Route: route, Data: []byte(data)}}
}

func twoSessionFeed() *fakeFeed {
	a := newFakeSession("S1", "224.0.59.1:11001", "224.0.60.1:11001")
	b := newFakeSession("S2", "224.0.59.2:11002")
	return &fakeFeed{
		sessions: []*fakeSession{a, b},
		owner:    map[string]*fakeSession{"IBM": a, "AAPL": a, "MSFT": b},
	}
}

func writeMapping(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "symbols.txt")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestBind_BestEffortSubscriptions(t *testing.T) {
	f := twoSessionFeed()
	err := Bind(context.Background(), f, nil, &eventtest.Collector{}, []string{"IBM", "ZZZZ", "MSFT"})
	require.NoError(t, err)

	assert.Equal(t, []string{"IBM", "ZZZZ", "MSFT"}, f.calls)
	assert.Zero(t, f.wildcards)
	assert.Len(t, f.Sessions(), 2)
}

func TestBind_TrimKeepsSubscribedSessions(t *testing.T) {
	f := twoSessionFeed()
	require.NoError(t, Bind(context.Background(), f, nil, &eventtest.Collector{}, []string{"IBM"}))

	require.Len(t, f.Sessions(), 1)
	assert.Equal(t, "S1", f.Sessions()[0].InstanceName())
}

func TestBind_MappingPlusWildcard(t *testing.T) {
	f := twoSessionFeed()
	f.mapping = writeMapping(t, "AAPL|AAPL|1|9|Q|A|100|4|1|1\nMSFT|MSFT|2|9|Q|A|100|4|1|2\n")

	require.NoError(t, Bind(context.Background(), f, symbolmap.NewResolver(nil), &eventtest.Collector{}, nil))
	assert.Equal(t, []string{"AAPL", "MSFT", "*"}, f.calls)
	assert.Len(t, f.Sessions(), 2)
}

func TestBind_NoSessions(t *testing.T) {
	testCases := []struct {
		desc     string
		products []string
		mapping  string
	}{
		{desc: "every product fails", products: []string{"ZZZZ"}},
		{desc: "wildcard only", mapping: "/nonexistent/symbols.txt"},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			f := twoSessionFeed()
			f.mapping = tc.mapping
			src := &fakeSource{}

			err := Bind(context.Background(), f, nil, &eventtest.Collector{}, tc.products)
			require.ErrorIs(t, err, xerr.ErrNoSessions)
			assert.Equal(t, xerr.Topology, xerr.CodeOf(err))
			assert.Empty(t, f.Sessions())

			routes, err := RegisterAll(context.Background(), f, src, nil)
			require.NoError(t, err)
			assert.Empty(t, routes)
			assert.Empty(t, src.regs)
		})
	}
}

func TestRegisterAll_FailFast(t *testing.T) {
	f := &fakeFeed{sessions: []*fakeSession{
		newFakeSession("S1", "224.0.59.1:11001", "224.0.60.1:11001"),
		newFakeSession("S2", "224.0.59.2:11002", "224.0.60.2:11002"),
		newFakeSession("S3", "224.0.59.3:11003"),
	}}
	src := &fakeSource{failOn: netip.MustParseAddrPort("224.0.59.2:11002")}
	var announced []string

	routes, err := RegisterAll(context.Background(), f, src, func(s feed.Session) {
		announced = append(announced, s.InstanceName())
	})
	require.Error(t, err)
	assert.Nil(t, routes)
	assert.Equal(t, xerr.Registration, xerr.CodeOf(err))

	require.Len(t, src.regs, 3)
	assert.Equal(t, "224.0.60.1:11001", src.regs[1].ep.String())
	assert.Equal(t, device.Route(1), src.regs[2].route)
	assert.Equal(t, []string{"S1", "S2"}, announced)
}

func TestRoutesLookup(t *testing.T) {
	routes := Routes{newFakeSession("S1"), newFakeSession("S2")}
	s, ok := routes.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, "S2", s.InstanceName())
	_, ok = routes.Lookup(2)
	assert.False(t, ok)
}

func TestLoop_DispatchOrderAcrossSessions(t *testing.T) {
	var order []string
	a, b := newFakeSession("S1"), newFakeSession("S2")
	a.log, b.log = &order, &order

	src := &fakeSource{script: []pollResult{
		pkt(0, "1"),
		pkt(1, "2"),
		{err: device.ErrTimeout},
		pkt(0, "3"),
		{err: device.ErrInterrupted},
		pkt(7, "lost"),
		pkt(1, "4"),
	}}
	l := &Loop{Feed: "loop_test", Source: src, Routes: Routes{a, b}}

	out, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeEndOfData, out)
	assert.Equal(t, []string{"S1:1", "S2:2", "S1:3", "S2:4"}, order)
	assert.Equal(t, []string{"1", "3"}, a.got)
}

func TestLoop_SourceErrorStops(t *testing.T) {
	a := newFakeSession("S1")
	src := &fakeSource{script: []pollResult{pkt(0, "1"), {err: errors.New("read: connection reset")}, pkt(0, "2")}}
	l := &Loop{Feed: "loop_test", Source: src, Routes: Routes{a}}

	out, err := l.Run(context.Background())
	assert.Equal(t, OutcomeSourceError, out)
	assert.Equal(t, xerr.Source, xerr.CodeOf(err))
	assert.Equal(t, []string{"1"}, a.got)
	assert.Equal(t, 2, src.polls)
}

func TestLoop_CancelAfterCurrentPoll(t *testing.T) {
	a := newFakeSession("S1")
	token := NewCanceller(nil)
	src := &fakeSource{script: []pollResult{pkt(0, "1"), pkt(0, "2")}}
	src.onPoll = func(call int) {
		if call == 1 {
			assert.Equal(t, Stopping, token.Cancel())
		}
	}
	l := &Loop{Feed: "loop_test", Source: src, Routes: Routes{a}, Token: token}

	out, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, out)
	assert.Equal(t, 1, src.polls)
	assert.Equal(t, []string{"1"}, a.got)
}

func TestCanceller_SecondCancelForces(t *testing.T) {
	forced := 0
	c := NewCanceller(func() { forced++ })
	assert.Equal(t, Running, c.State())
	assert.False(t, c.Cancelled())

	assert.Equal(t, Stopping, c.Cancel())
	assert.Zero(t, forced)
	assert.Equal(t, ForceTerminate, c.Cancel())
	assert.Equal(t, ForceTerminate, c.Cancel())
	assert.Equal(t, 1, forced)

	l := &Loop{Feed: "loop_test", Source: &fakeSource{}, Token: c}
	out, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeForceTerminate, out)
}

func TestLoop_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &fakeSource{script: []pollResult{pkt(0, "1")}}
	out, err := (&Loop{Feed: "loop_test", Source: src}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, out)
	assert.Zero(t, src.polls)
}

func TestRun_ExplicitProductStopsOnce(t *testing.T) {
	s := newFakeSession("IBM_SESSION", "224.0.59.1:11001", "224.0.60.1:11001")
	f := &fakeFeed{sessions: []*fakeSession{s}, owner: map[string]*fakeSession{"IBM": s}}
	src := &fakeSource{script: []pollResult{pkt(0, "a"), pkt(0, "b")}}

	require.NoError(t, Bind(context.Background(), f, nil, &eventtest.Collector{}, []string{"IBM"}))
	routes, err := RegisterAll(context.Background(), f, src, nil)
	require.NoError(t, err)
	require.Len(t, src.regs, 2)
	assert.Equal(t, device.Route(0), src.regs[1].route)

	out, err := Run(context.Background(), &Loop{Feed: "run_test", Source: src, Routes: routes})
	require.NoError(t, err)
	assert.Equal(t, OutcomeEndOfData, out)
	assert.Equal(t, 1, src.starts)
	assert.Equal(t, 1, src.stops)
	assert.Equal(t, []string{"a", "b"}, s.got)
}

func TestSetupFeed_WildcardFanoutGetsSessionEventsOnce(t *testing.T) {
	symbols := filepath.Join(t.TempDir(), "symbols.txt")
	require.NoError(t, os.WriteFile(symbols, []byte("IBM|IBM|7|1|N|A|100|4|1|0\n"), 0o644))

	col := &eventtest.Collector{}
	f, routes, err := SetupFeed(context.Background(), Options{
		FeedName:      feed.DefaultName,
		SymbolMapFile: symbols,
	}, nil, &fakeSource{}, sink.NewFanout(col))
	require.NoError(t, err)
	require.Len(t, routes, 1)

	s, ok := f.Session(routes[0].InstanceName())
	require.True(t, ok)
	s.ProcessProtocol(&device.Packet{Data: xdp.Heartbeat(1, time.Time{})})
	s.ProcessProtocol(&device.Packet{Data: xdp.NewEncoder(5, time.Time{}).Trade(xdp.Trade{SymbolIndex: 7, Price: 1000000, Volume: 1}).Bytes()})

	n := 0
	for _, k := range col.Kinds() {
		if k == event.KindMissingPackets {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, event.KindPacketBegin, col.Kinds()[0])
	assert.NotEqual(t, event.KindPacketBegin, col.Kinds()[1])
}

func TestRun_SourceErrorMidRunEndsGracefully(t *testing.T) {
	a := newFakeSession("S1")
	src := &fakeSource{script: []pollResult{pkt(0, "1"), {err: errors.New("read: connection reset")}}}
	out, err := Run(context.Background(), &Loop{Feed: "run_test", Source: src, Routes: Routes{a}})
	assert.Equal(t, OutcomeSourceError, out)
	assert.NoError(t, err)
	assert.Equal(t, []string{"1"}, a.got)
	assert.Equal(t, 1, src.starts)
	assert.Equal(t, 1, src.stops)
}

func TestRun_StartFailureSkipsStop(t *testing.T) {
	src := &fakeSource{startEr: errors.New("no capture files")}
	out, err := Run(context.Background(), &Loop{Feed: "run_test", Source: src})
	assert.Equal(t, OutcomeSourceError, out)
	assert.Equal(t, xerr.Source, xerr.CodeOf(err))
	assert.Zero(t, src.polls)
	assert.Zero(t, src.stops)
}

func TestSetupFeed_DefaultNyseSessions(t *testing.T) {
	h := &eventtest.Collector{}
	src := &fakeSource{}
	var announce bytes.Buffer

	f, routes, err := SetupFeed(context.Background(), Options{
		FeedName: feed.DefaultName,
		Products: []string{"IBM"},
		Announce: &announce,
	}, nil, src, h)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "xdp_nyse_integrated_ch2", routes[0].InstanceName())
	assert.Equal(t, "Adding Session: xdp_nyse_integrated_ch2\n", announce.String())
	assert.Len(t, src.regs, 2)
	assert.Equal(t, 1, f.SubscriptionCount())

	now := time.Unix(1700000000, 0)
	data := xdp.NewEncoder(1, now).
		SymbolIndexMapping(xdp.SymbolIndexMapping{SymbolIndex: 7, Symbol: "IBM", PriceScaleCode: 4, MarketID: 1}).
		Trade(xdp.Trade{SymbolIndex: 7, Price: 1000000, Volume: 10}).
		Bytes()
	src.script = []pollResult{{pkt: &device.Packet{Route: 0, Timestamp: now, Data: data}}}

	out, err := Run(context.Background(), &Loop{Feed: f.Name(), Source: src, Routes: routes})
	require.NoError(t, err)
	assert.Equal(t, OutcomeEndOfData, out)
	assert.Contains(t, h.Kinds(), event.KindTrade)
	assert.Equal(t, []string{"IBM"}, h.Products()[len(h.Products())-1:])
}

func TestSetupFeed_Errors(t *testing.T) {
	testCases := []struct {
		desc string
		opt  Options
		code int
	}{
		{"unknown feed", Options{FeedName: "xdp_moon", Products: []string{"IBM"}}, xerr.Config},
		{"book feed", Options{FeedName: feed.BookFeed, Products: []string{"IBM"}}, xerr.Config},
		{"missing license", Options{FeedName: feed.DefaultName, LicenseFile: "/nonexistent/license", Products: []string{"IBM"}}, xerr.Init},
		{"no sessions", Options{FeedName: feed.DefaultName, Products: []string{"9XYZ"}}, xerr.Topology},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			src := &fakeSource{}
			_, _, err := SetupFeed(context.Background(), tc.opt, nil, src, &eventtest.Collector{})
			require.Error(t, err)
			assert.Equal(t, tc.code, xerr.CodeOf(err))
			assert.Empty(t, src.regs)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xdp-ticker.yaml")
	body := `
log:
  level: info
metrics:
  addr: ":9100"
source:
  max_pps: 5000
sinks:
  printer: false
  nats:
    url: nats://127.0.0.1:4222
  redis:
    addr: 127.0.0.1:6379
    ttl: 1h
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("XDP_TICKER_LOG_LEVEL", "debug")

	cfg, v, err := LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
	assert.Equal(t, 5000.0, cfg.Source.MaxPPS)
	assert.Equal(t, time.Millisecond, cfg.Source.PollTimeout)
	assert.False(t, cfg.Sinks.Printer)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Sinks.Nats.URL)
	assert.Equal(t, time.Hour, cfg.Sinks.Redis.TTL)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, xerr.Config, xerr.CodeOf(err))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("source:\n  max_pps: -1\n"), 0o644))
	_, _, err = LoadConfig(path)
	assert.Equal(t, xerr.Config, xerr.CodeOf(err))
}
