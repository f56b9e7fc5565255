package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mdticker.com/internal/device"
	"mdticker.com/internal/event"
	"mdticker.com/internal/event/eventtest"
	"mdticker.com/internal/feed"
	"mdticker.com/internal/ticker"
	"mdticker.com/pkg/xerr"
)

func TestGenPcapReplaysThroughTicker(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gen.pcap")
	fh, err := os.Create(path)
	require.NoError(t, err)
	n, err := genPcap(ctx, genOptions{
		feedName: feed.DefaultName,
		products: []string{"IBM", "AAPL"},
		count:    3,
		start:    time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC),
		interval: time.Millisecond,
	}, fh)
	require.NoError(t, err)
	require.NoError(t, fh.Close())
	// IBM and AAPL sit on different sessions; every packet goes to both lines
	assert.Equal(t, 2*(2+2*3), n)

	cfg := ticker.DefaultConfig()
	src, err := newSource(ctx, runFlags{pcaps: []string{path}}, &cfg)
	require.NoError(t, err)

	h := &eventtest.Collector{}
	_, routes, err := ticker.SetupFeed(ctx, ticker.Options{FeedName: feed.DefaultName, Products: []string{"IBM"}}, nil, src, h)
	require.NoError(t, err)
	require.Len(t, routes, 1)

	out, err := ticker.Run(ctx, &ticker.Loop{Feed: feed.DefaultName, Source: src, Routes: routes})
	require.NoError(t, err)
	assert.Equal(t, ticker.OutcomeEndOfData, out)

	counts := map[event.Kind]int{}
	for _, ev := range h.Events() {
		counts[ev.Kind()]++
		switch ev.Kind() {
		case event.KindTrade, event.KindBBOQuote, event.KindAggregatedPriceUpdate:
			assert.Equal(t, "IBM", ev.ProductName())
		}
	}
	// every generated quote moves the bid, so each one also changes the top of book
	assert.Equal(t, 3, counts[event.KindTrade])
	assert.Equal(t, 3, counts[event.KindBBOQuote])
	assert.Equal(t, 3, counts[event.KindAggregatedPriceUpdate])
	assert.NotContains(t, h.Kinds(), event.KindMissingPackets)
	assert.EqualValues(t, 8, src.(*device.PcapSource).Stats().Delivered)
}

func TestNewSource_ExactlyOneKind(t *testing.T) {
	cfg := ticker.DefaultConfig()
	testCases := []struct {
		desc string
		f    runFlags
	}{
		{"none", runFlags{}},
		{"pcap and wal", runFlags{pcaps: []string{"a.pcap"}, wal: "a.wal"}},
		{"wal and live", runFlags{wal: "a.wal", live: true}},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := newSource(context.Background(), tc.f, &cfg)
			assert.Equal(t, xerr.Config, xerr.CodeOf(err))
		})
	}

	_, err := newSource(context.Background(), runFlags{pcaps: []string{filepath.Join(t.TempDir(), "*.pcap")}}, &cfg)
	assert.Equal(t, xerr.Source, xerr.CodeOf(err))
}

func TestFeedsCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"feeds"})
	require.NoError(t, root.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, feed.Names(), lines)
}

func TestFeedConfigPath_FollowsSearchedConfig(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.MkdirAll("config", 0o755))
	yaml := `feeds:
  xdp_nyse_integrated:
    sessions:
      - name: lab_ch1
        endpoints: ["udp://239.1.1.1:5000"]
`
	require.NoError(t, os.WriteFile(filepath.Join("config", ticker.AppName+".yaml"), []byte(yaml), 0o644))

	_, v, err := ticker.LoadConfig("")
	require.NoError(t, err)
	path := feedConfigPath("", v)
	require.NotEmpty(t, path)

	settings, err := feed.LoadSettings(feed.DefaultName, path)
	require.NoError(t, err)
	require.Len(t, settings.Sessions, 1)
	assert.Equal(t, "lab_ch1", settings.Sessions[0].Name)

	assert.Equal(t, "other.yaml", feedConfigPath("other.yaml", v))
}
