package main

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/spf13/cobra"
	"mdticker.com/internal/device"
	"mdticker.com/internal/event"
	"mdticker.com/internal/feed"
	"mdticker.com/internal/model"
	"mdticker.com/internal/symbolmap"
	"mdticker.com/internal/ticker"
	"mdticker.com/internal/xdp"
	"mdticker.com/pkg/orm"
	"mdticker.com/pkg/xerr"
)

func newSymbolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "symbols",
		Short: "Manage the products table used as an extra symbol mapping source",
	}

	var feedName, file, cfgPath, dsn string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Load a symbol or series mapping file into the products table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := feed.ValidateName(feedName); err != nil {
				return err
			}
			cfg, _, err := ticker.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if dsn != "" {
				cfg.Symbols.DSN = dsn
			}
			if cfg.Symbols.DSN == "" {
				return xerr.New(xerr.Config, "symbols.dsn or --dsn is required")
			}

			var entries []symbolmap.Entry
			if feed.IsOptionsFeed(feedName) {
				entries, err = symbolmap.LoadOptionsFromFile(file, feedName)
			} else {
				entries, err = symbolmap.LoadFromFile(file)
			}
			if err != nil {
				return xerr.Wrap(xerr.Config, err, "read "+file)
			}

			db, err := orm.NewMySQL(&cfg.Symbols)
			if err != nil {
				return xerr.Wrap(xerr.Init, err, "open symbol store")
			}
			store := symbolmap.NewStore(db)
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := store.Migrate(ctx); err != nil {
				return xerr.Wrap(xerr.Init, err, "migrate products table")
			}
			if err := store.Save(ctx, feedName, entries); err != nil {
				return xerr.Wrap(xerr.Init, err, "save products")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d products for %s\n", len(entries), feedName)
			return nil
		},
	}
	imp.Flags().StringVar(&feedName, "feed-name", feed.DefaultName, "feed the mapping belongs to")
	imp.Flags().StringVar(&file, "file", "", "mapping file to import")
	imp.Flags().StringVar(&cfgPath, "cfg", "", "config file holding symbols.dsn")
	imp.Flags().StringVar(&dsn, "dsn", "", "mysql dsn, overrides symbols.dsn")
	_ = imp.MarkFlagRequired("file")

	cmd.AddCommand(imp)
	return cmd
}

type genOptions struct {
	feedName string
	cfgPath  string
	products []string
	out      string
	count    int
	start    time.Time
	interval time.Duration
}

func newGenPcapCmd() *cobra.Command {
	var (
		o     genOptions
		start string
	)
	cmd := &cobra.Command{
		Use:   "gen-pcap",
		Short: "Write a synthetic capture of quotes and trades for the given products",
		Long: `gen-pcap writes a pcap with one symbol mapping per product followed by
alternating quotes and trades, sent on both lines of the session carrying
each product. Replay it with --pcaps.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := time.Parse(time.RFC3339, start)
			if err != nil {
				return xerr.Wrap(xerr.Config, err, "--start")
			}
			o.start = t
			f, err := os.Create(o.out)
			if err != nil {
				return xerr.Wrap(xerr.Init, err, "create "+o.out)
			}
			n, err := genPcap(cmd.Context(), o, f)
			if cerr := f.Close(); err == nil && cerr != nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d frames to %s\n", n, o.out)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&o.feedName, "feed-name", feed.DefaultName, "feed whose sessions are used")
	fl.StringVar(&o.cfgPath, "cfg", "", "config file with feed session overrides")
	fl.StringSliceVar(&o.products, "products", []string{"IBM"}, "products to generate")
	fl.StringVar(&o.out, "out", "xdp.pcap", "output file")
	fl.IntVar(&o.count, "count", 100, "quote and trade pairs per product")
	fl.StringVar(&start, "start", "2024-01-02T14:30:00Z", "capture time of the first packet")
	fl.DurationVar(&o.interval, "interval", time.Millisecond, "time between packets")
	return cmd
}

// genSession is the generator state of one session.
type genSession struct {
	endpoints []netip.AddrPort
	seq       uint32
	products  []string
}

// genPcap lays the products out on the sessions the feed would subscribe
// and writes every packet on each endpoint of its session.
func genPcap(ctx context.Context, o genOptions, w io.Writer) (int, error) {
	settings, err := feed.LoadSettings(o.feedName, o.cfgPath)
	if err != nil {
		return 0, err
	}

	var order []string
	sessions := map[string]*genSession{}
	for _, p := range o.products {
		// a throwaway feed per product tells which sessions carry it
		f := feed.New(nil)
		if err := f.Init(ctx, settings); err != nil {
			return 0, err
		}
		if err := f.SubscribeToProduct(model.NewProduct(p), event.NopHandler{}); err != nil {
			return 0, err
		}
		f.TrimUnusedProductSessions()
		for _, s := range f.Sessions() {
			gs, ok := sessions[s.InstanceName()]
			if !ok {
				gs = &genSession{seq: 1}
				gs.endpoints = s.Endpoints()
				sessions[s.InstanceName()] = gs
				order = append(order, s.InstanceName())
			}
			gs.products = append(gs.products, p)
		}
	}

	pw, err := device.NewPcapWriter(w)
	if err != nil {
		return 0, err
	}
	frames := 0
	ts := o.start
	emit := func(gs *genSession, e *xdp.Encoder) error {
		data := e.Bytes()
		for _, ep := range gs.endpoints {
			if err := pw.WriteUDP(ts, ep, data); err != nil {
				return err
			}
			frames++
		}
		gs.seq += uint32(e.NumMsgs())
		ts = ts.Add(o.interval)
		return nil
	}

	for _, name := range order {
		gs := sessions[name]
		e := xdp.NewEncoder(gs.seq, ts)
		for i, p := range gs.products {
			e.SymbolIndexMapping(xdp.SymbolIndexMapping{SymbolIndex: uint32(i + 1), Symbol: p, PriceScaleCode: 4, MarketID: 1})
		}
		if err := emit(gs, e); err != nil {
			return frames, err
		}
	}

	for n := 0; n < o.count; n++ {
		for _, name := range order {
			gs := sessions[name]
			for i := range gs.products {
				idx := uint32(i + 1)
				bid := uint32(1_000_000 + 100*n)
				nanos := uint32(ts.Nanosecond())
				e := xdp.NewEncoder(gs.seq, ts).
					Quote(xdp.Quote{SourceTimeNS: nanos, SymbolIndex: idx, SymbolSeqNum: uint32(2*n + 1), BidPrice: bid, BidVolume: 300, AskPrice: bid + 100, AskVolume: 200}).
					Trade(xdp.Trade{SourceTimeNS: nanos, SymbolIndex: idx, SymbolSeqNum: uint32(2*n + 2), TradeID: uint32(n + 1), Price: bid + 100, Volume: 100})
				if err := emit(gs, e); err != nil {
					return frames, err
				}
			}
		}
	}
	return frames, nil
}
