package main

import (
	"context"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"mdticker.com/internal/event"
	"mdticker.com/internal/sink"
	"mdticker.com/internal/sink/wstap"
	"mdticker.com/internal/symbolmap"
	"mdticker.com/internal/ticker"
	"mdticker.com/pkg/bootstrap"
	"mdticker.com/pkg/logger"
	"mdticker.com/pkg/middleware"
	"mdticker.com/pkg/orm"
	"mdticker.com/pkg/ratelimit"
	"mdticker.com/pkg/xerr"
	"mdticker.com/pkg/xredis"
)

type closer struct {
	name  string
	close func() error
}

// sinkSet is every configured event consumer, in delivery order.
type sinkSet struct {
	handlers []event.Handler
	closers  []closer
	servers  []bootstrap.Server
	printer  *sink.Printer
}

func newSinks(ctx context.Context, feedName string, cfg *ticker.AppConfig) (s *sinkSet, err error) {
	s = &sinkSet{}
	defer func() {
		if err != nil {
			s.Close(ctx)
		}
	}()

	if cfg.Sinks.Printer {
		s.printer = sink.NewPrinter(os.Stdout, feedName)
		s.handlers = append(s.handlers, s.printer)
	}
	s.handlers = append(s.handlers, sink.NewMetrics(feedName))

	breakers := ratelimit.NewManager(ratelimit.Rule{}, nil)

	if nc := cfg.Sinks.Nats; nc.URL != "" {
		b, err := sink.NewNatsBroker(nc.URL, nats.Name(ticker.AppName), nats.MaxReconnects(-1))
		if err != nil {
			return nil, xerr.Wrap(xerr.Init, err, "connect nats "+nc.URL)
		}
		p := sink.NewPublisher(feedName, b, breakers, sink.PublisherConfig{Prefix: nc.SubjectPrefix, Timeout: nc.Timeout})
		s.handlers = append(s.handlers, p)
		s.closers = append(s.closers, closer{"nats", p.Close})
		logger.Info(ctx, "nats publisher ready", zap.String("url", nc.URL))
	}

	if ic := cfg.Sinks.Influx; ic.URL != "" {
		w := sink.NewInfluxWriter(ctx, feedName, ic)
		s.handlers = append(s.handlers, w)
		s.closers = append(s.closers, closer{"influx", w.Close})
	}

	if rc := cfg.Sinks.Redis; rc.Addr != "" {
		rdb, err := xredis.NewRedis(ctx, &rc)
		if err != nil {
			return nil, xerr.Wrap(xerr.Init, err, "connect redis "+rc.Addr)
		}
		s.handlers = append(s.handlers, sink.NewQuoteCache(feedName, rdb, rc.TTL, rc.Timeout, breakers))
		s.closers = append(s.closers, closer{"redis", rdb.Close})
		logger.Info(ctx, "redis quote cache ready", zap.String("addr", rc.Addr))
	}

	if addr := cfg.Sinks.WS.Addr; addr != "" {
		tap := wstap.New(ctx, feedName)
		s.handlers = append(s.handlers, tap)
		// upgrades per client ip and path
		upgrades := ratelimit.NewStore(rate.Limit(5), 10, 10*time.Minute)
		s.servers = append(s.servers, bootstrap.Server{Name: "ws", Addr: addr, Handler: middleware.RateLimit(upgrades, tap.Handler())})
	}
	return s, nil
}

func (s *sinkSet) Handler() event.Handler { return sink.NewFanout(s.handlers...) }

func (s *sinkSet) Servers() []bootstrap.Server { return s.servers }

// Close flushes and closes the sinks in reverse order.
func (s *sinkSet) Close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.close(); err != nil {
			logger.Warn(ctx, "close sink failed", zap.String("sink", c.name), zap.Error(err))
		}
	}
	s.closers = nil
	if s.printer != nil && s.printer.Err() != nil {
		logger.Warn(ctx, "printer stopped after a write error", zap.Error(s.printer.Err()))
	}
}

// newResolver adds the products table when a DSN is configured. A database
// that cannot be opened only costs the extra mapping source.
func newResolver(ctx context.Context, cfg *ticker.AppConfig) *symbolmap.Resolver {
	if cfg.Symbols.DSN == "" {
		return symbolmap.NewResolver(nil)
	}
	db, err := orm.NewMySQL(&cfg.Symbols)
	if err != nil {
		logger.Warn(ctx, "symbol store unavailable", zap.Error(err))
		return symbolmap.NewResolver(nil)
	}
	return symbolmap.NewResolver(symbolmap.NewStore(db))
}
