package ticker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"mdticker.com/internal/device"
	"mdticker.com/internal/event"
	"mdticker.com/internal/feed"
	"mdticker.com/internal/symbolmap"
	"mdticker.com/pkg/logger"
	"mdticker.com/pkg/trace"
	"mdticker.com/pkg/xerr"
)

// Options are the command line inputs of a feed setup. Non-empty file
// options override the loaded settings.
type Options struct {
	FeedName      string
	CfgPath       string
	LicenseFile   string
	SymbolMapFile string
	SeriesMapFile string
	Products      []string

	// Announce receives one "Adding Session: <name>" line per session.
	Announce io.Writer
}

// SetupFeed loads and initializes the feed, subscribes h and registers
// the surviving sessions with src. src must already be initialized.
func SetupFeed(ctx context.Context, opt Options, resolver *symbolmap.Resolver, src device.Source, h event.Handler) (f *feed.Feed, routes Routes, err error) {
	ctx, span := trace.Start(ctx, "ticker.setup_feed")
	defer func() { trace.End(span, err) }()

	settings, err := loadSettings(ctx, opt)
	if err != nil {
		return nil, nil, err
	}

	f = feed.New(resolver)
	if err := initFeed(ctx, f, settings); err != nil {
		return nil, nil, err
	}
	if err := f.SubscribeToAllFeedUpdates(h); err != nil {
		return nil, nil, err
	}

	if err := bind(ctx, f, resolver, h, opt.Products); err != nil {
		return nil, nil, err
	}

	routes, err = register(ctx, f, src, opt.Announce)
	if err != nil {
		return nil, nil, err
	}
	return f, routes, nil
}

func loadSettings(ctx context.Context, opt Options) (s feed.Settings, err error) {
	_, span := trace.Start(ctx, "ticker.load_settings")
	defer func() { trace.End(span, err) }()

	s, err = feed.LoadSettings(opt.FeedName, opt.CfgPath)
	if err != nil {
		logger.Error(ctx, "load feed settings failed", zap.String("feed", opt.FeedName), zap.Error(err))
		return feed.Settings{}, err
	}
	if opt.LicenseFile != "" {
		s.LicenseFile = opt.LicenseFile
	}
	if opt.SymbolMapFile != "" {
		s.SymbolMapFile = opt.SymbolMapFile
	}
	if opt.SeriesMapFile != "" {
		s.SeriesMapFile = opt.SeriesMapFile
	}
	return s, nil
}

func initFeed(ctx context.Context, f *feed.Feed, s feed.Settings) (err error) {
	ctx, span := trace.Start(ctx, "ticker.init_feed")
	defer func() { trace.End(span, err) }()

	if err := f.Init(ctx, s); err != nil {
		logger.Error(ctx, "feed init failed", zap.String("feed", s.FeedName), zap.Error(err))
		var ce *xerr.CodeError
		if errors.As(err, &ce) {
			return err
		}
		return xerr.Wrap(xerr.Init, err, "init "+s.FeedName)
	}
	return nil
}

func bind(ctx context.Context, f Feed, resolver *symbolmap.Resolver, h event.Handler, products []string) (err error) {
	ctx, span := trace.Start(ctx, "ticker.bind")
	defer func() { trace.End(span, err) }()
	return Bind(ctx, f, resolver, h, products)
}

func register(ctx context.Context, f Feed, src device.Source, announce io.Writer) (routes Routes, err error) {
	ctx, span := trace.Start(ctx, "ticker.register")
	defer func() { trace.End(span, err) }()

	var onSession func(feed.Session)
	if announce != nil {
		onSession = func(s feed.Session) { fmt.Fprintf(announce, "Adding Session: %s\n", s.InstanceName()) }
	}
	return RegisterAll(ctx, f, src, onSession)
}

// Run starts the source, runs the loop and stops the source once. A start
// failure is returned without calling Stop.
func Run(ctx context.Context, l *Loop) (Outcome, error) {
	sctx, span := trace.Start(ctx, "ticker.start_source")
	err := l.Source.Start(ctx)
	trace.End(span, err)
	if err != nil {
		logger.Error(sctx, "start source failed", zap.String("feed", l.Feed), zap.Error(err))
		return OutcomeSourceError, xerr.Wrap(xerr.Source, err, "start source")
	}

	out, err := l.Run(ctx)

	if stopErr := l.Source.Stop(); stopErr != nil {
		logger.Warn(ctx, "stop source failed", zap.String("feed", l.Feed), zap.Error(stopErr))
	}
	fields := []zap.Field{zap.String("feed", l.Feed), zap.Stringer("outcome", out)}
	if err != nil {
		logger.Error(ctx, "dispatch loop ended", append(fields, zap.Error(err))...)
	} else {
		logger.Info(ctx, "dispatch loop ended", fields...)
	}
	// a source failing mid-run stops the loop like a requested shutdown
	if out == OutcomeSourceError {
		return out, nil
	}
	return out, err
}
