// Command xdp-ticker subscribes to an XDP feed replayed from captures, a
// WAL recording or live multicast, and prints its market events.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"mdticker.com/internal/feed"
	"mdticker.com/internal/ticker"
	"mdticker.com/pkg/bootstrap"
	"mdticker.com/pkg/config"
	"mdticker.com/pkg/logger"
	"mdticker.com/pkg/metrics"
	"mdticker.com/pkg/safe"
	"mdticker.com/pkg/trace"
	"mdticker.com/pkg/xerr"
)

// errForced ends the process with status 2 when the force hook could not.
var errForced = errors.New("terminated by second signal")

type runFlags struct {
	products      []string
	licenseFile   string
	feedName      string
	cfg           string
	pcaps         []string
	wal           string
	live          bool
	record        string
	symbolMapFile string
	seriesMapFile string
	logLevel      string
}

func main() {
	err := newRootCmd().Execute()
	switch {
	case err == nil:
		os.Exit(0)
	case errors.Is(err, errForced):
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(xerr.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	var f runFlags
	root := &cobra.Command{
		Use:   "xdp-ticker",
		Short: "Print market events of an NYSE XDP feed",
		Long: `xdp-ticker subscribes to the products of an XDP feed and prints quotes,
trades and session events as they are decoded.

Packets come from exactly one source:
  --pcaps   capture files (globs allowed), merged by timestamp
  --wal     a recording made with --record
  --live    the feed's multicast groups`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}

	fl := root.Flags()
	fl.StringSliceVar(&f.products, "products", nil, "products to subscribe to; all mapped products when empty")
	fl.StringVar(&f.licenseFile, "license-file", "", "feed license file")
	fl.StringVar(&f.feedName, "feed-name", feed.DefaultName, "feed name, see the feeds command")
	fl.StringVar(&f.cfg, "cfg", "", "config file (default ./config/xdp-ticker.yaml)")
	fl.StringSliceVar(&f.pcaps, "pcaps", nil, "capture files or globs to replay")
	fl.StringVar(&f.wal, "wal", "", "WAL recording to replay")
	fl.BoolVar(&f.live, "live", false, "receive the feed's multicast groups")
	fl.StringVar(&f.record, "record", "", "copy every polled packet to this WAL file")
	fl.StringVar(&f.symbolMapFile, "symbol-map-file", "", "symbol index mapping file")
	fl.StringVar(&f.seriesMapFile, "series-map-file", "", "series index mapping file for options feeds")
	fl.StringVar(&f.logLevel, "log-level", "", "log level, overrides log.level")

	root.AddCommand(newFeedsCmd(), newSymbolsCmd(), newGenPcapCmd())
	return root
}

func run(parent context.Context, f runFlags) error {
	cfg, v, err := ticker.LoadConfig(f.cfg)
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if f.logLevel != "" {
		level = f.logLevel
	}
	logger.Init(ticker.AppName, level, cfg.Log.File)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(logger.WithRunID(parent, uuid.NewString()))
	defer cancel()

	config.Watch(v, ticker.DefaultConfig, func(file string, next ticker.AppConfig, err error) {
		if err != nil {
			logger.Warn(ctx, "config reload failed", zap.String("file", file), zap.Error(err))
			return
		}
		if f.logLevel != "" {
			return
		}
		if err := logger.SetLevel(next.Log.Level); err != nil {
			logger.Warn(ctx, "bad log level in config", zap.String("level", next.Log.Level), zap.Error(err))
			return
		}
		logger.Info(ctx, "config reloaded", zap.String("file", file), zap.String("level", next.Log.Level))
	})

	if err := feed.ValidateName(f.feedName); err != nil {
		return err
	}

	metrics.MustRegister()
	if cfg.Trace.Enabled {
		shutdown, err := trace.InitTrace(ticker.AppName, os.Stderr)
		if err != nil {
			return xerr.Wrap(xerr.Init, err, "init tracer")
		}
		defer func() {
			c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(c); err != nil {
				logger.Error(ctx, "shutdown tracer failed", zap.Error(err))
			}
		}()
	}

	src, err := newSource(ctx, f, cfg)
	if err != nil {
		logger.Error(ctx, "source init failed", zap.Error(err))
		return err
	}

	sinks, err := newSinks(ctx, f.feedName, cfg)
	if err != nil {
		logger.Error(ctx, "sink setup failed", zap.Error(err))
		return err
	}
	defer sinks.Close(ctx)

	servers := bootstrap.Start(ctx, bootstrap.Options{
		MetricsAddr: cfg.Metrics.Addr,
		PprofAddr:   cfg.Pprof.Addr,
		Extra:       sinks.Servers(),
	})

	_, routes, err := ticker.SetupFeed(ctx, ticker.Options{
		FeedName:      f.feedName,
		CfgPath:       feedConfigPath(f.cfg, v),
		LicenseFile:   f.licenseFile,
		SymbolMapFile: f.symbolMapFile,
		SeriesMapFile: f.seriesMapFile,
		Products:      f.products,
		Announce:      os.Stdout,
	}, newResolver(ctx, cfg), src, sinks.Handler())
	if err != nil {
		logger.Error(ctx, "setup feed failed",
			zap.String("feed", f.feedName),
			zap.Int("code", xerr.CodeOf(err)),
			zap.String("reason", xerr.MapErrMsg(xerr.CodeOf(err))),
			zap.Error(err))
		return fmt.Errorf("init %s: %w", f.feedName, err)
	}

	token := ticker.NewCanceller(func() {
		logger.Warn(ctx, "second signal, exiting without teardown")
		logger.Sync()
		os.Exit(2)
	})
	safe.Go(ctx, "signals", func(ctx context.Context) { forwardSignals(ctx, token) })

	fmt.Printf("Starting %s\n", f.feedName)
	fmt.Println("Press Control-C to exit")

	out, err := ticker.Run(ctx, &ticker.Loop{
		Feed:        f.feedName,
		Source:      src,
		Routes:      routes,
		Token:       token,
		PollTimeout: cfg.Source.PollTimeout,
	})

	cancel()
	if werr := servers.Wait(); werr != nil {
		logger.Warn(ctx, "side server failed", zap.Error(werr))
	}
	switch {
	case out == ticker.OutcomeForceTerminate:
		return errForced
	case err != nil:
		return err
	}
	return nil
}

// feedConfigPath is the file feed session overrides are read from: the
// --cfg flag, else the file LoadConfig found on its own.
func feedConfigPath(flag string, v *viper.Viper) string {
	if flag != "" || v == nil {
		return flag
	}
	return v.ConfigFileUsed()
}

func forwardSignals(ctx context.Context, token *ticker.Canceller) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			st := token.Cancel()
			logger.Info(ctx, "signal received", zap.String("signal", sig.String()), zap.Stringer("state", st))
		}
	}
}

func newFeedsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feeds",
		Short: "List the feed names this handler decodes",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(feed.Names(), "\n"))
		},
	}
}
