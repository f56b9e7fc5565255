package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"mdticker.com/pkg/logger"
	"mdticker.com/pkg/middleware"
)

// Server is one HTTP side server of the process.
type Server struct {
	Name    string
	Addr    string
	Handler http.Handler
}

// Options lists the side servers to start; empty addresses are skipped.
type Options struct {
	MetricsAddr string
	PprofAddr   string
	Extra       []Server
}

// Servers runs side servers until the context ends.
type Servers struct {
	g   *errgroup.Group
	ctx context.Context
}

// Start launches every configured server. They shut down when ctx is done;
// Wait returns the first listen error.
func Start(ctx context.Context, opt Options) *Servers {
	g, gctx := errgroup.WithContext(ctx)
	s := &Servers{g: g, ctx: gctx}

	if opt.PprofAddr != "" {
		s.serve(Server{Name: "pprof", Addr: opt.PprofAddr, Handler: pprofMux()})
	}
	if opt.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.serve(Server{Name: "metrics", Addr: opt.MetricsAddr, Handler: mux})
	}
	for _, srv := range opt.Extra {
		if srv.Addr == "" || srv.Handler == nil {
			continue
		}
		s.serve(srv)
	}
	return s
}

// Wait blocks until every server has stopped.
func (s *Servers) Wait() error {
	if s == nil {
		return nil
	}
	return s.g.Wait()
}

func (s *Servers) serve(def Server) {
	srv := &http.Server{
		Addr:              def.Addr,
		Handler:           middleware.Recover(def.Name, middleware.RequestID(def.Handler)),
		ReadHeaderTimeout: 3 * time.Second,
	}
	s.g.Go(func() error {
		logger.Info(s.ctx, "side server listening", zap.String("server", def.Name), zap.String("addr", def.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", def.Name, err)
		}
		return nil
	})
	s.g.Go(func() error {
		<-s.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	})
}

func pprofMux() *http.ServeMux {
	runtime.SetMutexProfileFraction(10)
	runtime.SetBlockProfileRate(10000)

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}
