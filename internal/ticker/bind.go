// Package ticker wires a feed to a packet source and runs the dispatch
// loop: subscribe, trim, register, then poll until cancelled.
package ticker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"mdticker.com/internal/device"
	"mdticker.com/internal/event"
	"mdticker.com/internal/feed"
	"mdticker.com/internal/model"
	"mdticker.com/internal/symbolmap"
	"mdticker.com/pkg/logger"
	"mdticker.com/pkg/metrics"
	"mdticker.com/pkg/xerr"
)

// Feed is what the binder and the registrar need from a feed.
type Feed interface {
	Name() string
	MappingRequest() symbolmap.Request
	SubscribeToProduct(model.Product, event.Handler) error
	SubscribeToAllProducts(event.Handler) error
	TrimUnusedProductSessions()
	Sessions() []feed.Session
}

var _ Feed = (*feed.Feed)(nil)

// Bind subscribes h to the explicit products, or to every mapped product
// plus the wildcard when none are given, then trims the sessions nobody
// subscribed to. Subscription failures are logged and skipped; only an
// empty session set is an error.
func Bind(ctx context.Context, f Feed, resolver *symbolmap.Resolver, h event.Handler, products []string) error {
	name := f.Name()
	failures := metrics.SubscriptionFailures.WithLabelValues(name)

	subscribe := func(p model.Product) {
		if err := f.SubscribeToProduct(p, h); err != nil {
			failures.Inc()
			logger.Warn(ctx, "subscribe failed",
				zap.String("feed", name),
				zap.String("product", p.Name),
				zap.Error(err))
		}
	}

	if len(products) > 0 {
		for _, p := range products {
			subscribe(model.NewProduct(p))
		}
	} else {
		for _, p := range resolver.Resolve(ctx, f.MappingRequest()) {
			subscribe(p)
		}
		if err := f.SubscribeToAllProducts(h); err != nil {
			failures.Inc()
			logger.Warn(ctx, "subscribe to all products failed", zap.String("feed", name), zap.Error(err))
		}
	}

	logger.Debug(ctx, "sessions before trim", zap.String("feed", name), zap.Int("sessions", len(f.Sessions())))
	f.TrimUnusedProductSessions()
	n := len(f.Sessions())
	logger.Debug(ctx, "sessions after trim", zap.String("feed", name), zap.Int("sessions", n))
	metrics.ActiveSessions.WithLabelValues(name).Set(float64(n))

	if n == 0 {
		logger.Error(ctx, "no sessions available", zap.String("feed", name))
		return xerr.ErrNoSessions
	}
	return nil
}

// Routes maps the route id handed to the source back to its session. The
// id is the session's index.
type Routes []feed.Session

func (r Routes) Lookup(id device.Route) (feed.Session, bool) {
	if int(id) >= len(r) {
		return nil, false
	}
	return r[id], true
}

// RegisterAll registers every endpoint of every session with src, in
// session then endpoint order, and stops at the first failure. onSession,
// when set, is called before a session's endpoints are registered.
func RegisterAll(ctx context.Context, f Feed, src device.Source, onSession func(feed.Session)) (Routes, error) {
	sessions := f.Sessions()
	routes := make(Routes, 0, len(sessions))
	for i, s := range sessions {
		if onSession != nil {
			onSession(s)
		}
		logger.Info(ctx, "adding session", zap.String("feed", f.Name()), zap.String("session", s.InstanceName()))

		eps, ifaces := s.Endpoints(), s.InterfaceAddresses()
		for j, ep := range eps {
			if err := src.RegisterEndpoint(ep, ifaces[j], device.Route(i)); err != nil {
				logger.Error(ctx, "register endpoint failed",
					zap.String("feed", f.Name()),
					zap.String("session", s.InstanceName()),
					zap.Stringer("endpoint", ep),
					zap.Stringer("iface", ifaces[j]),
					zap.Error(err))
				return nil, xerr.Wrap(xerr.Registration, err,
					fmt.Sprintf("register %s over %s for %s", ep, ifaces[j], s.InstanceName()))
			}
		}
		routes = append(routes, s)
	}
	return routes, nil
}
