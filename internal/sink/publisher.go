package sink

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"mdticker.com/internal/event"
	"mdticker.com/pkg/logger"
	"mdticker.com/pkg/metrics"
	"mdticker.com/pkg/ratelimit"
)

type PublisherConfig struct {
	// Prefix starts every topic, e.g. "xdp".
	Prefix string
	// Timeout bounds one publish call.
	Timeout time.Duration
}

// Publisher forwards events as JSON envelopes to a Broker. Publishing goes
// through a circuit breaker; while it is open events are dropped and
// counted instead of stalling the dispatch loop.
type Publisher struct {
	feed   string
	cfg    PublisherConfig
	broker Broker
	cb     *gobreaker.CircuitBreaker[struct{}]
	warn   *ratelimit.Store
}

var _ event.Handler = (*Publisher)(nil)

func NewPublisher(feed string, b Broker, breakers *ratelimit.Manager, cfg PublisherConfig) *Publisher {
	if cfg.Prefix == "" {
		cfg.Prefix = "xdp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 50 * time.Millisecond
	}
	if breakers == nil {
		breakers = ratelimit.NewManager(ratelimit.Rule{}, nil)
	}
	return &Publisher{
		feed:   feed,
		cfg:    cfg,
		broker: b,
		cb:     breakers.Get("publisher"),
		warn:   ratelimit.NewStore(rate.Every(10*time.Second), 1, time.Minute),
	}
}

// TopicFor is the broker topic an envelope is published on.
func (p *Publisher) TopicFor(env *Envelope) string {
	return p.cfg.Prefix + ":" + p.feed + ":" + env.Topic()
}

func (p *Publisher) publish(ev event.Event) {
	env, ok := NewEnvelope(p.feed, ev)
	if !ok {
		return
	}
	payload, err := env.Marshal()
	if err != nil {
		p.drop("encode", err)
		return
	}
	topic := p.TopicFor(&env)

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()
	_, err = p.cb.Execute(func() (struct{}, error) {
		return struct{}{}, p.broker.Publish(ctx, topic, payload)
	})
	if err == nil {
		return
	}
	if ratelimit.Rejected(err) {
		p.drop("breaker_open", err)
		return
	}
	p.drop("error", err)
}

func (p *Publisher) drop(reason string, err error) {
	metrics.PublishDropped.WithLabelValues("publisher", reason).Inc()
	if p.warn.Allow(reason) {
		logger.Warn(context.Background(), "publisher dropped event",
			zap.String("feed", p.feed), zap.String("reason", reason), zap.Error(err))
	}
}

func (p *Publisher) Close() error { return p.broker.Close() }

func (p *Publisher) OnPacketBegin(*event.PacketBegin)                       {}
func (p *Publisher) OnMissingPackets(e *event.MissingPackets)               { p.publish(e) }
func (p *Publisher) OnAggregatedPriceUpdate(e *event.AggregatedPriceUpdate) { p.publish(e) }
func (p *Publisher) OnBBOQuote(e *event.BBOQuote)                           { p.publish(e) }
func (p *Publisher) OnTrade(e *event.Trade)                                 { p.publish(e) }
func (p *Publisher) OnProductAnnouncement(e *event.ProductAnnouncement)     { p.publish(e) }
func (p *Publisher) OnProductStatus(e *event.ProductStatus)                 { p.publish(e) }
func (p *Publisher) OnError(e *event.Error)                                 { p.publish(e) }
