package sink

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"mdticker.com/internal/event"
	"mdticker.com/pkg/logger"
	"mdticker.com/pkg/metrics"
	"mdticker.com/pkg/ratelimit"
)

// hashStore is the part of the redis client the cache uses.
type hashStore interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// QuoteCache keeps the latest BBO and last trade per product in a redis
// hash "xdp:<feed>:<product>". Every write has its own short timeout and
// a TTL so stale products age out.
type QuoteCache struct {
	feed    string
	rdb     hashStore
	ttl     time.Duration
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[struct{}]
	warn    *ratelimit.Store
}

var _ event.Handler = (*QuoteCache)(nil)

func NewQuoteCache(feed string, rdb hashStore, ttl, timeout time.Duration, breakers *ratelimit.Manager) *QuoteCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if timeout <= 0 {
		timeout = 20 * time.Millisecond
	}
	if breakers == nil {
		breakers = ratelimit.NewManager(ratelimit.Rule{}, nil)
	}
	return &QuoteCache{
		feed:    feed,
		rdb:     rdb,
		ttl:     ttl,
		timeout: timeout,
		cb:      breakers.Get("redis"),
		warn:    ratelimit.NewStore(rate.Every(10*time.Second), 1, time.Minute),
	}
}

func (c *QuoteCache) Key(product string) string { return "xdp:" + c.feed + ":" + product }

func (c *QuoteCache) store(product string, values ...interface{}) {
	key := c.Key(product)
	_, err := c.cb.Execute(func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		start := time.Now()
		err := c.rdb.HSet(ctx, key, values...).Err()
		metrics.ObserveSince(metrics.RedisCmdDuration, start, "hset", err)
		if err != nil {
			return struct{}{}, err
		}
		start = time.Now()
		err = c.rdb.Expire(ctx, key, c.ttl).Err()
		metrics.ObserveSince(metrics.RedisCmdDuration, start, "expire", err)
		return struct{}{}, err
	})
	if err == nil {
		return
	}
	reason := "error"
	if ratelimit.Rejected(err) {
		reason = "breaker_open"
	}
	metrics.PublishDropped.WithLabelValues("redis", reason).Inc()
	if c.warn.Allow(reason) {
		logger.Warn(context.Background(), "quote cache write failed",
			zap.String("key", key), zap.String("reason", reason), zap.Error(err))
	}
}

func (c *QuoteCache) OnBBOQuote(q *event.BBOQuote) {
	bid, ask := "", ""
	if q.BidQuantity > 0 {
		bid = q.BidPrice.String()
	}
	if q.AskQuantity > 0 {
		ask = q.AskPrice.String()
	}
	c.store(q.Product.Name,
		"bid", bid, "bid_qty", q.BidQuantity,
		"ask", ask, "ask_qty", q.AskQuantity,
		"seq", q.SequenceNumber,
		"exch_ts", q.ExchangeTime.UnixNano())
}

func (c *QuoteCache) OnTrade(t *event.Trade) {
	c.store(t.Product.Name,
		"last", t.Price.String(), "last_qty", t.Quantity,
		"last_ts", t.ExchangeTime.UnixNano())
}

func (c *QuoteCache) OnProductStatus(s *event.ProductStatus) {
	c.store(s.Product.Name, "book_status", s.BookStatus.String())
}

func (c *QuoteCache) OnPacketBegin(*event.PacketBegin)                     {}
func (c *QuoteCache) OnMissingPackets(*event.MissingPackets)               {}
func (c *QuoteCache) OnAggregatedPriceUpdate(*event.AggregatedPriceUpdate) {}
func (c *QuoteCache) OnProductAnnouncement(*event.ProductAnnouncement)     {}
func (c *QuoteCache) OnError(*event.Error)                                 {}
