package sink

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
	"mdticker.com/internal/event"
	"mdticker.com/pkg/logger"
	"mdticker.com/pkg/safe"
)

type InfluxConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`

	BatchSize     uint          `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	UseGzip       bool          `mapstructure:"use_gzip"`
}

func (cfg InfluxConfig) String() string {
	return fmt.Sprintf("url=%s org=%s bucket=%s batch=%d flush=%s gzip=%v",
		cfg.URL, cfg.Org, cfg.Bucket, cfg.BatchSize, cfg.FlushInterval, cfg.UseGzip)
}

type pointWriter interface {
	WritePoint(*write.Point)
	Flush()
}

// InfluxWriter stores trades, quotes and gaps as points. Writes are
// batched by the client's async API; the dispatch loop never waits on
// the network.
type InfluxWriter struct {
	feed  string
	w     pointWriter
	close func()
}

var _ event.Handler = (*InfluxWriter)(nil)

func NewInfluxWriter(ctx context.Context, feed string, cfg InfluxConfig) *InfluxWriter {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 2000
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Second
	}
	opt := influxdb2.DefaultOptions().
		SetBatchSize(cfg.BatchSize).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())).
		SetUseGZip(cfg.UseGzip)

	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opt)
	w := c.WriteAPI(cfg.Org, cfg.Bucket)

	// the async API blocks once its error channel fills up
	errs := w.Errors()
	safe.Go(ctx, "influx-errors", func(ctx context.Context) {
		for err := range errs {
			logger.Warn(ctx, "influx write failed", zap.String("feed", feed), zap.Error(err))
		}
	})
	logger.Info(ctx, "influx writer ready", zap.String("feed", feed), zap.Stringer("cfg", cfg))
	return &InfluxWriter{feed: feed, w: w, close: c.Close}
}

func newInfluxWriter(feed string, w pointWriter) *InfluxWriter {
	return &InfluxWriter{feed: feed, w: w, close: w.Flush}
}

// Close flushes buffered points.
func (iw *InfluxWriter) Close() error {
	iw.close()
	return nil
}

func (iw *InfluxWriter) OnTrade(t *event.Trade) {
	tags := map[string]string{
		"feed":        iw.feed,
		"product":     t.Product.Name,
		"session":     t.Session,
		"book_status": t.BookStatus.String(),
	}
	fields := map[string]interface{}{
		"price":       t.Price.Decimal().InexactFloat64(),
		"qty":         int64(t.Quantity),
		"trade_id":    int64(t.TradeID),
		"seq":         int64(t.SequenceNumber),
		"product_seq": int64(t.ProductSequenceNumber),
	}
	iw.w.WritePoint(write.NewPoint("trade", tags, fields, t.ExchangeTime))
}

func (iw *InfluxWriter) OnBBOQuote(q *event.BBOQuote) {
	tags := map[string]string{
		"feed":        iw.feed,
		"product":     q.Product.Name,
		"participant": q.UpdateTriggerParticipant.String(),
	}
	fields := map[string]interface{}{
		"bid_qty": int64(q.BidQuantity),
		"ask_qty": int64(q.AskQuantity),
		"seq":     int64(q.SequenceNumber),
	}
	if q.BidQuantity > 0 {
		fields["bid"] = q.BidPrice.Decimal().InexactFloat64()
	}
	if q.AskQuantity > 0 {
		fields["ask"] = q.AskPrice.Decimal().InexactFloat64()
	}
	iw.w.WritePoint(write.NewPoint("bbo", tags, fields, q.ExchangeTime))
}

func (iw *InfluxWriter) OnMissingPackets(m *event.MissingPackets) {
	tags := map[string]string{"feed": iw.feed, "session": m.Session}
	fields := map[string]interface{}{
		"missing":  int64(m.Missing()),
		"expected": int64(m.ExpectedSequenceNumber),
		"seq":      int64(m.SequenceNumber),
	}
	iw.w.WritePoint(write.NewPoint("gap", tags, fields, time.Now()))
}

func (iw *InfluxWriter) OnPacketBegin(*event.PacketBegin)                     {}
func (iw *InfluxWriter) OnAggregatedPriceUpdate(*event.AggregatedPriceUpdate) {}
func (iw *InfluxWriter) OnProductAnnouncement(*event.ProductAnnouncement)     {}
func (iw *InfluxWriter) OnProductStatus(*event.ProductStatus)                 {}
func (iw *InfluxWriter) OnError(*event.Error)                                 {}
