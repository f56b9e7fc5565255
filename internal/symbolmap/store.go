package symbolmap

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"mdticker.com/pkg/metrics"
)

// ProductRow is one mapped instrument stored per feed.
type ProductRow struct {
	ID          uint   `gorm:"primaryKey"`
	Feed        string `gorm:"size:64;not null;uniqueIndex:idx_feed_symbol"`
	Symbol      string `gorm:"size:32;not null;uniqueIndex:idx_feed_symbol"`
	SymbolIndex uint32 `gorm:"not null"`
	PriceScale  uint8  `gorm:"not null;default:4"`
	MarketID    uint16
	SystemID    uint8
	ChannelID   int
	Underlying  string `gorm:"size:32"`
	StreamID    int
	UpdatedAt   time.Time
}

func (ProductRow) TableName() string { return "xdp_products" }

func (r ProductRow) entry() Entry {
	return Entry{
		Symbol:     r.Symbol,
		Index:      r.SymbolIndex,
		PriceScale: r.PriceScale,
		MarketID:   r.MarketID,
		SystemID:   r.SystemID,
		ChannelID:  r.ChannelID,
		Underlying: r.Underlying,
		StreamID:   r.StreamID,
	}
}

// Store keeps mapping rows in a SQL table so several hosts share one list.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the products table.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&ProductRow{})
}

// Load returns the rows of feed ordered by symbol index.
func (s *Store) Load(ctx context.Context, feed string) (out []Entry, err error) {
	start := time.Now()
	defer func() { metrics.ObserveSince(metrics.DbQueryDuration, start, "load_products", err) }()

	var rows []ProductRow
	err = s.db.WithContext(ctx).
		Where("feed = ?", feed).
		Order("symbol_index").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load products of %s: %w", feed, err)
	}
	out = make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

// Save upserts entries for feed in batches.
func (s *Store) Save(ctx context.Context, feed string, entries []Entry) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveSince(metrics.DbQueryDuration, start, "save_products", err) }()

	if len(entries) == 0 {
		return nil
	}
	rows := make([]ProductRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, ProductRow{
			Feed:        feed,
			Symbol:      e.Symbol,
			SymbolIndex: e.Index,
			PriceScale:  e.PriceScale,
			MarketID:    e.MarketID,
			SystemID:    e.SystemID,
			ChannelID:   e.ChannelID,
			Underlying:  e.Underlying,
			StreamID:    e.StreamID,
		})
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "feed"}, {Name: "symbol"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"symbol_index", "price_scale", "market_id", "system_id",
				"channel_id", "underlying", "stream_id", "updated_at",
			}),
		}).
		CreateInBatches(rows, 500).Error
	if err != nil {
		return fmt.Errorf("save products of %s: %w", feed, err)
	}
	return nil
}
