// Package symbolmap reads the symbol and series index mapping files of the
// XDP feeds and resolves them into products.
package symbolmap

import (
	"sort"

	"mdticker.com/internal/model"
)

// Entry is one mapped instrument. Series rows are folded into the same shape
// with Symbol holding the option name.
type Entry struct {
	Symbol     string
	Index      uint32
	PriceScale uint8
	MarketID   uint16
	SystemID   uint8
	ChannelID  int // 0 when the file has no channel column

	// series only
	Underlying string
	StreamID   int
}

func (e Entry) Product() model.Product { return model.NewProduct(e.Symbol) }

// Map indexes entries by symbol. The first entry for a symbol wins.
type Map struct {
	entries  []Entry
	bySymbol map[string]int
}

func NewMap(entries ...Entry) *Map {
	m := &Map{bySymbol: make(map[string]int, len(entries))}
	m.Merge(entries)
	return m
}

// Merge appends entries whose symbol is not already present and returns how
// many were added.
func (m *Map) Merge(entries []Entry) int {
	added := 0
	for _, e := range entries {
		if e.Symbol == "" {
			continue
		}
		if _, ok := m.bySymbol[e.Symbol]; ok {
			continue
		}
		m.bySymbol[e.Symbol] = len(m.entries)
		m.entries = append(m.entries, e)
		added++
	}
	return added
}

func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

func (m *Map) Lookup(symbol string) (Entry, bool) {
	if m == nil {
		return Entry{}, false
	}
	i, ok := m.bySymbol[symbol]
	if !ok {
		return Entry{}, false
	}
	return m.entries[i], true
}

// Entries returns the entries in file order.
func (m *Map) Entries() []Entry {
	if m == nil {
		return nil
	}
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Products returns every mapped product in file order.
func (m *Map) Products() []model.Product {
	if m == nil {
		return nil
	}
	out := make([]model.Product, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Product())
	}
	return out
}

// Channels lists the distinct channel ids, ascending.
func (m *Map) Channels() []int {
	if m == nil {
		return nil
	}
	seen := make(map[int]struct{})
	var out []int
	for _, e := range m.entries {
		if e.ChannelID == 0 {
			continue
		}
		if _, ok := seen[e.ChannelID]; ok {
			continue
		}
		seen[e.ChannelID] = struct{}{}
		out = append(out, e.ChannelID)
	}
	sort.Ints(out)
	return out
}
