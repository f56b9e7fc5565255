package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Product identifies a tradable instrument by its exchange symbol.
type Product struct {
	Name string
}

func NewProduct(name string) Product {
	return Product{Name: strings.TrimSpace(name)}
}

func (p Product) String() string { return p.Name }

func (p Product) IsZero() bool { return p.Name == "" }

// Price is an integer price with a decimal scale: Value * 10^-Scale.
type Price struct {
	Value int64
	Scale uint8
}

func NewPrice(value int64, scale uint8) Price {
	return Price{Value: value, Scale: scale}
}

func (p Price) Decimal() decimal.Decimal {
	return decimal.New(p.Value, -int32(p.Scale))
}

func (p Price) String() string {
	return p.Decimal().StringFixed(int32(p.Scale))
}

func (p Price) IsZero() bool { return p.Value == 0 }

// PriceLevel is one side of a top of book.
type PriceLevel struct {
	Price    Price
	Quantity uint64
}

// TopOfBook is the best bid and offer of one product.
type TopOfBook struct {
	Bid PriceLevel
	Ask PriceLevel
}

func (t TopOfBook) String() string {
	var b strings.Builder
	b.WriteString(levelString(t.Bid))
	b.WriteString(" | ")
	b.WriteString(levelString(t.Ask))
	return b.String()
}

func levelString(l PriceLevel) string {
	if l.Quantity == 0 {
		return "N/A"
	}
	return decimal.NewFromInt(int64(l.Quantity)).String() + " @ " + l.Price.String()
}
