package symbolmap

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultPriceScale = 4

// Symbol file columns.
const (
	colSymbol = iota
	colCQSSymbol
	colSymbolIndex
	colNYSEMarket
	colListedMarket
	colTickerDesignation
	colUOT
	colPriceScaleCode
	colSystemID
	colChannelID

	minSymbolColumns = colSymbolIndex + 1
)

var (
	ErrUnsupportedSeriesLayout = errors.New("symbolmap: no series layout for feed")
	ErrEmptyFile               = errors.New("symbolmap: file has no entries")
)

// ParseError locates a bad row.
type ParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// LoadFromFile parses a pipe-delimited symbol index mapping file:
//
//	Symbol|CQSSymbol|SymbolIndex|NYSEMarket|ListedMarket|TickerDesignation|UOT|PriceScaleCode|SystemID|ChannelID
//
// Only the first three columns are required. Lines starting with # and a
// header row are skipped.
func LoadFromFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := ParseSymbols(f)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Path = path
		}
		return nil, err
	}
	return entries, nil
}

func ParseSymbols(r io.Reader) ([]Entry, error) {
	var out []Entry
	err := eachRecord(r, colSymbolIndex, func(rec []string) error {
		if len(rec) < minSymbolColumns {
			return fmt.Errorf("want at least %d columns, got %d", minSymbolColumns, len(rec))
		}
		e := Entry{Symbol: strings.TrimSpace(rec[colSymbol]), PriceScale: defaultPriceScale}
		if e.Symbol == "" {
			return errors.New("empty symbol")
		}
		idx, err := parseUint(rec[colSymbolIndex], 32)
		if err != nil {
			return fmt.Errorf("symbol index: %w", err)
		}
		e.Index = uint32(idx)
		if v, ok, err := optionalUint(rec, colNYSEMarket, 16); err != nil {
			return fmt.Errorf("market: %w", err)
		} else if ok {
			e.MarketID = uint16(v)
		}
		if v, ok, err := optionalUint(rec, colPriceScaleCode, 8); err != nil {
			return fmt.Errorf("price scale: %w", err)
		} else if ok {
			e.PriceScale = uint8(v)
		}
		if v, ok, err := optionalUint(rec, colSystemID, 8); err != nil {
			return fmt.Errorf("system id: %w", err)
		} else if ok {
			e.SystemID = uint8(v)
		}
		if v, ok, err := optionalUint(rec, colChannelID, 16); err != nil {
			return fmt.Errorf("channel id: %w", err)
		} else if ok {
			e.ChannelID = int(v)
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrEmptyFile
	}
	return out, nil
}

// seriesLayout is the column layout of one feed's series file.
type seriesLayout struct {
	stream     int // -1 when absent
	index      int
	underlying int
	root       int
	maturity   int
	putCall    int
	strike     int
	scale      int
	channel    int
}

func (l seriesLayout) columns() int { return l.channel + 1 }

var seriesLayouts = map[string]seriesLayout{
	"xdp_arca_options_top": {
		stream: -1, index: 0, underlying: 1, root: 2, maturity: 3,
		putCall: 4, strike: 5, scale: 6, channel: 7,
	},
	"xdp_american_options_top": {
		stream: 0, index: 1, underlying: 2, root: 3, maturity: 4,
		putCall: 5, strike: 6, scale: 7, channel: 8,
	},
}

// LoadOptionsFromFile parses a series index mapping file. The layout
// depends on the feed.
func LoadOptionsFromFile(path, feedName string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := ParseSeries(f, feedName)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Path = path
		}
		return nil, err
	}
	return entries, nil
}

func ParseSeries(r io.Reader, feedName string) ([]Entry, error) {
	layout, ok := seriesLayouts[feedName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSeriesLayout, feedName)
	}

	var out []Entry
	err := eachRecord(r, layout.index, func(rec []string) error {
		if len(rec) < layout.columns() {
			return fmt.Errorf("want %d columns, got %d", layout.columns(), len(rec))
		}
		idx, err := parseUint(rec[layout.index], 32)
		if err != nil {
			return fmt.Errorf("series index: %w", err)
		}
		name, err := optionName(rec[layout.root], rec[layout.maturity], rec[layout.putCall], rec[layout.strike])
		if err != nil {
			return err
		}
		scale, err := parseUint(rec[layout.scale], 8)
		if err != nil {
			return fmt.Errorf("price scale: %w", err)
		}
		channel, err := parseUint(rec[layout.channel], 16)
		if err != nil {
			return fmt.Errorf("channel id: %w", err)
		}
		e := Entry{
			Symbol:     name,
			Index:      uint32(idx),
			PriceScale: uint8(scale),
			ChannelID:  int(channel),
			Underlying: strings.TrimSpace(rec[layout.underlying]),
		}
		if layout.stream >= 0 {
			stream, err := parseUint(rec[layout.stream], 16)
			if err != nil {
				return fmt.Errorf("stream id: %w", err)
			}
			e.StreamID = int(stream)
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrEmptyFile
	}
	return out, nil
}

// optionName builds "ROOT YYMMDD{C|P}SSSSSSSS" where the strike is in
// thousandths, zero padded to eight digits.
func optionName(root, maturity, putCall, strike string) (string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return "", errors.New("empty root")
	}
	exp, err := time.Parse("20060102", strings.ReplaceAll(strings.TrimSpace(maturity), " ", ""))
	if err != nil {
		return "", fmt.Errorf("maturity: %w", err)
	}
	var side byte
	switch strings.ToUpper(strings.TrimSpace(putCall)) {
	case "0", "P", "PUT":
		side = 'P'
	case "1", "C", "CALL":
		side = 'C'
	default:
		return "", fmt.Errorf("put/call %q", putCall)
	}
	k, err := decimal.NewFromString(strings.TrimSpace(strike))
	if err != nil {
		return "", fmt.Errorf("strike: %w", err)
	}
	if k.IsNegative() {
		return "", fmt.Errorf("strike %s is negative", k)
	}
	milli := k.Shift(3).Round(0).IntPart()
	if milli > 99999999 {
		return "", fmt.Errorf("strike %s out of range", k)
	}
	return fmt.Sprintf("%s %s%c%08d", root, exp.Format("060102"), side, milli), nil
}

// eachRecord walks the pipe-delimited rows of r, skipping comments. The
// first row is a header when its indexCol column is not a number.
func eachRecord(r io.Reader, indexCol int, fn func([]string) error) error {
	cr := csv.NewReader(r)
	cr.Comma = '|'
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	first := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			line := 0
			var ce *csv.ParseError
			if errors.As(err, &ce) {
				line = ce.Line
			}
			return &ParseError{Line: line, Err: err}
		}
		line, _ := cr.FieldPos(0)
		if first {
			first = false
			if indexCol < len(rec) {
				if _, err := parseUint(rec[indexCol], 32); err != nil {
					continue
				}
			}
		}
		if err := fn(rec); err != nil {
			return &ParseError{Line: line, Err: err}
		}
	}
}

func parseUint(s string, bits int) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 10, bits)
}

func optionalUint(rec []string, col, bits int) (uint64, bool, error) {
	if col >= len(rec) || strings.TrimSpace(rec[col]) == "" {
		return 0, false, nil
	}
	v, err := parseUint(rec[col], bits)
	return v, err == nil, err
}
