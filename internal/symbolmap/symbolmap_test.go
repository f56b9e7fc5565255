package symbolmap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mdticker.com/internal/model"
)

const symbolFile = `# NYSE symbol index mapping
Symbol|CQS Symbol|Symbol Index|NYSE Market|Listed Market|Ticker Designation|UOT|Price Scale Code|System ID|Channel ID
AAPL|AAPL|1|9|Q|A|100|4|1|1

MSFT|MSFT|2|9|Q|A|100|4|1|2
BRK A|BRK.A|3|1|N|A|1|2|2|2
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParseSymbols(t *testing.T) {
	entries, err := ParseSymbols(strings.NewReader(symbolFile))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, Entry{Symbol: "AAPL", Index: 1, PriceScale: 4, MarketID: 9, SystemID: 1, ChannelID: 1}, entries[0])
	assert.Equal(t, "BRK A", entries[2].Symbol)
	assert.Equal(t, uint8(2), entries[2].PriceScale)
}

func TestParseSymbols_MinimalColumnsDefaultScale(t *testing.T) {
	entries, err := ParseSymbols(strings.NewReader("IBM|IBM|7\n"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint8(defaultPriceScale), entries[0].PriceScale)
	assert.Zero(t, entries[0].ChannelID)
}

func TestParseSymbols_Errors(t *testing.T) {
	testCases := []struct {
		desc string
		body string
		want error
	}{
		{"empty", "# only a comment\n", ErrEmptyFile},
		{"too few columns", "IBM|IBM\n", nil},
		{"bad index", "IBM|IBM|x7\nAAPL|AAPL|abc\n", nil},
		{"bad scale", "IBM|IBM|7|1|N|A|100|zz\n", nil},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := ParseSymbols(strings.NewReader(tc.body))
			require.Error(t, err)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
				return
			}
			var pe *ParseError
			assert.True(t, errors.As(err, &pe), "want ParseError, got %T", err)
		})
	}
}

func TestLoadFromFile_ReportsPath(t *testing.T) {
	path := writeFile(t, "bad.txt", "IBM|IBM|7\nAAPL|AAPL|oops\n")
	_, err := LoadFromFile(path)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, path, pe.Path)
	assert.Equal(t, 2, pe.Line)
}

func TestParseSeries(t *testing.T) {
	arca := "SeriesIndex|Underlying|Root|Maturity|PutCall|Strike|PriceScaleCode|ChannelID\n" +
		"100|IBM|IBM|20240419|1|150|4|3\n" +
		"101|IBM|IBM|20240419|0|152.5|4|3\n"
	entries, err := ParseSeries(strings.NewReader(arca), "xdp_arca_options_top")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "IBM 240419C00150000", entries[0].Symbol)
	assert.Equal(t, "IBM 240419P00152500", entries[1].Symbol)
	assert.Equal(t, uint32(101), entries[1].Index)
	assert.Equal(t, 3, entries[1].ChannelID)
	assert.Equal(t, "IBM", entries[1].Underlying)

	american := "StreamID|SeriesIndex|Underlying|Root|Maturity|PutCall|Strike|PriceScaleCode|ChannelID\n" +
		"2|200|SPY|SPY|20241220|C|450|2|5\n"
	entries, err = ParseSeries(strings.NewReader(american), "xdp_american_options_top")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "SPY 241220C00450000", entries[0].Symbol)
	assert.Equal(t, 2, entries[0].StreamID)

	_, err = ParseSeries(strings.NewReader(arca), "xdp_nyse_integrated")
	assert.ErrorIs(t, err, ErrUnsupportedSeriesLayout)
}

func TestOptionName_Errors(t *testing.T) {
	testCases := []struct {
		root, maturity, pc, strike string
	}{
		{"", "20240419", "C", "1"},
		{"IBM", "2024-04-19", "C", "1"},
		{"IBM", "20240419", "X", "1"},
		{"IBM", "20240419", "C", "-1"},
		{"IBM", "20240419", "C", "100000"},
	}
	for _, tc := range testCases {
		if _, err := optionName(tc.root, tc.maturity, tc.pc, tc.strike); err == nil {
			t.Fatalf("optionName(%v) should fail", tc)
		}
	}
}

func TestMap(t *testing.T) {
	m := NewMap(
		Entry{Symbol: "AAPL", Index: 1, ChannelID: 2},
		Entry{Symbol: "MSFT", Index: 2, ChannelID: 1},
		Entry{Symbol: "AAPL", Index: 9},
		Entry{Symbol: ""},
	)
	assert.Equal(t, 2, m.Len())
	e, ok := m.Lookup("AAPL")
	require.True(t, ok)
	assert.Equal(t, uint32(1), e.Index)
	assert.Equal(t, []model.Product{{Name: "AAPL"}, {Name: "MSFT"}}, m.Products())
	assert.Equal(t, []int{1, 2}, m.Channels())

	var nilMap *Map
	assert.Zero(t, nilMap.Len())
	assert.Nil(t, nilMap.Products())
}

type fakeSource struct {
	entries []Entry
	err     error
	calls   int
}

func (f *fakeSource) Load(context.Context, string) ([]Entry, error) {
	f.calls++
	return f.entries, f.err
}

func TestResolver(t *testing.T) {
	good := writeFile(t, "symbols.txt", symbolFile)
	bad := writeFile(t, "broken.txt", "IBM|IBM|notanumber\n")
	series := writeFile(t, "series.txt", "100|IBM|IBM|20240419|1|150|4|3\n")

	testCases := []struct {
		desc   string
		req    Request
		source *fakeSource
		want   []string
	}{
		{"symbol file", Request{Feed: "xdp_nyse_integrated", SymbolFile: good}, nil, []string{"AAPL", "MSFT", "BRK A"}},
		{"parse failure is soft", Request{Feed: "xdp_nyse_integrated", SymbolFile: bad}, nil, nil},
		{"missing file is soft", Request{Feed: "xdp_nyse_integrated", SymbolFile: good + ".nope"}, nil, nil},
		{"nothing configured", Request{Feed: "xdp_nyse_integrated"}, nil, nil},
		{"options feed ignores symbol file", Request{Feed: "xdp_arca_options_top", Options: true, SymbolFile: good}, nil, nil},
		{"options feed reads series", Request{Feed: "xdp_arca_options_top", Options: true, SeriesFile: series}, nil, []string{"IBM 240419C00150000"}},
		{"non-options ignores series", Request{Feed: "xdp_nyse_integrated", SeriesFile: series}, nil, nil},
		{"store merged after file", Request{Feed: "xdp_nyse_integrated", SymbolFile: good},
			&fakeSource{entries: []Entry{{Symbol: "MSFT"}, {Symbol: "IBM"}}}, []string{"AAPL", "MSFT", "BRK A", "IBM"}},
		{"store failure is soft", Request{Feed: "xdp_nyse_integrated", SymbolFile: good},
			&fakeSource{err: errors.New("db down")}, []string{"AAPL", "MSFT", "BRK A"}},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			var r *Resolver
			if tc.source != nil {
				r = NewResolver(tc.source)
			} else {
				r = NewResolver(nil)
			}
			var got []string
			for _, p := range r.Resolve(context.Background(), tc.req) {
				got = append(got, p.Name)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}
