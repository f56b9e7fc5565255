package feed

import (
	"fmt"
	"slices"
	"strings"

	"mdticker.com/pkg/xerr"
)

// DefaultName is used when no feed is chosen.
const DefaultName = "xdp_nyse_integrated"

// BookFeed is an XDP feed this handler does not decode.
const BookFeed = "xdp_arca_book"

var names = []string{
	"xdp_nyse_integrated",
	"xdp_nyse_bbo",
	"xdp_nyse_trades",
	"xdp_arca_integrated",
	"xdp_arca_bbo",
	"xdp_american_integrated",
	"xdp_national_integrated",
	"xdp_chicago_integrated",
	"xdp_arca_options_top",
	"xdp_american_options_top",
}

// Names lists every supported feed.
func Names() []string {
	return slices.Clone(names)
}

func IsKnown(name string) bool {
	return slices.Contains(names, name)
}

// IsOptionsFeed reports whether the feed maps products through a series
// file instead of a symbol file.
func IsOptionsFeed(name string) bool {
	return strings.HasSuffix(name, "_options_top")
}

// ValidateName rejects the book feed and unknown names with a
// configuration error.
func ValidateName(name string) error {
	if name == BookFeed {
		return xerr.Wrap(xerr.Config, xerr.ErrUnsupportedFeed,
			fmt.Sprintf("%s is not supported by the xdp v2 handler yet", name))
	}
	if !IsKnown(name) {
		return xerr.New(xerr.Config, fmt.Sprintf("unknown feed %q; use one of: %s", name, strings.Join(names, ", ")))
	}
	return nil
}
