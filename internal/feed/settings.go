package feed

import (
	"fmt"

	"github.com/spf13/viper"
	"mdticker.com/pkg/xerr"
)

// SessionConfig describes one session. Endpoints[i] is received on
// Interfaces[i]; an empty Interfaces list means any interface for all.
type SessionConfig struct {
	Name         string   `mapstructure:"name" yaml:"name"`
	ChannelID    int      `mapstructure:"channel_id" yaml:"channel_id"`
	Endpoints    []string `mapstructure:"endpoints" yaml:"endpoints"`
	Interfaces   []string `mapstructure:"interfaces" yaml:"interfaces"`
	SymbolRanges []string `mapstructure:"symbol_ranges" yaml:"symbol_ranges"`
}

// Settings is the merged configuration of one feed.
type Settings struct {
	FeedName      string          `mapstructure:"feed_name" yaml:"feed_name"`
	LicenseFile   string          `mapstructure:"license_file" yaml:"license_file"`
	SymbolMapFile string          `mapstructure:"symbol_map_file" yaml:"symbol_map_file"`
	SeriesMapFile string          `mapstructure:"series_map_file" yaml:"series_map_file"`
	Sessions      []SessionConfig `mapstructure:"sessions" yaml:"sessions"`
}

// IsOptions reports whether the series file applies.
func (s Settings) IsOptions() bool { return IsOptionsFeed(s.FeedName) }

type lineDefaults struct {
	groupA   string // prefix of the A line multicast group, e.g. "224.0.59."
	groupB   string
	basePort int
	ranges   []string // one session per range; nil means channel sessions
	channels int
}

var letterRanges = []string{"A-E", "F-K", "L-R", "S-Z"}

var defaults = map[string]lineDefaults{
	"xdp_nyse_integrated":      {groupA: "224.0.59.", groupB: "224.0.60.", basePort: 11000, ranges: letterRanges},
	"xdp_nyse_bbo":             {groupA: "224.0.59.", groupB: "224.0.60.", basePort: 11100, ranges: letterRanges},
	"xdp_nyse_trades":          {groupA: "224.0.59.", groupB: "224.0.60.", basePort: 11200, ranges: letterRanges},
	"xdp_arca_integrated":      {groupA: "224.0.61.", groupB: "224.0.62.", basePort: 12000, ranges: letterRanges},
	"xdp_arca_bbo":             {groupA: "224.0.61.", groupB: "224.0.62.", basePort: 12100, ranges: letterRanges},
	"xdp_american_integrated":  {groupA: "224.0.63.", groupB: "224.0.64.", basePort: 13000, ranges: letterRanges},
	"xdp_national_integrated":  {groupA: "224.0.65.", groupB: "224.0.66.", basePort: 14000, ranges: letterRanges},
	"xdp_chicago_integrated":   {groupA: "224.0.67.", groupB: "224.0.68.", basePort: 15000, ranges: letterRanges},
	"xdp_arca_options_top":     {groupA: "224.0.71.", groupB: "224.0.72.", basePort: 16000, channels: 4},
	"xdp_american_options_top": {groupA: "224.0.73.", groupB: "224.0.74.", basePort: 17000, channels: 4},
}

// DefaultSettings returns the built-in session layout of a feed: A and B
// line endpoints per session, partitioned by symbol range for equities and
// by channel for options.
func DefaultSettings(name string) (Settings, error) {
	if err := ValidateName(name); err != nil {
		return Settings{}, err
	}
	d := defaults[name]
	s := Settings{FeedName: name}

	n := len(d.ranges)
	if n == 0 {
		n = d.channels
	}
	for i := 1; i <= n; i++ {
		sc := SessionConfig{
			Name: fmt.Sprintf("%s_ch%d", name, i),
			Endpoints: []string{
				fmt.Sprintf("udp://%s%d:%d", d.groupA, i, d.basePort+i),
				fmt.Sprintf("udp://%s%d:%d", d.groupB, i, d.basePort+i),
			},
		}
		if d.ranges != nil {
			sc.SymbolRanges = []string{d.ranges[i-1]}
		} else {
			sc.ChannelID = i
		}
		s.Sessions = append(s.Sessions, sc)
	}
	return s, nil
}

// LoadSettings returns the defaults of the feed overridden by the
// feeds.<name> section of cfgPath. An empty cfgPath means defaults only.
func LoadSettings(name, cfgPath string) (Settings, error) {
	s, err := DefaultSettings(name)
	if err != nil {
		return Settings{}, err
	}
	if cfgPath == "" {
		return s, nil
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		return Settings{}, xerr.Wrap(xerr.Init, err, "read feed settings "+cfgPath)
	}
	key := "feeds." + name
	if !v.IsSet(key) {
		return s, nil
	}
	var override Settings
	if err := v.UnmarshalKey(key, &override); err != nil {
		return Settings{}, xerr.Wrap(xerr.Init, err, "decode "+key)
	}
	return s.merge(override), nil
}

func (s Settings) merge(o Settings) Settings {
	if o.LicenseFile != "" {
		s.LicenseFile = o.LicenseFile
	}
	if o.SymbolMapFile != "" {
		s.SymbolMapFile = o.SymbolMapFile
	}
	if o.SeriesMapFile != "" {
		s.SeriesMapFile = o.SeriesMapFile
	}
	if len(o.Sessions) > 0 {
		s.Sessions = o.Sessions
	}
	return s
}
