package ticker

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"mdticker.com/internal/sink"
	"mdticker.com/pkg/config"
	"mdticker.com/pkg/orm"
	"mdticker.com/pkg/xerr"
	"mdticker.com/pkg/xredis"
)

// AppName is the config file base name and the env prefix source.
const AppName = "xdp-ticker"

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type AddrConfig struct {
	Addr string `mapstructure:"addr"`
}

type TraceConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type SourceConfig struct {
	PollTimeout       time.Duration `mapstructure:"poll_timeout"`
	MaxPPS            float64       `mapstructure:"max_pps"`
	VerifyUDPChecksum bool          `mapstructure:"verify_udp_checksum"`

	// Record, when set, is the WAL file every polled packet is copied to.
	Record string `mapstructure:"record"`
}

type NatsConfig struct {
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type SinksConfig struct {
	Printer bool              `mapstructure:"printer"`
	Nats    NatsConfig        `mapstructure:"nats"`
	Influx  sink.InfluxConfig `mapstructure:"influx"`
	Redis   xredis.Config     `mapstructure:"redis"`
	WS      AddrConfig        `mapstructure:"ws"`
}

// AppConfig is the process configuration. The feeds section of the same
// file is read by feed.LoadSettings.
type AppConfig struct {
	Log     LogConfig    `mapstructure:"log"`
	Metrics AddrConfig   `mapstructure:"metrics"`
	Pprof   AddrConfig   `mapstructure:"pprof"`
	Trace   TraceConfig  `mapstructure:"trace"`
	Source  SourceConfig `mapstructure:"source"`
	Sinks   SinksConfig  `mapstructure:"sinks"`
	Symbols orm.Config   `mapstructure:"symbols"`
}

// DefaultConfig is used for every key the file and environment leave out.
func DefaultConfig() AppConfig {
	return AppConfig{
		Log:    LogConfig{Level: "info"},
		Source: SourceConfig{PollTimeout: time.Millisecond},
		Sinks:  SinksConfig{Printer: true},
	}
}

// LoadConfig reads path (or searches ./config/xdp-ticker.yaml) on top of
// the defaults. The returned viper handle feeds Watch.
func LoadConfig(path string) (*AppConfig, *viper.Viper, error) {
	cfg := DefaultConfig()
	v, err := config.Load(AppName, path, &cfg)
	if err != nil {
		return nil, nil, xerr.Wrap(xerr.Config, err, "load "+AppName+" config")
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}

func (c *AppConfig) validate() error {
	if c.Source.PollTimeout <= 0 {
		c.Source.PollTimeout = time.Millisecond
	}
	if c.Source.MaxPPS < 0 {
		return xerr.New(xerr.Config, fmt.Sprintf("source.max_pps must not be negative, got %v", c.Source.MaxPPS))
	}
	return nil
}
