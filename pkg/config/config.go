package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load reads a YAML config into out.
// With an explicit path only that file is read; otherwise {name}.yaml is
// searched in ./config and the working directory, and a missing file is not
// an error (defaults and environment still apply).
//
// Environment variables override keys, e.g. for name "xdp-ticker":
//
//	XDP_TICKER_LOG_LEVEL      overrides log.level
//	XDP_TICKER_METRICS_ADDR   overrides metrics.addr
func Load(name, path string, out interface{}) (*viper.Viper, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(name)
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix(name))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !asNotFound(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(out); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return v, nil
}

// Decode unmarshals the current content of v into a value built by fresh,
// leaving every earlier decoded value untouched.
func Decode[T any](v *viper.Viper, fresh func() T) (T, error) {
	out := fresh()
	if err := v.Unmarshal(&out); err != nil {
		return out, fmt.Errorf("decode config: %w", err)
	}
	return out, nil
}

// Watch decodes a fresh value whenever the file changes and hands it to
// onChange on the fsnotify goroutine. On a decode error the value is
// partial and must not be applied.
func Watch[T any](v *viper.Viper, fresh func() T, onChange func(file string, cfg T, err error)) {
	if v == nil || v.ConfigFileUsed() == "" || onChange == nil {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := Decode(v, fresh)
		onChange(e.Name, cfg, err)
	})
	v.WatchConfig()
}

func envPrefix(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

func asNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	nf, ok := err.(viper.ConfigFileNotFoundError)
	if ok {
		*target = nf
	}
	return ok
}
