package bcemu

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/bcemu/internal/bcn"
	"github.com/gogpu/bcemu/shim"
)

// ConfigEnv names the environment variable holding the path of the layer
// settings file.
const ConfigEnv = "BCEMU_CONFIG"

// Config is the layer settings file.
//
//	log_level = "debug"
//	force_cpu_fallback = false
//	decode_workers = 4
//	submit_timeout = "2s"
//	fence_timeout = "5s"
//	settle_scope = "device"
//	formats = ["BC1RGBAUnorm", "BC7RGBAUnormSrgb"]
type Config struct {
	LogLevel         string        `toml:"log_level,omitempty"`
	ForceCPUFallback bool          `toml:"force_cpu_fallback,omitempty"`
	DecodeWorkers    int           `toml:"decode_workers,omitempty"`
	SubmitTimeout    time.Duration `toml:"submit_timeout,omitempty"`
	FenceTimeout     time.Duration `toml:"fence_timeout,omitempty"`
	SettleScope      string        `toml:"settle_scope,omitempty"`
	Formats          []string      `toml:"formats,omitempty"`
	RetainPayloads   bool          `toml:"retain_payloads,omitempty"`
	SPIRV            bool          `toml:"spirv,omitempty"`
}

// LoadConfig reads the settings file at path.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("bcemu: parse %s: %w", path, err)
	}
	if keys := md.Undecoded(); len(keys) > 0 {
		return nil, fmt.Errorf("bcemu: %s: unknown settings %v", path, keys)
	}
	return &cfg, nil
}

// ParseConfig decodes settings from TOML text.
func ParseConfig(data string) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("bcemu: parse config: %w", err)
	}
	if keys := md.Undecoded(); len(keys) > 0 {
		return nil, fmt.Errorf("bcemu: unknown settings %v", keys)
	}
	return &cfg, nil
}

// ConfigFromEnv loads the settings file named by BCEMU_CONFIG. It returns
// an empty Config when the variable is unset.
func ConfigFromEnv() (*Config, error) {
	path := os.Getenv(ConfigEnv)
	if path == "" {
		return &Config{}, nil
	}
	return LoadConfig(path)
}

// Level returns the configured log level. An empty level is Info.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("bcemu: log_level: %w", err)
	}
	return l, nil
}

// Options converts the settings to layer options. The log level is not
// among them; see [Config.Level].
func (c *Config) Options() ([]Option, error) {
	scope, err := shim.ParseSettleScope(c.SettleScope)
	if err != nil {
		return nil, fmt.Errorf("bcemu: settle_scope: %w", err)
	}
	formats := make([]gputypes.TextureFormat, 0, len(c.Formats))
	for _, name := range c.Formats {
		f, err := bcn.ParseFormat(name)
		if err != nil {
			return nil, fmt.Errorf("bcemu: formats: %w", err)
		}
		formats = append(formats, f)
	}

	return []Option{
		WithForceCPUFallback(c.ForceCPUFallback),
		WithWorkers(c.DecodeWorkers),
		WithSubmitTimeout(c.SubmitTimeout),
		WithFenceTimeout(c.FenceTimeout),
		WithSettleScope(scope),
		WithEnabledFormats(formats...),
		WithRetainPayloads(c.RetainPayloads),
		WithSPIRV(c.SPIRV),
	}, nil
}
