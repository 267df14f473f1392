package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config describes one pruning run: the projection geometry, the N:M rate
// and operating mode, and the ambient knobs shared by the CLI tools.
type Config struct {
	InputDim   int `mapstructure:"input_dim"`
	NumHeads   int `mapstructure:"num_heads"`
	DimPerHead int `mapstructure:"dim_per_head"`

	PruneN   int    `mapstructure:"prune_n"`
	PruneM   int    `mapstructure:"prune_m"`
	Mode     string `mapstructure:"mode"`
	NumShots int    `mapstructure:"num_shots"`
	Seed     int64  `mapstructure:"seed"`

	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Pruning service.
	ListenAddr string `mapstructure:"listen_addr"`

	// Optional Flight push target for sparsified weights.
	FlightHost string `mapstructure:"flight_host"`
	FlightPort int    `mapstructure:"flight_port"`
}

func (c *Config) Validate() error {
	if c.InputDim <= 0 {
		return fmt.Errorf("invalid input_dim: %d (must be positive)", c.InputDim)
	}
	if c.NumHeads <= 0 {
		return fmt.Errorf("invalid num_heads: %d (must be positive)", c.NumHeads)
	}
	if c.DimPerHead <= 0 {
		return fmt.Errorf("invalid dim_per_head: %d (must be positive)", c.DimPerHead)
	}
	if c.PruneM <= 0 {
		return fmt.Errorf("invalid prune_m: %d (must be positive)", c.PruneM)
	}
	if c.PruneN <= 0 || c.PruneN >= c.PruneM {
		return fmt.Errorf("invalid prune rate %d:%d (need 0 < n < m)", c.PruneN, c.PruneM)
	}
	if c.Mode == "" {
		return fmt.Errorf("mode is required")
	}
	if c.Mode == "fewshot" && c.NumShots <= 0 {
		return fmt.Errorf("invalid num_shots: %d (must be positive for fewshot)", c.NumShots)
	}
	return nil
}

// ParseRate parses an "n:m" rate string, e.g. "2:4".
func ParseRate(s string) (n, m int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid rate %q (want n:m)", s)
	}
	if _, err := fmt.Sscanf(s, "%d:%d", &n, &m); err != nil {
		return 0, 0, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	return n, m, nil
}

func Default() Config {
	return Config{
		InputDim:    64,
		NumHeads:    8,
		DimPerHead:  8,
		PruneN:      2,
		PruneM:      4,
		Mode:        "materialize",
		Seed:        123,
		LogLevel:    "info",
		LogFormat:   "console",
		MetricsAddr: ":9090",
		ListenAddr:  ":8080",
		FlightPort:  3000,
	}
}

// Load reads configuration from a prune.yaml in the working directory or
// /etc/longbow-prune, with LONGBOW_PRUNE_* environment overrides. A missing
// file is fine; defaults then apply.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("prune")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/longbow-prune")
	v.SetEnvPrefix("LONGBOW_PRUNE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("input_dim", def.InputDim)
	v.SetDefault("num_heads", def.NumHeads)
	v.SetDefault("dim_per_head", def.DimPerHead)
	v.SetDefault("prune_n", def.PruneN)
	v.SetDefault("prune_m", def.PruneM)
	v.SetDefault("mode", def.Mode)
	v.SetDefault("seed", def.Seed)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)
	v.SetDefault("metrics_addr", def.MetricsAddr)
	v.SetDefault("listen_addr", def.ListenAddr)
	v.SetDefault("flight_port", def.FlightPort)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}
