// Package config defines the CLI flags and settings for the market-making
// client. Flags are parsed with pflag, an optional YAML file can be layered
// underneath via viper, and a .env file (if present) is loaded first so
// credentials can be supplied without shell history exposure.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// VenueURIs are the two venue endpoints the CLI can target.
const (
	TestVenueURI = "wss://test.deribit.com/ws/api/v2"
	LiveVenueURI = "wss://www.deribit.com/ws/api/v2"
)

// Config is the fully resolved set of settings for one run, after flags,
// environment variables, and .env defaults have been merged.
type Config struct {
	Command string

	Live         bool   `mapstructure:"live"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`

	Instrument     string  `mapstructure:"instrument"`
	Frequency      string  `mapstructure:"frequency"`
	MinDepth       float64 `mapstructure:"min_depth"`
	MidDepth       float64 `mapstructure:"mid_depth"`
	MaxDepth       float64 `mapstructure:"max_depth"`
	OrderAmount    float64 `mapstructure:"order_amount"`
	MaxPositionUSD float64 `mapstructure:"max_position_usd"`

	Channels []string `mapstructure:"channels"`
	Output   string   `mapstructure:"output"`

	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

// VenueURI returns the endpoint to dial for this config.
func (c *Config) VenueURI() string {
	if c.Live {
		return LiveVenueURI
	}
	return TestVenueURI
}

// Load parses argv (excluding the program name) into a Config. It loads a
// .env file from the working directory first, if one exists, so
// DERIBIT_CLIENT_ID / DERIBIT_CLIENT_SECRET can flow in as environment
// defaults without being passed on the command line.
func Load(argv []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	flags := pflag.NewFlagSet("deribitmm", pflag.ContinueOnError)

	flags.Bool("live", false, "use the production venue instead of the test venue")
	flags.String("client_id", "", "API client id")
	flags.String("client_secret", "", "API client secret")
	flags.String("instrument", "BTC-PERPETUAL", "instrument symbol")
	flags.String("frequency", "raw", "book update frequency")
	flags.Float64("min_depth", 0, "minimum re-quote depth band")
	flags.Float64("mid_depth", 0, "target quote depth")
	flags.Float64("max_depth", 0, "maximum re-quote depth band")
	flags.Float64("order_amount", 0, "nominal order size")
	flags.Float64("max_position_usd", 0, "position cap in USD")
	flags.StringSlice("channels", nil, "channels to subscribe (writer only)")
	flags.StringP("output", "o", "", "output file (writer only)")
	flags.Int("metrics_port", 0, "Prometheus metrics port, 0 to disable")
	flags.String("log_level", "info", "log level: debug, info, warn, error")
	configFile := flags.String("config", "", "optional YAML config file, layered under flags and env vars")

	if err := flags.Parse(argv); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}

	args := flags.Args()
	if len(args) == 0 {
		return nil, fmt.Errorf("config: missing command argument (mm or writer)")
	}

	v := viper.New()
	v.SetEnvPrefix("DERIBIT")
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", *configFile, err)
		}
	}

	cfg := &Config{
		Command:        args[0],
		Live:           v.GetBool("live"),
		ClientID:       v.GetString("client_id"),
		ClientSecret:   v.GetString("client_secret"),
		Instrument:     v.GetString("instrument"),
		Frequency:      v.GetString("frequency"),
		MinDepth:       v.GetFloat64("min_depth"),
		MidDepth:       v.GetFloat64("mid_depth"),
		MaxDepth:       v.GetFloat64("max_depth"),
		OrderAmount:    v.GetFloat64("order_amount"),
		MaxPositionUSD: v.GetFloat64("max_position_usd"),
		Channels:       v.GetStringSlice("channels"),
		Output:         v.GetString("output"),
		MetricsPort:    v.GetInt("metrics_port"),
		LogLevel:       v.GetString("log_level"),
	}

	return cfg, nil
}

// Validate checks field combinations required by the selected command.
func (c *Config) Validate() error {
	switch c.Command {
	case "mm":
		if c.Instrument == "" {
			return fmt.Errorf("config: --instrument is required")
		}
		if c.MaxPositionUSD <= 0 {
			return fmt.Errorf("config: --max_position_usd must be > 0")
		}
		if c.OrderAmount <= 0 {
			return fmt.Errorf("config: --order_amount must be > 0")
		}
	case "writer":
		if len(c.Channels) == 0 {
			return fmt.Errorf("config: --channels is required for writer")
		}
		if c.Output == "" {
			return fmt.Errorf("config: --output is required for writer")
		}
	default:
		return fmt.Errorf("config: unknown command %q, want mm or writer", c.Command)
	}
	return nil
}
