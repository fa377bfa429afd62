package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the blockcleard service configuration.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	ChainID       uint64 `toml:"ChainID"`
	Environment   string `toml:"Environment"`

	// AuthSecret, when set, requires HS256 bearer tokens on mutating RPC
	// endpoints.
	AuthSecret   string  `toml:"AuthSecret"`
	RateLimitRPS float64 `toml:"RateLimitRPS"`

	LogFile       string `toml:"LogFile"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`

	Dispatch  DispatchConfig  `toml:"Dispatch"`
	Telemetry TelemetryConfig `toml:"Telemetry"`
}

// DispatchConfig configures the notification gateway.
type DispatchConfig struct {
	Target         string  `toml:"Target"`
	TimeoutSeconds int     `toml:"TimeoutSeconds"`
	DrainSeconds   int     `toml:"DrainSeconds"`
	MaxAttempts    uint32  `toml:"MaxAttempts"`
	RatePerSecond  float64 `toml:"RatePerSecond"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
}

const defaultConfig = `# blockcleard configuration
ListenAddress = ":8645"
DataDir = "./blockclear-data"
ChainID = 1
Environment = "dev"
RateLimitRPS = 50.0

[Dispatch]
Target = ""
TimeoutSeconds = 10
DrainSeconds = 30
MaxAttempts = 10
RatePerSecond = 5.0

[Telemetry]
Endpoint = ""
Insecure = true
Traces = false
Metrics = false
`

// Load reads the configuration from path, writing a commented default when
// the file does not exist yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return nil, err
		}
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants a running service depends on.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir required")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("config: ChainID required")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("config: RateLimitRPS must be non-negative")
	}
	return nil
}

func createDefault(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(defaultConfig), 0o644)
}
