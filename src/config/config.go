package config

import (
	"fmt"
	"os"
	"strings"

	"research-confluence/src/helpers"
	"research-confluence/src/models"

	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------

// Config wraps models.MConfig and provides business logic methods
type Config struct {
	*models.MConfig
}

// -----------------------------------------------------------------------------

// NewConfig creates a new Config instance from YAML file
func NewConfig(configPath string) (*Config, error) {
	// 1. Read the YAML file content
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
	}

	// 2. Unmarshal data into the models struct
	var modelConfig models.MConfig
	if err := yaml.Unmarshal(data, &modelConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config from YAML: %w", err)
	}

	config := &Config{MConfig: &modelConfig}
	config.applyDefaults()

	// 3. Validate the loaded configuration
	if err := config.Validate(); err != nil {
		return nil, helpers.NewConfigurationError("config validation failed", err)
	}

	return config, nil
}

// -----------------------------------------------------------------------------

func (c *Config) applyDefaults() {
	if c.Oracle.TimeoutSeconds <= 0 {
		c.Oracle.TimeoutSeconds = 60
	}
	if c.Oracle.ChunkChars <= 0 {
		c.Oracle.ChunkChars = 12000
	}
	if c.Oracle.ChunkOverlapChars <= 0 {
		c.Oracle.ChunkOverlapChars = 800
	}
	if c.Pipeline.ConfirmTolerance <= 0 {
		c.Pipeline.ConfirmTolerance = 0.0025
	}
	if c.Pipeline.ZoneTolerance <= 0 {
		c.Pipeline.ZoneTolerance = 0.01
	}
	if c.Staleness.SweepIntervalMinutes <= 0 {
		c.Staleness.SweepIntervalMinutes = 60
	}
	if c.Staleness.DefaultDays <= 0 {
		c.Staleness.DefaultDays = 14
	}
	if c.Staleness.InvalidationDistance <= 0 {
		c.Staleness.InvalidationDistance = 0.15
	}
}

// -----------------------------------------------------------------------------

// Validate performs basic configuration validation.
// A malformed tracked-symbol universe aborts startup: the engine cannot
// normalize anything against an empty or ambiguous alias table.
func (c *Config) Validate() error {
	// Validate App configuration
	if c.Name == "" {
		return fmt.Errorf("application name cannot be empty")
	}

	// Validate Server configuration
	if c.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Port <= 1024 || c.Port > 65535 {
		return fmt.Errorf("invalid server port number: %d (must be between 1025 and 65535)", c.Port)
	}

	// Validate Storage configuration
	if c.Storage.DBType == "" {
		return fmt.Errorf("database type cannot be empty")
	}
	if c.Storage.DBType == "sqlite" && c.Storage.DBPath == "" {
		return fmt.Errorf("database path cannot be empty for sqlite")
	}
	if c.Storage.DBType == "postgres" && c.Storage.DBConnectionString == "" {
		return fmt.Errorf("connection string cannot be empty for postgres")
	}

	// Validate Network configuration
	if c.Network.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be greater than 0")
	}
	if c.Network.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.Network.ConcurrentRequests <= 0 {
		return fmt.Errorf("concurrent requests must be greater than 0")
	}

	// Validate Oracle configuration
	if c.Oracle.Endpoint == "" {
		return fmt.Errorf("oracle endpoint cannot be empty")
	}
	// Boundary snapping can shorten a window by up to a quarter, so an
	// overlap past half the window could step the next chunk backwards.
	if c.Oracle.ChunkOverlapChars > c.Oracle.ChunkChars/2 {
		return fmt.Errorf("chunk overlap (%d) must not exceed half the chunk size (%d)",
			c.Oracle.ChunkOverlapChars, c.Oracle.ChunkChars)
	}

	// Validate research sources
	if len(c.Sources) < 1 {
		return fmt.Errorf("at least one research source must be configured")
	}
	seenSources := make(map[string]bool)
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("source %d must have a name", i)
		}
		if seenSources[src.Name] {
			return fmt.Errorf("duplicate source name: %s", src.Name)
		}
		seenSources[src.Name] = true
		for _, ct := range src.ContentTypes {
			if !models.ValidContentType(ct) {
				return fmt.Errorf("source '%s' has unknown content type: %s", src.Name, ct)
			}
		}
	}

	// Validate tracked symbol universe
	if len(c.Symbols) == 0 {
		return fmt.Errorf("tracked symbol universe cannot be empty")
	}
	seenAliases := make(map[string]string)
	for i, ts := range c.Symbols {
		if ts.Symbol == "" {
			return fmt.Errorf("tracked symbol %d must have a ticker", i)
		}
		// The canonical ticker itself is an implicit alias
		for _, alias := range append([]string{ts.Symbol}, ts.Aliases...) {
			key := strings.ToUpper(strings.TrimSpace(alias))
			if key == "" {
				return fmt.Errorf("tracked symbol '%s' has an empty alias", ts.Symbol)
			}
			if owner, dup := seenAliases[key]; dup && owner != ts.Symbol {
				return fmt.Errorf("alias '%s' is claimed by both %s and %s", alias, owner, ts.Symbol)
			}
			seenAliases[key] = ts.Symbol
		}
	}

	return nil
}

// -----------------------------------------------------------------------------

// SourceStaleness returns the freshness threshold in days for a source,
// falling back to the global default.
func (c *Config) SourceStaleness(source string) int {
	for _, src := range c.Sources {
		if src.Name == source && src.StalenessDays > 0 {
			return src.StalenessDays
		}
	}
	return c.Staleness.DefaultDays
}

// -----------------------------------------------------------------------------

// TrackedTickers returns the canonical tickers in config order.
func (c *Config) TrackedTickers() []string {
	out := make([]string, 0, len(c.Symbols))
	for _, ts := range c.Symbols {
		out = append(out, ts.Symbol)
	}
	return out
}

