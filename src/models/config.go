package models

// MConfig Structure
type MConfig struct {
	Name      string           `yaml:"name"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	LogLevel  string           `yaml:"log_level"`
	Storage   MStorageConfig   `yaml:"storage"`
	Network   MNetworkConfig   `yaml:"network"`
	Oracle    MOracleConfig    `yaml:"oracle"`
	Sources   []MSourceConfig  `yaml:"sources"`
	Symbols   []MTrackedSymbol `yaml:"tracked_symbols"`
	Pipeline  MPipelineConfig  `yaml:"pipeline"`
	Staleness MStalenessConfig `yaml:"staleness"`
}

type MStorageConfig struct {
	DBType             string `yaml:"db_type"`
	DBPath             string `yaml:"db_path"`
	DBConnectionString string `yaml:"db_connection_string"`
}

type MNetworkConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Proxies            []string `yaml:"proxies"`
	RequestTimeout     int      `yaml:"timeout"`
	MaxRetries         int      `yaml:"retries"`
	ConcurrentRequests int      `yaml:"concurrent_requests"`
	UserAgent          string   `yaml:"user_agent"`
}

// MOracleConfig points at the external extraction endpoint.
type MOracleConfig struct {
	Endpoint          string `yaml:"endpoint"`
	APIKey            string `yaml:"api_key"` // Optional
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	ChunkChars        int    `yaml:"chunk_chars"`         // split text longer than this
	ChunkOverlapChars int    `yaml:"chunk_overlap_chars"` // overlap between adjacent chunks
}

// MSourceConfig describes one independent research source.
type MSourceConfig struct {
	Name          string   `yaml:"name"`
	ContentTypes  []string `yaml:"content_types"`
	StalenessDays int      `yaml:"staleness_days"` // 0 = use staleness.default_days
}

// MTrackedSymbol maps aliases onto a canonical ticker.
type MTrackedSymbol struct {
	Symbol  string   `yaml:"symbol"`
	Aliases []string `yaml:"aliases"`
}

// MPipelineConfig tunes validation/aggregation/confluence behavior.
type MPipelineConfig struct {
	ConfirmTolerance float64 `yaml:"confirm_tolerance"` // same-level dedup tolerance, fraction of price
	ZoneTolerance    float64 `yaml:"zone_tolerance"`    // zone overlap slack for confluence, fraction of price
}

// MStalenessConfig tunes the staleness monitor.
type MStalenessConfig struct {
	SweepIntervalMinutes int     `yaml:"sweep_interval_minutes"`
	DefaultDays          int     `yaml:"default_days"`
	InvalidationDistance float64 `yaml:"invalidation_distance"` // fraction of spot for the price sweep
	PriceFeedEnabled     bool    `yaml:"price_feed_enabled"`
}
