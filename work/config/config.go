package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// DefaultConfigPath is the location read when IPTV_HUB_CONFIG is not set.
const DefaultConfigPath = "/settings/config.json"

// Config holds all runtime settings for the aggregation hub: merge tuning, health
// monitoring, multiplexer sizing and the list of upstream providers. Durations are
// already parsed; the on-disk representation lives in ConfigFile.
type Config struct {
	ListenPort            int            `json:"listenPort"`            // HTTP listen port
	DatabasePath          string         `json:"databasePath"`          // SQLite database file
	LogLevel              string         `json:"logLevel"`              // DEBUG, INFO, WARN or ERROR
	ObfuscateUrls         bool           `json:"obfuscateUrls"`         // Mask stream URLs in logs
	UserAgent             string         `json:"userAgent"`             // Default upstream User-Agent
	ReqOrigin             string         `json:"reqOrigin"`             // Default upstream Origin header
	ReqReferrer           string         `json:"reqReferrer"`           // Default upstream Referer header
	WorkerThreads         int            `json:"workerThreads"`         // Ingestion worker pool size
	ImportRefreshInterval time.Duration  `json:"importRefreshInterval"` // Provider sync interval
	FuzzyThreshold        int            `json:"fuzzyThreshold"`        // Minimum similarity for a fuzzy merge
	Health                HealthConfig   `json:"health"`                // Health monitor settings
	Stream                StreamConfig   `json:"stream"`                // Multiplexer settings
	Probe                 ProbeConfig    `json:"probe"`                 // Quality probe settings
	Sources               []SourceConfig `json:"sources"`               // Upstream providers
}

// HealthConfig tunes the stream health monitor.
type HealthConfig struct {
	Enabled          bool          `json:"enabled"`          // Run the recurring schedule
	Interval         time.Duration `json:"interval"`         // Time between scheduled runs
	FailureThreshold int           `json:"failureThreshold"` // Consecutive failures before deactivation
	MaxConcurrent    int           `json:"maxConcurrent"`    // Probes in flight at once
	ProbeTimeout     time.Duration `json:"probeTimeout"`     // Per-probe deadline
	RatePerProvider  int           `json:"ratePerProvider"`  // Probes per second per provider
	IncludeInactive  bool          `json:"includeInactive"`  // Probe deactivated variants so they can recover
}

// StreamConfig sizes the shared stream multiplexer.
type StreamConfig struct {
	ConnectTimeout   time.Duration `json:"connectTimeout"`   // Upstream dial timeout
	ReadTimeout      time.Duration `json:"readTimeout"`      // Max wait for headers or the next chunk
	ChunkSize        int           `json:"chunkSize"`        // Upstream read size in bytes
	QueueSize        int           `json:"queueSize"`        // Per-session chunk queue length
	SubscriberBuffer int           `json:"subscriberBuffer"` // Per-subscriber channel length
	IdleGrace        time.Duration `json:"idleGrace"`        // Zero-subscriber keep-warm period
	ReapInterval     time.Duration `json:"reapInterval"`     // Reaper scan period
	WriteTimeout     time.Duration `json:"writeTimeout"`     // Per-write deadline toward players
	PlaylistPoll     time.Duration `json:"playlistPoll"`     // HLS media playlist refresh period
	SessionLimitMbps float64       `json:"sessionLimitMbps"` // Per-session upstream cap, 0 = unlimited
	GlobalLimitMbps  float64       `json:"globalLimitMbps"`  // Cap across all sessions, 0 = unlimited
}

// ProbeConfig controls external resolution probing.
type ProbeConfig struct {
	Enabled   bool          `json:"enabled"`   // Probe HLS masters when name/url detection fails
	CacheTTL  time.Duration `json:"cacheTTL"`  // Lifetime of cached probe results
	CacheSize int           `json:"cacheSize"` // Maximum cached probe results
}

// SourceConfig describes one upstream provider.
type SourceConfig struct {
	Name             string `json:"name"`                       // Provider display name
	Kind             string `json:"kind"`                       // "m3u" or "xtream"
	URL              string `json:"url"`                        // Playlist URL or Xtream base URL
	Username         string `json:"username"`                   // Xtream username
	Password         string `json:"password"`                   // Xtream password
	UserAgent        string `json:"userAgent"`                  // Per-provider User-Agent override
	ReqOrigin        string `json:"reqOrigin"`                  // Per-provider Origin override
	ReqReferrer      string `json:"reqReferrer"`                // Per-provider Referer override
	LiveIncludeRegex string `json:"liveIncludeRegex,omitempty"` // Keep only names matching
	LiveExcludeRegex string `json:"liveExcludeRegex,omitempty"` // Drop names matching
	IncludeSeries    bool   `json:"includeSeries"`              // Keep entries classified as 24/7 or series
	IncludeVOD       bool   `json:"includeVod"`                 // Keep entries classified as movies
	Disabled         bool   `json:"disabled"`                   // Skip during sync
}

// ConfigFile is the JSON layout of the settings file. Durations are strings such
// as "30s" or "24h" and are parsed by convertFromFile.
type ConfigFile struct {
	ListenPort            int              `json:"listenPort"`
	DatabasePath          string           `json:"databasePath"`
	LogLevel              string           `json:"logLevel"`
	ObfuscateUrls         bool             `json:"obfuscateUrls"`
	UserAgent             string           `json:"userAgent"`
	ReqOrigin             string           `json:"reqOrigin"`
	ReqReferrer           string           `json:"reqReferrer"`
	WorkerThreads         int              `json:"workerThreads"`
	ImportRefreshInterval string           `json:"importRefreshInterval"`
	FuzzyThreshold        int              `json:"fuzzyThreshold"`
	Health                HealthConfigFile `json:"health"`
	Stream                StreamConfigFile `json:"stream"`
	Probe                 ProbeConfigFile  `json:"probe"`
	Sources               []SourceConfig   `json:"sources"`
}

// HealthConfigFile is the JSON form of HealthConfig.
type HealthConfigFile struct {
	Enabled          bool   `json:"enabled"`
	Interval         string `json:"interval"`
	FailureThreshold int    `json:"failureThreshold"`
	MaxConcurrent    int    `json:"maxConcurrent"`
	ProbeTimeout     string `json:"probeTimeout"`
	RatePerProvider  int    `json:"ratePerProvider"`
	IncludeInactive  bool   `json:"includeInactive"`
}

// StreamConfigFile is the JSON form of StreamConfig.
type StreamConfigFile struct {
	ConnectTimeout   string  `json:"connectTimeout"`
	ReadTimeout      string  `json:"readTimeout"`
	ChunkSize        int     `json:"chunkSize"`
	QueueSize        int     `json:"queueSize"`
	SubscriberBuffer int     `json:"subscriberBuffer"`
	IdleGrace        string  `json:"idleGrace"`
	ReapInterval     string  `json:"reapInterval"`
	WriteTimeout     string  `json:"writeTimeout"`
	PlaylistPoll     string  `json:"playlistPoll"`
	SessionLimitMbps float64 `json:"sessionLimitMbps"`
	GlobalLimitMbps  float64 `json:"globalLimitMbps"`
}

// ProbeConfigFile is the JSON form of ProbeConfig.
type ProbeConfigFile struct {
	Enabled   bool   `json:"enabled"`
	CacheTTL  string `json:"cacheTTL"`
	CacheSize int    `json:"cacheSize"`
}

var (
	configCache *Config
	configMutex sync.RWMutex
)

// LoadConfig returns the process configuration, reading it on first use.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Reads the file named by IPTV_HUB_CONFIG, else DefaultConfigPath.
//   - Falls back to defaults if the file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	configPath := Path()
	cfg, err := LoadFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		cfg = getDefaultConfig()
		validateAndSetDefaults(cfg)
	}

	configCache = cfg
	return cfg
}

// Path is the settings file location: IPTV_HUB_CONFIG, else DefaultConfigPath.
func Path() string {
	if p := os.Getenv("IPTV_HUB_CONFIG"); p != "" {
		return p
	}
	return DefaultConfigPath
}

// LoadFile reads, converts and validates a settings file without touching the
// process-wide cache.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse converts raw JSON settings into a validated Config.
func Parse(data []byte) (*Config, error) {
	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	cfg, err := convertFromFile(&configFile)
	if err != nil {
		return nil, err
	}
	validateAndSetDefaults(cfg)
	return cfg, nil
}

// parseDuration treats an empty string as "unset" so validation can apply the default.
func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return d, nil
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	cfg := &Config{
		ListenPort:     cf.ListenPort,
		DatabasePath:   cf.DatabasePath,
		LogLevel:       cf.LogLevel,
		ObfuscateUrls:  cf.ObfuscateUrls,
		UserAgent:      cf.UserAgent,
		ReqOrigin:      cf.ReqOrigin,
		ReqReferrer:    cf.ReqReferrer,
		WorkerThreads:  cf.WorkerThreads,
		FuzzyThreshold: cf.FuzzyThreshold,
		Health: HealthConfig{
			Enabled:          cf.Health.Enabled,
			FailureThreshold: cf.Health.FailureThreshold,
			MaxConcurrent:    cf.Health.MaxConcurrent,
			RatePerProvider:  cf.Health.RatePerProvider,
			IncludeInactive:  cf.Health.IncludeInactive,
		},
		Stream: StreamConfig{
			ChunkSize:        cf.Stream.ChunkSize,
			QueueSize:        cf.Stream.QueueSize,
			SubscriberBuffer: cf.Stream.SubscriberBuffer,
			SessionLimitMbps: cf.Stream.SessionLimitMbps,
			GlobalLimitMbps:  cf.Stream.GlobalLimitMbps,
		},
		Probe: ProbeConfig{
			Enabled:   cf.Probe.Enabled,
			CacheSize: cf.Probe.CacheSize,
		},
		Sources: append([]SourceConfig(nil), cf.Sources...),
	}

	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"importRefreshInterval", cf.ImportRefreshInterval, &cfg.ImportRefreshInterval},
		{"health.interval", cf.Health.Interval, &cfg.Health.Interval},
		{"health.probeTimeout", cf.Health.ProbeTimeout, &cfg.Health.ProbeTimeout},
		{"stream.connectTimeout", cf.Stream.ConnectTimeout, &cfg.Stream.ConnectTimeout},
		{"stream.readTimeout", cf.Stream.ReadTimeout, &cfg.Stream.ReadTimeout},
		{"stream.idleGrace", cf.Stream.IdleGrace, &cfg.Stream.IdleGrace},
		{"stream.reapInterval", cf.Stream.ReapInterval, &cfg.Stream.ReapInterval},
		{"stream.writeTimeout", cf.Stream.WriteTimeout, &cfg.Stream.WriteTimeout},
		{"stream.playlistPoll", cf.Stream.PlaylistPoll, &cfg.Stream.PlaylistPoll},
		{"probe.cacheTTL", cf.Probe.CacheTTL, &cfg.Probe.CacheTTL},
	}
	for _, d := range durations {
		parsed, err := parseDuration(d.field, d.value)
		if err != nil {
			return nil, err
		}
		*d.dst = parsed
	}

	return cfg, nil
}

// getDefaultConfig returns a baseline configuration used when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		ListenPort:            8080,
		DatabasePath:          "/settings/iptv-hub.db",
		LogLevel:              "INFO",
		UserAgent:             "VLC/3.0.18 LibVLC/3.0.18",
		WorkerThreads:         8,
		ImportRefreshInterval: 12 * time.Hour,
		FuzzyThreshold:        85,
		Health: HealthConfig{
			Enabled:          true,
			Interval:         24 * time.Hour,
			FailureThreshold: 3,
			MaxConcurrent:    50,
			ProbeTimeout:     15 * time.Second,
			RatePerProvider:  20,
			IncludeInactive:  true,
		},
		Stream: StreamConfig{
			ConnectTimeout:   10 * time.Second,
			ReadTimeout:      30 * time.Second,
			ChunkSize:        8192,
			QueueSize:        100,
			SubscriberBuffer: 64,
			IdleGrace:        60 * time.Second,
			ReapInterval:     30 * time.Second,
			WriteTimeout:     10 * time.Second,
			PlaylistPoll:     2 * time.Second,
		},
		Probe: ProbeConfig{
			Enabled:   true,
			CacheTTL:  6 * time.Hour,
			CacheSize: 10000,
		},
		Sources: []SourceConfig{},
	}
}

// Default returns a validated default configuration.
func Default() *Config {
	cfg := getDefaultConfig()
	validateAndSetDefaults(cfg)
	return cfg
}

// validateAndSetDefaults fills in defaults for missing or invalid values.
func validateAndSetDefaults(cfg *Config) {
	def := getDefaultConfig()

	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		cfg.ListenPort = def.ListenPort
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = def.DatabasePath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = def.WorkerThreads
	}
	if cfg.ImportRefreshInterval <= 0 {
		cfg.ImportRefreshInterval = def.ImportRefreshInterval
	}
	if cfg.FuzzyThreshold <= 0 || cfg.FuzzyThreshold > 100 {
		cfg.FuzzyThreshold = def.FuzzyThreshold
	}

	h := &cfg.Health
	if h.Interval <= 0 {
		h.Interval = def.Health.Interval
	}
	if h.FailureThreshold <= 0 {
		h.FailureThreshold = def.Health.FailureThreshold
	}
	if h.MaxConcurrent <= 0 {
		h.MaxConcurrent = def.Health.MaxConcurrent
	}
	if h.ProbeTimeout <= 0 {
		h.ProbeTimeout = def.Health.ProbeTimeout
	}
	if h.RatePerProvider <= 0 {
		h.RatePerProvider = def.Health.RatePerProvider
	}

	s := &cfg.Stream
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = def.Stream.ConnectTimeout
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = def.Stream.ReadTimeout
	}
	if s.ChunkSize <= 0 {
		s.ChunkSize = def.Stream.ChunkSize
	}
	if s.QueueSize <= 0 {
		s.QueueSize = def.Stream.QueueSize
	}
	if s.SubscriberBuffer <= 0 {
		s.SubscriberBuffer = def.Stream.SubscriberBuffer
	}
	if s.IdleGrace <= 0 {
		s.IdleGrace = def.Stream.IdleGrace
	}
	if s.ReapInterval <= 0 {
		s.ReapInterval = def.Stream.ReapInterval
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = def.Stream.WriteTimeout
	}
	if s.PlaylistPoll <= 0 {
		s.PlaylistPoll = def.Stream.PlaylistPoll
	}
	if s.SessionLimitMbps < 0 {
		s.SessionLimitMbps = 0
	}
	if s.GlobalLimitMbps < 0 {
		s.GlobalLimitMbps = 0
	}

	p := &cfg.Probe
	if p.CacheTTL <= 0 {
		p.CacheTTL = def.Probe.CacheTTL
	}
	if p.CacheSize <= 0 {
		p.CacheSize = def.Probe.CacheSize
	}

	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if src.Name == "" {
			src.Name = fmt.Sprintf("Source_%d", i+1)
		}
		if src.Kind == "" {
			if src.Username != "" && src.Password != "" {
				src.Kind = "xtream"
			} else {
				src.Kind = "m3u"
			}
		}
	}
}

// GetSourceByName returns the provider with the given name, or nil.
func (c *Config) GetSourceByName(name string) *SourceConfig {
	for i := range c.Sources {
		if c.Sources[i].Name == name {
			return &c.Sources[i]
		}
	}
	return nil
}

// ClearConfigCache forces the next LoadConfig call to re-read the file.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}
