package shared

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

//go:embed application.example.yml
var exampleConf []byte

// EnvPrefix is prepended to every environment override key.
const EnvPrefix = "WAVELINE_"

// Config represents the node configuration loaded from an application.yml file.
type Config struct {
	Server                          ServerConfig    `yaml:"server" toml:"server"`
	PluginsDir                      string          `yaml:"pluginsDir" toml:"pluginsDir"`
	DefaultPluginRepository         string          `yaml:"defaultPluginRepository" toml:"defaultPluginRepository"`
	DefaultPluginSnapshotRepository string          `yaml:"defaultPluginSnapshotRepository" toml:"defaultPluginSnapshotRepository"`
	Plugins                         []PluginConfig  `yaml:"plugins" toml:"plugins"`
	Node                            NodeConfig      `yaml:"node" toml:"node"`
	Providers                       ProvidersConfig `yaml:"providers" toml:"providers"`
	LastFM                          LastFMConfig    `yaml:"lastfm" toml:"lastfm"`
	Database                        DatabaseConfig  `yaml:"database" toml:"database"`
	Metrics                         MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Sentry                          SentryConfig    `yaml:"sentry" toml:"sentry"`
	Logging                         LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address string `yaml:"address" toml:"address"`
	Port    int    `yaml:"port" toml:"port"`
	HTTP2   Toggle `yaml:"http2" toml:"http2"`
}

// Toggle is a nested `enabled` switch.
type Toggle struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// PluginConfig declares a plugin artifact as a Maven coordinate.
type PluginConfig struct {
	Dependency string `yaml:"dependency" toml:"dependency"`
	Repository string `yaml:"repository" toml:"repository"`
	Snapshot   bool   `yaml:"snapshot" toml:"snapshot"`
}

// NodeConfig contains audio node settings.
type NodeConfig struct {
	Password                 string          `yaml:"password" toml:"password"`
	Sources                  SourcesConfig   `yaml:"sources" toml:"sources"`
	Filters                  FiltersConfig   `yaml:"filters" toml:"filters"`
	BufferDurationMs         int             `yaml:"bufferDurationMs" toml:"bufferDurationMs"`
	FrameBufferDurationMs    int             `yaml:"frameBufferDurationMs" toml:"frameBufferDurationMs"`
	OpusEncodingQuality      int             `yaml:"opusEncodingQuality" toml:"opusEncodingQuality"`
	ResamplingQuality        string          `yaml:"resamplingQuality" toml:"resamplingQuality"`
	TrackStuckThresholdMs    int             `yaml:"trackStuckThresholdMs" toml:"trackStuckThresholdMs"`
	UseSeekGhosting          bool            `yaml:"useSeekGhosting" toml:"useSeekGhosting"`
	YouTubePlaylistLoadLimit int             `yaml:"youtubePlaylistLoadLimit" toml:"youtubePlaylistLoadLimit"`
	PlayerUpdateInterval     int             `yaml:"playerUpdateInterval" toml:"playerUpdateInterval"`
	YouTubeSearchEnabled     bool            `yaml:"youtubeSearchEnabled" toml:"youtubeSearchEnabled"`
	SoundCloudSearchEnabled  bool            `yaml:"soundcloudSearchEnabled" toml:"soundcloudSearchEnabled"`
	YouTubeProxyURL          string          `yaml:"youtubeProxyURL" toml:"youtubeProxyURL"`
	RateLimit                RateLimitConfig `yaml:"ratelimit" toml:"ratelimit"`
	HTTPConfig               HTTPConfig      `yaml:"httpConfig" toml:"httpConfig"`
}

// SourcesConfig toggles the built-in source managers.
type SourcesConfig struct {
	YouTube    bool `yaml:"youtube" toml:"youtube"`
	Bandcamp   bool `yaml:"bandcamp" toml:"bandcamp"`
	SoundCloud bool `yaml:"soundcloud" toml:"soundcloud"`
	Twitch     bool `yaml:"twitch" toml:"twitch"`
	Vimeo      bool `yaml:"vimeo" toml:"vimeo"`
	HTTP       bool `yaml:"http" toml:"http"`
	Local      bool `yaml:"local" toml:"local"`
}

// FiltersConfig toggles the audio filters clients may apply.
type FiltersConfig struct {
	Volume     bool `yaml:"volume" toml:"volume"`
	Equalizer  bool `yaml:"equalizer" toml:"equalizer"`
	Karaoke    bool `yaml:"karaoke" toml:"karaoke"`
	Timescale  bool `yaml:"timescale" toml:"timescale"`
	Tremolo    bool `yaml:"tremolo" toml:"tremolo"`
	Vibrato    bool `yaml:"vibrato" toml:"vibrato"`
	Distortion bool `yaml:"distortion" toml:"distortion"`
	Rotation   bool `yaml:"rotation" toml:"rotation"`
	ChannelMix bool `yaml:"channelMix" toml:"channelMix"`
	LowPass    bool `yaml:"lowPass" toml:"lowPass"`
}

// Enabled returns the names of enabled filters in wire order.
func (f FiltersConfig) Enabled() []string {
	var names []string
	for _, entry := range []struct {
		name string
		on   bool
	}{
		{"volume", f.Volume}, {"equalizer", f.Equalizer}, {"karaoke", f.Karaoke},
		{"timescale", f.Timescale}, {"tremolo", f.Tremolo}, {"vibrato", f.Vibrato},
		{"distortion", f.Distortion}, {"rotation", f.Rotation}, {"channelMix", f.ChannelMix},
		{"lowPass", f.LowPass},
	} {
		if entry.on {
			names = append(names, entry.name)
		}
	}
	return names
}

// RateLimitConfig configures the outbound route planner.
//
// An empty IPBlocks list disables the route planner.
type RateLimitConfig struct {
	IPBlocks           []string `yaml:"ipBlocks" toml:"ipBlocks"`
	ExcludedIPs        []string `yaml:"excludedIps" toml:"excludedIps"`
	Strategy           string   `yaml:"strategy" toml:"strategy"`
	SearchTriggersFail bool     `yaml:"searchTriggersFail" toml:"searchTriggersFail"`
	RetryLimit         int      `yaml:"retryLimit" toml:"retryLimit"`
}

// HTTPConfig configures an outbound HTTP proxy.
type HTTPConfig struct {
	ProxyHost     string `yaml:"proxyHost" toml:"proxyHost"`
	ProxyPort     int    `yaml:"proxyPort" toml:"proxyPort"`
	ProxyUser     string `yaml:"proxyUser" toml:"proxyUser"`
	ProxyPassword string `yaml:"proxyPassword" toml:"proxyPassword"`
}

// ProvidersConfig contains third-party source integrations whose tracks are mirrored.
type ProvidersConfig struct {
	Providers  []string              `yaml:"providers" toml:"providers"`
	Sources    ProviderSourcesConfig `yaml:"sources" toml:"sources"`
	Spotify    SpotifyConfig         `yaml:"spotify" toml:"spotify"`
	AppleMusic AppleMusicConfig      `yaml:"applemusic" toml:"applemusic"`
	Deezer     DeezerConfig          `yaml:"deezer" toml:"deezer"`
}

// ProviderSourcesConfig toggles mirrored sources.
type ProviderSourcesConfig struct {
	Spotify    bool `yaml:"spotify" toml:"spotify"`
	AppleMusic bool `yaml:"applemusic" toml:"applemusic"`
	Deezer     bool `yaml:"deezer" toml:"deezer"`
}

// SpotifyConfig contains Spotify API credentials.
type SpotifyConfig struct {
	ClientID          string  `yaml:"clientId" toml:"clientId"`
	ClientSecret      string  `yaml:"clientSecret" toml:"clientSecret"`
	CountryCode       string  `yaml:"countryCode" toml:"countryCode"`
	PlaylistLoadLimit int     `yaml:"playlistLoadLimit" toml:"playlistLoadLimit"`
	AlbumLoadLimit    int     `yaml:"albumLoadLimit" toml:"albumLoadLimit"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond" toml:"requestsPerSecond"`
}

// AppleMusicConfig contains Apple Music catalog credentials.
type AppleMusicConfig struct {
	CountryCode       string `yaml:"countryCode" toml:"countryCode"`
	MediaAPIToken     string `yaml:"mediaAPIToken" toml:"mediaAPIToken"`
	PlaylistLoadLimit int    `yaml:"playlistLoadLimit" toml:"playlistLoadLimit"`
	AlbumLoadLimit    int    `yaml:"albumLoadLimit" toml:"albumLoadLimit"`
}

// DeezerConfig contains Deezer settings.
type DeezerConfig struct {
	MasterDecryptionKey string `yaml:"masterDecryptionKey" toml:"masterDecryptionKey"`
}

// LastFMConfig contains last.fm API credentials used for scrobbling.
type LastFMConfig struct {
	APIKey    string `yaml:"apiKey" toml:"apiKey"`
	APISecret string `yaml:"apiSecret" toml:"apiSecret"`
}

// Enabled reports whether both key and secret are present.
func (c LastFMConfig) Enabled() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path         string `yaml:"path" toml:"path"`
	MaxOpenConns int    `yaml:"maxOpenConns" toml:"maxOpenConns"`
	MaxIdleConns int    `yaml:"maxIdleConns" toml:"maxIdleConns"`
}

// MetricsConfig contains metrics export settings.
type MetricsConfig struct {
	Prometheus PrometheusConfig `yaml:"prometheus" toml:"prometheus"`
}

// PrometheusConfig toggles the Prometheus endpoint.
type PrometheusConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
}

// SentryConfig contains error-reporting settings.
type SentryConfig struct {
	DSN         string `yaml:"dsn" toml:"dsn"`
	Environment string `yaml:"environment" toml:"environment"`
}

// LoggingConfig contains log output and request logging settings.
type LoggingConfig struct {
	File    LogFileConfig    `yaml:"file" toml:"file"`
	Level   LogLevelConfig   `yaml:"level" toml:"level"`
	Request RequestLogConfig `yaml:"request" toml:"request"`
	Logback LogbackConfig    `yaml:"logback" toml:"logback"`
}

// LogFileConfig sets the directory log files are written to.
type LogFileConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LogLevelConfig sets log levels.
type LogLevelConfig struct {
	Root string `yaml:"root" toml:"root"`
	Node string `yaml:"node" toml:"node"`
}

// RequestLogConfig controls the request logging middleware.
type RequestLogConfig struct {
	Enabled            bool `yaml:"enabled" toml:"enabled"`
	IncludeClientInfo  bool `yaml:"includeClientInfo" toml:"includeClientInfo"`
	IncludeHeaders     bool `yaml:"includeHeaders" toml:"includeHeaders"`
	IncludeQueryString bool `yaml:"includeQueryString" toml:"includeQueryString"`
	IncludePayload     bool `yaml:"includePayload" toml:"includePayload"`
	MaxPayloadLength   int  `yaml:"maxPayloadLength" toml:"maxPayloadLength"`
}

// LogbackConfig holds rotation settings.
type LogbackConfig struct {
	RollingPolicy RollingPolicyConfig `yaml:"rollingpolicy" toml:"rollingpolicy"`
}

// RollingPolicyConfig caps log file size and retention.
type RollingPolicyConfig struct {
	MaxFileSize string `yaml:"maxFileSize" toml:"maxFileSize"`
	MaxHistory  int    `yaml:"maxHistory" toml:"maxHistory"`
}

// LoadConfig reads and parses a configuration file from the specified path.
//
// The file is layered over [DefaultConfig], then environment overrides are applied and the result is validated.
// Files ending in .toml are decoded as TOML; everything else as YAML.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := decodeConfig(path, data, config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrInvalidConfig, err)
	}

	config.ApplyEnv(os.LookupEnv)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func decodeConfig(path string, data []byte, config *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), config)
		return err
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	}
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := yaml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates an application.yml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Address, strconv.Itoa(c.Server.Port))
}

// ApplyEnv overrides secrets and bind settings from WAVELINE_-prefixed variables.
//
// lookup is usually [os.LookupEnv].
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}

	str("SERVER_ADDRESS", &c.Server.Address)
	if v, ok := lookup(EnvPrefix + "SERVER_PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	str("NODE_PASSWORD", &c.Node.Password)
	str("SPOTIFY_CLIENT_ID", &c.Providers.Spotify.ClientID)
	str("SPOTIFY_CLIENT_SECRET", &c.Providers.Spotify.ClientSecret)
	str("APPLEMUSIC_MEDIA_API_TOKEN", &c.Providers.AppleMusic.MediaAPIToken)
	str("DEEZER_MASTER_DECRYPTION_KEY", &c.Providers.Deezer.MasterDecryptionKey)
	str("SENTRY_DSN", &c.Sentry.DSN)
	str("LASTFM_API_KEY", &c.LastFM.APIKey)
	str("LASTFM_API_SECRET", &c.LastFM.APISecret)
}

var routePlannerStrategies = map[string]bool{
	"RotateOnBan":        true,
	"LoadBalance":        true,
	"NanoSwitch":         true,
	"RotatingNanoSwitch": true,
}

// Validate checks value ranges that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	if c.Node.OpusEncodingQuality < 0 || c.Node.OpusEncodingQuality > 10 {
		add("node.opusEncodingQuality %d must be between 0 and 10", c.Node.OpusEncodingQuality)
	}
	switch strings.ToUpper(c.Node.ResamplingQuality) {
	case "LOW", "MEDIUM", "HIGH":
	default:
		add("node.resamplingQuality %q must be LOW, MEDIUM or HIGH", c.Node.ResamplingQuality)
	}
	if c.Node.BufferDurationMs <= 0 {
		add("node.bufferDurationMs must be positive")
	}
	if c.Node.FrameBufferDurationMs <= 0 {
		add("node.frameBufferDurationMs must be positive")
	}
	if c.Node.PlayerUpdateInterval < 1 {
		add("node.playerUpdateInterval must be at least 1")
	}
	if c.Node.TrackStuckThresholdMs <= 0 {
		add("node.trackStuckThresholdMs must be positive")
	}

	for i, p := range c.Plugins {
		if parts := strings.Split(p.Dependency, ":"); len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			add("plugins[%d].dependency %q must be group:artifact:version", i, p.Dependency)
		}
	}

	rl := c.Node.RateLimit
	if len(rl.IPBlocks) > 0 {
		if !routePlannerStrategies[rl.Strategy] {
			add("node.ratelimit.strategy %q is unknown", rl.Strategy)
		}
		for _, block := range rl.IPBlocks {
			if _, _, err := net.ParseCIDR(block); err != nil {
				add("node.ratelimit.ipBlocks entry %q is not a CIDR", block)
			}
		}
	}

	if c.Metrics.Prometheus.Enabled && !strings.HasPrefix(c.Metrics.Prometheus.Endpoint, "/") {
		add("metrics.prometheus.endpoint must start with /")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
