package shared

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	t.Run("DefaultConfig", func(t *testing.T) {
		config := DefaultConfig()

		assert.Equal(t, "./waveline.db", config.Database.Path)
		assert.Equal(t, 2333, config.Server.Port)
		assert.Equal(t, "youshallnotpass", config.Node.Password)
		assert.Equal(t, "http://127.0.0.1:8080", config.Node.YouTubeProxyURL)

		require.Len(t, config.Providers.Providers, 2)
		assert.Equal(t, `ytsearch:"%ISRC%"`, config.Providers.Providers[0])

		assert.NoError(t, config.Validate(), "default config should be valid")
	})

	t.Run("CreateConfigFile", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "application.yml")

		require.NoError(t, CreateConfigFile(configPath))
		require.FileExists(t, configPath)

		config, err := LoadConfig(configPath)
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().Database.Path, config.Database.Path)

		assert.Error(t, CreateConfigFile(configPath), "creating config file again should fail")
	})

	t.Run("LoadConfig YAML", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "application.yml")

		testConfig := `server:
  port: 8080
node:
  password: "secret"
  resamplingQuality: HIGH
  ratelimit:
    ipBlocks: ["2001:db8::/48"]
    strategy: RotatingNanoSwitch
plugins:
  - dependency: "dev.example:demo-plugin:1.2.3"
    snapshot: true
`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		config, err := LoadConfig(configPath)
		require.NoError(t, err)

		assert.Equal(t, 8080, config.Server.Port)
		assert.Equal(t, "0.0.0.0", config.Server.Address, "unset keys should keep defaults")
		assert.Equal(t, "HIGH", config.Node.ResamplingQuality)
		require.Len(t, config.Plugins, 1)
		assert.True(t, config.Plugins[0].Snapshot)
		assert.Equal(t, "RotatingNanoSwitch", config.Node.RateLimit.Strategy)
	})

	t.Run("LoadConfig TOML", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "application.toml")

		testConfig := `[database]
path = "/custom/path.db"
maxOpenConns = 20

[server]
address = "127.0.0.1"
port = 9090

[providers.spotify]
clientId = "test_client_id"
clientSecret = "test_secret"
`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		config, err := LoadConfig(configPath)
		require.NoError(t, err)

		assert.Equal(t, "/custom/path.db", config.Database.Path)
		assert.Equal(t, "127.0.0.1:9090", config.Addr())
		assert.Equal(t, "test_client_id", config.Providers.Spotify.ClientID)
	})

	t.Run("LoadConfig missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
		assert.Error(t, err)
	})

	t.Run("ApplyEnv", func(t *testing.T) {
		env := map[string]string{
			"WAVELINE_NODE_PASSWORD":     "from-env",
			"WAVELINE_SERVER_PORT":       "4000",
			"WAVELINE_SPOTIFY_CLIENT_ID": "env-client",
			"WAVELINE_LASTFM_API_KEY":    "key",
			"WAVELINE_LASTFM_API_SECRET": "secret",
			"WAVELINE_SERVER_ADDRESS":    "",
		}
		lookup := func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		}

		config := DefaultConfig()
		config.ApplyEnv(lookup)

		assert.Equal(t, "from-env", config.Node.Password)
		assert.Equal(t, 4000, config.Server.Port)
		assert.Equal(t, "0.0.0.0", config.Server.Address, "empty override should be ignored")
		assert.Equal(t, "env-client", config.Providers.Spotify.ClientID)
		assert.True(t, config.LastFM.Enabled())
	})

	t.Run("Validate", func(t *testing.T) {
		tests := []struct {
			name   string
			mutate func(*Config)
			want   string
		}{
			{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
			{"opus quality", func(c *Config) { c.Node.OpusEncodingQuality = 11 }, "opusEncodingQuality"},
			{"resampling", func(c *Config) { c.Node.ResamplingQuality = "ULTRA" }, "resamplingQuality"},
			{"buffer", func(c *Config) { c.Node.BufferDurationMs = 0 }, "bufferDurationMs"},
			{"update interval", func(c *Config) { c.Node.PlayerUpdateInterval = 0 }, "playerUpdateInterval"},
			{"plugin coordinate", func(c *Config) {
				c.Plugins = []PluginConfig{{Dependency: "group:artifact"}}
			}, "plugins[0]"},
			{"strategy", func(c *Config) {
				c.Node.RateLimit = RateLimitConfig{IPBlocks: []string{"10.0.0.0/8"}, Strategy: "Random"}
			}, "strategy"},
			{"cidr", func(c *Config) {
				c.Node.RateLimit = RateLimitConfig{IPBlocks: []string{"10.0.0.0"}, Strategy: "LoadBalance"}
			}, "CIDR"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				config := DefaultConfig()
				tt.mutate(config)

				err := config.Validate()
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidConfig)
				assert.Contains(t, err.Error(), tt.want)
			})
		}
	})

	t.Run("FiltersConfig Enabled", func(t *testing.T) {
		f := FiltersConfig{Volume: true, LowPass: true}
		assert.Equal(t, []string{"volume", "lowPass"}, f.Enabled())
	})
}
