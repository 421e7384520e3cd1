package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_ValidYAML(t *testing.T) {
	content := `
database_url: postgres://revalidate@localhost/revalidate
port: 9090
distros:
  - alpine
  - noble
catalog:
  login: bot
  password: secret
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(content), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "postgres://revalidate@localhost/revalidate", cfg.DatabaseURL)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, []string{"alpine", "noble"}, cfg.Distros)
	assert.Equal(t, "bot", cfg.Catalog.Login)
}

func TestLoadConfig_ValidJSON(t *testing.T) {
	content := `{"in_memory": true, "queue_capacity": 3, "verbose": true}`

	tmpFile := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(tmpFile, []byte(content), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)
	assert.True(t, cfg.InMemory)
	assert.Equal(t, 3, cfg.QueueCapacity)
	assert.True(t, cfg.Verbose)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("port: [not, a, number]"), 0644))

	cfg, err := LoadConfig(tmpFile)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "config path is empty")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults with database", mutate: func(c *Config) { c.DatabaseURL = "postgres://x" }},
		{name: "in memory needs no database", mutate: func(c *Config) { c.InMemory = true }},
		{name: "missing database", mutate: func(c *Config) {}, wantErr: "DatabaseURL"},
		{name: "bad port", mutate: func(c *Config) { c.InMemory = true; c.Port = 70000 }, wantErr: "Port"},
		{name: "bad host", mutate: func(c *Config) { c.InMemory = true; c.CloudHost = "not a url" }, wantErr: "CloudHost"},
		{name: "empty distro", mutate: func(c *Config) { c.InMemory = true; c.Distros = []string{"alpine", ""} }, wantErr: "Distros"},
		{name: "duplicate distro", mutate: func(c *Config) { c.InMemory = true; c.Distros = []string{"alpine", "alpine"} }, wantErr: "listed twice"},
		{name: "login without password", mutate: func(c *Config) { c.InMemory = true; c.Catalog.Login = "bot" }, wantErr: "Password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMergeWithDefaults(t *testing.T) {
	cfg := &Config{Port: 9090, Distros: []string{"alpine"}}
	merged := cfg.MergeWithDefaults(Defaults())

	assert.Equal(t, 9090, merged.Port)
	assert.Equal(t, []string{"alpine"}, merged.Distros)
	assert.Equal(t, "docker", merged.Docker)
	assert.Equal(t, "bigbang1112/mania-server-manager", merged.Image)
	assert.Equal(t, 10, merged.QueueCapacity)
	assert.Equal(t, int64(8<<20), merged.MaxUploadSize)

	empty := (&Config{}).MergeWithDefaults(Defaults())
	assert.Len(t, empty.Distros, 5)
	assert.Equal(t, "https://prod.trackmania.core.nadeo.online", empty.Catalog.CoreURL)
}

func TestFromEnv(t *testing.T) {
	env := map[string]string{
		"DATABASE_URL":         "postgres://env",
		"PORT":                 "7070",
		"VALIDATOR_DISTROS":    "alpine, fedora ,",
		"REVALIDATE_IN_MEMORY": "true",
		"NADEO_LOGIN":          "bot",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Config{DatabaseURL: "postgres://file", Port: 8080}
	require.NoError(t, cfg.fromLookup(lookup))

	assert.Equal(t, "postgres://env", cfg.DatabaseURL)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, []string{"alpine", "fedora"}, cfg.Distros)
	assert.True(t, cfg.InMemory)
	assert.Equal(t, "bot", cfg.Catalog.Login)
}

func TestFromEnv_InvalidNumber(t *testing.T) {
	cfg := Config{}
	err := cfg.fromLookup(func(k string) (string, bool) {
		if k == "PORT" {
			return "eighty", true
		}
		return "", false
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid PORT value")
}
