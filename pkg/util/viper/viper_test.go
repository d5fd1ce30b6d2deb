package viper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverSection struct {
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: \":9000\"\n"), 0o600))

	c := New()
	c.SetDefault("server.path", "/ws")
	require.NoError(t, c.LoadFile(path))
	assert.True(t, c.IsSet("server.listen"))

	var sec serverSection
	require.NoError(t, c.UnmarshalKey("server", &sec))
	assert.Equal(t, ":9000", sec.Listen)
	assert.Equal(t, "/ws", sec.Path)
}

func TestBindEnv(t *testing.T) {
	t.Setenv("PAPER_SOLDIER_SERVER_LISTEN", ":7000")

	c := New()
	c.SetDefault("server.listen", ":8080")
	c.BindEnv("PAPER_SOLDIER")

	var cfg struct {
		Server serverSection `mapstructure:"server"`
	}
	require.NoError(t, c.Unmarshal(&cfg))
	assert.Equal(t, ":7000", cfg.Server.Listen)
}

func TestLoadMissingFile(t *testing.T) {
	c := New()
	assert.Error(t, c.LoadFile(filepath.Join(t.TempDir(), "absent.yaml")))
}
