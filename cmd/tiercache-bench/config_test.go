package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsParse(t *testing.T) {
	st, err := defaultConfig().parse()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, st.duration)
	assert.Equal(t, 5*time.Minute, st.ttl)
}

func TestParseAcceptsDays(t *testing.T) {
	cfg := defaultConfig()
	cfg.TTL = "2d"
	st, err := cfg.parse()
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, st.ttl)

	cfg.FetchLatency = "soon"
	_, err = cfg.parse()
	assert.ErrorContains(t, err, "fetch_latency")

	cfg = defaultConfig()
	cfg.ZipfS = 1
	_, err = cfg.parse()
	assert.Error(t, err)
}

func TestFlagsOverrideYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 3\nlocal: bigcache\nttl: 1h\ncodec: cbor\n"), 0o600))

	cmd := &cobra.Command{Use: "x"}
	bindFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--workers", "5", "--dedup"}))

	cfg, err := resolveConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, "bigcache", cfg.Local)
	assert.Equal(t, "1h", cfg.TTL)
	assert.Equal(t, "cbor", cfg.Codec)
	assert.True(t, cfg.Dedup)
	assert.Equal(t, 100_000, cfg.Keys, "untouched fields keep defaults")
}

func TestBuildStackRejectsUnknownKinds(t *testing.T) {
	st, err := defaultConfig().parse()
	require.NoError(t, err)

	for _, mut := range []func(*config){
		func(c *config) { c.Local = "memcached" },
		func(c *config) { c.Codec = "xml" },
		func(c *config) { c.Logger = "glog" },
	} {
		cfg := defaultConfig()
		cfg.Logger = "none"
		mut(&cfg)
		_, err := buildStack(cfg, st)
		assert.Error(t, err)
	}
}
