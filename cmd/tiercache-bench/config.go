package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// config is the workload description. Durations are strings so that YAML
// and flags accept the same forms ("90s", "1h30m", "2d").
type config struct {
	Duration     string  `yaml:"duration"`
	Workers      int     `yaml:"workers"`
	Keys         int     `yaml:"keys"`
	ZipfS        float64 `yaml:"zipf_s"`
	BatchSize    int     `yaml:"batch_size"`
	MaxBatchSize int     `yaml:"max_batch_size"`
	EvenBatches  bool    `yaml:"even_batches"`
	Dedup        bool    `yaml:"dedup"`
	FetchLatency string  `yaml:"fetch_latency"`

	Local      string `yaml:"local"` // ttlstore | ristretto | bigcache | none
	LocalTTL   string `yaml:"local_ttl"`
	LocalItems int    `yaml:"local_items"`

	Redis string `yaml:"redis"` // address, "embedded" or "none"
	Codec string `yaml:"codec"` // json | msgpack | cbor
	TTL   string `yaml:"ttl"`

	Logger      string `yaml:"logger"` // zap | logrus | none
	MetricsAddr string `yaml:"metrics_addr"`
}

func defaultConfig() config {
	return config{
		Duration:     "10s",
		Workers:      8,
		Keys:         100_000,
		ZipfS:        1.1,
		BatchSize:    10,
		MaxBatchSize: 50,
		FetchLatency: "2ms",
		Local:        "ttlstore",
		LocalTTL:     "30s",
		LocalItems:   50_000,
		Redis:        "embedded",
		Codec:        "msgpack",
		TTL:          "5m",
		Logger:       "zap",
	}
}

// settings are the parsed durations of a config.
type settings struct {
	duration     time.Duration
	fetchLatency time.Duration
	localTTL     time.Duration
	ttl          time.Duration
}

func (c config) parse() (settings, error) {
	var s settings
	for _, d := range []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"duration", c.Duration, &s.duration},
		{"fetch_latency", c.FetchLatency, &s.fetchLatency},
		{"local_ttl", c.LocalTTL, &s.localTTL},
		{"ttl", c.TTL, &s.ttl},
	} {
		v, err := str2duration.ParseDuration(d.src)
		if err != nil {
			return s, fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	switch {
	case c.Workers <= 0:
		return s, fmt.Errorf("workers must be positive")
	case c.Keys <= 0:
		return s, fmt.Errorf("keys must be positive")
	case c.ZipfS <= 1:
		return s, fmt.Errorf("zipf_s must be > 1")
	case c.BatchSize <= 0:
		return s, fmt.Errorf("batch_size must be positive")
	case s.ttl <= 0:
		return s, fmt.Errorf("ttl must be positive")
	}
	return s, nil
}

// loadConfig reads an optional YAML file over the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func bindFlags(cmd *cobra.Command) {
	d := defaultConfig()
	f := cmd.Flags()
	f.String("config", "", "YAML workload file; flags override it")
	f.String("duration", d.Duration, "benchmark duration")
	f.Int("workers", d.Workers, "number of worker goroutines")
	f.Int("keys", d.Keys, "keyspace size")
	f.Float64("zipf-s", d.ZipfS, "Zipf s > 1 (skew)")
	f.Int("batch-size", d.BatchSize, "keys per GetMany call")
	f.Int("max-batch-size", d.MaxBatchSize, "max keys per fetch batch (0 = unbounded)")
	f.Bool("even-batches", d.EvenBatches, "balance fetch batch sizes")
	f.Bool("dedup", d.Dedup, "share concurrent fetches of equal keys")
	f.String("fetch-latency", d.FetchLatency, "simulated fetch latency")
	f.String("local", d.Local, "local tier: ttlstore | ristretto | bigcache | none")
	f.String("local-ttl", d.LocalTTL, "local tier TTL")
	f.Int("local-items", d.LocalItems, "local tier capacity")
	f.String("redis", d.Redis, `redis address, "embedded" or "none"`)
	f.String("codec", d.Codec, "distributed value codec: json | msgpack | cbor")
	f.String("ttl", d.TTL, "distributed tier TTL")
	f.String("logger", d.Logger, "zap | logrus | none")
	f.String("metrics-addr", d.MetricsAddr, "serve Prometheus metrics at addr; empty = disabled")
}

// resolveConfig layers the YAML file and then every flag the user set.
func resolveConfig(cmd *cobra.Command) (config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(path)
	if err != nil {
		return cfg, err
	}
	f := cmd.Flags()
	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if f.Changed(name) {
			*dst, _ = f.GetInt(name)
		}
	}
	flag := func(name string, dst *bool) {
		if f.Changed(name) {
			*dst, _ = f.GetBool(name)
		}
	}
	str("duration", &cfg.Duration)
	num("workers", &cfg.Workers)
	num("keys", &cfg.Keys)
	if f.Changed("zipf-s") {
		cfg.ZipfS, _ = f.GetFloat64("zipf-s")
	}
	num("batch-size", &cfg.BatchSize)
	num("max-batch-size", &cfg.MaxBatchSize)
	flag("even-batches", &cfg.EvenBatches)
	flag("dedup", &cfg.Dedup)
	str("fetch-latency", &cfg.FetchLatency)
	str("local", &cfg.Local)
	str("local-ttl", &cfg.LocalTTL)
	num("local-items", &cfg.LocalItems)
	str("redis", &cfg.Redis)
	str("codec", &cfg.Codec)
	str("ttl", &cfg.TTL)
	str("logger", &cfg.Logger)
	str("metrics-addr", &cfg.MetricsAddr)
	return cfg, nil
}
