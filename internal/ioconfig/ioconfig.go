// Package ioconfig loads the engine's typed configuration: the governor
// knobs, read-path timeouts, and per-stream splitter parameters enumerated
// in the engine's external interface. Values load from a YAML file with
// environment-variable overrides, mirroring the teacher's
// internal/config package (retained here by name only — the teacher's own
// config loader was not part of the retrieved source, so this is a fresh
// implementation over the same yaml.v3 dependency).
package ioconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete set of engine-wide configuration options.
type Config struct {
	// Range cache (C6).
	ObjectRangeAlign      int64 `yaml:"io_object_range_align"`
	ReadRangeConcurrency  int64 `yaml:"io_read_range_concurrency"`
	RangeCacheMaxBytes    int64 `yaml:"io_range_cache_max_bytes"`

	// Read governors (C8).
	ReadConcurrencyGlobal int64         `yaml:"io_read_concurrency_global"`
	ReadConcurrencyAgent  int64         `yaml:"io_read_concurrency_agent"`
	ReadBlockTimeout      time.Duration `yaml:"io_read_block_timeout"`

	// Stream admission (C5, C8).
	SemaphoreCap              int64         `yaml:"io_semaphore_cap"`
	StreamSemaphoreTimeout    time.Duration `yaml:"io_stream_semaphore_timeout"`
	StreamSemaphoreSizeCap    int64         `yaml:"io_stream_semaphore_size_cap"`
	StreamMinimalSizeLock     int64         `yaml:"io_stream_minimal_size_lock"`

	// Read path (C7).
	VideoPrefetchLoadCap int64   `yaml:"video_read_stream_pre_fetch_load_cap"`
	ErrorInjectionOnRead float64 `yaml:"error_injection_on_read"`

	// Default per-stream splitter parameters; callers may override per
	// upload via the engine's UploadParams.Split.
	Splitter SplitterDefaults `yaml:"splitter"`

	// Encoder worker pool concurrency (C2).
	EncoderConcurrency int `yaml:"encoder_concurrency"`

	// Coalescer batching (C3).
	CoalescerMaxLength int           `yaml:"coalescer_max_length"`
	CoalescerMaxWait   time.Duration `yaml:"coalescer_max_wait"`
}

// SplitterDefaults mirrors model.ChunkSplitConfig for YAML/env loading.
type SplitterDefaults struct {
	MinChunk     int64 `yaml:"min_chunk"`
	MaxChunk     int64 `yaml:"max_chunk"`
	AvgChunkBits uint  `yaml:"avg_chunk_bits"`
	CalcMD5      bool  `yaml:"calc_md5"`
	CalcSHA256   bool  `yaml:"calc_sha256"`
}

// Default returns the built-in defaults, used when no file/env overrides
// are present.
func Default() Config {
	return Config{
		ObjectRangeAlign:       1 << 20, // 1 MiB
		ReadRangeConcurrency:  4,
		RangeCacheMaxBytes:    128 << 20, // 128 MiB
		ReadConcurrencyGlobal: 64,
		ReadConcurrencyAgent:  8,
		ReadBlockTimeout:      30 * time.Second,
		SemaphoreCap:          256 << 20, // 256 MiB
		StreamSemaphoreTimeout: 10 * time.Second,
		StreamSemaphoreSizeCap: 64 << 20, // 64 MiB
		StreamMinimalSizeLock:  1 << 20,  // 1 MiB
		VideoPrefetchLoadCap:   5,
		ErrorInjectionOnRead:   0,
		Splitter: SplitterDefaults{
			MinChunk:     512 * 1024,
			MaxChunk:     4 * 1024 * 1024,
			AvgChunkBits: 18,
			CalcMD5:      true,
			CalcSHA256:   false,
		},
		EncoderConcurrency: 20,
		CoalescerMaxLength: 20,
		CoalescerMaxWait:   10 * time.Millisecond,
	}
}

// Load reads defaults, overlays a YAML file at path (if non-empty and
// present), then overlays IOENGINE_-prefixed environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("ioconfig: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("ioconfig: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("ioconfig: env overrides: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	overrides := []struct {
		key string
		set func(string) error
	}{
		{"IOENGINE_IO_OBJECT_RANGE_ALIGN", intSetter(&cfg.ObjectRangeAlign)},
		{"IOENGINE_IO_READ_RANGE_CONCURRENCY", intSetter(&cfg.ReadRangeConcurrency)},
		{"IOENGINE_IO_RANGE_CACHE_MAX_BYTES", intSetter(&cfg.RangeCacheMaxBytes)},
		{"IOENGINE_IO_READ_CONCURRENCY_GLOBAL", intSetter(&cfg.ReadConcurrencyGlobal)},
		{"IOENGINE_IO_READ_CONCURRENCY_AGENT", intSetter(&cfg.ReadConcurrencyAgent)},
		{"IOENGINE_IO_READ_BLOCK_TIMEOUT", durationSetter(&cfg.ReadBlockTimeout)},
		{"IOENGINE_IO_SEMAPHORE_CAP", intSetter(&cfg.SemaphoreCap)},
		{"IOENGINE_IO_STREAM_SEMAPHORE_TIMEOUT", durationSetter(&cfg.StreamSemaphoreTimeout)},
		{"IOENGINE_IO_STREAM_SEMAPHORE_SIZE_CAP", intSetter(&cfg.StreamSemaphoreSizeCap)},
		{"IOENGINE_IO_STREAM_MINIMAL_SIZE_LOCK", intSetter(&cfg.StreamMinimalSizeLock)},
		{"IOENGINE_VIDEO_READ_STREAM_PRE_FETCH_LOAD_CAP", intSetter(&cfg.VideoPrefetchLoadCap)},
		{"IOENGINE_ERROR_INJECTION_ON_READ", floatSetter(&cfg.ErrorInjectionOnRead)},
	}
	for _, o := range overrides {
		v, ok := os.LookupEnv(o.key)
		if !ok || v == "" {
			continue
		}
		if err := o.set(v); err != nil {
			return fmt.Errorf("%s: %w", o.key, err)
		}
	}
	return nil
}

func intSetter(dst *int64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func floatSetter(dst *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}

func durationSetter(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}
