// Package config holds the immutable playback configuration. A Config is built
// once at startup (defaults, then an optional YAML file, then flags), validated,
// and shared by pointer. Components never modify it.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backoff selects how retry delays grow.
type Backoff string

const (
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// Config is the complete engine configuration.
type Config struct {
	// StartLevel is the variant index to start with, or -1 to let the
	// auto-bitrate controller pick.
	StartLevel int `yaml:"start_level"`

	// StartPosition is the initial playback position in seconds, or -1 to
	// start at the beginning (VOD) or the live sync point (live).
	StartPosition float64 `yaml:"start_position"`

	// TestBandwidth loads a throwaway fragment from the lowest variant
	// before the first real load when no estimate exists.
	TestBandwidth bool `yaml:"test_bandwidth"`

	// LowLatencyMode enables part loading on low-latency live playlists.
	LowLatencyMode bool `yaml:"low_latency_mode"`

	ABR     ABRConfig     `yaml:"abr"`
	Buffer  BufferConfig  `yaml:"buffer"`
	Live    LiveConfig    `yaml:"live"`
	Loading LoadingConfig `yaml:"loading"`
	Stall   StallConfig   `yaml:"stall"`
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	Origin  OriginConfig  `yaml:"origin"`
}

// ABRConfig tunes bandwidth estimation and variant selection.
type ABRConfig struct {
	// Half-lives, in seconds of transfer time, of the fast and slow averages.
	EWMAFastLive float64 `yaml:"ewma_fast_live"`
	EWMASlowLive float64 `yaml:"ewma_slow_live"`
	EWMAFastVoD  float64 `yaml:"ewma_fast_vod"`
	EWMASlowVoD  float64 `yaml:"ewma_slow_vod"`

	// DefaultEstimate seeds the estimator, in bits per second.
	DefaultEstimate float64 `yaml:"default_estimate"`
	// DefaultEstimateMax caps the seed used for the first decision.
	DefaultEstimateMax float64 `yaml:"default_estimate_max"`
	// StartupFactor scales the seed for the first decision.
	StartupFactor float64 `yaml:"startup_factor"`
	// DefaultTTFB seeds the time-to-first-byte average.
	DefaultTTFB Duration `yaml:"default_ttfb"`

	// BandwidthFactor is the share of the estimate a variant may use.
	BandwidthFactor float64 `yaml:"bandwidth_factor"`
	// BandwidthUpFactor makes upward switches stricter: a variant above the
	// current one may use only BandwidthFactor/BandwidthUpFactor of it.
	BandwidthUpFactor float64 `yaml:"bandwidth_up_factor"`

	// MaxStarvationDelay is how long a fetch may outlast the forward buffer.
	MaxStarvationDelay float64 `yaml:"max_starvation_delay"`
	// MaxLoadingDelay bounds the first fetch when the buffer is empty.
	MaxLoadingDelay float64 `yaml:"max_loading_delay"`

	// MinAutoBitrate excludes variants below this bitrate from auto selection.
	MinAutoBitrate int `yaml:"min_auto_bitrate"`
	// AutoLevelCapping is the highest index auto selection may use, -1 for none.
	AutoLevelCapping int `yaml:"auto_level_capping"`
	// MinRealBitrateFragments is how many fragments of a variant must load
	// before its measured bitrate replaces the declared one.
	MinRealBitrateFragments int `yaml:"min_real_bitrate_fragments"`

	// PenaltyDuration keeps a failing variant out of auto selection.
	PenaltyDuration Duration `yaml:"penalty_duration"`
	// AbandonCheckInterval is the period of the in-flight abandon check.
	AbandonCheckInterval Duration `yaml:"abandon_check_interval"`
}

// BufferConfig bounds the forward and back buffer.
type BufferConfig struct {
	MaxBufferLength    float64 `yaml:"max_buffer_length"`
	MaxMaxBufferLength float64 `yaml:"max_max_buffer_length"`
	// MaxBufferSize in bytes; with a known bitrate it can extend MaxBufferLength.
	MaxBufferSize int64 `yaml:"max_buffer_size"`
	// MaxBufferHole is the largest gap treated as contiguous buffer.
	MaxBufferHole float64 `yaml:"max_buffer_hole"`
	// MaxFragLookUpTolerance avoids picking the previous fragment at boundaries.
	MaxFragLookUpTolerance float64 `yaml:"max_frag_lookup_tolerance"`
	// BackBufferLength is kept behind the playhead; negative keeps everything.
	BackBufferLength float64 `yaml:"back_buffer_length"`
	// AppendErrorMaxRetry is how many times a failed append is retried.
	AppendErrorMaxRetry int `yaml:"append_error_max_retry"`
	// SinkQuota is the in-memory sink capacity in bytes, 0 for unlimited.
	SinkQuota int64 `yaml:"sink_quota"`
}

// LiveConfig controls the live start and edge tracking.
type LiveConfig struct {
	// SyncDurationCount is how many target durations behind the edge to start.
	SyncDurationCount int `yaml:"sync_duration_count"`
	// MaxLatencyDurationCount triggers a jump to the sync point when playback
	// falls further behind. 0 disables it.
	MaxLatencyDurationCount int `yaml:"max_latency_duration_count"`
	// MaxLoopLoads is how many times the last fragment may be re-selected
	// before waiting for a reload.
	MaxLoopLoads int `yaml:"max_loop_loads"`
}

// LoadingConfig holds per resource class load policies.
type LoadingConfig struct {
	Manifest LoadPolicy `yaml:"manifest"`
	Playlist LoadPolicy `yaml:"playlist"`
	Fragment LoadPolicy `yaml:"fragment"`
	Key      LoadPolicy `yaml:"key"`
}

// LoadPolicy bounds a single load and its retries.
type LoadPolicy struct {
	MaxTimeToFirstByte Duration    `yaml:"max_time_to_first_byte"`
	MaxLoadTime        Duration    `yaml:"max_load_time"`
	TimeoutRetry       RetryConfig `yaml:"timeout_retry"`
	ErrorRetry         RetryConfig `yaml:"error_retry"`
}

// RetryConfig is a retry curve.
type RetryConfig struct {
	MaxNumRetry   int      `yaml:"max_num_retry"`
	RetryDelay    Duration `yaml:"retry_delay"`
	MaxRetryDelay Duration `yaml:"max_retry_delay"`
	Backoff       Backoff  `yaml:"backoff"`
}

// Delay returns the wait before retry number attempt (zero based).
func (r RetryConfig) Delay(attempt int) time.Duration {
	base := r.RetryDelay.Std()
	var d time.Duration
	switch r.Backoff {
	case BackoffLinear:
		d = base * time.Duration(attempt+1)
	default:
		d = base
		for i := 0; i < attempt && (r.MaxRetryDelay == 0 || d < r.MaxRetryDelay.Std()); i++ {
			d *= 2
		}
	}
	if r.MaxRetryDelay > 0 && d > r.MaxRetryDelay.Std() {
		d = r.MaxRetryDelay.Std()
	}
	return d
}

// StallConfig drives gap skipping and stall nudging.
type StallConfig struct {
	// TickInterval is the playhead clock period.
	TickInterval Duration `yaml:"tick_interval"`
	// DetectAfter is how long the playhead must be stuck to count as stalled.
	DetectAfter Duration `yaml:"detect_after"`
	// MaxHoleJump is the largest gap the playhead jumps over.
	MaxHoleJump float64 `yaml:"max_hole_jump"`
	NudgeOffset float64 `yaml:"nudge_offset"`
	// NudgeMaxRetry nudges before a stall becomes fatal.
	NudgeMaxRetry int `yaml:"nudge_max_retry"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig is the status server.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// OriginConfig is the looping live origin.
type OriginConfig struct {
	Listen     string   `yaml:"listen"`
	WindowSize int      `yaml:"window_size"`
	LoopAfter  Duration `yaml:"loop_after"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		StartLevel:     -1,
		StartPosition:  -1,
		TestBandwidth:  true,
		LowLatencyMode: true,
		ABR: ABRConfig{
			EWMAFastLive:            3,
			EWMASlowLive:            9,
			EWMAFastVoD:             3,
			EWMASlowVoD:             9,
			DefaultEstimate:         500_000,
			DefaultEstimateMax:      5_000_000,
			StartupFactor:           0.8,
			DefaultTTFB:             Duration(100 * time.Millisecond),
			BandwidthFactor:         0.95,
			BandwidthUpFactor:       1.35,
			MaxStarvationDelay:      4,
			MaxLoadingDelay:         4,
			AutoLevelCapping:        -1,
			MinRealBitrateFragments: 3,
			PenaltyDuration:         Duration(60 * time.Second),
			AbandonCheckInterval:    Duration(100 * time.Millisecond),
		},
		Buffer: BufferConfig{
			MaxBufferLength:        30,
			MaxMaxBufferLength:     600,
			MaxBufferSize:          60 * 1000 * 1000,
			MaxBufferHole:          0.1,
			MaxFragLookUpTolerance: 0.25,
			BackBufferLength:       -1,
			AppendErrorMaxRetry:    3,
		},
		Live: LiveConfig{
			SyncDurationCount: 3,
			MaxLoopLoads:      2,
		},
		Loading: LoadingConfig{
			Manifest: LoadPolicy{
				MaxTimeToFirstByte: Duration(10 * time.Second),
				MaxLoadTime:        Duration(20 * time.Second),
				TimeoutRetry:       RetryConfig{MaxNumRetry: 2, RetryDelay: 0, MaxRetryDelay: 0, Backoff: BackoffLinear},
				ErrorRetry:         RetryConfig{MaxNumRetry: 1, RetryDelay: Duration(time.Second), MaxRetryDelay: Duration(8 * time.Second), Backoff: BackoffLinear},
			},
			Playlist: LoadPolicy{
				MaxTimeToFirstByte: Duration(10 * time.Second),
				MaxLoadTime:        Duration(20 * time.Second),
				TimeoutRetry:       RetryConfig{MaxNumRetry: 2, RetryDelay: 0, MaxRetryDelay: 0, Backoff: BackoffLinear},
				ErrorRetry:         RetryConfig{MaxNumRetry: 2, RetryDelay: Duration(time.Second), MaxRetryDelay: Duration(8 * time.Second), Backoff: BackoffExponential},
			},
			Fragment: LoadPolicy{
				MaxTimeToFirstByte: Duration(10 * time.Second),
				MaxLoadTime:        Duration(120 * time.Second),
				TimeoutRetry:       RetryConfig{MaxNumRetry: 4, RetryDelay: 0, MaxRetryDelay: 0, Backoff: BackoffLinear},
				ErrorRetry:         RetryConfig{MaxNumRetry: 6, RetryDelay: Duration(time.Second), MaxRetryDelay: Duration(8 * time.Second), Backoff: BackoffExponential},
			},
			Key: LoadPolicy{
				MaxTimeToFirstByte: Duration(8 * time.Second),
				MaxLoadTime:        Duration(20 * time.Second),
				TimeoutRetry:       RetryConfig{MaxNumRetry: 1, RetryDelay: Duration(time.Second), MaxRetryDelay: Duration(20 * time.Second), Backoff: BackoffExponential},
				ErrorRetry:         RetryConfig{MaxNumRetry: 8, RetryDelay: Duration(time.Second), MaxRetryDelay: Duration(20 * time.Second), Backoff: BackoffExponential},
			},
		},
		Stall: StallConfig{
			TickInterval:  Duration(100 * time.Millisecond),
			DetectAfter:   Duration(time.Second),
			MaxHoleJump:   2,
			NudgeOffset:   0.1,
			NudgeMaxRetry: 3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Listen: ":8081",
		},
		Origin: OriginConfig{
			Listen:     ":8080",
			WindowSize: 6,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration without modifying it.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.StartLevel >= -1, "start_level must be -1 or a variant index")

	a := c.ABR
	check(a.EWMAFastLive > 0 && a.EWMASlowLive > 0, "abr: live half-lives must be positive")
	check(a.EWMAFastVoD > 0 && a.EWMASlowVoD > 0, "abr: vod half-lives must be positive")
	check(a.DefaultEstimate > 0, "abr: default_estimate must be positive")
	check(a.DefaultEstimateMax >= 0, "abr: default_estimate_max must not be negative")
	check(a.StartupFactor > 0 && a.StartupFactor <= 1, "abr: startup_factor must be in (0, 1]")
	check(a.BandwidthFactor > 0 && a.BandwidthFactor <= 1, "abr: bandwidth_factor must be in (0, 1]")
	check(a.BandwidthUpFactor >= 1, "abr: bandwidth_up_factor must be at least 1")
	check(a.MaxStarvationDelay >= 0, "abr: max_starvation_delay must not be negative")
	check(a.MaxLoadingDelay >= 0, "abr: max_loading_delay must not be negative")
	check(a.AutoLevelCapping >= -1, "abr: auto_level_capping must be -1 or an index")
	check(a.MinRealBitrateFragments >= 0, "abr: min_real_bitrate_fragments must not be negative")
	check(a.AbandonCheckInterval > 0, "abr: abandon_check_interval must be positive")

	b := c.Buffer
	check(b.MaxBufferLength > 0, "buffer: max_buffer_length must be positive")
	check(b.MaxMaxBufferLength >= b.MaxBufferLength, "buffer: max_max_buffer_length must be at least max_buffer_length")
	check(b.MaxBufferHole >= 0, "buffer: max_buffer_hole must not be negative")
	check(b.MaxFragLookUpTolerance >= 0, "buffer: max_frag_lookup_tolerance must not be negative")
	check(b.AppendErrorMaxRetry >= 0, "buffer: append_error_max_retry must not be negative")
	check(b.SinkQuota >= 0, "buffer: sink_quota must not be negative")

	check(c.Live.SyncDurationCount > 0, "live: sync_duration_count must be positive")
	check(c.Live.MaxLatencyDurationCount == 0 || c.Live.MaxLatencyDurationCount > c.Live.SyncDurationCount,
		"live: max_latency_duration_count must exceed sync_duration_count")
	check(c.Live.MaxLoopLoads >= 0, "live: max_loop_loads must not be negative")

	for name, p := range map[string]LoadPolicy{
		"manifest": c.Loading.Manifest,
		"playlist": c.Loading.Playlist,
		"fragment": c.Loading.Fragment,
		"key":      c.Loading.Key,
	} {
		if err := p.validate(); err != nil {
			errs = append(errs, fmt.Errorf("loading.%s: %w", name, err))
		}
	}

	s := c.Stall
	check(s.TickInterval > 0, "stall: tick_interval must be positive")
	check(s.DetectAfter > 0, "stall: detect_after must be positive")
	check(s.NudgeOffset > 0, "stall: nudge_offset must be positive")
	check(s.NudgeMaxRetry >= 0, "stall: nudge_max_retry must not be negative")

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log: unknown format %q", c.Log.Format))
	}

	check(c.Origin.WindowSize > 0, "origin: window_size must be positive")
	check(c.Origin.LoopAfter >= 0, "origin: loop_after must not be negative")

	return errors.Join(errs...)
}

func (p LoadPolicy) validate() error {
	if p.MaxTimeToFirstByte <= 0 || p.MaxLoadTime <= 0 {
		return errors.New("timeouts must be positive")
	}
	for _, r := range []RetryConfig{p.TimeoutRetry, p.ErrorRetry} {
		if r.MaxNumRetry < 0 {
			return errors.New("max_num_retry must not be negative")
		}
		if r.RetryDelay < 0 || r.MaxRetryDelay < 0 {
			return errors.New("retry delays must not be negative")
		}
		switch r.Backoff {
		case BackoffLinear, BackoffExponential:
		default:
			return fmt.Errorf("unknown backoff %q", r.Backoff)
		}
	}
	return nil
}
