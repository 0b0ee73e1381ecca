// Package config loads the glslbot service configuration from a YAML file
// and fills in defaults for anything the file leaves unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Pool      PoolConfig      `yaml:"pool"`
	Cache     CacheConfig     `yaml:"cache"`
	Admission AdmissionConfig `yaml:"admission"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Render    RenderConfig    `yaml:"render"`
	Accounts  AccountsConfig  `yaml:"accounts"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	// Addr is the listen address (default ":8090").
	Addr string `yaml:"addr"`

	// ReadTimeout is the max time to read a request.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the max time to write a response.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IngressRPS is the global requests-per-second ceiling applied
	// before any admission logic runs.
	IngressRPS float64 `yaml:"ingress_rps"`

	// IngressBurst is the token bucket burst for the ingress limiter.
	IngressBurst int `yaml:"ingress_burst"`
}

// RedisConfig holds connection settings for the durable cache tier.
type RedisConfig struct {
	// URL is a redis:// connection URL. Empty disables the durable tier.
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// PoolConfig holds worker pool and queue settings.
type PoolConfig struct {
	// Size is the fixed number of render worker handles.
	Size int `yaml:"size"`

	// QueueCapacity bounds how many acquirers may wait; beyond it
	// acquisition fails fast.
	QueueCapacity int `yaml:"queue_capacity"`

	// JobTimeout is the hard per-job render deadline.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// ShutdownGrace is how long Shutdown waits for in-flight jobs
	// before force-recycling handles.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// CacheConfig holds result cache settings.
type CacheConfig struct {
	// Dir is where rendered artifacts are stored on disk.
	Dir string `yaml:"dir"`

	// TTL is how long a cached artifact stays valid.
	TTL time.Duration `yaml:"ttl"`

	// MaxTotalBytes bounds the total artifact bytes kept; oldest by
	// last access are evicted first once exceeded.
	MaxTotalBytes int64 `yaml:"max_total_bytes"`

	// SweepInterval is how often expired entries are swept.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// AdmissionConfig holds rate limiter and abuse detector settings.
type AdmissionConfig struct {
	// Window is the rolling window length for per-identity and global
	// ceilings.
	Window time.Duration `yaml:"window"`

	// DefaultCeiling applies to operation kinds without an override.
	DefaultCeiling int `yaml:"default_ceiling"`

	// Ceilings overrides the ceiling per operation kind.
	Ceilings map[string]int `yaml:"ceilings"`

	// GlobalCeiling is the cross-identity ceiling per window.
	GlobalCeiling int `yaml:"global_ceiling"`

	// AbuseWindow is the longer window over which denied attempts are
	// counted per identity.
	AbuseWindow time.Duration `yaml:"abuse_window"`

	// AbuseThreshold is the denied-attempt count that escalates to a
	// temporary ban.
	AbuseThreshold int `yaml:"abuse_threshold"`

	// BanDuration is how long an escalated ban lasts.
	BanDuration time.Duration `yaml:"ban_duration"`

	// SweepInterval is how often stale windows are garbage-collected.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DedupConfig holds duplicate-suppression lock settings.
type DedupConfig struct {
	// GraceDelay keeps a released lock held briefly to absorb
	// near-simultaneous duplicate submissions.
	GraceDelay time.Duration `yaml:"grace_delay"`

	// MaxAge is the leak guard: locks older than this are force-cleared
	// by the sweep.
	MaxAge time.Duration `yaml:"max_age"`

	// SweepInterval is how often the leak-guard sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit.
	FailureThreshold int `yaml:"failure_threshold"`

	// ResetTimeout is how long the circuit stays open before a probe is
	// allowed.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// TelemetryConfig holds span recording settings.
type TelemetryConfig struct {
	// HistorySize bounds the per-category span history.
	HistorySize int `yaml:"history_size"`

	// SlowThresholds maps a category to its slow-operation threshold.
	SlowThresholds map[string]time.Duration `yaml:"slow_thresholds"`

	// DefaultSlowThreshold applies to categories without an override.
	DefaultSlowThreshold time.Duration `yaml:"default_slow_threshold"`
}

// RenderConfig holds settings for the external render toolchain.
type RenderConfig struct {
	// GlslViewerPath is the glslViewer binary used to render frames.
	GlslViewerPath string `yaml:"glslviewer_path"`

	// FFmpegPath is the ffmpeg binary used to encode the animation.
	FFmpegPath string `yaml:"ffmpeg_path"`

	// Width and Height are the output dimensions.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	// Duration is the animation length in seconds.
	Duration float64 `yaml:"duration"`

	// FPS is the animation frame rate.
	FPS int `yaml:"fps"`

	// WorkDir is where intermediate frames are written.
	WorkDir string `yaml:"work_dir"`
}

// AccountsConfig holds the ban/history store settings.
type AccountsConfig struct {
	// DBPath is the SQLite database file path.
	DBPath string `yaml:"db_path"`
}

// Load reads the configuration file at path and applies defaults.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.IngressRPS == 0 {
		c.Server.IngressRPS = 100
	}
	if c.Server.IngressBurst == 0 {
		c.Server.IngressBurst = 200
	}

	if c.Pool.Size == 0 {
		c.Pool.Size = 4
	}
	if c.Pool.QueueCapacity == 0 {
		c.Pool.QueueCapacity = 32
	}
	if c.Pool.JobTimeout == 0 {
		c.Pool.JobTimeout = 90 * time.Second
	}
	if c.Pool.ShutdownGrace == 0 {
		c.Pool.ShutdownGrace = 30 * time.Second
	}

	if c.Cache.Dir == "" {
		c.Cache.Dir = "cache"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 24 * time.Hour
	}
	if c.Cache.MaxTotalBytes == 0 {
		c.Cache.MaxTotalBytes = 2 << 30 // 2 GiB
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = 10 * time.Minute
	}

	if c.Admission.Window == 0 {
		c.Admission.Window = 60 * time.Second
	}
	if c.Admission.DefaultCeiling == 0 {
		c.Admission.DefaultCeiling = 5
	}
	if c.Admission.GlobalCeiling == 0 {
		c.Admission.GlobalCeiling = 120
	}
	if c.Admission.AbuseWindow == 0 {
		c.Admission.AbuseWindow = time.Hour
	}
	if c.Admission.AbuseThreshold == 0 {
		c.Admission.AbuseThreshold = 50
	}
	if c.Admission.BanDuration == 0 {
		c.Admission.BanDuration = 24 * time.Hour
	}
	if c.Admission.SweepInterval == 0 {
		c.Admission.SweepInterval = 5 * time.Minute
	}

	if c.Dedup.GraceDelay == 0 {
		c.Dedup.GraceDelay = 2 * time.Second
	}
	if c.Dedup.MaxAge == 0 {
		c.Dedup.MaxAge = 10 * time.Minute
	}
	if c.Dedup.SweepInterval == 0 {
		c.Dedup.SweepInterval = time.Minute
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.ResetTimeout == 0 {
		c.Breaker.ResetTimeout = 30 * time.Second
	}

	if c.Telemetry.HistorySize == 0 {
		c.Telemetry.HistorySize = 1000
	}
	if c.Telemetry.DefaultSlowThreshold == 0 {
		c.Telemetry.DefaultSlowThreshold = 30 * time.Second
	}

	if c.Render.GlslViewerPath == "" {
		c.Render.GlslViewerPath = "glslViewer"
	}
	if c.Render.FFmpegPath == "" {
		c.Render.FFmpegPath = "ffmpeg"
	}
	if c.Render.Width == 0 {
		c.Render.Width = 640
	}
	if c.Render.Height == 0 {
		c.Render.Height = 360
	}
	if c.Render.Duration == 0 {
		c.Render.Duration = 6
	}
	if c.Render.FPS == 0 {
		c.Render.FPS = 25
	}
	if c.Render.WorkDir == "" {
		c.Render.WorkDir = os.TempDir()
	}

	if c.Accounts.DBPath == "" {
		c.Accounts.DBPath = "glslbot.db"
	}
}
