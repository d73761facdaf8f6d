// Package config defines process configuration and its loading.
package config

import (
	"fmt"
	"time"
)

// Config contains process configuration. Keys are flat and match the
// koanf tags, so DEMANDCAST_HOLT_ALPHA sets holt_alpha.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// DefaultKind names the model built for new entities.
	DefaultKind string `koanf:"default_kind"`

	SpectralWindowSize    int     `koanf:"spectral_window_size"`
	SpectralComponents    int     `koanf:"spectral_components"`
	SpectralIntervalFloor float64 `koanf:"spectral_interval_floor"`
	HoltAlpha             float64 `koanf:"holt_alpha"`
	HoltBeta              float64 `koanf:"holt_beta"`

	CVFolds   int   `koanf:"cv_folds"`
	CVShuffle bool  `koanf:"cv_shuffle"`
	CVSeed    int64 `koanf:"cv_seed"`

	// TuningParallelism bounds concurrent candidates; 0 means GOMAXPROCS.
	TuningParallelism int `koanf:"tuning_parallelism"`
	// TuningTimeout bounds a whole tuning run; 0 means none.
	TuningTimeout time.Duration `koanf:"tuning_timeout"`

	MonitorMaxHistory     int           `koanf:"monitor_max_history"`
	MonitorErrorThreshold float64       `koanf:"monitor_error_threshold"`
	MonitorAlertCooldown  time.Duration `koanf:"monitor_alert_cooldown"`

	OnlineWindowSize     int     `koanf:"online_window_size"`
	OnlineDriftThreshold float64 `koanf:"online_drift_threshold"`

	RecoveryMaxRetries      int           `koanf:"recovery_max_retries"`
	RecoveryRetryDelay      time.Duration `koanf:"recovery_retry_delay"`
	RecoveryMaxErrorHistory int           `koanf:"recovery_max_error_history"`

	// StorePath is the SQLite file for model descriptors; empty keeps them in memory.
	StorePath string `koanf:"store_path"`

	// DedupeSize bounds the observation deduplication set.
	DedupeSize int `koanf:"dedupe_size"`

	// QueueSize bounds the ingestion queue; WorkerCount sizes its pool (0 means GOMAXPROCS).
	QueueSize   int `koanf:"queue_size"`
	WorkerCount int `koanf:"worker_count"`
}

// New returns a Config holding the defaults.
func New() *Config {
	return &Config{
		LogLevel:                "info",
		Addr:                    ":9080",
		DefaultKind:             "ssa",
		SpectralWindowSize:      7,
		SpectralComponents:      3,
		SpectralIntervalFloor:   1.0,
		HoltAlpha:               0.5,
		HoltBeta:                0.3,
		CVFolds:                 5,
		CVSeed:                  42,
		MonitorMaxHistory:       1000,
		MonitorErrorThreshold:   0.2,
		MonitorAlertCooldown:    24 * time.Hour,
		OnlineWindowSize:        30,
		OnlineDriftThreshold:    0.2,
		RecoveryMaxRetries:      3,
		RecoveryRetryDelay:      5 * time.Second,
		RecoveryMaxErrorHistory: 100,
		DedupeSize:              100_000,
		QueueSize:               10_000,
	}
}

// Validate checks every bound the forecasting components rely on.
func (c *Config) Validate() error {
	var problem string
	switch {
	case c.Addr == "":
		problem = "addr must not be empty"
	case c.SpectralWindowSize < 2 || c.SpectralWindowSize > 30:
		problem = fmt.Sprintf("spectral_window_size %d outside [2,30]", c.SpectralWindowSize)
	case c.SpectralComponents < 1 || c.SpectralComponents > c.SpectralWindowSize:
		problem = fmt.Sprintf("spectral_components %d outside [1,%d]", c.SpectralComponents, c.SpectralWindowSize)
	case c.SpectralIntervalFloor < 0:
		problem = "spectral_interval_floor must not be negative"
	case !unit(c.HoltAlpha) || !unit(c.HoltBeta):
		problem = "holt_alpha and holt_beta must lie in (0,1]"
	case c.CVFolds < 2 || c.CVFolds > 10:
		problem = fmt.Sprintf("cv_folds %d outside [2,10]", c.CVFolds)
	case c.TuningParallelism < 0 || c.TuningTimeout < 0:
		problem = "tuning settings must not be negative"
	case c.MonitorMaxHistory <= 0 || c.MonitorErrorThreshold <= 0 || c.MonitorAlertCooldown < 0:
		problem = "monitor settings must be positive"
	case c.OnlineWindowSize < 7 || c.OnlineWindowSize > 90:
		problem = fmt.Sprintf("online_window_size %d outside [7,90]", c.OnlineWindowSize)
	case c.OnlineWindowSize < 2*c.SpectralWindowSize:
		// Every entity can run ssa, alone or inside an ensemble, after a tune.
		problem = fmt.Sprintf("online_window_size %d below twice spectral_window_size %d", c.OnlineWindowSize, c.SpectralWindowSize)
	case c.OnlineDriftThreshold <= 0:
		problem = "online_drift_threshold must be positive"
	case c.RecoveryMaxRetries <= 0 || c.RecoveryRetryDelay < 0 || c.RecoveryMaxErrorHistory <= 0:
		problem = "recovery settings must be positive"
	case c.DedupeSize <= 0 || c.QueueSize <= 0 || c.WorkerCount < 0:
		problem = "dedupe_size, queue_size and worker_count must be positive"
	default:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, problem)
}

func unit(v float64) bool { return v > 0 && v <= 1 }
