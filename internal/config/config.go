// Package config loads the engine configuration: a YAML file, then
// CONDUCTOR_* environment overrides, then validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/conductor/internal/profile"
)

// Store engines.
const (
	StoreMemory = "memory"
	StoreBadger = "badger"
)

// Config is the full engine configuration.
type Config struct {
	// EngineID identifies this process in lock and action ownership. Empty
	// means a random id is chosen at startup.
	EngineID   string `yaml:"engine_id"`
	ListenAddr string `yaml:"listen_addr" validate:"required"`
	// APIToken, when set, is required as a bearer token on the REST API.
	APIToken string `yaml:"api_token"`
	Workers  int    `yaml:"workers" validate:"gte=1,lte=1024"`

	Store     StoreConfig     `yaml:"store"`
	Locks     LockConfig      `yaml:"locks"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Receivers ReceiverConfig  `yaml:"receivers"`
	Health    HealthConfig    `yaml:"health"`
	Log       LogConfig       `yaml:"log"`
	Notify    NotifyConfig    `yaml:"notify"`

	// DefaultDeletionCriteria orders victims when a cluster has no
	// deletion policy.
	DefaultDeletionCriteria string `yaml:"default_deletion_criteria" validate:"oneof=OLDEST_FIRST YOUNGEST_FIRST OLDEST_PROFILE_FIRST RANDOM"`

	Profiles []profile.Spec `yaml:"profiles" validate:"dive"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Engine     string        `yaml:"engine" validate:"oneof=memory badger"`
	Path       string        `yaml:"path" validate:"required_if=Engine badger"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// LockConfig tunes crash recovery.
type LockConfig struct {
	Staleness         time.Duration `yaml:"staleness" validate:"gt=0"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gt=0,ltfield=Staleness"`
	ReapInterval      time.Duration `yaml:"reap_interval" validate:"gt=0"`
}

// LifecycleConfig tunes deferred deletion.
type LifecycleConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"gt=0"`
}

// ReceiverConfig limits how often each receiver may be triggered.
type ReceiverConfig struct {
	Rate  float64 `yaml:"rate" validate:"gt=0"`
	Burst int     `yaml:"burst" validate:"gte=1"`
}

// HealthConfig tunes the health monitors.
type HealthConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval" validate:"gt=0"`
	RetryInterval     time.Duration `yaml:"retry_interval" validate:"gt=0"`
	CheckTimeout      time.Duration `yaml:"check_timeout" validate:"gt=0"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=DEBUG INFO WARN WARNING ERROR debug info warn warning error"`
	Format string `yaml:"format" validate:"oneof=JSON CONSOLE json console"`
}

// NotifyConfig sets where lifecycle messages go. Without a URL they are
// only logged.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhook_url" validate:"omitempty,url"`
	Token      string        `yaml:"token"`
	MaxElapsed time.Duration `yaml:"max_elapsed" validate:"gte=0"`
}

// Default returns the configuration used when nothing is set: an in-memory
// store and a single memory profile named "default".
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		Workers:    8,
		Store: StoreConfig{
			Engine:     StoreMemory,
			GCInterval: 10 * time.Minute,
		},
		Locks: LockConfig{
			Staleness:         60 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			ReapInterval:      30 * time.Second,
		},
		Lifecycle: LifecycleConfig{DefaultTimeout: 60 * time.Second},
		Receivers: ReceiverConfig{Rate: 1, Burst: 5},
		Health: HealthConfig{
			ReconcileInterval: 10 * time.Second,
			RetryInterval:     time.Second,
			CheckTimeout:      2 * time.Second,
		},
		Log:                     LogConfig{Level: "INFO", Format: "JSON"},
		Notify:                  NotifyConfig{MaxElapsed: 30 * time.Second},
		DefaultDeletionCriteria: "OLDEST_FIRST",
		Profiles:                []profile.Spec{{ID: "default", Type: profile.TypeMemory}},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays YAML onto cfg. Unknown keys are errors.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and that profile ids are unique.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := map[string]bool{}
	for _, p := range c.Profiles {
		if seen[p.ID] {
			return fmt.Errorf("invalid config: duplicate profile %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// applyEnv overrides fields from CONDUCTOR_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"CONDUCTOR_ENGINE_ID":          &c.EngineID,
		"CONDUCTOR_LISTEN_ADDR":        &c.ListenAddr,
		"CONDUCTOR_API_TOKEN":          &c.APIToken,
		"CONDUCTOR_STORE_ENGINE":       &c.Store.Engine,
		"CONDUCTOR_STORE_PATH":         &c.Store.Path,
		"CONDUCTOR_LOG_LEVEL":          &c.Log.Level,
		"CONDUCTOR_LOG_FORMAT":         &c.Log.Format,
		"CONDUCTOR_NOTIFY_WEBHOOK_URL": &c.Notify.WebhookURL,
		"CONDUCTOR_NOTIFY_TOKEN":       &c.Notify.Token,
		"CONDUCTOR_DELETION_CRITERIA":  &c.DefaultDeletionCriteria,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	if v, ok := lookup("CONDUCTOR_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONDUCTOR_WORKERS: %w", err)
		}
		c.Workers = n
	}

	durations := map[string]*time.Duration{
		"CONDUCTOR_LOCK_STALENESS":     &c.Locks.Staleness,
		"CONDUCTOR_HEARTBEAT_INTERVAL": &c.Locks.HeartbeatInterval,
		"CONDUCTOR_REAP_INTERVAL":      &c.Locks.ReapInterval,
		"CONDUCTOR_LIFECYCLE_TIMEOUT":  &c.Lifecycle.DefaultTimeout,
		"CONDUCTOR_HEALTH_RECONCILE":   &c.Health.ReconcileInterval,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup("CONDUCTOR_RECEIVER_RATE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CONDUCTOR_RECEIVER_RATE: %w", err)
		}
		c.Receivers.Rate = f
	}
	return nil
}
