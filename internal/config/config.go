// Package config loads kiosk runtime configuration.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// YAML file, and KIOSK_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable, e.g. KIOSK_TENANT_ID.
const EnvPrefix = "KIOSK"

// Config is the full runtime configuration.
type Config struct {
	TenantID     string        `yaml:"tenant_id" envconfig:"TENANT_ID" validate:"required,max=128"`
	TenantSlug   string        `yaml:"tenant_slug" envconfig:"TENANT_SLUG" validate:"required,max=128"`
	KioskID      string        `yaml:"kiosk_id" envconfig:"KIOSK_ID" validate:"required,max=64"`
	DeviceID     string        `yaml:"device_id" envconfig:"DEVICE_ID" validate:"required_with=RemoteURL"`
	DeviceSecret string        `yaml:"device_secret" envconfig:"DEVICE_SECRET" validate:"required_with=RemoteURL"`
	RemoteURL    string        `yaml:"remote_url" envconfig:"REMOTE_URL" validate:"omitempty,url"`
	DBPath       string        `yaml:"db_path" envconfig:"DB_PATH" validate:"required"`
	LogFormat    string        `yaml:"log_format" envconfig:"LOG_FORMAT" validate:"oneof=text json"`
	LogLevel     string        `yaml:"log_level" envconfig:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	HTTPTimeout  time.Duration `yaml:"http_timeout" envconfig:"HTTP_TIMEOUT" validate:"gt=0"`
	MetricsAddr  string        `yaml:"metrics_addr" envconfig:"METRICS_ADDR"`
	Sync         SyncConfig    `yaml:"sync" envconfig:"SYNC"`
}

// SyncConfig tunes the sync coordinator and engine.
type SyncConfig struct {
	AutoInterval      time.Duration   `yaml:"auto_interval" envconfig:"AUTO_INTERVAL" validate:"gte=0"`
	BatchSize         int             `yaml:"batch_size" envconfig:"BATCH_SIZE" validate:"gte=1,lte=500"`
	MaxBatchesPerTick int             `yaml:"max_batches_per_tick" envconfig:"MAX_BATCHES_PER_TICK" validate:"gte=1"`
	TickBudget        time.Duration   `yaml:"tick_budget" envconfig:"TICK_BUDGET" validate:"gt=0"`
	DrainDelay        time.Duration   `yaml:"drain_delay" envconfig:"DRAIN_DELAY" validate:"gt=0"`
	BackoffMin        time.Duration   `yaml:"backoff_min" envconfig:"BACKOFF_MIN" validate:"gt=0"`
	BackoffMax        time.Duration   `yaml:"backoff_max" envconfig:"BACKOFF_MAX" validate:"gtefield=BackoffMin"`
	TriggerInterval   time.Duration   `yaml:"trigger_interval" envconfig:"TRIGGER_INTERVAL" validate:"gt=0"`
	RetryConflicts    bool            `yaml:"retry_conflicts" envconfig:"RETRY_CONFLICTS"`
	SendDelays        []time.Duration `yaml:"send_delays" envconfig:"SEND_DELAYS" validate:"max=10,dive,gt=0"`
	SendAttempts      int             `yaml:"send_attempts" envconfig:"SEND_ATTEMPTS" validate:"gte=1,lte=10"`
}

// Default returns the built-in configuration. Identity fields are empty.
func Default() Config {
	return Config{
		DBPath:      "kiosk.db",
		LogFormat:   "text",
		LogLevel:    "info",
		HTTPTimeout: 15 * time.Second,
		Sync: SyncConfig{
			AutoInterval:      30 * time.Second,
			BatchSize:         50,
			MaxBatchesPerTick: 10,
			TickBudget:        20 * time.Second,
			DrainDelay:        250 * time.Millisecond,
			BackoffMin:        2 * time.Second,
			BackoffMax:        2 * time.Minute,
			TriggerInterval:   time.Second,
			SendDelays:        []time.Duration{300 * time.Millisecond, 900 * time.Millisecond, 1800 * time.Millisecond},
			SendAttempts:      3,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and reports every violation at once.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fieldPath(fe.Namespace()), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// fieldPath drops the root type name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// SyncEnabled reports whether a remote is configured.
func (c Config) SyncEnabled() bool {
	return c.RemoteURL != ""
}

// Identity returns the read-only accessors the domain and sync layers use.
func (c Config) Identity() Identity {
	return Identity{
		tenantID:     c.TenantID,
		tenantSlug:   c.TenantSlug,
		kioskID:      c.KioskID,
		deviceID:     c.DeviceID,
		deviceSecret: c.DeviceSecret,
	}
}

// Identity exposes who this kiosk is. It satisfies pos.RuntimeConfig and
// syncer.Credentials.
type Identity struct {
	tenantID     string
	tenantSlug   string
	kioskID      string
	deviceID     string
	deviceSecret string
}

func (i Identity) TenantID() string     { return i.tenantID }
func (i Identity) TenantSlug() string   { return i.tenantSlug }
func (i Identity) KioskID() string      { return i.kioskID }
func (i Identity) DeviceID() string     { return i.deviceID }
func (i Identity) DeviceSecret() string { return i.deviceSecret }

// String hides the device secret.
func (i Identity) String() string {
	return fmt.Sprintf("tenant=%s slug=%s kiosk=%s device=%s", i.tenantID, i.tenantSlug, i.kioskID, i.deviceID)
}
