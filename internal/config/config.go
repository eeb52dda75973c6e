// Package config loads geocore's configuration.
//
// Configuration is layered:
//  1. defaults from the embedded CUE schema
//  2. an optional CUE or JSON file unified with the schema
//  3. GEOCORE_* environment variables
//
// The result is checked against struct validation rules before use.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/roach88/geocore/internal/app"
)

//go:embed schema.cue
var schemaSource string

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Duration is a time.Duration written as a Go duration string ("1s",
// "250ms") in files and environment variables.
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats d as a duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full geocore configuration.
type Config struct {
	Engine  EngineConfig  `json:"engine"`
	Geo     GeoConfig     `json:"geo"`
	Storage StorageConfig `json:"storage"`
	View    ViewConfig    `json:"view"`
	Host    HostConfig    `json:"host"`
	Log     LogConfig     `json:"log"`
}

// EngineConfig tunes the transition engine.
type EngineConfig struct {
	MaxCascade       int  `json:"max_cascade" env:"GEOCORE_MAX_CASCADE" validate:"min=1"`
	ConsistencyCheck int  `json:"consistency_check" env:"GEOCORE_CONSISTENCY_CHECK" validate:"min=0"`
	BulkThreshold    int  `json:"bulk_threshold" env:"GEOCORE_BULK_THRESHOLD" validate:"min=1"`
	Digests          bool `json:"digests" env:"GEOCORE_DIGESTS"`
}

// GeoConfig configures geolocation.
type GeoConfig struct {
	TickInterval Duration `json:"tick_interval" env:"GEOCORE_TICK_INTERVAL" validate:"gt=0"`
	Timeout      Duration `json:"timeout" env:"GEOCORE_GEO_TIMEOUT" validate:"gt=0"`
	MaximumAge   Duration `json:"maximum_age" env:"GEOCORE_GEO_MAXIMUM_AGE" validate:"min=0"`
	HighAccuracy bool     `json:"high_accuracy" env:"GEOCORE_GEO_HIGH_ACCURACY"`
}

// StorageConfig names where state is kept.
type StorageConfig struct {
	EntitiesKey string `json:"entities_key" env:"GEOCORE_ENTITIES_KEY" validate:"required"`
	WaysKey     string `json:"ways_key" env:"GEOCORE_WAYS_KEY" validate:"required,nefield=EntitiesKey"`
	Journal     string `json:"journal" env:"GEOCORE_JOURNAL"`
	KVDir       string `json:"kv_dir" env:"GEOCORE_KV_DIR"`
}

// ViewConfig sets the initial view.
type ViewConfig struct {
	InitialNearest int    `json:"initial_nearest" env:"GEOCORE_INITIAL_NEAREST" validate:"min=0"`
	InitialWays    int    `json:"initial_ways" env:"GEOCORE_INITIAL_WAYS" validate:"min=0"`
	ExportName     string `json:"export_name" env:"GEOCORE_EXPORT_NAME" validate:"required"`
}

// HostConfig configures the collaborators that perform effects.
type HostConfig struct {
	EffectTimeout Duration `json:"effect_timeout" env:"GEOCORE_EFFECT_TIMEOUT" validate:"gt=0"`
	Workers       int      `json:"workers" env:"GEOCORE_WORKERS" validate:"min=1"`
	DownloadDir   string   `json:"download_dir" env:"GEOCORE_DOWNLOAD_DIR"`
	HTTPAddr      string   `json:"http_addr" env:"GEOCORE_HTTP_ADDR" validate:"omitempty,hostname_port"`
	TrackFile     string   `json:"track_file" env:"GEOCORE_TRACK_FILE" validate:"omitempty,filepath"`
	TrackRate     float64  `json:"track_rate" env:"GEOCORE_TRACK_RATE" validate:"min=0"`
}

// LogConfig configures logging and tracing.
type LogConfig struct {
	Level   string `json:"level" env:"GEOCORE_LOG_LEVEL" validate:"oneof=debug info warn error"`
	Tracing bool   `json:"tracing" env:"GEOCORE_TRACING"`
}

// Error is a configuration error with the CUE position it was found at,
// when known.
type Error struct {
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// Default returns the schema defaults with no file and no environment.
func Default() (*Config, error) {
	return decode(cuecontext.New(), nil, "")
}

// Load reads the file at path (empty for none), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return LoadBytes(path, data)
}

// LoadBytes is Load for configuration already in memory. name is used in
// error positions.
func LoadBytes(name string, data []byte) (*Config, error) {
	cfg, err := decode(cuecontext.New(), data, name)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(ctx *cue.Context, data []byte, name string) (*Config, error) {
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	v := schema.LookupPath(cue.ParsePath("#Config"))

	if len(data) > 0 {
		file := ctx.CompileBytes(data, cue.Filename(name))
		if err := file.Err(); err != nil {
			return nil, cueError(err)
		}
		v = v.Unify(file)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(err)
	}

	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, cueError(err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func cueError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &Error{Message: err.Error()}
	}
	first := errs[0]
	msg := strings.TrimSpace(cueerrors.Details(first, nil))
	if len(errs) > 1 {
		msg = fmt.Sprintf("%s (and %d more errors)", msg, len(errs)-1)
	}
	return &Error{Message: msg, Pos: first.Position()}
}

// ApplyEnv overrides fields from GEOCORE_* environment variables.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks c against its field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// AppSettings returns the domain settings c describes.
func (c *Config) AppSettings() app.Settings {
	return app.Settings{
		TickInterval: c.Geo.TickInterval.Std(),
		Geo: app.GeoOptions{
			MaximumAge:   c.Geo.MaximumAge.Std(),
			Timeout:      c.Geo.Timeout.Std(),
			HighAccuracy: c.Geo.HighAccuracy,
		},
		EntitiesKey:    c.Storage.EntitiesKey,
		WaysKey:        c.Storage.WaysKey,
		ExportName:     c.View.ExportName,
		InitialNearest: c.View.InitialNearest,
		InitialWays:    c.View.InitialWays,
	}
}
