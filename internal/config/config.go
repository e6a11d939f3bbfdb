// Package config loads cartsync configuration.
//
// Values are layered: Default, then an optional CUE file validated against
// the embedded schema, then CARTSYNC_* environment variables. Command-line
// flags are applied on top by the cli package.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed schema.cue
var schemaSource string

// Storage drivers.
const (
	DriverMemory    = "memory"
	DriverSQLite    = "sqlite"
	DriverRedis     = "redis"
	DriverPostgres  = "postgres"
	DriverFirestore = "firestore"
)

// Token sources for the realtime channel.
const (
	SourceNone     = "none"
	SourceStatic   = "static"
	SourceEnv      = "env"
	SourceFirebase = "firebase"
)

type Config struct {
	Storage  Storage  `json:"storage"`
	Order    Order    `json:"order"`
	Realtime Realtime `json:"realtime"`
	Firebase Firebase `json:"firebase"`
	Relay    Relay    `json:"relay"`
}

type Storage struct {
	Driver          string `json:"driver"`
	Path            string `json:"path"`
	Addr            string `json:"addr"`
	DSN             string `json:"dsn"`
	Project         string `json:"project"`
	Collection      string `json:"collection"`
	CredentialsFile string `json:"credentials_file"`
	Namespace       string `json:"namespace"`
	TTL             string `json:"ttl"`
}

type Order struct {
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout"`
}

type Realtime struct {
	URL        string `json:"url"`
	Source     string `json:"source"`
	Token      string `json:"token"`
	TokenEnv   string `json:"token_env"`
	TokenParam string `json:"token_param"`
	BaseDelay  string `json:"base_delay"`
	MaxDelay   string `json:"max_delay"`
}

type Firebase struct {
	Project         string `json:"project"`
	CredentialsFile string `json:"credentials_file"`
	UID             string `json:"uid"`
}

type Relay struct {
	Addr      string `json:"addr"`
	Token     string `json:"token"`
	RedisAddr string `json:"redis_addr"`
	Channel   string `json:"channel"`
}

// Default returns the built-in configuration: a local SQLite cart and a
// relay on localhost.
func Default() Config {
	return Config{
		Storage: Storage{
			Driver:     DriverSQLite,
			Path:       "cartsync.db",
			Collection: "cartsync",
			Namespace:  "cartsync",
		},
		Order: Order{
			Timeout: "10s",
		},
		Realtime: Realtime{
			Source:     SourceNone,
			TokenEnv:   "CARTSYNC_TOKEN",
			TokenParam: "token",
			BaseDelay:  "1s",
			MaxDelay:   "30s",
		},
		Relay: Relay{
			Addr:    "127.0.0.1:8787",
			Channel: "cartsync:events",
		},
	}
}

// Load builds the configuration from defaults, the file at path (skipped
// when path is empty), and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		file, err := Parse(data, path)
		if err != nil {
			return Config{}, err
		}
		cfg.merge(file)
	}

	cfg.applyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse validates CUE source against the schema and decodes it. Fields
// absent from the source are left zero.
func Parse(data []byte, filename string) (Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile config schema: %w", err)
	}

	file := ctx.CompileBytes(data, cue.Filename(filename))
	if err := file.Err(); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", filename, err)
	}

	value := schema.LookupPath(cue.ParsePath("#Config")).Unify(file)
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", filename, err)
	}

	var out Config
	if err := value.Decode(&out); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", filename, err)
	}
	return out, nil
}

// merge copies every non-empty field of src over c.
func (c *Config) merge(src Config) {
	set(&c.Storage.Driver, src.Storage.Driver)
	set(&c.Storage.Path, src.Storage.Path)
	set(&c.Storage.Addr, src.Storage.Addr)
	set(&c.Storage.DSN, src.Storage.DSN)
	set(&c.Storage.Project, src.Storage.Project)
	set(&c.Storage.Collection, src.Storage.Collection)
	set(&c.Storage.CredentialsFile, src.Storage.CredentialsFile)
	set(&c.Storage.Namespace, src.Storage.Namespace)
	set(&c.Storage.TTL, src.Storage.TTL)

	set(&c.Order.BaseURL, src.Order.BaseURL)
	set(&c.Order.Timeout, src.Order.Timeout)

	set(&c.Realtime.URL, src.Realtime.URL)
	set(&c.Realtime.Source, src.Realtime.Source)
	set(&c.Realtime.Token, src.Realtime.Token)
	set(&c.Realtime.TokenEnv, src.Realtime.TokenEnv)
	set(&c.Realtime.TokenParam, src.Realtime.TokenParam)
	set(&c.Realtime.BaseDelay, src.Realtime.BaseDelay)
	set(&c.Realtime.MaxDelay, src.Realtime.MaxDelay)

	set(&c.Firebase.Project, src.Firebase.Project)
	set(&c.Firebase.CredentialsFile, src.Firebase.CredentialsFile)
	set(&c.Firebase.UID, src.Firebase.UID)

	set(&c.Relay.Addr, src.Relay.Addr)
	set(&c.Relay.Token, src.Relay.Token)
	set(&c.Relay.RedisAddr, src.Relay.RedisAddr)
	set(&c.Relay.Channel, src.Relay.Channel)
}

// applyEnv overlays CARTSYNC_* variables.
func (c *Config) applyEnv(getenv func(string) string) {
	env := func(dst *string, name string) {
		set(dst, strings.TrimSpace(getenv(name)))
	}

	env(&c.Storage.Driver, "CARTSYNC_STORAGE_DRIVER")
	env(&c.Storage.Path, "CARTSYNC_STORAGE_PATH")
	env(&c.Storage.Addr, "CARTSYNC_STORAGE_ADDR")
	env(&c.Storage.DSN, "CARTSYNC_STORAGE_DSN")
	env(&c.Storage.Project, "CARTSYNC_STORAGE_PROJECT")
	env(&c.Storage.Namespace, "CARTSYNC_STORAGE_NAMESPACE")

	env(&c.Order.BaseURL, "CARTSYNC_ORDER_URL")
	env(&c.Order.Timeout, "CARTSYNC_ORDER_TIMEOUT")

	env(&c.Realtime.URL, "CARTSYNC_REALTIME_URL")
	env(&c.Realtime.Source, "CARTSYNC_REALTIME_SOURCE")
	env(&c.Realtime.Token, "CARTSYNC_REALTIME_TOKEN")

	env(&c.Firebase.Project, "CARTSYNC_FIREBASE_PROJECT")
	env(&c.Firebase.CredentialsFile, "CARTSYNC_FIREBASE_CREDENTIALS")
	env(&c.Firebase.UID, "CARTSYNC_FIREBASE_UID")

	env(&c.Relay.Addr, "CARTSYNC_RELAY_ADDR")
	env(&c.Relay.Token, "CARTSYNC_RELAY_TOKEN")
	env(&c.Relay.RedisAddr, "CARTSYNC_RELAY_REDIS_ADDR")
}

// Validate checks cross-field requirements the schema cannot express, and
// the fields that environment variables or flags may have set.
func (c Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	case DriverRedis:
		if c.Storage.Addr == "" {
			errs = append(errs, errors.New("storage.addr is required for redis"))
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	case DriverFirestore:
		if c.Storage.Project == "" {
			errs = append(errs, errors.New("storage.project is required for firestore"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	switch c.Realtime.Source {
	case "", SourceNone, SourceEnv:
	case SourceStatic:
		if c.Realtime.Token == "" {
			errs = append(errs, errors.New("realtime.token is required for the static source"))
		}
	case SourceFirebase:
		if c.Firebase.UID == "" {
			errs = append(errs, errors.New("firebase.uid is required for the firebase source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown realtime.source %q", c.Realtime.Source))
	}

	for name, value := range map[string]string{
		"storage.ttl":         c.Storage.TTL,
		"order.timeout":       c.Order.Timeout,
		"realtime.base_delay": c.Realtime.BaseDelay,
		"realtime.max_delay":  c.Realtime.MaxDelay,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

// Duration parses a validated duration field. Empty means zero.
func Duration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func set(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
