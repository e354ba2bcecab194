// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads authcore settings from defaults, a YAML file, the
// environment and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/authcore/internal/auth"
)

// EnvPrefix prefixes every environment override. Nested keys use a double
// underscore: AUTHCORE_SESSION__TTL sets session.ttl.
const EnvPrefix = "AUTHCORE_"

// Config is the full authcore configuration.
type Config struct {
	Session SessionConfig `koanf:"session"`
	Token   TokenConfig   `koanf:"token"`
	Lockout LockoutConfig `koanf:"lockout"`
	Hash    HashConfig    `koanf:"hash"`
	Storage StorageConfig `koanf:"storage"`
	HTTP    HTTPConfig    `koanf:"http"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Janitor JanitorConfig `koanf:"janitor"`
	Mail    MailConfig    `koanf:"mail"`
}

// SessionConfig controls session lifetime and the session cookie.
type SessionConfig struct {
	TTL        time.Duration `koanf:"ttl"`
	CookieName string        `koanf:"cookie_name"`
	SameSite   string        `koanf:"same_site"`
	Secure     bool          `koanf:"secure"`
}

// TokenConfig controls single-use token lifetimes.
type TokenConfig struct {
	VerifyTTL time.Duration `koanf:"verify_ttl"`
	ResetTTL  time.Duration `koanf:"reset_ttl"`
}

// LockoutConfig mirrors auth.LockoutPolicy.
type LockoutConfig struct {
	Threshold       int           `koanf:"threshold"`
	SourceThreshold int           `koanf:"source_threshold"`
	Window          time.Duration `koanf:"window"`
}

// HashConfig mirrors auth.HashParams.
type HashConfig struct {
	Algorithm   string `koanf:"algorithm"`
	MemoryKiB   uint32 `koanf:"memory_kib"`
	Iterations  uint32 `koanf:"iterations"`
	Parallelism uint8  `koanf:"parallelism"`
	KeyLength   uint32 `koanf:"key_length"`
	BcryptCost  int    `koanf:"bcrypt_cost"`
}

// StorageConfig configures PostgreSQL access.
type StorageConfig struct {
	DatabaseURL string        `koanf:"database_url"`
	Timeout     time.Duration `koanf:"timeout"`
	MaxConns    int32         `koanf:"max_conns"`
	AutoMigrate bool          `koanf:"auto_migrate"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Addr string `koanf:"addr"`
	// BaseURL prefixes links sent by email.
	BaseURL     string  `koanf:"base_url"`
	SourceRPS   float64 `koanf:"source_rps"`
	SourceBurst int     `koanf:"source_burst"`
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool `koanf:"trust_proxy"`
}

// MetricsConfig configures the observability listener. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// JanitorConfig configures the background purge of expired records.
type JanitorConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// MailConfig configures outgoing account email. An empty Outbox writes
// messages to stderr.
type MailConfig struct {
	From   string `koanf:"from"`
	Outbox string `koanf:"outbox"`
}

// Default returns the built-in configuration.
func Default() Config {
	settings := auth.DefaultSettings()
	return Config{
		Session: SessionConfig{
			TTL:        settings.SessionTTL,
			CookieName: "session_id",
			SameSite:   "lax",
			Secure:     true,
		},
		Token: TokenConfig{
			VerifyTTL: settings.Account.VerifyTokenTTL,
			ResetTTL:  settings.Account.ResetTokenTTL,
		},
		Lockout: LockoutConfig{
			Threshold:       settings.Lockout.Threshold,
			SourceThreshold: settings.Lockout.SourceThreshold,
			Window:          settings.Lockout.Window,
		},
		Hash: HashConfig{
			Algorithm:   settings.Hash.Algorithm,
			MemoryKiB:   settings.Hash.Memory,
			Iterations:  settings.Hash.Iterations,
			Parallelism: settings.Hash.Parallelism,
			KeyLength:   settings.Hash.KeyLength,
			BcryptCost:  settings.Hash.BcryptCost,
		},
		Storage: StorageConfig{
			Timeout:  5 * time.Second,
			MaxConns: 10,
		},
		HTTP: HTTPConfig{
			Addr:        ":8080",
			BaseURL:     "http://localhost:8080",
			SourceRPS:   5,
			SourceBurst: 20,
		},
		Metrics: MetricsConfig{Addr: ":9100"},
		Log:     LogConfig{Format: "json", Level: "info"},
		Janitor: JanitorConfig{Interval: 10 * time.Minute},
		Mail:    MailConfig{From: "noreply@authcore.local"},
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"database-url": "storage.database_url",
	"http-addr":    "http.addr",
	"base-url":     "http.base_url",
	"metrics-addr": "metrics.addr",
	"log-format":   "log.format",
	"log-level":    "log.level",
	"auto-migrate": "storage.auto_migrate",
}

// FlagKey returns the configuration key bound to a flag name.
func FlagKey(flag string) (string, bool) {
	key, ok := flagKeys[flag]
	return key, ok
}

// Load builds a Config. path may be empty; flags may be nil. Only flags
// that were set on the command line override lower layers.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, oops.Code("CONFIG_INVALID").Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey turns AUTHCORE_LOCKOUT__SOURCE_THRESHOLD into lockout.source_threshold.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate rejects values the core cannot run with.
func (c Config) Validate() error {
	err := validation.Errors{
		"session": validation.ValidateStruct(&c.Session,
			validation.Field(&c.Session.TTL, validation.Required, validation.Min(time.Minute)),
			validation.Field(&c.Session.CookieName, validation.Required),
			validation.Field(&c.Session.SameSite, validation.In("lax", "strict", "none")),
		),
		"token": validation.ValidateStruct(&c.Token,
			validation.Field(&c.Token.VerifyTTL, validation.Required, validation.Min(time.Minute)),
			validation.Field(&c.Token.ResetTTL, validation.Required, validation.Min(time.Minute)),
		),
		"lockout": validation.ValidateStruct(&c.Lockout,
			validation.Field(&c.Lockout.Threshold, validation.Required, validation.Min(1)),
			validation.Field(&c.Lockout.SourceThreshold, validation.Required, validation.Min(1)),
			validation.Field(&c.Lockout.Window, validation.Required, validation.Min(time.Second)),
		),
		"storage": validation.ValidateStruct(&c.Storage,
			validation.Field(&c.Storage.Timeout, validation.Required),
			validation.Field(&c.Storage.MaxConns, validation.Min(int32(1))),
		),
		"http": validation.ValidateStruct(&c.HTTP,
			validation.Field(&c.HTTP.Addr, validation.Required),
			validation.Field(&c.HTTP.BaseURL, validation.Required, is.URL),
			validation.Field(&c.HTTP.SourceRPS, validation.Min(0.0)),
			validation.Field(&c.HTTP.SourceBurst, validation.Min(0)),
		),
		"log": validation.ValidateStruct(&c.Log,
			validation.Field(&c.Log.Format, validation.In("json", "text")),
			validation.Field(&c.Log.Level, validation.In("debug", "info", "warn", "error")),
		),
		"janitor": validation.ValidateStruct(&c.Janitor,
			validation.Field(&c.Janitor.Interval, validation.Required, validation.Min(time.Second)),
		),
		"mail": validation.ValidateStruct(&c.Mail,
			validation.Field(&c.Mail.From, validation.Required, is.Email),
		),
	}.Filter()
	if err != nil {
		return oops.Code("CONFIG_INVALID").Wrap(err)
	}

	if c.Session.SameSite == "none" && !c.Session.Secure {
		return oops.Code("CONFIG_INVALID").
			With("field", "session.same_site").
			Wrap(errors.New("same_site none requires secure cookies"))
	}
	if err := c.HashParams().Validate(); err != nil {
		return oops.Code("CONFIG_INVALID").With("field", "hash").Errorf("hash: %v", err)
	}
	return nil
}

// HashParams converts the hash section to auth.HashParams.
func (c Config) HashParams() auth.HashParams {
	p := auth.DefaultHashParams()
	p.Algorithm = c.Hash.Algorithm
	p.Memory = c.Hash.MemoryKiB
	p.Iterations = c.Hash.Iterations
	p.Parallelism = c.Hash.Parallelism
	p.KeyLength = c.Hash.KeyLength
	p.BcryptCost = c.Hash.BcryptCost
	return p
}

// Settings converts the configuration to auth.Settings.
func (c Config) Settings() auth.Settings {
	return auth.Settings{
		SessionTTL: c.Session.TTL,
		Lockout: auth.LockoutPolicy{
			Threshold:       c.Lockout.Threshold,
			SourceThreshold: c.Lockout.SourceThreshold,
			Window:          c.Lockout.Window,
		},
		Hash: c.HashParams(),
		Account: auth.AccountConfig{
			BaseURL:        strings.TrimRight(c.HTTP.BaseURL, "/"),
			VerifyTokenTTL: c.Token.VerifyTTL,
			ResetTokenTTL:  c.Token.ResetTTL,
		},
	}
}

// CookieSameSite returns the http.SameSite mode for the session cookie.
func (c Config) CookieSameSite() http.SameSite {
	switch c.Session.SameSite {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// RedactedDatabaseURL returns the database URL with any password masked.
func (c Config) RedactedDatabaseURL() string {
	u, err := url.Parse(c.Storage.DatabaseURL)
	if err != nil || u.User == nil {
		return c.Storage.DatabaseURL
	}
	return u.Redacted()
}
