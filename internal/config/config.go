// Package config loads the optional wsfetch-server YAML file and watches it for
// rate-limit changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/floegence/wsfetch/ratelimit"
	"github.com/floegence/wsfetch/server"
	"gopkg.in/yaml.v3"
)

// File mirrors the YAML document. Zero values leave the flag/env settings alone.
type File struct {
	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`
	Path          string `yaml:"path"`

	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowNoOrigin  *bool    `yaml:"allow_no_origin"`
	MaxConns       int      `yaml:"max_conns"`

	Auth      AuthFile      `yaml:"auth"`
	RateLimit RateLimitFile `yaml:"rate_limit"`
	Session   SessionFile   `yaml:"session"`
}

type AuthFile struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

// RateLimitFile is the hot-reloadable part of the file.
type RateLimitFile struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests *int          `yaml:"max_requests"` // 0 disables limiting; absent keeps the default.
}

type SessionFile struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxPending   int           `yaml:"max_pending"`
	MaxChunkSize int           `yaml:"max_chunk_size"`
}

// Load reads and validates path.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

func (f *File) validate() error {
	switch {
	case f.MaxConns < 0:
		return errors.New("max_conns must be >= 0")
	case f.RateLimit.Window < 0:
		return errors.New("rate_limit.window must be >= 0")
	case f.RateLimit.MaxRequests != nil && *f.RateLimit.MaxRequests < 0:
		return errors.New("rate_limit.max_requests must be >= 0")
	case f.Session.Timeout < 0, f.Session.MaxPending < 0, f.Session.MaxChunkSize < 0:
		return errors.New("session values must be >= 0")
	}
	return nil
}

// RateLimitConfig overlays the file's rate limit on base.
func (f *File) RateLimitConfig(base ratelimit.Config) ratelimit.Config {
	if f.RateLimit.Window > 0 {
		base.Window = f.RateLimit.Window
	}
	if f.RateLimit.MaxRequests != nil {
		base.MaxRequests = *f.RateLimit.MaxRequests
	}
	return base
}

// Apply overlays every set field of f on cfg.
func (f *File) Apply(cfg *server.Config) {
	if f.Path != "" {
		cfg.Path = f.Path
	}
	if len(f.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = append([]string(nil), f.AllowedOrigins...)
	}
	if f.AllowNoOrigin != nil {
		cfg.AllowNoOrigin = *f.AllowNoOrigin
	}
	if f.MaxConns > 0 {
		cfg.MaxConns = f.MaxConns
	}
	if f.Auth.JWTSecret != "" {
		cfg.JWTSecret = []byte(f.Auth.JWTSecret)
	}
	if f.Auth.Issuer != "" {
		cfg.JWTIssuer = f.Auth.Issuer
	}
	if f.Auth.Audience != "" {
		cfg.JWTAudience = f.Auth.Audience
	}
	cfg.RateLimit = f.RateLimitConfig(cfg.RateLimit)
	if f.Session.Timeout > 0 {
		cfg.Session.Timeout = f.Session.Timeout
	}
	if f.Session.MaxPending > 0 {
		cfg.Session.MaxPending = f.Session.MaxPending
	}
	if f.Session.MaxChunkSize > 0 {
		cfg.Session.MaxChunkSize = f.Session.MaxChunkSize
	}
}
