// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// Environment variables read by ConfigFromEnv. mpirun sets them for every
// process it starts.
const (
	EnvSize        = "MPI_SIZE"
	EnvRank        = "MPI_RANK"
	EnvJob         = "MPI_JOB"
	EnvRendezvous  = "MPI_RENDEZVOUS"
	EnvTransport   = "MPI_TRANSPORT"
	EnvAddr        = "MPI_ADDR"
	EnvConfig      = "MPI_CONFIG"
	EnvMetricsAddr = "MPI_METRICS_ADDR"
	EnvLogLevel    = "MPI_LOG_LEVEL"
)

// Config describes how a process joins its job
type Config struct {
	Size       int      `yaml:"size"`
	Rank       int      `yaml:"rank"` // -1: assigned by the rendezvous service
	Job        string   `yaml:"job"`
	Transport  string   `yaml:"transport"`
	Addr       string   `yaml:"addr"`       // listen address for inbound links
	Rendezvous string   `yaml:"rendezvous"` // JSON-RPC URL of the rendezvous service
	Peers      []string `yaml:"peers"`      // static address table, indexed by rank

	InitTimeout       time.Duration `yaml:"init_timeout"`
	Compression       bool          `yaml:"compression"`
	CompressThreshold int           `yaml:"compress_threshold"` // payload bytes
	Checksum          bool          `yaml:"checksum"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// DefaultConfig returns a single-process configuration on the default transport
func DefaultConfig() Config {
	return Config{
		Size:              1,
		Rank:              -1,
		Transport:         DefaultTransport,
		Addr:              "127.0.0.1:0",
		InitTimeout:       30 * time.Second,
		CompressThreshold: 64 * 1024,
		LogLevel:          "warn",
	}
}

// LoadConfig reads a YAML config file over the defaults
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// ConfigFromEnv builds a config from MPI_CONFIG (if set) and the other MPI_*
// variables, which take precedence over the file.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if path := os.Getenv(EnvConfig); path != "" {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return cfg, err
		}
	}
	for _, v := range []struct {
		name string
		dst  *int
	}{{EnvSize, &cfg.Size}, {EnvRank, &cfg.Rank}} {
		s := os.Getenv(v.name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return cfg, errors.Wrapf(err, "parse %s", v.name)
		}
		*v.dst = n
	}
	for _, v := range []struct {
		name string
		dst  *string
	}{
		{EnvJob, &cfg.Job},
		{EnvRendezvous, &cfg.Rendezvous},
		{EnvTransport, &cfg.Transport},
		{EnvAddr, &cfg.Addr},
		{EnvMetricsAddr, &cfg.MetricsAddr},
		{EnvLogLevel, &cfg.LogLevel},
	} {
		if s := os.Getenv(v.name); s != "" {
			*v.dst = s
		}
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Size < 1 {
		return errors.Errorf("config: size %d", c.Size)
	}
	if c.Rank >= c.Size {
		return rankErr(c.Rank, c.Size, "config rank")
	}
	if len(c.Peers) > 0 && len(c.Peers) != c.Size {
		return errors.Errorf("config: %d peers for size %d", len(c.Peers), c.Size)
	}
	if !HasTransport(c.Transport) {
		return errors.Errorf("config: unknown transport %q (have %s)",
			c.Transport, strings.Join(AvailableTransports(), ", "))
	}
	return nil
}

func (c *Config) frameOptions() frameOptions {
	o := frameOptions{checksum: c.Checksum}
	if c.Compression {
		o.compressAbove = max(c.CompressThreshold, 1)
	}
	return o
}

// AbortHandler runs when the job aborts, locally or because a peer did
type AbortHandler func(code int, err error)

// Option configures a Proc
type Option func(*options)

type options struct {
	logger    *slog.Logger
	onAbort   AbortHandler
	codec     Codec
	registry  *prometheus.Registry
	registrar Registrar
	edit      []func(*Config)
}

// WithLogger sets the base logger; rank and job attributes are added
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAbortHandler replaces the default handler, which exits the process
func WithAbortHandler(h AbortHandler) Option {
	return func(o *options) { o.onAbort = h }
}

// WithCodec sets the codec used by SendObject and RecvObject
func WithCodec(c Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithRegistry sets the metrics registry
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithRegistrar joins the job through r instead of Config.Rendezvous
func WithRegistrar(r Registrar) Option {
	return func(o *options) { o.registrar = r }
}

// WithConfig edits the config before the Proc is built
func WithConfig(fn func(*Config)) Option {
	return func(o *options) { o.edit = append(o.edit, fn) }
}
