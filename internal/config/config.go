// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// LogLevel selects the verbosity of the structured logger.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Config stores the application configuration. It is loaded once from the
// environment on first access and cached for the lifetime of the process.
type Config struct {
	// ListenAddr/HTTPPort are where the signaling gateway and REST surface listen.
	ListenAddr string
	HTTPPort   int

	// FrontendURL is the CORS origin allowed in addition to localhost:5173.
	FrontendURL string

	// StorePath is the path to the single JSON document backing the store.
	StorePath string

	// RTCMinPort/RTCMaxPort bound the UDP port range handed to the SFU
	// for media transports.
	RTCMinPort int
	RTCMaxPort int

	// AnnouncedIP is advertised in ICE candidates for clients behind NAT.
	AnnouncedIP string

	Redis   Redis
	Metrics Metrics
	PProf   PProf

	LogLevel LogLevel
	Debug    bool
}

// Redis configures the optional Redis-backed event bus. When Enabled
// is false the signaling gateway uses an in-process pub/sub instead.
type Redis struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
}

// Metrics configures the Prometheus metrics server and OTLP tracing export.
type Metrics struct {
	Enabled      bool
	Bind         string
	Port         int
	OTLPEndpoint string
}

// PProf configures the debug pprof server.
type PProf struct {
	Enabled bool
	Bind    string
	Port    int
}

var (
	currentConfig atomic.Value
	isInit        atomic.Bool
	loaded        atomic.Bool
)

func loadConfig() Config {
	var cfg Config

	cfg.ListenAddr = envOr("LISTEN_ADDR", "0.0.0.0")
	cfg.HTTPPort = envIntOr("PORT", 3000)
	cfg.FrontendURL = os.Getenv("FRONTEND_URL")
	cfg.StorePath = envOr("STORE_PATH", "parlor.json")
	cfg.RTCMinPort = envIntOr("RTC_MIN_PORT", 40000)
	cfg.RTCMaxPort = envIntOr("RTC_MAX_PORT", 49999)
	cfg.AnnouncedIP = envOr("ANNOUNCED_IP", "127.0.0.1")

	cfg.Redis.Enabled = os.Getenv("REDIS_HOST") != ""
	cfg.Redis.Host = envOr("REDIS_HOST", "localhost")
	cfg.Redis.Port = envIntOr("REDIS_PORT", 6379)
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")

	cfg.Metrics.Enabled = os.Getenv("METRICS_DISABLED") == ""
	cfg.Metrics.Bind = envOr("METRICS_BIND", "0.0.0.0")
	cfg.Metrics.Port = envIntOr("METRICS_PORT", 9100)
	cfg.Metrics.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")

	cfg.PProf.Enabled = os.Getenv("PPROF_ENABLED") != ""
	cfg.PProf.Bind = envOr("PPROF_BIND", "127.0.0.1")
	cfg.PProf.Port = envIntOr("PPROF_PORT", 6060)

	cfg.Debug = os.Getenv("DEBUG") != ""
	cfg.LogLevel = LogLevel(envOr("LOG_LEVEL", string(LogLevelInfo)))

	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 0)
	if err != nil {
		return def
	}
	return int(n)
}

// GetConfig returns the process-wide configuration, loading it from the
// environment on the first call.
func GetConfig() *Config {
	lastInit := isInit.Swap(true)
	if !lastInit {
		currentConfig.Store(loadConfig())
		loaded.Store(true)
	}
	for !loaded.Load() {
		const loadDelay = 100 * time.Microsecond
		time.Sleep(loadDelay)
	}

	cfg, ok := currentConfig.Load().(Config)
	if !ok {
		panic("failed to load configuration")
	}
	return &cfg
}

// CORSOrigins returns the set of origins the HTTP and websocket surfaces
// should accept, per §6.4: the configured frontend URL plus localhost:5173.
func (c *Config) CORSOrigins() []string {
	origins := []string{"http://localhost:5173"}
	if c.FrontendURL != "" {
		origins = append(origins, c.FrontendURL)
	}
	return origins
}
