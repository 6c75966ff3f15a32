package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Config file  (file.go)
//   4. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the CHAINPROXY_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  CHAINPROXY_STEPS is a
// comma-separated list.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CHAINPROXY_ENTRY"); v != "" {
		cfg.EntrySpec = v
	}
	if v := os.Getenv("CHAINPROXY_STEPS"); v != "" {
		cfg.StepSpecs = splitList(v)
	}
	if v := envInt("CHAINPROXY_LOOP_MS"); v > 0 {
		cfg.LoopInterval = time.Duration(v) * time.Millisecond
	}

	// HTTP session entry
	if v := os.Getenv("CHAINPROXY_SALT"); v != "" {
		cfg.Salt = v
	}
	if v := envInt("CHAINPROXY_SESSION_TIMEOUT"); v > 0 {
		cfg.SessionTimeout = secondsDuration(v)
	}

	// Upstream
	if v := envInt("CHAINPROXY_DIAL_TIMEOUT"); v > 0 {
		cfg.DialTimeout = secondsDuration(v)
	}
	if v := envInt("CHAINPROXY_DIAL_RETRIES"); v > 0 {
		cfg.DialRetries = v
	}
	if envBool("CHAINPROXY_INSECURE") {
		cfg.InsecureTLS = true
	}

	// SSH tunnel
	if v := os.Getenv("CHAINPROXY_TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := os.Getenv("CHAINPROXY_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("CHAINPROXY_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("CHAINPROXY_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("CHAINPROXY_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("CHAINPROXY_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Output
	if v := envInt("CHAINPROXY_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
	if v := os.Getenv("CHAINPROXY_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("CHAINPROXY_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
