package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk YAML layout.  Durations use Go syntax
// ("90s", "500ms").
type fileConfig struct {
	Entry    string   `yaml:"entry"`
	Steps    []string `yaml:"steps"`
	LoopTime string   `yaml:"loop_time"`

	Session struct {
		Salt    string `yaml:"salt"`
		Timeout string `yaml:"timeout"`
	} `yaml:"session"`

	Dial struct {
		Timeout  string `yaml:"timeout"`
		Retries  int    `yaml:"retries"`
		Insecure bool   `yaml:"insecure"`
	} `yaml:"dial"`

	Tunnel struct {
		Spec          string `yaml:"spec"`
		Key           string `yaml:"key"`
		Password      bool   `yaml:"password"`
		Agent         bool   `yaml:"agent"`
		StrictHostKey bool   `yaml:"strict_host_key"`
		KnownHosts    string `yaml:"known_hosts"`
	} `yaml:"tunnel"`

	Log struct {
		Verbose int    `yaml:"verbose"`
		File    string `yaml:"file"`
	} `yaml:"log"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// LoadFile overlays the YAML file at path onto cfg.  Unknown keys are
// rejected; absent keys leave cfg untouched.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}
	return fc.apply(cfg)
}

func (fc *fileConfig) apply(cfg *Config) error {
	if fc.Entry != "" {
		cfg.EntrySpec = fc.Entry
	}
	if len(fc.Steps) > 0 {
		cfg.StepSpecs = fc.Steps
	}
	if err := setDuration(&cfg.LoopInterval, "loop_time", fc.LoopTime); err != nil {
		return err
	}

	if fc.Session.Salt != "" {
		cfg.Salt = fc.Session.Salt
	}
	if err := setDuration(&cfg.SessionTimeout, "session.timeout", fc.Session.Timeout); err != nil {
		return err
	}

	if err := setDuration(&cfg.DialTimeout, "dial.timeout", fc.Dial.Timeout); err != nil {
		return err
	}
	if fc.Dial.Retries > 0 {
		cfg.DialRetries = fc.Dial.Retries
	}
	cfg.InsecureTLS = cfg.InsecureTLS || fc.Dial.Insecure

	if fc.Tunnel.Spec != "" {
		cfg.TunnelSpec = fc.Tunnel.Spec
	}
	if fc.Tunnel.Key != "" {
		cfg.SSHKeyPath = fc.Tunnel.Key
	}
	cfg.SSHPassword = cfg.SSHPassword || fc.Tunnel.Password
	cfg.UseSSHAgent = cfg.UseSSHAgent || fc.Tunnel.Agent
	cfg.StrictHostKey = cfg.StrictHostKey || fc.Tunnel.StrictHostKey
	if fc.Tunnel.KnownHosts != "" {
		cfg.KnownHostsPath = fc.Tunnel.KnownHosts
	}

	if fc.Log.Verbose > 0 {
		cfg.Verbose = fc.Log.Verbose
	}
	if fc.Log.File != "" {
		cfg.LogFile = fc.Log.File
	}
	if fc.Metrics.Addr != "" {
		cfg.MetricsAddr = fc.Metrics.Addr
	}
	return nil
}

func setDuration(dst *time.Duration, key, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config file: %s: %w", key, err)
	}
	*dst = d
	return nil
}
