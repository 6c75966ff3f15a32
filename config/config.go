// Package config defines the runtime configuration for chainproxy and
// parses the entry, step and tunnel specifications given on the
// command line.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	ncerr "chainproxy/internal/errors"
	"chainproxy/util"
)

// Config holds every tuneable for a chainproxy process.
type Config struct {
	// ── Pipeline ─────────────────────────────────────────────────────
	EntrySpec    string   // raw -e value
	StepSpecs    []string // raw -s values, client side first
	Entry        EntrySpec
	Steps        []StepSpec
	LoopInterval time.Duration // -t: pause between worker wake cycles

	// ── HTTP session entry ───────────────────────────────────────────
	Salt           string
	SessionTimeout time.Duration

	// ── Upstream ─────────────────────────────────────────────────────
	DialTimeout time.Duration
	DialRetries int
	InsecureTLS bool // skip certificate verification for wss:// steps

	// ── SSH tunnel ───────────────────────────────────────────────────
	TunnelSpec     string // raw user@host[:port] from -T
	TunnelEnabled  bool
	TunnelUser     string
	TunnelHost     string
	TunnelPort     int
	SSHKeyPath     string
	SSHPassword    bool // true → prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string

	// ── Output ───────────────────────────────────────────────────────
	Verbose     int
	LogFile     string
	MetricsAddr string
	DryRun      bool
}

// ── Entry specs ──────────────────────────────────────────────────────

// Entry schemes.
const (
	EntryTCP   = "tcp"
	EntryWS    = "ws"
	EntryHTTP  = "http"
	EntryStdio = "stdio"
)

// EntrySpec describes where clients connect.
type EntrySpec struct {
	Raw    string
	Scheme string
	Host   string
	Port   int

	// http only; empty/zero fall back to Config.Salt/SessionTimeout
	Salt    string
	Timeout time.Duration
}

// Addr returns the listen address.
func (e EntrySpec) Addr() string { return util.FormatAddr(e.Host, e.Port) }

// ParseEntrySpec accepts "stdio:", "tcp://host:port", "ws://host:port"
// and "http://host:port[-salt[-timeoutSecs]]".
func ParseEntrySpec(spec string) (EntrySpec, error) {
	e := EntrySpec{Raw: spec}
	if spec == "stdio" || spec == "stdio:" {
		e.Scheme = EntryStdio
		return e, nil
	}

	scheme, rest, ok := strings.Cut(spec, "://")
	if !ok {
		return e, fmt.Errorf("invalid entry %q – expected scheme://host:port or stdio:", spec)
	}
	e.Scheme = strings.ToLower(scheme)

	addr := rest
	switch e.Scheme {
	case EntryTCP, EntryWS:
	case EntryHTTP:
		parts := strings.Split(rest, "-")
		addr = parts[0]
		if len(parts) >= 3 {
			if secs, err := strconv.Atoi(parts[len(parts)-1]); err == nil {
				if secs <= 0 {
					return e, fmt.Errorf("invalid session timeout %q in entry %q", parts[len(parts)-1], spec)
				}
				e.Timeout = time.Duration(secs) * time.Second
				parts = parts[:len(parts)-1]
			}
		}
		e.Salt = strings.Join(parts[1:], "-")
	default:
		return e, fmt.Errorf("unsupported entry scheme %q", scheme)
	}

	host, port, err := util.SplitHostPort(strings.TrimSuffix(addr, "/"))
	if err != nil {
		return e, fmt.Errorf("invalid entry address in %q: %w", spec, err)
	}
	e.Host, e.Port = host, port
	return e, nil
}

// ── Step specs ───────────────────────────────────────────────────────

// StepSpec is a step specification split into scheme and argument.
// "b64:fw" has Scheme "b64" and Arg "fw"; "tcp://h:1" has Scheme "tcp"
// and Arg "h:1".
type StepSpec struct {
	Raw    string
	Scheme string
	Arg    string
}

func (s StepSpec) String() string { return s.Raw }

var stepRe = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9+.-]*):(?://)?(.*)$`)

// ParseStepSpec splits a step specification.  Argument validation is
// left to the step constructor.
func ParseStepSpec(spec string) (StepSpec, error) {
	m := stepRe.FindStringSubmatch(spec)
	if m == nil {
		return StepSpec{}, fmt.Errorf("invalid step %q – expected scheme:argument", spec)
	}
	return StepSpec{Raw: spec, Scheme: strings.ToLower(m[1]), Arg: m[2]}, nil
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("tunnel host is required")
	}
	return user, host, port, nil
}

// ── Resolution and validation ────────────────────────────────────────

// ParseSpecs parses the raw entry, step and tunnel strings into their
// structured forms.
func (c *Config) ParseSpecs() error {
	if c.EntrySpec != "" {
		e, err := ParseEntrySpec(c.EntrySpec)
		if err != nil {
			return &ncerr.ConfigError{Field: "entry", Value: c.EntrySpec, Message: err.Error(),
				Hint: "use stdio:, tcp://host:port, ws://host:port or http://host:port-salt-timeout"}
		}
		c.Entry = e
	}

	c.Steps = c.Steps[:0]
	for _, raw := range c.StepSpecs {
		s, err := ParseStepSpec(raw)
		if err != nil {
			return &ncerr.ConfigError{Field: "step", Value: raw, Message: err.Error(),
				Hint: "e.g. -s b64:fw -s tcp://127.0.0.1:9000"}
		}
		c.Steps = append(c.Steps, s)
	}

	if c.TunnelSpec != "" {
		user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
		if err != nil {
			return &ncerr.ConfigError{Field: "tunnel", Value: c.TunnelSpec, Message: err.Error()}
		}
		c.TunnelEnabled = true
		c.TunnelUser, c.TunnelHost, c.TunnelPort = user, host, port
	}
	return nil
}

// SessionSalt returns the salt for the HTTP entry.
func (c *Config) SessionSalt() string {
	if c.Entry.Salt != "" {
		return c.Entry.Salt
	}
	return c.Salt
}

// SessionIdle returns the idle timeout for the HTTP entry.
func (c *Config) SessionIdle() time.Duration {
	if c.Entry.Timeout > 0 {
		return c.Entry.Timeout
	}
	return c.SessionTimeout
}

// Validate checks that the configuration is internally consistent.
// It expects ParseSpecs to have run.
func (c *Config) Validate() error {
	if c.Entry.Scheme == "" {
		return &ncerr.ConfigError{Field: "entry", Message: "required",
			Hint: "e.g. -e tcp://0.0.0.0:8080"}
	}
	if len(c.Steps) == 0 {
		return &ncerr.ConfigError{Field: "step", Message: "at least one step is required",
			Hint: "the last step is usually the upstream, e.g. -s tcp://127.0.0.1:9000"}
	}
	if c.LoopInterval <= 0 {
		return &ncerr.ConfigError{Field: "loop-time", Value: c.LoopInterval.Milliseconds(), Message: "must be positive",
			Hint: "use a value in milliseconds, e.g. -t 10"}
	}
	if c.Entry.Scheme == EntryHTTP && c.SessionIdle() <= 0 {
		return &ncerr.ConfigError{Field: "session-timeout", Value: c.SessionIdle(), Message: "must be positive"}
	}
	if c.Entry.Scheme == EntryStdio {
		for _, s := range c.Steps {
			if s.Scheme == "stdio" {
				return &ncerr.ConfigError{Field: "step", Value: s.Raw,
					Message: "stdio cannot be both the entry and a step"}
			}
		}
	}
	if c.DialRetries < 0 {
		return &ncerr.ConfigError{Field: "dial-retries", Value: c.DialRetries, Message: "must not be negative"}
	}
	if c.TunnelEnabled && c.TunnelHost == "" {
		return &ncerr.ConfigError{Field: "tunnel", Message: "tunnel host is required"}
	}
	return nil
}
