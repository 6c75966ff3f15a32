// Package cmd wires up the CLI flags and runs the selected entry.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"chainproxy/config"
	"chainproxy/internal/entry"
	"chainproxy/internal/metrics"
	"chainproxy/internal/step"
	"chainproxy/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X chainproxy/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// flagValues receives the raw flag values before they are layered over
// the file and environment configuration.
type flagValues struct {
	entry          string
	steps          []string
	loopMS         int
	salt           string
	sessionTimeout int
	dialTimeout    int
	dialRetries    int
	insecure       bool

	tunnel        string
	sshKey        string
	sshPassword   bool
	sshAgent      bool
	strictHostKey bool
	knownHosts    string

	verbose     int
	logFile     string
	metricsAddr string

	configPath  string
	dryRun      bool
	showVersion bool
	showHelp    bool
}

func newFlagSet(fv *flagValues) *flag.FlagSet {
	fs := flag.NewFlagSet("chainproxy", flag.ContinueOnError)

	// ── pipeline ─────────────────────────────────────────────────
	fs.StringVarP(&fv.entry, "entry", "e", "", "Entry: tcp://host:port, ws://host:port, http://host:port[-salt[-secs]] or stdio:")
	fs.StringArrayVarP(&fv.steps, "step", "s", nil, "Step, repeatable, client side first")
	fs.IntVarP(&fv.loopMS, "loop-time", "t", int(config.DefaultLoopInterval/time.Millisecond), "Worker loop sleep in milliseconds")

	// ── http entry ───────────────────────────────────────────────
	fs.StringVar(&fv.salt, "salt", "", "Salt for HTTP session tokens")
	fs.IntVar(&fv.sessionTimeout, "session-timeout", int(config.DefaultSessionTimeout/time.Second), "HTTP session idle timeout in seconds")

	// ── upstream ─────────────────────────────────────────────────
	fs.IntVar(&fv.dialTimeout, "dial-timeout", int(config.DefaultDialTimeout/time.Second), "Upstream dial timeout in seconds")
	fs.IntVar(&fv.dialRetries, "dial-retries", config.DefaultDialRetries, "Extra upstream dial attempts")
	fs.BoolVar(&fv.insecure, "insecure", false, "Skip certificate verification for wss:// steps")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&fv.tunnel, "tunnel", "T", "", "Dial upstreams through SSH gateway [user@]host[:port]")
	fs.StringVar(&fv.sshKey, "ssh-key", "", "SSH private key file")
	fs.BoolVar(&fv.sshPassword, "ssh-password", false, "Prompt for SSH password")
	fs.BoolVar(&fv.sshAgent, "ssh-agent", false, "Use SSH agent")
	fs.BoolVar(&fv.strictHostKey, "strict-hostkey", false, "Verify SSH host keys")
	fs.StringVar(&fv.knownHosts, "known-hosts", "", "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&fv.verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.StringVar(&fv.logFile, "log-file", "", "Write logs to a rotated file instead of stderr")
	fs.StringVar(&fv.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	fs.StringVar(&fv.configPath, "config", "", "YAML configuration file")
	fs.BoolVar(&fv.dryRun, "dry-run", false, "Validate the configuration, print the pipeline and exit")
	fs.BoolVar(&fv.showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&fv.showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }
	return fs
}

// Execute parses args and runs the configured entry until ctx ends.
func Execute(ctx context.Context, args []string) error {
	var fv flagValues
	fs := newFlagSet(&fv)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fv.showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if fv.showVersion {
		fmt.Printf("chainproxy %s\n", version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	cfg, err := resolve(fs, &fv)
	if err != nil {
		return err
	}

	logger := util.NewLogger(cfg.Verbose)
	if cfg.LogFile != "" {
		logger.SetFile(cfg.LogFile)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.DryRun {
		return dryRun(os.Stdout, cfg, logger)
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		if err := serveMetrics(ctx, cfg.MetricsAddr, m, logger); err != nil {
			return err
		}
	}

	e, err := entry.Build(cfg, logger, m)
	if err != nil {
		return err
	}
	err = e.Run(ctx)
	logger.Verbose("stopped: %s", m.JSON())
	return err
}

// resolve layers the configuration: defaults, then the YAML file, then
// CHAINPROXY_* variables, then the flags given explicitly.
func resolve(fs *flag.FlagSet, fv *flagValues) (*config.Config, error) {
	cfg := config.Defaults()
	if fv.configPath != "" {
		if err := config.LoadFile(fv.configPath, cfg); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	applyFlags(fs, fv, cfg)

	if err := cfg.ParseSpecs(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(fs *flag.FlagSet, fv *flagValues, cfg *config.Config) {
	set := fs.Changed

	if set("entry") {
		cfg.EntrySpec = fv.entry
	}
	if set("step") {
		cfg.StepSpecs = fv.steps
	}
	if set("loop-time") {
		cfg.LoopInterval = time.Duration(fv.loopMS) * time.Millisecond
	}
	if set("salt") {
		cfg.Salt = fv.salt
	}
	if set("session-timeout") {
		cfg.SessionTimeout = time.Duration(fv.sessionTimeout) * time.Second
	}
	if set("dial-timeout") {
		cfg.DialTimeout = time.Duration(fv.dialTimeout) * time.Second
	}
	if set("dial-retries") {
		cfg.DialRetries = fv.dialRetries
	}
	if set("insecure") {
		cfg.InsecureTLS = fv.insecure
	}

	if set("tunnel") {
		cfg.TunnelSpec = fv.tunnel
	}
	if set("ssh-key") {
		cfg.SSHKeyPath = fv.sshKey
	}
	if set("ssh-password") {
		cfg.SSHPassword = fv.sshPassword
	}
	if set("ssh-agent") {
		cfg.UseSSHAgent = fv.sshAgent
	}
	if set("strict-hostkey") {
		cfg.StrictHostKey = fv.strictHostKey
	}
	if set("known-hosts") {
		cfg.KnownHostsPath = fv.knownHosts
	}

	// -v raises the level above normal; -vv reaches debug.
	if set("verbose") {
		cfg.Verbose = int(util.LogNormal) + fv.verbose
	}
	if set("log-file") {
		cfg.LogFile = fv.logFile
	}
	if set("metrics-addr") {
		cfg.MetricsAddr = fv.metricsAddr
	}
	cfg.DryRun = fv.dryRun
}

// dryRun builds the template pipeline without starting it and prints
// what would run.
func dryRun(w io.Writer, cfg *config.Config, logger *util.Logger) error {
	p, err := step.BuildPipeline(cfg.Steps, step.Env{Logger: logger, DialTimeout: cfg.DialTimeout})
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Fprintf(w, "entry:    %s\n", cfg.Entry.Raw)
	fmt.Fprintf(w, "pipeline: %v\n", p)
	fmt.Fprintf(w, "loop:     %v\n", cfg.LoopInterval)
	if cfg.Entry.Scheme == config.EntryHTTP {
		fmt.Fprintf(w, "session:  salt %q, idle %v\n", cfg.SessionSalt(), cfg.SessionIdle())
	}
	if cfg.TunnelEnabled {
		fmt.Fprintf(w, "tunnel:   %s\n", util.FormatAddr(cfg.TunnelHost, cfg.TunnelPort))
	}
	return nil
}

// serveMetrics exposes the collector until ctx ends.
func serveMetrics(ctx context.Context, addr string, m *metrics.Collector, logger *util.Logger) error {
	reg, err := m.NewRegistry()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics: listen on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: m.Handler(reg), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), config.DefaultGracePeriod)
		defer cancel()
		srv.Shutdown(shutdown) //nolint:errcheck
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server: %v", err)
		}
	}()
	logger.Info("metrics on http://%s/metrics", ln.Addr())
	return nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `chainproxy – chained byte-stream proxy v%s

Accepts clients on one entry and relays their bytes through an ordered
chain of steps.  The last step is usually the upstream.

Usage:
  chainproxy -e <entry> -s <step> [-s <step> ...] [options]

Entries:
  tcp://host:port  ws://host:port  http://host:port[-salt[-secs]]  stdio:

Steps:
  tcp://host:port  ws://host:port/path  wss://host:port/path  http://host:port
  stdio:  b64:fw|bw  salt:fw-N|bw-N

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  chainproxy -e tcp://0.0.0.0:9000 -s tcp://10.0.0.5:22
  chainproxy -e ws://0.0.0.0:8080 -s b64:bw -s tcp://127.0.0.1:9000
  chainproxy -e http://0.0.0.0:80-s3cret-120 -s tcp://127.0.0.1:22
  chainproxy -e stdio: -s b64:fw -s ws://relay.example.com/in
  chainproxy -T admin@bastion -e tcp://:5432 -s tcp://db-internal:5432
`)
}
