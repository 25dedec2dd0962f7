// Package config parses process configuration from CLI flags with
// environment-variable fallbacks, grounded on the teacher pack's
// flag.NewFlagSet + applyEnvOverrides pattern.
package config

import (
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Config is every knob sipuad needs: where to listen, how to log, and the
// Digest credential used for outbound calls that challenge us.
type Config struct {
	UserAgent string

	ListenAddr    string
	ListenPort    int
	Transport     string
	ExternalIP    string
	TLSCertFile   string
	TLSKeyFile    string
	TLSSkipVerify bool

	LogLevel  string
	LogFormat string

	AuthUser  string
	AuthPass  string
	AuthRealm string

	MetricsAddr string
}

const (
	envPrefix = "SIPUAD_"

	defaultListenAddr = "0.0.0.0"
	defaultListenPort = 5060
	defaultTransport  = "udp"
	defaultLogLevel   = "info"
	defaultLogFormat  = "console"
	defaultMetrics    = ":9090"
)

// Load parses args (normally os.Args[1:]) into a validated Config, applying
// environment-variable overrides to any flag the caller left at its default.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("sipuad", flag.ContinueOnError)

	cfg := &Config{}
	fs.StringVar(&cfg.UserAgent, "user-agent", "sipuad", "User-Agent header value")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", defaultListenAddr, "local address to listen on")
	fs.IntVar(&cfg.ListenPort, "listen-port", defaultListenPort, "local port to listen on")
	fs.StringVar(&cfg.Transport, "transport", defaultTransport, "transport to listen on: udp, tcp, tls, ws, wss")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "IP advertised in Via/Contact; auto-detected when empty")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert", "", "TLS certificate file, required for tls/wss transports")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key", "", "TLS key file, required for tls/wss transports")
	fs.BoolVar(&cfg.TLSSkipVerify, "tls-skip-verify", false, "skip TLS certificate verification on outbound connections")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "trace, debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "console or json")
	fs.StringVar(&cfg.AuthUser, "auth-user", "", "Digest username for outbound calls")
	fs.StringVar(&cfg.AuthPass, "auth-pass", "", "Digest password for outbound calls")
	fs.StringVar(&cfg.AuthRealm, "auth-realm", "", "Digest realm, matched against the challenge when set")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", defaultMetrics, "address to serve /metrics on, empty disables it")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	applyEnvOverrides(fs)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides fills in any flag the caller did NOT explicitly set on
// the command line from its SIPUAD_-prefixed environment variable, so flags
// win over env vars, which win over defaults.
func applyEnvOverrides(fs *flag.FlagSet) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] {
			return
		}
		envName := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if v, ok := os.LookupEnv(envName); ok && v != "" {
			fs.Set(f.Name, v)
		}
	})
}

func (c *Config) validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("config: listen-port %d out of range", c.ListenPort)
	}
	switch strings.ToLower(c.Transport) {
	case "udp", "tcp", "tls", "ws", "wss":
	default:
		return fmt.Errorf("config: unsupported transport %q", c.Transport)
	}
	if c.TLSEnabled() {
		if c.TLSCertFile == "" || c.TLSKeyFile == "" {
			return fmt.Errorf("config: transport %q requires both -tls-cert and -tls-key", c.Transport)
		}
	}
	if c.ExternalIP != "" {
		if net.ParseIP(c.ExternalIP) == nil {
			return fmt.Errorf("config: external-ip %q is not a valid IP", c.ExternalIP)
		}
	}
	if (c.AuthUser == "") != (c.AuthPass == "") {
		return fmt.Errorf("config: auth-user and auth-pass must be set together")
	}
	if _, err := c.ZerologLevel(); err != nil {
		return err
	}
	return nil
}

// TLSEnabled reports whether the configured transport needs a certificate.
func (c *Config) TLSEnabled() bool {
	switch strings.ToLower(c.Transport) {
	case "tls", "wss":
		return true
	default:
		return false
	}
}

// TLSConfig builds the *tls.Config for the listener when TLSEnabled, nil
// otherwise.
func (c *Config) TLSConfig() (*tls.Config, error) {
	if !c.TLSEnabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: load TLS keypair: %w", err)
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: c.TLSSkipVerify,
	}, nil
}

// ZerologLevel parses LogLevel into a zerolog.Level.
func (c *Config) ZerologLevel() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return lvl, fmt.Errorf("config: invalid log-level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// Logger builds the process-wide zerolog.Logger per LogLevel/LogFormat.
func (c *Config) Logger() zerolog.Logger {
	lvl, err := c.ZerologLevel()
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var w io.Writer = os.Stderr
	if strings.ToLower(c.LogFormat) != "json" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Addr formats the host:port pair the transport layer listens on.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.ListenAddr, strconv.Itoa(c.ListenPort))
}

// HasCredential reports whether an outbound Digest credential was configured.
func (c *Config) HasCredential() bool {
	return c.AuthUser != "" && c.AuthPass != ""
}
