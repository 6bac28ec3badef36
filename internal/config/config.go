package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"ss-relay/internal/domain"
	"ss-relay/internal/infrastructure/cipher"
)

const (
	DefaultTimeout     = 300 * time.Second
	DefaultPollTimeout = 5 * time.Second // TCP_READ_TIMEOUT
	DefaultBufferSize  = 16 * 1024
	DefaultMaxLinks    = 4096
	DefaultDNSCacheTTL = 5 * time.Minute
)

var (
	ErrHelp          = flag.ErrHelp
	ErrMissingListen = errors.New("either local addr or local port is not specified")
)

type Config struct {
	Local     string
	LocalPort string
	Password  string
	Method    string
	Verbose   bool
	Debug     bool

	Timeout     time.Duration
	PollTimeout time.Duration
	BufferSize  int
	Nameserver  string
	DNSCacheTTL time.Duration
	MaxLinks    int
	AcceptRate  float64
	AcceptBurst int
}

// ListenAddr is the host:port the relay listens on.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Local, c.LocalPort)
}

func (c *Config) Validate() error {
	if c.Local == "" || c.LocalPort == "" {
		return ErrMissingListen
	}
	// the first decrypted read must be able to hold any destination header
	if c.BufferSize < domain.MaxAddressLen {
		return fmt.Errorf("buffer size %d cannot hold a %d-byte address header", c.BufferSize, domain.MaxAddressLen)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be positive")
	}
	if c.MaxLinks < 0 || c.AcceptRate < 0 || c.AcceptBurst < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	return nil
}

func Usage(w io.Writer, name string) {
	fmt.Fprintf(w, "Usage: %s [options]\n", name)
	fmt.Fprintf(w, "Options:\n")
	fmt.Fprintf(w, "\t-l,--local local\n")
	fmt.Fprintf(w, "\t-b,--local-port local port\n")
	fmt.Fprintf(w, "\t-k,--password your password\n")
	fmt.Fprintf(w, "\t-m,--method encryption algorithm (%s)\n", strings.Join(cipher.Methods(), ", "))
	fmt.Fprintf(w, "\t-d,--debug print debug information\n")
	fmt.Fprintf(w, "\t-v,--verbose print verbose information\n")
	fmt.Fprintf(w, "\t-h,--help print this help information\n")
	fmt.Fprintf(w, "\t--timeout idle connection timeout (default %s)\n", DefaultTimeout)
	fmt.Fprintf(w, "\t--poll-timeout poll wait ceiling (default %s)\n", DefaultPollTimeout)
	fmt.Fprintf(w, "\t--buffer-size per-direction buffer size in bytes (default %d)\n", DefaultBufferSize)
	fmt.Fprintf(w, "\t--nameserver DNS server for hostname targets (default from %s)\n", "/etc/resolv.conf")
	fmt.Fprintf(w, "\t--max-links maximum concurrent connections, 0 for no limit (default %d)\n", DefaultMaxLinks)
	fmt.Fprintf(w, "\t--accept-rate new connections per second, 0 for no limit\n")
	fmt.Fprintf(w, "\t--accept-burst accept rate burst size\n")
}

// Parse reads command-line arguments (without the program name). It returns
// ErrHelp when -h was given; validation errors leave usage to the caller.
func Parse(name string, args []string) (*Config, error) {
	c := &Config{}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	for _, n := range []string{"l", "local"} {
		fs.StringVar(&c.Local, n, "", "local address")
	}
	for _, n := range []string{"b", "local-port"} {
		fs.StringVar(&c.LocalPort, n, "", "local port")
	}
	for _, n := range []string{"k", "password"} {
		fs.StringVar(&c.Password, n, "", "password")
	}
	for _, n := range []string{"m", "method"} {
		fs.StringVar(&c.Method, n, cipher.DefaultMethod, "encryption method")
	}
	for _, n := range []string{"v", "verbose"} {
		fs.BoolVar(&c.Verbose, n, false, "verbose output")
	}
	for _, n := range []string{"d", "debug"} {
		fs.BoolVar(&c.Debug, n, false, "debug output")
	}
	var help bool
	for _, n := range []string{"h", "help"} {
		fs.BoolVar(&help, n, false, "help")
	}

	fs.DurationVar(&c.Timeout, "timeout", DefaultTimeout, "idle timeout")
	fs.DurationVar(&c.PollTimeout, "poll-timeout", DefaultPollTimeout, "poll timeout")
	fs.IntVar(&c.BufferSize, "buffer-size", DefaultBufferSize, "buffer size")
	fs.StringVar(&c.Nameserver, "nameserver", "", "nameserver")
	fs.DurationVar(&c.DNSCacheTTL, "dns-cache-ttl", DefaultDNSCacheTTL, "dns cache ttl cap")
	fs.IntVar(&c.MaxLinks, "max-links", DefaultMaxLinks, "max links")
	fs.Float64Var(&c.AcceptRate, "accept-rate", 0, "accept rate")
	fs.IntVar(&c.AcceptBurst, "accept-burst", 64, "accept burst")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if help {
		return nil, ErrHelp
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return c, nil
}
