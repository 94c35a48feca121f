package cfg

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names, -rate-limit reads LMLABS_RATE_LIMIT.
const EnvPrefix = "LMLABS_"

type App struct {
	EnvFile         string
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string
	HTTPPort        int
	AdminPort       int
	EnablePprof     bool
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
	DrainDelay      time.Duration

	RelayURL         string
	RelayURLSSMParam string
	RelayTimeout     time.Duration
	RelayRPS         float64

	AllowIPs          string
	DenyMethods       string
	RateLimit         int
	RateWindow        time.Duration
	RateSweepInterval time.Duration
	TrustedHops       int
	MaxBodyBytes      int64

	AuditLogPath     string
	AuditRedisAddr   string
	AuditRedisStream string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.EnvFile, "env-file", ".env", "dotenv file loaded before env vars are read (missing file is fine)")
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.DurationVar(&c.DrainDelay, "drain-delay", 15*time.Second, "how long readiness reports draining before listeners stop")

	fs.StringVar(&c.RelayURL, "relay-url", "", "downstream URL accepted payloads are posted to")
	fs.StringVar(&c.RelayURLSSMParam, "relay-url-ssm-param", "", "ssm parameter holding the relay url (SecureString ok), used when -relay-url is empty")
	fs.DurationVar(&c.RelayTimeout, "relay-timeout", 5*time.Second, "timeout for one relay post")
	fs.Float64Var(&c.RelayRPS, "relay-rps", 0, "max relay posts per second (0 = unpaced)")

	fs.StringVar(&c.AllowIPs, "allow-ips", "", "comma separated client addresses allowed to call the webhook")
	fs.StringVar(&c.DenyMethods, "deny-methods", "DELETE", "comma separated HTTP methods always refused")
	fs.IntVar(&c.RateLimit, "rate-limit", 5, "requests allowed per client per window")
	fs.DurationVar(&c.RateWindow, "rate-window", 60*time.Second, "sliding rate window")
	fs.DurationVar(&c.RateSweepInterval, "rate-sweep-interval", 5*time.Minute, "how often idle rate windows are dropped (0 = never)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "reverse proxies in front of the listener whose X-Forwarded-For is trusted (0..5)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 64<<10, "max webhook payload size")

	fs.StringVar(&c.AuditLogPath, "audit-log-path", "", "append denied-request audit lines to this file (empty = main log)")
	fs.StringVar(&c.AuditRedisAddr, "audit-redis-addr", "", "redis host:port to mirror audit events into (empty = off)")
	fs.StringVar(&c.AuditRedisStream, "audit-redis-stream", "webhook:audit", "redis stream key for audit events")
}

// LoadDotEnv loads path into the process environment without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// SplitList splits a comma separated flag value, trimming blanks and dropping empties.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// AllowList returns the parsed -allow-ips entries.
func (c App) AllowList() []string { return SplitList(c.AllowIPs) }

// DenyMethodList returns the parsed -deny-methods entries, upper-cased. An empty
// value yields an empty non-nil slice so nothing is denied.
func (c App) DenyMethodList() []string {
	out := []string{}
	for _, m := range SplitList(c.DenyMethods) {
		out = append(out, strings.ToUpper(m))
	}
	return out
}

var methodToken = regexp.MustCompile(`^[A-Za-z]+$`)

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.DrainDelay < 0 || c.DrainDelay > 5*time.Minute {
		errs = append(errs, fmt.Errorf("DRAIN_DELAY must be 0..5m (got %s)", c.DrainDelay))
	}

	// Relay
	if c.RelayURL == "" && c.RelayURLSSMParam == "" {
		errs = append(errs, fmt.Errorf("RELAY_URL or RELAY_URL_SSM_PARAM is required"))
	}
	if c.RelayURL != "" {
		if u, err := url.Parse(c.RelayURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("RELAY_URL must be an http(s) URL (got %q)", c.RelayURL))
		}
	}
	if c.RelayTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_TIMEOUT must be > 0 (got %s)", c.RelayTimeout))
	}
	if c.RelayRPS < 0 {
		errs = append(errs, fmt.Errorf("RELAY_RPS must be >= 0 (got %v)", c.RelayRPS))
	}

	// Access policy
	for _, ip := range c.AllowList() {
		parsed := net.ParseIP(ip)
		switch {
		case parsed == nil:
			errs = append(errs, fmt.Errorf("ALLOW_IPS entry %q is not an IP address", ip))
		case parsed.IsUnspecified():
			errs = append(errs, fmt.Errorf("ALLOW_IPS entry %q is the unspecified address", ip))
		}
	}
	for _, m := range SplitList(c.DenyMethods) {
		if !methodToken.MatchString(m) {
			errs = append(errs, fmt.Errorf("DENY_METHODS entry %q is not an HTTP method", m))
		}
	}
	if c.RateLimit < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT must be >= 1 (got %d)", c.RateLimit))
	}
	if c.RateWindow <= 0 {
		errs = append(errs, fmt.Errorf("RATE_WINDOW must be > 0 (got %s)", c.RateWindow))
	}
	if c.RateSweepInterval < 0 {
		errs = append(errs, fmt.Errorf("RATE_SWEEP_INTERVAL must be >= 0 (got %s)", c.RateSweepInterval))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 5 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..5 (got %d)", c.TrustedHops))
	}
	if c.MaxBodyBytes < 1 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be >= 1 (got %d)", c.MaxBodyBytes))
	}

	// Audit
	if c.AuditRedisAddr != "" {
		if _, _, err := net.SplitHostPort(c.AuditRedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("AUDIT_REDIS_ADDR must be host:port (got %q): %v", c.AuditRedisAddr, err))
		}
		if c.AuditRedisStream == "" {
			errs = append(errs, fmt.Errorf("AUDIT_REDIS_STREAM required when AUDIT_REDIS_ADDR is set"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
