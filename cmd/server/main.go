package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/audit"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/guard"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/health"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/hookhttp"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/log"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/policy"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/prof"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/relay"
	v "github.com/keithlinneman/linnemanlabs-webhook-relay/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			v.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// .env only fills variables that are not already exported
	if err := cfg.LoadDotEnv(conf.EnvFile); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging, levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	var stackLvl slog.Leveler
	if conf.StacktraceLevel != "" {
		sl, _ := log.ParseLevel(conf.StacktraceLevel)
		stackLvl = sl
	}
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Version:         vi.Version,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"relay_url_ssm_param", conf.RelayURLSSMParam,
		"relay_timeout", conf.RelayTimeout.String(),
		"relay_rps", conf.RelayRPS,
		"allow_ips", conf.AllowList(),
		"deny_methods", conf.DenyMethodList(),
		"rate_limit", conf.RateLimit,
		"rate_window", conf.RateWindow.String(),
		"trusted_hops", conf.TrustedHops,
		"audit_log_path", conf.AuditLogPath,
		"audit_redis_addr", conf.AuditRedisAddr,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		// the policy lock is the only contended mutex worth sampling
		ProfileMutexFraction: 5,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	profErr := err
	if profErr != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	// Resolve relay target, flag wins over ssm
	relayURL := conf.RelayURL
	if relayURL == "" {
		ssmClient, err := relay.NewSSMClient(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		relayURL, err = relay.ResolveURL(ctx, ssmClient, conf.RelayURLSSMParam)
		if err != nil {
			L.Error(ctx, err, "failed to resolve relay url", "ssm_param", conf.RelayURLSSMParam)
			os.Exit(1)
		}
		L.Info(ctx, "resolved relay url from ssm", "ssm_param", conf.RelayURLSSMParam)
	}

	// Audit sinks: one line per denial to the audit log, optionally mirrored to redis
	auditLog := L.With("component", "audit")
	if conf.AuditLogPath != "" {
		f, err := audit.OpenFile(conf.AuditLogPath)
		if err != nil {
			L.Error(ctx, err, "failed to open audit log", "path", conf.AuditLogPath)
			os.Exit(1)
		}
		defer f.Close()
		auditLog, err = log.New(log.Options{
			App:        v.AppName,
			Version:    vi.Version,
			Level:      slog.LevelInfo,
			JsonFormat: true,
			Writer:     f,
		})
		if err != nil {
			L.Error(ctx, err, "audit logger init failed")
			os.Exit(1)
		}
	}
	sinks := []audit.Sink{audit.NewLogSink(auditLog)}

	if conf.AuditRedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: conf.AuditRedisAddr})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			// audit mirroring is best effort, requests are never blocked on redis
			L.Warn(ctx, "audit redis unreachable at startup", "addr", conf.AuditRedisAddr, "error", err.Error())
		}
		cancel()

		sinks = append(sinks, audit.NewRedisSink(rdb,
			audit.WithStream(conf.AuditRedisStream),
			audit.WithRedisLogger(L),
			audit.WithOnError(func() { m.IncAuditError("redis") }),
		))
	}

	// Access policy and guard
	allow := conf.AllowList()
	if len(allow) == 0 {
		L.Warn(ctx, "allow list is empty, every webhook call will be refused")
	}
	p, err := policy.New(policy.Config{
		AllowList:   allow,
		DenyMethods: conf.DenyMethodList(),
		RateLimit:   conf.RateLimit,
		Window:      conf.RateWindow,
	},
		policy.WithAuditor(audit.Multi(sinks...)),
		policy.WithOnOutcome(func(o policy.Outcome) { m.IncGuardOutcome(o.String()) }),
	)
	if err != nil {
		L.Error(ctx, err, "failed to build access policy")
		os.Exit(1)
	}
	m.RegisterTrackedWindows(p.Tracked)
	p.StartSweeper(ctx, conf.RateSweepInterval)

	fwd, err := relay.NewHTTP(relayURL,
		relay.WithTimeout(conf.RelayTimeout),
		relay.WithRPS(conf.RelayRPS),
		relay.WithObserver(m.ObserveRelay),
	)
	if err != nil {
		L.Error(ctx, err, "failed to create relay client")
		os.Exit(1)
	}
	hooks := hookhttp.New(guard.New(p), fwd, hookhttp.WithMaxBody(conf.MaxBodyBytes))

	// setup toggle for server shutdown
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())

	webhookHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		APIRoutes:    hooks.RegisterRoutes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start webhook http listener")
		os.Exit(1)
	}
	defer func() { _ = webhookHTTPStop(context.Background()) }()

	// admin listener serves metrics, health checks and pprof, never the webhook
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	L.Info(context.Background(), "shutdown signal received")
	gate.Set("draining")

	if conf.DrainDelay > 0 {
		L.Info(context.Background(), "draining before listener shutdown", "drain_delay", conf.DrainDelay.String())
		forceCh := make(chan os.Signal, 1)
		signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-time.After(conf.DrainDelay):
			L.Info(context.Background(), "drain period complete")
		case <-forceCh:
			L.Warn(context.Background(), "second signal received, skipping drain")
		}
		signal.Stop(forceCh)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := webhookHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "webhook http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
