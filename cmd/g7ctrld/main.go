// g7ctrld is the GPS tracker command-routing daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/g7ctrl/g7ctrld/internal/config"
	"github.com/g7ctrl/g7ctrld/internal/supervisor"
	appversion "github.com/g7ctrl/g7ctrld/internal/version"
)

func main() {
	os.Exit(run())
}

// cliFlags holds the flags spec.md mandates for the supervisor wrapper
// binary. Any flag left at its zero value does not override the
// configuration loaded from --inifile.
type cliFlags struct {
	cmdPort int
	trkPort int
	inifile string
	daemon  bool
	pidfile string
	logfile string
	verbose bool
	datadir string
	dbdir   string
}

func run() int {
	var f cliFlags
	flag.IntVar(&f.cmdPort, "cmdport", 0, "TCP port for command clients (overrides config)")
	flag.IntVar(&f.trkPort, "trkport", 0, "TCP port for tracker devices (overrides config)")
	flag.StringVar(&f.inifile, "inifile", "", "path to YAML configuration file")
	flag.BoolVar(&f.daemon, "daemon", false, "accepted for CLI-surface compatibility; backgrounding is delegated to the init system (see DESIGN.md)")
	flag.StringVar(&f.pidfile, "pidfile", "", "write the running process id to this path")
	flag.StringVar(&f.logfile, "logfile", "", "write logs to this path instead of stdout")
	flag.BoolVar(&f.verbose, "verbose", false, "enable debug-level logging, overriding config")
	flag.StringVar(&f.datadir, "datadir", "", "override paths.data_dir")
	flag.StringVar(&f.dbdir, "dbdir", "", "override paths.db_dir")
	flag.Parse()

	cfg, err := loadConfig(f)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	if f.verbose {
		logLevel.Set(slog.LevelDebug)
	}
	logger, closeLog, err := newLoggerWithLevel(cfg.Log, f.logfile, logLevel)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to open logfile",
			slog.String("error", err.Error()),
		)
		return 1
	}
	defer closeLog()

	if f.pidfile != "" {
		if err := writePidfile(f.pidfile); err != nil {
			logger.Error("failed to write pidfile", slog.String("error", err.Error()))
			return 1
		}
		defer os.Remove(f.pidfile)
	}

	logger.Info("g7ctrld starting",
		slog.String("version", appversion.Version),
		slog.Int("cmd_port", cfg.Net.CmdPort),
		slog.Int("trk_port", cfg.Net.TrkPort),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()

	sup, err := supervisor.New(cfg, logger, reg, "g7ctrld")
	if err != nil {
		logger.Error("failed to initialize supervisor", slog.String("error", err.Error()))
		return 1
	}

	if err := runServers(cfg, sup, reg, logger, f, logLevel); err != nil {
		logger.Error("g7ctrld exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("g7ctrld stopped")
	return 0
}

// runServers runs the supervisor and the metrics HTTP server under an
// errgroup with a signal-aware context, and wires systemd readiness,
// watchdog keepalives, and SIGHUP-triggered config reload.
func runServers(
	cfg *config.Config,
	sup *supervisor.Supervisor,
	reg *prometheus.Registry,
	logger *slog.Logger,
	f cliFlags,
	logLevel *slog.LevelVar,
) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sup.Run(gCtx)
	})

	startHTTPServers(gCtx, g, cfg, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, f, sup, logLevel, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

func startHTTPServers(ctx context.Context, g *errgroup.Group, cfg *config.Config, metricsSrv *http.Server, logger *slog.Logger) {
	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	f cliFlags,
	sup *supervisor.Supervisor,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, f, sup, logLevel, logger)
		return nil
	})
}

// handleSIGHUP reloads the on-disk config and the preset directory without
// restarting the listeners (spec.md Section 3: presets "reloadable on
// demand (startup and SIGHUP)").
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	f cliFlags,
	sup *supervisor.Supervisor,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := loadConfig(f)
			if err != nil {
				logger.Error("failed to reload configuration, keeping current settings",
					slog.String("error", err.Error()),
				)
				continue
			}
			logLevel.Set(config.ParseLogLevel(newCfg.Log.Level))
			if f.verbose {
				logLevel.Set(slog.LevelDebug)
			}
			if err := sup.Reload(newCfg); err != nil {
				logger.Error("reload failed", slog.String("error", err.Error()))
				continue
			}
			logger.Info("configuration reloaded")
		}
	}
}

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// gracefulShutdown notifies systemd and shuts down the metrics HTTP server.
// The supervisor itself drains via its own ctx-cancellation-triggered grace
// period inside Run; this only tears down the auxiliary HTTP server.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, metricsSrv *http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads the YAML config (or defaults), then applies any
// non-zero CLI flag overrides before validating, exiting non-zero on
// validation failure via the caller's error return.
func loadConfig(f cliFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.inifile != "" {
		cfg, err = config.Load(f.inifile)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", f.inifile, err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if f.cmdPort != 0 {
		cfg.Net.CmdPort = f.cmdPort
	}
	if f.trkPort != 0 {
		cfg.Net.TrkPort = f.trkPort
	}
	if f.datadir != "" {
		cfg.Paths.DataDir = f.datadir
	}
	if f.dbdir != "" {
		cfg.Paths.DBDir = f.dbdir
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// newLoggerWithLevel builds a structured logger writing to --logfile, or
// stdout when unset, using a shared LevelVar so SIGHUP can adjust the
// level without rebuilding the handler. The returned closer must be
// called before the process exits.
func newLoggerWithLevel(cfg config.LogConfig, logfile string, level *slog.LevelVar) (*slog.Logger, func(), error) {
	out := os.Stdout
	closer := func() {}

	if logfile != "" {
		f, err := os.OpenFile(logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open logfile %s: %w", logfile, err)
		}
		out = f
		closer = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler), closer, nil
}

func writePidfile(path string) error {
	return os.WriteFile(path, fmt.Appendf(nil, "%d\n", os.Getpid()), 0o644)
}
