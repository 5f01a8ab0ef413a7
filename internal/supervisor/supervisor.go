// Package supervisor wires every g7ctrld collaborator into one running
// daemon (C11): storage, geo-enrichment caches, the event pipeline, the
// command dispatcher and its USB/GPRS transports, presets, and the
// command/tracker connection registry. It owns their lifetimes and the
// persisted-cache round trip across restarts (spec.md Section 4.11),
// mirroring the way the teacher's cmd/gobfd/main.go assembles its
// collaborators before handing them to an errgroup-driven server loop --
// generalized here into a reusable type so cmd/g7ctrld stays a thin flag
// and signal-handling shell.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/g7ctrl/g7ctrld/internal/cmdsrv"
	"github.com/g7ctrl/g7ctrld/internal/cmdwriter"
	"github.com/g7ctrl/g7ctrld/internal/config"
	"github.com/g7ctrl/g7ctrld/internal/dispatch"
	"github.com/g7ctrl/g7ctrld/internal/geocache"
	"github.com/g7ctrl/g7ctrld/internal/geoservice"
	"github.com/g7ctrl/g7ctrld/internal/metrics"
	"github.com/g7ctrl/g7ctrld/internal/notify"
	"github.com/g7ctrl/g7ctrld/internal/pipeline"
	"github.com/g7ctrl/g7ctrld/internal/preset"
	"github.com/g7ctrl/g7ctrld/internal/ratelimit"
	"github.com/g7ctrl/g7ctrld/internal/registry"
	"github.com/g7ctrl/g7ctrld/internal/replytext"
	"github.com/g7ctrl/g7ctrld/internal/store"
	"github.com/g7ctrl/g7ctrld/internal/trackersrv"
	"github.com/g7ctrl/g7ctrld/internal/trackerhub"
	"github.com/g7ctrl/g7ctrld/internal/usbserial"
)

// shutdownGrace bounds how long Run waits for in-flight workers to return
// once its context is cancelled (spec.md Section 4.11's 10-second grace
// period).
const shutdownGrace = 10 * time.Second

const (
	addressCacheFile = "geoloc_addrcache.txt"
	minimapCacheFile = "geoloc_minimapcache.txt"
	minimapTileDir   = "minimaps"
	databaseFile     = "g7ctrld.db"
)

// Supervisor owns every long-lived collaborator for one daemon instance.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger
	binary string

	metrics *metrics.Collector

	store    *store.LocationStore
	notifier *notify.Notifier

	addressCache *geocache.AddressCache
	minimapCache *geocache.MinimapCache
	rateLimiters *ratelimit.Registry
	geoClient    *geoservice.Client

	presets    *preset.Registry
	nicknames  *cmdsrv.NicknameRegistry
	translator replytext.Table

	usb        *usbserial.Manager
	hub        *trackerhub.Hub
	dispatcher *dispatch.Dispatcher

	pipeline *pipeline.Pipeline
	registry *registry.Registry
}

// New builds a Supervisor and every collaborator it owns, but does not
// start listening; call Run to serve. reg receives the Prometheus
// metrics; binary names the running program for ".ver" output.
func New(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer, binary string) (*Supervisor, error) {
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("supervisor: create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Paths.DBDir, 0o755); err != nil {
		return nil, fmt.Errorf("supervisor: create db dir: %w", err)
	}
	minimapDir := filepath.Join(cfg.Paths.DataDir, minimapTileDir)
	if err := os.MkdirAll(minimapDir, 0o755); err != nil {
		return nil, fmt.Errorf("supervisor: create minimap dir: %w", err)
	}

	m := metrics.NewCollector(reg)

	st, err := store.Open(filepath.Join(cfg.Paths.DBDir, databaseFile))
	if err != nil {
		return nil, fmt.Errorf("supervisor: open store: %w", err)
	}

	addrCache, err := geocache.NewAddressCache(cfg.Geo.AddressCacheMax, cfg.Geo.AddressLookupProximity)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("supervisor: new address cache: %w", err)
	}
	if err := restoreAddressCache(addrCache, filepath.Join(cfg.Paths.DataDir, addressCacheFile), logger); err != nil {
		logger.Warn("address cache not restored", slog.String("error", err.Error()))
	}

	mapCache, err := geocache.NewMinimapCache(cfg.Geo.MinimapCacheMax)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("supervisor: new minimap cache: %w", err)
	}
	if err := restoreMinimapCache(mapCache, filepath.Join(cfg.Paths.DataDir, minimapCacheFile), logger); err != nil {
		logger.Warn("minimap cache not restored", slog.String("error", err.Error()))
	}

	spacing := time.Duration(cfg.Geo.MinSpacingAnonymousMs) * time.Millisecond
	if cfg.Geo.GoogleAPIKey != "" {
		spacing = time.Duration(cfg.Geo.MinSpacingKeyedMs) * time.Millisecond
	}
	rateLimiters := ratelimit.NewRegistry(spacing, cfg.Geo.RateLimitCooldown)

	geoClient := geoservice.New(cfg.Geo.GoogleAPIKey)

	notifier := notify.New(notify.Config{
		Host:     cfg.Notify.SMTPHost,
		Port:     cfg.Notify.SMTPPort,
		Username: cfg.Notify.SMTPUsername,
		Password: cfg.Notify.SMTPPassword,
		From:     cfg.Notify.MailFrom,
		To:       cfg.Notify.MailTo,
	})

	presets := preset.NewRegistry(cfg.Paths.DataDir)
	if err := presets.Refresh(); err != nil {
		logger.Warn("preset directory not loaded", slog.String("error", err.Error()))
	}

	translator := replytext.Default()
	nicknames := cmdsrv.NewNicknameRegistry()
	usb := usbserial.NewManager()

	// hub.onGone needs the dispatcher to wake waiters on a vanished target,
	// but the dispatcher's writer needs the hub; dispatcherRef breaks the
	// cycle since onGone only fires well after both exist.
	var dispatcherRef *dispatch.Dispatcher
	hub := trackerhub.New(func(deviceID uint64) {
		if dispatcherRef != nil {
			dispatcherRef.TargetGone(dispatch.GPRS(deviceID))
		}
	})

	writer := cmdwriter.New(usb, hub)
	dispatcher := dispatch.New(writer, translator)
	dispatcherRef = dispatcher

	excluded := make(map[string]struct{}, len(cfg.Notify.ExcludedEventKinds))
	for _, k := range cfg.Notify.ExcludedEventKinds {
		excluded[k] = struct{}{}
	}

	pl := pipeline.New(pipeline.Config{
		Store:                 st,
		AddressCache:          addrCache,
		MinimapCache:          mapCache,
		GeoClient:             geoClient,
		RateLimiters:          rateLimiters,
		Mailer:                notifier,
		Metrics:               m,
		Logger:                logger.With(slog.String("component", "pipeline")),
		UseAddressLookup:      cfg.Geo.UseAddressLookup,
		IncludeMinimap:        cfg.Geo.IncludeMinimap,
		MinimapZoom:           cfg.Geo.MinimapDetailedZoom,
		MinimapOverviewZoom:   cfg.Geo.MinimapOverviewZoom,
		MinimapWidth:          cfg.Geo.MinimapWidth,
		MinimapHeight:         cfg.Geo.MinimapHeight,
		MinimapCacheDir:       minimapDir,
		NotifyEnabled:         cfg.Notify.SendMailOnEvent,
		ExcludedEventKinds:    excluded,
		ForceMailOnAllEvents:  cfg.Notify.ForceMailOnAllEvents,
		MailOnTrackerConn:     cfg.Notify.MailOnTrackerConn,
		EnrichmentStepTimeout: maxDuration(cfg.Geo.GeocodeHTTPTimeout, cfg.Geo.MapHTTPTimeout),
		UseShortDeviceID:      cfg.Device.UseShortDeviceId,
	})

	s := &Supervisor{
		cfg:          cfg,
		logger:       logger,
		binary:       binary,
		metrics:      m,
		store:        st,
		notifier:     notifier,
		addressCache: addrCache,
		minimapCache: mapCache,
		rateLimiters: rateLimiters,
		geoClient:    geoClient,
		presets:      presets,
		nicknames:    nicknames,
		translator:   translator,
		usb:          usb,
		hub:          hub,
		dispatcher:   dispatcher,
		pipeline:     pl,
	}

	s.registry = registry.New(cfg.Net.MaxClients, s.workerFactory, m, logger)

	return s, nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// workerFactory returns the C6 tracker worker or the C8 command worker for
// a newly accepted connection, per spec.md Section 4.9's listener/kind
// split.
func (s *Supervisor) workerFactory(kind registry.Kind) registry.Worker {
	if kind == registry.KindTracker {
		gfenInterval := s.cfg.Device.GfenTrackingInterval
		if !s.cfg.Device.EnableGfenTracking {
			gfenInterval = 0
		}

		return trackersrv.New(trackersrv.Config{
			Hub:              s.hub,
			Sink:             s.pipeline,
			ReplyTo:          trackersrv.DispatcherReplySink{D: s.dispatcher},
			Notifier:         s.pipeline,
			IdleTimeout:      s.cfg.Net.DeviceIdleTimeout,
			GfenPollInterval: gfenInterval,
			GfenMaxTrackTime: s.cfg.Device.MaxGfenAutoTrackDuration,
			Metrics:          s.metrics,
			Logger:           s.logger.With(slog.String("component", "trackersrv")),
		})
	}

	commandTimeouts := map[string]time.Duration{
		"DLREC": s.cfg.Net.DlrecTimeout,
	}

	return cmdsrv.New(cmdsrv.Config{
		AuthRequired:            s.cfg.Auth.RequirePassword,
		Password:                s.cfg.Auth.Password,
		IdleTimeout:             s.cfg.Net.ClientIdleTimeout,
		EnableRawDeviceCommands: s.cfg.Device.EnableRawDeviceCommands,
		Dispatcher:              s.dispatcher,
		Presets:                 s.presets,
		DB:                      s.store,
		Exporter:                cmdsrv.DefaultExporter(),
		AddressCache:            s.addressCache,
		MinimapCache:            s.minimapCache,
		RateLimiters:            s.rateLimiters,
		Nicknames:               s.nicknames,
		Translator:              s.translator,
		Trackers:                s.hub,
		CommandTimeouts:         commandTimeouts,
		Binary:                  s.binary,
		Metrics:                 s.metrics,
		Logger:                  s.logger.With(slog.String("component", "cmdsrv")),
	})
}

// Run serves both listeners until ctx is cancelled, then drains active
// workers and persists the geo-caches before returning (spec.md Section
// 4.11).
func (s *Supervisor) Run(ctx context.Context) error {
	cmdAddr := fmt.Sprintf(":%d", s.cfg.Net.CmdPort)
	trkAddr := fmt.Sprintf(":%d", s.cfg.Net.TrkPort)

	serveErr := s.registry.Serve(ctx, cmdAddr, trkAddr, shutdownGrace)

	s.persistCaches()
	s.usb.CloseAll()

	if err := s.store.Close(); err != nil {
		s.logger.Warn("failed to close location store", slog.String("error", err.Error()))
	}

	if serveErr != nil {
		return fmt.Errorf("supervisor: serve: %w", serveErr)
	}
	return nil
}

// Reload re-reads the preset directory and swaps in a new policy snapshot
// without restarting listeners, in response to SIGHUP (spec.md Section 3:
// presets "reloadable on demand (startup and SIGHUP)"). The snapshot
// (password, timeouts, device flags) applies to connections accepted
// afterwards; the event pipeline keeps the enrichment and notification
// settings it was built with in New.
func (s *Supervisor) Reload(cfg *config.Config) error {
	if err := s.presets.Refresh(); err != nil {
		return fmt.Errorf("supervisor: reload presets: %w", err)
	}
	s.cfg = cfg
	return nil
}

// persistCaches writes the address and minimap caches to their
// line-oriented files under DataDir, best-effort (spec.md Section 6,
// Section 8 round-trip law).
func (s *Supervisor) persistCaches() {
	if err := persistToFile(s.addressCache.Persist, filepath.Join(s.cfg.Paths.DataDir, addressCacheFile)); err != nil {
		s.logger.Warn("failed to persist address cache", slog.String("error", err.Error()))
	}
	if err := persistToFile(s.minimapCache.Persist, filepath.Join(s.cfg.Paths.DataDir, minimapCacheFile)); err != nil {
		s.logger.Warn("failed to persist minimap cache", slog.String("error", err.Error()))
	}
}

func persistToFile(persist func(w io.Writer) error, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if err := persist(f); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func restoreAddressCache(c *geocache.AddressCache, path string, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	if err := c.Restore(f); err != nil {
		return err
	}
	logger.Info("restored address cache", slog.String("path", path))
	return nil
}

func restoreMinimapCache(c *geocache.MinimapCache, path string, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	if err := c.Restore(f); err != nil {
		return err
	}
	logger.Info("restored minimap cache", slog.String("path", path))
	return nil
}
