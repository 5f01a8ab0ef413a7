// Package pipeline implements the event pipeline (C7): persist, optional
// enrichment (address/minimap lookup), and notification for each parsed
// location record (spec.md Section 4.7). Apart from internal/supervisor,
// which constructs the notifier, it is the only importer of
// internal/notify, keeping the mail transport out of the core protocol
// packages (spec.md Non-goals).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/g7ctrl/g7ctrld/internal/geocache"
	"github.com/g7ctrl/g7ctrld/internal/geoservice"
	"github.com/g7ctrl/g7ctrld/internal/metrics"
	"github.com/g7ctrl/g7ctrld/internal/notify"
	"github.com/g7ctrl/g7ctrld/internal/proto"
	"github.com/g7ctrl/g7ctrld/internal/ratelimit"
	"github.com/g7ctrl/g7ctrld/internal/store"
)

// Store is the subset of *store.LocationStore the pipeline needs, kept
// as an interface so tests can substitute a fake.
type Store interface {
	Append(ctx context.Context, r *proto.LocationRecord) error
}

// GeoClient is the subset of *geoservice.Client the pipeline needs.
type GeoClient interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (string, error)
	StaticMap(ctx context.Context, lat, lon float64, zoom, width, height int) ([]byte, error)
}

// Mailer is the subset of *notify.Notifier the pipeline needs.
type Mailer interface {
	Send(subject, body string) error
}

var _ Store = (*store.LocationStore)(nil)
var _ GeoClient = (*geoservice.Client)(nil)
var _ Mailer = (*notify.Notifier)(nil)

// Config bundles the pipeline's collaborators and policy knobs.
type Config struct {
	Store Store

	AddressCache *geocache.AddressCache
	MinimapCache *geocache.MinimapCache
	GeoClient    GeoClient
	RateLimiters *ratelimit.Registry

	Mailer  Mailer
	Metrics *metrics.Collector
	Logger  *slog.Logger

	// UseAddressLookup/IncludeMinimap gate enrichment steps 2a/2b.
	// MinimapOverviewZoom, when positive and different from MinimapZoom
	// (the detailed tile's zoom), fetches a second, wider-area tile
	// alongside the detailed one, matching the original's overview+detail
	// pair (spec.md Section 6: "minimapOverviewZoom, minimapDetailedZoom").
	UseAddressLookup    bool
	IncludeMinimap      bool
	MinimapZoom         int
	MinimapOverviewZoom int
	MinimapWidth        int
	MinimapHeight       int
	MinimapCacheDir     string

	// NotifyEnabled gates step 2 entirely; ExcludedEventKinds lists
	// numeric event kinds (as decimal strings, e.g. "50") never notified,
	// to avoid mail floods (spec.md Section 4.7 step 2); a non-numeric key
	// such as "REC" matches no record. ForceMailOnAllEvents
	// overrides ExcludedEventKinds, sending every event regardless
	// (spec.md Section 6 forceMailOnAllEvents).
	NotifyEnabled        bool
	ExcludedEventKinds   map[string]struct{}
	ForceMailOnAllEvents bool

	// MailOnTrackerConn sends a notification the first time a tracker
	// completes a keep-alive on a freshly accepted connection (spec.md
	// Section 6 mailOnTrackerConn), independent of NotifyEnabled.
	MailOnTrackerConn bool

	// EnrichmentStepTimeout bounds each of 2a/2b so a slow upstream
	// never stalls the tracker worker calling HandleRecord.
	EnrichmentStepTimeout time.Duration

	UseShortDeviceID bool
}

// Pipeline runs the append -> enrich -> notify flow for one daemon
// instance, shared by every tracker session's HandleRecord call.
type Pipeline struct {
	cfg Config
}

// New creates a Pipeline. ExcludedEventKinds in cfg may be nil.
func New(cfg Config) *Pipeline {
	if cfg.ExcludedEventKinds == nil {
		cfg.ExcludedEventKinds = map[string]struct{}{}
	}
	return &Pipeline{cfg: cfg}
}

// HandleRecord implements tracker.RecordSink. It never returns an error to
// the caller: failures are logged, matching the fire-and-forget contract
// a tracker session's read loop expects (spec.md Section 4.7: "On store
// error: log, do not proceed"). ctx is the caller's connection-scoped
// context, cancelled at shutdown, so enrichment doesn't outlive the daemon.
func (p *Pipeline) HandleRecord(ctx context.Context, r *proto.LocationRecord) {
	if err := p.cfg.Store.Append(ctx, r); err != nil {
		p.cfg.Logger.Error("failed to persist location record",
			slog.Uint64("device_id", r.DeviceID), slog.String("error", err.Error()))
		return
	}

	if !p.cfg.NotifyEnabled {
		return
	}
	if _, excluded := p.cfg.ExcludedEventKinds[fmt.Sprintf("%d", int(r.Event))]; excluded && !p.cfg.ForceMailOnAllEvents {
		return
	}

	p.notify(ctx, r)
}

// TrackerConnected implements trackersrv.ConnNotifier, sending a
// connect-time notification when enabled (spec.md Section 6
// mailOnTrackerConn), independent of step 2's per-event gating.
func (p *Pipeline) TrackerConnected(ctx context.Context, deviceID uint64) {
	if !p.cfg.MailOnTrackerConn {
		return
	}

	subject := fmt.Sprintf("g7ctrld: tracker %d connected", deviceID)
	body := fmt.Sprintf("Device %d completed its first keep-alive at %s.\n",
		deviceID, time.Now().UTC().Format(time.RFC3339))

	if err := p.cfg.Mailer.Send(subject, body); err != nil {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.RecordNotificationFailed("tracker_connect")
		}
		p.cfg.Logger.Warn("tracker-connect notification failed", slog.String("error", err.Error()))
		return
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordNotificationSent("tracker_connect")
	}
}

// notify runs steps 2a/2b/2c of spec.md Section 4.7.
func (p *Pipeline) notify(ctx context.Context, r *proto.LocationRecord) {
	var address string
	var detailedMap, overviewMap string

	if p.cfg.UseAddressLookup && p.cfg.AddressCache != nil {
		address = p.lookupAddress(ctx, r)
	}

	if p.cfg.IncludeMinimap && p.cfg.MinimapCache != nil {
		detailedMap = p.lookupMinimap(ctx, r, p.cfg.MinimapZoom)
		if p.cfg.MinimapOverviewZoom > 0 && p.cfg.MinimapOverviewZoom != p.cfg.MinimapZoom {
			overviewMap = p.lookupMinimap(ctx, r, p.cfg.MinimapOverviewZoom)
		}
	}

	subject, body := renderNotification(r, address, detailedMap, overviewMap, p.cfg.UseShortDeviceID)

	if err := p.cfg.Mailer.Send(subject, body); err != nil {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.RecordNotificationFailed("event")
		}
		p.cfg.Logger.Warn("notification failed", slog.String("error", err.Error()))
		return
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordNotificationSent("event")
	}
}

// lookupAddress implements step 2a: cache, then rate-limited geocoder call
// on miss, with a bounded timeout and graceful fallback to no address.
func (p *Pipeline) lookupAddress(ctx context.Context, r *proto.LocationRecord) string {
	if addr, hit := p.cfg.AddressCache.Lookup(r.Latitude, r.Longitude); hit {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.RecordCacheHit("address")
		}
		return addr
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordCacheMiss("address")
	}

	if p.cfg.RateLimiters.Suppressed("geocode") {
		return ""
	}

	stepCtx, cancel := context.WithTimeout(ctx, p.stepTimeout())
	defer cancel()

	if err := p.cfg.RateLimiters.Acquire(stepCtx, "geocode"); err != nil {
		p.onRateLimitExceeded("geocode")
		return ""
	}

	addr, err := p.cfg.GeoClient.ReverseGeocode(stepCtx, r.Latitude, r.Longitude)
	if err != nil {
		p.cfg.Logger.Debug("reverse geocode failed, sending without address", slog.String("error", err.Error()))
		return ""
	}

	p.cfg.AddressCache.Insert(r.Latitude, r.Longitude, addr)
	p.cfg.AddressCache.Stats().RecordExternalCall()

	return addr
}

// lookupMinimap implements step 2b: cache, then rate-limited static-map
// fetch on miss, persisted as a PNG file under MinimapCacheDir. Called once
// per configured zoom level (detailed, and optionally overview).
func (p *Pipeline) lookupMinimap(ctx context.Context, r *proto.LocationRecord, zoom int) string {
	width, height := p.cfg.MinimapWidth, p.cfg.MinimapHeight

	if path, hit := p.cfg.MinimapCache.Lookup(r.Latitude, r.Longitude, zoom, width, height); hit {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.RecordCacheHit("minimap")
		}
		return path
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordCacheMiss("minimap")
	}

	if p.cfg.RateLimiters.Suppressed("staticmap") {
		return ""
	}

	stepCtx, cancel := context.WithTimeout(ctx, p.stepTimeout())
	defer cancel()

	if err := p.cfg.RateLimiters.Acquire(stepCtx, "staticmap"); err != nil {
		p.onRateLimitExceeded("staticmap")
		return ""
	}

	png, err := p.cfg.GeoClient.StaticMap(stepCtx, r.Latitude, r.Longitude, zoom, width, height)
	if err != nil {
		p.cfg.Logger.Debug("static map fetch failed, sending without map", slog.String("error", err.Error()))
		return ""
	}

	path, err := p.storeMapTile(r, png)
	if err != nil {
		p.cfg.Logger.Warn("failed to store minimap tile", slog.String("error", err.Error()))
		return ""
	}

	p.cfg.MinimapCache.Insert(r.Latitude, r.Longitude, zoom, width, height, path)
	p.cfg.MinimapCache.Stats().RecordExternalCall()

	return path
}

func (p *Pipeline) storeMapTile(r *proto.LocationRecord, png []byte) (string, error) {
	name := fmt.Sprintf("%d_%d.png", r.DeviceID, time.Now().UnixNano())
	path := filepath.Join(p.cfg.MinimapCacheDir, name)

	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("pipeline: write minimap tile: %w", err)
	}
	return path, nil
}

// onRateLimitExceeded implements step 3: at most one rate-limit-exceeded
// notification per cooldown window, then suppress further enrichment for
// service until the cooldown ends.
func (p *Pipeline) onRateLimitExceeded(service string) {
	already := p.cfg.RateLimiters.Suppressed(service)
	p.cfg.RateLimiters.MarkExceeded(service)

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordRateLimited(service)
	}

	if already {
		return
	}

	subject := fmt.Sprintf("g7ctrld: %s rate limit exceeded", service)
	body := fmt.Sprintf("Enrichment via %s is suppressed until the cooldown window ends.", service)

	if err := p.cfg.Mailer.Send(subject, body); err != nil {
		p.cfg.Logger.Warn("failed to send rate-limit-exceeded notification", slog.String("error", err.Error()))
	}
}

func (p *Pipeline) stepTimeout() time.Duration {
	if p.cfg.EnrichmentStepTimeout <= 0 {
		return 5 * time.Second
	}
	return p.cfg.EnrichmentStepTimeout
}

// renderNotification builds the subject/body for a location-event mail
// (spec.md Section 4.7 step 2c).
func renderNotification(r *proto.LocationRecord, address, detailedMap, overviewMap string, shortID bool) (subject, body string) {
	id := fmt.Sprintf("%d", r.DeviceID)
	if shortID && len(id) > 4 {
		id = id[len(id)-4:]
	}

	subject = fmt.Sprintf("g7ctrld: %s event from device %s", r.Event.String(), id)

	body = fmt.Sprintf("Device: %s\nEvent: %s\nTime: %s\nCoordinates: %f, %f\n",
		id, r.Event.String(), r.UTCTime.Format(time.RFC3339), r.Latitude, r.Longitude)

	if address != "" {
		body += fmt.Sprintf("Address: %s\n", address)
	}
	if detailedMap != "" {
		body += fmt.Sprintf("Map (detailed): %s\n", detailedMap)
	}
	if overviewMap != "" {
		body += fmt.Sprintf("Map (overview): %s\n", overviewMap)
	}

	return subject, body
}
