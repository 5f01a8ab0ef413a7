// Package config manages the g7ctrld daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flag overrides. The
// core itself never imports this package -- it receives an already
// populated *Config from the cmd/g7ctrld wrapper (see spec.md Section 1).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete g7ctrld configuration (spec.md Section 6).
type Config struct {
	Net     NetConfig     `koanf:"net"`
	Auth    AuthConfig    `koanf:"auth"`
	Device  DeviceConfig  `koanf:"device"`
	Geo     GeoConfig     `koanf:"geo"`
	Notify  NotifyConfig  `koanf:"notify"`
	Export  ExportConfig  `koanf:"export"`
	Paths   PathsConfig   `koanf:"paths"`
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// NetConfig holds listener and capacity settings.
type NetConfig struct {
	// CmdPort is the TCP port command clients connect to.
	CmdPort int `koanf:"cmd_port"`
	// TrkPort is the TCP port trackers connect to.
	TrkPort int `koanf:"trk_port"`
	// MaxClients caps the number of concurrently accepted connections
	// across both listeners (spec.md Section 3 Invariant 1).
	MaxClients int `koanf:"max_clients"`
	// DeviceIdleTimeout closes a tracker that has sent nothing for this long.
	DeviceIdleTimeout time.Duration `koanf:"device_idle_timeout"`
	// ClientIdleTimeout closes a command client that has sent nothing for this long.
	ClientIdleTimeout time.Duration `koanf:"client_idle_timeout"`
	// CommandTimeout bounds how long the dispatcher waits for a device reply.
	CommandTimeout time.Duration `koanf:"command_timeout"`
	// DlrecTimeout is the extended timeout for the DLREC command class.
	DlrecTimeout time.Duration `koanf:"dlrec_timeout"`
}

// AuthConfig holds command-client authentication policy.
type AuthConfig struct {
	// RequirePassword gates whether a command client must authenticate.
	RequirePassword bool `koanf:"require_password"`
	// Password is the shared secret compared against the client's reply
	// to the "Password: " prompt.
	Password string `koanf:"password"`
}

// DeviceConfig holds device-command and GFEN policy.
type DeviceConfig struct {
	// EnableRawDeviceCommands allows commands outside the known command list.
	EnableRawDeviceCommands bool `koanf:"enable_raw_device_commands"`
	// EnableGfenTracking turns on synthetic position polling after a GFEN event.
	EnableGfenTracking bool `koanf:"enable_gfen_tracking"`
	// GfenTrackingInterval is the polling period while GFEN tracking is active.
	GfenTrackingInterval time.Duration `koanf:"gfen_tracking_interval"`
	// MaxGfenAutoTrackDuration upper-bounds GFEN auto-tracking (spec.md Section 9
	// Open Question: the source has no stop condition; this config fixes one).
	MaxGfenAutoTrackDuration time.Duration `koanf:"max_gfen_auto_track_duration"`
	// UseShortDeviceId renders the last four digits of a device id in client output.
	UseShortDeviceId bool `koanf:"use_short_device_id"`
	// TrackSplitTime and TrackSegSplitTime configure export segmentation.
	// Must satisfy TrackSplitTime > TrackSegSplitTime when both are positive
	// (spec.md Section 6, Section 9).
	TrackSplitTime    time.Duration `koanf:"track_split_time"`
	TrackSegSplitTime time.Duration `koanf:"track_seg_split_time"`
}

// GeoConfig holds enrichment (geocoding / static map) policy.
type GeoConfig struct {
	UseAddressLookup       bool          `koanf:"use_address_lookup"`
	AddressLookupProximity float64       `koanf:"address_lookup_proximity_m"`
	IncludeMinimap         bool          `koanf:"include_minimap"`
	MinimapOverviewZoom    int           `koanf:"minimap_overview_zoom"`
	MinimapDetailedZoom    int           `koanf:"minimap_detailed_zoom"`
	MinimapWidth           int           `koanf:"minimap_width"`
	MinimapHeight          int           `koanf:"minimap_height"`
	GoogleAPIKey           string        `koanf:"google_api_key"`
	AddressCacheMax        int           `koanf:"address_cache_max"`
	MinimapCacheMax        int           `koanf:"minimap_cache_max"`
	MinSpacingAnonymousMs  int           `koanf:"min_spacing_anonymous_ms"`
	MinSpacingKeyedMs      int           `koanf:"min_spacing_keyed_ms"`
	GeocodeHTTPTimeout     time.Duration `koanf:"geocode_http_timeout"`
	MapHTTPTimeout         time.Duration `koanf:"map_http_timeout"`
	RateLimitCooldown      time.Duration `koanf:"rate_limit_cooldown"`
}

// NotifyConfig holds mail/notification policy.
type NotifyConfig struct {
	MailOnTrackerConn    bool `koanf:"mail_on_tracker_conn"`
	ScriptOnTrackerConn  bool `koanf:"script_on_tracker_conn"`
	ForceMailOnAllEvents bool `koanf:"force_mail_on_all_events"`
	SendMailOnEvent      bool `koanf:"send_mail_on_event"`
	// ExcludedEventKinds lists event kinds excluded from notification to
	// avoid mail floods (spec.md Section 4.7 step 2). Each entry is
	// compared with a record's numeric event code written in decimal
	// (e.g. "50" for GFEN); a non-numeric entry such as the default "REC"
	// matches no record.
	ExcludedEventKinds []string `koanf:"excluded_event_kinds"`

	// SMTP* and Mail* configure the outbound mail transport (gopkg.in/mail.v2)
	// used by internal/notify. SendMailOnEvent/MailOnTrackerConn are no-ops
	// when MailTo is empty.
	SMTPHost     string   `koanf:"smtp_host"`
	SMTPPort     int      `koanf:"smtp_port"`
	SMTPUsername string   `koanf:"smtp_username"`
	SMTPPassword string   `koanf:"smtp_password"`
	MailFrom     string   `koanf:"mail_from"`
	MailTo       []string `koanf:"mail_to"`
}

// ExportConfig holds exporter validation inputs consumed by the
// supervisor at startup (spec.md Section 6).
type ExportConfig struct {
	DefaultFormat string `koanf:"default_format"`
}

// PathsConfig holds filesystem roots.
type PathsConfig struct {
	DataDir string `koanf:"data_dir"`
	DBDir   string `koanf:"db_dir"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Net: NetConfig{
			CmdPort:           3100,
			TrkPort:           3199,
			MaxClients:        64,
			DeviceIdleTimeout: 20 * time.Minute,
			ClientIdleTimeout: 10 * time.Minute,
			CommandTimeout:    15 * time.Second,
			DlrecTimeout:      5 * time.Minute,
		},
		Auth: AuthConfig{
			RequirePassword: false,
		},
		Device: DeviceConfig{
			EnableRawDeviceCommands:  false,
			EnableGfenTracking:       false,
			GfenTrackingInterval:     30 * time.Second,
			MaxGfenAutoTrackDuration: 30 * time.Minute,
			UseShortDeviceId:         true,
			TrackSplitTime:           0,
			TrackSegSplitTime:        0,
		},
		Geo: GeoConfig{
			AddressLookupProximity: 20,
			MinimapOverviewZoom:    14,
			MinimapDetailedZoom:    17,
			MinimapWidth:           400,
			MinimapHeight:          400,
			AddressCacheMax:        5000,
			MinimapCacheMax:        2000,
			MinSpacingAnonymousMs:  2000,
			MinSpacingKeyedMs:      200,
			GeocodeHTTPTimeout:     5 * time.Second,
			MapHTTPTimeout:         5 * time.Second,
			RateLimitCooldown:      10 * time.Minute,
		},
		Notify: NotifyConfig{
			ExcludedEventKinds: []string{"REC"},
			SMTPPort:           587,
		},
		Export: ExportConfig{
			DefaultFormat: "csv",
		},
		Paths: PathsConfig{
			DataDir: "./data",
			DBDir:   "./db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: ":9101",
			Path: "/metrics",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for g7ctrld configuration.
// Variables are named G7CTRLD_<section>_<key>, e.g., G7CTRLD_NET_CMD_PORT.
const envPrefix = "G7CTRLD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides, and merges on top of DefaultConfig(). Missing fields
// inherit defaults. An empty path skips the file layer and returns defaults
// plus environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms G7CTRLD_NET_CMD_PORT -> net.cmd_port.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer,
// one key per leaf field so later providers (file, env) overlay cleanly.
func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"net.cmd_port":                        d.Net.CmdPort,
		"net.trk_port":                        d.Net.TrkPort,
		"net.max_clients":                     d.Net.MaxClients,
		"net.device_idle_timeout":             d.Net.DeviceIdleTimeout.String(),
		"net.client_idle_timeout":             d.Net.ClientIdleTimeout.String(),
		"net.command_timeout":                 d.Net.CommandTimeout.String(),
		"net.dlrec_timeout":                   d.Net.DlrecTimeout.String(),
		"auth.require_password":               d.Auth.RequirePassword,
		"auth.password":                       d.Auth.Password,
		"device.enable_raw_device_commands":   d.Device.EnableRawDeviceCommands,
		"device.enable_gfen_tracking":         d.Device.EnableGfenTracking,
		"device.gfen_tracking_interval":       d.Device.GfenTrackingInterval.String(),
		"device.max_gfen_auto_track_duration": d.Device.MaxGfenAutoTrackDuration.String(),
		"device.use_short_device_id":          d.Device.UseShortDeviceId,
		"device.track_split_time":             d.Device.TrackSplitTime.String(),
		"device.track_seg_split_time":         d.Device.TrackSegSplitTime.String(),
		"geo.use_address_lookup":              d.Geo.UseAddressLookup,
		"geo.address_lookup_proximity_m":      d.Geo.AddressLookupProximity,
		"geo.include_minimap":                 d.Geo.IncludeMinimap,
		"geo.minimap_overview_zoom":           d.Geo.MinimapOverviewZoom,
		"geo.minimap_detailed_zoom":           d.Geo.MinimapDetailedZoom,
		"geo.minimap_width":                   d.Geo.MinimapWidth,
		"geo.minimap_height":                  d.Geo.MinimapHeight,
		"geo.google_api_key":                  d.Geo.GoogleAPIKey,
		"geo.address_cache_max":               d.Geo.AddressCacheMax,
		"geo.minimap_cache_max":               d.Geo.MinimapCacheMax,
		"geo.min_spacing_anonymous_ms":        d.Geo.MinSpacingAnonymousMs,
		"geo.min_spacing_keyed_ms":            d.Geo.MinSpacingKeyedMs,
		"geo.geocode_http_timeout":            d.Geo.GeocodeHTTPTimeout.String(),
		"geo.map_http_timeout":                d.Geo.MapHTTPTimeout.String(),
		"geo.rate_limit_cooldown":             d.Geo.RateLimitCooldown.String(),
		"notify.mail_on_tracker_conn":         d.Notify.MailOnTrackerConn,
		"notify.script_on_tracker_conn":       d.Notify.ScriptOnTrackerConn,
		"notify.force_mail_on_all_events":     d.Notify.ForceMailOnAllEvents,
		"notify.send_mail_on_event":           d.Notify.SendMailOnEvent,
		"notify.excluded_event_kinds":         d.Notify.ExcludedEventKinds,
		"notify.smtp_host":                    d.Notify.SMTPHost,
		"notify.smtp_port":                    d.Notify.SMTPPort,
		"notify.smtp_username":                d.Notify.SMTPUsername,
		"notify.smtp_password":                d.Notify.SMTPPassword,
		"notify.mail_from":                    d.Notify.MailFrom,
		"notify.mail_to":                       d.Notify.MailTo,
		"export.default_format":               d.Export.DefaultFormat,
		"paths.data_dir":                      d.Paths.DataDir,
		"paths.db_dir":                        d.Paths.DBDir,
		"log.level":                           d.Log.Level,
		"log.format":                          d.Log.Format,
		"metrics.addr":                        d.Metrics.Addr,
		"metrics.path":                        d.Metrics.Path,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors (ConfigError kind, spec.md Section 7).
var (
	ErrInvalidCmdPort    = errors.New("net.cmd_port must be > 0")
	ErrInvalidTrkPort    = errors.New("net.trk_port must be > 0")
	ErrSamePort          = errors.New("net.cmd_port and net.trk_port must differ")
	ErrInvalidMaxClients = errors.New("net.max_clients must be > 0")
	ErrPasswordRequired  = errors.New("auth.password must be set when auth.require_password is true")
	ErrTrackSplitInvalid = errors.New("device.track_split_time must be greater than device.track_seg_split_time when both are positive")
	ErrEmptyDataDir      = errors.New("paths.data_dir must not be empty")
	ErrEmptyDBDir        = errors.New("paths.db_dir must not be empty")
)

// Validate checks the configuration for logical errors. Returns the first
// validation error encountered (mutual-consistency checks per spec.md
// Section 6).
func Validate(cfg *Config) error {
	if cfg.Net.CmdPort <= 0 {
		return ErrInvalidCmdPort
	}
	if cfg.Net.TrkPort <= 0 {
		return ErrInvalidTrkPort
	}
	if cfg.Net.CmdPort == cfg.Net.TrkPort {
		return ErrSamePort
	}
	if cfg.Net.MaxClients <= 0 {
		return ErrInvalidMaxClients
	}
	if cfg.Auth.RequirePassword && cfg.Auth.Password == "" {
		return ErrPasswordRequired
	}
	if cfg.Device.TrackSplitTime > 0 && cfg.Device.TrackSegSplitTime > 0 &&
		cfg.Device.TrackSplitTime <= cfg.Device.TrackSegSplitTime {
		return ErrTrackSplitInvalid
	}
	if cfg.Paths.DataDir == "" {
		return ErrEmptyDataDir
	}
	if cfg.Paths.DBDir == "" {
		return ErrEmptyDBDir
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
