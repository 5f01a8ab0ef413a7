// Package metrics exposes the g7ctrld daemon's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "g7ctrld"

// Label names.
const (
	labelListener = "listener" // "cmd" or "trk"
	labelKind     = "kind"     // event/command kind
	labelCache    = "cache"    // "address" or "minimap"
	labelService  = "service"  // rate-limited service key
)

// Collector holds all g7ctrld Prometheus metrics. A private registry is
// used by cmd/g7ctrld rather than the global default, so multiple daemon
// instances in the same process never collide on metric names.
type Collector struct {
	// ActiveSessions tracks the number of currently connected clients per
	// listener (command or tracker), mirroring spec.md Section 3's
	// ClientSlot table occupancy.
	ActiveSessions *prometheus.GaugeVec

	// AcceptedTotal counts accepted connections per listener.
	AcceptedTotal *prometheus.CounterVec

	// RejectedTotal counts connections refused because the registry was full.
	RejectedTotal *prometheus.CounterVec

	// CommandsDispatched counts commands sent to devices, labeled by kind.
	CommandsDispatched *prometheus.CounterVec

	// CommandsTimedOut counts commands that never received a device reply
	// within the configured timeout (spec.md Section 4.8).
	CommandsTimedOut *prometheus.CounterVec

	// CacheHits and CacheMisses track C2 geo-cache effectiveness, labeled by
	// cache ("address" or "minimap"), feeding spec.md Section 3's CacheStats.
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// CacheEvictions counts LRU evictions per cache.
	CacheEvictions *prometheus.CounterVec

	// RateLimited counts enrichment calls dropped because the token-bucket
	// limiter (spec.md Section 4.3) could not admit them before the step
	// deadline, labeled by service key.
	RateLimited *prometheus.CounterVec

	// ProtocolErrors counts malformed frames/records/commands rejected by
	// the codecs (spec.md Section 4.1), labeled by kind.
	ProtocolErrors *prometheus.CounterVec

	// NotificationsSent counts notifications handed to the Notifier.
	NotificationsSent *prometheus.CounterVec

	// NotificationsFailed counts Notifier errors.
	NotificationsFailed *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ActiveSessions,
		c.AcceptedTotal,
		c.RejectedTotal,
		c.CommandsDispatched,
		c.CommandsTimedOut,
		c.CacheHits,
		c.CacheMisses,
		c.CacheEvictions,
		c.RateLimited,
		c.ProtocolErrors,
		c.NotificationsSent,
		c.NotificationsFailed,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of currently connected clients per listener.",
		}, []string{labelListener}),

		AcceptedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepted_total",
			Help:      "Total connections accepted per listener.",
		}, []string{labelListener}),

		RejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Total connections refused because the registry was full.",
		}, []string{labelListener}),

		CommandsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_dispatched_total",
			Help:      "Total device commands dispatched, by kind.",
		}, []string{labelKind}),

		CommandsTimedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_timed_out_total",
			Help:      "Total device commands that never received a reply in time.",
		}, []string{labelKind}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total geo-cache hits, by cache.",
		}, []string{labelCache}),

		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total geo-cache misses, by cache.",
		}, []string{labelCache}),

		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total LRU evictions, by cache.",
		}, []string{labelCache}),

		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total enrichment calls dropped by the rate limiter, by service.",
		}, []string{labelService}),

		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total malformed frames/records/commands rejected, by kind.",
		}, []string{labelKind}),

		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Total notifications handed to the notifier, by kind.",
		}, []string{labelKind}),

		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Total notifier errors, by kind.",
		}, []string{labelKind}),
	}
}

// -------------------------------------------------------------------------
// Session lifecycle
// -------------------------------------------------------------------------

// RegisterSession increments the active-sessions gauge for listener.
func (c *Collector) RegisterSession(listener string) {
	c.ActiveSessions.WithLabelValues(listener).Inc()
	c.AcceptedTotal.WithLabelValues(listener).Inc()
}

// UnregisterSession decrements the active-sessions gauge for listener.
func (c *Collector) UnregisterSession(listener string) {
	c.ActiveSessions.WithLabelValues(listener).Dec()
}

// RecordRejected increments the rejected-connections counter for listener.
func (c *Collector) RecordRejected(listener string) {
	c.RejectedTotal.WithLabelValues(listener).Inc()
}

// -------------------------------------------------------------------------
// Commands
// -------------------------------------------------------------------------

// RecordCommand increments the dispatched-commands counter for kind.
func (c *Collector) RecordCommand(kind string) {
	c.CommandsDispatched.WithLabelValues(kind).Inc()
}

// RecordCommandTimeout increments the timed-out-commands counter for kind.
func (c *Collector) RecordCommandTimeout(kind string) {
	c.CommandsTimedOut.WithLabelValues(kind).Inc()
}

// -------------------------------------------------------------------------
// Cache
// -------------------------------------------------------------------------

// RecordCacheHit increments the hit counter for cache.
func (c *Collector) RecordCacheHit(cache string) {
	c.CacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss increments the miss counter for cache.
func (c *Collector) RecordCacheMiss(cache string) {
	c.CacheMisses.WithLabelValues(cache).Inc()
}

// RecordCacheEviction increments the eviction counter for cache.
func (c *Collector) RecordCacheEviction(cache string) {
	c.CacheEvictions.WithLabelValues(cache).Inc()
}

// -------------------------------------------------------------------------
// Rate limiter / protocol / notifications
// -------------------------------------------------------------------------

// RecordRateLimited increments the rate-limited counter for service.
func (c *Collector) RecordRateLimited(service string) {
	c.RateLimited.WithLabelValues(service).Inc()
}

// RecordProtocolError increments the protocol-error counter for kind.
func (c *Collector) RecordProtocolError(kind string) {
	c.ProtocolErrors.WithLabelValues(kind).Inc()
}

// RecordNotificationSent increments the sent-notifications counter for kind.
func (c *Collector) RecordNotificationSent(kind string) {
	c.NotificationsSent.WithLabelValues(kind).Inc()
}

// RecordNotificationFailed increments the failed-notifications counter for kind.
func (c *Collector) RecordNotificationFailed(kind string) {
	c.NotificationsFailed.WithLabelValues(kind).Inc()
}
