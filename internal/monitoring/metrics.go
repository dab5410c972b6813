package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the chat server
// These metrics can be scraped by Prometheus and visualized in Grafana
var (
	// Session metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_connections_total",
		Help: "Total number of realtime sessions established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_active",
		Help: "Current number of active realtime sessions",
	})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	duplicateLoginsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_duplicate_logins_total",
		Help: "Total sessions terminated because the user logged in elsewhere",
	})

	slowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_slow_clients_disconnected_total",
		Help: "Total number of slow clients disconnected",
	})

	// Message metrics
	messagesCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_created_total",
		Help: "Total messages created by type",
	}, []string{"type"})

	eventsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_events_sent_total",
		Help: "Total realtime events sent to clients",
	})

	eventsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_events_received_total",
		Help: "Total realtime events received from clients",
	})

	// Cache metrics
	cacheReads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_cache_reads_total",
		Help: "Cache reads by service and source (redis or mongodb)",
	}, []string{"service", "source"})

	hotTierFallbackToMaster = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_hot_tier_fallback_to_master_total",
		Help: "Reads routed to master because the replica was unavailable",
	})

	hotTierDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_hot_tier_degraded",
		Help: "Whether the hot tier is running on the in-process fallback (1=degraded)",
	})

	// Sync pipeline metrics
	syncEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_sync_enqueued_total",
		Help: "Sync events enqueued by operation",
	}, []string{"operation"})

	syncProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_sync_processed_total",
		Help: "Sync events processed by operation and outcome (ok, retry, dead_letter)",
	}, []string{"operation", "outcome"})

	// Lock metrics
	locksAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_locks_acquired_total",
		Help: "Distributed locks successfully acquired",
	})

	lockContention = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_lock_contention_total",
		Help: "Lock acquisitions that exhausted their retry budget",
	})

	locksActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_locks_active",
		Help: "Distributed locks currently held by this instance",
	})

	// Cross-instance metrics
	busPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_bus_published_total",
		Help: "Cross-instance events published by channel",
	}, []string{"channel"})

	busReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_bus_received_total",
		Help: "Cross-instance events received by channel (own events excluded)",
	}, []string{"channel"})

	peersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_peers_connected",
		Help: "Peer hot-tier connections currently open",
	})

	replicationEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_replication_events_total",
		Help: "Durable-tier replication events by collection and outcome",
	}, []string{"collection", "outcome"})

	// AI streaming metrics
	aiStreams = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ai_streams_total",
		Help: "AI streaming sessions by outcome (completed, failed, cancelled)",
	}, []string{"outcome"})

	aiChunks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ai_chunks_total",
		Help: "AI stream chunks relayed to clients",
	})

	// HTTP metrics
	rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_rate_limited_total",
		Help: "HTTP requests rejected by the per-IP rate limiter",
	}, []string{"group"})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_memory_bytes",
		Help: "Current process memory usage in bytes (RSS)",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_cpu_usage_percent",
		Help: "Current process CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_goroutines_active",
		Help: "Current number of active goroutines",
	})
)

func init() {
	// Register all metrics with Prometheus
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(disconnectsTotal)
	prometheus.MustRegister(duplicateLoginsTotal)
	prometheus.MustRegister(slowClientsDisconnected)

	prometheus.MustRegister(messagesCreated)
	prometheus.MustRegister(eventsSent)
	prometheus.MustRegister(eventsReceived)

	prometheus.MustRegister(cacheReads)
	prometheus.MustRegister(hotTierFallbackToMaster)
	prometheus.MustRegister(hotTierDegraded)

	prometheus.MustRegister(syncEnqueued)
	prometheus.MustRegister(syncProcessed)

	prometheus.MustRegister(locksAcquired)
	prometheus.MustRegister(lockContention)
	prometheus.MustRegister(locksActive)

	prometheus.MustRegister(busPublished)
	prometheus.MustRegister(busReceived)
	prometheus.MustRegister(peersConnected)
	prometheus.MustRegister(replicationEvents)

	prometheus.MustRegister(aiStreams)
	prometheus.MustRegister(aiChunks)

	prometheus.MustRegister(rateLimited)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)
}

// RecordConnection tracks a new realtime session
func RecordConnection() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

// RecordDisconnect tracks a session disconnect with its reason
func RecordDisconnect(reason string) {
	connectionsActive.Dec()
	disconnectsTotal.WithLabelValues(reason).Inc()
}

// RecordDuplicateLogin tracks a session terminated by a newer login
func RecordDuplicateLogin() {
	duplicateLoginsTotal.Inc()
}

// RecordSlowClientDisconnect tracks a client dropped for not draining its send buffer
func RecordSlowClientDisconnect() {
	slowClientsDisconnected.Inc()
}

// RecordMessageCreated tracks a created message by type
func RecordMessageCreated(messageType string) {
	messagesCreated.WithLabelValues(messageType).Inc()
}

// RecordEventSent increments the outbound realtime event counter
func RecordEventSent() {
	eventsSent.Inc()
}

// RecordEventReceived increments the inbound realtime event counter
func RecordEventReceived() {
	eventsReceived.Inc()
}

// RecordCacheRead tracks which tier served a cache read
func RecordCacheRead(service, source string) {
	cacheReads.WithLabelValues(service, source).Inc()
}

// RecordFallbackToMaster tracks a read routed to master instead of the replica
func RecordFallbackToMaster() {
	hotTierFallbackToMaster.Inc()
}

// SetHotTierDegraded flips the degraded-mode gauge
func SetHotTierDegraded(degraded bool) {
	if degraded {
		hotTierDegraded.Set(1)
	} else {
		hotTierDegraded.Set(0)
	}
}

// RecordSyncEnqueued tracks a sync event appended to the queue
func RecordSyncEnqueued(operation string) {
	syncEnqueued.WithLabelValues(operation).Inc()
}

// Sync processing outcomes
const (
	SyncOutcomeOK         = "ok"
	SyncOutcomeRetry      = "retry"
	SyncOutcomeDeadLetter = "dead_letter"
)

// RecordSyncProcessed tracks a consumed sync event and its outcome
func RecordSyncProcessed(operation, outcome string) {
	syncProcessed.WithLabelValues(operation, outcome).Inc()
}

// RecordLockAcquired tracks a successful lock acquisition
func RecordLockAcquired() {
	locksAcquired.Inc()
	locksActive.Inc()
}

// RecordLockReleased decrements the active lock gauge
func RecordLockReleased() {
	locksActive.Dec()
}

// RecordLockContention tracks an acquisition that ran out of retries
func RecordLockContention() {
	lockContention.Inc()
}

// RecordBusPublished tracks a published cross-instance event
func RecordBusPublished(channel string) {
	busPublished.WithLabelValues(channel).Inc()
}

// RecordBusReceived tracks a received cross-instance event
func RecordBusReceived(channel string) {
	busReceived.WithLabelValues(channel).Inc()
}

// SetPeersConnected sets the current peer connection count
func SetPeersConnected(n int) {
	peersConnected.Set(float64(n))
}

// Replication outcomes
const (
	ReplicationOutcomeApplied  = "applied"
	ReplicationOutcomeSkipped  = "skipped"
	ReplicationOutcomeConflict = "conflict"
	ReplicationOutcomeError    = "error"
)

// RecordReplicationEvent tracks a change-stream event by collection and outcome
func RecordReplicationEvent(collection, outcome string) {
	replicationEvents.WithLabelValues(collection, outcome).Inc()
}

// AI stream outcomes
const (
	AIOutcomeCompleted = "completed"
	AIOutcomeFailed    = "failed"
	AIOutcomeCancelled = "cancelled"
)

// RecordAIStream tracks a finished AI streaming session
func RecordAIStream(outcome string) {
	aiStreams.WithLabelValues(outcome).Inc()
}

// RecordAIChunk increments the relayed chunk counter
func RecordAIChunk() {
	aiChunks.Inc()
}

// RecordRateLimited tracks a request rejected by the rate limiter
func RecordRateLimited(group string) {
	rateLimited.WithLabelValues(group).Inc()
}

// UpdateSystemMetrics publishes the latest resource sample
func UpdateSystemMetrics(memoryRSS uint64, cpuPercent float64, goroutines int) {
	memoryUsageBytes.Set(float64(memoryRSS))
	cpuUsagePercent.Set(cpuPercent)
	goroutinesActive.Set(float64(goroutines))
}

// HandleMetrics serves Prometheus metrics at the /metrics endpoint
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
