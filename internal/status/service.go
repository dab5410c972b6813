// Package status aggregates per-instance health, load and drain state for
// the instance-status endpoints. It reads collaborator snapshots and never
// blocks on anything slower than a ping.
package status

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/config"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/monitoring"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/replication"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/syncworker"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

const (
	pingTimeout      = 2 * time.Second
	peerProbeTimeout = 5 * time.Second

	// Memory above this share of host total marks the instance unhealthy.
	memoryUnhealthyPct = 90.0
)

// SessionCounter reports live realtime sessions.
type SessionCounter interface {
	ActiveSessions() int
}

// LockCounter reports locks currently held by this instance.
type LockCounter interface {
	ActiveCount() int
	ActiveResources() []string
}

// BusInfo reports cross-instance bus state.
type BusInfo interface {
	Initialized() bool
	Peers() []types.Peer
}

// DurablePinger checks durable-tier connectivity.
type DurablePinger interface {
	Ping(ctx context.Context) error
}

// Sampler serves the latest system resource snapshot.
type Sampler interface {
	Snapshot() monitoring.SystemSnapshot
}

// Deps collects the collaborators the service reads. Mongo, Worker and
// Replication may be nil when the corresponding subsystem is not running.
type Deps struct {
	Store       hottier.Store
	Mongo       DurablePinger
	Sampler     Sampler
	Sessions    SessionCounter
	Locks       LockCounter
	Bus         BusInfo
	Worker      func() syncworker.Stats
	Replication func() replication.Stats
}

// Service owns the drain flags and renders status reports.
type Service struct {
	cfg    *config.Config
	deps   Deps
	logger zerolog.Logger
	start  time.Time
	client *http.Client

	draining  atomic.Bool
	rejectNew atomic.Bool
}

func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "status").Logger(),
		start:  time.Now(),
		client: &http.Client{Timeout: peerProbeTimeout},
	}
}

// Check is one named health probe outcome.
type Check struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// HealthReport is the aggregate health body. Healthy mirrors the HTTP
// status the caller should send.
type HealthReport struct {
	Status     string           `json:"status"`
	InstanceID string           `json:"instanceId"`
	Timestamp  types.TimeMS     `json:"timestamp"`
	Uptime     float64          `json:"uptime"`
	Draining   bool             `json:"draining"`
	Checks     map[string]Check `json:"checks"`
}

// Health runs the aggregate probes: hot tier ping, durable connectivity,
// memory pressure.
func (s *Service) Health(ctx context.Context) (HealthReport, bool) {
	report := HealthReport{
		InstanceID: s.cfg.InstanceID,
		Timestamp:  types.NowMS(),
		Uptime:     time.Since(s.start).Seconds(),
		Draining:   s.draining.Load(),
		Checks:     make(map[string]Check, 3),
	}

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	redisCheck := Check{Healthy: true}
	if err := s.deps.Store.Ping(pctx); err != nil {
		redisCheck = Check{Healthy: false, Detail: err.Error()}
	} else if st := s.deps.Store.Status(); st.Mode == hottier.ModeDegraded {
		redisCheck.Detail = "degraded: in-process fallback active"
	}
	report.Checks["redis"] = redisCheck

	mongoCheck := Check{Healthy: true}
	if s.deps.Mongo == nil {
		mongoCheck = Check{Healthy: false, Detail: "not connected"}
	} else if err := s.deps.Mongo.Ping(pctx); err != nil {
		mongoCheck = Check{Healthy: false, Detail: err.Error()}
	}
	report.Checks["mongodb"] = mongoCheck

	snap := s.deps.Sampler.Snapshot()
	memCheck := Check{Healthy: snap.MemoryPercent < memoryUnhealthyPct}
	if !memCheck.Healthy {
		memCheck.Detail = fmt.Sprintf("memory at %.1f%%", snap.MemoryPercent)
	}
	report.Checks["memory"] = memCheck

	healthy := true
	for _, c := range report.Checks {
		if !c.Healthy {
			healthy = false
			break
		}
	}
	if healthy {
		report.Status = "healthy"
	} else {
		report.Status = "unhealthy"
	}
	return report, healthy
}

// LoadReport is the load-metrics body used by upstream balancers to pick
// the least-loaded instance.
type LoadReport struct {
	InstanceID        string       `json:"instanceId"`
	Timestamp         types.TimeMS `json:"timestamp"`
	UptimeSeconds     float64      `json:"uptime"`
	MemoryRSS         uint64       `json:"memoryRss"`
	MemoryPercent     float64      `json:"memoryPercent"`
	CPUPercent        float64      `json:"cpuPercent"`
	Load1             float64      `json:"load1"`
	Load5             float64      `json:"load5"`
	Load15            float64      `json:"load15"`
	Goroutines        int          `json:"goroutines"`
	ActiveConnections int          `json:"activeConnections"`
	ActiveLocks       int          `json:"activeLocks"`
	PeerCount         int          `json:"peerCount"`
	Draining          bool         `json:"draining"`
	AvailabilityScore int          `json:"availabilityScore"`
}

// LoadMetrics snapshots current load and derives the availability score.
func (s *Service) LoadMetrics() LoadReport {
	snap := s.deps.Sampler.Snapshot()
	locks := s.deps.Locks.ActiveCount()
	peers := len(s.deps.Bus.Peers())

	report := LoadReport{
		InstanceID:        s.cfg.InstanceID,
		Timestamp:         types.NowMS(),
		UptimeSeconds:     snap.UptimeSeconds,
		MemoryRSS:         snap.MemoryRSS,
		MemoryPercent:     snap.MemoryPercent,
		CPUPercent:        snap.CPUPercent,
		Load1:             snap.Load1,
		Load5:             snap.Load5,
		Load15:            snap.Load15,
		Goroutines:        snap.Goroutines,
		ActiveConnections: s.deps.Sessions.ActiveSessions(),
		ActiveLocks:       locks,
		PeerCount:         peers,
		Draining:          s.draining.Load(),
	}
	report.AvailabilityScore = availabilityScore(snap.Uptime, snap.MemoryPercent, locks, s.deps.Bus.Initialized())
	return report
}

// availabilityScore starts from 90, adds a 10 point bonus after one hour
// of uptime, subtracts a linear memory penalty above 80 %, a lock penalty
// above 10 held locks and a flat 20 when the cross-instance bus never came
// up. Result clamps to [0, 100].
func availabilityScore(uptime time.Duration, memoryPct float64, activeLocks int, busUp bool) int {
	score := 90.0
	if uptime >= time.Hour {
		score += 10
	}
	if memoryPct > 80 {
		penalty := (memoryPct - 80) * 2
		if penalty > 40 {
			penalty = 40
		}
		score -= penalty
	}
	if activeLocks > 10 {
		penalty := float64(activeLocks-10) * 2
		if penalty > 20 {
			penalty = 20
		}
		score -= penalty
	}
	if !busUp {
		score -= 20
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return int(score)
}

// DetailedReport is the full diagnostic body.
type DetailedReport struct {
	InstanceID  string                    `json:"instanceId"`
	Environment string                    `json:"environment"`
	Timestamp   types.TimeMS              `json:"timestamp"`
	Draining    bool                      `json:"draining"`
	System      monitoring.SystemSnapshot `json:"system"`
	HotTier     hottier.Status            `json:"hotTier"`
	Durable     Check                     `json:"durable"`
	Sessions    int                       `json:"activeConnections"`
	Locks       LockReport                `json:"locks"`
	Bus         BusReport                 `json:"bus"`
	SyncWorker  *syncworker.Stats         `json:"syncWorker,omitempty"`
	Replication *replication.Stats        `json:"replication,omitempty"`
}

type LockReport struct {
	Count     int      `json:"count"`
	Resources []string `json:"resources"`
}

type BusReport struct {
	Initialized bool         `json:"initialized"`
	PeerCount   int          `json:"peerCount"`
	Peers       []types.Peer `json:"peers"`
}

// Detailed gathers every subsystem snapshot in one body.
func (s *Service) Detailed(ctx context.Context) DetailedReport {
	report := DetailedReport{
		InstanceID:  s.cfg.InstanceID,
		Environment: s.cfg.Environment,
		Timestamp:   types.NowMS(),
		Draining:    s.draining.Load(),
		System:      s.deps.Sampler.Snapshot(),
		HotTier:     s.deps.Store.Status(),
		Sessions:    s.deps.Sessions.ActiveSessions(),
		Locks: LockReport{
			Count:     s.deps.Locks.ActiveCount(),
			Resources: s.deps.Locks.ActiveResources(),
		},
		Bus: BusReport{
			Initialized: s.deps.Bus.Initialized(),
			Peers:       s.deps.Bus.Peers(),
		},
	}
	report.Bus.PeerCount = len(report.Bus.Peers)

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if s.deps.Mongo == nil {
		report.Durable = Check{Healthy: false, Detail: "not connected"}
	} else if err := s.deps.Mongo.Ping(pctx); err != nil {
		report.Durable = Check{Healthy: false, Detail: err.Error()}
	} else {
		report.Durable = Check{Healthy: true}
	}

	if s.deps.Worker != nil {
		st := s.deps.Worker()
		report.SyncWorker = &st
	}
	if s.deps.Replication != nil {
		st := s.deps.Replication()
		report.Replication = &st
	}
	return report
}

// DrainResult is the drain-endpoint response body.
type DrainResult struct {
	InstanceID        string       `json:"instanceId"`
	Draining          bool         `json:"draining"`
	AlreadyDraining   bool         `json:"alreadyDraining"`
	ActiveConnections int          `json:"activeConnections"`
	EstimatedSeconds  float64      `json:"estimatedDrainSeconds"`
	Timestamp         types.TimeMS `json:"timestamp"`
}

// Drain flips the instance into drain mode: new sessions are rejected and
// the balancer should stop routing here. Existing sessions keep running.
func (s *Service) Drain() DrainResult {
	already := s.draining.Swap(true)
	s.rejectNew.Store(true)

	n := s.deps.Sessions.ActiveSessions()
	result := DrainResult{
		InstanceID:        s.cfg.InstanceID,
		Draining:          true,
		AlreadyDraining:   already,
		ActiveConnections: n,
		EstimatedSeconds:  estimateDrainSeconds(n),
		Timestamp:         types.NowMS(),
	}
	if !already {
		s.logger.Warn().Int("active_connections", n).
			Float64("estimated_seconds", result.EstimatedSeconds).
			Msg("Instance entering drain mode")
	}
	return result
}

// estimateDrainSeconds guesses how long existing sessions take to go away:
// a 5 s floor plus 50 ms per connection, capped at the 30 s shutdown
// deadline.
func estimateDrainSeconds(activeConnections int) float64 {
	est := 5.0 + float64(activeConnections)*0.05
	if est > 30 {
		est = 30
	}
	return est
}

// Draining reports whether drain mode is on.
func (s *Service) Draining() bool {
	return s.draining.Load()
}

// RejectingNew reports whether new realtime sessions should be refused.
func (s *Service) RejectingNew() bool {
	return s.rejectNew.Load()
}

// PeerProbe is one peer health-probe outcome.
type PeerProbe struct {
	URL        string  `json:"url"`
	Healthy    bool    `json:"healthy"`
	StatusCode int     `json:"statusCode,omitempty"`
	LatencyMS  float64 `json:"latencyMs,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Peers probes each configured peer's health endpoint concurrently.
func (s *Service) Peers(ctx context.Context) []PeerProbe {
	bases := s.cfg.PeerInstances
	probes := make([]PeerProbe, len(bases))

	var wg sync.WaitGroup
	for i, base := range bases {
		wg.Add(1)
		go func(i int, base string) {
			defer wg.Done()
			probes[i] = s.probePeer(ctx, base)
		}(i, base)
	}
	wg.Wait()
	return probes
}

func (s *Service) probePeer(ctx context.Context, base string) PeerProbe {
	url := strings.TrimRight(base, "/") + "/api/instance-status/health"
	probe := PeerProbe{URL: url}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		probe.Error = err.Error()
		return probe
	}
	start := time.Now()
	resp, err := s.client.Do(req)
	probe.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		probe.Error = err.Error()
		return probe
	}
	defer resp.Body.Close()
	probe.StatusCode = resp.StatusCode
	probe.Healthy = resp.StatusCode == http.StatusOK
	return probe
}
