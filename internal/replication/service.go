// Package replication mirrors durable-tier documents between instances.
// Each instance watches its own change streams for documents authored
// elsewhere and pushes them into every peer durable tier, annotated with
// replication metadata. Conflicts resolve last-writer-wins on the
// document's logical clock, ties broken by the modifying instance id so
// two instances never oscillate.
package replication

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/config"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/durable"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/monitoring"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

// Collections under replication.
var collections = []string{"messages", "rooms", "users"}

// backfillWindow is how far back the startup sync reaches.
const backfillWindow = 24 * time.Hour

// watchRetryDelay paces change-stream reopen attempts.
const watchRetryDelay = 5 * time.Second

// rawStore is the raw-document surface of a durable tier, local or peer.
type rawStore interface {
	FindRaw(ctx context.Context, collection string, id any) (bson.M, error)
	UpsertRaw(ctx context.Context, collection string, id any, doc bson.M) error
	DeleteRaw(ctx context.Context, collection string, id any) error
	ModifiedSince(ctx context.Context, collection string, sinceMS int64) ([]bson.M, error)
}

type peerConn struct {
	endpoint string
	store    rawStore
	mongo    *durable.Mongo
}

// Stats is a point-in-time snapshot for the status surface.
type Stats struct {
	Enabled     bool         `json:"enabled"`
	Watching    bool         `json:"watching"`
	PeerCount   int          `json:"peerCount"`
	Received    int64        `json:"received"`
	Applied     int64        `json:"applied"`
	Conflicts   int64        `json:"conflicts"`
	LocalWins   int64        `json:"localWins"`
	RemoteWins  int64        `json:"remoteWins"`
	Errors      int64        `json:"errors"`
	LastEventAt types.TimeMS `json:"lastEventAt,omitempty"`
}

// Service runs the replication pipeline for one instance.
type Service struct {
	local      rawStore
	mongo      *durable.Mongo
	instanceID string
	enabled    bool
	peerURLs   []string
	dbName     string
	logger     zerolog.Logger

	mu    sync.Mutex
	peers []*peerConn
	stats Stats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the service over the instance's own durable tier. Peers are
// dialed on Start.
func New(local *durable.Mongo, cfg *config.Config, logger zerolog.Logger) *Service {
	dbName := "chat"
	if local != nil {
		dbName = local.Database().Name()
	}
	return &Service{
		local:      local,
		mongo:      local,
		instanceID: cfg.InstanceID,
		enabled:    cfg.MongoReplicationEnabled,
		peerURLs:   cfg.PeerInstances,
		dbName:     dbName,
		logger:     logger.With().Str("component", "mongo_replication").Logger(),
	}
}

// Start dials the peer durable tiers, runs the startup backfill and opens
// the change streams. A disabled service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	if !s.enabled {
		s.logger.Info().Msg("Mongo replication disabled")
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, raw := range s.peerURLs {
		uri, err := peerMongoURI(raw, s.dbName)
		if err != nil {
			s.logger.Warn().Err(err).Str("peer", raw).Msg("Cannot derive peer durable endpoint")
			continue
		}
		m, err := durable.Connect(ctx, uri, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Str("peer", raw).Msg("Peer durable tier unreachable")
			continue
		}
		s.mu.Lock()
		s.peers = append(s.peers, &peerConn{endpoint: raw, store: m, mongo: m})
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.stats.Enabled = true
	s.stats.PeerCount = len(s.peers)
	peerCount := len(s.peers)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.initialSync(runCtx)
	}()
	for _, coll := range collections {
		s.wg.Add(1)
		go s.watchCollection(runCtx, coll)
	}

	s.logger.Info().Int("peers", peerCount).Msg("Mongo replication started")
	return nil
}

// Stop closes the change streams and peer connections.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.mu.Lock()
	peers := s.peers
	s.peers = nil
	s.stats.Watching = false
	s.mu.Unlock()
	for _, p := range peers {
		if p.mongo != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = p.mongo.Close(ctx)
			cancel()
		}
	}
}

// Stats snapshots the replication counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// initialSync pushes the last day of foreign-authored messages to every
// peer, catching up instances that were down when the writes happened.
func (s *Service) initialSync(ctx context.Context) {
	since := time.Now().Add(-backfillWindow).UnixMilli()
	docs, err := s.local.ModifiedSince(ctx, "messages", since)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Initial replication sync failed")
		return
	}
	var pushed int
	for _, doc := range docs {
		if ctx.Err() != nil {
			return
		}
		if src, _ := doc["instanceId"].(string); src == s.instanceID {
			continue
		}
		s.replicateToAllPeers(ctx, "messages", doc)
		pushed++
	}
	s.logger.Info().Int("candidates", len(docs)).Int("pushed", pushed).
		Msg("Initial replication sync complete")
}

func (s *Service) watchCollection(ctx context.Context, collection string) {
	defer s.wg.Done()
	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: bson.M{
		"operationType":           bson.M{"$in": bson.A{"insert", "update", "replace", "delete"}},
		"fullDocument.instanceId": bson.M{"$ne": s.instanceID},
	}}}}

	for ctx.Err() == nil {
		cs, err := s.mongo.Watch(ctx, collection, pipeline)
		if err != nil {
			// Standalone durable tiers have no oplog to tail. The
			// startup backfill still ran, so degrade instead of dying.
			s.logger.Warn().Err(err).Str("collection", collection).
				Msg("Change stream unavailable, retrying")
			s.setWatching(false)
			if !sleepCtx(ctx, watchRetryDelay) {
				return
			}
			continue
		}
		s.setWatching(true)
		s.logger.Info().Str("collection", collection).Msg("Change stream open")

		for cs.Next(ctx) {
			var ev changeEvent
			if err := cs.Decode(&ev); err != nil {
				s.logger.Warn().Err(err).Str("collection", collection).Msg("Undecodable change event")
				continue
			}
			s.handleChange(ctx, collection, ev)
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Str("collection", collection).Msg("Change stream broke")
		}
		_ = cs.Close(context.Background())
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	FullDocument  bson.M `bson:"fullDocument"`
	DocumentKey   struct {
		ID any `bson:"_id"`
	} `bson:"documentKey"`
}

func (s *Service) handleChange(ctx context.Context, collection string, ev changeEvent) {
	s.mu.Lock()
	s.stats.Received++
	s.stats.LastEventAt = types.NowMS()
	s.mu.Unlock()

	switch ev.OperationType {
	case "delete":
		s.deleteFromAllPeers(ctx, collection, ev.DocumentKey.ID)
	case "insert", "update", "replace":
		if ev.FullDocument == nil {
			return
		}
		s.replicateToAllPeers(ctx, collection, ev.FullDocument)
	}
}

// replicateToAllPeers pushes one document into every peer durable tier.
// A peer holding a newer version wins instead: its copy is pulled back
// over the local one and the push stops for that document.
func (s *Service) replicateToAllPeers(ctx context.Context, collection string, doc bson.M) {
	id, ok := doc["_id"]
	if !ok {
		return
	}
	for _, p := range s.snapshotPeers() {
		existing, err := p.store.FindRaw(ctx, collection, id)
		switch {
		case errors.Is(err, durable.ErrNotFound):
			s.pushToPeer(ctx, p, collection, id, doc)
		case err != nil:
			s.countError()
			s.logger.Warn().Err(err).Str("peer", p.endpoint).Msg("Peer read failed")
		default:
			switch s.resolveConflict(doc, existing) {
			case localWins:
				s.countConflict(collection, "local_wins")
				s.pushToPeer(ctx, p, collection, id, doc)
			case remoteWins:
				s.countConflict(collection, "remote_wins")
				if err := s.updateLocalDocument(ctx, collection, existing); err != nil {
					s.countError()
					s.logger.Warn().Err(err).Str("peer", p.endpoint).Msg("Conflict pull-back failed")
				}
				return
			case converged:
				// Same version on both sides, nothing to relay.
			}
		}
	}
}

func (s *Service) pushToPeer(ctx context.Context, p *peerConn, collection string, id any, doc bson.M) {
	if err := p.store.UpsertRaw(ctx, collection, id, s.annotate(doc)); err != nil {
		s.countError()
		s.logger.Warn().Err(err).Str("peer", p.endpoint).Str("collection", collection).
			Msg("Peer replication write failed")
		return
	}
	s.mu.Lock()
	s.stats.Applied++
	s.mu.Unlock()
	monitoring.RecordReplicationEvent(collection, "applied")
}

func (s *Service) deleteFromAllPeers(ctx context.Context, collection string, id any) {
	if id == nil {
		return
	}
	for _, p := range s.snapshotPeers() {
		if err := p.store.DeleteRaw(ctx, collection, id); err != nil {
			s.countError()
			s.logger.Warn().Err(err).Str("peer", p.endpoint).Msg("Peer replication delete failed")
			continue
		}
		s.mu.Lock()
		s.stats.Applied++
		s.mu.Unlock()
		monitoring.RecordReplicationEvent(collection, "deleted")
	}
}

// updateLocalDocument overwrites the local copy with a newer remote one.
func (s *Service) updateLocalDocument(ctx context.Context, collection string, doc bson.M) error {
	id, ok := doc["_id"]
	if !ok {
		return fmt.Errorf("replication: document without _id")
	}
	if err := s.local.UpsertRaw(ctx, collection, id, s.annotate(doc)); err != nil {
		return err
	}
	monitoring.RecordReplicationEvent(collection, "pulled")
	return nil
}

type conflictOutcome int

const (
	converged conflictOutcome = iota
	localWins
	remoteWins
)

// resolveConflict compares two copies of the same document. The more
// recently modified copy wins; equal clocks fall back to the modifying
// instance id so both sides pick the same winner.
func (s *Service) resolveConflict(local, remote bson.M) conflictOutcome {
	lc, rc := docClock(local), docClock(remote)
	if lc != rc {
		if lc > rc {
			return localWins
		}
		return remoteWins
	}
	lid, rid := modifier(local), modifier(remote)
	switch {
	case lid == rid:
		return converged
	case lid > rid:
		return localWins
	default:
		return remoteWins
	}
}

// annotate copies the document and stamps the replication metadata.
func (s *Service) annotate(doc bson.M) bson.M {
	out := make(bson.M, len(doc)+4)
	for k, v := range doc {
		out[k] = v
	}
	out["replicatedFrom"] = s.instanceID
	out["replicatedAt"] = time.Now().UnixMilli()
	if _, ok := out["lastModifiedBy"]; !ok {
		out["lastModifiedBy"] = modifierOf(doc, s.instanceID)
	}
	if _, ok := out["lastModifiedAt"]; !ok {
		if clock := docClock(doc); clock > 0 {
			out["lastModifiedAt"] = clock
		} else {
			out["lastModifiedAt"] = time.Now().UnixMilli()
		}
	}
	return out
}

// docClock is the document's logical clock: updatedAt, else createdAt,
// else the message timestamp.
func docClock(doc bson.M) int64 {
	for _, field := range []string{"updatedAt", "createdAt", "timestamp"} {
		if ms := asMillis(doc[field]); ms > 0 {
			return ms
		}
	}
	return 0
}

func modifier(doc bson.M) string {
	return modifierOf(doc, "")
}

func modifierOf(doc bson.M, fallback string) string {
	if by, _ := doc["lastModifiedBy"].(string); by != "" {
		return by
	}
	if src, _ := doc["instanceId"].(string); src != "" {
		return src
	}
	return fallback
}

// asMillis normalizes the numeric and date shapes the driver can hand back.
func asMillis(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case primitive.DateTime:
		return int64(t)
	case time.Time:
		return t.UnixMilli()
	case types.TimeMS:
		return int64(t)
	default:
		return 0
	}
}

// peerMongoURI derives a peer's durable endpoint from its HTTP base URL.
// The deployment pairs application and durable ports one-to-one.
func peerMongoURI(base, dbName string) (string, error) {
	hostPort := base
	if strings.Contains(base, "//") {
		u, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("replication: bad peer url %q: %w", base, err)
		}
		hostPort = u.Host
	}
	host, port, ok := strings.Cut(hostPort, ":")
	if !ok || host == "" {
		return "", fmt.Errorf("replication: bad peer endpoint %q", base)
	}
	mapped, ok := map[string]string{
		"5001": "27017",
		"5002": "27018",
		"5003": "27019",
	}[port]
	if !ok {
		return "", fmt.Errorf("replication: no durable port mapping for %q", base)
	}
	return fmt.Sprintf("mongodb://%s:%s/%s", host, mapped, dbName), nil
}

func (s *Service) snapshotPeers() []*peerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peerConn, len(s.peers))
	copy(out, s.peers)
	return out
}

func (s *Service) setWatching(on bool) {
	s.mu.Lock()
	s.stats.Watching = on
	s.mu.Unlock()
}

func (s *Service) countError() {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
}

func (s *Service) countConflict(collection, outcome string) {
	s.mu.Lock()
	s.stats.Conflicts++
	if outcome == "local_wins" {
		s.stats.LocalWins++
	} else {
		s.stats.RemoteWins++
	}
	s.mu.Unlock()
	monitoring.RecordReplicationEvent(collection, outcome)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
