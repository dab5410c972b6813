// Package bus is the cross-instance event layer. Instances publish message
// mutations, cache invalidations, health beacons and discovery announcements
// over hot-tier pub/sub channels; every event carries its source instance id
// and receivers discard their own events. Discovery builds a pool of direct
// peer hot-tier connections used for optional cache replication.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/config"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/monitoring"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/msgcache"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

// Bus channels. All instances subscribe to all four.
const (
	ChannelMessageSync       = "cross_instance:message_sync"
	ChannelCacheInvalidation = "cross_instance:cache_invalidation"
	ChannelHealthCheck       = "cross_instance:health_check"
	ChannelDiscovery         = "cross_instance:instance_discovery"
)

// replicaPortOffset maps a peer's master port to its replica port.
const replicaPortOffset = 10000

// Envelope is the common header of every bus event.
type Envelope struct {
	SourceInstance string       `json:"sourceInstance"`
	Timestamp      types.TimeMS `json:"timestamp"`
}

type messageSyncEvent struct {
	Envelope
	Operation types.SyncOp    `json:"operation"`
	Data      json.RawMessage `json:"data"`
}

type invalidationEvent struct {
	Envelope
	Keys []string `json:"keys"`
}

type healthEvent struct {
	Envelope
	Status string `json:"status"`
}

type discoveryEvent struct {
	Envelope
	Endpoint string `json:"endpoint"`        // announcing instance's hot-tier master host:port
	Reply    bool   `json:"reply,omitempty"` // set on responses so they are not re-answered
}

// RemoteApplier applies a peer's message mutation to the local cache.
type RemoteApplier interface {
	ApplyRemote(ctx context.Context, op types.SyncOp, data json.RawMessage) error
}

// peer is one discovered instance. Connections are nil unless cache
// replication is enabled and the dial succeeded.
type peer struct {
	endpoint   string
	instanceID string
	lastSeen   types.TimeMS
	master     *hottier.PeerConn
	replica    *hottier.PeerConn
}

// Bus wires this instance into the cross-instance channels.
type Bus struct {
	store   hottier.Store
	applier RemoteApplier
	logger  zerolog.Logger

	instanceID       string
	selfEndpoint     string
	seedEndpoints    []string
	crossReplication bool
	healthInterval   time.Duration

	mu           sync.RWMutex
	peers        map[string]*peer // by endpoint
	onInvalidate func(keys []string)

	runCtx      context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	initialized atomic.Bool
}

func New(store hottier.Store, applier RemoteApplier, cfg *config.Config, logger zerolog.Logger) *Bus {
	return &Bus{
		store:            store,
		applier:          applier,
		logger:           logger.With().Str("component", "cross-instance-bus").Logger(),
		instanceID:       cfg.InstanceID,
		selfEndpoint:     cfg.MasterAddr(),
		seedEndpoints:    cfg.RedisPeerInstances,
		crossReplication: cfg.RedisCrossReplicationEnabled,
		healthInterval:   cfg.HealthCheckInterval,
		peers:            make(map[string]*peer),
	}
}

// OnCacheInvalidation registers the hub's callback for remotely invalidated
// keys. Bound after the hub exists; nil-safe until then.
func (b *Bus) OnCacheInvalidation(fn func(keys []string)) {
	b.mu.Lock()
	b.onInvalidate = fn
	b.mu.Unlock()
}

// Start subscribes to all channels, announces this instance and begins the
// health beacon.
func (b *Bus) Start(ctx context.Context) error {
	b.runCtx, b.cancel = context.WithCancel(ctx)

	subs := map[string]hottier.MessageHandler{
		ChannelMessageSync:       b.handleMessageSync,
		ChannelCacheInvalidation: b.handleInvalidation,
		ChannelHealthCheck:       b.handleHealth,
		ChannelDiscovery:         b.handleDiscovery,
	}
	for channel, handler := range subs {
		if err := b.store.Subscribe(b.runCtx, channel, handler); err != nil {
			return fmt.Errorf("bus: subscribe %s: %w", channel, err)
		}
	}

	if b.crossReplication {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.dialSeeds(b.runCtx)
		}()
	}

	b.wg.Add(1)
	go b.healthLoop(b.runCtx)

	if err := b.announce(b.runCtx, false); err != nil {
		b.logger.Warn().Err(err).Msg("Discovery announce failed")
	}
	b.initialized.Store(true)
	b.logger.Info().
		Str("endpoint", b.selfEndpoint).
		Bool("cache_replication", b.crossReplication).
		Msg("Cross-instance bus started")
	return nil
}

// Close stops the beacon and drops peer connections.
func (b *Bus) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.mu.Lock()
	for _, p := range b.peers {
		if p.master != nil {
			_ = p.master.Close()
		}
		if p.replica != nil {
			_ = p.replica.Close()
		}
	}
	b.peers = make(map[string]*peer)
	b.mu.Unlock()
	b.initialized.Store(false)
}

// Initialized reports whether Start completed. The availability score
// penalizes instances whose bus never came up.
func (b *Bus) Initialized() bool {
	return b.initialized.Load()
}

// PeerCount returns the number of discovered peers.
func (b *Bus) PeerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// Peers snapshots the discovered peer set.
func (b *Bus) Peers() []types.Peer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.Peer, 0, len(b.peers))
	for _, p := range b.peers {
		out = append(out, types.Peer{
			InstanceID: p.instanceID,
			Endpoint:   p.endpoint,
			LastSeen:   p.lastSeen,
		})
	}
	return out
}

// BroadcastMessageSync publishes a message mutation to all instances and,
// with cache replication on, writes creates straight into peer hot tiers.
func (b *Bus) BroadcastMessageSync(ctx context.Context, op types.SyncOp, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal payload: %w", err)
	}
	ev := messageSyncEvent{
		Envelope:  b.envelope(),
		Operation: op,
		Data:      data,
	}
	if err := b.publish(ctx, ChannelMessageSync, ev); err != nil {
		return err
	}
	if b.crossReplication && op == types.OpCreateMessage {
		b.replicateCreate(ctx, data)
	}
	return nil
}

// BroadcastCacheInvalidation tells every instance to drop the keys from its
// local hot tier.
func (b *Bus) BroadcastCacheInvalidation(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ev := invalidationEvent{Envelope: b.envelope(), Keys: keys}
	return b.publish(ctx, ChannelCacheInvalidation, ev)
}

func (b *Bus) envelope() Envelope {
	return Envelope{SourceInstance: b.instanceID, Timestamp: types.NowMS()}
}

func (b *Bus) publish(ctx context.Context, channel string, ev any) error {
	buf, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	if err := b.store.Publish(ctx, channel, buf); err != nil {
		return fmt.Errorf("bus: publish %s: %w", channel, err)
	}
	monitoring.RecordBusPublished(channel)
	return nil
}

// announce broadcasts this instance's endpoint. reply marks responses to a
// newly seen peer so the exchange converges instead of ping-ponging.
func (b *Bus) announce(ctx context.Context, reply bool) error {
	ev := discoveryEvent{Envelope: b.envelope(), Endpoint: b.selfEndpoint, Reply: reply}
	return b.publish(ctx, ChannelDiscovery, ev)
}

func (b *Bus) healthLoop(ctx context.Context) {
	defer b.wg.Done()
	defer monitoring.RecoverPanic(b.logger, "bus-health", nil)
	ticker := time.NewTicker(b.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev := healthEvent{Envelope: b.envelope(), Status: "healthy"}
			if err := b.publish(ctx, ChannelHealthCheck, ev); err != nil {
				b.logger.Warn().Err(err).Msg("Health beacon failed")
			}
		}
	}
}

// --- handlers; all run on the subscriber goroutine ---

func (b *Bus) handleMessageSync(channel string, payload []byte) {
	var ev messageSyncEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.logger.Warn().Err(err).Msg("Malformed message-sync event")
		return
	}
	if ev.SourceInstance == b.instanceID {
		return
	}
	monitoring.RecordBusReceived(channel)
	if err := b.applier.ApplyRemote(b.runCtx, ev.Operation, ev.Data); err != nil {
		b.logger.Warn().Err(err).
			Str("source", ev.SourceInstance).
			Str("operation", string(ev.Operation)).
			Msg("Remote message apply failed")
	}
}

func (b *Bus) handleInvalidation(channel string, payload []byte) {
	var ev invalidationEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.logger.Warn().Err(err).Msg("Malformed invalidation event")
		return
	}
	if ev.SourceInstance == b.instanceID || len(ev.Keys) == 0 {
		return
	}
	monitoring.RecordBusReceived(channel)
	if err := b.store.Del(b.runCtx, ev.Keys...); err != nil {
		b.logger.Warn().Err(err).Strs("keys", ev.Keys).Msg("Remote invalidation delete failed")
	}
	b.mu.RLock()
	fn := b.onInvalidate
	b.mu.RUnlock()
	if fn != nil {
		fn(ev.Keys)
	}
}

func (b *Bus) handleHealth(channel string, payload []byte) {
	var ev healthEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	if ev.SourceInstance == b.instanceID {
		return
	}
	monitoring.RecordBusReceived(channel)
	b.mu.Lock()
	for _, p := range b.peers {
		if p.instanceID == ev.SourceInstance {
			p.lastSeen = types.NowMS()
		}
	}
	b.mu.Unlock()
}

func (b *Bus) handleDiscovery(channel string, payload []byte) {
	var ev discoveryEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.logger.Warn().Err(err).Msg("Malformed discovery event")
		return
	}
	if ev.SourceInstance == b.instanceID || ev.Endpoint == "" {
		return
	}
	monitoring.RecordBusReceived(channel)

	b.mu.Lock()
	p, known := b.peers[ev.Endpoint]
	if known {
		p.instanceID = ev.SourceInstance
		p.lastSeen = types.NowMS()
	}
	b.mu.Unlock()

	if known {
		return
	}
	b.addPeer(b.runCtx, ev.Endpoint, ev.SourceInstance)
	if !ev.Reply {
		if err := b.announce(b.runCtx, true); err != nil {
			b.logger.Warn().Err(err).Msg("Discovery reply failed")
		}
	}
}

// addPeer records a peer and, with cache replication on, dials its hot
// tier. Dial failures keep the record; the pool is best-effort.
func (b *Bus) addPeer(ctx context.Context, endpoint, instanceID string) {
	p := &peer{endpoint: endpoint, instanceID: instanceID, lastSeen: types.NowMS()}
	if b.crossReplication {
		if conn, err := hottier.DialPeer(ctx, endpoint, 5*time.Second); err != nil {
			b.logger.Warn().Err(err).Str("peer", endpoint).Msg("Peer hot-tier dial failed")
		} else {
			p.master = conn
		}
		if replicaAddr, err := replicaEndpoint(endpoint); err == nil {
			if conn, err := hottier.DialPeer(ctx, replicaAddr, 5*time.Second); err == nil {
				p.replica = conn
			}
		}
	}

	b.mu.Lock()
	if existing, ok := b.peers[endpoint]; ok {
		// Lost the race with another discovery; keep the first conns.
		existing.instanceID = instanceID
		existing.lastSeen = types.NowMS()
		b.mu.Unlock()
		if p.master != nil {
			_ = p.master.Close()
		}
		if p.replica != nil {
			_ = p.replica.Close()
		}
		return
	}
	b.peers[endpoint] = p
	n := len(b.peers)
	b.mu.Unlock()

	monitoring.SetPeersConnected(n)
	b.logger.Info().Str("peer", endpoint).Str("peer_instance", instanceID).Msg("Peer discovered")
}

// dialSeeds connects the statically configured peer endpoints so the pool
// works before any discovery event arrives.
func (b *Bus) dialSeeds(ctx context.Context) {
	for _, endpoint := range b.seedEndpoints {
		if endpoint == "" || endpoint == b.selfEndpoint {
			continue
		}
		b.mu.RLock()
		_, known := b.peers[endpoint]
		b.mu.RUnlock()
		if !known {
			b.addPeer(ctx, endpoint, "")
		}
	}
}

// replicateCreate writes a freshly created message into every peer hot
// tier, never overwriting an id the peer already has.
func (b *Bus) replicateCreate(ctx context.Context, data json.RawMessage) {
	var probe struct {
		ID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.ID == "" {
		return
	}
	key := msgcache.Key(probe.ID)

	b.mu.RLock()
	conns := make([]*hottier.PeerConn, 0, len(b.peers))
	for _, p := range b.peers {
		if p.master != nil {
			conns = append(conns, p.master)
		}
	}
	b.mu.RUnlock()

	for _, conn := range conns {
		exists, err := conn.Exists(ctx, key)
		if err != nil {
			b.logger.Warn().Err(err).Str("peer", conn.Addr()).Msg("Peer existence check failed")
			continue
		}
		if exists {
			continue
		}
		if err := conn.JSONSet(ctx, key, "$", json.RawMessage(data)); err != nil {
			b.logger.Warn().Err(err).Str("peer", conn.Addr()).Msg("Peer cache write failed")
			continue
		}
		if err := conn.Expire(ctx, key, msgcache.MessageTTL); err != nil {
			b.logger.Warn().Err(err).Str("peer", conn.Addr()).Msg("Peer TTL set failed")
		}
	}
}

// replicaEndpoint derives a peer's replica address from its master
// address: same host, master port plus 10000.
func replicaEndpoint(endpoint string) (string, error) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port+replicaPortOffset)), nil
}
