package hottier

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// PeerConn is a plain connection to another instance's hot tier, used by the
// cross-instance layer to replicate documents directly. No routing, no
// fallback: a dead peer is simply dropped from the pool.
type PeerConn struct {
	addr string
	c    *redis.Client
}

// DialPeer connects to a peer hot-tier endpoint and verifies it with a ping.
func DialPeer(ctx context.Context, addr string, timeout time.Duration) (*PeerConn, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, &Error{Kind: KindConnectivity, Op: "dialpeer", Err: err}
	}
	return &PeerConn{addr: addr, c: c}, nil
}

func (p *PeerConn) Addr() string {
	return p.addr
}

func (p *PeerConn) Ping(ctx context.Context) error {
	if err := p.c.Ping(ctx).Err(); err != nil {
		return &Error{Kind: KindConnectivity, Op: "ping", Err: err}
	}
	return nil
}

// JSONSet writes a JSON document into the peer's hot tier.
func (p *PeerConn) JSONSet(ctx context.Context, key, path string, value any) error {
	if err := p.c.JSONSet(ctx, key, path, value).Err(); err != nil {
		return &Error{Kind: KindConnectivity, Op: "jsonset", Err: err}
	}
	return nil
}

// Exists reports whether the key is present in the peer's hot tier.
func (p *PeerConn) Exists(ctx context.Context, key string) (bool, error) {
	n, err := p.c.Exists(ctx, key).Result()
	if err != nil {
		return false, &Error{Kind: KindConnectivity, Op: "exists", Err: err}
	}
	return n > 0, nil
}

// Expire sets a TTL on a key in the peer's hot tier.
func (p *PeerConn) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := p.c.Expire(ctx, key, ttl).Err(); err != nil {
		return &Error{Kind: KindConnectivity, Op: "expire", Err: err}
	}
	return nil
}

func (p *PeerConn) Close() error {
	return p.c.Close()
}
