// loadtest drives a chat instance with real websocket sessions: ramp up
// authenticated connections, join them into one room, optionally have every
// client send messages at a fixed rate, and sustain while polling the
// instance's load metrics.
//
// Credentials are supplied as a JSON array of {"token","sessionId"} pairs
// issued out of band; connections round-robin over them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

type runConfig struct {
	WSURL             string
	HealthURL         string
	MetricsURL        string
	CredentialsPath   string
	RoomID            string
	TargetConnections int
	RampRate          int // connections per second
	SustainSec        int
	ChatIntervalMS    int // 0 disables sending
	ReportIntervalSec int
	ConnectTimeoutMS  int
}

type credential struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
}

// loadSnapshot is the subset of /api/instance-status/load-metrics the
// reporter cares about.
type loadSnapshot struct {
	InstanceID        string  `json:"instanceId"`
	ActiveConnections int     `json:"activeConnections"`
	MemoryPercent     float64 `json:"memoryPercent"`
	CPUPercent        float64 `json:"cpuPercent"`
	AvailabilityScore int     `json:"availabilityScore"`
	Draining          bool    `json:"draining"`
}

type runState struct {
	activeConnections  int64
	totalCreated       int64
	failedConnections  int64
	handshakeRejected  int64
	joinsSucceeded     int64
	joinsFailed        int64
	messagesSent       int64
	messagesReceived   int64
	errorEvents        int64
	sessionsEnded      int64
	connectionErrors   sync.Map // error text -> *int64
	lastSnapshot       atomic.Pointer[loadSnapshot]
	startTime          time.Time
	sustainStart       time.Time
	phase              atomic.Value // "ramping" | "sustaining" | "completed"
}

var (
	cfg   *runConfig
	state *runState
	creds []credential
)

func main() {
	cfg = parseFlags()

	var err error
	creds, err = loadCredentials(cfg.CredentialsPath)
	if err != nil {
		log.Fatalf("credentials: %v", err)
	}
	if cfg.RoomID == "" {
		log.Fatalf("-room is required")
	}

	state = &runState{startTime: time.Now()}
	state.phase.Store("ramping")

	log.Println(strings.Repeat("=", 72))
	log.Printf("chat load test")
	log.Printf("  target:      %d connections at %d/sec", cfg.TargetConnections, cfg.RampRate)
	log.Printf("  room:        %s", cfg.RoomID)
	log.Printf("  credentials: %d identities (round-robin)", len(creds))
	if cfg.ChatIntervalMS > 0 {
		log.Printf("  send rate:   1 message per %dms per client", cfg.ChatIntervalMS)
	} else {
		log.Printf("  send rate:   listeners only")
	}
	log.Printf("  sustain:     %ds", cfg.SustainSec)
	log.Printf("  server:      %s", cfg.WSURL)
	log.Println(strings.Repeat("=", 72))

	if err := checkHealth(); err != nil {
		log.Fatalf("server health check failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("interrupted, shutting down")
		cancel()
	}()

	go pollMetrics(ctx)
	go periodicReports(ctx)

	if err := rampUp(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("ramp-up failed: %v", err)
	}

	if state.phase.Load() == "sustaining" {
		select {
		case <-time.After(time.Duration(cfg.SustainSec) * time.Second):
			state.phase.Store("completed")
		case <-ctx.Done():
		}
	}

	printReport()
	log.Printf("done")
}

func parseFlags() *runConfig {
	c := &runConfig{}
	flag.StringVar(&c.WSURL, "url", envStr("WS_URL", "ws://localhost:5000/ws"), "websocket endpoint")
	flag.StringVar(&c.HealthURL, "health", envStr("HEALTH_URL", "http://localhost:5000/health"), "liveness endpoint")
	flag.StringVar(&c.MetricsURL, "metrics", envStr("METRICS_URL", "http://localhost:5000/api/instance-status/load-metrics"), "load metrics endpoint")
	flag.StringVar(&c.CredentialsPath, "credentials", envStr("CREDENTIALS", "credentials.json"), "JSON file with [{token,sessionId}] pairs")
	flag.StringVar(&c.RoomID, "room", envStr("ROOM_ID", ""), "room every client joins")
	flag.IntVar(&c.TargetConnections, "connections", envInt("TARGET_CONNECTIONS", 500), "target connection count")
	flag.IntVar(&c.RampRate, "ramp-rate", envInt("RAMP_RATE", 50), "connections per second during ramp-up")
	flag.IntVar(&c.SustainSec, "duration", envInt("DURATION", 300), "sustain duration in seconds")
	flag.IntVar(&c.ChatIntervalMS, "chat-interval", envInt("CHAT_INTERVAL_MS", 0), "per-client send interval in ms, 0 for listeners only")
	flag.IntVar(&c.ReportIntervalSec, "report-interval", 10, "report interval in seconds")
	flag.IntVar(&c.ConnectTimeoutMS, "connect-timeout", envInt("CONNECT_TIMEOUT_MS", 10000), "dial plus handshake timeout in ms")
	flag.Parse()
	return c
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func loadCredentials(path string) ([]credential, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []credential
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s holds no identities", path)
	}
	for i, c := range out {
		if c.Token == "" || c.SessionID == "" {
			return nil, fmt.Errorf("%s entry %d missing token or sessionId", path, i)
		}
	}
	return out, nil
}

func rampUp(ctx context.Context) error {
	batchSize := cfg.RampRate / 10
	if batchSize < 1 {
		batchSize = 1
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	nextID := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if atomic.LoadInt64(&state.totalCreated) >= int64(cfg.TargetConnections) {
				state.phase.Store("sustaining")
				state.sustainStart = time.Now()
				log.Printf("ramp-up complete: %d active", atomic.LoadInt64(&state.activeConnections))
				return nil
			}
			var wg sync.WaitGroup
			for i := 0; i < batchSize && atomic.LoadInt64(&state.totalCreated) < int64(cfg.TargetConnections); i++ {
				wg.Add(1)
				id := nextID
				nextID++
				atomic.AddInt64(&state.totalCreated, 1)
				go func() {
					defer wg.Done()
					c := newClient(ctx, id)
					if err := c.connect(); err != nil {
						atomic.AddInt64(&state.failedConnections, 1)
						tally(&state.connectionErrors, err.Error())
					}
				}()
			}
			wg.Wait()
		}
	}
}

func tally(m *sync.Map, key string) {
	val, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(val.(*int64), 1)
}

// client is one simulated chat participant.
type client struct {
	id      int
	cred    credential
	ws      *websocket.Conn
	joined  atomic.Bool
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	seq     int64
}

func newClient(ctx context.Context, id int) *client {
	cctx, cancel := context.WithCancel(ctx)
	return &client{
		id:     id,
		cred:   creds[id%len(creds)],
		ctx:    cctx,
		cancel: cancel,
	}
}

const readTimeout = 90 * time.Second

func (c *client) connect() error {
	timeout := time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		// TCP keep-alive keeps idle sockets alive through cloud balancers.
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
			return d.DialContext(ctx, network, addr)
		},
	}

	ws, _, err := dialer.DialContext(c.ctx, cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.ws = ws
	atomic.AddInt64(&state.activeConnections, 1)

	// First frame authenticates; the server answers join traffic only, so
	// success shows up as joinRoomSuccess after we ask.
	_ = ws.SetWriteDeadline(time.Now().Add(timeout))
	if err := ws.WriteJSON(map[string]string{
		"token":     c.cred.Token,
		"sessionId": c.cred.SessionID,
	}); err != nil {
		c.close()
		return fmt.Errorf("handshake write: %w", err)
	}
	if err := c.send("joinRoom", map[string]string{"roomId": cfg.RoomID}); err != nil {
		c.close()
		return fmt.Errorf("join write: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPingHandler(func(payload string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(5*time.Second))
	})

	go c.readPump()
	if cfg.ChatIntervalMS > 0 {
		go c.chatPump()
	}
	return nil
}

func (c *client) send(event string, data any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(map[string]any{"event": event, "data": data})
}

func (c *client) readPump() {
	defer c.close()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		var frame struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
			Error string          `json:"error"`
		}
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		// A bare {error} frame is the handshake rejection.
		if frame.Event == "" {
			if frame.Error != "" {
				atomic.AddInt64(&state.handshakeRejected, 1)
				tally(&state.connectionErrors, "rejected: "+frame.Error)
			}
			return
		}

		switch frame.Event {
		case "joinRoomSuccess":
			c.joined.Store(true)
			atomic.AddInt64(&state.joinsSucceeded, 1)
		case "joinRoomError":
			atomic.AddInt64(&state.joinsFailed, 1)
		case "message":
			atomic.AddInt64(&state.messagesReceived, 1)
		case "session_ended":
			atomic.AddInt64(&state.sessionsEnded, 1)
			return
		case "error":
			atomic.AddInt64(&state.errorEvents, 1)
		default:
			// participantsUpdate, messagesRead, reaction and AI stream
			// traffic count as received noise, not chat throughput.
		}
	}
}

func (c *client) chatPump() {
	ticker := time.NewTicker(time.Duration(cfg.ChatIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.joined.Load() {
				continue
			}
			c.seq++
			err := c.send("chatMessage", map[string]any{
				"room":    cfg.RoomID,
				"type":    "text",
				"content": fmt.Sprintf("loadtest %d/%d", c.id, c.seq),
			})
			if err != nil {
				c.close()
				return
			}
			atomic.AddInt64(&state.messagesSent, 1)
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		atomic.AddInt64(&state.activeConnections, -1)
		if c.ws != nil {
			_ = c.ws.Close()
		}
		c.cancel()
	})
}

func checkHealth() error {
	resp, err := http.Get(cfg.HealthURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("liveness returned %d", resp.StatusCode)
	}
	return nil
}

func pollMetrics(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := http.Get(cfg.MetricsURL)
			if err != nil {
				continue
			}
			var snap loadSnapshot
			if json.NewDecoder(resp.Body).Decode(&snap) == nil {
				state.lastSnapshot.Store(&snap)
			}
			resp.Body.Close()
		}
	}
}

func periodicReports(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(cfg.ReportIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printReport()
		}
	}
}

func printReport() {
	elapsed := int(time.Since(state.startTime).Seconds())
	active := atomic.LoadInt64(&state.activeConnections)
	created := atomic.LoadInt64(&state.totalCreated)
	failed := atomic.LoadInt64(&state.failedConnections)
	sent := atomic.LoadInt64(&state.messagesSent)
	received := atomic.LoadInt64(&state.messagesReceived)

	successRate := 100.0
	if created > 0 {
		successRate = float64(created-failed) / float64(created) * 100
	}

	log.Println(strings.Repeat("=", 72))
	log.Printf("elapsed %ds  phase %s", elapsed, state.phase.Load())
	log.Printf("connections: active %d / %d target, created %d, failed %d (%.1f%% ok), rejected %d",
		active, cfg.TargetConnections, created, failed, successRate,
		atomic.LoadInt64(&state.handshakeRejected))
	log.Printf("room joins:  ok %d, failed %d",
		atomic.LoadInt64(&state.joinsSucceeded), atomic.LoadInt64(&state.joinsFailed))
	log.Printf("messages:    sent %d, received %d (%.1f msg/s in), error events %d, sessions ended %d",
		sent, received, float64(received)/float64(max(elapsed, 1)),
		atomic.LoadInt64(&state.errorEvents), atomic.LoadInt64(&state.sessionsEnded))

	// phase flips after sustainStart is written, so the read is ordered.
	if state.phase.Load() == "sustaining" {
		sustained := int(time.Since(state.sustainStart).Seconds())
		log.Printf("sustain:     %ds elapsed, %ds remaining", sustained, max(0, cfg.SustainSec-sustained))
	}

	if snap := state.lastSnapshot.Load(); snap != nil {
		drainNote := ""
		if snap.Draining {
			drainNote = "  DRAINING"
		}
		log.Printf("server:      %s reports %d conns, score %d, cpu %.1f%%, mem %.1f%%%s",
			snap.InstanceID, snap.ActiveConnections, snap.AvailabilityScore,
			snap.CPUPercent, snap.MemoryPercent, drainNote)
	} else {
		log.Printf("server:      no load metrics yet")
	}

	hasErr := false
	state.connectionErrors.Range(func(key, val any) bool {
		if !hasErr {
			log.Printf("connection errors:")
			hasErr = true
		}
		log.Printf("  %s: %d", key, atomic.LoadInt64(val.(*int64)))
		return true
	})
	log.Println(strings.Repeat("=", 72))
}
