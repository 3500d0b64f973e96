// Package realtime is the server side of the live channel: a registry of
// connections indexed by channel, one read loop and one write goroutine per
// connection, and a relay for fanning out across nodes.
package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jwalitptl/realtime-hub/internal/model"
	"github.com/jwalitptl/realtime-hub/pkg/clock"
	"github.com/jwalitptl/realtime-hub/pkg/heartbeat"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
	"github.com/jwalitptl/realtime-hub/pkg/metrics"
)

// Eviction reasons, also used as metric labels.
const (
	ReasonClosed           = "closed"
	ReasonWriteFailed      = "write_failed"
	ReasonSlowConsumer     = "slow_consumer"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonShutdown         = "shutdown"
)

var ErrUnknownConnection = errors.New("unknown connection")

type Config struct {
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer       int
	WriteTimeout     time.Duration
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	MaxMessageBytes  int64
}

func DefaultConfig() Config {
	return Config{
		SendBuffer:       64,
		WriteTimeout:     10 * time.Second,
		HeartbeatTimeout: 90 * time.Second,
		SweepInterval:    30 * time.Second,
		MaxMessageBytes:  64 << 10,
	}
}

// AckHandler receives client acknowledgments read off any connection.
type AckHandler func(ctx context.Context, connectionID string, ack model.Ack) error

// ChannelInfo is a diagnostic snapshot of one channel.
type ChannelInfo struct {
	Name        string   `json:"name"`
	Subscribers []string `json:"subscribers"`
}

type Registry struct {
	cfg     Config
	clock   clock.Clock
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	conns    map[string]*Connection
	channels map[string]map[string]*Connection

	ackMu      sync.RWMutex
	ackHandler AckHandler
}

func NewRegistry(cfg Config, clk clock.Clock, log *logger.Logger, m *metrics.Metrics) *Registry {
	def := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logger.NewNop()
	}
	if m == nil {
		m = metrics.New("realtime_hub")
	}

	return &Registry{
		cfg:      cfg,
		clock:    clk,
		logger:   log,
		metrics:  m,
		conns:    make(map[string]*Connection),
		channels: make(map[string]map[string]*Connection),
	}
}

// SetAckHandler installs the consumer of inbound ack envelopes.
func (r *Registry) SetAckHandler(h AckHandler) {
	r.ackMu.Lock()
	defer r.ackMu.Unlock()
	r.ackHandler = h
}

// Serve runs one connection until the transport closes, ctx is cancelled or
// the connection is evicted. It blocks in the read loop.
func (r *Registry) Serve(ctx context.Context, t Transport) {
	conn := r.register(t)
	defer r.Evict(conn.id, ReasonClosed)

	go r.writeLoop(conn)
	go func() {
		select {
		case <-ctx.Done():
			r.Evict(conn.id, ReasonShutdown)
		case <-conn.done:
		}
	}()

	connected := model.ControlEnvelope(model.TypeConnected, "", r.clock.Now()).WithConnectionID(conn.id)
	r.send(conn, connected)

	r.readLoop(ctx, conn)
}

func (r *Registry) register(t Transport) *Connection {
	id := uuid.NewString()
	now := r.clock.Now()
	conn := newConnection(id, t, r.cfg.SendBuffer, heartbeat.New(r.clock, r.cfg.HeartbeatTimeout), now)

	r.mu.Lock()
	r.conns[id] = conn
	r.mu.Unlock()

	r.metrics.Connections.Inc()
	r.logger.Debug("connection registered", "connection_id", id)
	return conn
}

// Subscribe adds channel to the connection's set. Repeated calls leave one
// membership; each call is acknowledged to that connection only.
func (r *Registry) Subscribe(connectionID, channel string) error {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConnection
	}
	if _, already := conn.channels[channel]; !already {
		conn.channels[channel] = struct{}{}
		subs := r.channels[channel]
		if subs == nil {
			subs = make(map[string]*Connection)
			r.channels[channel] = subs
		}
		subs[connectionID] = conn
		r.metrics.Subscriptions.Inc()
	}
	r.mu.Unlock()

	r.send(conn, model.ControlEnvelope(model.TypeSubscribed, channel, r.clock.Now()))
	return nil
}

// Unsubscribe removes the mapping. Unsubscribing a channel the connection
// never joined is a no-op.
func (r *Registry) Unsubscribe(connectionID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connectionID]
	if !ok {
		return ErrUnknownConnection
	}
	if _, member := conn.channels[channel]; !member {
		return nil
	}
	delete(conn.channels, channel)
	r.removeMember(channel, connectionID)
	r.metrics.Subscriptions.Dec()
	return nil
}

// Publish queues env for every connection currently subscribed to channel
// and returns how many were reached. It never blocks on a transport; with no
// subscribers the envelope is dropped.
func (r *Registry) Publish(channel string, env model.Envelope) int {
	env = env.WithChannel(channel)
	if env.Timestamp == 0 {
		env.Timestamp = r.clock.Now().UnixMilli()
	}
	frame, err := env.Encode()
	if err != nil {
		r.logger.Error(err, "failed to encode envelope", "channel", channel, "type", string(env.Type))
		return 0
	}

	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.channels[channel]))
	for _, conn := range r.channels[channel] {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		r.metrics.EnvelopesDropped.WithLabelValues("no_subscribers").Inc()
		return 0
	}

	delivered := 0
	for _, conn := range targets {
		if r.enqueue(conn, frame) {
			delivered++
		}
	}
	r.metrics.EnvelopesPublished.WithLabelValues(string(env.Type)).Add(float64(delivered))
	return delivered
}

// Evict removes the connection and all of its subscriptions, then closes
// the transport. It is safe to call more than once.
func (r *Registry) Evict(connectionID, reason string) bool {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, connectionID)
	for channel := range conn.channels {
		r.removeMember(channel, connectionID)
	}
	dropped := len(conn.channels)
	r.mu.Unlock()

	conn.close()

	r.metrics.Connections.Dec()
	r.metrics.Subscriptions.Sub(float64(dropped))
	r.metrics.Evictions.WithLabelValues(reason).Inc()
	r.logger.Info("connection evicted",
		"connection_id", connectionID,
		"reason", reason,
		"subscriptions", dropped,
	)
	return true
}

// Sweep evicts every connection whose heartbeat monitor has gone degraded.
func (r *Registry) Sweep() int {
	r.mu.RLock()
	snapshot := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		snapshot = append(snapshot, conn)
	}
	r.mu.RUnlock()

	evicted := 0
	for _, conn := range snapshot {
		if conn.monitor.Check() == heartbeat.Degraded {
			if r.Evict(conn.id, ReasonHeartbeatTimeout) {
				evicted++
			}
		}
	}
	return evicted
}

// Run sweeps on the configured interval until ctx is done, then evicts
// whatever is left.
func (r *Registry) Run(ctx context.Context) {
	for {
		timer := r.clock.NewTimer(r.cfg.SweepInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.closeAll()
			return
		case <-timer.C():
			if n := r.Sweep(); n > 0 {
				r.logger.Info("heartbeat sweep evicted connections", "count", n)
			}
		}
	}
}

func (r *Registry) closeAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Evict(id, ReasonShutdown)
	}
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) IsSubscribed(connectionID, channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[channel][connectionID]
	return ok
}

// Subscribers lists the connection ids subscribed to channel, sorted.
func (r *Registry) Subscribers(channel string) []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.channels[channel]))
	for id := range r.channels[channel] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) Channels() []ChannelInfo {
	r.mu.RLock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]ChannelInfo, 0, len(names))
	for _, name := range names {
		out = append(out, ChannelInfo{Name: name, Subscribers: r.Subscribers(name)})
	}
	return out
}

// removeMember must be called with r.mu held.
func (r *Registry) removeMember(channel, connectionID string) {
	subs := r.channels[channel]
	delete(subs, connectionID)
	if len(subs) == 0 {
		delete(r.channels, channel)
	}
}

func (r *Registry) send(conn *Connection, env model.Envelope) {
	frame, err := env.Encode()
	if err != nil {
		r.logger.Error(err, "failed to encode envelope", "connection_id", conn.id)
		return
	}
	r.enqueue(conn, frame)
}

func (r *Registry) enqueue(conn *Connection, frame []byte) bool {
	queued, full := conn.enqueue(frame)
	if full {
		r.metrics.EnvelopesDropped.WithLabelValues(ReasonSlowConsumer).Inc()
		r.Evict(conn.id, ReasonSlowConsumer)
	}
	return queued
}

func (r *Registry) writeLoop(conn *Connection) {
	for {
		select {
		case <-conn.done:
			return
		case frame := <-conn.send:
			_ = conn.transport.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := conn.transport.WriteMessage(websocket.TextMessage, frame); err != nil {
				r.logger.Error(err, "write to connection failed", "connection_id", conn.id)
				r.Evict(conn.id, ReasonWriteFailed)
				return
			}
		}
	}
}

func (r *Registry) readLoop(ctx context.Context, conn *Connection) {
	conn.transport.SetReadLimit(r.cfg.MaxMessageBytes)

	for {
		messageType, raw, err := conn.transport.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Debug("connection read failed", "connection_id", conn.id, "error", err.Error())
			}
			return
		}
		conn.monitor.Beat()

		if messageType != websocket.TextMessage {
			continue
		}

		env, err := model.DecodeEnvelope(raw)
		if err != nil {
			r.protocolError(conn, err.Error())
			continue
		}
		r.handle(ctx, conn, env)
	}
}

func (r *Registry) handle(ctx context.Context, conn *Connection, env model.Envelope) {
	switch env.Type {
	case model.TypeSubscribe:
		if !model.ValidChannel(env.Channel) {
			r.protocolError(conn, "invalid channel: "+env.Channel)
			return
		}
		_ = r.Subscribe(conn.id, env.Channel)
	case model.TypeUnsubscribe:
		_ = r.Unsubscribe(conn.id, env.Channel)
	case model.TypePing:
		r.send(conn, model.ControlEnvelope(model.TypePong, "", r.clock.Now()))
	case model.TypePong:
	case model.TypeAck:
		r.handleAck(ctx, conn, env)
	default:
		r.protocolError(conn, "unsupported envelope type: "+string(env.Type))
	}
}

func (r *Registry) handleAck(ctx context.Context, conn *Connection, env model.Envelope) {
	ack, err := model.DecodeAck(env)
	if err != nil {
		r.protocolError(conn, err.Error())
		return
	}

	r.ackMu.RLock()
	h := r.ackHandler
	r.ackMu.RUnlock()
	if h == nil {
		r.logger.Warn("ack received with no handler installed", "connection_id", conn.id)
		return
	}
	if err := h(ctx, conn.id, ack); err != nil {
		r.logger.Error(err, "ack handler failed",
			"connection_id", conn.id,
			"notification_id", ack.NotificationID.String(),
		)
	}
}

func (r *Registry) protocolError(conn *Connection, msg string) {
	r.metrics.ProtocolErrors.Inc()
	r.logger.Warn("protocol error", "connection_id", conn.id, "message", msg)
	r.send(conn, model.ErrorEnvelope(msg))
}
