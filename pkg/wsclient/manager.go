// Package wsclient keeps one logical connection to the realtime hub alive
// across drops. A single goroutine owns the transport, the subscription
// intent, the outbound acknowledgment queue and every timer; callers talk to
// it through commands.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jwalitptl/realtime-hub/internal/model"
	"github.com/jwalitptl/realtime-hub/pkg/clock"
	"github.com/jwalitptl/realtime-hub/pkg/heartbeat"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
)

var (
	// ErrReconnectExhausted is terminal: the manager stops after it.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrClosed             = errors.New("connection manager closed")
	ErrNotStarted         = errors.New("connection manager not started")
)

type Config struct {
	URL string
	// Channels are subscribed on every connect, before any later Subscribe.
	Channels         []string
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	MaxAttempts      int
	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	HeartbeatTimeout time.Duration
	EventBuffer      int
}

func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		MaxAttempts:      5,
		DialTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     heartbeat.DefaultPingInterval,
		HeartbeatTimeout: heartbeat.DefaultTimeout,
		EventBuffer:      64,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.URL)
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	return c
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

type commandKind int

const (
	cmdSubscribe commandKind = iota
	cmdUnsubscribe
	cmdSend
	cmdAck
	cmdClose
)

type command struct {
	kind    commandKind
	channel string
	env     model.Envelope
	reply   chan error
}

type dialResult struct {
	gen  uint64
	conn Conn
	err  error
}

type inbound struct {
	gen uint64
	raw []byte
}

type lostSignal struct {
	gen uint64
	err error
}

type Manager struct {
	cfg    Config
	dialer Dialer
	clock  clock.Clock
	logger *logger.Logger

	cmds    chan command
	dialed  chan dialResult
	frames  chan inbound
	lost    chan lostSignal
	events  chan model.Envelope
	states  chan StateChange
	done    chan struct{}
	started atomic.Bool

	startOnce sync.Once
	closeOnce sync.Once

	// Owned by the run loop.
	state          State
	health         heartbeat.State
	conn           Conn
	gen            uint64
	attempt        int
	backoff        *backoff.ExponentialBackOff
	reconnectTimer clock.Timer
	pingTimer      clock.Timer
	dialCancel     context.CancelFunc
	monitor        *heartbeat.Monitor
	intent         []string
	queue          []model.Envelope

	// Snapshot readable from any goroutine.
	mu           sync.RWMutex
	snapState    State
	snapHealth   heartbeat.State
	snapErr      error
	snapChannels []string
	snapPending  int
	connectionID string
}

func NewManager(cfg Config, dialer Dialer, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:    cfg,
		dialer: dialer,
		clock:  clock.New(),
		logger: logger.NewNop(),
		cmds:   make(chan command, 16),
		dialed: make(chan dialResult),
		frames: make(chan inbound, 16),
		lost:   make(chan lostSignal),
		events: make(chan model.Envelope, cfg.EventBuffer),
		states: make(chan StateChange, 16),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.backoff = &backoff.ExponentialBackOff{
		InitialInterval:     cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         cfg.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               m.clock,
	}
	m.backoff.Reset()
	m.monitor = heartbeat.New(m.clock, cfg.HeartbeatTimeout)

	for _, ch := range cfg.Channels {
		m.addIntent(ch)
	}
	m.snapChannels = append([]string(nil), m.intent...)
	return m
}

// Start launches the run loop. It returns immediately.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.started.Store(true)
		go m.run(ctx)
	})
}

// Close cancels any pending reconnect and ping timers, releases the
// transport and waits for the run loop to exit.
func (m *Manager) Close() error {
	m.startOnce.Do(func() { close(m.done) })
	m.closeOnce.Do(func() {
		select {
		case m.cmds <- command{kind: cmdClose}:
		case <-m.done:
		}
	})
	<-m.done
	return nil
}

func (m *Manager) Subscribe(channel string) error {
	if !model.ValidChannel(channel) {
		return fmt.Errorf("invalid channel %q", channel)
	}
	return m.do(command{kind: cmdSubscribe, channel: channel})
}

func (m *Manager) Unsubscribe(channel string) error {
	return m.do(command{kind: cmdUnsubscribe, channel: channel})
}

// Send writes env if connected. Otherwise it logs and drops it. It never
// blocks.
func (m *Manager) Send(env model.Envelope) bool {
	if st := m.State(); st != Connected {
		m.logger.Warn("send while not connected, dropping", "type", string(env.Type), "state", st.String())
		return false
	}
	select {
	case m.cmds <- command{kind: cmdSend, env: env}:
		return true
	default:
		m.logger.Warn("command queue full, dropping send", "type", string(env.Type))
		return false
	}
}

// Ack sends a read receipt. While disconnected receipts queue in memory and
// are flushed in order on the next connect.
func (m *Manager) Ack(notificationID uuid.UUID) error {
	env, err := model.NewAckEnvelope(model.Ack{NotificationID: notificationID, Action: model.AckRead}, m.clock.Now())
	if err != nil {
		return err
	}
	return m.do(command{kind: cmdAck, env: env})
}

func (m *Manager) Events() <-chan model.Envelope { return m.events }

func (m *Manager) States() <-chan StateChange { return m.states }

func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapState
}

func (m *Manager) Health() heartbeat.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapHealth
}

// Err is the terminal error, if the manager gave up.
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapErr
}

func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.snapChannels...)
}

// Pending is the number of queued acknowledgments.
func (m *Manager) Pending() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapPending
}

func (m *Manager) ConnectionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectionID
}

func (m *Manager) do(cmd command) error {
	if !m.started.Load() {
		return ErrNotStarted
	}
	cmd.reply = make(chan error, 1)
	select {
	case m.cmds <- cmd:
	case <-m.done:
		return m.closedErr()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-m.done:
		return m.closedErr()
	}
}

func (m *Manager) closedErr() error {
	if err := m.Err(); err != nil {
		return err
	}
	return ErrClosed
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	m.dial(ctx)
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case cmd := <-m.cmds:
			if cmd.kind == cmdClose {
				m.shutdown()
				return
			}
			m.handleCommand(cmd)
		case res := <-m.dialed:
			if m.handleDial(res) {
				return
			}
		case in := <-m.frames:
			if in.gen == m.gen && m.state == Connected {
				m.handleFrame(in.raw)
			}
		case sig := <-m.lost:
			if sig.gen == m.gen {
				m.handleLost(sig.err)
			}
		case <-timerC(m.reconnectTimer):
			m.reconnectTimer = nil
			m.dial(ctx)
		case <-timerC(m.pingTimer):
			m.pingTimer = nil
			m.handlePingDue()
		}
	}
}

func (m *Manager) apply(e eventKind, cause error) bool {
	next, ok := transition(m.state, e)
	if !ok {
		m.logger.Debug("ignored connection event", "event", e.String(), "state", m.state.String())
		return false
	}
	m.logger.Debug("connection state changed",
		"from", m.state.String(),
		"to", next.String(),
		"event", e.String(),
	)
	m.state = next
	m.publish(cause)
	return true
}

func (m *Manager) publish(cause error) {
	m.mu.Lock()
	m.snapState = m.state
	m.snapHealth = m.health
	m.mu.Unlock()

	change := StateChange{
		State:   m.state,
		Health:  m.health,
		Attempt: m.attempt,
		Err:     cause,
		At:      m.clock.Now(),
	}
	select {
	case m.states <- change:
	default:
		m.logger.Debug("state listener behind, dropping change", "state", m.state.String())
	}
}

func (m *Manager) dial(ctx context.Context) {
	if !m.apply(eventDial, nil) {
		return
	}
	m.gen++
	gen := m.gen
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	m.dialCancel = cancel

	go func() {
		conn, err := m.dialer.Dial(dialCtx, m.cfg.URL)
		select {
		case m.dialed <- dialResult{gen: gen, conn: conn, err: err}:
		case <-m.done:
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

// handleDial reports true when the manager has given up.
func (m *Manager) handleDial(res dialResult) bool {
	if res.gen != m.gen || m.state != Connecting {
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return false
	}
	m.cancelDial()

	if res.err != nil {
		m.logger.Warn("dial failed", "url", m.cfg.URL, "attempt", m.attempt, "error", res.err.Error())
		if m.attempt >= m.cfg.MaxAttempts {
			err := fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, m.attempt, res.err)
			m.mu.Lock()
			m.snapErr = err
			m.mu.Unlock()
			m.logger.Error(err, "giving up on connection", "url", m.cfg.URL)
			m.apply(eventExhausted, err)
			m.dropQueue()
			return true
		}
		m.apply(eventDialFailed, res.err)
		m.scheduleReconnect()
		return false
	}

	m.conn = res.conn
	m.apply(eventDialed, nil)
	m.onConnected()
	return false
}

func (m *Manager) onConnected() {
	m.attempt = 0
	m.backoff.Reset()
	m.monitor.Reset()
	m.setHealth(heartbeat.Healthy)
	m.logger.Info("connected", "url", m.cfg.URL)

	go m.readLoop(m.conn, m.gen)

	for _, ch := range m.intent {
		if err := m.write(model.ControlEnvelope(model.TypeSubscribe, ch, m.clock.Now())); err != nil {
			m.handleLost(err)
			return
		}
	}
	if !m.flushQueue() {
		return
	}
	m.pingTimer = m.clock.NewTimer(m.cfg.PingInterval)
}

func (m *Manager) scheduleReconnect() {
	delay := m.backoff.NextBackOff()
	m.attempt++
	m.logger.Info("reconnect scheduled", "attempt", m.attempt, "delay", delay.String())
	m.reconnectTimer = m.clock.NewTimer(delay)
}

func (m *Manager) handleLost(err error) {
	if m.state != Connected {
		return
	}
	m.closeConn()
	stopTimer(&m.pingTimer)
	m.logger.Warn("connection lost", "error", errString(err))
	m.apply(eventLost, err)
	m.scheduleReconnect()
}

func (m *Manager) handleFrame(raw []byte) {
	m.monitor.Beat()
	if m.health == heartbeat.Degraded {
		m.setHealth(heartbeat.Healthy)
		m.publish(nil)
	}

	env, err := model.DecodeEnvelope(raw)
	if err != nil {
		m.logger.Warn("discarding malformed frame", "error", err.Error())
		return
	}

	switch env.Type {
	case model.TypePong:
	case model.TypePing:
		if err := m.write(model.ControlEnvelope(model.TypePong, "", m.clock.Now())); err != nil {
			m.handleLost(err)
		}
	case model.TypeConnected:
		m.mu.Lock()
		m.connectionID = env.ConnectionID
		m.mu.Unlock()
	case model.TypeSubscribed:
		m.logger.Debug("subscribed", "channel", env.Channel)
	case model.TypeError:
		m.logger.Warn("server reported error", "message", env.Message)
	default:
		select {
		case m.events <- env:
		default:
			m.logger.Warn("event consumer behind, dropping envelope", "type", string(env.Type), "channel", env.Channel)
		}
	}
}

func (m *Manager) handlePingDue() {
	if m.state != Connected {
		return
	}
	if m.monitor.Check() == heartbeat.Degraded && m.health != heartbeat.Degraded {
		m.setHealth(heartbeat.Degraded)
		m.logger.Warn("heartbeat missed, connection degraded", "missed", m.monitor.Missed())
		m.publish(nil)
	}
	if err := m.write(model.ControlEnvelope(model.TypePing, "", m.clock.Now())); err != nil {
		m.handleLost(err)
		return
	}
	m.pingTimer = m.clock.NewTimer(m.cfg.PingInterval)
}

func (m *Manager) handleCommand(cmd command) {
	var err error
	switch cmd.kind {
	case cmdSubscribe:
		if !m.addIntent(cmd.channel) {
			break
		}
		m.updateChannels()
		if m.state == Connected {
			if werr := m.write(model.ControlEnvelope(model.TypeSubscribe, cmd.channel, m.clock.Now())); werr != nil {
				m.handleLost(werr)
			}
		}
	case cmdUnsubscribe:
		if m.removeIntent(cmd.channel) {
			m.updateChannels()
			if m.state == Connected {
				if werr := m.write(model.ControlEnvelope(model.TypeUnsubscribe, cmd.channel, m.clock.Now())); werr != nil {
					m.handleLost(werr)
				}
			}
		}
	case cmdSend:
		if m.state != Connected {
			m.logger.Warn("send while not connected, dropping", "type", string(cmd.env.Type))
			break
		}
		if werr := m.write(cmd.env); werr != nil {
			m.handleLost(werr)
		}
	case cmdAck:
		m.queue = append(m.queue, cmd.env)
		m.updatePending()
		if m.state == Connected {
			m.flushQueue()
		}
	}
	if cmd.reply != nil {
		cmd.reply <- err
	}
}

// flushQueue writes queued acknowledgments in order. A failed write keeps
// the remainder queued and reports false.
func (m *Manager) flushQueue() bool {
	defer m.updatePending()
	for len(m.queue) > 0 {
		if err := m.write(m.queue[0]); err != nil {
			m.handleLost(err)
			return false
		}
		m.queue = m.queue[1:]
	}
	return true
}

func (m *Manager) shutdown() {
	m.apply(eventClose, nil)
	stopTimer(&m.reconnectTimer)
	stopTimer(&m.pingTimer)
	m.cancelDial()
	if m.conn != nil {
		_ = m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
		_ = m.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.closeConn()
	}
	m.dropQueue()
	m.apply(eventReleased, nil)
	m.logger.Info("connection manager closed")
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case m.lost <- lostSignal{gen: gen, err: err}:
			case <-m.done:
			}
			return
		}
		select {
		case m.frames <- inbound{gen: gen, raw: raw}:
		case <-m.done:
			return
		}
	}
}

func (m *Manager) write(env model.Envelope) error {
	if m.conn == nil {
		return errors.New("no transport")
	}
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	_ = m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	return m.conn.WriteMessage(websocket.TextMessage, frame)
}

func (m *Manager) closeConn() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) cancelDial() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
}

func (m *Manager) dropQueue() {
	if len(m.queue) > 0 {
		m.logger.Warn("dropping queued acknowledgments", "count", len(m.queue))
	}
	m.queue = nil
	m.updatePending()
}

func (m *Manager) setHealth(h heartbeat.State) {
	m.health = h
	m.mu.Lock()
	m.snapHealth = h
	m.mu.Unlock()
}

func (m *Manager) addIntent(channel string) bool {
	for _, ch := range m.intent {
		if ch == channel {
			return false
		}
	}
	m.intent = append(m.intent, channel)
	return true
}

func (m *Manager) removeIntent(channel string) bool {
	for i, ch := range m.intent {
		if ch == channel {
			m.intent = append(m.intent[:i], m.intent[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager) updateChannels() {
	m.mu.Lock()
	m.snapChannels = append([]string(nil), m.intent...)
	m.mu.Unlock()
}

func (m *Manager) updatePending() {
	m.mu.Lock()
	m.snapPending = len(m.queue)
	m.mu.Unlock()
}

func timerC(t clock.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
