// Package ws owns the client side of the realtime channel: connecting,
// reconnecting with backoff, heartbeats and the outbound queue.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
	"vestnik/internal/backoff"
	"vestnik/internal/codec"
	"vestnik/internal/metrics"
	"vestnik/internal/models"

	"github.com/google/uuid"
)

var (
	ErrClosed      = errors.New("connection manager closed")
	ErrInvalidType = errors.New("invalid event type")
)

type Config struct {
	URL                  string
	Token                string
	AutoReconnect        bool
	ReconnectInterval    time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	// MaxQueueRetries is how many failed writes a queued envelope survives.
	MaxQueueRetries int
	// MaxQueueSize bounds the backlog; the oldest envelopes are dropped first.
	MaxQueueSize int
}

// Callbacks are invoked one at a time on a dedicated goroutine, never from
// inside the caller of a Manager method. All are optional.
type Callbacks struct {
	OnConnect    func()
	OnDisconnect func()
	OnError      func(err *models.Error)
	OnMessage    func(env models.Envelope)
	OnStatus     func(status models.ConnectionStatus)
}

// EnvelopeDispatcher receives every decoded inbound envelope except pong.
type EnvelopeDispatcher interface {
	Dispatch(env models.Envelope)
}

type Manager struct {
	cfg        Config
	dialer     Dialer
	dispatcher EnvelopeDispatcher
	callbacks  Callbacks
	metrics    *metrics.Connection
	policy     backoff.Policy
	notify     *notifier
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	status         models.ConnectionStatus
	gen            uint64
	link           *link
	dialCancel     context.CancelFunc
	attempts       int
	reconnectTimer *time.Timer
	reconnectToken uint64
	queue          queue
	connectedAt    time.Time
	disconnectedAt time.Time
	lastErr        error
	closed         bool

	sent          atomic.Uint64
	received      atomic.Uint64
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	reconnections atomic.Uint64
	errorCount    atomic.Uint64
	dropped       atomic.Uint64
}

// link is one opened channel. Events from a link that is no longer the
// manager's current one are ignored.
type link struct {
	gen  uint64
	conn Conn
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func (l *link) kick() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *link) stop() {
	l.once.Do(func() {
		close(l.done)
		if err := l.conn.Close(); err != nil {
			slog.Debug("Error closing channel", "error", err)
		}
	})
}

type Option func(*Manager)

func WithDispatcher(d EnvelopeDispatcher) Option {
	return func(m *Manager) { m.dispatcher = d }
}

func WithCallbacks(cb Callbacks) Option {
	return func(m *Manager) { m.callbacks = cb }
}

func WithMetrics(mt *metrics.Connection) Option {
	return func(m *Manager) { m.metrics = mt }
}

func NewManager(cfg Config, dialer Dialer, opts ...Option) *Manager {
	if dialer == nil {
		dialer = GorillaDialer{WriteTimeout: 10 * time.Second}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		dialer: dialer,
		policy: backoff.Policy{Base: cfg.ReconnectInterval, Max: cfg.ReconnectMaxDelay},
		notify: newNotifier(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		status: models.StatusDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics.SetStatus(string(m.status))
	return m
}

// Connect opens the channel unless it is already open or opening.
// The outcome is reported through the callbacks.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.status == models.StatusConnected || m.status == models.StatusConnecting {
		return
	}
	m.connectLocked()
}

func (m *Manager) connectLocked() {
	m.cancelReconnectLocked()
	m.setStatusLocked(models.StatusConnecting)
	m.gen++
	gen := m.gen

	endpoint, err := m.endpoint()
	if err != nil {
		e := models.NewError(models.ErrorConnectionFailed, "invalid endpoint", false, err)
		m.reportErrorLocked(e)
		m.setStatusLocked(models.StatusError)
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.dialCancel = cancel
	m.wg.Go(func() {
		defer cancel()
		m.dial(ctx, gen, endpoint)
	})
}

func (m *Manager) endpoint() (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	if m.cfg.Token != "" {
		q := u.Query()
		q.Set("token", m.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (m *Manager) dial(ctx context.Context, gen uint64, endpoint string) {
	conn, err := m.dialer.Dial(ctx, endpoint)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.closed {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.dialCancel = nil

	if err != nil {
		e := models.NewError(models.ErrorConnectionFailed, "failed to open channel", true, err)
		var dialErr *DialError
		if errors.As(err, &dialErr) {
			e.Code = dialErr.StatusCode
		}
		slog.Warn("Failed to connect", "error", err, "attempt", m.attempts)
		m.reportErrorLocked(e)
		m.setStatusLocked(models.StatusDisconnected)
		m.disconnectedAt = m.now()
		m.scheduleReconnectLocked()
		return
	}

	l := &link{
		gen:  gen,
		conn: conn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	m.link = l
	m.attempts = 0
	m.connectedAt = m.now()
	m.lastErr = nil
	m.setStatusLocked(models.StatusConnected)
	slog.Info("Connected", "queued", m.queue.len())

	m.wg.Go(func() { m.readLoop(l) })
	m.wg.Go(func() { m.writeLoop(l) })
	m.wg.Go(func() { m.heartbeat(l) })
	l.kick()

	m.notify.post(m.callbacks.OnConnect)
	m.postLifecycle(models.EventConnected, nil)
}

// Disconnect closes the channel and stops automatic reconnection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked()
}

func (m *Manager) disconnectLocked() {
	m.cancelReconnectLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.gen++

	if l := m.link; l != nil {
		m.link = nil
		l.stop()
	}

	prev := m.status
	m.attempts = 0
	m.setStatusLocked(models.StatusDisconnected)
	// A lost link already reported its disconnect.
	if prev == models.StatusConnected || prev == models.StatusConnecting {
		m.disconnectedAt = m.now()
		m.notify.post(m.callbacks.OnDisconnect)
		m.postLifecycle(models.EventDisconnected, nil)
	}
}

// Reconnect drops the current channel and connects again immediately with
// the attempt counter reset. It works after reconnects were exhausted.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.disconnectLocked()
	m.connectLocked()
}

// Send queues an envelope of type t. It is written as soon as the channel is
// open, after everything queued before it. Transport failures never surface
// here; the error is only for payloads that cannot be encoded.
func (m *Manager) Send(t models.EventType, data any) error {
	return m.enqueue(t, data, false)
}

// SendLatest is Send for state that only matters in its newest form: any
// envelope of type t still waiting in the queue is replaced.
func (m *Manager) SendLatest(t models.EventType, data any) error {
	return m.enqueue(t, data, true)
}

func (m *Manager) enqueue(t models.EventType, data any, latest bool) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
	env, err := models.NewEnvelope(t, data, m.now())
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if latest {
		if n := m.queue.remove(t); n > 0 {
			slog.Debug("Replaced queued envelopes", "type", t, "count", n)
		}
	}

	msg := models.QueuedMessage{
		ID:        uuid.NewString(),
		Type:      env.Type,
		Data:      env.Data,
		Timestamp: env.Timestamp,
	}
	if dropped := m.queue.push(msg, m.cfg.MaxQueueSize); len(dropped) > 0 {
		m.dropped.Add(uint64(len(dropped)))
		m.metrics.Dropped(len(dropped))
		slog.Warn("Outbound queue full, dropping oldest", "dropped", len(dropped))
	}
	m.metrics.SetQueueDepth(m.queue.len())

	if m.link != nil {
		m.link.kick()
	}
	return nil
}

// SendRaw writes an already serialized frame if the channel is open.
// It reports whether the frame was written. Raw frames are never queued.
func (m *Manager) SendRaw(data []byte) bool {
	m.mu.Lock()
	l := m.link
	m.mu.Unlock()

	if l == nil {
		slog.Debug("Raw send skipped, channel not open", "size", len(data))
		return false
	}
	if err := l.conn.WriteMessage(data); err != nil {
		m.linkLost(l, err)
		return false
	}
	m.countSent(len(data))
	return true
}

func (m *Manager) readLoop(l *link) {
	for {
		data, err := l.conn.ReadMessage()
		if err != nil {
			m.linkLost(l, err)
			return
		}
		m.received.Add(1)
		m.bytesReceived.Add(uint64(len(data)))
		m.metrics.Received(len(data))

		env, err := codec.Decode(data)
		if err != nil {
			slog.Warn("Dropping malformed envelope", "error", err, "size", len(data))
			m.metrics.Malformed()
			continue
		}
		if env.Type == models.EventPong {
			continue
		}

		// Frames read before the link was lost are still delivered; only a
		// link already replaced when the frame arrived is ignored.
		if !m.isCurrent(l) {
			return
		}
		m.notify.post(func() {
			if m.callbacks.OnMessage != nil {
				m.callbacks.OnMessage(env)
			}
			if m.dispatcher != nil {
				m.dispatcher.Dispatch(env)
			}
		})
	}
}

func (m *Manager) writeLoop(l *link) {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			msg, ok := m.next(l)
			if !ok {
				break
			}

			data, err := codec.Encode(models.Envelope{Type: msg.Type, Data: msg.Data, Timestamp: msg.Timestamp})
			if err != nil {
				slog.Error("Dropping unencodable envelope", "id", msg.ID, "type", msg.Type, "error", err)
				m.countDropped(1)
				continue
			}

			if err := l.conn.WriteMessage(data); err != nil {
				m.requeue(msg)
				m.linkLost(l, err)
				return
			}
			m.countSent(len(data))
		}
	}
}

// next pops the queue head while l is still the current link.
func (m *Manager) next(l *link) (models.QueuedMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.link != l {
		return models.QueuedMessage{}, false
	}
	msg, ok := m.queue.pop()
	if ok {
		m.metrics.SetQueueDepth(m.queue.len())
	}
	return msg, ok
}

// requeue puts a message whose write failed back at the front of the queue,
// unless it has used up its retries.
func (m *Manager) requeue(msg models.QueuedMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg.Retries++
	if m.cfg.MaxQueueRetries > 0 && msg.Retries > m.cfg.MaxQueueRetries {
		slog.Warn("Dropping envelope after repeated send failures", "id", msg.ID, "type", msg.Type, "retries", msg.Retries-1)
		m.dropped.Add(1)
		m.metrics.Dropped(1)
		return
	}
	m.queue.pushFront(msg)
	m.metrics.SetQueueDepth(m.queue.len())
}

func (m *Manager) heartbeat(l *link) {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			data, err := codec.EncodeData(models.EventPing, nil, m.now())
			if err != nil {
				slog.Error("Failed to encode ping", "error", err)
				continue
			}
			if err := l.conn.WriteMessage(data); err != nil {
				m.linkLost(l, err)
				return
			}
			m.countSent(len(data))
		}
	}
}

// linkLost handles an unexpected failure of l. Only the first report for the
// current link has any effect.
func (m *Manager) linkLost(l *link, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.link != l {
		return
	}
	m.link = nil
	l.stop()

	m.disconnectedAt = m.now()
	m.setStatusLocked(models.StatusDisconnected)

	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		slog.Info("Channel closed by peer", "code", closeErr.Code, "reason", closeErr.Reason)
		m.lastErr = err
	} else {
		slog.Warn("Channel lost", "error", err)
		m.reportErrorLocked(models.NewError(models.ErrorConnectionFailed, "channel error", true, err))
	}

	m.notify.post(m.callbacks.OnDisconnect)
	m.postLifecycle(models.EventDisconnected, nil)
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	if !m.cfg.AutoReconnect || m.closed {
		return
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		slog.Error("Reconnect attempts exhausted", "attempts", m.attempts)
		m.setStatusLocked(models.StatusError)
		return
	}

	delay := m.policy.Delay(m.attempts)
	m.attempts++
	m.setStatusLocked(models.StatusReconnecting)
	m.reconnections.Add(1)
	m.metrics.Reconnect()
	slog.Info("Scheduling reconnect", "attempt", m.attempts, "delay", delay)

	m.reconnectToken++
	token := m.reconnectToken
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.fireReconnect(token)
	})
	m.postLifecycle(models.EventReconnecting, reconnectingData{Attempt: m.attempts, Delay: delay.Milliseconds()})
}

type reconnectingData struct {
	Attempt int   `json:"attempt"`
	Delay   int64 `json:"delayMs"`
}

func (m *Manager) fireReconnect(token uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token != m.reconnectToken || m.closed || m.status != models.StatusReconnecting {
		return
	}
	m.reconnectTimer = nil
	m.connectLocked()
}

func (m *Manager) cancelReconnectLocked() {
	m.reconnectToken++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) setStatusLocked(status models.ConnectionStatus) {
	if m.status == status {
		return
	}
	m.status = status
	m.metrics.SetStatus(string(status))
	if cb := m.callbacks.OnStatus; cb != nil {
		m.notify.post(func() { cb(status) })
	}
}

func (m *Manager) reportErrorLocked(e *models.Error) {
	m.lastErr = e
	m.errorCount.Add(1)
	m.metrics.Error(string(e.Type))
	if cb := m.callbacks.OnError; cb != nil {
		m.notify.post(func() { cb(e) })
	}
}

// postLifecycle hands a locally generated lifecycle envelope to the
// dispatcher so subscribers can follow the connection state.
func (m *Manager) postLifecycle(t models.EventType, data any) {
	if m.dispatcher == nil {
		return
	}
	env, err := models.NewEnvelope(t, data, m.now())
	if err != nil {
		return
	}
	m.notify.post(func() { m.dispatcher.Dispatch(env) })
}

func (m *Manager) isCurrent(l *link) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link == l
}

func (m *Manager) countSent(n int) {
	m.sent.Add(1)
	m.bytesSent.Add(uint64(n))
	m.metrics.Sent(n)
}

func (m *Manager) countDropped(n int) {
	m.dropped.Add(uint64(n))
	m.metrics.Dropped(n)
}

func (m *Manager) Status() models.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) IsConnected() bool {
	return m.Status() == models.StatusConnected
}

func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}

// Queued returns a copy of the outbound backlog in send order.
func (m *Manager) Queued() []models.QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.snapshot()
}

// ClearQueue discards the backlog and returns how many envelopes it held.
func (m *Manager) ClearQueue() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.queue.clear()
	m.metrics.SetQueueDepth(0)
	return n
}

func (m *Manager) Info() models.ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.ConnectionInfo{
		Status:            m.status,
		ConnectedAt:       m.connectedAt,
		DisconnectedAt:    m.disconnectedAt,
		ReconnectAttempts: m.attempts,
		QueuedMessages:    m.queue.len(),
		LastError:         m.lastErr,
	}
}

func (m *Manager) Stats() models.ConnectionStats {
	return models.ConnectionStats{
		MessagesSent:     m.sent.Load(),
		MessagesReceived: m.received.Load(),
		BytesSent:        m.bytesSent.Load(),
		BytesReceived:    m.bytesReceived.Load(),
		Reconnections:    m.reconnections.Load(),
		Errors:           m.errorCount.Load(),
		Dropped:          m.dropped.Load(),
	}
}

// Close disconnects, stops every timer and goroutine, and rejects further
// sends. Callbacks already posted are still delivered.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.disconnectLocked()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.notify.stop()
}
