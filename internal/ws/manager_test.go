package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"vestnik/internal/codec"
	"vestnik/internal/dispatch"
	"vestnik/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errWrite = errors.New("write failed")

type mockConn struct {
	readCh    chan []byte
	writeCh   chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	writes  int
	failAt  int // 1-based write that fails, 0 for none
	failAll bool
}

func newMockConn() *mockConn {
	return &mockConn{
		readCh:  make(chan []byte, 10),
		writeCh: make(chan []byte, 100),
		closeCh: make(chan struct{}),
	}
}

func (c *mockConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	c.writes++
	fail := c.failAll || c.writes == c.failAt
	c.mu.Unlock()
	if fail {
		return errWrite
	}

	select {
	case <-c.closeCh:
		return errors.New("connection closed")
	default:
	}
	c.writeCh <- append([]byte(nil), data...)
	return nil
}

func (c *mockConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.readCh:
		return data, nil
	case <-c.closeCh:
		return nil, errors.New("connection closed")
	}
}

func (c *mockConn) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	return nil
}

func (c *mockConn) isClosed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

type dialResult struct {
	conn Conn
	err  error
}

type mockDialer struct {
	results chan dialResult
	dials   atomic.Int32

	mu   sync.Mutex
	urls []string
}

func newMockDialer() *mockDialer {
	return &mockDialer{results: make(chan dialResult, 10)}
}

func (d *mockDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.mu.Unlock()

	select {
	case r := <-d.results:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *mockDialer) succeed() *mockConn {
	c := newMockConn()
	d.results <- dialResult{conn: c}
	return c
}

func (d *mockDialer) fail(err error) {
	d.results <- dialResult{err: err}
}

func testConfig() Config {
	return Config{
		URL:                  "ws://relay.test/ws",
		AutoReconnect:        true,
		ReconnectInterval:    5 * time.Millisecond,
		ReconnectMaxDelay:    20 * time.Millisecond,
		MaxReconnectAttempts: 5,
		MaxQueueRetries:      5,
		MaxQueueSize:         100,
	}
}

func newTestManager(t *testing.T, cfg Config, d Dialer, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(cfg, d, opts...)
	t.Cleanup(m.Close)
	return m
}

func readEnvelope(t *testing.T, c *mockConn) models.Envelope {
	t.Helper()
	select {
	case data := <-c.writeCh:
		env, err := codec.Decode(data)
		require.NoError(t, err)
		return env
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for write")
		return models.Envelope{}
	}
}

func readPayload(t *testing.T, c *mockConn) string {
	t.Helper()
	env := readEnvelope(t, c)
	var s string
	require.NoError(t, json.Unmarshal(env.Data, &s))
	return s
}

func waitStatus(t *testing.T, m *Manager, want models.ConnectionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Status() == want
	}, time.Second, time.Millisecond, "status never became %s (now %s)", want, m.Status())
}

func TestQueuedWhileDisconnectedFlushesInOrder(t *testing.T) {
	d := newMockDialer()
	m := newTestManager(t, testConfig(), d)

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, m.Send(models.EventMessage, s))
	}
	assert.Equal(t, 3, m.QueueLen())

	conn := d.succeed()
	m.Connect()
	waitStatus(t, m, models.StatusConnected)

	assert.Equal(t, "a", readPayload(t, conn))
	assert.Equal(t, "b", readPayload(t, conn))
	assert.Equal(t, "c", readPayload(t, conn))
	require.Eventually(t, func() bool {
		return m.QueueLen() == 0 && m.Stats().MessagesSent == 3
	}, time.Second, time.Millisecond)
}

func TestQueuedMessagesHaveUniqueIDs(t *testing.T) {
	m := newTestManager(t, testConfig(), newMockDialer())
	for range 10 {
		require.NoError(t, m.Send(models.EventTyping, models.TypingData{ConversationID: "c1"}))
	}

	seen := make(map[string]bool)
	for _, msg := range m.Queued() {
		assert.False(t, seen[msg.ID], "duplicate id %s", msg.ID)
		seen[msg.ID] = true
		assert.Equal(t, models.EventTyping, msg.Type)
		assert.Zero(t, msg.Retries)
	}
	assert.Len(t, seen, 10)
}

func TestFailedFlushRequeuesAtFront(t *testing.T) {
	d := newMockDialer()
	m := newTestManager(t, testConfig(), d)

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, m.Send(models.EventMessage, s))
	}

	first := d.succeed()
	first.failAt = 2
	second := d.succeed()

	m.Connect()

	assert.Equal(t, "a", readPayload(t, first))
	assert.Equal(t, "b", readPayload(t, second))
	assert.Equal(t, "c", readPayload(t, second))
	waitStatus(t, m, models.StatusConnected)
	assert.Equal(t, int32(2), d.dials.Load())
}

func TestMessageDroppedAfterRetryCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueRetries = 1
	d := newMockDialer()
	m := newTestManager(t, cfg, d)

	require.NoError(t, m.Send(models.EventMessage, "doomed"))
	for range 2 {
		c := d.succeed()
		c.failAll = true
	}

	m.Connect()
	require.Eventually(t, func() bool {
		return m.Stats().Dropped == 1
	}, time.Second, time.Millisecond)
	assert.Zero(t, m.QueueLen())
}

func TestQueueSizeLimitDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 2
	m := newTestManager(t, cfg, newMockDialer())

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, m.Send(models.EventMessage, s))
	}

	queued := m.Queued()
	require.Len(t, queued, 2)
	assert.JSONEq(t, `"b"`, string(queued[0].Data))
	assert.JSONEq(t, `"c"`, string(queued[1].Data))
	assert.Equal(t, uint64(1), m.Stats().Dropped)

	assert.Equal(t, 2, m.ClearQueue())
	assert.Zero(t, m.QueueLen())
}

func TestReconnectAttemptsExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	d := newMockDialer()

	var errs atomic.Int32
	m := newTestManager(t, cfg, d, WithCallbacks(Callbacks{
		OnError: func(e *models.Error) {
			if e.Type == models.ErrorConnectionFailed && e.Retryable {
				errs.Add(1)
			}
		},
	}))

	for range 3 {
		d.fail(errors.New("refused"))
	}
	m.Connect()

	waitStatus(t, m, models.StatusError)
	assert.Equal(t, int32(3), d.dials.Load())
	assert.Equal(t, 2, m.ReconnectAttempts())
	require.Eventually(t, func() bool { return errs.Load() == 3 }, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), d.dials.Load(), "no reconnect after exhaustion")

	d.succeed()
	m.Reconnect()
	waitStatus(t, m, models.StatusConnected)
	assert.Zero(t, m.ReconnectAttempts())
}

func TestDialErrorCarriesStatusCode(t *testing.T) {
	cfg := testConfig()
	cfg.AutoReconnect = false
	d := newMockDialer()

	codes := make(chan int, 1)
	m := newTestManager(t, cfg, d, WithCallbacks(Callbacks{
		OnError: func(e *models.Error) { codes <- e.Code },
	}))

	d.fail(&DialError{StatusCode: 401, Err: errors.New("bad handshake")})
	m.Connect()

	select {
	case code := <-codes:
		assert.Equal(t, 401, code)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for error")
	}
	waitStatus(t, m, models.StatusDisconnected)
}

func TestDisconnectIgnoresStaleClose(t *testing.T) {
	d := newMockDialer()
	var disconnects atomic.Int32
	m := newTestManager(t, testConfig(), d, WithCallbacks(Callbacks{
		OnDisconnect: func() { disconnects.Add(1) },
	}))

	conn := d.succeed()
	m.Connect()
	waitStatus(t, m, models.StatusConnected)

	m.Disconnect()
	assert.True(t, conn.isClosed())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), disconnects.Load())
	assert.Equal(t, models.StatusDisconnected, m.Status())
	assert.Equal(t, int32(1), d.dials.Load(), "stale close must not schedule a reconnect")
}

func TestUnexpectedCloseReconnects(t *testing.T) {
	d := newMockDialer()
	var connects, disconnects atomic.Int32
	m := newTestManager(t, testConfig(), d, WithCallbacks(Callbacks{
		OnConnect:    func() { connects.Add(1) },
		OnDisconnect: func() { disconnects.Add(1) },
	}))

	first := d.succeed()
	m.Connect()
	waitStatus(t, m, models.StatusConnected)

	d.succeed()
	_ = first.Close()

	require.Eventually(t, func() bool {
		return connects.Load() == 2 && m.Status() == models.StatusConnected
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), disconnects.Load())
	assert.Zero(t, m.ReconnectAttempts())
	assert.Equal(t, uint64(1), m.Stats().Reconnections)
}

func TestConnectIsNoopWhenConnected(t *testing.T) {
	d := newMockDialer()
	m := newTestManager(t, testConfig(), d)

	d.succeed()
	m.Connect()
	m.Connect()
	waitStatus(t, m, models.StatusConnected)
	m.Connect()

	assert.Equal(t, int32(1), d.dials.Load())
}

func TestInboundDispatchSkipsPongAndMalformed(t *testing.T) {
	d := newMockDialer()
	disp := dispatch.New()

	var typed atomic.Int32
	disp.Subscribe(models.EventTyping, func(json.RawMessage) { typed.Add(1) })
	var pongs atomic.Int32
	disp.Subscribe(models.EventPong, func(json.RawMessage) { pongs.Add(1) })

	var messages atomic.Int32
	m := newTestManager(t, testConfig(), d,
		WithDispatcher(disp),
		WithCallbacks(Callbacks{OnMessage: func(models.Envelope) { messages.Add(1) }}),
	)

	conn := d.succeed()
	m.Connect()
	waitStatus(t, m, models.StatusConnected)

	conn.readCh <- []byte(`{"type":"pong","timestamp":1709294400000}`)
	conn.readCh <- []byte(`garbage`)
	conn.readCh <- []byte(`{"type":"typing","data":{"conversationId":"c1","isTyping":true},"timestamp":"2024-03-01T12:00:00Z"}`)

	require.Eventually(t, func() bool { return typed.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), messages.Load())
	assert.Zero(t, pongs.Load())
	assert.Equal(t, models.StatusConnected, m.Status())
}

func TestHeartbeatSendsPing(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	d := newMockDialer()
	m := newTestManager(t, cfg, d)

	conn := d.succeed()
	m.Connect()

	env := readEnvelope(t, conn)
	assert.Equal(t, models.EventPing, env.Type)
	assert.Empty(t, env.Data)

	m.Disconnect()
	time.Sleep(30 * time.Millisecond)
	for len(conn.writeCh) > 0 {
		<-conn.writeCh
	}
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, len(conn.writeCh), "heartbeat must stop on disconnect")
}

func TestSendRaw(t *testing.T) {
	d := newMockDialer()
	m := newTestManager(t, testConfig(), d)

	assert.False(t, m.SendRaw([]byte(`{"type":"ping"}`)))
	assert.Zero(t, m.QueueLen())

	conn := d.succeed()
	m.Connect()
	waitStatus(t, m, models.StatusConnected)

	assert.True(t, m.SendRaw([]byte(`raw-frame`)))
	select {
	case data := <-conn.writeCh:
		assert.Equal(t, "raw-frame", string(data))
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for raw frame")
	}
}

func TestTokenAppendedToEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "https://relay.test/ws?room=1"
	cfg.Token = "secret token"
	d := newMockDialer()
	m := newTestManager(t, cfg, d)

	d.succeed()
	m.Connect()
	waitStatus(t, m, models.StatusConnected)

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.urls, 1)
	assert.True(t, strings.HasPrefix(d.urls[0], "wss://relay.test/ws?"))
	assert.Contains(t, d.urls[0], "token=secret+token")
	assert.Contains(t, d.urls[0], "room=1")
}

func TestInvalidEndpointIsTerminal(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "ftp://relay.test"
	d := newMockDialer()

	errs := make(chan *models.Error, 1)
	m := newTestManager(t, cfg, d, WithCallbacks(Callbacks{
		OnError: func(e *models.Error) { errs <- e },
	}))

	m.Connect()
	assert.Equal(t, models.StatusError, m.Status())
	assert.Zero(t, d.dials.Load())

	select {
	case e := <-errs:
		assert.False(t, e.Retryable)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for error")
	}
}

func TestStatusCallbackOrder(t *testing.T) {
	d := newMockDialer()
	var mu sync.Mutex
	var seen []models.ConnectionStatus
	m := newTestManager(t, testConfig(), d, WithCallbacks(Callbacks{
		OnStatus: func(s models.ConnectionStatus) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		},
	}))

	d.succeed()
	m.Connect()
	waitStatus(t, m, models.StatusConnected)
	m.Disconnect()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, time.Millisecond)
	assert.Equal(t, []models.ConnectionStatus{
		models.StatusConnecting,
		models.StatusConnected,
		models.StatusDisconnected,
	}, seen)
}

func TestSendAfterClose(t *testing.T) {
	m := NewManager(testConfig(), newMockDialer())
	m.Close()
	m.Close()

	assert.ErrorIs(t, m.Send(models.EventMessage, "late"), ErrClosed)
	assert.ErrorIs(t, m.Send("bogus", nil), ErrInvalidType)
}

func TestInfo(t *testing.T) {
	d := newMockDialer()
	m := newTestManager(t, testConfig(), d)
	require.NoError(t, m.Send(models.EventMessage, "x"))

	info := m.Info()
	assert.Equal(t, models.StatusDisconnected, info.Status)
	assert.Equal(t, 1, info.QueuedMessages)
	assert.True(t, info.ConnectedAt.IsZero())

	d.succeed()
	m.Connect()
	waitStatus(t, m, models.StatusConnected)
	assert.False(t, m.Info().ConnectedAt.IsZero())
}

// burstConn yields its frames and then fails, like a peer that writes a last
// envelope and goes away.
type burstConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *burstConn) WriteMessage([]byte) error { return nil }

func (c *burstConn) ReadMessage() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil, errors.New("peer went away")
	}
	data := c.frames[0]
	c.frames = c.frames[1:]
	return data, nil
}

func (c *burstConn) Close() error { return nil }

func TestFramesBeforeCloseAreDispatched(t *testing.T) {
	for range 20 {
		frame, err := codec.EncodeData(models.EventMessage, "last words", time.Now())
		require.NoError(t, err)

		cfg := testConfig()
		cfg.AutoReconnect = false
		d := newMockDialer()
		disp := dispatch.New()
		got := make(chan string, 1)
		disp.Subscribe(models.EventMessage, func(data json.RawMessage) {
			var s string
			_ = json.Unmarshal(data, &s)
			got <- s
		})
		m := newTestManager(t, cfg, d, WithDispatcher(disp))

		d.results <- dialResult{conn: &burstConn{frames: [][]byte{frame}}}
		m.Connect()

		select {
		case s := <-got:
			assert.Equal(t, "last words", s)
		case <-time.After(time.Second):
			t.Fatal("frame read before the channel failed was never dispatched")
		}
		waitStatus(t, m, models.StatusDisconnected)
	}
}

func TestDisconnectAfterLostLinkFiresOnce(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectInterval = time.Minute
	cfg.ReconnectMaxDelay = time.Minute
	d := newMockDialer()
	var disconnects atomic.Int32
	m := newTestManager(t, cfg, d, WithCallbacks(Callbacks{
		OnDisconnect: func() { disconnects.Add(1) },
	}))

	conn := d.succeed()
	m.Connect()
	waitStatus(t, m, models.StatusConnected)

	_ = conn.Close()
	waitStatus(t, m, models.StatusReconnecting)

	m.Disconnect()
	assert.Equal(t, models.StatusDisconnected, m.Status())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), disconnects.Load())
}

func TestSendLatestReplacesQueued(t *testing.T) {
	m := newTestManager(t, testConfig(), newMockDialer())

	require.NoError(t, m.Send(models.EventMessage, "a"))
	require.NoError(t, m.SendLatest(models.EventUserStatus, "s1"))
	require.NoError(t, m.SendLatest(models.EventUserStatus, "s2"))
	require.NoError(t, m.Send(models.EventMessage, "b"))
	require.NoError(t, m.SendLatest(models.EventUserStatus, "s3"))

	queued := m.Queued()
	require.Len(t, queued, 3)
	var payloads []string
	for _, msg := range queued {
		var s string
		require.NoError(t, json.Unmarshal(msg.Data, &s))
		payloads = append(payloads, s)
	}
	assert.Equal(t, []string{"a", "b", "s3"}, payloads)
	assert.Zero(t, m.Stats().Dropped)

	assert.ErrorIs(t, m.SendLatest("bogus", nil), ErrInvalidType)
}
