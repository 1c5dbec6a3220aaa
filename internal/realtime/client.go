// Package realtime wires the connection manager, the event dispatcher and
// the presence tracker into one client.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"vestnik/internal/dispatch"
	"vestnik/internal/metrics"
	"vestnik/internal/models"
	"vestnik/internal/presence"
	"vestnik/internal/ws"
)

var ErrMissingUser = errors.New("presence requires a local user id")

type Config struct {
	Conn           ws.Config
	Presence       presence.Config
	AutoConnect    bool
	EnablePresence bool
}

// PresenceStore keeps the presence map across restarts.
type PresenceStore interface {
	SavePresences(records []models.PresenceRecord) error
	ListPresences() ([]models.PresenceRecord, error)
}

type options struct {
	dialer       ws.Dialer
	callbacks    ws.Callbacks
	metrics      *metrics.Connection
	store        PresenceStore
	statusChange func(userID string, status models.UserStatus)
}

type Option func(*options)

func WithDialer(d ws.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func WithCallbacks(cb ws.Callbacks) Option {
	return func(o *options) { o.callbacks = cb }
}

func WithMetrics(mt *metrics.Connection) Option {
	return func(o *options) { o.metrics = mt }
}

// WithStore seeds the tracker from store on Start and saves it on Shutdown.
func WithStore(s PresenceStore) Option {
	return func(o *options) { o.store = s }
}

func WithStatusChange(fn func(userID string, status models.UserStatus)) Option {
	return func(o *options) { o.statusChange = fn }
}

type Client struct {
	cfg        Config
	store      PresenceStore
	dispatcher *dispatch.Dispatcher
	manager    *ws.Manager
	tracker    *presence.Tracker
	unsub      dispatch.Unsubscribe
	now        func() time.Time

	mu      sync.Mutex
	started bool
	stopped bool
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.EnablePresence && cfg.Presence.UserID == "" {
		return nil, ErrMissingUser
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		cfg:        cfg,
		store:      o.store,
		dispatcher: dispatch.New(),
		now:        time.Now,
	}

	callbacks := o.callbacks
	userConnect := callbacks.OnConnect
	callbacks.OnConnect = func() {
		if cfg.EnablePresence {
			c.tracker.Announce()
		}
		if userConnect != nil {
			userConnect()
		}
	}

	c.manager = ws.NewManager(cfg.Conn, o.dialer,
		ws.WithDispatcher(c.dispatcher),
		ws.WithCallbacks(callbacks),
		ws.WithMetrics(o.metrics),
	)

	trackerOpts := []presence.Option{presence.WithBroadcaster(c.broadcast)}
	if o.statusChange != nil {
		trackerOpts = append(trackerOpts, presence.WithStatusChange(o.statusChange))
	}
	c.tracker = presence.New(cfg.Presence, trackerOpts...)

	if cfg.EnablePresence {
		c.unsub = c.tracker.Subscribe(c.dispatcher)
	}

	return c, nil
}

// broadcast keeps at most one status envelope queued while offline.
func (c *Client) broadcast(data models.UserStatusData) {
	if err := c.manager.SendLatest(models.EventUserStatus, data); err != nil {
		slog.Debug("Status broadcast skipped", "error", err)
	}
}

// Start restores the stored presence map, starts the tracker and, when
// configured to, opens the channel.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.stopped {
		return nil
	}
	c.started = true

	if c.cfg.EnablePresence {
		if c.store != nil {
			records, err := c.store.ListPresences()
			if err != nil {
				return fmt.Errorf("failed to load presences: %w", err)
			}
			c.tracker.Restore(records)
			slog.Debug("Restored presences", "count", len(records))
		}
		c.tracker.Start()
	}

	if c.cfg.AutoConnect {
		c.manager.Connect()
	}
	return nil
}

// Shutdown stops the tracker, closes the channel and saves the presence map.
// The client cannot be restarted.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return nil
	}
	c.stopped = true

	c.tracker.Stop()
	c.manager.Close()
	if c.unsub != nil {
		c.unsub()
	}

	if c.store != nil && c.cfg.EnablePresence {
		if err := c.store.SavePresences(c.tracker.Presences()); err != nil {
			return fmt.Errorf("failed to save presences: %w", err)
		}
	}
	return nil
}

func (c *Client) Manager() *ws.Manager {
	return c.manager
}

func (c *Client) Tracker() *presence.Tracker {
	return c.tracker
}

func (c *Client) Dispatcher() *dispatch.Dispatcher {
	return c.dispatcher
}

func (c *Client) UserID() string {
	return c.cfg.Presence.UserID
}

func (c *Client) Subscribe(t models.EventType, h dispatch.Handler) dispatch.Unsubscribe {
	return c.dispatcher.Subscribe(t, h)
}

func (c *Client) SubscribeAll(h dispatch.EnvelopeHandler) dispatch.Unsubscribe {
	return c.dispatcher.SubscribeAll(h)
}

func (c *Client) OnMessage(fn func(data json.RawMessage)) dispatch.Unsubscribe {
	return c.dispatcher.Subscribe(models.EventMessage, fn)
}

func (c *Client) OnTyping(fn func(models.TypingData)) dispatch.Unsubscribe {
	return dispatch.On(c.dispatcher, models.EventTyping, fn)
}

// OnPresence receives presence payloads as sent, either one record or a list.
func (c *Client) OnPresence(fn func(data json.RawMessage)) dispatch.Unsubscribe {
	return c.dispatcher.Subscribe(models.EventPresence, fn)
}

func (c *Client) OnUserStatus(fn func(models.UserStatusData)) dispatch.Unsubscribe {
	return dispatch.On(c.dispatcher, models.EventUserStatus, fn)
}

func (c *Client) OnReadReceipt(fn func(models.ReadReceiptData)) dispatch.Unsubscribe {
	return dispatch.On(c.dispatcher, models.EventRead, fn)
}

func (c *Client) OnDelivered(fn func(models.DeliveryData)) dispatch.Unsubscribe {
	return dispatch.On(c.dispatcher, models.EventDelivered, fn)
}

// Send queues an envelope. The local user's activity is recorded.
func (c *Client) Send(t models.EventType, data any) error {
	if err := c.manager.Send(t, data); err != nil {
		return err
	}
	if c.cfg.EnablePresence {
		c.tracker.Activity()
	}
	return nil
}

func (c *Client) SendMessage(data any) error {
	return c.Send(models.EventMessage, data)
}

func (c *Client) SendTyping(conversationID string, isTyping bool) error {
	return c.Send(models.EventTyping, models.TypingData{
		ConversationID: conversationID,
		UserID:         c.UserID(),
		IsTyping:       isTyping,
	})
}

func (c *Client) MarkRead(conversationID, messageID string) error {
	return c.Send(models.EventRead, models.ReadReceiptData{
		ConversationID: conversationID,
		MessageID:      messageID,
		UserID:         c.UserID(),
		ReadAt:         models.NewTimestamp(c.now()),
	})
}

func (c *Client) MarkDelivered(conversationID, messageID string) error {
	return c.Send(models.EventDelivered, models.DeliveryData{
		ConversationID: conversationID,
		MessageID:      messageID,
		UserID:         c.UserID(),
		DeliveredAt:    models.NewTimestamp(c.now()),
	})
}
