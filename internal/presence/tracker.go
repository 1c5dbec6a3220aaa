// Package presence tracks which peers are online and manages the local
// user's own status: idle detection, visibility grace and periodic broadcast.
package presence

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"vestnik/internal/content"
	"vestnik/internal/models"
)

var ErrInvalidStatus = errors.New("invalid status")

type Config struct {
	// UserID is the local user. Remote updates about it are ignored.
	UserID            string
	IdleDetection     bool
	IdleTimeout       time.Duration
	VisibilityGrace   time.Duration
	StatusBroadcast   bool
	BroadcastInterval time.Duration
	Locale            Locale
}

func DefaultConfig() Config {
	return Config{
		IdleDetection:     true,
		IdleTimeout:       5 * time.Minute,
		VisibilityGrace:   time.Minute,
		StatusBroadcast:   true,
		BroadcastInterval: 30 * time.Second,
		Locale:            LocaleEN,
	}
}

// Update is one entry of a batch presence update.
type Update struct {
	UserID string
	Patch  models.PresencePatch
}

type snapshot struct {
	records map[string]models.PresenceRecord
	online  map[string]struct{}
}

type Tracker struct {
	cfg          Config
	now          func() time.Time
	broadcast    func(models.UserStatusData)
	statusChange func(userID string, status models.UserStatus)

	writeMu sync.Mutex
	state   atomic.Pointer[snapshot]

	mu         sync.Mutex
	running    bool
	myStatus   models.UserStatus
	hidden     bool
	idleTimer  *time.Timer
	idleToken  uint64
	graceTimer *time.Timer
	graceToken uint64
	stopTicker chan struct{}
	wg         sync.WaitGroup
}

type Option func(*Tracker)

// WithBroadcaster sets the function that publishes the local status.
// It is called with the tracker's lock held and must not call back into it.
func WithBroadcaster(fn func(models.UserStatusData)) Option {
	return func(t *Tracker) { t.broadcast = fn }
}

// WithStatusChange sets a function called whenever a peer's status changes.
func WithStatusChange(fn func(userID string, status models.UserStatus)) Option {
	return func(t *Tracker) { t.statusChange = fn }
}

func New(cfg Config, opts ...Option) *Tracker {
	if cfg.Locale.Online == "" {
		cfg.Locale = LocaleEN
	}
	t := &Tracker{
		cfg:      cfg,
		now:      time.Now,
		myStatus: models.UserOnline,
	}
	t.state.Store(&snapshot{
		records: map[string]models.PresenceRecord{},
		online:  map[string]struct{}{},
	})
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start broadcasts the local status, arms idle detection and begins the
// periodic re-broadcast.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}
	t.running = true
	t.resetIdleLocked()

	if !t.cfg.StatusBroadcast {
		return
	}
	t.broadcastLocked()

	if t.cfg.BroadcastInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	t.stopTicker = stop
	t.wg.Go(func() {
		ticker := time.NewTicker(t.cfg.BroadcastInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.mu.Lock()
				if t.running {
					t.broadcastLocked()
				}
				t.mu.Unlock()
			}
		}
	})
}

// Stop releases every timer and stops broadcasting.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.cancelIdleLocked()
	t.cancelGraceLocked()
	if t.stopTicker != nil {
		close(t.stopTicker)
		t.stopTicker = nil
	}
	t.mu.Unlock()

	t.wg.Wait()
}

// Activity records local input. It restores online from away and restarts
// the idle window.
func (t *Tracker) Activity() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}
	t.cancelGraceLocked()
	if t.myStatus == models.UserAway {
		t.setMyStatusLocked(models.UserOnline)
	}
	t.resetIdleLocked()
}

// SetVisible reports a visibility transition of the host UI. Hiding starts
// the grace timer; showing cancels it and restores online from away.
func (t *Tracker) SetVisible(visible bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.hidden = !visible
	if !t.running {
		return
	}
	t.cancelGraceLocked()

	if visible {
		if t.myStatus == models.UserAway {
			t.setMyStatusLocked(models.UserOnline)
		}
		return
	}

	if t.cfg.VisibilityGrace <= 0 {
		return
	}
	t.graceToken++
	token := t.graceToken
	t.graceTimer = time.AfterFunc(t.cfg.VisibilityGrace, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if token != t.graceToken || !t.running {
			return
		}
		t.graceTimer = nil
		if t.hidden && t.myStatus == models.UserOnline {
			t.setMyStatusLocked(models.UserAway)
		}
	})
}

// SetMyStatus changes the local status, counts as activity and always
// broadcasts.
func (t *Tracker) SetMyStatus(status models.UserStatus) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.myStatus = status
	if !t.running {
		return nil
	}
	t.cancelGraceLocked()
	t.broadcastLocked()
	t.resetIdleLocked()
	return nil
}

// Announce re-broadcasts the local status, for example after reconnecting.
func (t *Tracker) Announce() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.broadcastLocked()
	}
}

func (t *Tracker) MyStatus() models.UserStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.myStatus
}

func (t *Tracker) Hidden() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hidden
}

func (t *Tracker) setMyStatusLocked(status models.UserStatus) {
	if t.myStatus == status {
		return
	}
	slog.Debug("Local status changed", "from", t.myStatus, "to", status)
	t.myStatus = status
	t.broadcastLocked()
}

func (t *Tracker) broadcastLocked() {
	if t.broadcast == nil || !t.cfg.StatusBroadcast {
		return
	}
	t.broadcast(models.UserStatusData{UserID: t.cfg.UserID, Status: t.myStatus})
}

func (t *Tracker) resetIdleLocked() {
	t.cancelIdleLocked()
	if !t.cfg.IdleDetection || t.cfg.IdleTimeout <= 0 {
		return
	}
	t.idleToken++
	token := t.idleToken
	t.idleTimer = time.AfterFunc(t.cfg.IdleTimeout, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if token != t.idleToken || !t.running {
			return
		}
		t.idleTimer = nil
		if t.myStatus == models.UserOnline {
			t.setMyStatusLocked(models.UserAway)
		}
	})
}

func (t *Tracker) cancelIdleLocked() {
	t.idleToken++
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
}

func (t *Tracker) cancelGraceLocked() {
	t.graceToken++
	if t.graceTimer != nil {
		t.graceTimer.Stop()
		t.graceTimer = nil
	}
}

// UpdatePresence merges patch over the record of userID.
func (t *Tracker) UpdatePresence(userID string, patch models.PresencePatch) {
	t.UpdateMultiplePresences([]Update{{UserID: userID, Patch: patch}})
}

// UpdateMultiplePresences merges a batch of updates. Readers observe either
// none or all of the batch.
func (t *Tracker) UpdateMultiplePresences(updates []Update) {
	t.apply(func(now time.Time, records map[string]models.PresenceRecord) []Update {
		return updates
	})
}

// SetUsersOnline marks the peers online, keeping a non-offline status they
// already had.
func (t *Tracker) SetUsersOnline(userIDs ...string) {
	online := true
	updates := make([]Update, 0, len(userIDs))
	for _, id := range userIDs {
		updates = append(updates, Update{UserID: id, Patch: models.PresencePatch{IsOnline: &online}})
	}
	t.UpdateMultiplePresences(updates)
}

// SetUsersOffline marks the peers offline and stamps their last seen time.
func (t *Tracker) SetUsersOffline(userIDs ...string) {
	t.apply(func(now time.Time, _ map[string]models.PresenceRecord) []Update {
		offline := models.UserOffline
		isOnline := false
		updates := make([]Update, 0, len(userIDs))
		for _, id := range userIDs {
			updates = append(updates, Update{UserID: id, Patch: models.PresencePatch{
				IsOnline: &isOnline,
				Status:   &offline,
				LastSeen: &now,
			}})
		}
		return updates
	})
}

// Restore seeds the map with records loaded from storage. Restored peers are
// treated as offline until the backend says otherwise.
func (t *Tracker) Restore(records []models.PresenceRecord) {
	t.apply(func(_ time.Time, current map[string]models.PresenceRecord) []Update {
		offline := models.UserOffline
		isOnline := false
		updates := make([]Update, 0, len(records))
		for _, r := range records {
			if _, known := current[r.UserID]; known {
				continue
			}
			updates = append(updates, Update{UserID: r.UserID, Patch: models.PresencePatch{
				IsOnline:        &isOnline,
				Status:          &offline,
				LastSeen:        r.LastSeen,
				CurrentActivity: &r.CurrentActivity,
			}})
		}
		return updates
	})
}

type change struct {
	userID string
	status models.UserStatus
}

func (t *Tracker) apply(build func(now time.Time, current map[string]models.PresenceRecord) []Update) {
	t.writeMu.Lock()

	now := t.now()
	current := t.state.Load()
	updates := build(now, current.records)

	next := &snapshot{
		records: maps.Clone(current.records),
		online:  maps.Clone(current.online),
	}

	var changes []change
	for _, u := range updates {
		if u.UserID == "" || u.UserID == t.cfg.UserID {
			continue
		}
		if err := content.ValidatePeerID(u.UserID); err != nil {
			slog.Warn("Ignoring presence for invalid peer", "userId", u.UserID, "error", err)
			continue
		}
		if u.Patch.CurrentActivity != nil {
			label := content.SanitizeLabel(*u.Patch.CurrentActivity)
			u.Patch.CurrentActivity = &label
		}

		var prev *models.PresenceRecord
		if r, ok := next.records[u.UserID]; ok {
			prev = &r
		}
		rec := models.MergePresence(u.UserID, prev, u.Patch, now)
		next.records[u.UserID] = rec

		if rec.IsOnline {
			next.online[u.UserID] = struct{}{}
		} else {
			delete(next.online, u.UserID)
		}
		if prev == nil || prev.Status != rec.Status {
			changes = append(changes, change{userID: u.UserID, status: rec.Status})
		}
	}

	t.state.Store(next)
	t.writeMu.Unlock()

	if t.statusChange != nil {
		for _, c := range changes {
			t.statusChange(c.userID, c.status)
		}
	}
}

func (t *Tracker) IsUserOnline(userID string) bool {
	_, ok := t.state.Load().online[userID]
	return ok
}

// GetUserStatus returns offline for unknown peers.
func (t *Tracker) GetUserStatus(userID string) models.UserStatus {
	if r, ok := t.state.Load().records[userID]; ok {
		return r.Status
	}
	return models.UserOffline
}

func (t *Tracker) Presence(userID string) (models.PresenceRecord, bool) {
	r, ok := t.state.Load().records[userID]
	return r, ok
}

// Presences returns every known record ordered by user id.
func (t *Tracker) Presences() []models.PresenceRecord {
	s := t.state.Load()
	ids := slices.Sorted(maps.Keys(s.records))
	out := make([]models.PresenceRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.records[id])
	}
	return out
}

// OnlineUsers returns the ids of online peers in sorted order.
func (t *Tracker) OnlineUsers() []string {
	return slices.Sorted(maps.Keys(t.state.Load().online))
}

// GetLastSeen renders the last seen phrase of a peer. It reports false for
// peers that were never seen.
func (t *Tracker) GetLastSeen(userID string) (string, bool) {
	r, ok := t.state.Load().records[userID]
	if !ok {
		return "", false
	}
	return t.cfg.Locale.LastSeen(r, t.now()), true
}
