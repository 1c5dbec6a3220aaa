// Package relay is a development backend for the realtime client. It
// authenticates peers, re-broadcasts their envelopes and announces who is
// online.
package relay

import (
	"cmp"
	"encoding/json"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
	"vestnik/internal/codec"
	"vestnik/internal/metrics"
	"vestnik/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
)

const peerBuffer = 100

// relayOwned are the types only the relay itself sends.
var relayOwned = map[models.EventType]bool{
	models.EventPong:         true,
	models.EventOnline:       true,
	models.EventOffline:      true,
	models.EventPresence:     true,
	models.EventConnected:    true,
	models.EventDisconnected: true,
	models.EventReconnecting: true,
}

// LastSeenStore keeps the time each peer was last connected.
type LastSeenStore interface {
	UpsertLastSeen(userID string, at time.Time) error
	ListLastSeen() (map[string]time.Time, error)
}

type peer struct {
	connID string
	status models.UserStatus
	ch     chan []byte
}

type Hub struct {
	// userID -> connected peer
	peers *geche.Locker[string, *peer]
	// userID -> time the peer left
	lastSeen geche.Geche[string, time.Time]

	store   LastSeenStore
	metrics *metrics.Relay
	now     func() time.Time

	// serializes fan-out against Join and Leave so a frame is never sent on
	// a closed channel
	mu sync.RWMutex
}

func NewHub(store LastSeenStore, mt *metrics.Relay) (*Hub, error) {
	h := &Hub{
		peers:    geche.NewLocker[string, *peer](geche.NewMapCache[string, *peer]()),
		lastSeen: geche.NewMapCache[string, time.Time](),
		store:    store,
		metrics:  mt,
		now:      time.Now,
	}

	if store != nil {
		seen, err := store.ListLastSeen()
		if err != nil {
			return nil, err
		}
		for id, at := range seen {
			h.lastSeen.Set(id, at)
		}
	}

	return h, nil
}

// Join registers a connection of userID and returns its id and the channel
// of frames to write to it. A newer connection of the same user replaces
// the older one, whose channel is closed.
func (h *Hub) Join(userID string) (string, <-chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := &peer{
		connID: uuid.NewString(),
		status: models.UserOnline,
		ch:     make(chan []byte, peerBuffer),
	}

	tx := h.peers.Lock()
	old, err := tx.Get(userID)
	tx.Set(userID, p)
	tx.Unlock()

	if err == nil {
		close(old.ch)
		slog.Info("Peer replaced", "userId", userID)
	} else {
		h.metrics.PeerJoined()
		h.broadcastLocked(userID, models.EventOnline, models.PeerList{UserID: userID})
	}
	slog.Info("Peer joined", "userId", userID, "connId", p.connID)

	h.sendLocked(p, models.EventPresence, h.snapshotLocked(userID))
	return p.connID, p.ch
}

// Leave unregisters the connection connID of userID. It is a no-op when the
// connection was already replaced.
func (h *Hub) Leave(userID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tx := h.peers.Lock()
	p, err := tx.Get(userID)
	if err != nil || p.connID != connID {
		tx.Unlock()
		return
	}
	_ = tx.Del(userID)
	tx.Unlock()

	close(p.ch)
	h.metrics.PeerLeft()

	now := h.now()
	h.lastSeen.Set(userID, now)
	if h.store != nil {
		if err := h.store.UpsertLastSeen(userID, now); err != nil {
			slog.Error("failed to save last seen", "userId", userID, "error", err)
		}
	}

	slog.Info("Peer left", "userId", userID, "connId", connID)
	h.broadcastLocked(userID, models.EventOffline, models.PeerList{
		UserID:   userID,
		LastSeen: models.TimestampPtr(now),
	})
}

// Relay handles one envelope from userID. Pings are answered with a pong,
// types the relay owns are rejected and everything else is stamped and sent
// to every other peer.
func (h *Hub) Relay(userID string, env models.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if env.Type == models.EventPing {
		if p := h.peer(userID); p != nil {
			h.sendLocked(p, models.EventPong, nil)
		}
		return
	}

	if relayOwned[env.Type] {
		slog.Warn("Rejecting envelope", "userId", userID, "type", env.Type)
		h.metrics.Rejected()
		return
	}

	if env.Type == models.EventUserStatus {
		h.trackStatus(userID, env.Data)
	}

	env.Timestamp = h.now()
	data, err := codec.Encode(env)
	if err != nil {
		slog.Warn("Rejecting envelope", "userId", userID, "type", env.Type, "error", err)
		h.metrics.Rejected()
		return
	}

	h.fanOutLocked(userID, data)
	h.metrics.Relayed(string(env.Type))
}

func (h *Hub) trackStatus(userID string, data json.RawMessage) {
	var s models.UserStatusData
	if err := models.DecodeData(data, &s); err != nil || s.UserID != userID || !s.Status.Valid() {
		return
	}
	tx := h.peers.Lock()
	defer tx.Unlock()
	if p, err := tx.Get(userID); err == nil {
		next := *p
		next.status = s.Status
		tx.Set(userID, &next)
	}
}

func (h *Hub) peer(userID string) *peer {
	tx := h.peers.RLock()
	defer tx.Unlock()
	p, err := tx.Get(userID)
	if err != nil {
		return nil
	}
	return p
}

func (h *Hub) broadcastLocked(from string, t models.EventType, data any) {
	frame, err := codec.EncodeData(t, data, h.now())
	if err != nil {
		slog.Error("failed to encode envelope", "type", t, "error", err)
		return
	}
	h.fanOutLocked(from, frame)
}

func (h *Hub) fanOutLocked(from string, frame []byte) {
	tx := h.peers.RLock()
	peers := tx.Snapshot()
	tx.Unlock()

	for id, p := range peers {
		if id == from {
			continue
		}
		h.deliver(id, p, frame)
	}
}

func (h *Hub) sendLocked(p *peer, t models.EventType, data any) {
	frame, err := codec.EncodeData(t, data, h.now())
	if err != nil {
		slog.Error("failed to encode envelope", "type", t, "error", err)
		return
	}
	h.deliver("", p, frame)
}

func (h *Hub) deliver(userID string, p *peer, frame []byte) {
	select {
	case p.ch <- frame:
	default:
		slog.Warn("Peer buffer full, dropping frame", "userId", userID, "connId", p.connID)
		h.metrics.Dropped()
	}
}

// snapshotLocked lists every peer except skip: connected ones with their
// status, the rest offline with their last seen time.
func (h *Hub) snapshotLocked(skip string) []models.PresenceData {
	tx := h.peers.RLock()
	peers := tx.Snapshot()
	tx.Unlock()

	out := make([]models.PresenceData, 0, len(peers))
	for _, id := range slices.Sorted(maps.Keys(peers)) {
		if id == skip {
			continue
		}
		online := true
		status := peers[id].status
		out = append(out, models.PresenceData{UserID: id, IsOnline: &online, Status: &status})
	}

	seen := h.lastSeen.Snapshot()
	for _, id := range slices.Sorted(maps.Keys(seen)) {
		if _, connected := peers[id]; connected || id == skip {
			continue
		}
		online := false
		status := models.UserOffline
		out = append(out, models.PresenceData{
			UserID:   id,
			IsOnline: &online,
			Status:   &status,
			LastSeen: models.TimestampPtr(seen[id]),
		})
	}
	return out
}

// Peers returns the presence of every peer the relay knows about, ordered
// by user id.
func (h *Hub) Peers() []models.PresenceRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	snap := h.snapshotLocked("")
	records := make([]models.PresenceRecord, 0, len(snap))
	for _, d := range snap {
		records = append(records, models.MergePresence(d.UserID, nil, d.Patch(), h.now()))
	}
	slices.SortFunc(records, func(a, b models.PresenceRecord) int {
		return cmp.Compare(a.UserID, b.UserID)
	})
	return records
}

func (h *Hub) Online() int {
	tx := h.peers.RLock()
	defer tx.Unlock()
	return tx.Len()
}
