package presence

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"vestnik/internal/dispatch"
	"vestnik/internal/models"
)

// Subscribe routes presence related envelopes from d into the tracker.
// The returned function removes all of the subscriptions.
func (t *Tracker) Subscribe(d *dispatch.Dispatcher) dispatch.Unsubscribe {
	handlers := map[models.EventType]func(json.RawMessage) error{
		models.EventPresence:   t.HandlePresence,
		models.EventUserStatus: t.HandleUserStatus,
		models.EventOnline:     t.HandleOnline,
		models.EventOffline:    t.HandleOffline,
	}

	unsubs := make([]dispatch.Unsubscribe, 0, len(handlers))
	for eventType, handle := range handlers {
		unsubs = append(unsubs, d.Subscribe(eventType, func(data json.RawMessage) {
			if err := handle(data); err != nil {
				slog.Warn("Ignoring presence payload", "type", eventType, "error", err)
			}
		}))
	}

	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// HandlePresence applies a presence payload holding one record or a list.
func (t *Tracker) HandlePresence(data json.RawMessage) error {
	var list []models.PresenceData
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := models.DecodeData(data, &list); err != nil {
			return err
		}
	} else {
		var one models.PresenceData
		if err := models.DecodeData(data, &one); err != nil {
			return err
		}
		list = append(list, one)
	}

	updates := make([]Update, 0, len(list))
	for _, p := range list {
		updates = append(updates, Update{UserID: p.UserID, Patch: p.Patch()})
	}
	t.UpdateMultiplePresences(updates)
	return nil
}

func (t *Tracker) HandleUserStatus(data json.RawMessage) error {
	var s models.UserStatusData
	if err := models.DecodeData(data, &s); err != nil {
		return err
	}
	if !s.Status.Valid() {
		return ErrInvalidStatus
	}

	patch := models.PresencePatch{Status: &s.Status}
	if s.LastSeen != nil && !s.LastSeen.IsZero() {
		lastSeen := s.LastSeen.Time()
		patch.LastSeen = &lastSeen
	}
	t.UpdatePresence(s.UserID, patch)
	return nil
}

func (t *Tracker) HandleOnline(data json.RawMessage) error {
	var l models.PeerList
	if err := models.DecodeData(data, &l); err != nil {
		return err
	}
	t.SetUsersOnline(l.IDs()...)
	return nil
}

func (t *Tracker) HandleOffline(data json.RawMessage) error {
	var l models.PeerList
	if err := models.DecodeData(data, &l); err != nil {
		return err
	}
	if l.LastSeen == nil || l.LastSeen.IsZero() {
		t.SetUsersOffline(l.IDs()...)
		return nil
	}

	lastSeen := l.LastSeen.Time()
	offline := models.UserOffline
	isOnline := false
	updates := make([]Update, 0, len(l.IDs()))
	for _, id := range l.IDs() {
		updates = append(updates, Update{UserID: id, Patch: models.PresencePatch{
			IsOnline: &isOnline,
			Status:   &offline,
			LastSeen: &lastSeen,
		}})
	}
	t.UpdateMultiplePresences(updates)
	return nil
}
