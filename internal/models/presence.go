package models

import (
	"time"
)

// UserStatus is the broadcastable status of a peer.
type UserStatus string

const (
	UserOnline  UserStatus = "online"
	UserAway    UserStatus = "away"
	UserBusy    UserStatus = "busy"
	UserOffline UserStatus = "offline"
)

func (s UserStatus) Valid() bool {
	switch s {
	case UserOnline, UserAway, UserBusy, UserOffline:
		return true
	}
	return false
}

// PresenceRecord is the tracked state of one peer.
// IsOnline is true exactly when Status is not offline.
type PresenceRecord struct {
	UserID          string     `json:"userId"`
	IsOnline        bool       `json:"isOnline"`
	Status          UserStatus `json:"status"`
	LastSeen        *time.Time `json:"lastSeen,omitempty"`
	CurrentActivity string     `json:"currentActivity,omitempty"`
}

// PresencePatch carries the fields of a partial presence update.
// Nil fields keep the previous value.
type PresencePatch struct {
	IsOnline        *bool
	Status          *UserStatus
	LastSeen        *time.Time
	CurrentActivity *string
}

// Patch returns a patch that sets every field of r.
func (r PresenceRecord) Patch() PresencePatch {
	isOnline := r.IsOnline
	p := PresencePatch{IsOnline: &isOnline, LastSeen: r.LastSeen}
	if r.Status != "" {
		status := r.Status
		p.Status = &status
	}
	if r.CurrentActivity != "" {
		activity := r.CurrentActivity
		p.CurrentActivity = &activity
	}
	return p
}

// MergePresence builds the record that results from applying p over prev.
// prev may be nil for a previously unknown peer. now stamps LastSeen when a
// peer leaves the online state without reporting one.
func MergePresence(userID string, prev *PresenceRecord, p PresencePatch, now time.Time) PresenceRecord {
	rec := PresenceRecord{UserID: userID, Status: UserOffline}
	if prev != nil {
		rec = *prev
		rec.UserID = userID
	}

	if p.IsOnline != nil {
		rec.IsOnline = *p.IsOnline
	}
	if p.Status != nil && p.Status.Valid() {
		rec.Status = *p.Status
	}
	if p.LastSeen != nil && !p.LastSeen.IsZero() {
		lastSeen := *p.LastSeen
		rec.LastSeen = &lastSeen
	}
	if p.CurrentActivity != nil {
		rec.CurrentActivity = *p.CurrentActivity
	}

	switch {
	case p.Status != nil && p.Status.Valid():
		rec.IsOnline = rec.Status != UserOffline
	case p.IsOnline != nil && !*p.IsOnline:
		rec.Status = UserOffline
	case p.IsOnline != nil && *p.IsOnline && rec.Status == UserOffline:
		rec.Status = UserOnline
	}

	wasOnline := prev != nil && prev.IsOnline
	if wasOnline && !rec.IsOnline && (p.LastSeen == nil || p.LastSeen.IsZero()) {
		rec.LastSeen = &now
	}

	return rec
}

// TypingData is the payload of a typing envelope.
type TypingData struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	UserName       string `json:"userName,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// UserStatusData is the payload of a user_status envelope.
type UserStatusData struct {
	UserID   string     `json:"userId"`
	Status   UserStatus `json:"status"`
	LastSeen *Timestamp `json:"lastSeen,omitempty"`
}

// ReadReceiptData is the payload of a read envelope.
type ReadReceiptData struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	UserID         string    `json:"userId"`
	ReadAt         Timestamp `json:"readAt"`
}

// DeliveryData is the payload of a delivered envelope.
type DeliveryData struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	UserID         string    `json:"userId"`
	DeliveredAt    Timestamp `json:"deliveredAt"`
}

// PresenceData is the wire form of a presence update. Absent fields are nil.
type PresenceData struct {
	UserID          string      `json:"userId"`
	IsOnline        *bool       `json:"isOnline,omitempty"`
	Status          *UserStatus `json:"status,omitempty"`
	LastSeen        *Timestamp  `json:"lastSeen,omitempty"`
	CurrentActivity *string     `json:"currentActivity,omitempty"`
}

// Patch converts the wire form into a merge patch.
func (d PresenceData) Patch() PresencePatch {
	p := PresencePatch{
		IsOnline:        d.IsOnline,
		Status:          d.Status,
		CurrentActivity: d.CurrentActivity,
	}
	if d.LastSeen != nil && !d.LastSeen.IsZero() {
		t := d.LastSeen.Time()
		p.LastSeen = &t
	}
	return p
}

// PeerList is the payload of online/offline envelopes. Either field may be set.
type PeerList struct {
	UserID   string     `json:"userId,omitempty"`
	UserIDs  []string   `json:"userIds,omitempty"`
	LastSeen *Timestamp `json:"lastSeen,omitempty"`
}

// IDs returns the union of UserID and UserIDs.
func (l PeerList) IDs() []string {
	ids := make([]string, 0, len(l.UserIDs)+1)
	if l.UserID != "" {
		ids = append(ids, l.UserID)
	}
	return append(ids, l.UserIDs...)
}
