package storage

import (
	"fmt"
	"time"
	"vestnik/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketPresence = []byte("presence")
	bucketTokens   = []byte("tokens")
	bucketLastSeen = []byte("last_seen")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketPresence, bucketTokens, bucketLastSeen} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func toDBPresence(r models.PresenceRecord) *DBPresence {
	p := &DBPresence{
		UserID:          r.UserID,
		IsOnline:        r.IsOnline,
		Status:          string(r.Status),
		CurrentActivity: r.CurrentActivity,
	}
	if r.LastSeen != nil && !r.LastSeen.IsZero() {
		p.LastSeen = r.LastSeen.UnixMilli()
	}
	return p
}

func fromDBPresence(p DBPresence) models.PresenceRecord {
	r := models.PresenceRecord{
		UserID:          p.UserID,
		IsOnline:        p.IsOnline,
		Status:          models.UserStatus(p.Status),
		CurrentActivity: p.CurrentActivity,
	}
	if p.LastSeen != 0 {
		lastSeen := time.UnixMilli(p.LastSeen)
		r.LastSeen = &lastSeen
	}
	return r
}

// SavePresences upserts presence records in one transaction.
func (s *BboltStorage) SavePresences(records []models.PresenceRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPresence)
		for _, r := range records {
			p := toDBPresence(r)
			data, err := p.MarshalBinary()
			if err != nil {
				return err
			}
			if err := b.Put(p.Key(), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListPresences returns all stored presence records ordered by user id.
func (s *BboltStorage) ListPresences() ([]models.PresenceRecord, error) {
	var records []models.PresenceRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPresence)
		return b.ForEach(func(k, v []byte) error {
			var p DBPresence
			if err := p.UnmarshalBinary(v); err != nil {
				return err
			}
			records = append(records, fromDBPresence(p))
			return nil
		})
	})
	return records, err
}

func (s *BboltStorage) UpsertToken(tokenHash, userID string, expiresAt time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		dbToken := &DBToken{
			Hash:      tokenHash,
			UserID:    userID,
			ExpiresAt: expiresAt.Unix(),
		}
		data, err := dbToken.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbToken.Key(), data)
	})
}

func (s *BboltStorage) DeleteToken(tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		return b.Delete([]byte(tokenHash))
	})
}

// ListTokens returns stored tokens keyed by hash. Tokens that expired before
// now are removed instead of returned.
func (s *BboltStorage) ListTokens(now time.Time) (map[string]DBToken, error) {
	tokens := make(map[string]DBToken)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var dbToken DBToken
			if err := dbToken.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbToken.ExpiresAt <= now.Unix() {
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			tokens[dbToken.Hash] = dbToken
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return tokens, err
}

// UpsertLastSeen records when the relay last saw a peer.
func (s *BboltStorage) UpsertLastSeen(userID string, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLastSeen)
		p := &DBPresence{
			UserID:   userID,
			Status:   string(models.UserOffline),
			LastSeen: at.UnixMilli(),
		}
		data, err := p.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(p.Key(), data)
	})
}

func (s *BboltStorage) ListLastSeen() (map[string]time.Time, error) {
	seen := make(map[string]time.Time)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLastSeen)
		return b.ForEach(func(k, v []byte) error {
			var p DBPresence
			if err := p.UnmarshalBinary(v); err != nil {
				return err
			}
			seen[p.UserID] = time.UnixMilli(p.LastSeen)
			return nil
		})
	})
	return seen, err
}
