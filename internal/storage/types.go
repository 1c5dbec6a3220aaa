package storage

import (
	"encoding"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBToken struct {
	Hash      string `msgpack:"hash"`
	UserID    string `msgpack:"userId"`
	ExpiresAt int64  `msgpack:"expiresAt"` // Unix timestamp (seconds)
}

func (t *DBToken) Key() []byte {
	return []byte(t.Hash)
}

func (t *DBToken) MarshalBinary() (data []byte, err error) {
	type alias DBToken
	return msgpack.Marshal((*alias)(t))
}

func (t *DBToken) UnmarshalBinary(data []byte) error {
	type alias DBToken
	return msgpack.Unmarshal(data, (*alias)(t))
}

type DBPresence struct {
	UserID          string `msgpack:"userId"`
	IsOnline        bool   `msgpack:"isOnline"`
	Status          string `msgpack:"status"`
	LastSeen        int64  `msgpack:"lastSeen"` // Unix milliseconds, 0 when unknown
	CurrentActivity string `msgpack:"currentActivity"`
}

func (p *DBPresence) Key() []byte {
	return []byte(p.UserID)
}

func (p *DBPresence) MarshalBinary() (data []byte, err error) {
	type alias DBPresence
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPresence) UnmarshalBinary(data []byte) error {
	type alias DBPresence
	return msgpack.Unmarshal(data, (*alias)(p))
}
