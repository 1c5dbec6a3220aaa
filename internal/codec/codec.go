// Package codec converts envelopes to and from their JSON wire form.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"vestnik/internal/models"
)

var ErrMalformed = errors.New("malformed envelope")

type wireEnvelope struct {
	Type      models.EventType  `json:"type"`
	Data      json.RawMessage   `json:"data,omitempty"`
	Timestamp *models.Timestamp `json:"timestamp,omitempty"`
}

// Encode serializes env. A zero timestamp is replaced with the current time.
func Encode(env models.Envelope) ([]byte, error) {
	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	data := env.Data
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = nil
	}
	return json.Marshal(wireEnvelope{
		Type:      env.Type,
		Data:      data,
		Timestamp: models.TimestampPtr(ts),
	})
}

// EncodeData builds and serializes an envelope around data in one step.
func EncodeData(t models.EventType, data any, at time.Time) ([]byte, error) {
	env, err := models.NewEnvelope(t, data, at)
	if err != nil {
		return nil, err
	}
	return Encode(env)
}

// Decode parses a wire frame. Frames that are not JSON objects or that carry
// an unknown type fail with ErrMalformed. The timestamp may be an ISO-8601
// string or an epoch number; an unreadable one decodes as the zero time.
func Decode(b []byte) (models.Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return models.Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !w.Type.Valid() {
		return models.Envelope{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, w.Type)
	}

	env := models.Envelope{Type: w.Type}
	if len(w.Data) > 0 && !bytes.Equal(w.Data, []byte("null")) {
		env.Data = w.Data
	}
	if w.Timestamp != nil {
		env.Timestamp = w.Timestamp.Time()
	}
	return env, nil
}
