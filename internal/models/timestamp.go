package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// epochSecondsCutoff separates second and millisecond epoch values.
// Millisecond timestamps passed this value in early 1973.
const epochSecondsCutoff = 1e11

// Timestamp is a point in time that peers may encode either as an RFC 3339
// string or as a numeric epoch. It always encodes as RFC 3339.
type Timestamp struct {
	t time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t: t}
}

func TimestampPtr(t time.Time) *Timestamp {
	ts := NewTimestamp(t)
	return &ts
}

func (ts Timestamp) Time() time.Time {
	return ts.t
}

func (ts Timestamp) IsZero() bool {
	return ts.t.IsZero()
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON never fails on a malformed value; it leaves the zero time.
func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	ts.t = time.Time{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		ts.t = ParseTime(s)
		return nil
	}

	if n, err := strconv.ParseFloat(string(b), 64); err == nil {
		ts.t = fromEpoch(n)
	}
	return nil
}

// ParseTime reads an RFC 3339 string or a numeric epoch string.
// It returns the zero time when s is neither.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(n)
	}
	return time.Time{}
}

func fromEpoch(n float64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n < epochSecondsCutoff {
		return time.UnixMilli(int64(n * 1000))
	}
	return time.UnixMilli(int64(n))
}
