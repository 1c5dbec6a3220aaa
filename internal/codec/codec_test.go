package codec

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
	"vestnik/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		input    string
		wantType models.EventType
		wantData string
		wantTime time.Time
	}{
		{
			name:     "ISO timestamp",
			input:    `{"type":"typing","data":{"conversationId":"c1","isTyping":true},"timestamp":"2024-03-01T12:00:00Z"}`,
			wantType: models.EventTyping,
			wantData: `{"conversationId":"c1","isTyping":true}`,
			wantTime: want,
		},
		{
			name:     "Epoch timestamp",
			input:    `{"type":"message","data":"hi","timestamp":1709294400000}`,
			wantType: models.EventMessage,
			wantData: `"hi"`,
			wantTime: want,
		},
		{
			name:     "Ping without data",
			input:    `{"type":"ping","timestamp":1709294400000}`,
			wantType: models.EventPing,
			wantTime: want,
		},
		{
			name:     "Null data",
			input:    `{"type":"pong","data":null}`,
			wantType: models.EventPong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, env.Type)
			assert.Equal(t, tt.wantData, string(env.Data))
			assert.True(t, env.Timestamp.Equal(tt.wantTime), "timestamp %v, want %v", env.Timestamp, tt.wantTime)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	inputs := []string{
		``,
		`not json`,
		`[1,2,3]`,
		`{"type":"teleport","data":{}}`,
		`{"data":{}}`,
	}

	for _, in := range inputs {
		_, err := Decode([]byte(in))
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%q) error = %v, want ErrMalformed", in, err)
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b, err := EncodeData(models.EventTyping, models.TypingData{ConversationID: "c1", IsTyping: true}, at)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, "typing", raw["type"])
	assert.Equal(t, "2024-03-01T12:00:00Z", raw["timestamp"])

	env, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, `{"conversationId":"c1","isTyping":true}`, string(env.Data))
}

func TestEncodeOmitsEmptyData(t *testing.T) {
	b, err := EncodeData(models.EventPing, nil, time.Now())
	require.NoError(t, err)
	assert.NotContains(t, string(b), `"data"`)
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	_, err := Encode(models.Envelope{Type: "bogus"})
	assert.ErrorIs(t, err, ErrMalformed)
}
