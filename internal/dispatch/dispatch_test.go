package dispatch

import (
	"encoding/json"
	"testing"
	"time"
	"vestnik/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func typingEnvelope() models.Envelope {
	return models.Envelope{
		Type:      models.EventTyping,
		Data:      json.RawMessage(`{"conversationId":"c1","isTyping":true}`),
		Timestamp: time.Unix(1700000000, 0),
	}
}

func TestDispatchTypedThenWildcard(t *testing.T) {
	d := New()
	var calls []string
	var payload json.RawMessage
	var full models.Envelope

	d.SubscribeAll(func(env models.Envelope) {
		calls = append(calls, "wildcard")
		full = env
	})
	d.Subscribe(models.EventTyping, func(data json.RawMessage) {
		calls = append(calls, "typed")
		payload = data
	})

	env := typingEnvelope()
	d.Dispatch(env)

	assert.Equal(t, []string{"typed", "wildcard"}, calls)
	assert.JSONEq(t, `{"conversationId":"c1","isTyping":true}`, string(payload))
	assert.Equal(t, env.Type, full.Type)
	assert.True(t, env.Timestamp.Equal(full.Timestamp))
}

func TestDispatchSkipsPong(t *testing.T) {
	d := New()
	fired := 0
	d.Subscribe(models.EventPong, func(json.RawMessage) { fired++ })
	d.SubscribeAll(func(models.Envelope) { fired++ })

	d.Dispatch(models.Envelope{Type: models.EventPong})
	assert.Zero(t, fired)
}

func TestSubscriptionOrder(t *testing.T) {
	d := New()
	var order []int
	for i := range 5 {
		d.Subscribe(models.EventMessage, func(json.RawMessage) { order = append(order, i) })
	}
	d.Dispatch(models.Envelope{Type: models.EventMessage})
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestUnsubscribeRemovesOnlyOwnSlot(t *testing.T) {
	d := New()
	count := 0
	h := func(json.RawMessage) { count++ }

	first := d.Subscribe(models.EventRead, h)
	d.Subscribe(models.EventRead, h)
	require.Equal(t, 2, d.Count(models.EventRead))

	first()
	first()
	assert.Equal(t, 1, d.Count(models.EventRead))

	d.Dispatch(models.Envelope{Type: models.EventRead})
	assert.Equal(t, 1, count)
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	d := New()
	reached := false
	d.Subscribe(models.EventMessage, func(json.RawMessage) { panic("boom") })
	d.Subscribe(models.EventMessage, func(json.RawMessage) { reached = true })

	require.NotPanics(t, func() {
		d.Dispatch(models.Envelope{Type: models.EventMessage, Data: json.RawMessage(`"hi"`)})
	})
	assert.True(t, reached)
}

func TestSubscribersReceiveDistinctPayloads(t *testing.T) {
	d := New()
	var second json.RawMessage
	d.Subscribe(models.EventMessage, func(data json.RawMessage) {
		data[1] = 'X'
	})
	d.Subscribe(models.EventMessage, func(data json.RawMessage) {
		second = data
	})

	d.Dispatch(models.Envelope{Type: models.EventMessage, Data: json.RawMessage(`"hi"`)})
	assert.Equal(t, `"hi"`, string(second))
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	d := New()
	calls := 0
	var unsub Unsubscribe
	unsub = d.Subscribe(models.EventMessage, func(json.RawMessage) {
		calls++
		unsub()
	})
	d.Subscribe(models.EventMessage, func(json.RawMessage) { calls++ })

	d.Dispatch(models.Envelope{Type: models.EventMessage})
	d.Dispatch(models.Envelope{Type: models.EventMessage})
	assert.Equal(t, 3, calls)
}

func TestOnDecodesPayload(t *testing.T) {
	d := New()
	var got models.TypingData
	calls := 0
	On(d, models.EventTyping, func(v models.TypingData) {
		calls++
		got = v
	})

	d.Dispatch(typingEnvelope())
	d.Dispatch(models.Envelope{Type: models.EventTyping, Data: json.RawMessage(`[]`)})

	assert.Equal(t, 1, calls)
	assert.Equal(t, "c1", got.ConversationID)
	assert.True(t, got.IsTyping)
}

func TestOnWithoutPayload(t *testing.T) {
	d := New()
	calls := 0
	On(d, models.EventTyping, func(v models.TypingData) {
		calls++
		assert.Equal(t, models.TypingData{}, v)
	})

	d.Dispatch(models.Envelope{Type: models.EventTyping})
	assert.Equal(t, 1, calls)
}

func TestClear(t *testing.T) {
	d := New()
	d.Subscribe(models.EventMessage, func(json.RawMessage) {})
	d.SubscribeAll(func(models.Envelope) {})
	d.Clear()
	assert.Zero(t, d.Count(models.EventMessage))
	assert.Zero(t, d.Count(models.EventWildcard))
}
