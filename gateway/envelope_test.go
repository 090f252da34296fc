package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyAck(t *testing.T) {
	env, err := Classify([]byte(`{"type":"ack","action":"subscribe","topics":["ticker-ESM4"],"snapshots":{"ticker":{"last":5}}}`))
	require.NoError(t, err)
	ack, ok := env.(Ack)
	require.True(t, ok)
	assert.Equal(t, "subscribe", ack.Action)
	assert.Equal(t, []string{"ticker-ESM4"}, ack.Topics)
	assert.JSONEq(t, `{"last":5}`, string(ack.Snapshots["ticker"]))
}

func TestClassifyEventFieldFallbacks(t *testing.T) {
	cases := map[string]string{
		"topic":   `{"type":"event","topic":"bar-ESM4","payload":{"close":1}}`,
		"event":   `{"type":"EVENT","event":"bar-ESM4","data":{"close":1}}`,
		"channel": `{"type":"event","topic":"","channel":"bar-ESM4","payload":null,"data":{"close":1}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			env, err := Classify([]byte(raw))
			require.NoError(t, err)
			ev, ok := env.(Event)
			require.True(t, ok)
			assert.Equal(t, "bar-ESM4", ev.RawTopic)
			assert.Equal(t, TopicBar, ev.Topic.Kind)
			assert.Equal(t, "ESM4", ev.Topic.Symbol)
			assert.JSONEq(t, `{"close":1}`, string(ev.Payload))
		})
	}
}

func TestClassifyError(t *testing.T) {
	env, err := Classify([]byte(`{"type":"error","message":"bad topic","code":4001}`))
	require.NoError(t, err)
	assert.Equal(t, ErrorFrame{Message: "bad topic", Code: "4001"}, env)

	env, err = Classify([]byte(`{"type":"error"}`))
	require.NoError(t, err)
	assert.Equal(t, ErrorFrame{Message: "stream error"}, env)
}

func TestClassifyUnknown(t *testing.T) {
	env, err := Classify([]byte(`{"type":"pong"}`))
	require.NoError(t, err)
	assert.Equal(t, Unknown{Type: "pong"}, env)

	env, err = Classify([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, Unknown{}, env)
}

func TestClassifyMalformed(t *testing.T) {
	for _, raw := range []string{"", "not json", `{"type":`, `[1,2]`, `"ack"`} {
		env, err := Classify([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedFrame, raw)
		assert.Nil(t, env)
	}
}
