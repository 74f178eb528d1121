package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/sentinel/agent"
)

func TestCodecsRoundTrip(t *testing.T) {
	cborCodec, err := NewCBORCodec()
	require.NoError(t, err)

	for _, codec := range []Codec{JSONCodec{}, cborCodec} {
		t.Run(codec.ContentType(), func(t *testing.T) {
			msg := agent.NewMessage(agent.TypeTaskRequest, "agent-1", map[string]any{
				"task":  "scan",
				"hosts": []any{"a", "b"},
				"opts":  map[string]any{"deep": true},
			}).WithTargets("agent-2").WithCorrelationID("corr-9")

			body, err := codec.Encode(msg)
			require.NoError(t, err)

			got, err := codec.Decode(body)
			require.NoError(t, err)
			assert.Equal(t, msg.Header.ID, got.Header.ID)
			assert.Equal(t, msg.Header.Type, got.Header.Type)
			assert.Equal(t, msg.Header.Priority, got.Header.Priority)
			assert.Equal(t, []string{"agent-2"}, got.Header.TargetAgentIDs)
			assert.Equal(t, "corr-9", got.Header.CorrelationID)
			assert.True(t, msg.Header.Timestamp.Equal(got.Header.Timestamp))
			require.NotNil(t, got.Header.TTLSeconds)
			assert.Equal(t, agent.DefaultTTLSeconds, *got.Header.TTLSeconds)

			assert.Equal(t, "scan", got.PayloadString("task", ""))
			assert.Equal(t, []any{"a", "b"}, got.Payload["hosts"])
			assert.Equal(t, map[string]any{"deep": true}, got.Payload["opts"])
		})
	}
}

func TestCodecDecodeErrors(t *testing.T) {
	cborCodec, err := NewCBORCodec()
	require.NoError(t, err)

	tests := []struct {
		name  string
		codec Codec
		body  []byte
	}{
		{"json garbage", JSONCodec{}, []byte("{nope")},
		{"json unknown type", JSONCodec{}, []byte(`{"header":{"message_id":"x","message_type":"gossip"}}`)},
		{"json missing id", JSONCodec{}, []byte(`{"header":{"message_type":"log"}}`)},
		{"cbor garbage", cborCodec, []byte{0xff, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.codec.Decode(tt.body)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestCBOREncodingIsDeterministic(t *testing.T) {
	codec, err := NewCBORCodec()
	require.NoError(t, err)

	msg := agent.NewMessage(agent.TypeMetric, "agent-1", map[string]any{"b": 2, "a": 1, "c": 3})
	msg.Header.Timestamp = time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)

	first, err := codec.Encode(msg)
	require.NoError(t, err)
	for range 5 {
		again, err := codec.Encode(msg)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeJSON, c.ContentType())

	c, err = CodecByName("CBOR")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeCBOR, c.ContentType())

	_, err = CodecByName("msgpack")
	assert.Error(t, err)
}
