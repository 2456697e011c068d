package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser_SplitChunks(t *testing.T) {
	stream := "event: model_complete\ndata: {\"model\":\"gpt\",\"response\":{}}\n\n" +
		"event: complete\ndata: {\"isPremium\":false}\n\n"

	// Feed one byte at a time so every frame is split across chunks.
	p := NewParser()
	var frames []Frame
	for i := 0; i < len(stream); i++ {
		got, err := p.Feed([]byte{stream[i]})
		require.NoError(t, err)
		frames = append(frames, got...)
	}

	require.Len(t, frames, 2)
	assert.Equal(t, EventModelComplete, frames[0].Event)
	assert.JSONEq(t, `{"model":"gpt","response":{}}`, string(frames[0].Data))
	assert.Equal(t, EventComplete, frames[1].Event)
	assert.Zero(t, p.Buffered())
}

func TestParser_EventResetsAfterData(t *testing.T) {
	p := NewParser()
	frames, err := p.Feed([]byte("event: model_complete\ndata: {\"a\":1}\ndata: {\"b\":2}\n"))
	require.NoError(t, err)

	require.Len(t, frames, 2)
	assert.Equal(t, EventModelComplete, frames[0].Event)
	assert.Equal(t, "message", frames[1].Event)
	assert.Empty(t, p.CurrentEvent())
}

func TestParser_SkipsMalformedJSON(t *testing.T) {
	p := NewParser()
	frames, err := p.Feed([]byte("event: model_complete\ndata: {not json\ndata: {\"ok\":true}\n: keepalive\n\r\n"))
	require.NoError(t, err)

	require.Len(t, frames, 1)
	assert.Equal(t, EventModelComplete, frames[0].Event, "event kept until a data line parses")
	assert.JSONEq(t, `{"ok":true}`, string(frames[0].Data))
}

func TestParser_ErrorPayload(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"string", `{"error":"Meta-evaluation failed."}`, "Meta-evaluation failed."},
		{"object", `{"error":{"message":"upstream down"}}`, "upstream down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser()
			frames, err := p.Feed([]byte("data: {\"model\":\"gpt\"}\nevent: error\ndata: " + tt.data + "\ndata: {\"after\":1}\n"))
			require.Len(t, frames, 1)

			var streamErr *StreamError
			require.ErrorAs(t, err, &streamErr)
			assert.Equal(t, tt.want, streamErr.Message)
			assert.Equal(t, EventError, streamErr.Event)
		})
	}
}

func TestParser_NullErrorIsNotAnError(t *testing.T) {
	p := NewParser()
	frames, err := p.Feed([]byte("data: {\"error\":null,\"x\":1}\n"))
	require.NoError(t, err)
	assert.Len(t, frames, 1)
}

func TestParser_FlushTrailingLine(t *testing.T) {
	p := NewParser()
	frames, err := p.Feed([]byte("event: complete\ndata: {\"done\":true}"))
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = p.Flush()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, EventComplete, frames[0].Event)
}

func TestWriter_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	w := NewWriter(bw)

	require.NoError(t, w.Event(EventModelComplete, ModelCompletePayload{Model: "gemini-pro", Response: json.RawMessage(`{"summary":"ok"}`)}))
	assert.Equal(t, "event: model_complete\ndata: {\"model\":\"gemini-pro\",\"response\":{\"summary\":\"ok\"}}\n\n", buf.String(), "flushed per frame")

	require.NoError(t, w.Event(EventError, ErrorPayload{Error: "validation timed out", Retry: true}))

	p := NewParser()
	frames, err := p.Feed(buf.Bytes())
	require.Len(t, frames, 1)

	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, "validation timed out", streamErr.Message)
}
