// ABOUTME: Tests for SSE frame parsing and formatting
// ABOUTME: Verifies raw bytes survive parsing unchanged and partial frames are detected

package relay

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, input string) ([]Event, error) {
	t.Helper()
	var events []Event
	err := ReadFrames(strings.NewReader(input), func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	return events, err
}

func TestReadFrames_PreservesRawBytes(t *testing.T) {
	input := "event: token\ndata: {\"t\":\"Hel\"}\n\n" +
		"event: token\r\ndata: {\"t\":\"lo\"}\r\n\r\n" +
		"event: done\ndata: {}\n\n"

	events, err := collect(t, input)
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, events, 3)

	var joined strings.Builder
	for _, ev := range events {
		joined.Write(ev.Raw)
	}
	assert.Equal(t, input, joined.String())

	assert.Equal(t, EventToken, events[0].Type)
	assert.Equal(t, `{"t":"Hel"}`, string(events[0].Data))
	assert.Equal(t, `{"t":"lo"}`, string(events[1].Data))
	assert.True(t, events[2].Terminal())
}

func TestReadFrames_MultiLineDataAndComments(t *testing.T) {
	input := ": keepalive\n\n" +
		"event: metadata\ndata: line one\ndata: line two\n\n" +
		"data: no event name\n\n"

	events, err := collect(t, input)
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, events, 3)

	assert.True(t, events[0].Comment())
	assert.Equal(t, "line one\nline two", string(events[1].Data))
	assert.Equal(t, EventMessage, events[2].Type)
}

func TestReadFrames_CommentsKeepTheirBytes(t *testing.T) {
	input := ": ping\n\n" +
		":\r\n: two lines\r\n\r\n" +
		"event: token\n: inline note\ndata: x\n\n"

	events, err := collect(t, input)
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, events, 3)

	assert.Equal(t, EventComment, events[0].Type)
	assert.Equal(t, ": ping\n\n", string(events[0].Raw))
	assert.Empty(t, events[0].Data)
	assert.False(t, events[0].Terminal())

	assert.Equal(t, ":\r\n: two lines\r\n\r\n", string(events[1].Raw))

	// A comment inside a frame belongs to that frame.
	assert.Equal(t, EventToken, events[2].Type)
	assert.Equal(t, "x", string(events[2].Data))
	assert.Equal(t, "event: token\n: inline note\ndata: x\n\n", string(events[2].Raw))
}

func TestReadFrames_IncompleteFrame(t *testing.T) {
	events, err := collect(t, "event: token\ndata: a\n\nevent: token\ndata: b")
	assert.ErrorIs(t, err, errIncompleteFrame)
	assert.Len(t, events, 1)
}

func TestFormatFrame(t *testing.T) {
	assert.Equal(t, "event: token\ndata: hi\n\n", string(FormatFrame(EventToken, []byte("hi"))))
	assert.Equal(t, "event: metadata\ndata: a\ndata: b\n\n", string(FormatFrame(EventMetadata, []byte("a\nb"))))

	// Formatting then parsing yields the same event.
	events, _ := collect(t, string(FormatFrame(EventMetadata, []byte("a\nb"))))
	require.Len(t, events, 1)
	assert.Equal(t, "a\nb", string(events[0].Data))
}

func TestErrorEvent(t *testing.T) {
	ev := ErrorEvent("upstream_disconnected", "gone")
	assert.True(t, ev.Terminal())

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "upstream_disconnected", payload.Code)
	assert.True(t, strings.HasPrefix(string(ev.Raw), "event: error\n"))
}
