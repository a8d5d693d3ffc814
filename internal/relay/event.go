// ABOUTME: Server-sent event frames exchanged with the compute engine and clients
// ABOUTME: Parses upstream frames while keeping their exact bytes for verbatim forwarding

package relay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// EventType is the SSE event name.
type EventType string

const (
	EventToken      EventType = "token"
	EventMetadata   EventType = "metadata"
	EventCheckpoint EventType = "checkpoint"
	EventError      EventType = "error"
	EventDone       EventType = "done"
	// EventMessage is the SSE default when a frame names no event.
	EventMessage EventType = "message"
	// EventComment carries comment-only blocks such as keepalives. It has Raw
	// bytes and no data, and is relayed without counting as a frame.
	EventComment EventType = ":comment"
)

// Event is one parsed frame. Raw holds the exact upstream bytes including the
// blank line that terminated the frame.
type Event struct {
	Type EventType
	Data []byte
	Raw  []byte
}

// Comment reports whether the event is a comment-only block.
func (e Event) Comment() bool {
	return e.Type == EventComment
}

// Terminal reports whether the event ends a stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// FormatFrame encodes an event frame. Multi-line data is split across data lines.
func FormatFrame(eventType EventType, data []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\n", eventType)
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// NewEvent builds a gateway-originated event with its wire form.
func NewEvent(eventType EventType, data []byte) Event {
	return Event{Type: eventType, Data: data, Raw: FormatFrame(eventType, data)}
}

// ErrorPayload is the data of gateway-originated error events.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(code, message string) Event {
	data, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return NewEvent(EventError, data)
}

// errIncompleteFrame marks a stream that ended inside a frame.
var errIncompleteFrame = errors.New("stream ended mid-frame")

// ReadFrames parses frames from r and calls fn for each one in order. A block
// of comment lines (keepalives) is passed on as an EventComment; a comment
// inside a frame stays in that frame's Raw. It returns fn's error, the read
// error, or io.EOF when the stream ends cleanly between frames.
func ReadFrames(r io.Reader, fn func(Event) error) error {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 32<<10)
	}

	var raw bytes.Buffer
	var ev Event
	var data [][]byte
	inFrame := false
	inComment := false

	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && (err == nil || errors.Is(err, io.EOF)) {
			content := bytes.TrimRight(line, "\r\n")

			switch {
			case len(content) == 0:
				if err != nil {
					break
				}
				switch {
				case inFrame:
					raw.Write(line)
					ev.Data = bytes.Join(data, []byte("\n"))
					ev.Raw = append([]byte(nil), raw.Bytes()...)
					if ev.Type == "" {
						ev.Type = EventMessage
					}
					if ferr := fn(ev); ferr != nil {
						return ferr
					}
				case inComment:
					raw.Write(line)
					comment := Event{Type: EventComment, Raw: append([]byte(nil), raw.Bytes()...)}
					if ferr := fn(comment); ferr != nil {
						return ferr
					}
				}
				raw.Reset()
				ev = Event{}
				data = nil
				inFrame = false
				inComment = false
			case content[0] == ':':
				raw.Write(line)
				if !inFrame {
					inComment = true
				}
			default:
				inFrame = true
				raw.Write(line)
				field, value := splitField(content)
				switch field {
				case "event":
					ev.Type = EventType(value)
				case "data":
					data = append(data, append([]byte(nil), value...))
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				if inFrame {
					return errIncompleteFrame
				}
				return io.EOF
			}
			return err
		}
	}
}

func splitField(line []byte) (string, []byte) {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return string(line), nil
	}
	value := line[i+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return string(line[:i]), value
}
