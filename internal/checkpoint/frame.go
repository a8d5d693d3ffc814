// ABOUTME: Decoding of checkpoint event payloads emitted by the compute engine
// ABOUTME: Accepts either an explicit deadline or a relative timeout

package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Frame is the data of a `checkpoint` stream event.
type Frame struct {
	ID             string          `json:"id"`
	CheckpointID   string          `json:"checkpoint_id"`
	Title          string          `json:"title"`
	Options        json.RawMessage `json:"options"`
	ProposedAction json.RawMessage `json:"proposed_action"`
	Deadline       *time.Time      `json:"deadline"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}

// Key is the engine's checkpoint ID, if it sent one.
func (f Frame) Key() string {
	if f.ID != "" {
		return f.ID
	}
	return f.CheckpointID
}

// ParseFrame decodes a checkpoint event payload.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decoding checkpoint frame: %w", err)
	}
	if isNull(f.Options) {
		f.Options = nil
	}
	if isNull(f.ProposedAction) {
		f.ProposedAction = nil
	}
	return f, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// optionIDs lists the selectable option identifiers. Options may be plain
// strings or objects carrying an "id".
func optionIDs(raw json.RawMessage) ([]string, error) {
	if isNull(raw) {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("options are not a list: %w", err)
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			ids = append(ids, s)
			continue
		}
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(item, &obj); err == nil && obj.ID != "" {
			ids = append(ids, obj.ID)
		}
	}
	return ids, nil
}
