package model

import (
	"encoding/json"
	"fmt"
)

// Payload is implemented by every typed task payload. The queue itself stores
// raw JSON; only consumers decode it.
type Payload interface {
	TaskType() TaskType
}

type DiscoverPayload struct {
	Keywords []string `json:"keywords"`
	Limit    int      `json:"limit,omitempty"`
}

func (DiscoverPayload) TaskType() TaskType { return TaskDiscover }

type PostPayload struct {
	EngagementID int64  `json:"engagement_id"`
	TargetID     string `json:"target_id"`
	TargetURL    string `json:"target_url,omitempty"`
	Text         string `json:"text"`
}

func (PostPayload) TaskType() TaskType { return TaskPost }

type TrackPayload struct {
	EngagementID int64      `json:"engagement_id"`
	ExternalID   string     `json:"external_id"`
	Checkpoint   Checkpoint `json:"checkpoint"`
}

func (TrackPayload) TaskType() TaskType { return TaskTrack }

// EncodePayload marshals a typed payload for storage on a task.
func EncodePayload(p Payload) (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.TaskType(), err)
	}
	return b, nil
}

// DecodePayload returns the payload variant selected by the task type.
func DecodePayload(t *Task) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t.Type {
	case TaskDiscover:
		var d DiscoverPayload
		err = json.Unmarshal(t.Payload, &d)
		p = d
	case TaskPost:
		var d PostPayload
		err = json.Unmarshal(t.Payload, &d)
		p = d
	case TaskTrack:
		var d TrackPayload
		err = json.Unmarshal(t.Payload, &d)
		p = d
	default:
		return nil, fmt.Errorf("unknown task type %q", t.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload for task %d: %w", t.Type, t.ID, err)
	}
	return p, nil
}
