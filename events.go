package flowuni

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// EventType tags the application-level payload carried by a USER_EVENT
// stream frame.
type EventType string

const (
	// EventTestCaseStatusUpdate carries a partial status update for one
	// test case.
	EventTestCaseStatusUpdate EventType = "TEST_CASE_STATUS_UPDATE"

	// EventUnrecognized is the variant assigned to payloads whose
	// event_type the client does not know. Such events are logged and
	// dropped, never treated as errors.
	EventUnrecognized EventType = ""
)

// UserEvent is the decoded form of a USER_EVENT frame's data payload.
// Exactly one of the typed payload fields is set, selected by Type.
type UserEvent struct {
	// Type selects the payload variant. EventUnrecognized means the
	// event_type was unknown; RawType then holds the original tag.
	Type    EventType
	RawType string

	// StatusUpdate is set when Type is EventTestCaseStatusUpdate.
	StatusUpdate *CaseUpdate
}

// userEventEnvelope is the wire shape of a USER_EVENT data payload.
type userEventEnvelope struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// statusUpdatePayload is the wire shape of a TEST_CASE_STATUS_UPDATE
// payload. Pointer fields distinguish "absent" from zero values so the
// partial-update semantics survive decoding.
type statusUpdatePayload struct {
	CaseID       json.Number     `json:"case_id"`
	Status       *CaseStatus     `json:"status"`
	ErrorMessage *string         `json:"error_message"`
	ChatOutput   json.RawMessage `json:"chat_output"`
}

// ParseUserEvent decodes a USER_EVENT data payload into its tagged
// variant. Unknown event types yield an EventUnrecognized variant with
// a nil error; only malformed JSON or an invalid known payload returns
// an error.
func ParseUserEvent(data []byte) (UserEvent, error) {
	var env userEventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return UserEvent{}, fmt.Errorf("events: decode envelope: %w", err)
	}

	switch EventType(env.EventType) {
	case EventTestCaseStatusUpdate:
		upd, err := parseStatusUpdate(env.Payload)
		if err != nil {
			return UserEvent{}, err
		}
		return UserEvent{Type: EventTestCaseStatusUpdate, RawType: env.EventType, StatusUpdate: &upd}, nil
	default:
		return UserEvent{Type: EventUnrecognized, RawType: env.EventType}, nil
	}
}

// ParseStatusUpdate decodes a bare TEST_CASE_STATUS_UPDATE payload, the
// data shape of an UPDATE frame (no event_type envelope).
func ParseStatusUpdate(payload []byte) (CaseUpdate, error) {
	return parseStatusUpdate(payload)
}

func parseStatusUpdate(payload []byte) (CaseUpdate, error) {
	var p statusUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return CaseUpdate{}, fmt.Errorf("events: decode status update: %w", err)
	}

	// case_id arrives as a JSON number but is keyed as its string form.
	id, err := p.CaseID.Int64()
	if err != nil {
		return CaseUpdate{}, fmt.Errorf("events: case_id %q: %w", p.CaseID.String(), err)
	}
	if p.Status != nil && !p.Status.Valid() {
		return CaseUpdate{}, fmt.Errorf("events: unknown status %q for case %d", *p.Status, id)
	}

	return CaseUpdate{
		CaseID:       strconv.FormatInt(id, 10),
		Status:       p.Status,
		ErrorMessage: p.ErrorMessage,
		ChatOutput:   p.ChatOutput,
	}, nil
}
