package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies payload variants on the websocket and HTTP APIs.
type MessageType string

const (
	TypeUserEvent          MessageType = "user_event"
	TypeDialoguePrompt     MessageType = "dialogue_prompt"
	TypeValidationRejected MessageType = "validation_rejected"
	TypeFlowCompleted      MessageType = "flow_completed"
	TypeActivityStep       MessageType = "activity_step"
	TypeActivitySummary    MessageType = "activity_summary"
	TypeSessionExpired     MessageType = "session_expired"
	TypeReminderDue        MessageType = "reminder_due"
	TypeRateLimited        MessageType = "rate_limited"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

// Action is what an inbound user event asks for.
type Action string

const (
	ActionText            Action = "text"
	ActionStartFlow       Action = "start_flow"
	ActionCancel          Action = "cancel"
	ActionStartActivity   Action = "start_activity"
	ActionNextStep        Action = "next_step"
	ActionPrevStep        Action = "prev_step"
	ActionCurrentStep     Action = "current_step"
	ActionEndActivity     Action = "end_activity"
	ActionAbandonActivity Action = "abandon_activity"
	ActionStatus          Action = "status"
	ActionHelp            Action = "help"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidEvent    = errors.New("invalid user_event")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// UserEvent is the single inbound message: a typed reply, a button press
// or a command.
type UserEvent struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"user_id"`
	Action Action      `json:"action"`
	Text   string      `json:"text,omitempty"`
	Arg    string      `json:"arg,omitempty"`
}

type DialoguePrompt struct {
	Type    MessageType `json:"type"`
	UserID  string      `json:"user_id"`
	FlowID  string      `json:"flow_id"`
	StepID  string      `json:"step_id"`
	Text    string      `json:"text"`
	Options []string    `json:"options,omitempty"`
}

type ValidationRejected struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"user_id"`
	FlowID string      `json:"flow_id"`
	StepID string      `json:"step_id"`
	Reason string      `json:"reason"`
}

type FlowCompleted struct {
	Type    MessageType    `json:"type"`
	UserID  string         `json:"user_id"`
	FlowID  string         `json:"flow_id"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type ActivityStep struct {
	Type        MessageType `json:"type"`
	UserID      string      `json:"user_id"`
	ActivityID  string      `json:"activity_id"`
	Kind        string      `json:"kind"`
	Index       int         `json:"index"`
	Total       int         `json:"total"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	MediaURL    string      `json:"media_url,omitempty"`
	HasPrev     bool        `json:"has_prev"`
	HasNext     bool        `json:"has_next"`
	Moved       bool        `json:"moved"`
}

type ActivitySummary struct {
	Type            MessageType `json:"type"`
	UserID          string      `json:"user_id"`
	Kind            string      `json:"kind"`
	DurationMinutes int         `json:"duration_minutes"`
	CaloriesBurned  int         `json:"calories_burned"`
	StepsCompleted  int         `json:"steps_completed"`
	Saved           bool        `json:"saved"`
}

type SessionExpired struct {
	Type        MessageType `json:"type"`
	UserID      string      `json:"user_id"`
	ActivityID  string      `json:"activity_id"`
	Kind        string      `json:"kind"`
	IdleMinutes int         `json:"idle_minutes"`
	Text        string      `json:"text"`
}

type ReminderDue struct {
	Type       MessageType `json:"type"`
	UserID     string      `json:"user_id"`
	ReminderID string      `json:"reminder_id"`
	Kind       string      `json:"kind"`
	Slot       int         `json:"slot"`
	TimeOfDay  string      `json:"time_of_day"`
	Text       string      `json:"text"`
}

type RateLimited struct {
	Type              MessageType `json:"type"`
	UserID            string      `json:"user_id"`
	RetryAfterSeconds int         `json:"retry_after_seconds"`
	Text              string      `json:"text"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"user_id"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	UserID    string      `json:"user_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseUserEvent decodes and validates one inbound event. A missing action
// with non-empty text is treated as a typed reply.
func ParseUserEvent(raw []byte) (UserEvent, error) {
	msg, err := decodeUserEvent(raw)
	if err != nil {
		return UserEvent{}, err
	}
	return msg, msg.Normalize()
}

// ParseUserEventFor parses an event received on a connection bound to
// userID. The payload may omit user_id but must not name another user.
func ParseUserEventFor(raw []byte, userID string) (UserEvent, error) {
	msg, err := decodeUserEvent(raw)
	if err != nil {
		return UserEvent{}, err
	}
	if id := strings.TrimSpace(msg.UserID); id != "" && id != userID {
		return UserEvent{}, fmt.Errorf("%w: user_id %q does not match connection", ErrInvalidEvent, id)
	}
	msg.UserID = userID
	return msg, msg.Normalize()
}

func decodeUserEvent(raw []byte) (UserEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return UserEvent{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type != TypeUserEvent {
		return UserEvent{}, ErrUnsupportedType
	}
	var msg UserEvent
	if err := json.Unmarshal(raw, &msg); err != nil {
		return UserEvent{}, err
	}
	return msg, nil
}

// Normalize fills the default action and checks required fields.
func (e *UserEvent) Normalize() error {
	e.Type = TypeUserEvent
	e.UserID = strings.TrimSpace(e.UserID)
	e.Action = Action(strings.ToLower(strings.TrimSpace(string(e.Action))))
	if e.Action == "" && strings.TrimSpace(e.Text) != "" {
		e.Action = ActionText
	}
	if e.UserID == "" || e.Action == "" {
		return ErrInvalidEvent
	}
	return nil
}

// TypeOf reports the MessageType of any outbound or inbound payload.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case UserEvent:
		return m.Type, true
	case DialoguePrompt:
		return m.Type, true
	case ValidationRejected:
		return m.Type, true
	case FlowCompleted:
		return m.Type, true
	case ActivityStep:
		return m.Type, true
	case ActivitySummary:
		return m.Type, true
	case SessionExpired:
		return m.Type, true
	case ReminderDue:
		return m.Type, true
	case RateLimited:
		return m.Type, true
	case SystemEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
