// Package activity models a guided multi-step activity (a workout) that a
// single user walks through with forward/back navigation.
package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

var ErrNotFound = errors.New("activity kind has no steps")

// Step is one entry of an activity program.
type Step struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	MediaURL    string `json:"media_url,omitempty" yaml:"media_url"`
}

// Lifecycle states.
const (
	StateActive    = "active"
	StateCompleted = "completed"
	StateAbandoned = "abandoned"
	StateExpired   = "expired"
)

// Lifecycle events.
const (
	EventComplete = "complete"
	EventAbandon  = "abandon"
	EventExpire   = "expire"
)

// Session is one in-progress activity. It is not safe for concurrent use;
// the session store serializes access.
type Session struct {
	ID             string
	Kind           string
	Steps          []Step
	Cursor         int
	StartedAt      time.Time
	LastActivityAt time.Time
	CompletedCount int

	lifecycle *fsm.FSM
}

// Snapshot is a copy of a session safe to hand out of the store.
type Snapshot struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	State          string    `json:"state"`
	Cursor         int       `json:"cursor"`
	TotalSteps     int       `json:"total_steps"`
	Current        Step      `json:"current"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CompletedCount int       `json:"completed_count"`
}

// Summary is computed when an activity is completed.
type Summary struct {
	Kind            string `json:"kind"`
	DurationMinutes int    `json:"duration_minutes"`
	CaloriesBurned  int    `json:"calories_burned"`
	StepsCompleted  int    `json:"steps_completed"`
}

// NewSession starts a session at the first step. It fails with ErrNotFound
// when steps is empty.
func NewSession(kind string, steps []Step, now time.Time) (*Session, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, kind)
	}
	cp := make([]Step, len(steps))
	copy(cp, steps)
	return &Session{
		ID:             uuid.NewString(),
		Kind:           kind,
		Steps:          cp,
		StartedAt:      now,
		LastActivityAt: now,
		lifecycle:      newLifecycle(),
	}, nil
}

func newLifecycle() *fsm.FSM {
	return fsm.NewFSM(
		StateActive,
		fsm.Events{
			{Name: EventComplete, Src: []string{StateActive}, Dst: StateCompleted},
			{Name: EventAbandon, Src: []string{StateActive}, Dst: StateAbandoned},
			{Name: EventExpire, Src: []string{StateActive}, Dst: StateExpired},
		},
		fsm.Callbacks{},
	)
}

// Current returns the step under the cursor.
func (s *Session) Current() Step {
	return s.Steps[s.Cursor]
}

// State returns the lifecycle state.
func (s *Session) State() string {
	return s.lifecycle.Current()
}

// Active reports whether the session can still be navigated.
func (s *Session) Active() bool {
	return s.lifecycle.Is(StateActive)
}

// Forward moves to the next step. At the last step it is a no-op and
// returns false.
func (s *Session) Forward(now time.Time) (Step, bool) {
	if s.Cursor+1 >= len(s.Steps) {
		return Step{}, false
	}
	s.Cursor++
	s.CompletedCount++
	s.LastActivityAt = now
	return s.Steps[s.Cursor], true
}

// Backward moves to the previous step. At the first step it is a no-op.
func (s *Session) Backward(now time.Time) (Step, bool) {
	if s.Cursor == 0 {
		return Step{}, false
	}
	s.Cursor--
	s.LastActivityAt = now
	return s.Steps[s.Cursor], true
}

// Touch refreshes the idle clock without moving the cursor.
func (s *Session) Touch(now time.Time) {
	s.LastActivityAt = now
}

// IdleFor is the time since the last navigation.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}

// Complete ends the session and computes its summary.
func (s *Session) Complete(ctx context.Context, now time.Time, caloriesPerMinute int) (Summary, error) {
	if err := s.lifecycle.Event(ctx, EventComplete); err != nil {
		return Summary{}, fmt.Errorf("complete activity %s: %w", s.ID, err)
	}
	minutes := int(now.Sub(s.StartedAt) / time.Minute)
	if minutes < 0 {
		minutes = 0
	}
	return Summary{
		Kind:            s.Kind,
		DurationMinutes: minutes,
		CaloriesBurned:  caloriesPerMinute * minutes,
		StepsCompleted:  s.CompletedCount,
	}, nil
}

// Abandon ends the session without a summary.
func (s *Session) Abandon(ctx context.Context) error {
	if err := s.lifecycle.Event(ctx, EventAbandon); err != nil {
		return fmt.Errorf("abandon activity %s: %w", s.ID, err)
	}
	return nil
}

// Expire marks the session as swept for inactivity.
func (s *Session) Expire(ctx context.Context) error {
	if err := s.lifecycle.Event(ctx, EventExpire); err != nil {
		return fmt.Errorf("expire activity %s: %w", s.ID, err)
	}
	return nil
}

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:             s.ID,
		Kind:           s.Kind,
		State:          s.State(),
		Cursor:         s.Cursor,
		TotalSteps:     len(s.Steps),
		Current:        s.Current(),
		StartedAt:      s.StartedAt,
		LastActivityAt: s.LastActivityAt,
		CompletedCount: s.CompletedCount,
	}
}
