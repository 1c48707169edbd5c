// Package dialogue runs multi-step question flows. Each user has at most
// one active dialogue; answers are validated per step and handed to the
// flow's completion action once the last step is accepted.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNoActiveDialogue = errors.New("no active dialogue")
	ErrUnknownFlow      = errors.New("unknown flow")
	// ErrBrokenFlow means a flow's transition table led nowhere valid. The
	// dialogue is discarded, so resubmitting cannot help.
	ErrBrokenFlow       = errors.New("dialogue flow is misconfigured")
)

// State is a user's position in a flow.
type State struct {
	FlowID    string    `json:"flow_id"`
	StepID    StepID    `json:"step_id"`
	Answers   Answers   `json:"answers"`
	StartedAt time.Time `json:"started_at"`
}

func (s State) Clone() State {
	s.Answers = s.Answers.Clone()
	return s
}

// StateStore persists the active dialogue per user. Implementations must
// return copies.
type StateStore interface {
	Dialogue(userID string) (State, bool)
	SetDialogue(userID string, st State)
	ClearDialogue(userID string)
}

type Prompt struct {
	FlowID  string
	StepID  StepID
	Text    string
	Options []string
}

type Status string

const (
	StatusRejected  Status = "rejected"
	StatusNext      Status = "next"
	StatusCompleted Status = "completed"
)

type StepResult struct {
	Status  Status
	FlowID  string
	StepID  StepID
	Reason  string
	Prompt  Prompt
	Outcome Outcome
}

type FlowInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Steps int    `json:"steps"`
}

type Engine struct {
	store StateStore

	mu    sync.RWMutex
	flows map[string]*Flow
	order []string
	nowFn func() time.Time
}

func NewEngine(store StateStore, flows ...*Flow) (*Engine, error) {
	e := &Engine{store: store, flows: make(map[string]*Flow, len(flows)), nowFn: time.Now}
	for _, f := range flows {
		if f == nil {
			continue
		}
		if _, dup := e.flows[f.ID]; dup {
			return nil, fmt.Errorf("duplicate flow %q", f.ID)
		}
		e.flows[f.ID] = f
		e.order = append(e.order, f.ID)
	}
	return e, nil
}

func (e *Engine) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	e.mu.Lock()
	e.nowFn = now
	e.mu.Unlock()
}

func (e *Engine) flow(id string) (*Flow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.flows[id]
	return f, ok
}

func (e *Engine) Flows() []FlowInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]FlowInfo, 0, len(e.order))
	for _, id := range e.order {
		f := e.flows[id]
		out = append(out, FlowInfo{ID: f.ID, Title: f.Title, Steps: len(f.Steps)})
	}
	return out
}

func promptFor(f *Flow, s Step) Prompt {
	return Prompt{FlowID: f.ID, StepID: s.ID, Text: s.Prompt, Options: append([]string(nil), s.Options...)}
}

// Start begins flowID for userID, discarding any dialogue in progress.
func (e *Engine) Start(userID, flowID string) (Prompt, error) {
	f, ok := e.flow(flowID)
	if !ok {
		return Prompt{}, fmt.Errorf("%w: %q", ErrUnknownFlow, flowID)
	}
	e.mu.RLock()
	now := e.nowFn()
	e.mu.RUnlock()
	first := f.First()
	e.store.SetDialogue(userID, State{FlowID: f.ID, StepID: first.ID, StartedAt: now})
	return promptFor(f, first), nil
}

// Current re-issues the prompt for the user's pending step.
func (e *Engine) Current(userID string) (Prompt, error) {
	st, ok := e.store.Dialogue(userID)
	if !ok {
		return Prompt{}, ErrNoActiveDialogue
	}
	f, ok := e.flow(st.FlowID)
	if !ok {
		e.store.ClearDialogue(userID)
		return Prompt{}, ErrNoActiveDialogue
	}
	step, ok := f.Step(st.StepID)
	if !ok {
		e.store.ClearDialogue(userID)
		return Prompt{}, ErrNoActiveDialogue
	}
	return promptFor(f, step), nil
}

// Submit validates raw against the pending step. A rejection leaves the
// state untouched. When the completion action fails the dialogue stays on
// its last step and the error is returned.
func (e *Engine) Submit(ctx context.Context, userID, raw string) (StepResult, error) {
	st, ok := e.store.Dialogue(userID)
	if !ok {
		return StepResult{}, ErrNoActiveDialogue
	}
	f, ok := e.flow(st.FlowID)
	if !ok {
		e.store.ClearDialogue(userID)
		return StepResult{}, ErrNoActiveDialogue
	}
	step, ok := f.Step(st.StepID)
	if !ok {
		e.store.ClearDialogue(userID)
		return StepResult{}, ErrNoActiveDialogue
	}

	value, err := step.Validate(raw, st.Answers)
	if err != nil {
		var rej *RejectionError
		if !errors.As(err, &rej) {
			rej = &RejectionError{Reason: err.Error()}
		}
		return StepResult{Status: StatusRejected, FlowID: f.ID, StepID: step.ID, Reason: rej.Reason, Prompt: promptFor(f, step)}, nil
	}

	answers := st.Answers.Clone()
	answers.Set(step.Field, value)

	target, err := f.next(step, answers)
	if err != nil {
		e.store.ClearDialogue(userID)
		return StepResult{}, fmt.Errorf("%w: %w", ErrBrokenFlow, err)
	}
	if target != End {
		nextStep, _ := f.Step(target)
		st.StepID = target
		st.Answers = answers
		e.store.SetDialogue(userID, st)
		return StepResult{Status: StatusNext, FlowID: f.ID, StepID: target, Prompt: promptFor(f, nextStep)}, nil
	}

	outcome, err := f.Complete(ctx, userID, answers)
	if err != nil {
		return StepResult{}, fmt.Errorf("complete flow %s: %w", f.ID, err)
	}
	e.store.ClearDialogue(userID)
	return StepResult{Status: StatusCompleted, FlowID: f.ID, StepID: step.ID, Outcome: outcome}, nil
}

func (e *Engine) Cancel(userID string) error {
	if _, ok := e.store.Dialogue(userID); !ok {
		return ErrNoActiveDialogue
	}
	e.store.ClearDialogue(userID)
	return nil
}
