package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// StepID names a step inside one flow.
type StepID string

// End is returned by a Selector to finish the flow.
const End StepID = ""

// Selector picks the step that follows a validated answer.
type Selector func(Answers) StepID

// Step is one prompt in a flow. Validated input is stored under Field.
// When Next is nil the following step in table order is used. A Final step
// completes the flow once its answer is accepted.
type Step struct {
	ID       StepID
	Field    string
	Prompt   string
	Options  []string
	Validate Validator
	Next     Selector
	Final    bool
}

// Outcome is what a completed flow reports back to the user.
type Outcome struct {
	Message string
	Data    map[string]any
}

// Action runs once with the full answer set when a flow completes.
type Action func(ctx context.Context, userID string, answers Answers) (Outcome, error)

type Flow struct {
	ID       string
	Title    string
	Steps    []Step
	Complete Action

	index map[StepID]int
}

var ErrBackwardTransition = errors.New("dialogue transition does not move forward")

// NewFlow checks the transition table: at least one step, unique IDs, a
// field and validator on every step. Forward-only movement is enforced
// when a transition is taken.
func NewFlow(id, title string, complete Action, steps ...Step) (*Flow, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("flow id is required")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("flow %s has no steps", id)
	}
	if complete == nil {
		return nil, fmt.Errorf("flow %s has no completion action", id)
	}
	f := &Flow{ID: id, Title: title, Steps: steps, Complete: complete, index: make(map[StepID]int, len(steps))}
	for i, s := range steps {
		if s.ID == End {
			return nil, fmt.Errorf("flow %s step %d has no id", id, i)
		}
		if _, dup := f.index[s.ID]; dup {
			return nil, fmt.Errorf("flow %s: duplicate step %q", id, s.ID)
		}
		if s.Field == "" || s.Validate == nil {
			return nil, fmt.Errorf("flow %s step %q needs a field and a validator", id, s.ID)
		}
		f.index[s.ID] = i
	}
	return f, nil
}

func (f *Flow) First() Step { return f.Steps[0] }

func (f *Flow) Step(id StepID) (Step, bool) {
	i, ok := f.index[id]
	if !ok {
		return Step{}, false
	}
	return f.Steps[i], true
}

// next resolves the step after current. End means the flow is complete.
func (f *Flow) next(current Step, answers Answers) (StepID, error) {
	if current.Final {
		return End, nil
	}
	pos := f.index[current.ID]
	var target StepID
	if current.Next != nil {
		target = current.Next(answers)
	} else if pos+1 < len(f.Steps) {
		target = f.Steps[pos+1].ID
	}
	if target == End {
		return End, nil
	}
	i, ok := f.index[target]
	if !ok {
		return End, fmt.Errorf("flow %s: step %q selects unknown step %q", f.ID, current.ID, target)
	}
	if i <= pos {
		return End, fmt.Errorf("%w: flow %s %q -> %q", ErrBackwardTransition, f.ID, current.ID, target)
	}
	return target, nil
}
