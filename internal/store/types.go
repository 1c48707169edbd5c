// Package store persists reminders, completed activities and dialogue
// results. Live interaction state never reaches this layer.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/antoniostano/fitbuddy/internal/reminder"
)

var ErrKindMismatch = errors.New("reminder kind does not match replacement kind")

// ActivityLog is one completed guided activity.
type ActivityLog struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Kind            string    `json:"kind"`
	DurationMinutes int       `json:"duration_minutes"`
	CaloriesBurned  int       `json:"calories_burned"`
	StepsCompleted  int       `json:"steps_completed"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
}

// DialogueResult is the answer set of one completed flow.
type DialogueResult struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	FlowID    string          `json:"flow_id"`
	Answers   json.RawMessage `json:"answers"`
	CreatedAt time.Time       `json:"created_at"`
}

type ActivityStats struct {
	UserID         string     `json:"user_id"`
	Sessions       int        `json:"sessions"`
	TotalMinutes   int        `json:"total_minutes"`
	TotalCalories  int        `json:"total_calories"`
	TotalSteps     int        `json:"total_steps"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

// Store is the persistence gateway. Every method may fail with a wrapped
// backend error.
type Store interface {
	ListActiveReminders(ctx context.Context, minute string, day reminder.Weekday) ([]reminder.Record, error)
	ListReminders(ctx context.Context, userID string) ([]reminder.Record, error)
	ReplaceReminders(ctx context.Context, userID string, kind reminder.Kind, records []reminder.Record) error
	DeleteReminders(ctx context.Context, userID string, kind reminder.Kind) (int, error)
	SaveActivityLog(ctx context.Context, log ActivityLog) error
	ActivityStats(ctx context.Context, userID string) (ActivityStats, error)
	SaveDialogueResult(ctx context.Context, result DialogueResult) error
	DialogueHistory(ctx context.Context, userID, flowID string, limit int) ([]DialogueResult, error)
	Backend() string
	Ping(ctx context.Context) error
	Close() error
}

// prepareReminders validates a replacement set and fills defaults.
func prepareReminders(userID string, kind reminder.Kind, records []reminder.Record, now time.Time) ([]reminder.Record, error) {
	out := make([]reminder.Record, 0, len(records))
	for i, r := range records {
		r.UserID = userID
		if r.Kind == "" {
			r.Kind = kind
		}
		if r.Kind != kind {
			return nil, fmt.Errorf("%w: record %d is %q, want %q", ErrKindMismatch, i, r.Kind, kind)
		}
		days, err := reminder.NormalizeDays(r.Days)
		if err != nil {
			return nil, err
		}
		r.Days = days
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if r.ID == "" {
			r.ID = newID()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		out = append(out, r)
	}
	return out, nil
}

func prepareActivityLog(log ActivityLog) ActivityLog {
	if log.ID == "" {
		log.ID = newID()
	}
	if log.EndedAt.IsZero() {
		log.EndedAt = time.Now().UTC()
	}
	if log.StartedAt.IsZero() {
		log.StartedAt = log.EndedAt.Add(-time.Duration(log.DurationMinutes) * time.Minute)
	}
	return log
}

func prepareDialogueResult(r DialogueResult) DialogueResult {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if len(r.Answers) == 0 {
		r.Answers = json.RawMessage(`{}`)
	}
	return r
}
