package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/antoniostano/fitbuddy/internal/reminder"
)

// InMemoryStore is a process-local store for development and tests.
type InMemoryStore struct {
	mu         sync.RWMutex
	reminders  map[string][]reminder.Record
	activities map[string][]ActivityLog
	results    map[string][]DialogueResult
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		reminders:  make(map[string][]reminder.Record),
		activities: make(map[string][]ActivityLog),
		results:    make(map[string][]DialogueResult),
	}
}

func copyRecord(r reminder.Record) reminder.Record {
	r.Days = append([]reminder.Weekday(nil), r.Days...)
	if len(r.Days) == 0 {
		r.Days = nil
	}
	return r
}

func sortReminders(out []reminder.Record) {
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Slot < b.Slot
	})
}

func (s *InMemoryStore) ListActiveReminders(_ context.Context, minute string, day reminder.Weekday) ([]reminder.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []reminder.Record
	for _, recs := range s.reminders {
		for _, r := range recs {
			if r.Matches(minute, day) {
				out = append(out, copyRecord(r))
			}
		}
	}
	sortReminders(out)
	return out, nil
}

func (s *InMemoryStore) ListReminders(_ context.Context, userID string) ([]reminder.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.reminders[userID]
	out := make([]reminder.Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, copyRecord(r))
	}
	sortReminders(out)
	return out, nil
}

func (s *InMemoryStore) ReplaceReminders(_ context.Context, userID string, kind reminder.Kind, records []reminder.Record) error {
	prepared, err := prepareReminders(userID, kind, records, time.Now().UTC())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make([]reminder.Record, 0, len(s.reminders[userID])+len(prepared))
	for _, r := range s.reminders[userID] {
		if r.Kind != kind {
			kept = append(kept, r)
		}
	}
	for _, r := range prepared {
		kept = append(kept, copyRecord(r))
	}
	if len(kept) == 0 {
		delete(s.reminders, userID)
		return nil
	}
	s.reminders[userID] = kept
	return nil
}

func (s *InMemoryStore) DeleteReminders(_ context.Context, userID string, kind reminder.Kind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.reminders[userID][:0:0]
	removed := 0
	for _, r := range s.reminders[userID] {
		if kind != "" && r.Kind != kind {
			kept = append(kept, r)
			continue
		}
		removed++
	}
	if len(kept) == 0 {
		delete(s.reminders, userID)
	} else {
		s.reminders[userID] = kept
	}
	return removed, nil
}

func (s *InMemoryStore) SaveActivityLog(_ context.Context, log ActivityLog) error {
	log = prepareActivityLog(log)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities[log.UserID] = append(s.activities[log.UserID], log)
	return nil
}

func (s *InMemoryStore) ActivityStats(_ context.Context, userID string) (ActivityStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := ActivityStats{UserID: userID}
	for _, l := range s.activities[userID] {
		stats.Sessions++
		stats.TotalMinutes += l.DurationMinutes
		stats.TotalCalories += l.CaloriesBurned
		stats.TotalSteps += l.StepsCompleted
		if stats.LastActivityAt == nil || l.EndedAt.After(*stats.LastActivityAt) {
			ended := l.EndedAt
			stats.LastActivityAt = &ended
		}
	}
	return stats, nil
}

func (s *InMemoryStore) SaveDialogueResult(_ context.Context, result DialogueResult) error {
	result = prepareDialogueResult(result)
	result.Answers = append([]byte(nil), result.Answers...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.UserID] = append(s.results[result.UserID], result)
	return nil
}

// DialogueHistory returns the newest results first. An empty flowID
// matches every flow.
func (s *InMemoryStore) DialogueHistory(_ context.Context, userID, flowID string, limit int) ([]DialogueResult, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.results[userID]
	out := make([]DialogueResult, 0, limit)
	for i := len(arr) - 1; i >= 0 && len(out) < limit; i-- {
		if flowID != "" && arr[i].FlowID != flowID {
			continue
		}
		r := arr[i]
		r.Answers = append([]byte(nil), r.Answers...)
		out = append(out, r)
	}
	return out, nil
}

func (s *InMemoryStore) Backend() string { return "memory" }

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
