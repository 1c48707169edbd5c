// Package session keeps per-user interaction state in memory: the active
// dialogue and the active guided activity. All mutations go through one
// lock so the inactivity sweeper and user events never interleave on the
// same record.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/antoniostano/fitbuddy/internal/activity"
	"github.com/antoniostano/fitbuddy/internal/dialogue"
	"github.com/antoniostano/fitbuddy/internal/observability"
)

var ErrNoActiveSession = errors.New("no active activity session")

const DefaultInactivityTimeout = 30 * time.Minute

type Direction int

const (
	Forward Direction = iota
	Backward
)

// Expired describes one session removed by the sweeper.
type Expired struct {
	UserID   string
	Activity activity.Snapshot
	IdleFor  time.Duration
}

// UserState is a copy of everything held for a user.
type UserState struct {
	UserID   string             `json:"user_id"`
	Dialogue *dialogue.State    `json:"dialogue,omitempty"`
	Activity *activity.Snapshot `json:"activity,omitempty"`
}

type record struct {
	dialogue *dialogue.State
	activity *activity.Session
}

func (r *record) empty() bool { return r.dialogue == nil && r.activity == nil }

type Store struct {
	mu                sync.RWMutex
	users             map[string]*record
	inactivityTimeout time.Duration
	rates             func(kind string) int
	onExpire          func(context.Context, Expired)
	nowFn             func() time.Time
	metrics           *observability.Metrics
	logger            *slog.Logger
}

// NewStore creates an empty store. rates returns the calories-per-minute
// figure used for activity summaries.
func NewStore(inactivityTimeout time.Duration, rates func(kind string) int, metrics *observability.Metrics) *Store {
	if inactivityTimeout <= 0 {
		inactivityTimeout = DefaultInactivityTimeout
	}
	if rates == nil {
		rates = func(string) int { return activity.DefaultCaloriesPerMinute }
	}
	return &Store{
		users:             make(map[string]*record),
		inactivityTimeout: inactivityTimeout,
		rates:             rates,
		nowFn:             func() time.Time { return time.Now().UTC() },
		metrics:           metrics,
		logger:            slog.Default().With(slog.String("component", "session_store")),
	}
}

func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = now
}

// SetExpireHook registers fn to run once per swept session, after the
// store lock has been released.
func (s *Store) SetExpireHook(fn func(context.Context, Expired)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExpire = fn
}

func (s *Store) InactivityTimeout() time.Duration { return s.inactivityTimeout }

// entry returns the record for userID, creating it. Caller holds s.mu.
func (s *Store) entry(userID string) *record {
	r, ok := s.users[userID]
	if !ok {
		r = &record{}
		s.users[userID] = r
	}
	return r
}

// prune drops userID when nothing is left. Caller holds s.mu.
func (s *Store) prune(userID string) {
	if r, ok := s.users[userID]; ok && r.empty() {
		delete(s.users, userID)
	}
}

func (s *Store) activeSession(userID string) (*activity.Session, bool) {
	r, ok := s.users[userID]
	if !ok || r.activity == nil || !r.activity.Active() {
		return nil, false
	}
	return r.activity, true
}

func (s *Store) Get(userID string) UserState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := UserState{UserID: userID}
	r, ok := s.users[userID]
	if !ok {
		return out
	}
	if r.dialogue != nil {
		st := r.dialogue.Clone()
		out.Dialogue = &st
	}
	if r.activity != nil {
		snap := r.activity.Snapshot()
		out.Activity = &snap
	}
	return out
}

// StartActivity begins kind for userID, replacing any session in progress.
func (s *Store) StartActivity(userID, kind string, steps []activity.Step) (activity.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := activity.NewSession(kind, steps, s.nowFn())
	if err != nil {
		return activity.Snapshot{}, err
	}
	r := s.entry(userID)
	if r.activity != nil {
		s.metrics.IncSession("replaced")
	}
	r.activity = sess
	s.metrics.IncSession("started")
	return sess.Snapshot(), nil
}

// Advance moves the cursor. The bool is false when the move hit a boundary;
// the idle clock is refreshed either way.
func (s *Store) Advance(userID string, dir Direction) (activity.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.activeSession(userID)
	if !ok {
		return activity.Snapshot{}, false, ErrNoActiveSession
	}
	now := s.nowFn()
	var moved bool
	switch dir {
	case Backward:
		_, moved = sess.Backward(now)
	default:
		_, moved = sess.Forward(now)
	}
	if !moved {
		sess.Touch(now)
	}
	return sess.Snapshot(), moved, nil
}

// Current reports the session without refreshing its idle clock.
func (s *Store) Current(userID string) (activity.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.activeSession(userID)
	if !ok {
		return activity.Snapshot{}, ErrNoActiveSession
	}
	return sess.Snapshot(), nil
}

// EndActivity completes the session and removes it in one step.
func (s *Store) EndActivity(ctx context.Context, userID string) (activity.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.activeSession(userID)
	if !ok {
		return activity.Summary{}, ErrNoActiveSession
	}
	sum, err := sess.Complete(ctx, s.nowFn(), s.rates(sess.Kind))
	if err != nil {
		return activity.Summary{}, err
	}
	s.users[userID].activity = nil
	s.prune(userID)
	s.metrics.IncSession("completed")
	return sum, nil
}

// AbandonActivity removes the session without a summary.
func (s *Store) AbandonActivity(ctx context.Context, userID string) (activity.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.activeSession(userID)
	if !ok {
		return activity.Snapshot{}, ErrNoActiveSession
	}
	if err := sess.Abandon(ctx); err != nil {
		return activity.Snapshot{}, err
	}
	snap := sess.Snapshot()
	s.users[userID].activity = nil
	s.prune(userID)
	s.metrics.IncSession("abandoned")
	return snap, nil
}

func (s *Store) Dialogue(userID string) (dialogue.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.users[userID]
	if !ok || r.dialogue == nil {
		return dialogue.State{}, false
	}
	return r.dialogue.Clone(), true
}

func (s *Store) SetDialogue(userID string, st dialogue.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := st.Clone()
	s.entry(userID).dialogue = &c
}

func (s *Store) ClearDialogue(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.users[userID]; ok {
		r.dialogue = nil
		s.prune(userID)
	}
}

func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.users {
		if r.activity != nil && r.activity.Active() {
			n++
		}
	}
	return n
}

// Sweep expires every activity idle for longer than the inactivity timeout
// and removes it. The expire hook runs after the lock is released, once per
// session; a panicking hook is logged and does not stop the others.
func (s *Store) Sweep(ctx context.Context) []Expired {
	started := time.Now()
	expired, hook := s.collectExpired(ctx)

	for range expired {
		s.metrics.IncSession("expired")
		s.metrics.CountEvent("activity_expired")
	}
	if hook != nil {
		for _, e := range expired {
			s.runHook(ctx, hook, e)
		}
	}
	s.metrics.ObserveTick(observability.StageSweep, time.Since(started))
	return expired
}

func (s *Store) collectExpired(ctx context.Context) ([]Expired, func(context.Context, Expired)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []Expired
	now := s.nowFn()
	for userID, r := range s.users {
		if r.activity == nil || !r.activity.Active() {
			continue
		}
		idle := r.activity.IdleFor(now)
		if idle <= s.inactivityTimeout {
			continue
		}
		if err := r.activity.Expire(ctx); err != nil {
			s.logger.Warn("expire activity failed", slog.String("user_id", userID), slog.Any("error", err))
			continue
		}
		expired = append(expired, Expired{UserID: userID, Activity: r.activity.Snapshot(), IdleFor: idle})
		r.activity = nil
		s.prune(userID)
	}
	return expired, s.onExpire
}

func (s *Store) runHook(ctx context.Context, hook func(context.Context, Expired), e Expired) {
	defer func() {
		if rec := recover(); rec != nil {
			s.metrics.CountEvent("expire_hook_panic")
			s.logger.Error("expire hook panicked", slog.String("user_id", e.UserID), slog.Any("panic", rec))
		}
	}()
	hook(ctx, e)
}

// StartJanitor sweeps every interval until ctx is cancelled. The returned
// channel closes after the last in-flight sweep has finished.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.janitorTick(context.WithoutCancel(ctx))
			}
		}
	}()
	return done
}

func (s *Store) janitorTick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("sweep panicked", slog.Any("panic", rec))
		}
	}()
	if n := len(s.Sweep(ctx)); n > 0 {
		s.logger.Info("expired idle activities", slog.Int("count", n))
	}
	s.metrics.SetActiveActivities(s.ActiveCount())
}
