package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/fitbuddy/internal/activity"
	"github.com/antoniostano/fitbuddy/internal/dialogue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func steps(n int) []activity.Step {
	out := make([]activity.Step, n)
	for i := range out {
		out[i] = activity.Step{Name: fmt.Sprintf("step-%d", i+1)}
	}
	return out
}

func newTestStore(timeout time.Duration) (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC)}
	s := NewStore(timeout, func(string) int { return 5 }, nil)
	s.SetClock(clock.Now)
	return s, clock
}

func TestStartAdvanceEnd(t *testing.T) {
	s, clock := newTestStore(time.Hour)
	if _, err := s.StartActivity("u1", "strength", steps(3)); err != nil {
		t.Fatalf("StartActivity() error = %v", err)
	}

	snap, moved, err := s.Advance("u1", Forward)
	if err != nil || !moved || snap.Cursor != 1 {
		t.Fatalf("Advance(Forward) = %+v, %v, %v", snap, moved, err)
	}
	s.Advance("u1", Forward)
	snap, moved, err = s.Advance("u1", Forward)
	if err != nil || moved || snap.Cursor != 2 {
		t.Fatalf("Advance past end = %+v, %v, %v; want no-op on last step", snap, moved, err)
	}

	clock.Advance(10 * time.Minute)
	sum, err := s.EndActivity(context.Background(), "u1")
	if err != nil {
		t.Fatalf("EndActivity() error = %v", err)
	}
	if sum.DurationMinutes != 10 || sum.CaloriesBurned != 50 || sum.StepsCompleted != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if _, err := s.EndActivity(context.Background(), "u1"); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("second EndActivity() error = %v, want ErrNoActiveSession", err)
	}
}

func TestStartActivityWithoutSteps(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	if _, err := s.StartActivity("u1", "none", nil); !errors.Is(err, activity.ErrNotFound) {
		t.Fatalf("StartActivity() error = %v, want activity.ErrNotFound", err)
	}
	if got := s.Get("u1"); got.Activity != nil {
		t.Fatalf("activity created for empty kind")
	}
}

func TestAdvanceWithoutSession(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	if _, _, err := s.Advance("ghost", Forward); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("Advance() error = %v, want ErrNoActiveSession", err)
	}
	if _, err := s.Current("ghost"); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("Current() error = %v, want ErrNoActiveSession", err)
	}
}

func TestSweepExpiresOnlyIdleSessions(t *testing.T) {
	s, clock := newTestStore(30 * time.Minute)
	var hooked []Expired
	s.SetExpireHook(func(_ context.Context, e Expired) { hooked = append(hooked, e) })

	s.StartActivity("idle", "strength", steps(2))
	s.StartActivity("busy", "strength", steps(2))

	clock.Advance(20 * time.Minute)
	s.Advance("busy", Forward)
	clock.Advance(15 * time.Minute)

	expired := s.Sweep(context.Background())
	if len(expired) != 1 || expired[0].UserID != "idle" {
		t.Fatalf("Sweep() = %+v, want only idle", expired)
	}
	if expired[0].Activity.State != activity.StateExpired {
		t.Fatalf("expired state = %q", expired[0].Activity.State)
	}
	if len(hooked) != 1 {
		t.Fatalf("hook called %d times, want 1", len(hooked))
	}
	if _, err := s.EndActivity(context.Background(), "idle"); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("EndActivity() after sweep error = %v, want ErrNoActiveSession", err)
	}
	if _, err := s.Current("busy"); err != nil {
		t.Fatalf("busy session lost: %v", err)
	}
	if s.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", s.ActiveCount())
	}
}

func TestSweepExpiryThreshold(t *testing.T) {
	cases := []struct {
		name   string
		idle   time.Duration
		expire bool
	}{
		{"exactly timeout", 30 * time.Minute, false},
		{"touched one second before tick", time.Second, false},
		{"one second short of timeout", 30*time.Minute - time.Second, false},
		{"one minute past timeout", 31 * time.Minute, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, clock := newTestStore(30 * time.Minute)
			notified := 0
			s.SetExpireHook(func(context.Context, Expired) { notified++ })
			s.StartActivity("u1", "cardio", steps(2))
			clock.Advance(tc.idle)

			got := s.Sweep(context.Background())
			want := 0
			if tc.expire {
				want = 1
			}
			if len(got) != want || notified != want {
				t.Fatalf("Sweep() after %v idle expired %d, notified %d; want %d", tc.idle, len(got), notified, want)
			}
			if again := s.Sweep(context.Background()); len(again) != 0 || notified != want {
				t.Fatalf("second Sweep() expired %d, notified %d", len(again), notified)
			}
		})
	}
}

func TestCurrentDoesNotRefreshIdleClock(t *testing.T) {
	s, clock := newTestStore(30 * time.Minute)
	s.StartActivity("u1", "strength", steps(3))
	clock.Advance(29 * time.Minute)
	if _, err := s.Current("u1"); err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	clock.Advance(2 * time.Minute)
	if got := s.Sweep(context.Background()); len(got) != 1 {
		t.Fatalf("Sweep() expired %d sessions; Current() must not count as activity", len(got))
	}
}

func TestSweepSurvivesPanickingHook(t *testing.T) {
	s, clock := newTestStore(time.Minute)
	calls := 0
	s.SetExpireHook(func(_ context.Context, e Expired) {
		calls++
		panic("hook failure for " + e.UserID)
	})
	s.StartActivity("u1", "cardio", steps(2))
	s.StartActivity("u2", "cardio", steps(2))
	clock.Advance(2 * time.Minute)

	if got := s.Sweep(context.Background()); len(got) != 2 {
		t.Fatalf("Sweep() expired %d sessions, want 2", len(got))
	}
	if calls != 2 {
		t.Fatalf("hook called %d times, want 2", calls)
	}
	if s.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d after sweep", s.ActiveCount())
	}
}

func TestBoundaryNoopRefreshesIdleClock(t *testing.T) {
	s, clock := newTestStore(30 * time.Minute)
	s.StartActivity("u1", "yoga", steps(1))
	clock.Advance(25 * time.Minute)
	if _, moved, _ := s.Advance("u1", Backward); moved {
		t.Fatalf("Backward() on first step moved")
	}
	clock.Advance(10 * time.Minute)
	if got := s.Sweep(context.Background()); len(got) != 0 {
		t.Fatalf("Sweep() expired a session touched 10 minutes ago")
	}
}

func TestHookMayCallBackIntoStore(t *testing.T) {
	s, clock := newTestStore(time.Minute)
	s.SetExpireHook(func(_ context.Context, e Expired) {
		s.Get(e.UserID)
		s.ClearDialogue(e.UserID)
	})
	s.StartActivity("u1", "cardio", steps(2))
	clock.Advance(2 * time.Minute)

	done := make(chan struct{})
	go func() {
		s.Sweep(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Sweep() deadlocked when hook re-entered the store")
	}
}

func TestConcurrentUsersAreIsolated(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	const users = 100
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("user-%d", i)
			if _, err := s.StartActivity(id, "strength", steps(10)); err != nil {
				t.Errorf("StartActivity(%s) error = %v", id, err)
				return
			}
			for j := 0; j < i%10; j++ {
				s.Advance(id, Forward)
			}
			s.SetDialogue(id, dialogue.State{FlowID: "weight", StepID: "weight"})
		}(i)
	}
	wg.Wait()

	for i := 0; i < users; i++ {
		id := fmt.Sprintf("user-%d", i)
		st := s.Get(id)
		if st.Activity == nil || st.Activity.Cursor != i%10 {
			t.Fatalf("%s activity = %+v, want cursor %d", id, st.Activity, i%10)
		}
		if st.Dialogue == nil || st.Dialogue.FlowID != "weight" {
			t.Fatalf("%s dialogue = %+v", id, st.Dialogue)
		}
	}
}

func TestDialogueStateIsCopied(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	st := dialogue.State{FlowID: "weight", StepID: "weight"}
	st.Answers.Set("weight", 70.0)
	s.SetDialogue("u1", st)
	st.Answers.Set("weight", 90.0)

	got, ok := s.Dialogue("u1")
	if !ok || got.Answers.Float("weight") != 70 {
		t.Fatalf("Dialogue() = %+v, %v; stored state aliased caller", got, ok)
	}
	s.ClearDialogue("u1")
	if _, ok := s.Dialogue("u1"); ok {
		t.Fatalf("Dialogue() after ClearDialogue() still present")
	}
}

func TestJanitorStopsOnCancel(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := s.StartJanitor(ctx, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("janitor did not stop")
	}
}
