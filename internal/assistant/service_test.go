package assistant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/fitbuddy/internal/activity"
	"github.com/antoniostano/fitbuddy/internal/dialogue"
	"github.com/antoniostano/fitbuddy/internal/protocol"
	"github.com/antoniostano/fitbuddy/internal/ratelimit"
	"github.com/antoniostano/fitbuddy/internal/session"
	"github.com/antoniostano/fitbuddy/internal/store"
)

type failingLogStore struct {
	store.Store
}

func (failingLogStore) SaveActivityLog(context.Context, store.ActivityLog) error {
	return errors.New("disk full")
}

type blockingResultStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingResultStore) SaveDialogueResult(ctx context.Context, r store.DialogueResult) error {
	close(b.entered)
	<-b.release
	return b.Store.SaveDialogueResult(ctx, r)
}

type fixture struct {
	svc      *Service
	sessions *session.Store
	store    store.Store
	now      time.Time
	mu       sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, st store.Store, limits ratelimit.Config) *fixture {
	t.Helper()
	catalog, err := activity.DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog() error = %v", err)
	}
	f := &fixture{store: st, now: time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC)}
	f.sessions = session.NewStore(30*time.Minute, catalog.CaloriesPerMinute, nil)
	f.sessions.SetClock(f.clock)
	svc, err := New(ratelimit.New(limits), f.sessions, catalog, st, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	svc.SetClock(f.clock)
	f.svc = svc
	return f
}

var relaxed = ratelimit.Config{WindowSeconds: 1, MaxEvents: 1000, BlockSeconds: 1}

func handle(t *testing.T, f *fixture, action protocol.Action, text, arg string) []any {
	t.Helper()
	out, err := f.svc.Handle(context.Background(), protocol.UserEvent{UserID: "u1", Action: action, Text: text, Arg: arg})
	if err != nil {
		t.Fatalf("Handle(%s) error = %v", action, err)
	}
	if len(out) == 0 {
		t.Fatalf("Handle(%s) returned no replies", action)
	}
	return out
}

func systemCode(t *testing.T, msg any) string {
	t.Helper()
	ev, ok := msg.(protocol.SystemEvent)
	if !ok {
		t.Fatalf("reply = %T, want SystemEvent", msg)
	}
	return ev.Code
}

func TestHandleRejectsMalformedEvent(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore(), relaxed)
	if _, err := f.svc.Handle(context.Background(), protocol.UserEvent{Action: protocol.ActionHelp}); !errors.Is(err, protocol.ErrInvalidEvent) {
		t.Fatalf("Handle() error = %v, want ErrInvalidEvent", err)
	}
}

func TestHandleWeightFlowPersistsResult(t *testing.T) {
	st := store.NewInMemoryStore()
	f := newFixture(t, st, relaxed)

	out := handle(t, f, protocol.ActionStartFlow, "", "weight")
	if p, ok := out[0].(protocol.DialoguePrompt); !ok || p.FlowID != "weight" {
		t.Fatalf("start_flow reply = %+v", out[0])
	}

	out = handle(t, f, protocol.ActionText, "heavy", "")
	if _, ok := out[0].(protocol.ValidationRejected); !ok {
		t.Fatalf("invalid answer reply = %T, want ValidationRejected", out[0])
	}

	out = handle(t, f, "", "72.5", "")
	done, ok := out[0].(protocol.FlowCompleted)
	if !ok || done.FlowID != "weight" {
		t.Fatalf("final answer reply = %+v, want FlowCompleted", out[0])
	}

	history, err := st.DialogueHistory(context.Background(), "u1", "weight", 5)
	if err != nil {
		t.Fatalf("DialogueHistory() error = %v", err)
	}
	if len(history) != 1 || string(history[0].Answers) != `{"weight":72.5}` {
		t.Fatalf("history = %+v", history)
	}

	if code := systemCode(t, handle(t, f, protocol.ActionText, "80", "")[0]); code != CodeNothingInProgress {
		t.Fatalf("text after completion code = %q", code)
	}
}

func TestHandleUnknownFlowAndAction(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore(), relaxed)
	if code := systemCode(t, handle(t, f, protocol.ActionStartFlow, "", "karaoke")[0]); code != CodeUnknownFlow {
		t.Fatalf("code = %q, want %q", code, CodeUnknownFlow)
	}
	if code := systemCode(t, handle(t, f, "dance", "", "")[0]); code != CodeUnknownAction {
		t.Fatalf("code = %q, want %q", code, CodeUnknownAction)
	}
}

func TestHandleCancelDialogue(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore(), relaxed)
	if code := systemCode(t, handle(t, f, protocol.ActionCancel, "", "")[0]); code != CodeNothingInProgress {
		t.Fatalf("cancel without dialogue code = %q", code)
	}
	handle(t, f, protocol.ActionStartFlow, "", "measurements")
	if code := systemCode(t, handle(t, f, protocol.ActionCancel, "", "")[0]); code != CodeCancelled {
		t.Fatalf("cancel code = %q", code)
	}
	if _, ok := f.sessions.Dialogue("u1"); ok {
		t.Fatalf("dialogue still stored after cancel")
	}
}

func TestHandleActivityWalkthrough(t *testing.T) {
	st := store.NewInMemoryStore()
	f := newFixture(t, st, relaxed)

	out := handle(t, f, protocol.ActionStartActivity, "", "strength")
	step, ok := out[0].(protocol.ActivityStep)
	if !ok || step.Index != 0 || step.Total != 4 || step.Name != "Push-ups" || step.HasPrev || !step.HasNext {
		t.Fatalf("start_activity reply = %+v", out[0])
	}

	step = handle(t, f, protocol.ActionPrevStep, "", "")[0].(protocol.ActivityStep)
	if step.Moved || step.Index != 0 {
		t.Fatalf("prev at first step = %+v, want no move", step)
	}
	for i := 1; i < 4; i++ {
		step = handle(t, f, protocol.ActionNextStep, "", "")[0].(protocol.ActivityStep)
		if !step.Moved || step.Index != i {
			t.Fatalf("next #%d = %+v", i, step)
		}
	}
	step = handle(t, f, protocol.ActionNextStep, "", "")[0].(protocol.ActivityStep)
	if step.Moved || step.HasNext || step.Name != "Plank" {
		t.Fatalf("next at last step = %+v", step)
	}
	step = handle(t, f, protocol.ActionCurrentStep, "", "")[0].(protocol.ActivityStep)
	if step.Index != 3 {
		t.Fatalf("current_step = %+v", step)
	}

	f.advance(20 * time.Minute)
	out = handle(t, f, protocol.ActionEndActivity, "", "")
	sum, ok := out[0].(protocol.ActivitySummary)
	if !ok || len(out) != 1 {
		t.Fatalf("end_activity replies = %+v", out)
	}
	if sum.DurationMinutes != 20 || sum.CaloriesBurned != 160 || sum.StepsCompleted != 3 || !sum.Saved {
		t.Fatalf("summary = %+v", sum)
	}

	stats, err := st.ActivityStats(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ActivityStats() error = %v", err)
	}
	if stats.Sessions != 1 || stats.TotalCalories != 160 {
		t.Fatalf("stats = %+v", stats)
	}
	if code := systemCode(t, handle(t, f, protocol.ActionNextStep, "", "")[0]); code != CodeNothingInProgress {
		t.Fatalf("next after end code = %q", code)
	}
}

func TestHandleUnknownActivity(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore(), relaxed)
	if code := systemCode(t, handle(t, f, protocol.ActionStartActivity, "", "juggling")[0]); code != CodeActivityNotFound {
		t.Fatalf("code = %q, want %q", code, CodeActivityNotFound)
	}
}

func TestHandleAbandonActivity(t *testing.T) {
	st := store.NewInMemoryStore()
	f := newFixture(t, st, relaxed)
	handle(t, f, protocol.ActionStartActivity, "", "yoga")
	if code := systemCode(t, handle(t, f, protocol.ActionAbandonActivity, "", "")[0]); code != CodeActivityAbandoned {
		t.Fatalf("abandon code = %q", code)
	}
	stats, _ := st.ActivityStats(context.Background(), "u1")
	if stats.Sessions != 0 {
		t.Fatalf("abandoned activity was persisted: %+v", stats)
	}
}

func TestHandleEndActivityPersistenceFailure(t *testing.T) {
	f := newFixture(t, failingLogStore{Store: store.NewInMemoryStore()}, relaxed)
	handle(t, f, protocol.ActionStartActivity, "", "cardio")
	f.advance(10 * time.Minute)

	out := handle(t, f, protocol.ActionEndActivity, "", "")
	if len(out) != 2 {
		t.Fatalf("replies = %+v, want summary and error", out)
	}
	sum := out[0].(protocol.ActivitySummary)
	if sum.Saved || sum.CaloriesBurned != 100 {
		t.Fatalf("summary = %+v, want unsaved 100 kcal", sum)
	}
	errEv, ok := out[1].(protocol.ErrorEvent)
	if !ok || errEv.Code != CodePersistenceFailed {
		t.Fatalf("second reply = %+v", out[1])
	}
	if f.sessions.ActiveCount() != 0 {
		t.Fatalf("session kept after failed save")
	}
}

func TestHandleStatus(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore(), relaxed)
	if code := systemCode(t, handle(t, f, protocol.ActionStatus, "", "")[0]); code != CodeNothingInProgress {
		t.Fatalf("empty status code = %q", code)
	}
	handle(t, f, protocol.ActionStartFlow, "", "weight")
	handle(t, f, protocol.ActionStartActivity, "", "stretching")
	out := handle(t, f, protocol.ActionStatus, "", "")
	if len(out) != 2 {
		t.Fatalf("status replies = %d, want 2", len(out))
	}
	if _, ok := out[0].(protocol.DialoguePrompt); !ok {
		t.Fatalf("status[0] = %T", out[0])
	}
	if _, ok := out[1].(protocol.ActivityStep); !ok {
		t.Fatalf("status[1] = %T", out[1])
	}
}

func TestHandleRateLimited(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore(), ratelimit.Config{WindowSeconds: 3, MaxEvents: 5, BlockSeconds: 30})
	for i := 0; i < 5; i++ {
		if code := systemCode(t, handle(t, f, protocol.ActionHelp, "", "")[0]); code != CodeHelp {
			t.Fatalf("event %d code = %q", i, code)
		}
	}
	out := handle(t, f, protocol.ActionStartActivity, "", "strength")
	limited, ok := out[0].(protocol.RateLimited)
	if !ok || limited.RetryAfterSeconds != 30 {
		t.Fatalf("sixth event reply = %+v, want RateLimited with 30s", out[0])
	}
	if f.sessions.ActiveCount() != 0 {
		t.Fatalf("rate limited event was applied")
	}

	f.advance(31 * time.Second)
	if _, ok := handle(t, f, protocol.ActionStartActivity, "", "strength")[0].(protocol.ActivityStep); !ok {
		t.Fatalf("event after block was not applied")
	}
}

func TestHandleConcurrentUsers(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore(), relaxed)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := "user-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
			ctx := context.Background()
			if _, err := f.svc.Handle(ctx, protocol.UserEvent{UserID: user, Action: protocol.ActionStartActivity, Arg: "yoga"}); err != nil {
				t.Errorf("Handle(start) error = %v", err)
			}
			if _, err := f.svc.Handle(ctx, protocol.UserEvent{UserID: user, Action: protocol.ActionNextStep}); err != nil {
				t.Errorf("Handle(next) error = %v", err)
			}
		}(i)
	}
	wg.Wait()
	if got := f.sessions.ActiveCount(); got != 50 {
		t.Fatalf("ActiveCount() = %d, want 50", got)
	}
	if got := f.svc.locks.len(); got != 0 {
		t.Fatalf("user locks retained = %d, want 0", got)
	}
}

func TestSlowPersistenceDoesNotStallOtherUsers(t *testing.T) {
	st := &blockingResultStore{Store: store.NewInMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, st, relaxed)
	handle(t, f, protocol.ActionStartFlow, "", "weight")

	submitted := make(chan []any, 1)
	go func() {
		out, _ := f.svc.Handle(context.Background(), protocol.UserEvent{UserID: "u1", Action: protocol.ActionText, Text: "72.5"})
		submitted <- out
	}()
	<-st.entered

	others := make(chan struct{})
	go func() {
		defer close(others)
		for i := 0; i < 200; i++ {
			id := fmt.Sprintf("other-%d", i)
			if _, err := f.svc.Handle(context.Background(), protocol.UserEvent{UserID: id, Action: protocol.ActionHelp}); err != nil {
				t.Errorf("Handle(%s) error = %v", id, err)
			}
		}
	}()
	select {
	case <-others:
	case <-time.After(2 * time.Second):
		t.Fatalf("other users waited on u1's pending save")
	}

	close(st.release)
	out := <-submitted
	if _, ok := out[0].(protocol.FlowCompleted); !ok {
		t.Fatalf("u1 reply = %+v, want flow_completed", out)
	}
}

func TestSubmitErrorMapping(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore(), relaxed)

	broken := f.svc.submitError("u1", fmt.Errorf("%w: step loops back", dialogue.ErrBrokenFlow))
	if broken.Code != CodeFlowUnavailable || broken.Retryable {
		t.Fatalf("broken flow error = %+v, want non-retryable %s", broken, CodeFlowUnavailable)
	}
	failed := f.svc.submitError("u1", errors.New("complete flow weight: db down"))
	if failed.Code != CodePersistenceFailed || !failed.Retryable {
		t.Fatalf("completion error = %+v, want retryable %s", failed, CodePersistenceFailed)
	}
}
