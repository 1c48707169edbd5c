// Package assistant routes inbound user events to the dialogue engine and
// the activity session store, and turns their results into outbound
// protocol messages.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antoniostano/fitbuddy/internal/activity"
	"github.com/antoniostano/fitbuddy/internal/dialogue"
	"github.com/antoniostano/fitbuddy/internal/observability"
	"github.com/antoniostano/fitbuddy/internal/protocol"
	"github.com/antoniostano/fitbuddy/internal/ratelimit"
	"github.com/antoniostano/fitbuddy/internal/reminder"
	"github.com/antoniostano/fitbuddy/internal/session"
	"github.com/antoniostano/fitbuddy/internal/store"
)

// System event codes.
const (
	CodeHelp              = "help"
	CodeStatus            = "status"
	CodeNothingInProgress = "nothing_in_progress"
	CodeCancelled         = "cancelled"
	CodeUnknownFlow       = "unknown_flow"
	CodeActivityNotFound  = "activity_not_found"
	CodeActivityAbandoned = "activity_abandoned"
	CodeUnknownAction     = "unknown_action"
	CodePersistenceFailed = "persistence_failed"
	CodeFlowUnavailable   = "flow_unavailable"
)

type Service struct {
	limiter  *ratelimit.Limiter
	sessions *session.Store
	engine   *dialogue.Engine
	catalog  *activity.Catalog
	store    store.Store
	metrics  *observability.Metrics
	logger   *slog.Logger

	locks userLocks
	nowFn func() time.Time
}

func New(limiter *ratelimit.Limiter, sessions *session.Store, catalog *activity.Catalog, st store.Store, metrics *observability.Metrics) (*Service, error) {
	flows, err := dialogue.BuiltinFlows(storeSink{st: st})
	if err != nil {
		return nil, fmt.Errorf("build flows: %w", err)
	}
	engine, err := dialogue.NewEngine(sessions, flows...)
	if err != nil {
		return nil, fmt.Errorf("build dialogue engine: %w", err)
	}
	return &Service{
		limiter:  limiter,
		sessions: sessions,
		engine:   engine,
		catalog:  catalog,
		store:    st,
		metrics:  metrics,
		logger:   slog.Default().With(slog.String("component", "assistant")),
		nowFn:    time.Now,
	}, nil
}

// SetClock overrides the clock used for rate limiting.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.nowFn = now
	}
}

func (s *Service) Flows() []dialogue.FlowInfo { return s.engine.Flows() }

func (s *Service) Catalog() *activity.Catalog { return s.catalog }

func (s *Service) State(userID string) session.UserState { return s.sessions.Get(userID) }

// Handle applies one inbound event and returns the replies for the sender.
// Only a malformed event produces an error; domain outcomes are replies.
func (s *Service) Handle(ctx context.Context, ev protocol.UserEvent) ([]any, error) {
	if err := ev.Normalize(); err != nil {
		return nil, err
	}
	started := time.Now()
	defer func() { s.metrics.ObserveEvent(string(ev.Action), time.Since(started)) }()

	decision := s.limiter.Check(ev.UserID, s.nowFn())
	s.metrics.IncRateLimit(decision.Allowed)
	if !decision.Allowed {
		s.metrics.CountEvent("rate_limited")
		return []any{protocol.RateLimited{
			Type:              protocol.TypeRateLimited,
			UserID:            ev.UserID,
			RetryAfterSeconds: decision.RetryAfterSeconds(),
			Text:              fmt.Sprintf("Too many requests. Try again in %d seconds.", decision.RetryAfterSeconds()),
		}}, nil
	}

	unlock := s.locks.lock(ev.UserID)
	replies, finished := s.apply(ctx, ev)
	unlock()

	if finished != nil {
		replies = append(replies, s.persistSummary(ctx, ev.UserID, *finished)...)
	}
	return replies, nil
}

func (s *Service) apply(ctx context.Context, ev protocol.UserEvent) ([]any, *activity.Summary) {
	switch ev.Action {
	case protocol.ActionHelp:
		return []any{s.system(ev.UserID, CodeHelp, s.helpText())}, nil
	case protocol.ActionStatus:
		return s.status(ev.UserID), nil
	case protocol.ActionStartFlow:
		return s.startFlow(ev.UserID, strings.TrimSpace(ev.Arg)), nil
	case protocol.ActionCancel:
		return s.cancel(ev.UserID), nil
	case protocol.ActionText:
		return s.submit(ctx, ev.UserID, ev.Text), nil
	case protocol.ActionStartActivity:
		return s.startActivity(ev.UserID, strings.TrimSpace(ev.Arg)), nil
	case protocol.ActionNextStep:
		return s.advance(ev.UserID, session.Forward), nil
	case protocol.ActionPrevStep:
		return s.advance(ev.UserID, session.Backward), nil
	case protocol.ActionCurrentStep:
		snap, err := s.sessions.Current(ev.UserID)
		if err != nil {
			return []any{s.nothingInProgress(ev.UserID)}, nil
		}
		return []any{stepMessage(ev.UserID, snap, false)}, nil
	case protocol.ActionEndActivity:
		sum, err := s.sessions.EndActivity(ctx, ev.UserID)
		s.metrics.SetActiveActivities(s.sessions.ActiveCount())
		if err != nil {
			return []any{s.nothingInProgress(ev.UserID)}, nil
		}
		return nil, &sum
	case protocol.ActionAbandonActivity:
		snap, err := s.sessions.AbandonActivity(ctx, ev.UserID)
		s.metrics.SetActiveActivities(s.sessions.ActiveCount())
		if err != nil {
			return []any{s.nothingInProgress(ev.UserID)}, nil
		}
		return []any{s.system(ev.UserID, CodeActivityAbandoned, "Workout ended without saving: "+snap.Kind)}, nil
	default:
		return []any{s.system(ev.UserID, CodeUnknownAction, string(ev.Action))}, nil
	}
}

func (s *Service) system(userID, code, detail string) protocol.SystemEvent {
	return protocol.SystemEvent{Type: protocol.TypeSystemEvent, UserID: userID, Code: code, Detail: detail}
}

func (s *Service) nothingInProgress(userID string) protocol.SystemEvent {
	return s.system(userID, CodeNothingInProgress, "Nothing is in progress. Send help to see what you can do.")
}

func (s *Service) helpText() string {
	flows := s.engine.Flows()
	ids := make([]string, len(flows))
	for i, f := range flows {
		ids[i] = f.ID
	}
	kinds := s.catalog.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.Kind
	}
	return fmt.Sprintf("Flows: %s. Workouts: %s. Navigate with next_step, prev_step, current_step, end_activity or abandon_activity.",
		strings.Join(ids, ", "), strings.Join(names, ", "))
}

func (s *Service) status(userID string) []any {
	var out []any
	if p, err := s.engine.Current(userID); err == nil {
		out = append(out, promptMessage(userID, p))
	}
	if snap, err := s.sessions.Current(userID); err == nil {
		out = append(out, stepMessage(userID, snap, false))
	}
	if len(out) == 0 {
		return []any{s.nothingInProgress(userID)}
	}
	return out
}

func promptMessage(userID string, p dialogue.Prompt) protocol.DialoguePrompt {
	return protocol.DialoguePrompt{
		Type:    protocol.TypeDialoguePrompt,
		UserID:  userID,
		FlowID:  p.FlowID,
		StepID:  string(p.StepID),
		Text:    p.Text,
		Options: p.Options,
	}
}

func stepMessage(userID string, snap activity.Snapshot, moved bool) protocol.ActivityStep {
	return protocol.ActivityStep{
		Type:        protocol.TypeActivityStep,
		UserID:      userID,
		ActivityID:  snap.ID,
		Kind:        snap.Kind,
		Index:       snap.Cursor,
		Total:       snap.TotalSteps,
		Name:        snap.Current.Name,
		Description: snap.Current.Description,
		MediaURL:    snap.Current.MediaURL,
		HasPrev:     snap.Cursor > 0,
		HasNext:     snap.Cursor < snap.TotalSteps-1,
		Moved:       moved,
	}
}

func (s *Service) startFlow(userID, flowID string) []any {
	p, err := s.engine.Start(userID, flowID)
	if err != nil {
		return []any{s.system(userID, CodeUnknownFlow, flowID)}
	}
	s.metrics.IncDialogue(flowID, "started")
	return []any{promptMessage(userID, p)}
}

func (s *Service) cancel(userID string) []any {
	if err := s.engine.Cancel(userID); err != nil {
		return []any{s.nothingInProgress(userID)}
	}
	s.metrics.IncDialogue("any", "cancelled")
	return []any{s.system(userID, CodeCancelled, "Cancelled.")}
}

func (s *Service) submit(ctx context.Context, userID, raw string) []any {
	started := time.Now()
	res, err := s.engine.Submit(ctx, userID, raw)
	if errors.Is(err, dialogue.ErrNoActiveDialogue) {
		return []any{s.nothingInProgress(userID)}
	}
	if err != nil {
		return []any{s.submitError(userID, err)}
	}
	switch res.Status {
	case dialogue.StatusRejected:
		s.metrics.IncDialogue(res.FlowID, "rejected")
		s.metrics.CountEvent("answer_rejected")
		return []any{protocol.ValidationRejected{
			Type:   protocol.TypeValidationRejected,
			UserID: userID,
			FlowID: res.FlowID,
			StepID: string(res.StepID),
			Reason: res.Reason,
		}}
	case dialogue.StatusNext:
		return []any{promptMessage(userID, res.Prompt)}
	default:
		s.metrics.IncDialogue(res.FlowID, "completed")
		s.metrics.ObserveFlowCompletion(res.FlowID, time.Since(started))
		return []any{protocol.FlowCompleted{
			Type:    protocol.TypeFlowCompleted,
			UserID:  userID,
			FlowID:  res.FlowID,
			Message: res.Outcome.Message,
			Data:    res.Outcome.Data,
		}}
	}
}

// submitError maps a failed submission. A broken flow has already been
// discarded; a failed completion keeps the last step for a retry.
func (s *Service) submitError(userID string, err error) protocol.ErrorEvent {
	if errors.Is(err, dialogue.ErrBrokenFlow) {
		s.metrics.IncDialogue("any", "broken")
		s.logger.Error("dialogue flow misconfigured", slog.String("user_id", userID), slog.Any("error", err))
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			UserID:    userID,
			Code:      CodeFlowUnavailable,
			Source:    "dialogue",
			Retryable: false,
			Detail:    "This form is unavailable right now. Send help to see what you can do.",
		}
	}
	s.metrics.IncPersistenceError("dialogue_complete")
	s.logger.Error("dialogue completion failed", slog.String("user_id", userID), slog.Any("error", err))
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		UserID:    userID,
		Code:      CodePersistenceFailed,
		Source:    "dialogue",
		Retryable: true,
		Detail:    "Could not save your answers. Please send the last answer again.",
	}
}

func (s *Service) startActivity(userID, kind string) []any {
	snap, err := s.sessions.StartActivity(userID, kind, s.catalog.Steps(kind))
	if errors.Is(err, activity.ErrNotFound) {
		return []any{s.system(userID, CodeActivityNotFound, kind)}
	}
	if err != nil {
		s.logger.Error("start activity failed", slog.String("user_id", userID), slog.Any("error", err))
		return []any{s.system(userID, CodeActivityNotFound, kind)}
	}
	s.metrics.SetActiveActivities(s.sessions.ActiveCount())
	return []any{stepMessage(userID, snap, true)}
}

func (s *Service) advance(userID string, dir session.Direction) []any {
	snap, moved, err := s.sessions.Advance(userID, dir)
	if err != nil {
		return []any{s.nothingInProgress(userID)}
	}
	return []any{stepMessage(userID, snap, moved)}
}

// persistSummary runs outside the per-user lock.
func (s *Service) persistSummary(ctx context.Context, userID string, sum activity.Summary) []any {
	msg := protocol.ActivitySummary{
		Type:            protocol.TypeActivitySummary,
		UserID:          userID,
		Kind:            sum.Kind,
		DurationMinutes: sum.DurationMinutes,
		CaloriesBurned:  sum.CaloriesBurned,
		StepsCompleted:  sum.StepsCompleted,
	}
	err := s.store.SaveActivityLog(ctx, store.ActivityLog{
		UserID:          userID,
		Kind:            sum.Kind,
		DurationMinutes: sum.DurationMinutes,
		CaloriesBurned:  sum.CaloriesBurned,
		StepsCompleted:  sum.StepsCompleted,
	})
	if err != nil {
		s.metrics.IncPersistenceError("save_activity_log")
		s.logger.Error("save activity log failed", slog.String("user_id", userID), slog.Any("error", err))
		return []any{msg, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			UserID:    userID,
			Code:      CodePersistenceFailed,
			Source:    "activity_log",
			Retryable: false,
			Detail:    "Workout finished but the summary could not be saved.",
		}}
	}
	msg.Saved = true
	return []any{msg}
}

// storeSink adapts the persistence gateway to the dialogue flows.
type storeSink struct {
	st store.Store
}

func (s storeSink) SaveDialogueResult(ctx context.Context, userID, flowID string, answers dialogue.Answers) error {
	raw, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	return s.st.SaveDialogueResult(ctx, store.DialogueResult{UserID: userID, FlowID: flowID, Answers: raw})
}

func (s storeSink) ReplaceReminders(ctx context.Context, userID string, kind reminder.Kind, records []reminder.Record) error {
	return s.st.ReplaceReminders(ctx, userID, kind, records)
}
