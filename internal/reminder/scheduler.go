package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/antoniostano/fitbuddy/internal/observability"
	"github.com/antoniostano/fitbuddy/internal/protocol"
)

// Lister returns the active reminders due at minute ("HH:MM") on day.
type Lister interface {
	ListActiveReminders(ctx context.Context, minute string, day Weekday) ([]Record, error)
}

// Sender delivers one outbound message to a user.
type Sender interface {
	Send(ctx context.Context, userID string, msg any) error
}

const minuteKeyLayout = "2006-01-02T15:04"

// Scheduler fires reminders once per matching local minute. Missed minutes
// are not backfilled.
type Scheduler struct {
	lister  Lister
	sender  Sender
	loc     *time.Location
	metrics *observability.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	lastKey string
	nowFn   func() time.Time
}

func NewScheduler(lister Lister, sender Sender, loc *time.Location, metrics *observability.Metrics) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		lister:  lister,
		sender:  sender,
		loc:     loc,
		metrics: metrics,
		logger:  slog.Default().With(slog.String("component", "reminder_scheduler")),
		nowFn:   time.Now,
	}
}

func (s *Scheduler) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.mu.Lock()
	s.nowFn = now
	s.mu.Unlock()
}

func (s *Scheduler) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn()
}

// Start runs the loop in a goroutine. The returned channel closes once the
// loop has exited after ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return done
}

// Run ticks at every wall-clock minute boundary until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("reminder scheduler started", slog.String("timezone", s.loc.String()))
	defer s.logger.Info("reminder scheduler stopped")

	timer := time.NewTimer(untilNextMinute(s.now()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			// An in-flight tick finishes its dispatches even during shutdown.
			s.safeTick(context.WithoutCancel(ctx), s.now())
			timer.Reset(untilNextMinute(s.now()))
		}
	}
}

func (s *Scheduler) safeTick(ctx context.Context, now time.Time) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("reminder tick panicked", slog.Any("panic", rec))
		}
	}()
	s.Tick(ctx, now)
}

func untilNextMinute(now time.Time) time.Duration {
	d := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
	if d <= 0 {
		return time.Minute
	}
	return d
}

// Tick dispatches every reminder matching now's local minute and weekday.
// It returns the number of reminders delivered. A second call for the same
// minute is a no-op.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	started := time.Now()
	defer func() { s.metrics.ObserveTick(observability.StageReminderTick, time.Since(started)) }()

	local := now.In(s.loc)
	key := local.Format(minuteKeyLayout)
	s.mu.Lock()
	if key == s.lastKey {
		s.mu.Unlock()
		return 0
	}
	s.lastKey = key
	s.mu.Unlock()

	minute := local.Format("15:04")
	day := WeekdayOf(local)
	due, err := s.lister.ListActiveReminders(ctx, minute, day)
	if err != nil {
		s.metrics.IncPersistenceError("list_reminders")
		s.logger.Error("list due reminders failed", slog.String("minute", key), slog.Any("error", err))
		return 0
	}

	sent := 0
	for _, r := range due {
		if !r.Matches(minute, day) {
			continue
		}
		msg := protocol.ReminderDue{
			Type:       protocol.TypeReminderDue,
			UserID:     r.UserID,
			ReminderID: r.ID,
			Kind:       string(r.Kind),
			Slot:       r.Slot,
			TimeOfDay:  r.TimeOfDay,
			Text:       reminderText(r),
		}
		if err := s.send(ctx, r.UserID, msg); err != nil {
			s.metrics.IncReminder(string(r.Kind), "failed")
			s.metrics.CountEvent("reminder_failed")
			s.logger.Warn("reminder delivery failed",
				slog.String("user_id", r.UserID),
				slog.String("reminder_id", r.ID),
				slog.Any("error", err),
			)
			continue
		}
		s.metrics.IncReminder(string(r.Kind), "sent")
		sent++
	}
	if len(due) > 0 {
		s.logger.Debug("reminder tick", slog.String("minute", key), slog.Int("due", len(due)), slog.Int("sent", sent))
	}
	return sent
}

// send delivers msg, turning a panic in the sender into an error so one
// bad delivery does not abort the rest of the tick.
func (s *Scheduler) send(ctx context.Context, userID string, msg any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sender panicked: %v", rec)
		}
	}()
	return s.sender.Send(ctx, userID, msg)
}

func reminderText(r Record) string {
	switch r.Kind {
	case KindMeal:
		return "Time for meal #" + strconv.Itoa(r.Slot) + "."
	default:
		return "Time for your workout!"
	}
}
