package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stage name prefixes. Inbound events are recorded both as handle_event
// and per action; flow completions are recorded per flow.
const (
	StageHandleEvent  = "handle_event"
	StageSweep        = "sweep"
	StageReminderTick = "reminder_tick"

	actionPrefix = "action:"
	flowPrefix   = "flow:"
)

// StageLatency summarizes the samples of one stage still inside the span.
type StageLatency struct {
	Stage      string  `json:"stage"`
	Group      string  `json:"group"`
	Samples    int     `json:"samples"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_ms"`
	OverBudget int     `json:"over_budget"`
}

// LatencyReport is the body of the latency endpoint.
type LatencyReport struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Span        string         `json:"span"`
	Stages      []StageLatency `json:"stages"`
	Events      map[string]int `json:"events,omitempty"`
}

type sample struct {
	at time.Time
	ms float64
}

// latencyWindow keeps samples of the last span per stage, at most
// maxPerStage each, plus plain counters for notable domain events
// (rejected answers, expired workouts, failed reminders).
type latencyWindow struct {
	mu          sync.Mutex
	span        time.Duration
	maxPerStage int
	now         func() time.Time
	stages      map[string][]sample
	events      map[string]int
}

func newLatencyWindow(span time.Duration, maxPerStage int) *latencyWindow {
	if span <= 0 {
		span = 15 * time.Minute
	}
	if maxPerStage <= 0 {
		maxPerStage = 512
	}
	return &latencyWindow{
		span:        span,
		maxPerStage: maxPerStage,
		now:         time.Now,
		stages:      make(map[string][]sample),
		events:      make(map[string]int),
	}
}

func (w *latencyWindow) observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	kept := w.evict(w.stages[stage], now)
	if len(kept) >= w.maxPerStage {
		kept = kept[len(kept)-w.maxPerStage+1:]
	}
	w.stages[stage] = append(kept, sample{at: now, ms: float64(d.Microseconds()) / 1000})
}

// evict drops samples older than the span. Caller holds w.mu.
func (w *latencyWindow) evict(samples []sample, now time.Time) []sample {
	cutoff := now.Add(-w.span)
	i := sort.Search(len(samples), func(i int) bool { return samples[i].at.After(cutoff) })
	return samples[i:]
}

func (w *latencyWindow) count(event string) {
	event = strings.TrimSpace(event)
	if event == "" {
		return
	}
	w.mu.Lock()
	w.events[event]++
	w.mu.Unlock()
}

func (w *latencyWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stages = make(map[string][]sample)
	w.events = make(map[string]int)
}

func (w *latencyWindow) report() LatencyReport {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()

	out := LatencyReport{GeneratedAt: now.UTC(), Span: w.span.String(), Stages: []StageLatency{}}
	for stage, samples := range w.stages {
		samples = w.evict(samples, now)
		w.stages[stage] = samples
		if len(samples) == 0 {
			delete(w.stages, stage)
			continue
		}
		out.Stages = append(out.Stages, summarizeStage(stage, samples))
	}
	sort.Slice(out.Stages, func(i, j int) bool {
		if out.Stages[i].Group != out.Stages[j].Group {
			return out.Stages[i].Group < out.Stages[j].Group
		}
		return out.Stages[i].Stage < out.Stages[j].Stage
	})
	if len(w.events) > 0 {
		out.Events = make(map[string]int, len(w.events))
		for k, v := range w.events {
			out.Events[k] = v
		}
	}
	return out
}

func summarizeStage(stage string, samples []sample) StageLatency {
	group, budget := stageBudget(stage)
	ms := make([]float64, len(samples))
	over := 0
	for i, s := range samples {
		ms[i] = s.ms
		if s.ms > budget {
			over++
		}
	}
	sort.Float64s(ms)
	return StageLatency{
		Stage:      stage,
		Group:      group,
		Samples:    len(ms),
		P50MS:      round2(nearestRank(ms, 0.50)),
		P95MS:      round2(nearestRank(ms, 0.95)),
		MaxMS:      round2(ms[len(ms)-1]),
		BudgetMS:   budget,
		OverBudget: over,
	}
}

// nearestRank returns the smallest sample with at least q of the samples
// at or below it.
func nearestRank(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// stageBudget groups a stage and returns its p95 budget in milliseconds.
func stageBudget(stage string) (string, float64) {
	switch {
	case stage == StageHandleEvent, strings.HasPrefix(stage, actionPrefix):
		return "event", 50
	case strings.HasPrefix(stage, flowPrefix):
		return "flow", 250
	case stage == StageReminderTick:
		return "loop", 500
	default:
		return "loop", 100
	}
}
