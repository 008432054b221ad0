package scheduler

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/haasonsaas/amon/internal/events"
	"github.com/haasonsaas/amon/internal/metrics"
)

// Emitter sends a schedule.fired event and returns its event ID.
type Emitter func(event events.Event) string

// Engine runs the schedule tick loop over the durable schedules file.
type Engine struct {
	path   string
	logger *slog.Logger
	rand   func() float64
}

// EngineOption configures an engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the diagnostic logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRand overrides the jitter source for tests.
func WithRand(random func() float64) EngineOption {
	return func(e *Engine) {
		if random != nil {
			e.rand = random
		}
	}
}

// NewEngine creates an engine over the schedules.json path.
func NewEngine(path string, opts ...EngineOption) *Engine {
	e := &Engine{
		path:   path,
		logger: slog.Default().With("component", "scheduler"),
		rand:   rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FiredSchedule describes one schedule.fired emission of a tick.
type FiredSchedule struct {
	ScheduleID   string
	EventID      string
	ScheduledFor time.Time
	FiredAt      time.Time
}

// Tick loads every schedule, fires the due ones, advances next-fire times,
// and persists the full list atomically when any record mutated. A schedule
// fires at most once per tick, in stable input order.
func (e *Engine) Tick(now time.Time, emit Emitter) []FiredSchedule {
	schedules, err := LoadSchedules(e.path)
	if err != nil {
		e.logger.Error("load schedules failed", "error", err)
		return nil
	}

	var fired []FiredSchedule
	updated := false
	for _, schedule := range schedules {
		result, changed := e.processSchedule(schedule, now, emit)
		if result != nil {
			fired = append(fired, *result)
		}
		if changed {
			updated = true
		}
	}

	if updated {
		if err := WriteSchedules(e.path, schedules); err != nil {
			e.logger.Error("persist schedules failed", "error", err)
		}
	}
	return fired
}

func (e *Engine) processSchedule(schedule *Schedule, now time.Time, emit Emitter) (*FiredSchedule, bool) {
	if !schedule.Enabled || schedule.ScheduleID == "" {
		return nil, false
	}

	switch inferType(schedule) {
	case TypeInterval:
		return e.processInterval(schedule, now, emit)
	case TypeOneShot:
		return e.processOneShot(schedule, now, emit)
	case TypeCron:
		return e.processCron(schedule, now, emit)
	default:
		e.logger.Warn("unknown schedule type", "schedule_id", schedule.ScheduleID, "type", schedule.Type)
		return nil, false
	}
}

func (e *Engine) processInterval(schedule *Schedule, now time.Time, emit Emitter) (*FiredSchedule, bool) {
	if schedule.IntervalSeconds <= 0 {
		e.logger.Warn("interval schedule missing interval_seconds", "schedule_id", schedule.ScheduleID)
		return nil, false
	}
	interval := secondsDuration(schedule.IntervalSeconds)

	dueAt := e.resolveIntervalDue(schedule, now, interval)
	if now.Before(dueAt) {
		return nil, false
	}

	var fired *FiredSchedule
	if e.isMisfire(schedule, now, dueAt) {
		schedule.LastMisfireAt = now.Format(time.RFC3339)
		metrics.ScheduleMisfires.Inc()
	} else {
		fired = e.emitFired(schedule, dueAt, now, emit)
		schedule.LastFireAt = now.Format(time.RFC3339)
	}

	next := dueAt.Add(interval)
	for !next.After(now) {
		next = next.Add(interval)
	}
	schedule.NextFireAt = e.applyJitter(next, schedule)
	schedule.UpdatedAt = now.Format(time.RFC3339)
	return fired, true
}

func (e *Engine) resolveIntervalDue(schedule *Schedule, now time.Time, interval time.Duration) time.Time {
	if next, ok := parseTime(schedule.NextFireAt); ok {
		return next
	}
	if last, ok := parseTime(schedule.LastFireAt); ok {
		return last.Add(interval)
	}
	if created, ok := parseTime(schedule.CreatedAt); ok {
		return created.Add(interval)
	}
	return now
}

func (e *Engine) processOneShot(schedule *Schedule, now time.Time, emit Emitter) (*FiredSchedule, bool) {
	if schedule.Status == StatusCompleted || schedule.Status == StatusMisfired {
		return nil, false
	}

	// A one-shot without run_at or next_fire_at falls back to created_at,
	// then now: it fires on the next tick.
	dueAt, ok := parseTime(schedule.RunAt)
	if !ok {
		dueAt, ok = parseTime(schedule.NextFireAt)
	}
	if !ok {
		dueAt, ok = parseTime(schedule.CreatedAt)
	}
	if !ok {
		dueAt = now
	}
	if now.Before(dueAt) {
		return nil, false
	}

	var fired *FiredSchedule
	if e.isMisfire(schedule, now, dueAt) {
		schedule.Status = StatusMisfired
		schedule.LastMisfireAt = now.Format(time.RFC3339)
		metrics.ScheduleMisfires.Inc()
	} else {
		fired = e.emitFired(schedule, dueAt, now, emit)
		schedule.Status = StatusCompleted
		schedule.LastFireAt = now.Format(time.RFC3339)
	}
	schedule.NextFireAt = ""
	schedule.Enabled = false
	schedule.UpdatedAt = now.Format(time.RFC3339)
	return fired, true
}

func (e *Engine) processCron(schedule *Schedule, now time.Time, emit Emitter) (*FiredSchedule, bool) {
	if schedule.Cron == "" {
		e.logger.Warn("cron schedule missing expression", "schedule_id", schedule.ScheduleID)
		return nil, false
	}

	dueAt, ok := parseTime(schedule.NextFireAt)
	if !ok {
		computed, err := nextCronAfter(schedule.Cron, now.Add(-time.Minute))
		if err != nil {
			e.logger.Error("cron parse failed", "schedule_id", schedule.ScheduleID, "error", err)
			schedule.Status = StatusInvalid
			schedule.UpdatedAt = now.Format(time.RFC3339)
			return nil, true
		}
		dueAt = computed
	}

	if now.Before(dueAt) {
		nextFire := dueAt.Format(time.RFC3339)
		if schedule.NextFireAt != nextFire {
			schedule.NextFireAt = nextFire
			schedule.UpdatedAt = now.Format(time.RFC3339)
			return nil, true
		}
		return nil, false
	}

	var fired *FiredSchedule
	if e.isMisfire(schedule, now, dueAt) {
		schedule.LastMisfireAt = now.Format(time.RFC3339)
		metrics.ScheduleMisfires.Inc()
	} else {
		fired = e.emitFired(schedule, dueAt, now, emit)
		schedule.LastFireAt = now.Format(time.RFC3339)
	}

	base := now
	if dueAt.After(now) {
		base = dueAt
	}
	next, err := nextCronAfter(schedule.Cron, base)
	if err != nil {
		e.logger.Error("cron advance failed", "schedule_id", schedule.ScheduleID, "error", err)
		schedule.Status = StatusInvalid
		schedule.NextFireAt = ""
	} else {
		schedule.NextFireAt = e.applyJitter(next, schedule)
	}
	schedule.UpdatedAt = now.Format(time.RFC3339)
	return fired, true
}

func (e *Engine) emitFired(schedule *Schedule, scheduledFor, firedAt time.Time, emit Emitter) *FiredSchedule {
	payload := map[string]any{
		"schedule_id":   schedule.ScheduleID,
		"template_id":   schedule.TemplateID,
		"vars":          schedule.Vars,
		"scheduled_for": scheduledFor.Format(time.RFC3339),
		"fired_at":      firedAt.Format(time.RFC3339),
	}
	eventID := emit(events.Event{
		Type:    "schedule.fired",
		Scope:   events.ScopeSchedule,
		Actor:   "system",
		Risk:    events.RiskLow,
		Payload: payload,
	})
	metrics.ScheduleFires.Inc()
	return &FiredSchedule{
		ScheduleID:   schedule.ScheduleID,
		EventID:      eventID,
		ScheduledFor: scheduledFor,
		FiredAt:      firedAt,
	}
}

// isMisfire reports whether the fire falls outside the grace window. Grace 0
// disables misfire handling.
func (e *Engine) isMisfire(schedule *Schedule, now, dueAt time.Time) bool {
	if schedule.MisfireGraceSeconds <= 0 {
		return false
	}
	return now.Sub(dueAt) > secondsDuration(schedule.MisfireGraceSeconds)
}

func (e *Engine) applyJitter(next time.Time, schedule *Schedule) string {
	if schedule.JitterSeconds <= 0 {
		return next.Format(time.RFC3339)
	}
	offset := secondsDuration(e.rand() * schedule.JitterSeconds)
	return next.Add(offset).Format(time.RFC3339)
}

func secondsDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
