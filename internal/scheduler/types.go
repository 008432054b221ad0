// Package scheduler implements the tick-driven schedule engine: interval,
// one-shot, and cron schedules with misfire grace, jitter, and durable
// next-fire persistence.
package scheduler

import (
	"os"
	"time"

	"github.com/haasonsaas/amon/internal/store"
)

// Schedule types.
const (
	TypeInterval = "interval"
	TypeOneShot  = "one_shot"
	TypeCron     = "cron"
)

// One-shot terminal statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusMisfired  = "misfired"
	StatusInvalid   = "invalid"
)

// Schedule is one durable record in schedules.json. Times are RFC3339
// strings; absent fields stay empty.
type Schedule struct {
	ScheduleID          string         `json:"schedule_id"`
	Type                string         `json:"type,omitempty"`
	Enabled             bool           `json:"enabled"`
	CreatedAt           string         `json:"created_at,omitempty"`
	UpdatedAt           string         `json:"updated_at,omitempty"`
	NextFireAt          string         `json:"next_fire_at,omitempty"`
	LastFireAt          string         `json:"last_fire_at,omitempty"`
	LastMisfireAt       string         `json:"last_misfire_at,omitempty"`
	MisfireGraceSeconds float64        `json:"misfire_grace_seconds,omitempty"`
	JitterSeconds       float64        `json:"jitter_seconds,omitempty"`
	TemplateID          string         `json:"template_id,omitempty"`
	Vars                map[string]any `json:"vars,omitempty"`
	Status              string         `json:"status,omitempty"`

	IntervalSeconds float64 `json:"interval_seconds,omitempty"`
	RunAt           string  `json:"run_at,omitempty"`
	Cron            string  `json:"cron,omitempty"`
}

// scheduleFile is the on-disk shape of schedules.json.
type scheduleFile struct {
	Schedules []*Schedule `json:"schedules"`
}

// LoadSchedules reads schedules.json; a missing file yields an empty set.
func LoadSchedules(path string) ([]*Schedule, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var payload scheduleFile
	if err := store.ReadJSON(path, &payload); err != nil {
		return nil, err
	}
	return payload.Schedules, nil
}

// WriteSchedules atomically persists the full schedule list.
func WriteSchedules(path string, schedules []*Schedule) error {
	return store.WriteJSON(path, scheduleFile{Schedules: schedules})
}

// inferType resolves a schedule's type when the field is absent.
func inferType(schedule *Schedule) string {
	switch {
	case schedule.Type != "":
		return normalizeType(schedule.Type)
	case schedule.IntervalSeconds != 0:
		return TypeInterval
	case schedule.RunAt != "":
		return TypeOneShot
	case schedule.Cron != "":
		return TypeCron
	default:
		return TypeInterval
	}
}

func normalizeType(value string) string {
	switch value {
	case "oneshot", "one-shot", TypeOneShot:
		return TypeOneShot
	default:
		return value
	}
}

func parseTime(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
