package schedule

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Queue entry statuses.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// dateLayout is the queue's calendar-day format.
const dateLayout = "2006-01-02"

// Definition is a stored recurring task.
type Definition struct {
	ID         string    `json:"id"`
	TemplateID string    `json:"template_id"`
	TaskType   string    `json:"task_type"`
	Floor      string    `json:"floor,omitempty"`
	ShelfPoint string    `json:"shelf_point,omitempty"`
	RobotID    string    `json:"robot_id,omitempty"`
	Time       string    `json:"time"`
	Days       []string  `json:"days_of_week"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// QueueEntry is one unit of work written to the task queue.
type QueueEntry struct {
	ID              string
	TemplateID      string
	TaskType        string
	Floor           string
	ShelfPoint      string
	RobotID         string
	Status          string
	IsRecurring     bool
	RecurringTaskID string
	// QueuedDate is the site-local day the entry belongs to.
	QueuedDate string
	Schedule   EntrySchedule
	CreatedAt  time.Time
}

// EntrySchedule records the schedule that produced a queue entry.
type EntrySchedule struct {
	Time        string   `json:"time"`
	DaysOfWeek  []string `json:"days_of_week"`
	IsRecurring bool     `json:"is_recurring"`
}

// Timing is a definition's parsed schedule.
type Timing struct {
	// Minute is minutes after local midnight.
	Minute int
	Days   []time.Weekday
}

// Due reports whether a definition with timing t must be enqueued at now.
// queuedToday is consulted only for the catch-up rule.
func (t Timing) Due(now time.Time, queuedToday func() bool) bool {
	if !slices.Contains(t.Days, now.Weekday()) {
		return false
	}
	current := now.Hour()*60 + now.Minute()
	switch {
	case t.Minute == current:
		return true
	case t.Minute < current:
		return !queuedToday()
	default:
		return false
	}
}

// Timing parses the definition's time and weekdays.
func (d *Definition) Timing() (Timing, error) {
	minute, err := parseClock(d.Time)
	if err != nil {
		return Timing{}, err
	}
	if len(d.Days) == 0 {
		return Timing{}, fmt.Errorf("%w: no days of week", ErrInvalidDefinition)
	}
	days := make([]time.Weekday, 0, len(d.Days))
	for _, name := range d.Days {
		wd, err := parseWeekday(name)
		if err != nil {
			return Timing{}, err
		}
		if !slices.Contains(days, wd) {
			days = append(days, wd)
		}
	}
	return Timing{Minute: minute, Days: days}, nil
}

// Validate checks a definition before it is stored and normalises its
// time to HH:MM and its days to lowercase names.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.TemplateID) == "" {
		return fmt.Errorf("%w: template_id is required", ErrInvalidDefinition)
	}
	if strings.TrimSpace(d.TaskType) == "" {
		return fmt.Errorf("%w: task_type is required", ErrInvalidDefinition)
	}
	t, err := d.Timing()
	if err != nil {
		return err
	}
	d.Time = fmt.Sprintf("%02d:%02d", t.Minute/60, t.Minute%60)
	days := make([]string, 0, len(t.Days))
	for _, wd := range t.Days {
		days = append(days, strings.ToLower(wd.String()))
	}
	d.Days = days
	return nil
}

// parseClock accepts HH:MM, and HH:MM:SS as stored by older rows.
func parseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Hour()*60 + t.Minute(), nil
		}
	}
	return 0, fmt.Errorf("%w: time %q is not HH:MM", ErrInvalidDefinition, s)
}

func parseWeekday(name string) (time.Weekday, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if strings.ToLower(wd.String()) == n {
			return wd, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown weekday %q", ErrInvalidDefinition, name)
}

func (d *Definition) entry(now time.Time) *QueueEntry {
	return &QueueEntry{
		TemplateID:      d.TemplateID,
		TaskType:        d.TaskType,
		Floor:           d.Floor,
		ShelfPoint:      d.ShelfPoint,
		RobotID:         d.RobotID,
		Status:          StatusQueued,
		IsRecurring:     true,
		RecurringTaskID: d.ID,
		QueuedDate:      now.Format(dateLayout),
		Schedule: EntrySchedule{
			Time:        d.Time,
			DaysOfWeek:  slices.Clone(d.Days),
			IsRecurring: true,
		},
		CreatedAt: now.UTC(),
	}
}
