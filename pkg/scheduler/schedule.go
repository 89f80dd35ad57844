package scheduler

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IntervalSchedule fires a job every Interval, counted from its last run.
// StartTime is kept in the stored form; NextExecutionTime does not read it.
//
// The interval uses the store's time-value form ("5m", "1h", "1d").
type IntervalSchedule struct {
	Interval  string `json:"interval"`
	StartTime int64  `json:"start_time,omitempty"`
}

// Period parses the schedule interval. The "d" unit means 24 hours.
func (s *IntervalSchedule) Period() (time.Duration, error) {
	if s == nil {
		return 0, fmt.Errorf("schedule is nil")
	}
	raw := strings.TrimSpace(s.Interval)
	if raw == "" {
		return 0, fmt.Errorf("schedule interval is required")
	}
	if strings.HasSuffix(raw, "d") {
		days, err := strconv.ParseInt(strings.TrimSuffix(raw, "d"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid schedule interval %q", raw)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule interval %q", raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("schedule interval must be positive")
	}
	return d, nil
}

// NextExecutionTime returns the first firing strictly after last. A zero
// last means the job has never run: the next firing is now.
func (s *IntervalSchedule) NextExecutionTime(last, now time.Time) (time.Time, error) {
	period, err := s.Period()
	if err != nil {
		return time.Time{}, err
	}
	if last.IsZero() {
		return now, nil
	}
	return last.Add(period), nil
}

// Due reports whether the job should fire at now given its last run.
func (s *IntervalSchedule) Due(last, now time.Time) bool {
	next, err := s.NextExecutionTime(last, now)
	if err != nil {
		return false
	}
	return !next.After(now)
}

// UnmarshalJSON accepts both the flat string form ("5m") and the object
// form {"interval": "5m", "start_time": ...}.
func (s *IntervalSchedule) UnmarshalJSON(data []byte) error {
	var flat string
	if err := json.Unmarshal(data, &flat); err == nil {
		s.Interval = flat
		s.StartTime = 0
		return nil
	}

	type alias IntervalSchedule
	var obj alias
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("parse schedule: %w", err)
	}
	*s = IntervalSchedule(obj)
	return nil
}
