// Package quiethours evaluates user-defined daily suppression windows.
package quiethours

import (
	"fmt"
	"time"
)

// TimeOfDay is an offset from local midnight.
type TimeOfDay time.Duration

func Clock(hour, minute int) TimeOfDay {
	return TimeOfDay(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay(time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

// Of returns the time-of-day component of t in t's location.
func Of(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return TimeOfDay(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second)
}

func (t TimeOfDay) String() string {
	d := time.Duration(t)
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

// IsQuietHours reports whether now falls in [start, end). When start > end
// the window wraps past midnight.
func IsQuietHours(now, start, end TimeOfDay) bool {
	if start <= end {
		return now >= start && now < end
	}
	return now >= start || now < end
}

// Window is a configured quiet-hours range.
type Window struct {
	Enabled bool
	Start   TimeOfDay
	End     TimeOfDay
}

func NewWindow(enabled bool, start, end string) (Window, error) {
	s, err := ParseTimeOfDay(start)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseTimeOfDay(end)
	if err != nil {
		return Window{}, err
	}
	return Window{Enabled: enabled, Start: s, End: e}, nil
}

func (w Window) Contains(now time.Time) bool {
	if !w.Enabled {
		return false
	}
	return IsQuietHours(Of(now), w.Start, w.End)
}
