package schedule

import (
	"fmt"
	"slices"
	"time"

	"github.com/odyssey-erp/accessgate/internal/rbac"
)

// Result explains a schedule decision.
type Result struct {
	Allowed bool
	// Exception is the date override that decided the result, if any.
	Exception *rbac.DateException
	Detail    string
}

// Guard evaluates role time windows in a fixed location.
type Guard struct {
	loc *time.Location
}

// NewGuard returns a guard evaluating in loc. A nil loc means UTC.
func NewGuard(loc *time.Location) *Guard {
	if loc == nil {
		loc = time.UTC
	}
	return &Guard{loc: loc}
}

// Location returns the evaluation location.
func (g *Guard) Location() *time.Location {
	return g.loc
}

// IsWithinWindow reports whether now is inside the permitted windows of restrictions.
func (g *Guard) IsWithinWindow(restrictions *rbac.Restrictions, now time.Time) bool {
	return g.Evaluate(restrictions, now).Allowed
}

// Evaluate applies the rules: no windows allows; a date exception for today
// wins; otherwise some window must cover the weekday and time of day.
func (g *Guard) Evaluate(restrictions *rbac.Restrictions, now time.Time) Result {
	if restrictions == nil || len(restrictions.TimeWindows) == 0 {
		return Result{Allowed: true, Detail: "no time windows"}
	}
	local := now.In(g.loc)
	today := local.Format(time.DateOnly)
	for i := range restrictions.Exceptions {
		ex := restrictions.Exceptions[i]
		if ex.Date != today {
			continue
		}
		detail := fmt.Sprintf("exception %s", ex.Date)
		if ex.Reason != "" {
			detail += ": " + ex.Reason
		}
		return Result{Allowed: ex.Allowed, Exception: &ex, Detail: detail}
	}

	tod := sinceMidnight(local)
	day := local.Weekday()
	for _, w := range restrictions.TimeWindows {
		if covers(w, day, tod) {
			return Result{Allowed: true, Detail: fmt.Sprintf("within %s-%s", w.Start, w.End)}
		}
	}
	return Result{Detail: fmt.Sprintf("outside permitted windows at %s %s", day, local.Format("15:04"))}
}

// covers reports whether w includes the instant. Windows are [start, end);
// when end <= start the window runs past midnight and the tail belongs to
// the start day.
func covers(w rbac.TimeWindow, day time.Weekday, tod time.Duration) bool {
	start, end, err := w.Bounds()
	if err != nil {
		return false
	}
	if start < end {
		return slices.Contains(w.Days, day) && tod >= start && tod < end
	}
	if slices.Contains(w.Days, day) && tod >= start {
		return true
	}
	prev := (day + 6) % 7
	return slices.Contains(w.Days, prev) && tod < end
}

func sinceMidnight(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
}
