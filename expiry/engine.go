package expiry

import (
	"fmt"
	"time"
)

// RiskLevel is the perishability tier assigned by the safety classifier.
type RiskLevel string

const (
	RiskVeryLow  RiskLevel = "VERY_LOW"
	RiskLow      RiskLevel = "LOW"
	RiskModerate RiskLevel = "MODERATE"
	RiskHigh     RiskLevel = "HIGH"
	RiskVeryHigh RiskLevel = "VERY_HIGH"
)

// Table maps a risk level to the duration after preparation during which the
// item remains safe to fulfill.
type Table map[RiskLevel]time.Duration

// DefaultTable follows the FSSAI 2-hour/4-hour guidance used by the original
// donation platform.
var DefaultTable = Table{
	RiskVeryLow:  6 * time.Hour,
	RiskLow:      4 * time.Hour,
	RiskModerate: 2 * time.Hour,
	RiskHigh:     1 * time.Hour,
	RiskVeryHigh: 30 * time.Minute,
}

// Window returns the safe window for the given risk level. Unrecognized or
// empty levels fall back to MODERATE rather than failing.
func (t Table) Window(risk RiskLevel) time.Duration {
	if d, ok := t[risk]; ok {
		return d
	}
	return t[RiskModerate]
}

// Deadline computes the instant after which an item prepared at preparedAt
// must be treated as unsafe. It is a pure function of its inputs.
func Deadline(tbl Table, risk RiskLevel, preparedAt time.Time) time.Time {
	if tbl == nil {
		tbl = DefaultTable
	}
	return preparedAt.Add(tbl.Window(risk))
}

// Countdown is a human-oriented remaining-time snapshot.
type Countdown struct {
	Hours   int
	Minutes int
}

// Remaining reports the rounded time left before deadline. The boolean is
// false once the deadline has passed.
func Remaining(deadline, now time.Time) (Countdown, bool) {
	left := deadline.Sub(now)
	if left <= 0 {
		return Countdown{}, false
	}
	totalMinutes := int(left / time.Minute)
	return Countdown{
		Hours:   totalMinutes / 60,
		Minutes: totalMinutes % 60,
	}, true
}

// String renders the countdown the way the original timer displayed it:
// "1h 30m" above an hour, "45m" below.
func (c Countdown) String() string {
	if c.Hours > 0 {
		return fmt.Sprintf("%dh %dm", c.Hours, c.Minutes)
	}
	return fmt.Sprintf("%dm", c.Minutes)
}
