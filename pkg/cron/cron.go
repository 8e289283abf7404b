// Package cron implements the kernel's CronManager: a 5-field cron expression
// parser, next-fire-time computation, a 60-second tick engine, and an
// event-trigger engine.
//
// The tick engine's shape is grounded on pkg/scheduler/scheduler.go's
// ticker-loop (time.NewTicker + select + per-cycle error isolation so one bad
// job never halts the loop). The event-trigger engine additionally borrows
// pkg/reconciler's discipline of re-reading all state fresh on every cycle
// rather than caching it.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// fieldSpec holds the valid numeric range for one of the five cron fields.
type fieldSpec struct {
	min, max int
}

var fieldSpecs = [5]fieldSpec{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week, 0 = Sunday
}

// Expression is a parsed 5-field cron expression: for each field, the set of
// values at which the expression matches.
type Expression struct {
	raw    string
	fields [5]map[int]bool
}

// Parse validates and compiles a 5-field cron expression.
func Parse(expr string) (*Expression, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d: %q", len(parts), expr)
	}

	e := &Expression{raw: expr}
	for i, part := range parts {
		set, err := parseField(part, fieldSpecs[i])
		if err != nil {
			return nil, fmt.Errorf("cron: field %d (%q): %w", i, part, err)
		}
		e.fields[i] = set
	}
	return e, nil
}

func parseField(field string, spec fieldSpec) (map[int]bool, error) {
	set := make(map[int]bool)
	for _, term := range strings.Split(field, ",") {
		if err := parseTerm(term, spec, set); err != nil {
			return nil, err
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("empty field")
	}
	return set, nil
}

func parseTerm(term string, spec fieldSpec, set map[int]bool) error {
	rangePart, step, hasStep := strings.Cut(term, "/")
	stepN := 1
	if hasStep {
		n, err := strconv.Atoi(step)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid step %q", step)
		}
		stepN = n
	}

	var lo, hi int
	switch {
	case rangePart == "*":
		lo, hi = spec.min, spec.max
	case strings.Contains(rangePart, "-"):
		a, b, _ := strings.Cut(rangePart, "-")
		var err error
		lo, err = strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("invalid range start %q", a)
		}
		hi, err = strconv.Atoi(b)
		if err != nil {
			return fmt.Errorf("invalid range end %q", b)
		}
	default:
		if hasStep {
			return fmt.Errorf("step without range or *: %q", term)
		}
		n, err := strconv.Atoi(rangePart)
		if err != nil {
			return fmt.Errorf("invalid value %q", rangePart)
		}
		lo, hi = n, n
	}

	if lo < spec.min || hi > spec.max || lo > hi {
		return fmt.Errorf("value out of range [%d,%d]: %q", spec.min, spec.max, term)
	}
	for v := lo; v <= hi; v += stepN {
		set[v] = true
	}
	return nil
}

func (e *Expression) matches(t time.Time) bool {
	dow := int(t.Weekday())
	return e.fields[0][t.Minute()] &&
		e.fields[1][t.Hour()] &&
		e.fields[2][t.Day()] &&
		e.fields[3][int(t.Month())] &&
		e.fields[4][dow]
}

// maxLookaheadMinutes bounds NextAfter's search to roughly two years.
const maxLookaheadMinutes = 2 * 366 * 24 * 60

// NextAfter returns the first minute-aligned instant strictly after `after`
// that matches the expression. If none is found within the lookahead bound,
// it falls back to after+24h to avoid livelock.
func (e *Expression) NextAfter(after time.Time) time.Time {
	cursor := after.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < maxLookaheadMinutes; i++ {
		if e.matches(cursor) {
			return cursor
		}
		cursor = cursor.Add(time.Minute)
	}
	return after.Add(24 * time.Hour)
}

// GetNextCronTime parses expr and returns the next fire time after `after`,
// evaluated in after's own location. Schedules with an explicit timezone
// should use GetNextCronTimeIn instead.
func GetNextCronTime(expr string, after time.Time) (time.Time, error) {
	parsed, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.NextAfter(after), nil
}

// GetNextCronTimeIn parses expr and returns the next fire time after
// `after`, with the five fields matched against the wall-clock time in the
// named IANA zone (empty string defaults to UTC, matching CronJob.Timezone's
// documented default). The returned time is an equivalent instant, just
// expressed in that zone's Location.
func GetNextCronTimeIn(expr string, after time.Time, timezone string) (time.Time, error) {
	loc, err := loadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("cron: invalid timezone %q: %w", timezone, err)
	}
	parsed, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.NextAfter(after.In(loc)), nil
}

func loadLocation(timezone string) (*time.Location, error) {
	if timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(timezone)
}
