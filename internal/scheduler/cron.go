package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	fieldMinute = iota
	fieldHour
	fieldDay
	fieldMonth
	fieldWeekday
)

// cronFields are the bounds of the five fields, in expression order.
var cronFields = [...]struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// CronExpr is a parsed 5-field cron expression. Each field is a bit set of allowed values.
type CronExpr struct {
	fields [len(cronFields)]uint64
}

// ParseCron parses a standard 5-field cron expression. Every field takes a comma-separated
// list of "*", "n" or "n-m", each optionally followed by "/step". Day-of-week 7 is Sunday.
func ParseCron(expr string) (*CronExpr, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(cronFields) {
		return nil, fmt.Errorf("cron expression must have %d fields, got %d", len(cronFields), len(parts))
	}

	c := &CronExpr{}
	for i, f := range cronFields {
		set, err := parseSet(parts[i], f.min, f.max)
		if err != nil {
			return nil, fmt.Errorf("%s field: %w", f.name, err)
		}
		c.fields[i] = set
	}
	if c.fields[fieldWeekday]&(1<<7) != 0 {
		c.fields[fieldWeekday] = c.fields[fieldWeekday]&^(1<<7) | 1
	}
	return c, nil
}

func parseSet(field string, min, max int) (uint64, error) {
	var set uint64
	for _, item := range strings.Split(field, ",") {
		base, stepText, stepped := strings.Cut(item, "/")
		step := 1
		if stepped {
			n, err := strconv.Atoi(stepText)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid step in %q", item)
			}
			step = n
		}

		lo, hi, err := parseRange(base, min, max)
		if err != nil {
			return 0, err
		}
		// "n/step" runs from n to the end of the field.
		if stepped && base != "*" && !strings.Contains(base, "-") {
			hi = max
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

func parseRange(base string, min, max int) (int, int, error) {
	if base == "*" {
		return min, max, nil
	}
	loText, hiText, isRange := strings.Cut(base, "-")
	lo, err := strconv.Atoi(loText)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid value %q", base)
	}
	hi := lo
	if isRange {
		if hi, err = strconv.Atoi(hiText); err != nil {
			return 0, 0, fmt.Errorf("invalid value %q", base)
		}
	}
	if lo < min || hi > max || lo > hi {
		return 0, 0, fmt.Errorf("%q is outside %d-%d", base, min, max)
	}
	return lo, hi, nil
}

func (c *CronExpr) has(field, v int) bool {
	return c.fields[field]&(1<<uint(v)) != 0
}

func (c *CronExpr) matchesDay(t time.Time) bool {
	return c.has(fieldMonth, int(t.Month())) &&
		c.has(fieldDay, t.Day()) &&
		c.has(fieldWeekday, int(t.Weekday()))
}

// Matches reports whether t falls on the expression, at minute granularity.
func (c *CronExpr) Matches(t time.Time) bool {
	return c.matchesDay(t) && c.has(fieldHour, t.Hour()) && c.has(fieldMinute, t.Minute())
}

// Next returns the first matching minute after t, or the zero time when none
// exists within a year (e.g. 31 February).
func (c *CronExpr) Next(t time.Time) time.Time {
	next := t.Truncate(time.Minute).Add(time.Minute)
	limit := next.AddDate(1, 0, 0)
	for next.Before(limit) {
		y, m, d := next.Date()
		switch {
		case !c.matchesDay(next):
			next = time.Date(y, m, d+1, 0, 0, 0, 0, next.Location())
		case !c.has(fieldHour, next.Hour()):
			next = time.Date(y, m, d, next.Hour()+1, 0, 0, 0, next.Location())
		case !c.has(fieldMinute, next.Minute()):
			next = next.Add(time.Minute)
		default:
			return next
		}
	}
	return time.Time{}
}
