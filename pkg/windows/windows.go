// Package windows evaluates weekly allow/deny windows that gate when the
// watchdog may issue reboots. Expressions are of the form
//
//	[dayspec] HH:MM-HH:MM
//
// where dayspec is "*" (default), a day name ("mon", "saturday"), a range
// ("mon-fri") or a comma list ("sat,sun"). End times are exclusive; a range
// whose end is not after its start wraps past midnight.
package windows

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Evaluator decides whether reboots are permitted at a point in time.
type Evaluator interface {
	Evaluate(time.Time) Decision
}

// Decision explains the outcome of a window evaluation.
type Decision struct {
	Allowed         bool
	AllowConfigured bool
	MatchedAllow    string
	MatchedDeny     string
}

const (
	minuteSeconds = 60
	daySeconds    = 24 * 60 * minuteSeconds
	weekSeconds   = 7 * daySeconds
)

type span struct {
	start int // seconds since start of week, inclusive
	end   int // exclusive
	expr  string
}

type evaluator struct {
	allow []span
	deny  []span
}

// NewEvaluator parses allow and deny expressions. When both lists are empty a
// nil Evaluator is returned and callers should treat every time as allowed.
func NewEvaluator(allowExprs, denyExprs []string) (Evaluator, error) {
	eval := &evaluator{}

	var err error
	if eval.deny, err = parseAll("deny", denyExprs); err != nil {
		return nil, err
	}
	if eval.allow, err = parseAll("allow", allowExprs); err != nil {
		return nil, err
	}

	if len(eval.allow) == 0 && len(eval.deny) == 0 {
		return nil, nil
	}
	return eval, nil
}

// Evaluate implements Evaluator. Deny windows take precedence; when allow
// windows are configured, any time outside all of them is denied.
func (e *evaluator) Evaluate(t time.Time) Decision {
	seconds := weekOffset(t)
	decision := Decision{Allowed: true, AllowConfigured: len(e.allow) > 0}

	for _, s := range e.deny {
		if s.contains(seconds) {
			decision.Allowed = false
			decision.MatchedDeny = s.expr
			return decision
		}
	}

	if decision.AllowConfigured {
		decision.Allowed = false
		for _, s := range e.allow {
			if s.contains(seconds) {
				decision.Allowed = true
				decision.MatchedAllow = s.expr
				return decision
			}
		}
	}

	return decision
}

func (s span) contains(seconds int) bool {
	return seconds >= s.start && seconds < s.end
}

func weekOffset(t time.Time) int {
	return int(t.Weekday())*daySeconds + t.Hour()*60*minuteSeconds + t.Minute()*minuteSeconds + t.Second()
}

func parseAll(kind string, exprs []string) ([]span, error) {
	spans := make([]span, 0, len(exprs))
	for idx, expr := range exprs {
		trimmed := strings.TrimSpace(expr)
		if trimmed == "" {
			return nil, fmt.Errorf("windows.%s[%d]: expression must not be empty", kind, idx)
		}
		parsed, err := parseExpression(trimmed)
		if err != nil {
			return nil, fmt.Errorf("windows.%s[%d]: %w", kind, idx, err)
		}
		spans = append(spans, parsed...)
	}
	return spans, nil
}

func parseExpression(expr string) ([]span, error) {
	tokens := strings.Fields(expr)

	dayspec := "*"
	timespec := ""
	switch len(tokens) {
	case 1:
		timespec = tokens[0]
	case 2:
		dayspec = tokens[0]
		timespec = tokens[1]
	default:
		return nil, fmt.Errorf("expected \"[days] HH:MM-HH:MM\", got %q", expr)
	}

	startSec, endSec, err := parseTimeRange(timespec)
	if err != nil {
		return nil, err
	}
	days, err := parseDays(dayspec)
	if err != nil {
		return nil, err
	}

	spans := make([]span, 0, len(days))
	for _, day := range days {
		start := int(day)*daySeconds + startSec
		end := int(day)*daySeconds + endSec
		if end <= start {
			end += daySeconds
		}
		if end > weekSeconds {
			spans = append(spans,
				span{start: start, end: weekSeconds, expr: expr},
				span{start: 0, end: end - weekSeconds, expr: expr},
			)
			continue
		}
		spans = append(spans, span{start: start, end: end, expr: expr})
	}
	return spans, nil
}

func parseTimeRange(value string) (int, int, error) {
	parts := strings.SplitN(value, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time range %q must be HH:MM-HH:MM", value)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return 0, 0, err
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseClock(value string) (int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q (expected HH:MM)", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 24 {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	if hour == 24 && minute != 0 {
		return 0, fmt.Errorf("invalid time %q", value)
	}
	return (hour*60 + minute) * minuteSeconds, nil
}

func parseDays(spec string) ([]time.Weekday, error) {
	trimmed := strings.ToLower(strings.TrimSpace(spec))
	if trimmed == "" || trimmed == "*" {
		return allDays(), nil
	}

	seen := make(map[time.Weekday]struct{})
	days := make([]time.Weekday, 0, 7)
	add := func(day time.Weekday) {
		if _, ok := seen[day]; !ok {
			seen[day] = struct{}{}
			days = append(days, day)
		}
	}

	for _, part := range strings.Split(trimmed, ",") {
		part = strings.TrimSpace(part)
		if from, to, ok := strings.Cut(part, "-"); ok {
			start, err := dayByName(from)
			if err != nil {
				return nil, err
			}
			end, err := dayByName(to)
			if err != nil {
				return nil, err
			}
			for day := start; ; day = (day + 1) % 7 {
				add(day)
				if day == end {
					break
				}
			}
			continue
		}
		day, err := dayByName(part)
		if err != nil {
			return nil, err
		}
		add(day)
	}

	if len(days) == 0 {
		return nil, fmt.Errorf("day specification %q resolved to no days", spec)
	}
	return days, nil
}

func allDays() []time.Weekday {
	return []time.Weekday{
		time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
		time.Thursday, time.Friday, time.Saturday,
	}
}

func dayByName(value string) (time.Weekday, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "sun", "sunday":
		return time.Sunday, nil
	case "mon", "monday":
		return time.Monday, nil
	case "tue", "tues", "tuesday":
		return time.Tuesday, nil
	case "wed", "weds", "wednesday":
		return time.Wednesday, nil
	case "thu", "thur", "thurs", "thursday":
		return time.Thursday, nil
	case "fri", "friday":
		return time.Friday, nil
	case "sat", "saturday":
		return time.Saturday, nil
	}
	return time.Sunday, fmt.Errorf("unknown day %q", value)
}
