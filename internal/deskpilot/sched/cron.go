package sched

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// schedule holds the sets of matching values for each of the 5 cron fields:
//
//	minute(0-59)  hour(0-23)  day-of-month(1-31)  month(1-12)  day-of-week(0-6)
type schedule struct {
	minute     []int
	hour       []int
	dayOfMonth []int
	month      []int
	dayOfWeek  []int
}

// parseCron compiles a 5-field cron expression. Field syntax:
//
//	*          every value in the allowed range
//	*/N        every Nth value (step)
//	N          single value
//	N-M        range [N, M] inclusive
//	N-M/S      range with step S
//	A,B,C      list of values
func parseCron(expr string) (*schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have exactly 5 fields, got %d in %q", len(fields), expr)
	}

	minute, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("minute field %q: %w", fields[0], err)
	}
	hour, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("hour field %q: %w", fields[1], err)
	}
	dayOfMonth, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("day-of-month field %q: %w", fields[2], err)
	}
	month, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("month field %q: %w", fields[3], err)
	}
	dayOfWeek, err := parseField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("day-of-week field %q: %w", fields[4], err)
	}

	return &schedule{
		minute:     minute,
		hour:       hour,
		dayOfMonth: dayOfMonth,
		month:      month,
		dayOfWeek:  dayOfWeek,
	}, nil
}

// parseField expands one cron field into the sorted set of matching values
// within [min, max].
func parseField(field string, min, max int) ([]int, error) {
	// Step form: */N, N/S, or N-M/S.
	if idx := strings.LastIndex(field, "/"); idx != -1 {
		step, err := strconv.Atoi(field[idx+1:])
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step value %q", field[idx+1:])
		}
		base := field[:idx]
		var start, end int
		switch {
		case base == "*":
			start, end = min, max
		case strings.Contains(base, "-"):
			start, end, err = parseSpan(base)
			if err != nil {
				return nil, err
			}
		default:
			start, err = strconv.Atoi(base)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", base)
			}
			end = max
		}
		if err := checkSpan(start, end, min, max); err != nil {
			return nil, err
		}
		var vals []int
		for v := start; v <= end; v += step {
			vals = append(vals, v)
		}
		return vals, nil
	}

	if field == "*" {
		vals := make([]int, max-min+1)
		for i := range vals {
			vals[i] = min + i
		}
		return vals, nil
	}

	if strings.Contains(field, ",") {
		seen := make(map[int]bool)
		var vals []int
		for _, part := range strings.Split(field, ",") {
			v, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("invalid list value %q", part)
			}
			if v < min || v > max {
				return nil, fmt.Errorf("value %d out of range [%d, %d]", v, min, max)
			}
			if !seen[v] {
				seen[v] = true
				vals = append(vals, v)
			}
		}
		sort.Ints(vals)
		return vals, nil
	}

	if strings.Contains(field, "-") {
		start, end, err := parseSpan(field)
		if err != nil {
			return nil, err
		}
		if err := checkSpan(start, end, min, max); err != nil {
			return nil, err
		}
		vals := make([]int, end-start+1)
		for i := range vals {
			vals[i] = start + i
		}
		return vals, nil
	}

	v, err := strconv.Atoi(field)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q", field)
	}
	if v < min || v > max {
		return nil, fmt.Errorf("value %d out of range [%d, %d]", v, min, max)
	}
	return []int{v}, nil
}

func parseSpan(s string) (start, end int, err error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range %q", s)
	}
	start, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range start %q", parts[0])
	}
	end, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range end %q", parts[1])
	}
	return start, end, nil
}

func checkSpan(start, end, min, max int) error {
	if start < min || end > max || start > end {
		return fmt.Errorf("range [%d, %d] out of bounds [%d, %d]", start, end, min, max)
	}
	return nil
}

// Next returns the first time strictly after now that matches the schedule,
// at minute resolution. Returns the zero time if no match exists within a
// year, which cannot happen for a schedule parseCron accepts.
func (s *schedule) Next(now time.Time) time.Time {
	t := now.Add(time.Minute).Truncate(time.Minute)
	for i := 0; i < 366*24*60; i++ {
		if matches(s.month, int(t.Month())) &&
			matches(s.dayOfMonth, t.Day()) &&
			matches(s.dayOfWeek, int(t.Weekday())) &&
			matches(s.hour, t.Hour()) &&
			matches(s.minute, t.Minute()) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}

func matches(vals []int, v int) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}
