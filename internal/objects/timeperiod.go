package objects

import (
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// Timeperiod is a named calendar of valid times: per-weekday HH:MM-HH:MM
// range lists, date exceptions that override the weekday grid, and excluded
// periods that override everything. Exclusions are resolved to pointers when
// the config links.
type Timeperiod struct {
	Name        string
	DisplayName string
	Ranges      map[time.Weekday]string
	Exceptions  []string
	Exclusions  []*Timeperiod
}

// timeRange is one parsed HH:MM-HH:MM window.
type timeRange struct {
	startMin int
	endMin   int
}

// ParseTimeRanges parses "HH:MM-HH:MM,HH:MM-HH:MM,...".
func ParseTimeRanges(s string) ([]timeRange, error) {
	if s == "" {
		return nil, nil
	}
	var ranges []timeRange
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		halves := strings.SplitN(part, "-", 2)
		if len(halves) != 2 {
			return nil, trace.BadParameter("invalid time range %q", part)
		}
		start, err := parseHHMM(halves[0])
		if err != nil {
			return nil, trace.Wrap(err)
		}
		end, err := parseHHMM(halves[1])
		if err != nil {
			return nil, trace.Wrap(err)
		}
		ranges = append(ranges, timeRange{startMin: start, endMin: end})
	}
	return ranges, nil
}

func parseHHMM(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, trace.BadParameter("invalid time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, trace.BadParameter("invalid hour %q", parts[0])
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, trace.BadParameter("invalid minute %q", parts[1])
	}
	return h*60 + m, nil
}

// Contains reports whether t falls inside the timeperiod. A nil timeperiod
// admits everything.
func (tp *Timeperiod) Contains(t time.Time) bool {
	if tp == nil {
		return true
	}
	for _, exc := range tp.Exclusions {
		if exc.Contains(t) {
			return false
		}
	}
	// Date exceptions beat the weekday grid.
	for _, exc := range tp.Exceptions {
		if matchException(exc, t) {
			return true
		}
	}
	rangeStr, ok := tp.Ranges[t.Weekday()]
	if !ok || rangeStr == "" {
		return false
	}
	ranges, err := ParseTimeRanges(rangeStr)
	if err != nil {
		return false
	}
	return timeInRanges(t, ranges)
}

// NextValidTime returns the earliest time >= t the timeperiod admits,
// searching forward minute-by-minute up to a year. Falls back to t when no
// valid minute exists.
func (tp *Timeperiod) NextValidTime(t time.Time) time.Time {
	if tp == nil || tp.Contains(t) {
		return t
	}
	limit := t.Add(366 * 24 * time.Hour)
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	for candidate.Before(limit) {
		if tp.Contains(candidate) {
			return candidate
		}
		candidate = candidate.Add(time.Minute)
	}
	return t
}

func timeInRanges(t time.Time, ranges []timeRange) bool {
	minutes := t.Hour()*60 + t.Minute()
	for _, r := range ranges {
		if minutes >= r.startMin && minutes < r.endMin {
			return true
		}
	}
	return false
}

// matchException evaluates one raw exception directive against t. Supported
// forms:
//
//	"2026-12-25 00:00-24:00"            calendar date
//	"december 25 00:00-24:00"           month day
//	"monday 1 september 00:00-24:00"    Nth weekday of month (-1 = last)
//	"day 21 00:00-24:00"                day of month
func matchException(raw string, t time.Time) bool {
	parts := strings.Fields(raw)
	if len(parts) < 2 {
		return false
	}

	// Calendar date.
	if strings.Count(parts[0], "-") == 2 && len(parts[0]) >= 8 {
		dateParts := strings.SplitN(parts[0], "-", 3)
		yr, _ := strconv.Atoi(dateParts[0])
		mo, _ := strconv.Atoi(dateParts[1])
		dy, _ := strconv.Atoi(dateParts[2])
		if t.Year() == yr && int(t.Month()) == mo && t.Day() == dy {
			ranges, _ := ParseTimeRanges(parts[len(parts)-1])
			return timeInRanges(t, ranges)
		}
		return false
	}

	// Month day: "december 25 ranges".
	if mo := parseMonth(parts[0]); mo > 0 && len(parts) >= 3 {
		day, err := strconv.Atoi(parts[1])
		if err == nil && int(t.Month()) == mo && t.Day() == day {
			ranges, _ := ParseTimeRanges(parts[2])
			return timeInRanges(t, ranges)
		}
	}

	// Nth weekday of month: "monday 1 september ranges".
	if wd := parseWeekday(parts[0]); wd >= 0 && len(parts) >= 4 {
		n, err := strconv.Atoi(parts[1])
		if err == nil {
			if mo := parseMonth(parts[2]); mo > 0 && matchWeekdayOfMonth(t, wd, n, mo) {
				ranges, _ := ParseTimeRanges(parts[3])
				return timeInRanges(t, ranges)
			}
		}
	}

	// Day of month: "day 21 ranges".
	if parts[0] == "day" && len(parts) >= 3 {
		day, err := strconv.Atoi(parts[1])
		if err == nil && t.Day() == day {
			ranges, _ := ParseTimeRanges(parts[2])
			return timeInRanges(t, ranges)
		}
	}

	return false
}

func matchWeekdayOfMonth(t time.Time, weekday, n, month int) bool {
	if int(t.Month()) != month || int(t.Weekday()) != weekday {
		return false
	}
	if n > 0 {
		return (t.Day()-1)/7+1 == n
	}
	// Negative counts from the end of the month: -1 = last.
	daysInMonth := time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
	weekNum := (daysInMonth - t.Day()) / 7
	return weekNum == -n-1
}

var monthNames = map[string]int{
	"january": 1, "february": 2, "march": 3, "april": 4,
	"may": 5, "june": 6, "july": 7, "august": 8,
	"september": 9, "october": 10, "november": 11, "december": 12,
}

func parseMonth(s string) int {
	return monthNames[strings.ToLower(s)]
}

var weekdayNames = map[string]int{
	"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3,
	"thursday": 4, "friday": 5, "saturday": 6,
}

func parseWeekday(s string) int {
	v, ok := weekdayNames[strings.ToLower(s)]
	if !ok {
		return -1
	}
	return v
}
