// Package datetime normalizes loosely formatted date strings into
// timezone-aware timestamps. Every failure mode collapses into a single
// error kind, InvalidDateError.
package datetime

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// InvalidDateError is returned when the input is absent, does not match any
// supported date grammar, names an impossible calendar date, or carries a
// timezone offset outside the plausible range.
type InvalidDateError struct {
	Date string
}

func (e *InvalidDateError) Error() string {
	return fmt.Sprintf("%s is not a valid date", e.Date)
}

// Timestamps representable between years 1 and 9999.
const (
	minUnixTime = -62135596800
	maxUnixTime = 253402300799

	maxZoneOffset = 14 * 60 * 60 // seconds
)

var (
	// trailing "(GMT+1)"-style timezone comments carry no information the
	// numeric offset does not already have
	tzCommentRe = regexp.MustCompile(`\s*\([^)]*\)$`)

	tripleRe       = regexp.MustCompile(`^(\d{1,4})-(\d{1,2})-(\d{1,4})$`)
	triplePrefixRe = regexp.MustCompile(`^\d{1,4}-\d{1,2}-\d{1,4}`)
	isoTimeRe      = regexp.MustCompile(`^[T ](\d{1,2}):(\d{2})(?::(\d{2}))?(?:\.(\d+))?(?:\s?(Z|[+-]\d{4}|[+-]\d{2}:\d{2}))?$`)
)

// StrToDatetime converts a date string into a timezone-aware time.Time.
//
// Dash-separated numeric triples are resolved explicitly: YYYY-MM-DD when
// the year comes first, day-first DD-MM-YYYY when the year comes last, and
// MM-DD-YY with the usual two-digit year shortcut otherwise. An optional
// ISO-like time suffix may carry a Z marker or a ±HHMM offset. Every other
// grammar (RFC-822-style strings among them) is delegated to the dateparse
// library; trailing parenthetical timezone comments are stripped first.
//
// The result carries explicit timezone information: UTC when the input has
// none (or says Z), a fixed offset when one is given. Any malformed,
// impossible or out-of-range input fails with *InvalidDateError.
func StrToDatetime(s string) (time.Time, error) {
	orig := s
	s = strings.TrimSpace(s)
	s = strings.TrimSpace(tzCommentRe.ReplaceAllString(s, ""))
	if s == "" {
		return time.Time{}, &InvalidDateError{Date: orig}
	}

	datePart, rest := s, ""
	if i := strings.IndexAny(s, " T"); i > 0 {
		datePart, rest = s[:i], s[i:]
	}

	if m := tripleRe.FindStringSubmatch(datePart); m != nil {
		return parseTriple(orig, m, rest)
	}
	if triplePrefixRe.MatchString(datePart) {
		// начинается как числовая дата, но с мусором в хвосте:
		// dateparse молча разобрал бы такое не в ту дату
		return time.Time{}, &InvalidDateError{Date: orig}
	}

	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, &InvalidDateError{Date: orig}
	}
	if _, off := t.Zone(); off < -maxZoneOffset || off > maxZoneOffset {
		return time.Time{}, &InvalidDateError{Date: orig}
	}
	return t, nil
}

// UnixTimeToDatetime converts a unix timestamp into a UTC time.Time.
// It fails with *InvalidDateError when the value cannot denote a
// representable date.
func UnixTimeToDatetime(ut float64) (time.Time, error) {
	if math.IsNaN(ut) || math.IsInf(ut, 0) || ut < minUnixTime || ut > maxUnixTime {
		return time.Time{}, &InvalidDateError{Date: strconv.FormatFloat(ut, 'f', -1, 64)}
	}
	sec, frac := math.Modf(ut)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

func parseTriple(orig string, m []string, rest string) (time.Time, error) {
	year, month, day, ok := resolveTriple(m[1], m[2], m[3])
	if !ok {
		return time.Time{}, &InvalidDateError{Date: orig}
	}
	if rest == "" {
		return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
	}

	tm := isoTimeRe.FindStringSubmatch(rest)
	if tm == nil {
		return time.Time{}, &InvalidDateError{Date: orig}
	}
	hour, _ := strconv.Atoi(tm[1])
	min, _ := strconv.Atoi(tm[2])
	sec := 0
	if tm[3] != "" {
		sec, _ = strconv.Atoi(tm[3])
	}
	if hour > 23 || min > 59 || sec > 59 {
		return time.Time{}, &InvalidDateError{Date: orig}
	}
	nsec := 0
	if tm[4] != "" {
		frac := tm[4]
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		nsec, _ = strconv.Atoi(frac)
	}
	loc, ok := parseZone(tm[5])
	if !ok {
		return time.Time{}, &InvalidDateError{Date: orig}
	}
	return time.Date(year, time.Month(month), day, hour, min, sec, nsec, loc), nil
}

// resolveTriple applies the day-first and year-shortcut heuristics to an
// all-numeric A-B-C date.
func resolveTriple(a, b, c string) (year, month, day int, ok bool) {
	ai, _ := strconv.Atoi(a)
	bi, _ := strconv.Atoi(b)
	ci, _ := strconv.Atoi(c)

	switch {
	case len(a) == 4:
		year, month, day = ai, bi, ci
	case len(c) == 4:
		// 13-01-2001 reads day-first
		day, month, year = ai, bi, ci
	default:
		month, day, year = ai, bi, shortYear(ci)
	}
	return year, month, day, validDate(year, month, day)
}

func shortYear(y int) int {
	if y < 70 {
		return 2000 + y
	}
	return 1900 + y
}

// validDate rejects impossible calendar dates (month 13, April 31) that
// time.Date would silently normalize.
func validDate(y, m, d int) bool {
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	return t.Year() == y && int(t.Month()) == m && t.Day() == d
}

func parseZone(z string) (*time.Location, bool) {
	if z == "" || z == "Z" {
		return time.UTC, true
	}
	sign := 1
	if z[0] == '-' {
		sign = -1
	}
	digits := strings.Replace(z[1:], ":", "", 1)
	hh, _ := strconv.Atoi(digits[:2])
	mm, _ := strconv.Atoi(digits[2:])
	if mm > 59 {
		return nil, false
	}
	off := sign * (hh*3600 + mm*60)
	if off < -maxZoneOffset || off > maxZoneOffset {
		return nil, false
	}
	return time.FixedZone("", off), true
}
