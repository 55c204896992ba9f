package parse

import (
	"fmt"
	"strconv"
	"strings"
)

// Returned when clock time text can't be decoded.
type FormatError struct {
	Text   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid time '%s': %s", e.Text, e.Reason)
}

// Largest hour accepted in clock times, as for GTFS stop times.
const MaxHour = 99

// Largest number of seconds ParseTime can return.
const MaxTimeSec = MaxHour*3600 + 59*60 + 59

// Parses GTFS style "HH:MM:SS" into seconds since start of service
// day. Hours may be 24 or more for trips running past midnight, up to
// MaxHour. Each field is plain digits; signs are rejected.
func ParseTime(s string) (int, error) {
	split := strings.Split(strings.TrimSpace(s), ":")
	if len(split) != 3 {
		return 0, &FormatError{s, fmt.Sprintf("found %d parts", len(split))}
	}

	hms := [3]int{}
	for i, str := range split {
		if !isDigits(str) {
			return 0, &FormatError{s, fmt.Sprintf("non-integer in pos %d", i)}
		}
		j, err := strconv.Atoi(str)
		if err != nil {
			return 0, &FormatError{s, fmt.Sprintf("out of range in pos %d", i)}
		}
		hms[i] = j
	}

	if hms[0] > MaxHour {
		return 0, &FormatError{s, "invalid hour"}
	}
	if hms[1] > 59 {
		return 0, &FormatError{s, "invalid minute"}
	}
	if hms[2] > 59 {
		return 0, &FormatError{s, "invalid second"}
	}

	return hms[0]*3600 + hms[1]*60 + hms[2], nil
}

// Parses a query time: empty for the start of the service day, a
// plain number of seconds, or "HH:MM:SS".
func ParseQueryTime(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if !isDigits(s) {
		return ParseTime(s)
	}

	sec, err := strconv.Atoi(s)
	if err != nil || sec > MaxTimeSec {
		return 0, &FormatError{s, "seconds out of range"}
	}
	return sec, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Formats service day seconds as "HH:MM:SS". Hours are not wrapped
// at 24.
func FormatTime(sec int) string {
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
