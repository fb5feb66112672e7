package companion

import (
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

// Layouts accepted for stored timestamps. Records written by older clients carry
// zoneless ISO timestamps, with either a T or a space separator.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func FormatTimestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// ParseTimestamp parses a stored timestamp. Zoneless values are read as local time.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		var (
			t   time.Time
			err error
		)
		if layout == time.RFC3339Nano {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, time.Local)
		}
		if err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// LocalTime shifts now by the user's configured hour offset.
func LocalTime(now time.Time, offsetHours int) time.Time {
	return now.Add(time.Duration(offsetHours) * time.Hour)
}
