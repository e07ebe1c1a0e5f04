package types

import "time"

// TimestampLayout is the canonical second-precision timestamp format used in
// every table. All timestamps are stored in US/Eastern.
const TimestampLayout = "2006-01-02T15:04:05"

// Eastern is the canonical timezone for all persisted timestamps.
var Eastern = loadEastern()

func loadEastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// Missing tzdata would silently corrupt every stored timestamp.
		panic("load America/New_York: " + err.Error())
	}
	return loc
}

// NowEastern returns the current time in the canonical timezone, truncated
// to second precision.
func NowEastern() time.Time {
	return time.Now().In(Eastern).Truncate(time.Second)
}

// FormatTimestamp renders t in the canonical layout and timezone.
func FormatTimestamp(t time.Time) string {
	return t.In(Eastern).Truncate(time.Second).Format(TimestampLayout)
}

// ParseTimestamp parses a canonical timestamp string.
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, s, Eastern)
}
