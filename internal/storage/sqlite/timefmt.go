package sqlite

import "time"

// timeLayout is used for every TEXT timestamp this package writes from
// Go. It is RFC3339 in UTC with a fixed nine-digit fraction, so values
// sort lexicographically the same as chronologically, which every ORDER
// BY and range query in this package depends on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime also accepts SQLite's datetime('now') form, which the schema
// defaults and the server-side updated_at bumps write.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t, nil
	}
	if t2, err2 := time.Parse("2006-01-02 15:04:05", s); err2 == nil {
		return t2, nil
	}
	return time.Time{}, err
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseOptionalTime(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func durationFromNs(ns int64) time.Duration {
	return time.Duration(ns)
}
