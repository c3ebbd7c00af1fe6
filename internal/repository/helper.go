package repository

import (
	"database/sql"
	"fmt"
	"time"
)

// ParseTime parses a date string in "2006-01-02", "2006-01-02 15:04:05" or
// RFC3339 format. All results are UTC.
func ParseTime(str string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, str); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("failed to parse date %q", str)
}

// FormatDate renders a date-only column value.
func FormatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// FormatTime renders a datetime column value.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// nullTime converts an optional time into a driver value.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

// scanNullTime converts a nullable datetime column into *time.Time.
func scanNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullFloat converts an optional float into a driver value.
func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// nullInt converts an optional int64 into a driver value.
func nullInt(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}

// nullString converts an optional string into a driver value.
func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// floatPtr returns a pointer for a valid nullable column.
func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

// intPtr returns a pointer for a valid nullable column.
func intPtr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

// stringPtr returns a pointer for a valid nullable column.
func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
