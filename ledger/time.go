package ledger

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// DATE - Calendar day (billing and enrollment never need a time of day)
// =============================================================================

const dateLayout = "2006-01-02"

// Date is a calendar day. The zero value means "unset".
type Date struct {
	t time.Time
}

// NewDate builds a Date from year, month and day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day in t's own location.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

// ParseDate parses "2006-01-02".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date{t: t}, nil
}

// Comparison
func (d Date) Before(other Date) bool { return d.t.Before(other.t) }
func (d Date) After(other Date) bool  { return d.t.After(other.t) }
func (d Date) Equal(other Date) bool  { return d.t.Equal(other.t) }
func (d Date) IsZero() bool           { return d.t.IsZero() }

// Arithmetic
func (d Date) AddDays(n int) Date { return Date{t: d.t.AddDate(0, 0, n)} }

// Properties
func (d Date) Year() int         { return d.t.Year() }
func (d Date) Month() time.Month { return d.t.Month() }
func (d Date) Day() int          { return d.t.Day() }
func (d Date) Time() time.Time   { return d.t }
func (d Date) String() string    { return d.t.Format(dateLayout) }
func (d Date) Ptr() *Date        { return &d }

// Given returns d, or nil when d is nil or the zero Date. A JSON "" decodes to
// a zero Date, which means "not given".
func Given(d *Date) *Date {
	if d == nil || d.IsZero() {
		return nil
	}
	return d
}

// EndOfMonth returns the last day of the given month.
func EndOfMonth(year int, month time.Month) Date {
	return Date{t: time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)}
}

// =============================================================================
// PERSISTENCE + JSON
// =============================================================================

// Value stores the date as "2006-01-02", which both SQLite TEXT/DATE columns
// and PostgreSQL DATE columns accept.
func (d Date) Value() (driver.Value, error) {
	if d.IsZero() {
		return nil, nil
	}
	return d.String(), nil
}

// Scan accepts the representations the sqlite3 and pq drivers hand back.
func (d *Date) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = Date{}
		return nil
	case time.Time:
		*d = NewDate(v.Year(), v.Month(), v.Day())
		return nil
	case string:
		return d.parseLoose(v)
	case []byte:
		return d.parseLoose(string(v))
	default:
		return fmt.Errorf("cannot scan %T into ledger.Date", src)
	}
}

func (d *Date) parseLoose(s string) error {
	if len(s) >= len(dateLayout) {
		s = s[:len(dateLayout)]
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == nil || *s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(*s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// =============================================================================
// CLOCK - Explicit "today" for overdue detection and default dates
// =============================================================================

// Clock supplies the current calendar day. Components never read the wall
// clock directly, so batch runs and tests are reproducible.
type Clock interface {
	Today() Date
	Now() time.Time
}

// SystemClock reads the wall clock in a fixed location (the school's zone).
type SystemClock struct {
	Location *time.Location
}

// NewSystemClock loads the named IANA zone. An empty name means UTC.
func NewSystemClock(zone string) (SystemClock, error) {
	if zone == "" {
		return SystemClock{Location: time.UTC}, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return SystemClock{}, fmt.Errorf("load timezone %q: %w", zone, err)
	}
	return SystemClock{Location: loc}, nil
}

func (c SystemClock) Now() time.Time {
	if c.Location == nil {
		return time.Now().UTC()
	}
	return time.Now().In(c.Location)
}

func (c SystemClock) Today() Date { return DateOf(c.Now()) }

// FixedClock always reports the same day. Used by tests and replayed batches.
type FixedClock struct {
	Day Date
}

func (c FixedClock) Today() Date    { return c.Day }
func (c FixedClock) Now() time.Time { return c.Day.Time().Add(9 * time.Hour) }
