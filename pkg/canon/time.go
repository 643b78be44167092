package canon

import (
	"fmt"
	"strings"
	"time"
)

// Wire timestamp form: seconds precision when the instant has no sub-second
// component, otherwise exactly six fractional digits. Always UTC, always Z.
const (
	layoutSeconds = "2006-01-02T15:04:05"
	layoutNoZone  = "2006-01-02T15:04:05.999999999"
)

// Time is a wire-format timestamp. It marshals in canonical form and sorts,
// compares, and arithmetics like the embedded time.Time.
type Time struct {
	time.Time
}

// NewTime converts t to canonical resolution (UTC, microseconds).
func NewTime(t time.Time) Time {
	return Time{t.UTC().Truncate(time.Microsecond)}
}

// Now returns the current instant at canonical resolution.
func Now() Time {
	return NewTime(time.Now())
}

// MarshalJSON emits the canonical string form.
func (t Time) MarshalJSON() ([]byte, error) {
	return []byte(`"` + FormatTime(t.Time) + `"`), nil
}

// UnmarshalJSON accepts canonical form plus RFC 3339 variants and offset
// zones, normalizing to UTC.
func (t *Time) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// String returns the canonical string form.
func (t Time) String() string {
	return FormatTime(t.Time)
}

// FormatTime serializes an instant in wire form.
func FormatTime(t time.Time) string {
	t = t.UTC().Truncate(time.Microsecond)
	base := t.Format(layoutSeconds)
	if t.Nanosecond() == 0 {
		return base + "Z"
	}
	return fmt.Sprintf("%s.%06dZ", base, t.Nanosecond()/1000)
}

// CompactTime serializes an instant in the filename-safe form used for feed
// and anchor entries: wire form with ":" and "-" removed, e.g.
// 20260825T103000Z. Lexicographic order of compact forms at equal precision
// matches temporal order.
func CompactTime(t time.Time) string {
	return strings.NewReplacer(":", "", "-", "").Replace(FormatTime(t))
}

// ParseTime reads a wire-form or RFC 3339 timestamp. Zone offsets are folded
// into UTC; a missing zone is taken as UTC. Resolution beyond microseconds is
// truncated.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC().Truncate(time.Microsecond), nil
	}
	if t, err := time.Parse(layoutNoZone, s); err == nil {
		return t.UTC().Truncate(time.Microsecond), nil
	}
	return time.Time{}, fmt.Errorf("canon: unparseable timestamp %q", s)
}
