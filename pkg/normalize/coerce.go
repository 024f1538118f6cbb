package normalize

import (
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Zone-less layouts are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Epoch values above this are taken as milliseconds (year 5138 in seconds).
const epochMillisThreshold = 1e11

var datasetPattern = regexp.MustCompile(`(?i)checks\s+for\s+["'\x60]?([^\s"'\x60:]+)`)

// stringValue renders a JSON value as text. Strings are taken as is, other
// scalars by their JSON text and objects or arrays as compact JSON.
func stringValue(v gjson.Result) *string {
	var s string
	switch v.Type {
	case gjson.Null:
		return nil
	case gjson.String:
		s = v.Str
	default:
		s = v.Raw
		if v.IsObject() || v.IsArray() {
			s = compact(v.Raw)
		}
	}
	return &s
}

func compact(raw string) string {
	return gjson.Get(raw, "@ugly").Raw
}

// timeValue parses a timestamp. It returns nil with invalid=false for an
// absent or empty value, and nil with invalid=true for a value that cannot be
// read as an instant. Results are in UTC.
func timeValue(v gjson.Result) (t *time.Time, invalid bool) {
	switch v.Type {
	case gjson.Null:
		return nil, false
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return nil, false
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return storable(parsed.UTC())
			}
		}
		return nil, true
	case gjson.Number:
		n := v.Float()
		// 2^63 itself is not representable as an int64.
		if math.IsNaN(n) || n >= math.MaxInt64 || n < math.MinInt64 {
			return nil, true
		}
		if math.Abs(n) >= epochMillisThreshold {
			return storable(time.UnixMilli(int64(n)).UTC())
		}
		sec, frac := math.Modf(n)
		return storable(time.Unix(int64(sec), int64(frac*1e9)).UTC())
	default:
		return nil, true
	}
}

// storable rejects instants outside the years 1 to 9999, which the
// destination databases cannot hold.
func storable(t time.Time) (*time.Time, bool) {
	if y := t.Year(); y < 1 || y > 9999 {
		return nil, true
	}
	return &t, false
}

// truncate cuts s to at most width runes. A width of 0 disables truncation.
func truncate(s string, width int) (string, bool) {
	if width <= 0 || utf8.RuneCountInString(s) <= width {
		return s, false
	}
	runes := []rune(s)
	return string(runes[:width]), true
}

// datasetName extracts <dataset> from a "checks for <dataset>" definition.
func datasetName(definition *string) *string {
	if definition == nil {
		return nil
	}
	m := datasetPattern.FindStringSubmatch(*definition)
	if m == nil {
		return nil
	}
	name := m[1]
	return &name
}
