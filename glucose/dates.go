package glucose

import "time"

// backendDateLayout is the backend's canonical timestamp format.
const backendDateLayout = "02/01/2006 15:04:05"

// isoLayouts are tried before the backend pattern. The backend has been
// observed emitting both RFC 3339 and bare ISO timestamps without a zone.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseBackendDate parses a backend timestamp string, attempting ISO-8601
// first and falling back to the DD/MM/YYYY HH:MM:SS pattern. It returns
// ok=false for anything unparseable; callers must treat that as "no reliable
// server timestamp" rather than defaulting to the current time.
func ParseBackendDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if t, err := time.Parse(backendDateLayout, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// FormatBackendDate renders a timestamp in the backend's canonical format
// for push payloads.
func FormatBackendDate(t time.Time) string {
	return t.Format(backendDateLayout)
}
