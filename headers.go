package quotaguard

import (
	"strconv"
	"strings"
)

// parseFloatField parses fields[name] as a float64. A missing or
// malformed value is treated as absent per spec §7 ("malformed headers
// are treated as if the header were absent, never as a fatal error").
func parseFloatField(fields map[string]string, name string) (float64, bool) {
	raw, ok := fields[name]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseIntField parses fields[name] as an int64, with the same
// absent-on-malformed semantics as parseFloatField.
func parseIntField(fields map[string]string, name string) (int64, bool) {
	raw, ok := fields[name]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// perSecondRate converts a limit-per-window count into a per-second
// rate using windowSizeMs, applying the safety buffer. Used when a
// reconciled "limit" header implies a new effective rate rather than a
// literal token count.
func perSecondRate(limitPerWindow float64, windowSizeMs int64, safetyBuffer float64) float64 {
	if windowSizeMs <= 0 {
		windowSizeMs = 1000
	}
	seconds := float64(windowSizeMs) / 1000.0
	if seconds <= 0 {
		seconds = 1
	}
	return (limitPerWindow / seconds) * safetyBuffer
}
