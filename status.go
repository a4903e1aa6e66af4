package quotaguard

// StatusDTO is a typed observability snapshot of one key's admission
// state. Raw carries algorithm-specific fields (e.g. "tokens",
// "capacity" for token bucket; "count", "window_end" for fixed
// window) for callers that want the full detail without a type switch.
type StatusDTO struct {
	Algorithm    AlgorithmTag
	Key          string
	Limited      bool
	WaitTimeMs   int64
	UsagePercent float64
	Raw          map[string]interface{}
}

// toMap renders a StatusDTO as the untyped map shape returned by
// GetStatus/GetAllStatuses.
func (s StatusDTO) toMap() map[string]interface{} {
	m := map[string]interface{}{
		"algorithm":     string(s.Algorithm),
		"key":           s.Key,
		"limited":       s.Limited,
		"wait_time_ms":  s.WaitTimeMs,
		"usage_percent": s.UsagePercent,
	}
	for k, v := range s.Raw {
		m[k] = v
	}
	return m
}
