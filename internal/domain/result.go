package domain

import "time"

const (
	// StatusProbeError is the sentinel status for transport errors and timeouts.
	StatusProbeError = -1

	// ContentTypeError marks synthetic results built from a failed probe.
	ContentTypeError = "error"
)

// ProbeResult is the raw outcome of probing one URL, locally or remotely.
type ProbeResult struct {
	URL            string `json:"url"`
	FinalURL       string `json:"final_url,omitempty"`
	Status         int    `json:"status"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	ContentType    string `json:"content_type,omitempty"`
	Size           int64  `json:"size"`
	Preview        string `json:"preview,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ErrorResult converts a failed probe into a result row.
func ErrorResult(url string, err error) ProbeResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return ProbeResult{
		URL:         url,
		Status:      StatusProbeError,
		ContentType: ContentTypeError,
		Error:       msg,
	}
}

// IsHit reports whether the probe found a live resource.
func (p ProbeResult) IsHit() bool {
	return p.Status >= 200 && p.Status < 300
}

// Result is one persisted probe outcome belonging to a task.
// Results are written once and never mutated.
type Result struct {
	TaskID         string    `json:"task_id"`
	Domain         string    `json:"domain"`
	URL            string    `json:"url"`
	Status         int       `json:"status"`
	Size           int64     `json:"size"`
	ContentType    string    `json:"content_type,omitempty"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Error          string    `json:"error,omitempty"`
	Source         string    `json:"source,omitempty"` // worker id or "local"
	ScannedAt      time.Time `json:"scanned_at"`
}
