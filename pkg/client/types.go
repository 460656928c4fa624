package client

import "time"

// Status mirrors GET /api/status.
type Status struct {
	Running   bool   `json:"running"`
	PID       *int   `json:"pid"`
	Port      int    `json:"port"`
	StartTime *int64 `json:"startTime"`
}

// StartedAt converts StartTime to a time.Time; zero when stopped.
func (s Status) StartedAt() time.Time {
	if s.StartTime == nil {
		return time.Time{}
	}
	return time.UnixMilli(*s.StartTime)
}

// Result is the common {success, pid, error} reply of lifecycle endpoints.
type Result struct {
	Success   bool   `json:"success"`
	PID       int    `json:"pid,omitempty"`
	Restarted *bool  `json:"restarted,omitempty"`
	Error     string `json:"error,omitempty"`
}

type configReply struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

type saveConfigRequest struct {
	Content string `json:"content"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
