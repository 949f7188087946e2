package service

import (
	"os"
	"path/filepath"
)

const (
	pathHealth   = "/health"
	pathJobs     = "/jobs"
	pathShutdown = "/shutdown"
	pathMetrics  = "/metrics"

	contentTypeJSON   = "application/json"
	contentTypeNDJSON = "application/x-ndjson"
)

type EventType string

const (
	EventStarted  EventType = "started"
	EventProgress EventType = "progress"
	EventFinished EventType = "finished"
)

// Event is one line of the job stream. A stream carries exactly one
// started event, any number of progress events and ends with a finished
// event.
type Event struct {
	Type    EventType `json:"type"`
	Total   float64   `json:"total,omitempty"`
	Delta   float64   `json:"delta,omitempty"`
	Message string    `json:"message,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Health is the liveness probe response
type Health struct {
	Status string `json:"status"`
	Pid    int    `json:"pid"`
	Jobs   int    `json:"jobs"`
}

// DefaultSocket is the well-known address of the render service
func DefaultSocket() string {
	return filepath.Join(os.TempDir(), "snapdoc-render.sock")
}
