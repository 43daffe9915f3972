package jobqueue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status represents the current state of a download job.
type Status int

const (
	StatusQueued Status = iota
	StatusFetchingInfo
	StatusDownloading
	StatusCompleted
	StatusFailed
	StatusCancelled
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusQueued,
	StatusFetchingInfo,
	StatusDownloading,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusFetchingInfo:
		return "FetchingInfo"
	case StatusDownloading:
		return "Downloading"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Key is the lowercase wire form used in JSON, history and CLI filters.
func (s Status) Key() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusFetchingInfo:
		return "fetching_info"
	case StatusDownloading:
		return "downloading"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseStatus accepts either the wire key or the display name.
func ParseStatus(s string) (Status, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for _, st := range AllStatuses {
		if norm == st.Key() || norm == strings.ToLower(st.String()) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether the job holds a concurrency slot.
func (s Status) IsActive() bool {
	return s == StatusFetchingInfo || s == StatusDownloading
}

// MarshalJSON serializes Status as a lowercase string for JSON.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Key())
}

// UnmarshalJSON deserializes Status from a string.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	st, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// transitions is the job lifecycle. Terminal states have no exits.
var transitions = map[Status][]Status{
	StatusQueued:       {StatusFetchingInfo, StatusCancelled},
	StatusFetchingInfo: {StatusDownloading, StatusCompleted, StatusFailed, StatusCancelled},
	StatusDownloading:  {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
