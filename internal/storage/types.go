package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the queue/record store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Status is the closed set of queue entry states.
type Status int

const (
	StatusPending Status = iota
	StatusShared
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusShared:
		return "shared"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func parseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "shared":
		return StatusShared, nil
	case "failed":
		return StatusFailed, nil
	default:
		return 0, errors.New("unknown queue status: " + s)
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s == StatusShared || s == StatusFailed }

// Entry is the durable record of a content item's delivery state.
// A content id appears at most once; once shared it is terminal.
type Entry struct {
	ContentID    int64
	Status       Status
	AttemptCount int
	EnqueuedAt   time.Time
	SharedAt     time.Time // zero unless shared
}

// Record is the write-once record of a successful delivery, attached to a
// content item. Shared/ShareTime/ExternalID never change after the first
// successful delivery; metrics may be refreshed later.
type Record struct {
	ContentID  int64
	Shared     bool
	ShareTime  time.Time
	ExternalID string

	HasMetrics bool
	Likes      int
	Shares     int
	MetricsAt  time.Time
}
