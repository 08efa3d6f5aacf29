package orchestrator

import (
	"sort"
	"time"
)

// JobID is the canonical fingerprint of a source URL.
type JobID string

// SubscriberID identifies one connected client session.
type SubscriberID string

// JobState is the lifecycle state of a JobRecord.
type JobState int

const (
	StateStarting JobState = iota
	StateRunning
	StateStopping
	StateRemoved
)

func (s JobState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// JobRecord is the in-memory state of one conversion job. Exactly one record
// exists per fingerprint. Records are owned by the orchestrator's event loop
// and must not be touched from other goroutines.
type JobRecord struct {
	ID          JobID
	SourceURL   string
	OutputPath  string
	PlaybackURL string

	// Owner is the subscriber whose request started the current attempt.
	Owner SubscriberID

	Process Process
	RunID   uint64

	Subscribers map[SubscriberID]struct{}
	State       JobState

	// Terminating is set while a kill is requested but not yet confirmed.
	Terminating bool
	// Restart marks a kill issued to retry the job rather than tear it down.
	Restart bool
	// Ready is set once the artifact was confirmed playable for this attempt.
	Ready bool

	Watch     *Watch
	StartedAt time.Time
}

// HasSubscriber reports whether id is attached to the record.
func (r *JobRecord) HasSubscriber(id SubscriberID) bool {
	_, ok := r.Subscribers[id]
	return ok
}

// SubscriberIDs returns the attached subscribers in sorted order.
func (r *JobRecord) SubscriberIDs() []SubscriberID {
	ids := make([]SubscriberID, 0, len(r.Subscribers))
	for id := range r.Subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PendingRequest is a queued (subscriber, source) pair waiting for admission.
// NotBefore delays admission of requests re-enqueued after a failure.
type PendingRequest struct {
	Subscriber SubscriberID
	SourceURL  string
	NotBefore  time.Time
}

// EventType names an outbound subscriber event.
type EventType string

const (
	EventReady  EventType = "ready"
	EventFailed EventType = "failed"
	EventError  EventType = "error"
)

// Event is delivered to a single subscriber.
type Event struct {
	Type        EventType `json:"type"`
	PlaybackURL string    `json:"playbackUrl,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// Notifier delivers events to subscribers. Notify must not block; delivery is
// fire-and-forget.
type Notifier interface {
	Notify(id SubscriberID, ev Event)
}

// JobSnapshot is a read-only view of a JobRecord. The source URL is left out
// because it may carry credentials.
type JobSnapshot struct {
	ID          JobID     `json:"id"`
	State       string    `json:"state"`
	Subscribers int       `json:"subscribers"`
	Terminating bool      `json:"terminating"`
	PlaybackURL string    `json:"playbackUrl"`
	RunID       uint64    `json:"runId"`
	StartedAt   time.Time `json:"startedAt"`
}

// Stats is a point-in-time view of the orchestrator.
type Stats struct {
	Jobs    []JobSnapshot `json:"jobs"`
	Pending int           `json:"pending"`
}
