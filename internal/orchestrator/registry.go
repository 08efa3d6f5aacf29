package orchestrator

import (
	"errors"
	"sort"
)

var (
	// ErrJobExists is returned by Create when a record for the fingerprint
	// already exists.
	ErrJobExists = errors.New("job already exists")

	// ErrJobActive is returned by Remove while the record still has a live
	// process or readiness watch.
	ErrJobActive = errors.New("job still has a process or readiness watch")

	// ErrJobNotFound is returned when no record exists for a fingerprint.
	ErrJobNotFound = errors.New("job not found")
)

// Registry maps fingerprints to job records. It is not safe for concurrent
// use; the orchestrator's event loop is its only caller.
type Registry struct {
	jobs map[JobID]*JobRecord
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[JobID]*JobRecord)}
}

// Get returns the record for id.
func (r *Registry) Get(id JobID) (*JobRecord, bool) {
	rec, ok := r.jobs[id]
	return rec, ok
}

// Len returns the number of records.
func (r *Registry) Len() int {
	return len(r.jobs)
}

// SubscriberCount returns the number of subscribers attached across all jobs.
func (r *Registry) SubscriberCount() int {
	n := 0
	for _, rec := range r.jobs {
		n += len(rec.Subscribers)
	}
	return n
}

// Create adds a record in StateStarting with sub as its only subscriber.
func (r *Registry) Create(id JobID, sourceURL, outputPath string, sub SubscriberID) (*JobRecord, error) {
	if _, exists := r.jobs[id]; exists {
		return nil, ErrJobExists
	}
	rec := &JobRecord{
		ID:          id,
		SourceURL:   sourceURL,
		OutputPath:  outputPath,
		Owner:       sub,
		Subscribers: map[SubscriberID]struct{}{sub: {}},
		State:       StateStarting,
	}
	r.jobs[id] = rec
	return rec, nil
}

// Attach adds sub to an existing record. It returns false when the record
// does not exist or is terminating. Attaching to a Stopping record whose kill
// was rolled back revives it.
func (r *Registry) Attach(id JobID, sub SubscriberID) bool {
	rec, ok := r.jobs[id]
	if !ok || rec.Terminating {
		return false
	}
	rec.Subscribers[sub] = struct{}{}
	if rec.State == StateStopping {
		if rec.Ready {
			rec.State = StateRunning
		} else {
			rec.State = StateStarting
		}
	}
	return true
}

// FindBySubscriber returns the record sub is attached to. A subscriber holds
// at most one job at a time.
func (r *Registry) FindBySubscriber(sub SubscriberID) (*JobRecord, bool) {
	for _, rec := range r.jobs {
		if rec.HasSubscriber(sub) {
			return rec, true
		}
	}
	return nil, false
}

// Detach removes sub from whichever record holds it. drained is true when the
// record lost its last subscriber; the record is then in StateStopping and the
// caller must request the kill.
func (r *Registry) Detach(sub SubscriberID) (rec *JobRecord, drained bool) {
	rec, ok := r.FindBySubscriber(sub)
	if !ok {
		return nil, false
	}
	delete(rec.Subscribers, sub)
	if len(rec.Subscribers) > 0 {
		return rec, false
	}
	rec.State = StateStopping
	return rec, true
}

// Remove deletes the record. The process must have exited and the readiness
// watch must have been cancelled.
func (r *Registry) Remove(id JobID) error {
	rec, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if rec.Process != nil || rec.Watch != nil {
		return ErrJobActive
	}
	rec.State = StateRemoved
	delete(r.jobs, id)
	return nil
}

// Snapshot returns a view of every record sorted by id.
func (r *Registry) Snapshot() []JobSnapshot {
	out := make([]JobSnapshot, 0, len(r.jobs))
	for _, rec := range r.jobs {
		out = append(out, JobSnapshot{
			ID:          rec.ID,
			State:       rec.State.String(),
			Subscribers: len(rec.Subscribers),
			Terminating: rec.Terminating,
			PlaybackURL: rec.PlaybackURL,
			RunID:       rec.RunID,
			StartedAt:   rec.StartedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
