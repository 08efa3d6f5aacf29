package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"stream-orchestrator/internal/platform/procgroup"
)

// Process is a running conversion process.
type Process interface {
	PID() int
	// Kill forcefully terminates the process and its descendants and waits
	// for the exit to be observed.
	Kill() error
}

// LaunchSpec describes one conversion attempt.
type LaunchSpec struct {
	JobID      JobID
	SourceURL  string
	OutputPath string
}

// ExitStatus is reported once per process when it exits.
type ExitStatus struct {
	Err    error
	Stderr []byte
}

// Hooks are invoked by a Runner from its own goroutines.
type Hooks struct {
	// OnProgress is called when the process reports that it is writing the
	// artifact.
	OnProgress func()
	// OnExit is called exactly once after the process has exited.
	OnExit func(ExitStatus)
}

// Runner spawns conversion processes. Start must not block on the process.
type Runner interface {
	Start(spec LaunchSpec, hooks Hooks) (Process, error)
}

// Diagnostic is the post-mortem record of one failed attempt.
type Diagnostic struct {
	Subscriber SubscriberID
	JobID      JobID
	RunID      uint64
	At         time.Time
	ExitError  string
	Stderr     []byte
}

// DiagnosticsSink persists diagnostics. Save runs off the event loop.
type DiagnosticsSink interface {
	Save(ctx context.Context, d Diagnostic) error
}

// startJob spawns a new attempt for rec and begins its readiness watch.
func (o *Orchestrator) startJob(rec *JobRecord) {
	o.nextRun++
	run := o.nextRun
	id := rec.ID

	rec.RunID = run
	rec.PlaybackURL = o.resolver.PlaybackURL(id)
	rec.Ready = false
	rec.Restart = false
	rec.Terminating = false
	o.removeArtifact(rec)

	proc, err := o.runner.Start(LaunchSpec{
		JobID:      id,
		SourceURL:  rec.SourceURL,
		OutputPath: rec.OutputPath,
	}, Hooks{
		OnProgress: func() {
			o.post(func() { o.handleProgress(id, run) })
		},
		OnExit: func(st ExitStatus) {
			o.post(func() { o.handleExit(id, run, st) })
		},
	})
	if err != nil {
		o.log.Error("spawn conversion process failed",
			slog.String("job_id", string(id)),
			slog.String("error", err.Error()))
		o.failAttempt(rec, ExitStatus{Err: err})
		return
	}

	rec.Process = proc
	rec.StartedAt = o.now()
	o.metrics.IncProcessesStarted()
	o.startWatch(rec)

	o.log.Info("conversion started",
		slog.String("job_id", string(id)),
		slog.Uint64("run_id", run),
		slog.Int("pid", proc.PID()),
		slog.String("owner", string(rec.Owner)))
}

// kill requests termination of rec's process. Completion is reported back to
// the loop through handleKillResult and handleExit.
func (o *Orchestrator) kill(rec *JobRecord) {
	rec.Terminating = true
	rec.State = StateStopping

	proc := rec.Process
	if proc == nil {
		o.stopWatch(rec)
		o.removeArtifact(rec)
		o.retries.forget(rec.ID)
		if err := o.registry.Remove(rec.ID); err != nil {
			o.log.Error("remove job failed", slog.String("job_id", string(rec.ID)), slog.String("error", err.Error()))
		}
		return
	}

	id, run := rec.ID, rec.RunID
	o.metrics.IncKills()
	o.log.Info("killing conversion process",
		slog.String("job_id", string(id)),
		slog.Int("pid", proc.PID()),
		slog.Bool("restart", rec.Restart))

	o.async(func() {
		err := proc.Kill()
		o.post(func() { o.handleKillResult(id, run, err) })
	})
}

// handleKillResult rolls the terminating flag back when the kill failed. A
// successful kill, or one racing with an exit that already happened, needs no
// action; the exit event finishes the teardown.
func (o *Orchestrator) handleKillResult(id JobID, run uint64, err error) {
	if err == nil || errors.Is(err, procgroup.ErrProcessGone) {
		o.log.Debug("kill delivered", slog.String("job_id", string(id)))
		return
	}

	rec, ok := o.current(id, run)
	if !ok {
		o.log.Debug("kill failed for finished attempt",
			slog.String("job_id", string(id)),
			slog.String("error", err.Error()))
		return
	}

	o.metrics.IncKillFailures()
	o.log.Error("kill conversion process failed",
		slog.String("job_id", string(id)),
		slog.Int("subscribers", len(rec.Subscribers)),
		slog.String("error", err.Error()))

	restart := rec.Restart
	rec.Terminating = false
	rec.Restart = false
	if len(rec.Subscribers) == 0 {
		return
	}
	if rec.Ready {
		rec.State = StateRunning
	} else {
		rec.State = StateStarting
	}
	if restart && !rec.Ready && rec.Watch == nil {
		o.startWatch(rec)
	}
}

// handleExit processes the exit of rec's current attempt.
func (o *Orchestrator) handleExit(id JobID, run uint64, st ExitStatus) {
	rec, ok := o.current(id, run)
	if !ok {
		o.log.Debug("exit of stale attempt ignored", slog.String("job_id", string(id)), slog.Uint64("run_id", run))
		return
	}

	rec.Process = nil
	o.stopWatch(rec)
	o.removeArtifact(rec)

	if rec.Terminating && !rec.Restart {
		o.retries.forget(id)
		if err := o.registry.Remove(id); err != nil {
			o.log.Error("remove job failed", slog.String("job_id", string(id)), slog.String("error", err.Error()))
			return
		}
		o.log.Info("conversion stopped", slog.String("job_id", string(id)), slog.Uint64("run_id", run))
		return
	}

	o.failAttempt(rec, st)
}

// failAttempt removes rec after a failed attempt and re-enqueues its
// subscribers, or tells them the job failed once the retry budget is spent.
func (o *Orchestrator) failAttempt(rec *JobRecord, st ExitStatus) {
	id := rec.ID
	reason := "conversion process exited"
	switch {
	case rec.Restart:
		reason = "artifact not ready before timeout"
	case st.Err != nil:
		reason = st.Err.Error()
	}

	o.metrics.IncProcessCrashes()
	o.saveDiagnostics(rec, st)

	subs := rec.SubscriberIDs()
	rec.Process = nil
	o.stopWatch(rec)
	if err := o.registry.Remove(id); err != nil {
		o.log.Error("remove job failed", slog.String("job_id", string(id)), slog.String("error", err.Error()))
	}

	if len(subs) == 0 {
		o.retries.forget(id)
		o.log.Info("conversion ended with no subscribers", slog.String("job_id", string(id)), slog.String("reason", reason))
		return
	}

	delay, ok := o.retries.next(id)
	if !ok {
		o.metrics.IncRetriesExhausted()
		o.log.Error("conversion failed permanently",
			slog.String("job_id", string(id)),
			slog.Int("subscribers", len(subs)),
			slog.String("reason", reason))
		for _, sub := range subs {
			o.notify(sub, Event{Type: EventFailed, Reason: "conversion failed: " + reason})
		}
		return
	}

	notBefore := o.now().Add(delay)
	for _, sub := range subs {
		o.queue.Push(PendingRequest{Subscriber: sub, SourceURL: rec.SourceURL, NotBefore: notBefore})
	}
	o.log.Warn("conversion failed, subscribers requeued",
		slog.String("job_id", string(id)),
		slog.Int("subscribers", len(subs)),
		slog.Int("failures", o.retries.failures(id)),
		slog.Duration("backoff", delay),
		slog.String("reason", reason))
}

func (o *Orchestrator) saveDiagnostics(rec *JobRecord, st ExitStatus) {
	if o.diagnostics == nil || (st.Err == nil && len(st.Stderr) == 0) {
		return
	}
	d := Diagnostic{
		Subscriber: rec.Owner,
		JobID:      rec.ID,
		RunID:      rec.RunID,
		At:         o.now(),
		Stderr:     st.Stderr,
	}
	if st.Err != nil {
		d.ExitError = st.Err.Error()
	}
	sink, timeout, log := o.diagnostics, o.cfg.DiagnosticsTimeout, o.log
	o.async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := sink.Save(ctx, d); err != nil {
			log.Warn("save diagnostics failed",
				slog.String("job_id", string(d.JobID)),
				slog.String("error", err.Error()))
		}
	})
}

// removeArtifact deletes the playlist and every file the attempt wrote next to
// it (segments and temporary playlists share the fingerprint prefix).
func (o *Orchestrator) removeArtifact(rec *JobRecord) {
	if rec.OutputPath == "" {
		return
	}
	paths, _ := filepath.Glob(filepath.Join(filepath.Dir(rec.OutputPath), string(rec.ID)+"*"))
	paths = append(paths, rec.OutputPath)
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			o.log.Warn("remove artifact failed",
				slog.String("job_id", string(rec.ID)),
				slog.String("path", p),
				slog.String("error", err.Error()))
		}
	}
}

// current returns the record for id if run is still its active attempt.
func (o *Orchestrator) current(id JobID, run uint64) (*JobRecord, bool) {
	rec, ok := o.registry.Get(id)
	if !ok || rec.RunID != run {
		return nil, false
	}
	return rec, true
}
