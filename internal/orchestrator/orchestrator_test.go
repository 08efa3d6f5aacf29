package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"stream-orchestrator/internal/platform/procgroup"
)

const (
	camA = "rtsp://cam-a/stream"
	camB = "rtsp://cam-b/stream"
)

func TestValidateSourceURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"rtsp://cam1/stream", "rtsp://cam1/stream", false},
		{"  rtmp://live/app/key \n", "rtmp://live/app/key", false},
		{"https://example.com/live.m3u8", "https://example.com/live.m3u8", false},
		{"", "", true},
		{"   ", "", true},
		{"file:///etc/passwd", "", true},
		{"rtsp://", "", true},
		{"not a url", "", true},
	}
	for _, tt := range tests {
		got, err := ValidateSourceURL(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidSourceURL) {
				t.Errorf("ValidateSourceURL(%q): expected ErrInvalidSourceURL, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ValidateSourceURL(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestOrchestrator_RequestStream_invalid(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.o.RequestStream("a", "ftp://nowhere/file"); !errors.Is(err, ErrInvalidSourceURL) {
		t.Fatalf("expected ErrInvalidSourceURL, got %v", err)
	}
	h.flush()
	if h.o.queue.Len() != 0 {
		t.Errorf("invalid request was queued")
	}
}

func TestOrchestrator_shared_job_single_spawn(t *testing.T) {
	h := newHarness(t, nil)
	h.request("a", camA)
	h.request("b", camA)
	h.tick()

	if n := h.runner.started(); n != 1 {
		t.Fatalf("started %d processes, want 1", n)
	}
	rec := h.job(camA)
	if rec.State != StateStarting || len(rec.Subscribers) != 2 || rec.Owner != "a" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if n := len(h.notifier.eventsFor("a")); n != 0 {
		t.Errorf("a notified %d times before ready", n)
	}

	h.ready(camA)
	want := "http://cdn.test/bear/" + string(Fingerprint(camA)) + ".m3u8"
	for _, sub := range []SubscriberID{"a", "b"} {
		evs := h.notifier.eventsFor(sub)
		if len(evs) != 1 || evs[0].Type != EventReady || evs[0].PlaybackURL != want {
			t.Errorf("%s events = %+v, want one ready with %s", sub, evs, want)
		}
	}
	if rec.State != StateRunning {
		t.Errorf("state = %s, want running", rec.State)
	}
}

func TestOrchestrator_scenario_independent_then_shared(t *testing.T) {
	h := newHarness(t, nil)

	h.request("a", camA)
	h.tick()
	h.request("b", camB)
	h.tick()
	if n := h.runner.started(); n != 2 {
		t.Fatalf("started %d processes, want 2", n)
	}

	// b switches to a's stream: its own job loses its last subscriber.
	h.request("b", camA)
	h.tick()

	h.noJob(camB)
	rec := h.job(camA)
	if !rec.HasSubscriber("a") || !rec.HasSubscriber("b") {
		t.Fatalf("subscribers = %v", rec.SubscriberIDs())
	}
	if n := h.runner.started(); n != 2 {
		t.Errorf("started %d processes, want 2", n)
	}
	if h.runner.procs[1].killCount() != 1 {
		t.Errorf("camB process killed %d times, want 1", h.runner.procs[1].killCount())
	}
}

func TestOrchestrator_late_joiner_notified_immediately(t *testing.T) {
	h := newHarness(t, nil)
	h.request("a", camA)
	h.tick()
	h.ready(camA)

	h.request("c", camA)
	h.tick()

	if n := h.notifier.count("c", EventReady); n != 1 {
		t.Errorf("late joiner got %d ready events, want 1", n)
	}
	if n := h.notifier.count("a", EventReady); n != 1 {
		t.Errorf("existing subscriber got %d ready events, want 1", n)
	}
}

func TestOrchestrator_repeat_request_same_stream(t *testing.T) {
	h := newHarness(t, nil)
	h.request("a", camA)
	h.tick()
	h.ready(camA)

	h.request("a", camA)
	h.tick()

	if n := h.runner.started(); n != 1 {
		t.Errorf("started %d processes, want 1", n)
	}
	if n := h.notifier.count("a", EventReady); n != 2 {
		t.Errorf("ready events = %d, want 2", n)
	}
}

func TestOrchestrator_last_release_kills_and_cleans_up(t *testing.T) {
	h := newHarness(t, nil)
	h.request("a", camA)
	h.request("b", camA)
	h.tick()
	h.ready(camA)

	rec := h.job(camA)
	writePlaylist(t, rec.OutputPath, 2)
	segment := filepath.Join(filepath.Dir(rec.OutputPath), string(rec.ID)+"_00001.ts")
	os.WriteFile(segment, []byte("ts"), 0o644)

	h.release("a")
	proc := h.runner.last()
	if proc.killCount() != 0 {
		t.Fatal("process killed while a subscriber remains")
	}

	h.release("b")
	if proc.killCount() != 1 {
		t.Fatalf("kills = %d, want 1", proc.killCount())
	}
	h.noJob(camA)
	for _, p := range []string{rec.OutputPath, segment} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("artifact %s not removed: %v", p, err)
		}
	}
	if len(h.sink.all()) != 0 {
		t.Error("requested stop must not produce diagnostics")
	}
}

func TestOrchestrator_stale_artifact_removed_before_spawn(t *testing.T) {
	h := newHarness(t, nil)
	_, path := h.o.resolver.Resolve(camA)
	writePlaylist(t, path, 3)

	h.request("a", camA)
	h.tick()

	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale playlist survived spawn: %v", err)
	}
}

func TestOrchestrator_terminating_job_defers_requests(t *testing.T) {
	h := newHarness(t, func(_ *Config, r *fakeRunner) { r.manualExit = true })
	h.request("a", camA)
	h.tick()
	h.release("a")

	rec := h.job(camA)
	if !rec.Terminating || rec.State != StateStopping {
		t.Fatalf("expected terminating record, got %+v", rec)
	}

	h.request("b", camA)
	h.tick()
	if n := h.runner.started(); n != 1 {
		t.Fatalf("started %d processes while terminating, want 1", n)
	}
	if h.o.queue.Len() != 1 {
		t.Fatalf("queue = %d, want deferred request", h.o.queue.Len())
	}
	if rec.HasSubscriber("b") {
		t.Fatal("subscriber attached to a terminating job")
	}

	h.runner.last().exit(errors.New("signal: killed"))
	h.flush()
	h.noJob(camA)

	h.tick()
	if n := h.runner.started(); n != 2 {
		t.Fatalf("started %d processes, want 2", n)
	}
	if rec := h.job(camA); !rec.HasSubscriber("b") || rec.Owner != "b" {
		t.Errorf("new job = %+v", rec)
	}
}

func TestOrchestrator_crash_requeues_with_backoff(t *testing.T) {
	h := newHarness(t, nil)
	h.request("a", camA)
	h.request("b", camA)
	h.tick()
	h.ready(camA)

	h.runner.last().exit(errors.New("exit status 1"))
	h.flush()

	h.noJob(camA)
	if h.o.queue.Len() != 2 {
		t.Fatalf("queue = %d, want both subscribers requeued", h.o.queue.Len())
	}
	diags := h.sink.all()
	if len(diags) != 1 || diags[0].Subscriber != "a" || diags[0].ExitError != "exit status 1" {
		t.Fatalf("diagnostics = %+v", diags)
	}
	if !strings.Contains(string(diags[0].Stderr), "Connection refused") {
		t.Errorf("stderr not captured: %q", diags[0].Stderr)
	}

	// Backoff has not elapsed.
	h.tick()
	if n := h.runner.started(); n != 1 {
		t.Fatalf("restarted before backoff, started = %d", n)
	}
	if h.o.queue.Len() != 2 {
		t.Fatalf("queue = %d, want 2", h.o.queue.Len())
	}

	h.advance(2 * time.Second)
	h.tick()
	if n := h.runner.started(); n != 2 {
		t.Fatalf("started = %d, want 2", n)
	}
	rec := h.job(camA)
	if len(rec.Subscribers) != 2 {
		t.Errorf("subscribers after restart = %v", rec.SubscriberIDs())
	}
	if h.notifier.count("a", EventFailed) != 0 {
		t.Error("subscriber told about a transparent restart")
	}
}

func TestOrchestrator_retries_exhausted_notifies_failed(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *fakeRunner) { cfg.Retry.MaxRetries = 1 })
	h.request("a", camA)
	h.tick()

	h.runner.last().exit(errors.New("exit status 1"))
	h.flush()
	h.advance(time.Minute)
	h.tick()
	if n := h.runner.started(); n != 2 {
		t.Fatalf("started = %d, want 2", n)
	}

	h.runner.last().exit(errors.New("exit status 1"))
	h.flush()

	h.noJob(camA)
	if h.o.queue.Len() != 0 {
		t.Errorf("queue = %d, want 0 after exhaustion", h.o.queue.Len())
	}
	evs := h.notifier.eventsFor("a")
	if len(evs) != 1 || evs[0].Type != EventFailed || !strings.Contains(evs[0].Reason, "exit status 1") {
		t.Errorf("events = %+v, want one failed", evs)
	}

	// A new request gets a fresh budget.
	h.request("a", camA)
	h.tick()
	if n := h.runner.started(); n != 3 {
		t.Errorf("started = %d, want 3", n)
	}
}

func TestOrchestrator_ready_resets_retry_budget(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *fakeRunner) { cfg.Retry.MaxRetries = 1 })
	h.request("a", camA)
	h.tick()

	for i := 0; i < 3; i++ {
		h.ready(camA)
		h.runner.last().exit(errors.New("exit status 1"))
		h.flush()
		h.advance(time.Minute)
		h.tick()
	}
	if n := h.notifier.count("a", EventFailed); n != 0 {
		t.Errorf("failed events = %d, want 0", n)
	}
	if n := h.runner.started(); n != 4 {
		t.Errorf("started = %d, want 4", n)
	}
}

func TestOrchestrator_spawn_failure_requeues(t *testing.T) {
	h := newHarness(t, func(_ *Config, r *fakeRunner) { r.startErr = errors.New("exec: \"ffmpeg\": not found") })
	h.request("a", camA)
	h.tick()

	h.noJob(camA)
	if h.o.queue.Len() != 1 {
		t.Fatalf("queue = %d, want 1", h.o.queue.Len())
	}

	h.runner.mu.Lock()
	h.runner.startErr = nil
	h.runner.mu.Unlock()

	h.advance(time.Minute)
	h.tick()
	if n := h.runner.started(); n != 1 {
		t.Errorf("started = %d, want 1", n)
	}
}

func TestOrchestrator_kill_failure_rolls_back(t *testing.T) {
	h := newHarness(t, func(_ *Config, r *fakeRunner) { r.killErr = errors.New("operation not permitted") })
	h.request("a", camA)
	h.tick()
	h.ready(camA)

	h.release("a")

	rec := h.job(camA)
	if rec.Terminating {
		t.Fatal("terminating flag not rolled back after kill failure")
	}
	if rec.Process == nil {
		t.Fatal("process handle dropped after kill failure")
	}

	// The record is reusable: a new subscriber revives it.
	h.request("b", camA)
	h.tick()
	if n := h.runner.started(); n != 1 {
		t.Errorf("started = %d, want 1", n)
	}
	if rec.State != StateRunning || !rec.HasSubscriber("b") {
		t.Errorf("record not revived: %+v", rec)
	}
	if n := h.notifier.count("b", EventReady); n != 1 {
		t.Errorf("b ready events = %d, want 1", n)
	}
}

func TestOrchestrator_stale_events_ignored(t *testing.T) {
	h := newHarness(t, nil)
	h.request("a", camA)
	h.tick()
	first := h.job(camA).RunID

	h.runner.last().exit(errors.New("exit status 1"))
	h.flush()
	h.advance(time.Minute)
	h.tick()

	rec := h.job(camA)
	if rec.RunID == first {
		t.Fatal("restart reused the run id")
	}

	h.o.handleExit(rec.ID, first, ExitStatus{Err: errors.New("late")})
	h.o.handleReady(rec.ID, first)
	h.o.handleReadyTimeout(rec.ID, first)
	h.flush()

	if got := h.job(camA); got != rec || got.Process == nil || got.State != StateStarting {
		t.Errorf("stale events changed the record: %+v", got)
	}
	if n := h.notifier.count("a", EventReady); n != 0 {
		t.Errorf("stale ready notified %d times", n)
	}
}

func TestOrchestrator_release_purges_queue(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.o.RequestStream("a", camA); err != nil {
		t.Fatal(err)
	}
	if err := h.o.RequestStream("a", camB); err != nil {
		t.Fatal(err)
	}
	h.release("a")
	h.tick()

	if n := h.runner.started(); n != 0 {
		t.Errorf("started %d processes for a released subscriber", n)
	}
	if h.o.queue.Len() != 0 {
		t.Errorf("queue = %d, want 0", h.o.queue.Len())
	}
}

func TestOrchestrator_drain_batch(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *fakeRunner) { cfg.DrainBatch = 1 })
	h.request("a", camA)
	h.request("b", camB)

	h.tick()
	if n := h.runner.started(); n != 1 {
		t.Fatalf("started = %d after one tick, want 1", n)
	}
	h.tick()
	if n := h.runner.started(); n != 2 {
		t.Fatalf("started = %d after two ticks, want 2", n)
	}
}

func TestOrchestrator_ready_timeout_restarts(t *testing.T) {
	h := newHarness(t, nil)
	h.request("a", camA)
	h.tick()

	rec := h.job(camA)
	h.o.handleReadyTimeout(rec.ID, rec.RunID)
	h.flush()

	h.noJob(camA)
	if h.o.queue.Len() != 1 {
		t.Fatalf("queue = %d, want 1", h.o.queue.Len())
	}
	if n := h.notifier.count("a", EventFailed); n != 0 {
		t.Errorf("failed events = %d, want 0", n)
	}

	h.advance(time.Minute)
	h.tick()
	if n := h.runner.started(); n != 2 {
		t.Errorf("started = %d, want 2", n)
	}
}

func TestOrchestrator_release_during_restart_kill(t *testing.T) {
	h := newHarness(t, func(_ *Config, r *fakeRunner) { r.manualExit = true })
	h.request("a", camA)
	h.tick()

	rec := h.job(camA)
	h.o.handleReadyTimeout(rec.ID, rec.RunID)
	h.flush()
	if !rec.Restart || !rec.Terminating {
		t.Fatalf("expected restart kill in flight: %+v", rec)
	}

	h.release("a")
	if rec.Restart {
		t.Fatal("restart flag kept after the last subscriber left")
	}

	h.runner.last().exit(errors.New("signal: killed"))
	h.flush()
	h.noJob(camA)
	if h.o.queue.Len() != 0 {
		t.Errorf("queue = %d, want 0", h.o.queue.Len())
	}
	if n := h.runner.last().killCount(); n != 1 {
		t.Errorf("kills = %d, want 1", n)
	}
}

func TestOrchestrator_Run_end_to_end(t *testing.T) {
	runner := &fakeRunner{}
	notifier := newFakeNotifier()
	var ready atomic.Bool
	o := New(Config{
		DrainInterval:     5 * time.Millisecond,
		ReadyPollInterval: 5 * time.Millisecond,
		ReadyTimeout:      -1,
	}, NewResolver(t.TempDir(), "http://cdn.test"), runner, notifier,
		WithArtifactCheck(func(string) bool { return ready.Load() }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	if err := o.RequestStream("a", camA); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "process start", func() bool { return runner.started() == 1 })

	// Progress nudges before the artifact is playable do nothing.
	runner.last().hooks.OnProgress()
	ready.Store(true)
	runner.last().hooks.OnProgress()
	waitFor(t, "ready event", func() bool { return notifier.count("a", EventReady) == 1 })

	st, err := o.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(st.Jobs) != 1 || st.Jobs[0].State != "running" || st.Jobs[0].Subscribers != 1 {
		t.Errorf("snapshot = %+v", st)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	if n := runner.last().killCount(); n != 1 {
		t.Errorf("shutdown kills = %d, want 1", n)
	}
	if err := o.RequestStream("b", camA); !errors.Is(err, ErrStopped) {
		t.Errorf("RequestStream after stop: %v", err)
	}
	if err := o.ReleaseSubscriber("a"); !errors.Is(err, ErrStopped) {
		t.Errorf("ReleaseSubscriber after stop: %v", err)
	}
	if _, err := o.Snapshot(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Snapshot after stop: %v", err)
	}
}

func TestOrchestrator_Run_timeout_until_failed(t *testing.T) {
	runner := &fakeRunner{}
	notifier := newFakeNotifier()
	o := New(Config{
		DrainInterval:     5 * time.Millisecond,
		ReadyPollInterval: 5 * time.Millisecond,
		ReadyTimeout:      30 * time.Millisecond,
		Retry: RetryPolicy{
			MaxRetries:     1,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     20 * time.Millisecond,
		},
	}, NewResolver(t.TempDir(), "http://cdn.test"), runner, notifier,
		WithArtifactCheck(func(string) bool { return false }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	if err := o.RequestStream("a", camA); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "failed event", func() bool { return notifier.count("a", EventFailed) == 1 })

	if n := runner.started(); n != 2 {
		t.Errorf("started = %d, want 2", n)
	}
	evs := notifier.eventsFor("a")
	if !strings.Contains(evs[len(evs)-1].Reason, "not ready") {
		t.Errorf("reason = %q", evs[len(evs)-1].Reason)
	}
}

func TestOrchestrator_kill_racing_exit_keeps_teardown(t *testing.T) {
	h := newHarness(t, func(_ *Config, r *fakeRunner) {
		r.killErr = fmt.Errorf("kill process group 1000: %w", procgroup.ErrProcessGone)
	})
	h.request("a", camA)
	h.tick()
	proc := h.runner.last()

	h.release("a")
	rec := h.job(camA)
	if !rec.Terminating {
		t.Fatal("terminating flag rolled back for a process that is already gone")
	}

	proc.exit(errors.New("exit status 1"))
	h.flush()
	h.noJob(camA)
}

func TestOrchestrator_new_request_supersedes_crash_requeue(t *testing.T) {
	h := newHarness(t, nil)
	h.request("a", camA)
	h.tick()
	h.runner.last().exit(errors.New("exit status 1"))
	h.flush()
	if h.o.queue.Len() != 1 {
		t.Fatalf("queue = %d, want crash requeue", h.o.queue.Len())
	}

	h.request("a", camB)
	if h.o.queue.Len() != 1 {
		t.Fatalf("queue = %d, want only the newer request", h.o.queue.Len())
	}
	h.tick()
	h.ready(camB)

	h.advance(10 * time.Second)
	h.tick()
	h.tick()

	if n := h.runner.started(); n != 2 {
		t.Errorf("started = %d, want 2", n)
	}
	h.noJob(camA)
	rec := h.job(camB)
	if _, ok := rec.Subscribers["a"]; !ok || rec.State != StateRunning {
		t.Errorf("camB job = %+v, want a attached and running", rec)
	}
	if h.o.queue.Len() != 0 {
		t.Errorf("queue = %d, want 0", h.o.queue.Len())
	}
}

func TestOrchestrator_shutdown_runs_accepted_events(t *testing.T) {
	o := New(Config{}, NewResolver(t.TempDir(), "http://cdn.test"), &fakeRunner{}, newFakeNotifier())
	if err := o.RequestStream("a", camA); err != nil {
		t.Fatalf("RequestStream: %v", err)
	}

	o.shutdown()

	if o.queue.Len() != 1 {
		t.Errorf("queue = %d, accepted request was not applied", o.queue.Len())
	}
	if err := o.RequestStream("b", camA); !errors.Is(err, ErrStopped) {
		t.Errorf("RequestStream after shutdown: %v", err)
	}
	if len(o.events) != 0 {
		t.Errorf("events left after shutdown: %d", len(o.events))
	}
}

func TestOrchestrator_post_racing_shutdown(t *testing.T) {
	o := New(Config{}, NewResolver(t.TempDir(), "http://cdn.test"), &fakeRunner{}, newFakeNotifier())

	var accepted, ran atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			if o.post(func() { ran.Add(1) }) {
				accepted.Add(1)
			}
		}
	}()
	o.shutdown()
	<-done

	if accepted.Load() != ran.Load() {
		t.Errorf("accepted %d events, ran %d", accepted.Load(), ran.Load())
	}
}
