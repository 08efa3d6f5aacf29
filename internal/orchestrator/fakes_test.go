package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeProcess struct {
	pid   int
	spec  LaunchSpec
	hooks Hooks

	mu       sync.Mutex
	killErr  error
	autoExit bool
	kills    int
	exited   bool
}

func (p *fakeProcess) PID() int { return p.pid }

// Kill reports the exit through OnExit unless the process was created with
// manual exits or a kill error.
func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.kills++
	err := p.killErr
	exit := err == nil && p.autoExit && !p.exited
	if exit {
		p.exited = true
	}
	p.mu.Unlock()

	if exit {
		p.hooks.OnExit(ExitStatus{Err: errors.New("signal: killed")})
	}
	return err
}

// exit simulates the process ending on its own.
func (p *fakeProcess) exit(err error) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.mu.Unlock()
	p.hooks.OnExit(ExitStatus{Err: err, Stderr: []byte("Connection refused\n")})
}

func (p *fakeProcess) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

type fakeRunner struct {
	mu         sync.Mutex
	procs      []*fakeProcess
	startErr   error
	killErr    error
	manualExit bool
}

func (r *fakeRunner) Start(spec LaunchSpec, hooks Hooks) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	p := &fakeProcess{
		pid:      1000 + len(r.procs),
		spec:     spec,
		hooks:    hooks,
		killErr:  r.killErr,
		autoExit: !r.manualExit,
	}
	r.procs = append(r.procs, p)
	return p, nil
}

func (r *fakeRunner) started() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

func (r *fakeRunner) last() *fakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.procs) == 0 {
		return nil
	}
	return r.procs[len(r.procs)-1]
}

type fakeNotifier struct {
	mu     sync.Mutex
	events map[SubscriberID][]Event
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: make(map[SubscriberID][]Event)}
}

func (n *fakeNotifier) Notify(id SubscriberID, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[id] = append(n.events[id], ev)
}

func (n *fakeNotifier) eventsFor(id SubscriberID) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events[id]...)
}

func (n *fakeNotifier) count(id SubscriberID, typ EventType) int {
	c := 0
	for _, ev := range n.eventsFor(id) {
		if ev.Type == typ {
			c++
		}
	}
	return c
}

type fakeSink struct {
	mu    sync.Mutex
	saved []Diagnostic
}

func (s *fakeSink) Save(_ context.Context, d Diagnostic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, d)
	return nil
}

func (s *fakeSink) all() []Diagnostic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Diagnostic(nil), s.saved...)
}

// harness drives an Orchestrator without Run: events are executed on the
// test goroutine by flush, and asynchronous work runs inline.
type harness struct {
	t        *testing.T
	o        *Orchestrator
	runner   *fakeRunner
	notifier *fakeNotifier
	sink     *fakeSink
	dir      string
	clock    time.Time
}

func newHarness(t *testing.T, configure func(*Config, *fakeRunner)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		runner:   &fakeRunner{},
		notifier: newFakeNotifier(),
		sink:     &fakeSink{},
		dir:      t.TempDir(),
		clock:    time.Unix(1700000000, 0),
	}
	cfg := Config{
		DrainBatch:        10,
		ReadyPollInterval: time.Hour,
		ReadyTimeout:      -1,
		Retry: RetryPolicy{
			MaxRetries:     2,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
		},
	}
	if configure != nil {
		configure(&cfg, h.runner)
	}
	h.o = New(cfg, NewResolver(h.dir, "http://cdn.test/"), h.runner, h.notifier, WithDiagnostics(h.sink))
	h.o.async = func(fn func()) { fn() }
	h.o.now = func() time.Time { return h.clock }
	t.Cleanup(h.o.shutdown)
	return h
}

func (h *harness) flush() {
	for {
		select {
		case fn := <-h.o.events:
			fn()
		default:
			return
		}
	}
}

func (h *harness) request(sub SubscriberID, src string) {
	h.t.Helper()
	if err := h.o.RequestStream(sub, src); err != nil {
		h.t.Fatalf("RequestStream(%s, %s): %v", sub, src, err)
	}
	h.flush()
}

func (h *harness) release(sub SubscriberID) {
	h.t.Helper()
	if err := h.o.ReleaseSubscriber(sub); err != nil {
		h.t.Fatalf("ReleaseSubscriber(%s): %v", sub, err)
	}
	h.flush()
}

// tick runs one drain pass and everything it triggers.
func (h *harness) tick() {
	h.o.drain()
	h.flush()
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func (h *harness) job(src string) *JobRecord {
	h.t.Helper()
	rec, ok := h.o.registry.Get(Fingerprint(src))
	if !ok {
		h.t.Fatalf("no job for %s", src)
	}
	return rec
}

func (h *harness) noJob(src string) {
	h.t.Helper()
	if _, ok := h.o.registry.Get(Fingerprint(src)); ok {
		h.t.Fatalf("unexpected job for %s", src)
	}
}

func (h *harness) ready(src string) {
	h.t.Helper()
	rec := h.job(src)
	h.o.handleReady(rec.ID, rec.RunID)
	h.flush()
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
