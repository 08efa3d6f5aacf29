package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"stream-orchestrator/internal/platform/logger"
	"stream-orchestrator/internal/platform/metrics"
)

// Defaults applied to zero Config fields.
const (
	DefaultDrainInterval      = 2 * time.Second
	DefaultDrainBatch         = 1
	DefaultReadyPollInterval  = time.Second
	DefaultReadyTimeout       = time.Minute
	DefaultDiagnosticsTimeout = 5 * time.Second
)

const eventBuffer = 1024

var (
	// ErrStopped is returned once Run has returned.
	ErrStopped = errors.New("orchestrator stopped")

	// ErrInvalidSourceURL is returned for requests whose source cannot be
	// converted.
	ErrInvalidSourceURL = errors.New("invalid source url")
)

var supportedSchemes = map[string]bool{
	"rtsp": true, "rtsps": true,
	"rtmp": true, "rtmps": true,
	"http": true, "https": true,
	"srt": true, "udp": true,
}

// Config tunes the orchestrator. Zero fields take the package defaults.
type Config struct {
	DrainInterval time.Duration
	// DrainBatch is the number of queued requests admitted per tick.
	DrainBatch         int
	ReadyPollInterval  time.Duration
	ReadyTimeout       time.Duration
	DiagnosticsTimeout time.Duration
	Retry              RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = DefaultDrainBatch
	}
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = DefaultReadyPollInterval
	}
	if c.ReadyTimeout < 0 {
		c.ReadyTimeout = 0
	} else if c.ReadyTimeout == 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.DiagnosticsTimeout <= 0 {
		c.DiagnosticsTimeout = DefaultDiagnosticsTimeout
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = DefaultRetryPolicy
	}
	return c
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithMetrics enables metric recording.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithDiagnostics sets where failed-attempt diagnostics are persisted.
func WithDiagnostics(s DiagnosticsSink) Option {
	return func(o *Orchestrator) { o.diagnostics = s }
}

// WithArtifactCheck replaces PlaylistReady.
func WithArtifactCheck(c ArtifactCheck) Option {
	return func(o *Orchestrator) { o.detector.check = c }
}

// Orchestrator multiplexes subscriber requests onto conversion jobs. All of
// its state is owned by the goroutine executing Run; the exported methods only
// post events to it and are safe for concurrent use.
type Orchestrator struct {
	cfg         Config
	resolver    *Resolver
	runner      Runner
	notifier    Notifier
	diagnostics DiagnosticsSink
	log         *slog.Logger
	metrics     *metrics.Metrics

	registry *Registry
	queue    *Queue
	retries  *retryTracker
	detector *detector
	nextRun  uint64

	events   chan func()
	closing  chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// postMu orders post against shutdown: an event accepted while closed is
	// false is run before shutdown returns.
	postMu sync.RWMutex
	closed bool

	now   func() time.Time
	async func(func())
}

// New returns an Orchestrator. Nothing happens until Run is called.
func New(cfg Config, resolver *Resolver, runner Runner, notifier Notifier, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:      cfg,
		resolver: resolver,
		runner:   runner,
		notifier: notifier,
		log:      logger.Discard(),
		registry: NewRegistry(),
		queue:    NewQueue(),
		retries:  newRetryTracker(cfg.Retry),
		detector: &detector{
			interval: cfg.ReadyPollInterval,
			timeout:  cfg.ReadyTimeout,
			check:    PlaylistReady,
		},
		events:  make(chan func(), eventBuffer),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
		now:     time.Now,
		async:   func(fn func()) { go fn() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ValidateSourceURL trims raw and checks that it is an absolute URL with a
// supported streaming scheme.
func ValidateSourceURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSourceURL)
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSourceURL, err)
	}
	if !supportedSchemes[strings.ToLower(u.Scheme)] {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidSourceURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidSourceURL)
	}
	return s, nil
}

// RequestStream queues a request from sub for sourceURL.
func (o *Orchestrator) RequestStream(sub SubscriberID, sourceURL string) error {
	src, err := ValidateSourceURL(sourceURL)
	if err != nil {
		return err
	}
	if !o.post(func() { o.enqueue(sub, src) }) {
		return ErrStopped
	}
	return nil
}

// ReleaseSubscriber detaches sub from its job and drops its queued requests.
func (o *Orchestrator) ReleaseSubscriber(sub SubscriberID) error {
	if !o.post(func() { o.release(sub) }) {
		return ErrStopped
	}
	return nil
}

// Snapshot returns the current jobs and queue length.
func (o *Orchestrator) Snapshot(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if !o.post(func() { reply <- o.stats() }) {
		return Stats{}, ErrStopped
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	case <-o.stopped:
		return Stats{}, ErrStopped
	}
}

// Run processes events and drains the admission queue every DrainInterval
// until ctx is cancelled. On return every conversion process is killed and
// its artifact removed. Run must be called at most once.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.DrainInterval)
	defer ticker.Stop()
	defer o.shutdown()

	o.log.Info("orchestrator started",
		slog.Duration("drain_interval", o.cfg.DrainInterval),
		slog.Int("drain_batch", o.cfg.DrainBatch))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.drain()
		case fn := <-o.events:
			fn()
		}
		o.updateGauges()
	}
}

// post hands fn to the event loop. It reports false once the loop stopped;
// an accepted fn always runs, at the latest during shutdown.
func (o *Orchestrator) post(fn func()) bool {
	o.postMu.RLock()
	defer o.postMu.RUnlock()
	if o.closed {
		return false
	}
	select {
	case o.events <- fn:
		return true
	case <-o.closing:
		return false
	}
}

// runPending executes the events accepted before the loop stopped.
func (o *Orchestrator) runPending() {
	for {
		select {
		case fn := <-o.events:
			fn()
		default:
			return
		}
	}
}

// enqueue replaces any request sub still has queued, including a crash
// re-enqueue waiting out its backoff.
func (o *Orchestrator) enqueue(sub SubscriberID, src string) {
	if n := o.queue.RemoveSubscriber(sub); n > 0 {
		o.log.Debug("superseded queued requests dropped", slog.String("subscriber", string(sub)), slog.Int("count", n))
	}
	o.queue.Push(PendingRequest{Subscriber: sub, SourceURL: src})
	o.metrics.IncStreamRequests()
	o.log.Info("stream requested",
		slog.String("subscriber", string(sub)),
		slog.String("job_id", string(Fingerprint(src))),
		slog.Int("pending", o.queue.Len()))
}

func (o *Orchestrator) release(sub SubscriberID) {
	if n := o.queue.RemoveSubscriber(sub); n > 0 {
		o.log.Debug("queued requests dropped", slog.String("subscriber", string(sub)), slog.Int("count", n))
	}
	o.detach(sub)
}

// detach removes sub from its job and kills the job when it was the last
// subscriber.
func (o *Orchestrator) detach(sub SubscriberID) {
	rec, drained := o.registry.Detach(sub)
	if rec == nil {
		return
	}
	o.log.Info("subscriber detached",
		slog.String("subscriber", string(sub)),
		slog.String("job_id", string(rec.ID)),
		slog.Int("remaining", len(rec.Subscribers)))
	if !drained {
		return
	}
	if rec.Terminating {
		// A restart kill is already in flight; let its exit tear the job down.
		rec.Restart = false
		return
	}
	o.kill(rec)
}

// drain admits up to DrainBatch queued requests.
func (o *Orchestrator) drain() {
	n := o.queue.Len()
	if n > o.cfg.DrainBatch {
		n = o.cfg.DrainBatch
	}
	now := o.now()
	for i := 0; i < n; i++ {
		req, ok := o.queue.Pop()
		if !ok {
			return
		}
		if req.NotBefore.After(now) {
			o.queue.Push(req)
			continue
		}
		o.admit(req)
	}
}

func (o *Orchestrator) admit(req PendingRequest) {
	id, outputPath := o.resolver.Resolve(req.SourceURL)

	if cur, ok := o.registry.FindBySubscriber(req.Subscriber); ok {
		if cur.ID == id {
			if cur.State == StateRunning {
				o.notifyReady(req.Subscriber, cur)
			}
			return
		}
		o.detach(req.Subscriber)
	}

	rec, exists := o.registry.Get(id)
	switch {
	case exists && rec.Terminating:
		o.queue.Push(req)
		o.log.Debug("job terminating, request deferred",
			slog.String("subscriber", string(req.Subscriber)),
			slog.String("job_id", string(id)))
	case exists:
		o.registry.Attach(id, req.Subscriber)
		o.log.Info("subscriber attached",
			slog.String("subscriber", string(req.Subscriber)),
			slog.String("job_id", string(id)),
			slog.String("state", rec.State.String()),
			slog.Int("subscribers", len(rec.Subscribers)))
		if rec.State == StateRunning {
			o.notifyReady(req.Subscriber, rec)
		}
	default:
		rec, err := o.registry.Create(id, req.SourceURL, outputPath, req.Subscriber)
		if err != nil {
			o.log.Error("create job failed", slog.String("job_id", string(id)), slog.String("error", err.Error()))
			o.queue.Push(req)
			return
		}
		o.startJob(rec)
	}
}

func (o *Orchestrator) startWatch(rec *JobRecord) {
	id, run := rec.ID, rec.RunID
	rec.Watch = o.detector.watch(rec.OutputPath,
		func() { o.post(func() { o.handleReady(id, run) }) },
		func() { o.post(func() { o.handleReadyTimeout(id, run) }) },
	)
}

func (o *Orchestrator) stopWatch(rec *JobRecord) {
	if rec.Watch != nil {
		rec.Watch.Stop()
		rec.Watch = nil
	}
}

func (o *Orchestrator) handleProgress(id JobID, run uint64) {
	if rec, ok := o.current(id, run); ok && rec.Watch != nil {
		rec.Watch.Nudge()
	}
}

// handleReady marks the job running and notifies every attached subscriber.
func (o *Orchestrator) handleReady(id JobID, run uint64) {
	rec, ok := o.current(id, run)
	if !ok {
		return
	}
	o.stopWatch(rec)
	if rec.Terminating {
		return
	}

	rec.Ready = true
	o.retries.forget(id)
	if rec.State != StateStarting {
		return
	}
	rec.State = StateRunning

	o.log.Info("stream ready",
		slog.String("job_id", string(id)),
		slog.String("playback_url", rec.PlaybackURL),
		slog.Int("subscribers", len(rec.Subscribers)))
	for _, sub := range rec.SubscriberIDs() {
		o.notifyReady(sub, rec)
	}
}

// handleReadyTimeout restarts a job whose artifact never became playable.
func (o *Orchestrator) handleReadyTimeout(id JobID, run uint64) {
	rec, ok := o.current(id, run)
	if !ok {
		return
	}
	o.stopWatch(rec)
	if rec.Terminating {
		return
	}
	o.log.Warn("artifact not ready before timeout",
		slog.String("job_id", string(id)),
		slog.Duration("timeout", o.cfg.ReadyTimeout))
	rec.Restart = len(rec.Subscribers) > 0
	o.kill(rec)
}

func (o *Orchestrator) notifyReady(sub SubscriberID, rec *JobRecord) {
	o.notify(sub, Event{Type: EventReady, PlaybackURL: rec.PlaybackURL})
}

func (o *Orchestrator) notify(sub SubscriberID, ev Event) {
	o.notifier.Notify(sub, ev)
	o.metrics.IncNotifications(string(ev.Type))
}

func (o *Orchestrator) stats() Stats {
	return Stats{Jobs: o.registry.Snapshot(), Pending: o.queue.Len()}
}

func (o *Orchestrator) updateGauges() {
	o.metrics.SetQueueState(o.registry.Len(), o.queue.Len(), o.registry.SubscriberCount())
}

// shutdown stops accepting events, kills every process and clears the
// registry. Nothing survives a restart.
func (o *Orchestrator) shutdown() {
	o.stopOnce.Do(func() {
		close(o.closing)
		o.postMu.Lock()
		o.closed = true
		o.postMu.Unlock()
		close(o.stopped)
	})
	o.runPending()

	var g errgroup.Group
	for _, snap := range o.registry.Snapshot() {
		rec, _ := o.registry.Get(snap.ID)
		o.stopWatch(rec)
		proc := rec.Process
		rec.Process = nil
		if proc == nil {
			o.removeArtifact(rec)
			_ = o.registry.Remove(rec.ID)
			continue
		}
		id := rec.ID
		g.Go(func() error {
			if err := proc.Kill(); err != nil {
				return fmt.Errorf("kill job %s: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.log.Warn("shutdown kill failed", slog.String("error", err.Error()))
	}
	for _, snap := range o.registry.Snapshot() {
		if rec, ok := o.registry.Get(snap.ID); ok {
			o.removeArtifact(rec)
			_ = o.registry.Remove(rec.ID)
		}
	}
	o.log.Info("orchestrator stopped")
}
