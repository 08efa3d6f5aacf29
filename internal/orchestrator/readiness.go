package orchestrator

import (
	"bufio"
	"context"
	"os"
	"time"

	"github.com/grafov/m3u8"
)

// ArtifactCheck reports whether the artifact at path is playable.
type ArtifactCheck func(path string) bool

// PlaylistReady is the default ArtifactCheck: the file must exist and decode
// as a media playlist with at least one segment, or a master playlist with at
// least one variant.
func PlaylistReady(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	pl, listType, err := m3u8.DecodeFrom(bufio.NewReader(f), false)
	if err != nil {
		return false
	}
	switch listType {
	case m3u8.MEDIA:
		media, ok := pl.(*m3u8.MediaPlaylist)
		return ok && media.Count() > 0
	case m3u8.MASTER:
		master, ok := pl.(*m3u8.MasterPlaylist)
		return ok && len(master.Variants) > 0
	}
	return false
}

// Watch is a running readiness check for one attempt of a job.
type Watch struct {
	cancel context.CancelFunc
	nudge  chan struct{}
	done   chan struct{}
}

// Stop cancels the watch. It is safe to call more than once.
func (w *Watch) Stop() {
	w.cancel()
}

// Nudge asks the watch to check the artifact now instead of waiting for the
// next poll.
func (w *Watch) Nudge() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// Done is closed when the watch goroutine has returned.
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

// detector starts readiness watches. Each watch polls the artifact at a fixed
// interval, checks immediately when nudged, and gives up after timeout
// (zero disables the timeout).
type detector struct {
	interval time.Duration
	timeout  time.Duration
	check    ArtifactCheck
}

// watch starts a watch on path. Exactly one of onReady or onTimeout is called,
// from the watch goroutine, unless the watch is stopped first.
func (d *detector) watch(path string, onReady, onTimeout func()) *Watch {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watch{
		cancel: cancel,
		nudge:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.run(ctx, w, path, onReady, onTimeout)
	return w
}

func (d *detector) run(ctx context.Context, w *Watch, path string, onReady, onTimeout func()) {
	defer close(w.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if d.timeout > 0 {
		timer := time.NewTimer(d.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			onTimeout()
			return
		case <-ticker.C:
		case <-w.nudge:
		}
		if ctx.Err() != nil {
			return
		}
		if d.check(path) {
			onReady()
			return
		}
	}
}
