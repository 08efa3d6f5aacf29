// Package ffmpeg launches the conversion process that turns a live source
// into an HLS playlist with rolling segments.
package ffmpeg

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"stream-orchestrator/internal/orchestrator"
	"stream-orchestrator/internal/platform/procgroup"
)

// Defaults applied to zero Config fields.
const (
	DefaultBinary         = "ffmpeg"
	DefaultSegmentSeconds = 2.0
	DefaultListSize       = 5
	DefaultKillTimeout    = 5 * time.Second
)

const (
	// stderrTail is how much of the process's stderr is kept for diagnostics.
	stderrTail = 64 << 10
	maxLine    = 1 << 20
)

// Config holds the fixed conversion profile.
type Config struct {
	Binary         string
	SegmentSeconds float64
	ListSize       int
	KillTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
	if c.SegmentSeconds <= 0 {
		c.SegmentSeconds = DefaultSegmentSeconds
	}
	if c.ListSize <= 0 {
		c.ListSize = DefaultListSize
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = DefaultKillTimeout
	}
	return c
}

// Runner implements orchestrator.Runner with an ffmpeg child process per
// attempt.
type Runner struct {
	cfg Config
	log *slog.Logger
}

// NewRunner returns a Runner for cfg.
func NewRunner(cfg Config, log *slog.Logger) *Runner {
	return &Runner{cfg: cfg.withDefaults(), log: log}
}

// Args returns the ffmpeg command line for spec, without the binary.
func (r *Runner) Args(spec orchestrator.LaunchSpec) []string {
	args := []string{"-hide_banner", "-nostdin", "-nostats", "-loglevel", "info"}
	if isRTSP(spec.SourceURL) {
		args = append(args, "-rtsp_transport", "tcp")
	}
	segments := filepath.Join(filepath.Dir(spec.OutputPath), string(spec.JobID)+"_%05d.ts")
	args = append(args,
		"-i", spec.SourceURL,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-f", "hls",
		"-hls_time", strconv.FormatFloat(r.cfg.SegmentSeconds, 'f', 1, 64),
		"-hls_list_size", strconv.Itoa(r.cfg.ListSize),
		"-hls_flags", "delete_segments+temp_file",
		"-hls_segment_filename", segments,
		spec.OutputPath,
	)
	return args
}

// Start implements orchestrator.Runner.
func (r *Runner) Start(spec orchestrator.LaunchSpec, hooks orchestrator.Hooks) (orchestrator.Process, error) {
	if err := os.MkdirAll(filepath.Dir(spec.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare output dir: %w", err)
	}

	cmd := exec.Command(r.cfg.Binary, r.Args(spec)...)
	procgroup.Set(cmd)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.cfg.Binary, err)
	}

	p := &process{cmd: cmd, done: make(chan struct{}), killTimeout: r.cfg.KillTimeout}
	marker := filepath.Base(spec.OutputPath)
	go func() {
		tail := newTailBuffer(stderrTail)
		scanStderr(stderr, tail, marker, hooks.OnProgress)
		err := cmd.Wait()
		close(p.done)
		if err != nil {
			r.log.Debug("ffmpeg exited with error", slog.String("job_id", string(spec.JobID)), slog.String("error", err.Error()))
		}
		if hooks.OnExit != nil {
			hooks.OnExit(orchestrator.ExitStatus{Err: err, Stderr: tail.Bytes()})
		}
	}()
	return p, nil
}

// scanStderr copies stderr lines into tail and calls onProgress for every
// line in which the HLS muxer reports opening the playlist.
func scanStderr(r io.Reader, tail *tailBuffer, playlist string, onProgress func()) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	for sc.Scan() {
		line := sc.Text()
		tail.WriteLine(line)
		if onProgress != nil && isPlaylistOpen(line, playlist) {
			onProgress()
		}
	}
	// Drain whatever is left so the child never blocks on a full pipe.
	io.Copy(io.Discard, r)
}

// isPlaylistOpen matches ffmpeg's "Opening '<path>' for writing" log line for
// the playlist (or its temporary file).
func isPlaylistOpen(line, playlist string) bool {
	i := strings.Index(line, "Opening '")
	if i < 0 || !strings.Contains(line[i:], "' for writing") {
		return false
	}
	return strings.Contains(line[i:], playlist)
}

func isRTSP(src string) bool {
	s := strings.ToLower(src)
	return strings.HasPrefix(s, "rtsp://") || strings.HasPrefix(s, "rtsps://")
}

// process is a started ffmpeg child.
type process struct {
	cmd         *exec.Cmd
	done        chan struct{}
	killTimeout time.Duration
}

func (p *process) PID() int {
	return p.cmd.Process.Pid
}

// Kill sends SIGKILL to the process group and waits for the exit.
func (p *process) Kill() error {
	select {
	case <-p.done:
		return fmt.Errorf("kill pid %d: %w", p.PID(), procgroup.ErrProcessGone)
	default:
	}
	if err := procgroup.Kill(p.PID()); err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(p.killTimeout):
		return fmt.Errorf("pid %d did not exit within %s", p.PID(), p.killTimeout)
	}
}
