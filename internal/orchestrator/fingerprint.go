package orchestrator

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// ArtifactDir is the directory, relative to the output root and the public
// base URL, that holds generated playlists.
const ArtifactDir = "bear"

const playlistExt = ".m3u8"

// Fingerprint returns the canonical job identifier for a source URL: the hex
// md5 of its exact bytes. It has no time or random component, so independent
// requests and restarted processes converge on the same job.
func Fingerprint(sourceURL string) JobID {
	sum := md5.Sum([]byte(sourceURL))
	return JobID(hex.EncodeToString(sum[:]))
}

// Resolver maps source URLs to job identifiers, artifact paths and playback
// URLs.
type Resolver struct {
	outputRoot string
	baseURL    string
}

// NewResolver returns a Resolver writing artifacts under outputRoot and
// publishing them below baseURL.
func NewResolver(outputRoot, baseURL string) *Resolver {
	return &Resolver{outputRoot: outputRoot, baseURL: baseURL}
}

// Resolve returns the job identifier and artifact path for sourceURL.
func (r *Resolver) Resolve(sourceURL string) (JobID, string) {
	id := Fingerprint(sourceURL)
	return id, filepath.Join(r.outputRoot, ArtifactDir, string(id)+playlistExt)
}

// PlaybackURL returns the public URL of the job's playlist.
func (r *Resolver) PlaybackURL(id JobID) string {
	return joinURL(r.baseURL, ArtifactDir, string(id)+playlistExt)
}

// joinURL joins base and parts with exactly one slash between each.
func joinURL(base string, parts ...string) string {
	out := strings.TrimRight(base, "/")
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		if out == "" {
			out = p
			continue
		}
		out += "/" + p
	}
	return out
}
