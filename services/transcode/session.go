package transcode

import (
	"sync"

	"lumastream/services/probe"
)

// SessionState tracks where a session is in its encoder lifecycle.
type SessionState string

const (
	// StateIdle means no encoder is running and nothing is pending.
	StateIdle SessionState = "IDLE"
	// StateRunning means the encoder subprocess is live.
	StateRunning SessionState = "RUNNING"
	// StatePaused means the encoder is alive but suspended at its target.
	StatePaused SessionState = "PAUSED"
	// StateComplete is terminal: every segment the request needs exists.
	StateComplete SessionState = "COMPLETE"
)

// TranscodeSession is the per-token snapshot of one transcoding session.
// It is stored and passed by value; TranscodedSegments is cloned on every
// update so snapshots handed to callers never alias live state.
type TranscodeSession struct {
	Token       string `json:"token"`
	MediaLinkID string `json:"mediaLinkId"`
	MediaPath   string `json:"mediaPath"`
	OutputPath  string `json:"outputPath"`

	SegmentCount  int     `json:"segmentCount"`
	SegmentLength float64 `json:"segmentLength"`
	Runtime       float64 `json:"runtime"`

	StartSegment int     `json:"startSegment"`
	EndSegment   int     `json:"endSegment"`
	StartTime    float64 `json:"startTime"`
	EndTime      float64 `json:"endTime"`

	LastTranscodedSegment int          `json:"lastTranscodedSegment"`
	TranscodedSegments    map[int]bool `json:"-"`

	State      SessionState   `json:"state"`
	Decision   probe.Decision `json:"transcodeDecision"`
	Fragmented bool           `json:"fragmented"`

	// Recorded for diagnostics only.
	FFmpegCommand string `json:"ffmpegCommand"`
}

// SegmentComplete reports whether segment idx has finished encoding.
func (s TranscodeSession) SegmentComplete(idx int) bool {
	return s.TranscodedSegments[idx]
}

// FinalSegmentIndex is the index of the last segment of the whole file.
func (s TranscodeSession) FinalSegmentIndex() int {
	return s.SegmentCount - 1
}

func (s TranscodeSession) clone() TranscodeSession {
	segs := make(map[int]bool, len(s.TranscodedSegments))
	for k, v := range s.TranscodedSegments {
		segs[k] = v
	}
	s.TranscodedSegments = segs
	return s
}

// sessionTable holds the live sessions. Every mutation goes through update,
// which applies the change to a private clone under the lock so concurrent
// watcher callbacks and client requests never lose writes.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]TranscodeSession
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]TranscodeSession)}
}

func (t *sessionTable) get(token string) (TranscodeSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[token]
	if !ok {
		return TranscodeSession{}, false
	}
	return s.clone(), true
}

func (t *sessionTable) put(s TranscodeSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.Token] = s.clone()
}

func (t *sessionTable) update(token string, fn func(TranscodeSession) TranscodeSession) (TranscodeSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[token]
	if !ok {
		return TranscodeSession{}, false
	}
	next := fn(s.clone())
	t.sessions[token] = next
	return next.clone(), true
}

func (t *sessionTable) delete(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, token)
}

func (t *sessionTable) snapshot() []TranscodeSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TranscodeSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.clone())
	}
	return out
}
