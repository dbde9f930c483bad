package transcode

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/sourcegraph/conc"

	"lumastream/models"
	"lumastream/services/probe"
)

// RememberPositionThreshold is how many seconds of playback must accumulate
// before a position is worth persisting. Below it progress lives only in the
// manager's cache and is thrown away with the session.
const RememberPositionThreshold = 60.0

var ErrSessionNotFound = errors.New("transcode session not found")

// stateStore is the slice of the persistence layer the manager needs when
// tearing a session down.
type stateStore interface {
	PlaybackState(id string) *models.PlaybackState
	DeletePlaybackState(id string) bool
}

// ManagerOptions configures the transcoding engine.
type ManagerOptions struct {
	FFmpegPath        string
	OutputRoot        string
	SegmentSeconds    int
	ThrottleWindowSec int
}

// Manager owns every live transcoding session: it computes segment windows,
// spawns and supervises ffmpeg, reacts to segment completion, and applies
// the pause/resume/seek policy that keeps the encoder just ahead of playback.
type Manager struct {
	ffmpegPath     string
	outputRoot     string
	segmentLength  float64
	throttleWindow float64

	prober *probe.Prober
	store  stateStore

	sessions *sessionTable
	bus      *sessionBus

	jobMu sync.Mutex
	jobs  map[string]*encoderJob

	cacheMu    sync.RWMutex
	stateCache map[string]models.PlaybackState

	wg           conc.WaitGroup
	startEncoder startEncoderFunc
}

// encoderJob pairs a running encoder with its cancellation scope. The done
// channel closes once the process has been reaped.
type encoderJob struct {
	proc   EncoderProcess
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(opts ManagerOptions, prober *probe.Prober, store stateStore) *Manager {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.SegmentSeconds <= 0 {
		opts.SegmentSeconds = 6
	}
	if opts.ThrottleWindowSec <= 0 {
		opts.ThrottleWindowSec = 60
	}
	return &Manager{
		ffmpegPath:     opts.FFmpegPath,
		outputRoot:     opts.OutputRoot,
		segmentLength:  float64(opts.SegmentSeconds),
		throttleWindow: float64(opts.ThrottleWindowSec),
		prober:         prober,
		store:          store,
		sessions:       newSessionTable(),
		bus:            newSessionBus(),
		jobs:           make(map[string]*encoderJob),
		stateCache:     make(map[string]models.PlaybackState),
		startEncoder:   startFFmpeg,
	}
}

func (m *Manager) SegmentLength() float64  { return m.segmentLength }
func (m *Manager) ThrottleWindow() float64 { return m.throttleWindow }

// OutputDir is where one session's segments live. Directories are never
// shared across tokens.
func (m *Manager) OutputDir(token, mediaLinkID string) string {
	return filepath.Join(m.outputRoot, token, mediaLinkID)
}

func (m *Manager) Session(token string) (TranscodeSession, bool) {
	return m.sessions.get(token)
}

func (m *Manager) Sessions() []TranscodeSession {
	return m.sessions.snapshot()
}

// StartRequest carries everything needed to start (or restart) a session.
type StartRequest struct {
	Token       string
	MediaLinkID string
	MediaPath   string
	Runtime     float64
	StartAt     float64
	StopAt      float64
	Decision    probe.Decision
	Fragmented  bool

	// State, when set, is cached pending persistence.
	State *models.PlaybackState
}

// StartTranscode starts encoding the requested window for a token. If the
// window is already fully on disk the session goes straight to COMPLETE with
// no subprocess. Otherwise it returns once the segment after the window
// start is ready (or immediately when that one also exists already).
func (m *Manager) StartTranscode(ctx context.Context, req StartRequest) (TranscodeSession, error) {
	if req.Token == "" || req.Runtime <= 0 {
		return TranscodeSession{}, fmt.Errorf("invalid transcode request for token %q", req.Token)
	}

	// Restarting for a live token replaces its encoder.
	m.stopEncoder(req.Token)

	outputDir := m.OutputDir(req.Token, req.MediaLinkID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return TranscodeSession{}, fmt.Errorf("create output dir: %w", err)
	}
	if req.State != nil {
		m.CacheState(*req.State)
	}

	flags := computeFlags(outputDir, req.Token, req.MediaLinkID, req.Runtime, m.segmentLength, req.StartAt, req.StopAt, req.Fragmented)

	if flags.startSegment > flags.finalSegmentIndex {
		// Everything the request needs is already on disk.
		s := m.mergeSession(req, flags, outputDir, "", StateComplete)
		log.Printf("[hls] session %s: all %d segments on disk, no encoder needed", req.Token, flags.segmentCount)
		m.bus.publish(s)
		return s, nil
	}

	args := buildFFmpegArgs(req, flags, outputDir, m.segmentLength)
	s := m.mergeSession(req, flags, outputDir, m.ffmpegPath+" "+strings.Join(args, " "), StateRunning)
	log.Printf("[hls] session %s: starting encoder for segments %d-%d (of %d)", req.Token, flags.startSegment, flags.endSegment, flags.segmentCount)

	jobCtx, jobCancel := context.WithCancel(context.Background())
	proc, err := m.startEncoder(jobCtx, m.ffmpegPath, args)
	if err != nil {
		jobCancel()
		s = m.markIdle(req.Token)
		return s, fmt.Errorf("session %s: start encoder: %w", req.Token, err)
	}

	pattern := segmentPattern(req.Token, req.MediaLinkID, req.Fragmented)
	segCh, werr := WatchSegments(jobCtx, outputDir, pattern)
	if werr != nil {
		proc.Stop()
		jobCancel()
		s = m.markIdle(req.Token)
		return s, fmt.Errorf("session %s: watch segments: %w", req.Token, werr)
	}

	job := &encoderJob{proc: proc, cancel: jobCancel, done: make(chan struct{})}
	m.jobMu.Lock()
	m.jobs[req.Token] = job
	m.jobMu.Unlock()

	token := req.Token
	m.wg.Go(func() {
		for idx := range segCh {
			m.handleSegmentComplete(token, idx)
		}
	})
	m.wg.Go(func() {
		m.superviseEncoder(token, job, outputDir, pattern)
	})

	m.bus.publish(s)

	next := min(flags.startSegment+1, flags.endSegment)
	if flags.completedSegments[next] {
		return s, nil
	}
	return m.waitForSegment(ctx, token, next, false)
}

// mergeSession creates or updates the table entry for a start request.
func (m *Manager) mergeSession(req StartRequest, flags transcodeFlags, outputDir, command string, state SessionState) TranscodeSession {
	lastDone := -1
	for idx := range flags.completedSegments {
		if idx > lastDone {
			lastDone = idx
		}
	}
	apply := func(s TranscodeSession) TranscodeSession {
		s.MediaLinkID = req.MediaLinkID
		s.MediaPath = req.MediaPath
		s.OutputPath = outputDir
		s.SegmentCount = flags.segmentCount
		s.SegmentLength = m.segmentLength
		s.Runtime = req.Runtime
		s.StartSegment = flags.startSegment
		s.EndSegment = flags.endSegment
		s.StartTime = flags.startTime
		s.EndTime = flags.endTime
		s.Decision = req.Decision
		s.Fragmented = req.Fragmented
		s.FFmpegCommand = command
		s.State = state
		if s.TranscodedSegments == nil {
			s.TranscodedSegments = make(map[int]bool)
		}
		for idx := range flags.completedSegments {
			s.TranscodedSegments[idx] = true
		}
		if lastDone > s.LastTranscodedSegment {
			s.LastTranscodedSegment = lastDone
		}
		return s
	}
	if s, ok := m.sessions.update(req.Token, apply); ok {
		return s
	}
	s := apply(TranscodeSession{Token: req.Token, LastTranscodedSegment: -1})
	m.sessions.put(s)
	return s
}

func (m *Manager) markIdle(token string) TranscodeSession {
	s, ok := m.sessions.update(token, func(s TranscodeSession) TranscodeSession {
		if s.State != StateComplete {
			s.State = StateIdle
		}
		return s
	})
	if ok {
		m.bus.publish(s)
	}
	return s
}

// handleSegmentComplete commits one watcher-reported index to the session
// and pauses the encoder when it has reached its target window end.
func (m *Manager) handleSegmentComplete(token string, idx int) {
	s, ok := m.sessions.update(token, func(s TranscodeSession) TranscodeSession {
		s.TranscodedSegments[idx] = true
		if idx > s.LastTranscodedSegment {
			s.LastTranscodedSegment = idx
		}
		if idx > s.EndSegment {
			s.EndSegment = idx
		}
		return s
	})
	if !ok {
		return
	}
	if s.State == StateRunning && idx >= s.EndSegment {
		if job := m.job(token); job != nil {
			if err := job.proc.Pause(); err != nil {
				log.Printf("[hls] session %s: pause failed: %v", token, err)
			} else {
				log.Printf("[hls] session %s: reached segment %d, encoder paused", token, idx)
			}
		}
		if paused, ok := m.sessions.update(token, func(s TranscodeSession) TranscodeSession {
			s.State = StatePaused
			return s
		}); ok {
			s = paused
		}
	}
	m.bus.publish(s)
}

// superviseEncoder reaps the process, sweeps the directory one last time for
// segments the watcher may not have seen yet, and drops the session back to
// IDLE. Encoder failure never propagates past its own session.
func (m *Manager) superviseEncoder(token string, job *encoderJob, outputDir string, pattern *regexp.Regexp) {
	err := job.proc.Wait()
	close(job.done)

	m.jobMu.Lock()
	owned := m.jobs[token] == job
	if owned {
		delete(m.jobs, token)
	}
	m.jobMu.Unlock()

	if err != nil {
		log.Printf("[hls] session %s: encoder exited: %v", token, err)
	} else {
		log.Printf("[hls] session %s: encoder finished", token)
	}

	if owned {
		if s, ok := m.sessions.get(token); ok {
			for idx := range scanCompletedSegments(outputDir, pattern) {
				if !s.SegmentComplete(idx) {
					m.handleSegmentComplete(token, idx)
				}
			}
		}
		m.markIdle(token)
	}
	job.cancel()
}

func (m *Manager) job(token string) *encoderJob {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	return m.jobs[token]
}

// stopEncoder kills the token's encoder, if any, and waits for it to be
// reaped so a replacement never races the old process for output files.
func (m *Manager) stopEncoder(token string) {
	m.jobMu.Lock()
	job := m.jobs[token]
	delete(m.jobs, token)
	m.jobMu.Unlock()
	if job == nil {
		return
	}
	_ = job.proc.Resume() // a stopped process can't be reaped until it runs again or is killed
	job.proc.Stop()
	job.cancel()
	<-job.done
}

// waitForSegment suspends until idx is complete for token, waking on every
// bus publish and re-checking live state. With restartOnIdle, an encoder
// that dies mid-wait is restarted once at the wanted segment.
func (m *Manager) waitForSegment(ctx context.Context, token string, idx int, restartOnIdle bool) (TranscodeSession, error) {
	ch, unsubscribe := m.bus.subscribe()
	defer unsubscribe()
	for {
		s, ok := m.sessions.get(token)
		if !ok {
			return TranscodeSession{}, ErrSessionNotFound
		}
		if s.State == StateComplete || s.SegmentComplete(idx) {
			return s, nil
		}
		if s.State == StateIdle {
			if !restartOnIdle {
				return s, nil
			}
			restartOnIdle = false
			log.Printf("[hls] session %s: encoder idle while waiting for segment %d, restarting", token, idx)
			if err := m.restartTranscode(ctx, token, idx); err != nil {
				return s, err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ch:
		}
	}
}

// SetSegmentTarget steers the session toward the segment a client just
// asked for: waiting, resuming, or restarting the encoder as needed.
func (m *Manager) SetSegmentTarget(ctx context.Context, token string, segment int) error {
	s, ok := m.sessions.get(token)
	if !ok {
		return ErrSessionNotFound
	}
	if s.State == StateComplete {
		return nil
	}
	if s.SegmentComplete(segment) {
		// Already on disk. Kick the encoder forward when playback is
		// outrunning it and nothing is queued to keep ahead.
		if segment > s.LastTranscodedSegment && s.State != StatePaused {
			return m.restartTranscode(ctx, token, segment)
		}
		return nil
	}
	switch s.State {
	case StateIdle:
		// Nothing running; the caller sees file-not-found and re-requests
		// through the stream service.
		return nil
	case StateRunning:
		if segment >= s.StartSegment && segment <= s.EndSegment {
			_, err := m.waitForSegment(ctx, token, segment, true)
			return err
		}
		return m.restartTranscode(ctx, token, segment)
	case StatePaused:
		return m.resumeForSegment(ctx, token, segment)
	}
	return nil
}

// resumeForSegment widens a paused session's window by its previous width
// and wakes the suspended encoder instead of paying for a fresh process.
func (m *Manager) resumeForSegment(ctx context.Context, token string, segment int) error {
	s, ok := m.sessions.update(token, func(s TranscodeSession) TranscodeSession {
		width := s.EndSegment - s.StartSegment
		// Never widen to less than the segment being waited on.
		newEnd := min(max(s.LastTranscodedSegment+width, segment), s.FinalSegmentIndex())
		if newEnd > s.EndSegment {
			s.EndSegment = newEnd
		}
		s.EndTime = clamp(float64(s.EndSegment+1)*s.SegmentLength, 0, s.Runtime)
		s.State = StateRunning
		return s
	})
	if !ok {
		return ErrSessionNotFound
	}
	job := m.job(token)
	if job == nil {
		// Paused without a live process means it died underneath us.
		return m.restartTranscode(ctx, token, segment)
	}
	if err := job.proc.Resume(); err != nil {
		log.Printf("[hls] session %s: resume failed, restarting encoder: %v", token, err)
		return m.restartTranscode(ctx, token, segment)
	}
	log.Printf("[hls] session %s: resumed encoder, window now %d-%d", token, s.StartSegment, s.EndSegment)
	m.bus.publish(s)
	_, err := m.waitForSegment(ctx, token, segment, true)
	return err
}

// restartTranscode re-probes fragmentation and starts a fresh throttle
// window at the requested segment.
func (m *Manager) restartTranscode(ctx context.Context, token string, segment int) error {
	s, ok := m.sessions.get(token)
	if !ok {
		return ErrSessionNotFound
	}
	fragmented := s.Fragmented
	if m.prober != nil {
		if info := m.prober.ProbeFile(ctx, s.MediaPath); info != nil {
			fragmented = info.VideoCodec == "hevc"
		}
	}
	startAt := float64(segment) * s.SegmentLength
	_, err := m.StartTranscode(ctx, StartRequest{
		Token:       token,
		MediaLinkID: s.MediaLinkID,
		MediaPath:   s.MediaPath,
		Runtime:     s.Runtime,
		StartAt:     startAt,
		StopAt:      startAt + m.throttleWindow,
		Decision:    s.Decision,
		Fragmented:  fragmented,
	})
	return err
}

// StopSession tears a session down. Unknown tokens are a no-op. Positions
// that never crossed the remember threshold are forgotten entirely.
func (m *Manager) StopSession(token string, deleteOutput bool) {
	m.DropCachedState(token)
	_, existed := m.sessions.get(token)
	m.sessions.delete(token)
	m.stopEncoder(token)

	if m.store != nil {
		if st := m.store.PlaybackState(token); st != nil && st.Position < RememberPositionThreshold {
			if !m.store.DeletePlaybackState(token) {
				log.Printf("[hls] session %s: could not delete unremembered playback state", token)
			}
		}
	}
	if deleteOutput {
		if err := os.RemoveAll(filepath.Join(m.outputRoot, token)); err != nil {
			log.Printf("[hls] session %s: output cleanup failed: %v", token, err)
		}
	}
	if existed {
		log.Printf("[hls] session %s: stopped (deleteOutput=%v)", token, deleteOutput)
	}
}

// Shutdown stops every live session and waits for supervision goroutines.
func (m *Manager) Shutdown() {
	for _, s := range m.sessions.snapshot() {
		m.StopSession(s.Token, false)
	}
	m.wg.Wait()
}

// CacheState holds a playback state that has not earned persistence yet.
func (m *Manager) CacheState(st models.PlaybackState) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.stateCache[st.ID] = st
}

func (m *Manager) CachedState(token string) (models.PlaybackState, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	st, ok := m.stateCache[token]
	return st, ok
}

func (m *Manager) CachedStateByLink(mediaLinkID, userID string) (models.PlaybackState, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	for _, st := range m.stateCache {
		if st.MediaLinkID == mediaLinkID && st.UserID == userID {
			return st, true
		}
	}
	return models.PlaybackState{}, false
}

func (m *Manager) DropCachedState(token string) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	delete(m.stateCache, token)
}

// buildFFmpegArgs constructs the encoder invocation for one window. Streams
// the decision marks compatible are copied; the rest get the fixed target
// codecs players accept everywhere. -n keeps ffmpeg from touching segments
// that already exist.
//
// The command carries no output-duration bound: the window end is enforced by
// suspending the process when the target segment completes, so the encoder
// must stay alive there for resume to work.
func buildFFmpegArgs(req StartRequest, flags transcodeFlags, outputDir string, segmentLength float64) []string {
	name := req.Token + "-" + req.MediaLinkID

	args := []string{
		"-loglevel", "warning",
		"-n",
		"-accurate_seek",
		"-ss", formatSeconds(flags.startTime),
		"-i", req.MediaPath,
	}

	transcodeVideo := req.Decision == probe.DecisionVideoOnly || req.Decision == probe.DecisionFull
	transcodeAudio := req.Decision == probe.DecisionAudioOnly || req.Decision == probe.DecisionFull

	if transcodeVideo {
		args = append(args,
			"-c:v", "libx264",
			"-profile:v", "baseline",
			"-level", "4.0",
			"-pix_fmt", "yuv420p",
			"-preset", "veryfast",
			"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", int(segmentLength)),
		)
	} else {
		args = append(args, "-c:v", "copy")
	}
	if transcodeAudio {
		args = append(args, "-c:a", "aac", "-b:a", "128k", "-ac", "2")
	} else {
		args = append(args, "-c:a", "copy")
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(int(segmentLength)),
		"-hls_playlist_type", "vod",
		"-start_number", strconv.Itoa(flags.startSegment),
		"-hls_segment_filename", filepath.Join(outputDir, name+"-%d."+flags.segmentExtension),
	)
	if req.Fragmented {
		args = append(args,
			"-hls_segment_type", "fmp4",
			"-hls_fmp4_init_filename", name+"-init.mp4",
		)
	} else {
		args = append(args, "-hls_segment_type", "mpegts")
	}
	// Throwaway playlist; the real one is generated from the runtime.
	args = append(args, filepath.Join(outputDir, fmt.Sprintf("%s-%d.m3u8", name, flags.startSegment)))
	return args
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
