package transcode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lumastream/models"
)

func testState(token, mediaLinkID, userID string) models.PlaybackState {
	return models.PlaybackState{
		ID:          token,
		MediaLinkID: mediaLinkID,
		UserID:      userID,
		Runtime:     120,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

type fakeEncoder struct {
	mu      sync.Mutex
	paused  int
	resumed int

	stopOnce sync.Once
	quit     chan struct{}
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{quit: make(chan struct{})}
}

func (f *fakeEncoder) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused++
	return nil
}

func (f *fakeEncoder) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed++
	return nil
}

func (f *fakeEncoder) Stop() {
	f.stopOnce.Do(func() { close(f.quit) })
}

func (f *fakeEncoder) Wait() error {
	<-f.quit
	return nil
}

func (f *fakeEncoder) counts() (paused, resumed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused, f.resumed
}

func (f *fakeEncoder) alive() bool {
	select {
	case <-f.quit:
		return false
	default:
		return true
	}
}

type spawnRecorder struct {
	mu     sync.Mutex
	spawns []*fakeEncoder
}

func (r *spawnRecorder) start(ctx context.Context, ffmpegPath string, args []string) (EncoderProcess, error) {
	f := newFakeEncoder()
	go func() {
		<-ctx.Done()
		f.Stop()
	}()
	r.mu.Lock()
	r.spawns = append(r.spawns, f)
	r.mu.Unlock()
	return f, nil
}

func (r *spawnRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spawns)
}

func (r *spawnRecorder) last() *fakeEncoder {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.spawns) == 0 {
		return nil
	}
	return r.spawns[len(r.spawns)-1]
}

func newTestManager(t *testing.T) (*Manager, *spawnRecorder) {
	t.Helper()
	m := NewManager(ManagerOptions{
		FFmpegPath:        "ffmpeg",
		OutputRoot:        t.TempDir(),
		SegmentSeconds:    6,
		ThrottleWindowSec: 60,
	}, nil, nil)
	rec := &spawnRecorder{}
	m.startEncoder = rec.start
	t.Cleanup(m.Shutdown)
	return m, rec
}

func writeSegments(t *testing.T, dir, token, link string, indices ...int) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, i := range indices {
		name := filepath.Join(dir, fmt.Sprintf("%s-%s-%d.ts", token, link, i))
		if err := os.WriteFile(name, []byte("seg"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// waitUntil polls until cond holds or the deadline passes.
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartTranscodeCompleteFastPath(t *testing.T) {
	m, rec := newTestManager(t)
	dir := m.OutputDir("tok", "link")
	writeSegments(t, dir, "tok", "link", 0, 1)

	req := StartRequest{Token: "tok", MediaLinkID: "link", MediaPath: "/media/a.mkv", Runtime: 12, StartAt: 0, StopAt: 12}

	s, err := m.StartTranscode(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != StateComplete {
		t.Fatalf("state = %v, want COMPLETE", s.State)
	}
	if rec.count() != 0 {
		t.Fatalf("spawned %d encoders, want 0", rec.count())
	}

	// Identical second call: still COMPLETE, still no subprocess.
	again, err := m.StartTranscode(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if again.State != StateComplete || rec.count() != 0 {
		t.Fatalf("second call: state=%v spawns=%d", again.State, rec.count())
	}
}

func TestStartTranscodeForwardSkipsCompletedRun(t *testing.T) {
	m, rec := newTestManager(t)
	dir := m.OutputDir("tok", "link")
	// Contiguous run 0-2 plus segment 4, so the start lands on the gap at 3
	// and the "next segment" (4) is already satisfied.
	writeSegments(t, dir, "tok", "link", 0, 1, 2, 4)

	s, err := m.StartTranscode(context.Background(), StartRequest{
		Token: "tok", MediaLinkID: "link", MediaPath: "/media/a.mkv",
		Runtime: 60, StartAt: 0, StopAt: 60,
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.StartSegment != 3 {
		t.Errorf("startSegment = %d, want 3", s.StartSegment)
	}
	if s.StartTime != 18 {
		t.Errorf("startTime = %v, want 18", s.StartTime)
	}
	if s.State != StateRunning {
		t.Errorf("state = %v, want RUNNING", s.State)
	}
	if rec.count() != 1 {
		t.Errorf("spawned %d encoders, want 1", rec.count())
	}
}

func TestStartTranscodeWaitsForNextSegmentAndPausesAtTarget(t *testing.T) {
	m, rec := newTestManager(t)

	type result struct {
		s   TranscodeSession
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := m.StartTranscode(context.Background(), StartRequest{
			Token: "tok", MediaLinkID: "link", MediaPath: "/media/a.mkv",
			Runtime: 12, StartAt: 0, StopAt: 12,
		})
		done <- result{s, err}
	}()

	waitUntil(t, func() bool { return rec.count() == 1 }, "encoder never spawned")

	m.handleSegmentComplete("tok", 0)
	m.handleSegmentComplete("tok", 1)

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatal(res.err)
		}
		if !res.s.SegmentComplete(1) {
			t.Error("returned session missing awaited segment")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("StartTranscode never returned")
	}

	// Segment 1 is the window end, so the encoder must be paused in place.
	waitUntil(t, func() bool {
		s, ok := m.Session("tok")
		return ok && s.State == StatePaused
	}, "session never paused at target")
	if paused, _ := rec.last().counts(); paused != 1 {
		t.Errorf("pause count = %d, want 1", paused)
	}
}

func TestSetSegmentTargetPausedResumesWithoutRespawn(t *testing.T) {
	m, rec := newTestManager(t)

	started := make(chan error, 1)
	go func() {
		_, err := m.StartTranscode(context.Background(), StartRequest{
			Token: "tok", MediaLinkID: "link", MediaPath: "/media/a.mkv",
			Runtime: 120, StartAt: 0, StopAt: 12,
		})
		started <- err
	}()
	waitUntil(t, func() bool { return rec.count() == 1 }, "encoder never spawned")
	m.handleSegmentComplete("tok", 0)
	m.handleSegmentComplete("tok", 1)
	if err := <-started; err != nil {
		t.Fatal(err)
	}

	// Window is 0-2; finishing 2 pauses the encoder.
	m.handleSegmentComplete("tok", 2)
	waitUntil(t, func() bool {
		s, ok := m.Session("tok")
		return ok && s.State == StatePaused
	}, "session never paused")
	before, _ := m.Session("tok")

	targeted := make(chan error, 1)
	go func() {
		targeted <- m.SetSegmentTarget(context.Background(), "tok", 4)
	}()
	waitUntil(t, func() bool {
		s, ok := m.Session("tok")
		return ok && s.State == StateRunning
	}, "paused session never resumed")

	m.handleSegmentComplete("tok", 3)
	m.handleSegmentComplete("tok", 4)
	if err := <-targeted; err != nil {
		t.Fatal(err)
	}

	after, _ := m.Session("tok")
	if after.EndSegment <= before.EndSegment {
		t.Errorf("endSegment %d not widened beyond %d", after.EndSegment, before.EndSegment)
	}
	if rec.count() != 1 {
		t.Errorf("spawned %d encoders, want 1 (resume must not respawn)", rec.count())
	}
	if _, resumed := rec.last().counts(); resumed != 1 {
		t.Errorf("resume count = %d, want 1", resumed)
	}
}

// The encoder must survive reaching its window end: the first segment of the
// next window has to come from a resume, never from a fresh process.
func TestNextWindowSegmentResumesPausedEncoder(t *testing.T) {
	m, rec := newTestManager(t)

	started := make(chan error, 1)
	go func() {
		_, err := m.StartTranscode(context.Background(), StartRequest{
			Token: "tok", MediaLinkID: "link", MediaPath: "/media/a.mkv",
			Runtime: 120, StartAt: 0, StopAt: 12,
		})
		started <- err
	}()
	waitUntil(t, func() bool { return rec.count() == 1 }, "encoder never spawned")
	m.handleSegmentComplete("tok", 0)
	m.handleSegmentComplete("tok", 1)
	if err := <-started; err != nil {
		t.Fatal(err)
	}

	// Finishing the window end (segment 2) suspends the encoder in place.
	m.handleSegmentComplete("tok", 2)
	waitUntil(t, func() bool {
		s, ok := m.Session("tok")
		return ok && s.State == StatePaused
	}, "session never paused at window end")
	if !rec.last().alive() {
		t.Fatal("encoder exited at window end instead of pausing")
	}

	// A client rolling into the next window asks for segment 3.
	targeted := make(chan error, 1)
	go func() {
		targeted <- m.SetSegmentTarget(context.Background(), "tok", 3)
	}()
	waitUntil(t, func() bool {
		s, ok := m.Session("tok")
		return ok && s.State == StateRunning
	}, "session never resumed for the next window")

	m.handleSegmentComplete("tok", 3)
	if err := <-targeted; err != nil {
		t.Fatal(err)
	}

	s, _ := m.Session("tok")
	if !s.SegmentComplete(3) {
		t.Error("next-window segment never became available")
	}
	if rec.count() != 1 {
		t.Errorf("spawned %d encoders, want 1 (boundary must resume, not respawn)", rec.count())
	}
	if _, resumed := rec.last().counts(); resumed != 1 {
		t.Errorf("resume count = %d, want 1", resumed)
	}
}

func TestBuildFFmpegArgsOmitsDurationBound(t *testing.T) {
	dir := t.TempDir()
	req := StartRequest{Token: "tok", MediaLinkID: "link", MediaPath: "/media/a.mkv", Runtime: 600}
	flags := computeFlags(dir, "tok", "link", 600, 6, 0, 60, false)

	args := buildFFmpegArgs(req, flags, dir, 6)
	for _, a := range args {
		if a == "-t" || a == "-to" {
			t.Fatalf("args carry output bound %q; the window end is enforced by pausing", a)
		}
	}
}

func TestSetSegmentTargetOutOfWindowRestarts(t *testing.T) {
	m, rec := newTestManager(t)

	started := make(chan error, 1)
	go func() {
		_, err := m.StartTranscode(context.Background(), StartRequest{
			Token: "tok", MediaLinkID: "link", MediaPath: "/media/a.mkv",
			Runtime: 120, StartAt: 0, StopAt: 12,
		})
		started <- err
	}()
	waitUntil(t, func() bool { return rec.count() == 1 }, "encoder never spawned")
	m.handleSegmentComplete("tok", 0)
	m.handleSegmentComplete("tok", 1)
	if err := <-started; err != nil {
		t.Fatal(err)
	}

	// Segment 10 is far outside the 0-2 window: a seek.
	targeted := make(chan error, 1)
	go func() {
		targeted <- m.SetSegmentTarget(context.Background(), "tok", 10)
	}()
	waitUntil(t, func() bool { return rec.count() == 2 }, "seek never restarted the encoder")

	m.handleSegmentComplete("tok", 10)
	m.handleSegmentComplete("tok", 11)
	if err := <-targeted; err != nil {
		t.Fatal(err)
	}

	s, ok := m.Session("tok")
	if !ok {
		t.Fatal("session vanished")
	}
	if s.StartSegment != 10 {
		t.Errorf("startSegment after seek = %d, want 10", s.StartSegment)
	}
}

func TestSetSegmentTargetKeepAheadRestart(t *testing.T) {
	m, rec := newTestManager(t)
	dir := m.OutputDir("tok", "link")
	writeSegments(t, dir, "tok", "link", 3)

	// Session whose window is behind a segment already on disk.
	m.sessions.put(TranscodeSession{
		Token:                 "tok",
		MediaLinkID:           "link",
		MediaPath:             "/media/a.mkv",
		OutputPath:            dir,
		SegmentCount:          20,
		SegmentLength:         6,
		Runtime:               120,
		StartSegment:          0,
		EndSegment:            2,
		LastTranscodedSegment: 1,
		TranscodedSegments:    map[int]bool{0: true, 1: true, 3: true},
		State:                 StateIdle,
	})

	targeted := make(chan error, 1)
	go func() {
		targeted <- m.SetSegmentTarget(context.Background(), "tok", 3)
	}()
	waitUntil(t, func() bool { return rec.count() == 1 }, "keep-ahead never restarted the encoder")

	m.handleSegmentComplete("tok", 4)
	m.handleSegmentComplete("tok", 5)
	if err := <-targeted; err != nil {
		t.Fatal(err)
	}
}

func TestSetSegmentTargetIdleIsNoop(t *testing.T) {
	m, rec := newTestManager(t)
	m.sessions.put(TranscodeSession{
		Token:                 "tok",
		MediaLinkID:           "link",
		SegmentCount:          20,
		SegmentLength:         6,
		Runtime:               120,
		LastTranscodedSegment: -1,
		TranscodedSegments:    map[int]bool{},
		State:                 StateIdle,
	})

	if err := m.SetSegmentTarget(context.Background(), "tok", 5); err != nil {
		t.Fatal(err)
	}
	if rec.count() != 0 {
		t.Errorf("idle no-op spawned %d encoders", rec.count())
	}
}

func TestSetSegmentTargetUnknownToken(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.SetSegmentTarget(context.Background(), "nope", 0); err != ErrSessionNotFound {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestStopSessionDeletesOutput(t *testing.T) {
	m, _ := newTestManager(t)
	dir := m.OutputDir("tok", "link")
	writeSegments(t, dir, "tok", "link", 0, 1)

	if _, err := m.StartTranscode(context.Background(), StartRequest{
		Token: "tok", MediaLinkID: "link", MediaPath: "/media/a.mkv",
		Runtime: 12, StartAt: 0, StopAt: 12,
	}); err != nil {
		t.Fatal(err)
	}

	m.StopSession("tok", true)

	if _, ok := m.Session("tok"); ok {
		t.Error("session still in table after stop")
	}
	if _, err := os.Stat(filepath.Join(m.outputRoot, "tok")); !os.IsNotExist(err) {
		t.Errorf("token output directory still exists: %v", err)
	}

	// Unknown token: no-op.
	m.StopSession("tok", true)
}

func TestStateCache(t *testing.T) {
	m, _ := newTestManager(t)

	st := testState("tok", "link", "user")
	m.CacheState(st)

	got, ok := m.CachedState("tok")
	if !ok || got.MediaLinkID != "link" {
		t.Fatalf("CachedState = %+v, %v", got, ok)
	}
	byLink, ok := m.CachedStateByLink("link", "user")
	if !ok || byLink.ID != "tok" {
		t.Fatalf("CachedStateByLink = %+v, %v", byLink, ok)
	}
	m.DropCachedState("tok")
	if _, ok := m.CachedState("tok"); ok {
		t.Error("state still cached after drop")
	}
}
