// Package stream is the session-facing façade over the transcoding engine:
// playback-state lifecycle, playlist retrieval, and segment path lookups.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"lumastream/models"
	"lumastream/services/probe"
	"lumastream/services/transcode"
)

var (
	ErrStateNotFound     = errors.New("playback state not found")
	ErrMediaLinkNotFound = errors.New("media link not found")
	ErrSegmentNotFound   = errors.New("segment not found")
	ErrProbeFailed       = errors.New("media file could not be probed")
)

// Capabilities is what a client declares it can play natively.
type Capabilities struct {
	VideoCodecs []string `json:"videoCodecs"`
	AudioCodecs []string `json:"audioCodecs"`
	Containers  []string `json:"containers"`
}

// orDefaults fills in undeclared capability lists from the server-configured
// defaults, per list. A client that declares nothing gets the configured
// baseline instead of a needless full transcode.
func (c Capabilities) orDefaults(d Capabilities) Capabilities {
	if len(c.VideoCodecs) == 0 {
		c.VideoCodecs = d.VideoCodecs
	}
	if len(c.AudioCodecs) == 0 {
		c.AudioCodecs = d.AudioCodecs
	}
	if len(c.Containers) == 0 {
		c.Containers = d.Containers
	}
	return c
}

type stateStore interface {
	PlaybackStateByLink(mediaLinkID, userID string) *models.PlaybackState
	SavePlaybackState(st *models.PlaybackState) bool
	MediaLink(id string) *models.MediaLink
}

type mediaProber interface {
	ProbeFile(ctx context.Context, path string) *probe.MediaInfo
}

type sessionManager interface {
	Session(token string) (transcode.TranscodeSession, bool)
	StartTranscode(ctx context.Context, req transcode.StartRequest) (transcode.TranscodeSession, error)
	SetSegmentTarget(ctx context.Context, token string, segment int) error
	StopSession(token string, deleteOutput bool)
	CacheState(st models.PlaybackState)
	CachedStateByLink(mediaLinkID, userID string) (models.PlaybackState, bool)
	DropCachedState(token string)
	ThrottleWindow() float64
}

type Service struct {
	store    stateStore
	prober   mediaProber
	manager  sessionManager
	defaults Capabilities
}

func NewService(store stateStore, prober mediaProber, manager sessionManager, defaults Capabilities) *Service {
	return &Service{store: store, prober: prober, manager: manager, defaults: defaults}
}

// segmentFilePattern captures the index out of a requested segment file name.
var segmentFilePattern = regexp.MustCompile(`-(\d+)\.(ts|mp4)$`)

// GetPlaybackState returns the persisted (or pending) state for a user on a
// media link. With create set, a missing state is synthesized from a probe
// and a transcoding session is started for the first throttle window.
func (s *Service) GetPlaybackState(ctx context.Context, mediaLinkID, userID string, create bool, caps Capabilities) (*models.PlaybackState, error) {
	if st := s.store.PlaybackStateByLink(mediaLinkID, userID); st != nil {
		return st, nil
	}
	if cached, ok := s.manager.CachedStateByLink(mediaLinkID, userID); ok {
		return &cached, nil
	}
	if !create {
		return nil, ErrStateNotFound
	}

	link := s.store.MediaLink(mediaLinkID)
	if link == nil {
		return nil, ErrMediaLinkNotFound
	}
	info := s.prober.ProbeFile(ctx, link.FilePath)
	if info == nil || info.Duration <= 0 {
		return nil, ErrProbeFailed
	}

	now := time.Now().UTC()
	st := &models.PlaybackState{
		ID:          uuid.NewString(),
		MediaLinkID: mediaLinkID,
		MetadataID:  link.MetadataID,
		UserID:      userID,
		Position:    0,
		Runtime:     info.Duration,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if _, live := s.manager.Session(st.ID); !live {
		caps = caps.orDefaults(s.defaults)
		if _, err := s.manager.StartTranscode(ctx, transcode.StartRequest{
			Token:       st.ID,
			MediaLinkID: mediaLinkID,
			MediaPath:   link.FilePath,
			Runtime:     info.Duration,
			StartAt:     0,
			StopAt:      s.manager.ThrottleWindow(),
			Decision:    probe.DetermineTranscodeNeeds(info, caps.VideoCodecs, caps.AudioCodecs),
			Fragmented:  info.VideoCodec == "hevc",
			State:       st,
		}); err != nil {
			return nil, fmt.Errorf("start transcode: %w", err)
		}
	}
	return st, nil
}

// UpdateStatePosition records playback progress. Until a minute of playback
// has accumulated the position only lives in the manager's cache; the
// returned flag says whether it was persisted.
func (s *Service) UpdateStatePosition(st *models.PlaybackState, position float64) bool {
	st.Position = position
	st.UpdatedAt = time.Now().UTC()
	if position < transcode.RememberPositionThreshold {
		s.manager.CacheState(*st)
		return false
	}
	s.manager.DropCachedState(st.ID)
	if !s.store.SavePlaybackState(st) {
		log.Printf("[stream] session %s: position %0.1f not persisted", st.ID, position)
		return false
	}
	return true
}

// GetPlaylist returns the session's playlist text, starting the session
// first when none is live for the token.
func (s *Service) GetPlaylist(ctx context.Context, mediaLinkID, token string, caps Capabilities) (string, error) {
	if sess, ok := s.manager.Session(token); ok && sess.Runtime > 0 {
		return transcode.VariantPlaylist(token, mediaLinkID, sess.Runtime, sess.SegmentLength, sess.Fragmented), nil
	}

	link := s.store.MediaLink(mediaLinkID)
	if link == nil {
		return "", ErrMediaLinkNotFound
	}
	info := s.prober.ProbeFile(ctx, link.FilePath)
	if info == nil || info.Duration <= 0 {
		return "", ErrProbeFailed
	}
	fragmented := info.VideoCodec == "hevc"
	caps = caps.orDefaults(s.defaults)

	sess, err := s.manager.StartTranscode(ctx, transcode.StartRequest{
		Token:       token,
		MediaLinkID: mediaLinkID,
		MediaPath:   link.FilePath,
		Runtime:     info.Duration,
		StartAt:     0,
		StopAt:      s.manager.ThrottleWindow(),
		Decision:    probe.DetermineTranscodeNeeds(info, caps.VideoCodecs, caps.AudioCodecs),
		Fragmented:  fragmented,
	})
	if err != nil {
		return "", fmt.Errorf("start transcode: %w", err)
	}
	return transcode.VariantPlaylist(token, mediaLinkID, sess.Runtime, sess.SegmentLength, sess.Fragmented), nil
}

// GetFilePathForSegment steers the session toward the requested segment and
// returns its absolute path once it exists on disk.
func (s *Service) GetFilePathForSegment(ctx context.Context, token, segmentFile string) (string, error) {
	if segmentFile != filepath.Base(segmentFile) {
		return "", ErrSegmentNotFound
	}
	sess, ok := s.manager.Session(token)
	if !ok {
		return "", transcode.ErrSessionNotFound
	}
	// Init segments and playlists carry no index; only numbered segments
	// steer the encoder.
	if m := segmentFilePattern.FindStringSubmatch(segmentFile); m != nil {
		idx, err := strconv.Atoi(m[1])
		if err == nil {
			if err := s.manager.SetSegmentTarget(ctx, token, idx); err != nil {
				return "", err
			}
		}
	}
	path := filepath.Join(sess.OutputPath, segmentFile)
	if _, err := os.Stat(path); err != nil {
		return "", ErrSegmentNotFound
	}
	return path, nil
}

// StopSession tears the session down, dropping output when asked.
func (s *Service) StopSession(token string, deleteOutput bool) {
	s.manager.StopSession(token, deleteOutput)
}
