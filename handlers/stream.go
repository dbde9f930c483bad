package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"lumastream/models"
	streamsvc "lumastream/services/stream"
	"lumastream/services/transcode"
)

type streamService interface {
	GetPlaybackState(ctx context.Context, mediaLinkID, userID string, create bool, caps streamsvc.Capabilities) (*models.PlaybackState, error)
	UpdateStatePosition(st *models.PlaybackState, position float64) bool
	GetPlaylist(ctx context.Context, mediaLinkID, token string, caps streamsvc.Capabilities) (string, error)
	GetFilePathForSegment(ctx context.Context, token, segmentFile string) (string, error)
	StopSession(token string, deleteOutput bool)
}

type sessionLister interface {
	Session(token string) (transcode.TranscodeSession, bool)
	Sessions() []transcode.TranscodeSession
}

// StreamHandler exposes playback state, playlists, and segments over HTTP.
type StreamHandler struct {
	Service  streamService
	Sessions sessionLister
}

var _ streamService = (*streamsvc.Service)(nil)

func NewStreamHandler(s streamService, sessions sessionLister) *StreamHandler {
	return &StreamHandler{Service: s, Sessions: sessions}
}

func capabilitiesFromQuery(r *http.Request) streamsvc.Capabilities {
	split := func(key string) []string {
		v := r.URL.Query().Get(key)
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return streamsvc.Capabilities{
		VideoCodecs: split("videoCodecs"),
		AudioCodecs: split("audioCodecs"),
		Containers:  split("containers"),
	}
}

// GetState returns the persisted playback state for a user on a media link.
func (h *StreamHandler) GetState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	st, err := h.Service.GetPlaybackState(r.Context(), vars["mediaLinkID"], vars["userID"], false, streamsvc.Capabilities{})
	if err != nil {
		if errors.Is(err, streamsvc.ErrStateNotFound) {
			http.Error(w, "playback state not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

// CreateState synthesizes a playback state and starts the session.
func (h *StreamHandler) CreateState(w http.ResponseWriter, r *http.Request) {
	var request struct {
		UserID       string                 `json:"userId"`
		Capabilities streamsvc.Capabilities `json:"capabilities"`
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if request.UserID == "" {
		http.Error(w, "userId required", http.StatusBadRequest)
		return
	}

	mediaLinkID := mux.Vars(r)["mediaLinkID"]
	st, err := h.Service.GetPlaybackState(r.Context(), mediaLinkID, request.UserID, true, request.Capabilities)
	if err != nil {
		switch {
		case errors.Is(err, streamsvc.ErrMediaLinkNotFound):
			http.Error(w, "media link not found", http.StatusNotFound)
		case errors.Is(err, streamsvc.ErrProbeFailed):
			http.Error(w, "media file could not be probed", http.StatusUnprocessableEntity)
		default:
			log.Printf("[stream-handler] create state for %s: %v", mediaLinkID, err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

// UpdatePosition records playback progress for a user on a media link.
func (h *StreamHandler) UpdatePosition(w http.ResponseWriter, r *http.Request) {
	var request struct {
		UserID   string  `json:"userId"`
		Position float64 `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	st, err := h.Service.GetPlaybackState(r.Context(), mux.Vars(r)["mediaLinkID"], request.UserID, false, streamsvc.Capabilities{})
	if err != nil {
		http.Error(w, "playback state not found", http.StatusNotFound)
		return
	}
	persisted := h.Service.UpdateStatePosition(st, request.Position)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"persisted": persisted, "position": st.Position})
}

// GetPlaylist serves the session's HLS playlist.
func (h *StreamHandler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	text, err := h.Service.GetPlaylist(r.Context(), vars["mediaLinkID"], vars["token"], capabilitiesFromQuery(r))
	if err != nil {
		switch {
		case errors.Is(err, streamsvc.ErrMediaLinkNotFound):
			http.Error(w, "media link not found", http.StatusNotFound)
		case errors.Is(err, streamsvc.ErrProbeFailed):
			http.Error(w, "media file could not be probed", http.StatusUnprocessableEntity)
		default:
			log.Printf("[stream-handler] playlist for %s: %v", vars["token"], err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Write([]byte(text))
}

// GetSegment waits for and serves one segment file.
func (h *StreamHandler) GetSegment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	token, segmentFile := vars["token"], vars["segmentFile"]

	path, err := h.Service.GetFilePathForSegment(r.Context(), token, segmentFile)
	if err != nil {
		switch {
		case errors.Is(err, transcode.ErrSessionNotFound):
			http.Error(w, "session not found", http.StatusNotFound)
		case errors.Is(err, streamsvc.ErrSegmentNotFound):
			http.Error(w, "segment not found", http.StatusNotFound)
		case errors.Is(err, context.Canceled):
			// Client went away while waiting; nothing to send.
		default:
			log.Printf("[stream-handler] segment %s/%s: %v", token, segmentFile, err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	if strings.HasSuffix(segmentFile, ".ts") {
		w.Header().Set("Content-Type", "video/mp2t")
	} else {
		w.Header().Set("Content-Type", "video/mp4")
	}
	http.ServeFile(w, r, path)
}

// GetSessionStatus reports live session snapshots for the admin surface.
func (h *StreamHandler) GetSessionStatus(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	w.Header().Set("Content-Type", "application/json")
	if token != "" {
		s, ok := h.Sessions.Session(token)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(s)
		return
	}
	json.NewEncoder(w).Encode(h.Sessions.Sessions())
}

// StopSession tears a session down.
func (h *StreamHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	deleteOutput := r.URL.Query().Get("deleteOutput") != "false"
	h.Service.StopSession(token, deleteOutput)
	w.WriteHeader(http.StatusNoContent)
}
