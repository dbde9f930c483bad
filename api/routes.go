package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"lumastream/handlers"
)

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Register wires the streaming API onto the router.
func Register(r *mux.Router, stream *handlers.StreamHandler) {
	r.Use(corsMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/stream/{mediaLinkID}/state/{userID}", stream.GetState).Methods(http.MethodGet)
	api.HandleFunc("/stream/{mediaLinkID}/state", stream.CreateState).Methods(http.MethodPost)
	api.HandleFunc("/stream/{mediaLinkID}/state/position", stream.UpdatePosition).Methods(http.MethodPut)

	api.HandleFunc("/stream/{mediaLinkID}/hls/{token}/playlist.m3u8", stream.GetPlaylist).Methods(http.MethodGet)

	// Registered ahead of the segment route so "sessions" is not taken for
	// a token.
	api.HandleFunc("/stream/hls/sessions", stream.GetSessionStatus).Methods(http.MethodGet)
	api.HandleFunc("/stream/hls/sessions/{token}", stream.GetSessionStatus).Methods(http.MethodGet)
	api.HandleFunc("/stream/hls/{token}/{segmentFile}", stream.GetSegment).Methods(http.MethodGet)

	api.HandleFunc("/stream/{token}/stop", stream.StopSession).Methods(http.MethodDelete)
}
