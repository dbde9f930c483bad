package models

import "time"

// MediaLink points a piece of library metadata at a playable file on disk.
type MediaLink struct {
	ID         string `json:"id"`
	MetadataID string `json:"metadataId"`
	FilePath   string `json:"filePath"`
	Descriptor string `json:"descriptor"` // e.g. "LOCAL"
}

// PlaybackState records where a user is in a piece of media. Its ID doubles
// as the transcode session token.
type PlaybackState struct {
	ID          string    `json:"id"`
	MediaLinkID string    `json:"mediaLinkId"`
	MetadataID  string    `json:"metadataId"`
	UserID      string    `json:"userId"`
	Position    float64   `json:"position"` // Seconds into the media
	Runtime     float64   `json:"runtime"`  // Total duration in seconds
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
