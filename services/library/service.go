// Package library registers media files found under the configured library
// directories so they can be streamed by media link id.
package library

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"log"
	"path/filepath"
	"strings"

	"lumastream/models"
)

var mediaExtensions = map[string]bool{
	".mkv":  true,
	".mp4":  true,
	".m4v":  true,
	".mov":  true,
	".avi":  true,
	".webm": true,
	".ts":   true,
}

type linkStore interface {
	SaveMediaLink(l *models.MediaLink) bool
}

// Register walks the library directories and upserts a media link for every
// media file found. Returns how many links were written. Unreadable
// directories are logged and skipped; they never fail the scan.
func Register(store linkStore, directories []string) int {
	registered := 0
	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				log.Printf("[library] skipping %s: %v", path, err)
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() || !mediaExtensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			link := &models.MediaLink{
				ID:         LinkID(path),
				FilePath:   path,
				Descriptor: d.Name(),
			}
			if store.SaveMediaLink(link) {
				registered++
			}
			return nil
		})
		if err != nil {
			log.Printf("[library] scan of %s failed: %v", dir, err)
		}
	}
	return registered
}

// LinkID derives a stable id from the file path so rescans update the same
// link instead of accumulating duplicates.
func LinkID(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:12])
}
