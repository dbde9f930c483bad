package library

import (
	"os"
	"path/filepath"
	"testing"

	"lumastream/models"
)

type fakeLinkStore struct {
	links map[string]models.MediaLink
}

func (f *fakeLinkStore) SaveMediaLink(l *models.MediaLink) bool {
	f.links[l.ID] = *l
	return true
}

func TestRegisterFindsMediaFiles(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "shows")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.mkv", "b.mp4", "notes.txt", filepath.Join("shows", "c.webm")} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	store := &fakeLinkStore{links: make(map[string]models.MediaLink)}
	if n := Register(store, []string{dir}); n != 3 {
		t.Fatalf("registered %d links, want 3", n)
	}
	l, ok := store.links[LinkID(filepath.Join(dir, "a.mkv"))]
	if !ok {
		t.Fatal("a.mkv not registered")
	}
	if l.Descriptor != "a.mkv" {
		t.Errorf("descriptor = %q, want a.mkv", l.Descriptor)
	}

	// Rescan upserts the same ids instead of accumulating new links.
	if n := Register(store, []string{dir}); n != 3 {
		t.Fatalf("rescan registered %d links, want 3", n)
	}
	if len(store.links) != 3 {
		t.Errorf("links after rescan = %d, want 3", len(store.links))
	}
}

func TestRegisterMissingDirectoryIsNonFatal(t *testing.T) {
	store := &fakeLinkStore{links: make(map[string]models.MediaLink)}
	if n := Register(store, []string{filepath.Join(t.TempDir(), "absent")}); n != 0 {
		t.Errorf("registered %d links from a missing directory", n)
	}
}
