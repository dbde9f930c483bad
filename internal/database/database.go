// Package database stores playback states and media links in SQLite.
//
// Query methods never return errors to callers: a failure is logged here and
// surfaced as a nil result or a false flag, and the engine treats that as
// "not found"/"not updated". A lost position write must never break playback.
package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"lumastream/models"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and runs any
// pending migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// PlaybackState fetches one state by id (the session token).
func (s *Store) PlaybackState(id string) *models.PlaybackState {
	row := s.db.QueryRow(`SELECT id, media_link_id, metadata_id, user_id, position, runtime, created_at, updated_at
		FROM playback_states WHERE id = ?`, id)
	return scanPlaybackState(row, id)
}

// PlaybackStateByLink fetches the state for one user on one media link.
func (s *Store) PlaybackStateByLink(mediaLinkID, userID string) *models.PlaybackState {
	row := s.db.QueryRow(`SELECT id, media_link_id, metadata_id, user_id, position, runtime, created_at, updated_at
		FROM playback_states WHERE media_link_id = ? AND user_id = ?`, mediaLinkID, userID)
	return scanPlaybackState(row, mediaLinkID+"/"+userID)
}

func scanPlaybackState(row *sql.Row, key string) *models.PlaybackState {
	var st models.PlaybackState
	err := row.Scan(&st.ID, &st.MediaLinkID, &st.MetadataID, &st.UserID, &st.Position, &st.Runtime, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		log.Printf("[db] playback state %s: %v", key, err)
		return nil
	}
	return &st
}

// SavePlaybackState upserts a state by id.
func (s *Store) SavePlaybackState(st *models.PlaybackState) bool {
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	_, err := s.db.Exec(`INSERT INTO playback_states (id, media_link_id, metadata_id, user_id, position, runtime, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET position = excluded.position, runtime = excluded.runtime, updated_at = excluded.updated_at`,
		st.ID, st.MediaLinkID, st.MetadataID, st.UserID, st.Position, st.Runtime, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		log.Printf("[db] save playback state %s: %v", st.ID, err)
		return false
	}
	return true
}

// DeletePlaybackState removes a state; false when nothing was deleted.
func (s *Store) DeletePlaybackState(id string) bool {
	res, err := s.db.Exec(`DELETE FROM playback_states WHERE id = ?`, id)
	if err != nil {
		log.Printf("[db] delete playback state %s: %v", id, err)
		return false
	}
	n, err := res.RowsAffected()
	if err != nil {
		log.Printf("[db] delete playback state %s: %v", id, err)
		return false
	}
	return n > 0
}

// MediaLink fetches one media link by id.
func (s *Store) MediaLink(id string) *models.MediaLink {
	var l models.MediaLink
	err := s.db.QueryRow(`SELECT id, metadata_id, file_path, descriptor FROM media_links WHERE id = ?`, id).
		Scan(&l.ID, &l.MetadataID, &l.FilePath, &l.Descriptor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		log.Printf("[db] media link %s: %v", id, err)
		return nil
	}
	return &l
}

// SaveMediaLink upserts a media link (used by library registration).
func (s *Store) SaveMediaLink(l *models.MediaLink) bool {
	_, err := s.db.Exec(`INSERT INTO media_links (id, metadata_id, file_path, descriptor)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET metadata_id = excluded.metadata_id, file_path = excluded.file_path, descriptor = excluded.descriptor`,
		l.ID, l.MetadataID, l.FilePath, l.Descriptor)
	if err != nil {
		log.Printf("[db] save media link %s: %v", l.ID, err)
		return false
	}
	return true
}
