package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Settings represents the application configuration persisted to disk.
type Settings struct {
	Server    ServerSettings    `json:"server"`
	Database  DatabaseSettings  `json:"database"`
	Library   LibrarySettings   `json:"library"`
	Transcode TranscodeSettings `json:"transcode"`
	Log       LogSettings       `json:"log"`
}

type ServerSettings struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DatabaseSettings defines the playback-state database location.
type DatabaseSettings struct {
	Path string `json:"path"`
}

// LibrarySettings points at the media files the server streams from.
type LibrarySettings struct {
	Directories []string `json:"directories"`
}

// TranscodeSettings describes the on-demand HLS transcoding engine.
type TranscodeSettings struct {
	FFmpegPath        string `json:"ffmpegPath"`
	FFprobePath       string `json:"ffprobePath"`
	OutputDirectory   string `json:"outputDirectory"` // Root for per-session segment directories
	SegmentSeconds    int    `json:"segmentSeconds"`
	ThrottleWindowSec int    `json:"throttleWindowSec"` // How far ahead of playback the encoder runs

	// Codecs and containers the target players handle without transcoding.
	CompatibleVideoCodecs []string `json:"compatibleVideoCodecs"`
	CompatibleAudioCodecs []string `json:"compatibleAudioCodecs"`
	CompatibleContainers  []string `json:"compatibleContainers"`
}

type LogSettings struct {
	File       string `json:"file"`
	MaxSize    int    `json:"maxSize"`
	MaxAge     int    `json:"maxAge"`
	MaxBackups int    `json:"maxBackups"`
	Compress   bool   `json:"compress"`
}

// DefaultSettings returns the configuration written on first run.
func DefaultSettings() Settings {
	return Settings{
		Server:   ServerSettings{Host: "0.0.0.0", Port: 8887},
		Database: DatabaseSettings{Path: "cache/lumastream.db"},
		Library:  LibrarySettings{Directories: []string{}},
		Transcode: TranscodeSettings{
			FFmpegPath:            "ffmpeg",
			FFprobePath:           "ffprobe",
			OutputDirectory:       filepath.Join(os.TempDir(), "lumastream-hls"),
			SegmentSeconds:        6,
			ThrottleWindowSec:     60,
			CompatibleVideoCodecs: []string{"h264"},
			CompatibleAudioCodecs: []string{"aac"},
			CompatibleContainers:  []string{"mp4", "mov"},
		},
		Log: LogSettings{
			File:       "cache/lumastream.log",
			MaxSize:    50,
			MaxAge:     14,
			MaxBackups: 3,
			Compress:   true,
		},
	}
}

// Manager loads and persists Settings at a fixed path.
type Manager struct {
	path string
}

func NewManager(configPath string) *Manager {
	return &Manager{path: configPath}
}

// EnsureDir ensures parent directory exists.
func (m *Manager) EnsureDir() error {
	dir := filepath.Dir(m.path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Load reads settings from disk, creating the file with defaults when missing.
func (m *Manager) Load() (Settings, error) {
	if m.path == "" {
		return Settings{}, errors.New("config path not set")
	}
	if _, err := os.Stat(m.path); errors.Is(err, fs.ErrNotExist) {
		defaults := DefaultSettings()
		if err := m.Save(defaults); err != nil {
			return Settings{}, err
		}
		return defaults, nil
	}
	f, err := os.Open(m.path)
	if err != nil {
		return Settings{}, err
	}
	defer f.Close()

	var s Settings
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return Settings{}, err
	}

	// Backfill zero values so older config files keep working
	defaults := DefaultSettings()
	if s.Transcode.SegmentSeconds <= 0 {
		s.Transcode.SegmentSeconds = defaults.Transcode.SegmentSeconds
	}
	if s.Transcode.ThrottleWindowSec <= 0 {
		s.Transcode.ThrottleWindowSec = defaults.Transcode.ThrottleWindowSec
	}
	if s.Transcode.FFmpegPath == "" {
		s.Transcode.FFmpegPath = defaults.Transcode.FFmpegPath
	}
	if s.Transcode.FFprobePath == "" {
		s.Transcode.FFprobePath = defaults.Transcode.FFprobePath
	}
	if s.Transcode.OutputDirectory == "" {
		s.Transcode.OutputDirectory = defaults.Transcode.OutputDirectory
	}
	return s, nil
}

// Save writes settings atomically via a temp file rename.
func (m *Manager) Save(s Settings) error {
	if m.path == "" {
		return errors.New("config path not set")
	}
	if err := m.EnsureDir(); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, m.path)
}
