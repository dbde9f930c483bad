package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const probeTimeout = 30 * time.Second

// Decision says which tracks need transcoding for the target players.
type Decision int

const (
	// DecisionDirect plays the file as-is, both tracks copied.
	DecisionDirect Decision = iota
	// DecisionVideoOnly transcodes video and copies audio.
	DecisionVideoOnly
	// DecisionAudioOnly transcodes audio and copies video.
	DecisionAudioOnly
	// DecisionFull transcodes both tracks.
	DecisionFull
)

func (d Decision) String() string {
	switch d {
	case DecisionDirect:
		return "direct"
	case DecisionVideoOnly:
		return "video-only"
	case DecisionAudioOnly:
		return "audio-only"
	case DecisionFull:
		return "full"
	}
	return "unknown"
}

// MediaInfo holds the subset of ffprobe output the transcode engine needs.
type MediaInfo struct {
	Container  string  `json:"container"`
	VideoCodec string  `json:"videoCodec"`
	AudioCodec string  `json:"audioCodec"`
	Duration   float64 `json:"duration"` // Seconds
	Width      int     `json:"width"`
	Height     int     `json:"height"`
}

// Prober shells out to ffprobe.
type Prober struct {
	ffprobePath string
}

func NewProber(ffprobePath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{ffprobePath: ffprobePath}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

// ProbeFile inspects a media file. It never fails loudly: any error is
// logged and nil is returned so callers can fall back to a safe default.
func (p *Prober) ProbeFile(ctx context.Context, path string) *MediaInfo {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		log.Printf("[probe] ffprobe failed for %s: %v", path, err)
		return nil
	}

	var out ffprobeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		log.Printf("[probe] ffprobe output unparseable for %s: %v", path, err)
		return nil
	}

	info := &MediaInfo{Container: containerFromFormat(out.Format.FormatName, path)}
	if out.Format.Duration != "" {
		d, err := strconv.ParseFloat(out.Format.Duration, 64)
		if err != nil {
			log.Printf("[probe] bad duration %q for %s: %v", out.Format.Duration, path, err)
			return nil
		}
		info.Duration = d
	}
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec = NormalizeCodec(s.CodecName)
				info.Width = s.Width
				info.Height = s.Height
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = NormalizeCodec(s.CodecName)
			}
		}
	}
	return info
}

// FileDuration returns the media duration in seconds.
func (p *Prober) FileDuration(ctx context.Context, path string) (float64, error) {
	info := p.ProbeFile(ctx, path)
	if info == nil {
		return 0, fmt.Errorf("probe failed for %s", path)
	}
	return info.Duration, nil
}

// NormalizeCodec collapses the aliases ffprobe and clients report for the
// same codec family.
func NormalizeCodec(codec string) string {
	c := strings.ToLower(strings.TrimSpace(codec))
	switch c {
	case "h265", "hevc":
		return "hevc"
	case "avc", "h264":
		return "h264"
	}
	return c
}

// containerFromFormat picks a single container name out of ffprobe's
// comma-separated format_name, preferring the file extension when it appears.
func containerFromFormat(formatName, path string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	names := strings.Split(strings.ToLower(formatName), ",")
	for _, n := range names {
		if n == ext {
			return n
		}
	}
	if len(names) > 0 && names[0] != "" {
		return names[0]
	}
	return ext
}

// DetermineTranscodeNeeds compares probed codecs against the configured
// compatibility lists. Container compatibility is informational only; it
// does not change the decision because remuxing happens as part of
// segmenting either way.
func DetermineTranscodeNeeds(info *MediaInfo, videoCodecs, audioCodecs []string) Decision {
	if info == nil {
		return DecisionFull
	}
	videoOK := codecListed(info.VideoCodec, videoCodecs)
	audioOK := codecListed(info.AudioCodec, audioCodecs)
	switch {
	case videoOK && audioOK:
		return DecisionDirect
	case videoOK:
		return DecisionAudioOnly
	case audioOK:
		return DecisionVideoOnly
	default:
		return DecisionFull
	}
}

func codecListed(codec string, list []string) bool {
	c := NormalizeCodec(codec)
	for _, l := range list {
		if NormalizeCodec(l) == c {
			return true
		}
	}
	return false
}
