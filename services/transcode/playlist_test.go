package transcode

import (
	"strings"
	"testing"
)

func TestSegmentCountAndFinalLength(t *testing.T) {
	tests := []struct {
		name          string
		runtime       float64
		segmentDur    float64
		expectedCount int
		expectedFinal float64
	}{
		{"remainder carries into last segment", 65, 6, 11, 5},
		{"even division keeps full final segment", 60, 6, 10, 6},
		{"shorter than one segment", 4, 6, 1, 4},
		{"exactly one segment", 6, 6, 1, 6},
		{"long film", 7265, 6, 1211, 5},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			count, final := SegmentCountAndFinalLength(tc.runtime, tc.segmentDur)
			if count != tc.expectedCount {
				t.Errorf("count = %d, want %d", count, tc.expectedCount)
			}
			if final != tc.expectedFinal {
				t.Errorf("final length = %v, want %v", final, tc.expectedFinal)
			}
		})
	}
}

func TestSegmentLengthsSumToRuntime(t *testing.T) {
	for _, runtime := range []float64{65, 60, 6, 3, 127.5, 5400} {
		count, final := SegmentCountAndFinalLength(runtime, 6)
		sum := float64(count-1)*6 + final
		if sum != runtime {
			t.Errorf("runtime %v: segment lengths sum to %v", runtime, sum)
		}
	}
}

func TestVariantPlaylistMpegTS(t *testing.T) {
	got := VariantPlaylist("tok", "link", 65, 6, false)

	expected := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-TARGETDURATION:6\n" +
		"#EXT-X-MEDIA-SEQUENCE:0\n" +
		"#EXTINF:6.0000, nodesc\ntok-link-0.ts\n" +
		"#EXTINF:6.0000, nodesc\ntok-link-1.ts\n" +
		"#EXTINF:6.0000, nodesc\ntok-link-2.ts\n" +
		"#EXTINF:6.0000, nodesc\ntok-link-3.ts\n" +
		"#EXTINF:6.0000, nodesc\ntok-link-4.ts\n" +
		"#EXTINF:6.0000, nodesc\ntok-link-5.ts\n" +
		"#EXTINF:6.0000, nodesc\ntok-link-6.ts\n" +
		"#EXTINF:6.0000, nodesc\ntok-link-7.ts\n" +
		"#EXTINF:6.0000, nodesc\ntok-link-8.ts\n" +
		"#EXTINF:6.0000, nodesc\ntok-link-9.ts\n" +
		"#EXTINF:5.0000, nodesc\ntok-link-10.ts\n" +
		"#EXT-X-ENDLIST\n"

	if got != expected {
		t.Errorf("playlist mismatch:\ngot:\n%s\nwant:\n%s", got, expected)
	}
}

func TestVariantPlaylistFragmented(t *testing.T) {
	got := VariantPlaylist("tok", "link", 12, 6, true)

	if !strings.Contains(got, "#EXT-X-VERSION:7\n") {
		t.Error("fragmented playlist missing version 7")
	}
	if !strings.Contains(got, "#EXT-X-MAP:URI=\"tok-link-init.mp4\"\n") {
		t.Error("fragmented playlist missing init segment map")
	}
	if !strings.Contains(got, "tok-link-0.mp4\n") {
		t.Error("fragmented playlist should use mp4 segment extension")
	}
	if !strings.HasSuffix(got, "#EXT-X-ENDLIST\n") {
		t.Error("playlist missing end marker")
	}
}
