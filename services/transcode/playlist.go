package transcode

import (
	"fmt"
	"math"
	"strings"
)

// SegmentCountAndFinalLength returns how many segments a media file of the
// given runtime splits into and the length of the last segment. The last
// segment carries the remainder, or a full segment when the runtime divides
// evenly. All window arithmetic in this package builds on these two values.
func SegmentCountAndFinalLength(runtime, segmentDuration float64) (int, float64) {
	count := int(math.Ceil(runtime / segmentDuration))
	final := math.Mod(runtime, segmentDuration)
	if final == 0 {
		final = segmentDuration
	}
	return count, final
}

// SegmentFileName returns the on-disk name for one segment of a session.
func SegmentFileName(token, name string, index int, fragmented bool) string {
	return fmt.Sprintf("%s-%s-%d.%s", token, name, index, segmentExtension(fragmented))
}

// InitSegmentFileName returns the fmp4 initialization segment name.
func InitSegmentFileName(token, name string) string {
	return fmt.Sprintf("%s-%s-init.mp4", token, name)
}

func segmentExtension(fragmented bool) string {
	if fragmented {
		return "mp4"
	}
	return "ts"
}

// VariantPlaylist renders the complete VOD playlist for one session.
// Fragmented MP4 output needs protocol version 7 and an EXT-X-MAP line for
// the init segment; MPEG-TS gets version 3.
func VariantPlaylist(token, name string, runtime, segmentDuration float64, fragmented bool) string {
	count, final := SegmentCountAndFinalLength(runtime, segmentDuration)

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	if fragmented {
		b.WriteString("#EXT-X-VERSION:7\n")
	} else {
		b.WriteString("#EXT-X-VERSION:3\n")
	}
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(segmentDuration))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	if fragmented {
		fmt.Fprintf(&b, "#EXT-X-MAP:URI=\"%s\"\n", InitSegmentFileName(token, name))
	}
	for i := 0; i < count; i++ {
		length := segmentDuration
		if i == count-1 {
			length = final
		}
		fmt.Fprintf(&b, "#EXTINF:%.4f, nodesc\n", length)
		b.WriteString(SegmentFileName(token, name, i, fragmented))
		b.WriteByte('\n')
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}
