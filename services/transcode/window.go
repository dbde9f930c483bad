package transcode

import (
	"math"
	"os"
	"regexp"
)

// transcodeFlags describes the segment window one encoder run will produce.
// Computed fresh for every start request, never stored.
type transcodeFlags struct {
	startSegment      int
	endSegment        int
	startTime         float64
	endTime           float64
	segmentCount      int
	finalSegmentIndex int
	completedSegments map[int]bool
	segmentExtension  string
}

// segmentPattern matches completed segment files for one session and
// captures the trailing index.
func segmentPattern(token, name string, fragmented bool) *regexp.Regexp {
	return regexp.MustCompile("^" + regexp.QuoteMeta(token+"-"+name+"-") + `(\d+)\.` + segmentExtension(fragmented) + "$")
}

// scanCompletedSegments lists the segment files already on disk.
func scanCompletedSegments(dir string, pattern *regexp.Regexp) map[int]bool {
	completed := make(map[int]bool)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return completed
	}
	for _, e := range entries {
		if idx, ok := segmentIndex(e.Name(), pattern); ok {
			completed[idx] = true
		}
	}
	return completed
}

// computeFlags turns a requested time range into a segment window, skipping
// forward past work that already exists on disk.
func computeFlags(outputDir, token, name string, runtime, segmentDuration, startAt, stopAt float64, fragmented bool) transcodeFlags {
	count, _ := SegmentCountAndFinalLength(runtime, segmentDuration)
	finalIndex := count - 1

	requestedStartTime := clamp(startAt, 0, runtime-segmentDuration)
	requestedStartSegment := int(math.Floor(requestedStartTime / segmentDuration))

	completed := scanCompletedSegments(outputDir, segmentPattern(token, name, fragmented))

	// If the requested segment is done, advance to the first gap so the
	// encoder never redoes content that is already on disk.
	startSegment := requestedStartSegment
	for completed[startSegment] {
		startSegment++
	}
	startOffset := startSegment - requestedStartSegment

	endSegment := finalIndex
	if stopAt < runtime {
		endSegment = min(int(math.Ceil(stopAt/segmentDuration))+startOffset, finalIndex)
	}

	return transcodeFlags{
		startSegment:      startSegment,
		endSegment:        endSegment,
		startTime:         clamp(float64(startSegment)*segmentDuration, 0, runtime),
		endTime:           clamp(float64(endSegment+1)*segmentDuration, 0, runtime),
		segmentCount:      count,
		finalSegmentIndex: finalIndex,
		completedSegments: completed,
		segmentExtension:  segmentExtension(fragmented),
	}
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
