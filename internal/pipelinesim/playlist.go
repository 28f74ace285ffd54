package pipelinesim

import (
	"fmt"
	"math"
	"strings"
)

// BuildLivePlaylist renders segments (ordered by sequence ascending) as an
// HLS media playlist. If ended is true, #EXT-X-ENDLIST is appended.
// An empty slice produces a minimal playlist with media sequence 0.
func BuildLivePlaylist(segments []Segment, ended bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if len(segments) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String()
	}

	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration(segments))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", segments[0].Sequence)

	for _, seg := range segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration)
		b.WriteString(seg.URI)
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// targetDuration is the ceiling of the longest segment, at least 1.
func targetDuration(segments []Segment) int {
	max := 0.0
	for _, seg := range segments {
		if seg.Duration > max {
			max = seg.Duration
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}

// liveWindow slides to the last windowSize segments, then keeps only the
// contiguous run from the start of the window so a gap never reaches a
// player. segs must be sorted by sequence.
func liveWindow(segs []Segment, windowSize int) []Segment {
	if windowSize <= 0 || len(segs) == 0 {
		return nil
	}
	start := 0
	if len(segs) > windowSize {
		start = len(segs) - windowSize
	}
	windowed := segs[start:]

	visible := make([]Segment, 0, len(windowed))
	for i, seg := range windowed {
		if i > 0 && seg.Sequence != windowed[i-1].Sequence+1 {
			break
		}
		visible = append(visible, seg)
	}
	return visible
}
