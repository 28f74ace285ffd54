package pipelinesim

import (
	"strings"
	"testing"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

func TestBuildLivePlaylist_empty(t *testing.T) {
	out := BuildLivePlaylist(nil, false)
	if !strings.HasPrefix(out, "#EXTM3U\n") {
		t.Error("expected #EXTM3U header")
	}
	if !strings.Contains(out, "#EXT-X-MEDIA-SEQUENCE:0") {
		t.Error("expected media sequence 0")
	}
	if strings.Contains(out, "#EXT-X-ENDLIST") {
		t.Error("should not contain ENDLIST when not ended")
	}
	if !strings.Contains(BuildLivePlaylist(nil, true), "#EXT-X-ENDLIST") {
		t.Error("expected #EXT-X-ENDLIST when ended")
	}
}

func TestBuildLivePlaylist_parses_as_media_playlist(t *testing.T) {
	segs := []Segment{
		{Sequence: 38, Duration: 2.0, URI: "38.ts"},
		{Sequence: 39, Duration: 2.5, URI: "39.ts"},
	}
	out := BuildLivePlaylist(segs, true)

	if !strings.Contains(out, "#EXT-X-TARGETDURATION:3") {
		t.Errorf("expected TARGETDURATION ceiling 3: %s", out)
	}

	pl, err := playlist.Unmarshal([]byte(out))
	if err != nil {
		t.Fatalf("Unmarshal: %v\n%s", err, out)
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		t.Fatalf("expected media playlist, got %T", pl)
	}
	if media.MediaSequence != 38 || len(media.Segments) != 2 || !media.Endlist {
		t.Errorf("parsed seq=%d segments=%d endlist=%v", media.MediaSequence, len(media.Segments), media.Endlist)
	}
	if media.Segments[1].URI != "39.ts" {
		t.Errorf("URI = %q", media.Segments[1].URI)
	}
}

func TestLiveWindow(t *testing.T) {
	seq := func(ns ...int64) []Segment {
		out := make([]Segment, len(ns))
		for i, n := range ns {
			out[i] = Segment{Sequence: n, Duration: 2}
		}
		return out
	}
	sequences := func(segs []Segment) []int64 {
		out := make([]int64, len(segs))
		for i, s := range segs {
			out[i] = s.Sequence
		}
		return out
	}

	tests := []struct {
		name   string
		in     []Segment
		window int
		want   []int64
	}{
		{"empty", nil, 6, []int64{}},
		{"under window", seq(1, 2, 3), 6, []int64{1, 2, 3}},
		{"slides", seq(1, 2, 3, 4, 5, 6, 7, 8), 6, []int64{3, 4, 5, 6, 7, 8}},
		{"stops at gap", seq(1, 2, 4, 5), 6, []int64{1, 2}},
		{"gap falls off the back", seq(1, 3, 4, 5, 6, 7, 8), 6, []int64{3, 4, 5, 6, 7, 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sequences(liveWindow(tt.in, tt.window))
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}
