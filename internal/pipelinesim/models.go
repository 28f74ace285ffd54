// Package pipelinesim is a stand-in for the dubbing backend: it accepts
// start requests, produces a live HLS audio rendition per (channel, lang)
// and publishes the pipeline's event log over SSE and WebSocket.
package pipelinesim

import "time"

// StreamKey identifies one dubbed rendition.
type StreamKey struct {
	Channel string `json:"channel"`
	Lang    string `json:"lang"`
}

func (k StreamKey) String() string { return k.Channel + "/" + k.Lang }

// Segment is one produced media segment.
type Segment struct {
	Sequence int64   `json:"sequence"`
	Duration float64 `json:"duration"`
	URI      string  `json:"uri"`

	Data       []byte    `json:"-"`
	ProducedAt time.Time `json:"-"`
}

// StreamState is the in-memory state of one rendition.
type StreamState struct {
	Key       StreamKey
	Segments  map[int64]Segment
	NextSeq   int64
	Ended     bool
	StartedAt time.Time
	Starts    int
}
