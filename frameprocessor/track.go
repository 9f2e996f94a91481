package frameprocessor

import (
	"github.com/zsiec/prismcore/frame"
	"github.com/zsiec/prismcore/sourcebuffer"
)

// TrackBuffer is the Go name for the coded frame processing algorithm's
// MseTrackBuffer: per-track append-side bookkeeping the Frame Processor
// consults on every frame. It holds a one-way reference to the Source
// Buffer Stream it feeds — the Stream never references it back, so
// ownership stays one-way.
type TrackBuffer struct {
	id     frame.TrackID
	stream *sourcebuffer.Stream

	lastDecodeTimestamp          frame.Timestamp
	lastFrameDuration            frame.Duration
	highestPresentationTimestamp frame.Timestamp
	needsRandomAccessPoint       bool
}

func newTrackBuffer(id frame.TrackID, s *sourcebuffer.Stream) *TrackBuffer {
	return &TrackBuffer{
		id:                           id,
		stream:                       s,
		lastDecodeTimestamp:          frame.NoTimestamp,
		highestPresentationTimestamp: frame.NoTimestamp,
		needsRandomAccessPoint:       true,
	}
}

func (t *TrackBuffer) reset() {
	t.lastDecodeTimestamp = frame.NoTimestamp
	t.lastFrameDuration = 0
	t.highestPresentationTimestamp = frame.NoTimestamp
	t.needsRandomAccessPoint = true
}

// HighestPresentationTimestamp returns the highest frame-end PTS accepted
// onto this track so far, or the invalid Timestamp if nothing has been
// accepted yet.
func (t *TrackBuffer) HighestPresentationTimestamp() frame.Timestamp {
	return t.highestPresentationTimestamp
}

// NeedsRandomAccessPoint reports whether the next frame on this track must
// be a keyframe to be accepted.
func (t *TrackBuffer) NeedsRandomAccessPoint() bool {
	return t.needsRandomAccessPoint
}

// Stream returns the Source Buffer Stream this track feeds.
func (t *TrackBuffer) Stream() *sourcebuffer.Stream {
	return t.stream
}
