package frame

import "time"

// Kind identifies the elementary stream a Frame belongs to.
type Kind int

// Track kinds. Text tracks are treated permissively adjacent by the
// sourcebuffer package (see sourcebuffer.trackRange.isNextInSequence).
const (
	Video Kind = iota
	Audio
	Text
)

func (k Kind) String() string {
	switch k {
	case Video:
		return "video"
	case Audio:
		return "audio"
	case Text:
		return "text"
	default:
		return "unknown"
	}
}

// DiscardPadding is a pair of durations trimmed from the front/back of a
// decoded frame after decode, e.g. to drop preroll silence a decoder had
// to consume to prime its state.
type DiscardPadding struct {
	Front, Back Duration
}

// Duration is a plain non-negative time span. Frame.Dur is always a
// Duration, never a Timestamp — duration arithmetic never needs an "unset"
// sentinel distinct from zero (a zero-duration frame is meaningful: one
// ending exactly at the append-window start is kept as preroll, not
// buffered).
type Duration = time.Duration

// TrackID identifies a track within one append; a Processor's
// MseTrackBuffer map is keyed by it, and the demux layer uses names such
// as "video" and "audio0".
type TrackID string

// ConfigVersion is an index into a Stream's decoder config table.
// ConfigVersion(-1) means "not yet assigned".
type ConfigVersion int

// NoConfigVersion marks a Frame whose config version has not been set by
// the Frame Processor yet.
const NoConfigVersion ConfigVersion = -1

// Frame is one decodable coded frame: an immutable, shareable value once
// it leaves the Frame Processor and is appended to a Stream. The only
// mutation permitted after construction is the partial append-window trim
// (WithWindowTrim), which returns a new Frame sharing the same Payload
// slice rather than mutating in place — every other field is frozen so
// Frames can be referenced concurrently from a trackRange and the track
// buffer without data races.
type Frame struct {
	DTS   Timestamp
	PTS   Timestamp
	Dur   Duration
	Kind  Kind
	Track TrackID

	IsKeyframe bool
	Estimated  bool // Dur was estimated by the parser, not measured

	ConfigVersion ConfigVersion

	Preroll *Frame          // decode-only predecessor, or nil
	Splice  []*Frame        // ordered pre-splice frames, or nil
	Discard *DiscardPadding // nil if no trimming applied

	Payload []byte

	// EndOfStream marks the reserved EOS sentinel frame: no payload, no
	// timestamps, delivered by Stream.GetNextBuffer / shutdown paths.
	EndOfStream bool
}

// EndOfStreamFrame is the reserved sentinel delivered by a read when the
// stream has ended and no more buffered data remains.
func EndOfStreamFrame(track TrackID) *Frame {
	return &Frame{Track: track, EndOfStream: true, ConfigVersion: NoConfigVersion}
}

// EndPTS returns PTS + Dur, the presentation end of the frame.
func (f *Frame) EndPTS() Timestamp {
	return f.PTS.Add(f.Dur)
}

// WithWindowTrim returns a shallow copy of f with PTS/DTS reset to start,
// duration shortened to reflect the new end, and front discard-padding
// recorded — used only by the append-window partial-trim step of the
// Frame Processor. The Payload slice is shared, not
// copied: trimming is a timestamp operation, not a re-encode.
func (f *Frame) WithWindowTrim(start Timestamp, newDur Duration) *Frame {
	cp := *f
	front := start.Sub(f.PTS)
	cp.PTS = start
	cp.DTS = start
	cp.Dur = newDur
	if cp.Discard == nil {
		cp.Discard = &DiscardPadding{}
	} else {
		d := *cp.Discard
		cp.Discard = &d
	}
	cp.Discard.Front = front
	return &cp
}

// WithTimestampOffset returns a shallow copy of f with DTS/PTS shifted by
// offset. Used by the Frame Processor to commit a timestampOffset once a
// frame has survived discontinuity and append-window filtering: offsets
// are applied locally first and only committed on acceptance.
func (f *Frame) WithTimestampOffset(offset Duration) *Frame {
	cp := *f
	cp.DTS = f.DTS.Add(offset)
	cp.PTS = f.PTS.Add(offset)
	return &cp
}

// WithConfigVersion returns a shallow copy of f tagged with the given
// config version, applied by Stream.Append.
func (f *Frame) WithConfigVersion(v ConfigVersion) *Frame {
	cp := *f
	cp.ConfigVersion = v
	return &cp
}

// WithPreroll returns a shallow copy of f carrying preroll as its
// decode-only predecessor.
func (f *Frame) WithPreroll(preroll *Frame) *Frame {
	cp := *f
	cp.Preroll = preroll
	return &cp
}

// WithSplice returns a shallow copy of f carrying splice as its ordered
// pre-splice payload.
func (f *Frame) WithSplice(splice []*Frame) *Frame {
	cp := *f
	cp.Splice = splice
	return &cp
}
