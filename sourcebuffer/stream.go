// Package sourcebuffer implements the per-track buffered-range container
// at the heart of an MSE ingest buffer: insertion with overlap resolution,
// the track buffer that sustains reads across an overlapped current
// position, the seek/read state machine with config-change signalling,
// splice-frame and preroll-buffer dispatch, and memory-bounded garbage
// collection.
package sourcebuffer

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/prismcore/frame"
)

// defaultBufferedDuration seeds maxInterbufferDistance before any two
// adjacent buffers have been observed.
const defaultBufferedDuration = 125 * time.Millisecond

// fudgeToStart is the threshold under which a seek target at or before a
// range's start is treated as "seek to the beginning of buffered data"
// even if the target is slightly earlier than the range.
const fudgeToStart = 1000 * time.Millisecond

// internalTick is the minimal increment used to turn a last-frame DTS
// into an exclusive upper bound when the frame's duration is unknown.
const internalTick = time.Nanosecond

// crossfadeDuration bounds how far past a new append's first PTS splice
// synthesis looks for overlapping audio to crossfade against. 50ms
// comfortably covers the short splice windows MSE audio content uses in
// practice.
const crossfadeDuration = 50 * time.Millisecond

// Status is the result of a GetNextBuffer call.
type Status int

// GetNextBuffer statuses.
const (
	StatusSuccess Status = iota
	StatusNeedBuffer
	StatusConfigChange
	StatusEndOfStream
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNeedBuffer:
		return "need_buffer"
	case StatusConfigChange:
		return "config_change"
	case StatusEndOfStream:
		return "end_of_stream"
	default:
		return "unknown"
	}
}

// Result is returned by GetNextBuffer.
type Result struct {
	Status Status
	Frame  *frame.Frame
}

// BufferedRange is one [start, end) presentation-time interval reported
// by Stream.BufferedRanges.
type BufferedRange struct {
	Start, End frame.Timestamp
}

// Stream is the per-track buffered-range container ("Source
// Buffer Stream"). All exported methods are safe for concurrent use by
// one appender goroutine and one reader goroutine: a single
// coarse mutex protects the whole struct.
type Stream struct {
	log  *slog.Logger
	kind frame.Kind

	mu     sync.Mutex
	ranges []*trackRange // sorted, disjoint, by start DTS

	audioConfigs []Config
	videoConfigs []Config
	textConfig   Config

	currentConfigIndex frame.ConfigVersion
	appendConfigIndex  frame.ConfigVersion

	seekPending        bool
	seekToStartPending bool
	seekTarget         frame.Timestamp

	endOfStream bool

	selectedRange *trackRange
	trackBuffer   []*frame.Frame

	mediaSegmentStart frame.Timestamp
	newCodedFrameGrp  bool

	lastAppendedDTS        frame.Timestamp
	lastAppendedIsKeyframe bool
	lastOutputDTS          frame.Timestamp

	maxInterbufferDistance time.Duration
	memoryLimit            int64

	configChangePending bool
	pendingBuffer       *frame.Frame
	spliceIndex         int  // next splice-payload index to deliver; -1 when not in a splice
	spliceBoundarySent  bool // config_change emitted for the upcoming payload frame
	spliceFinalSent     bool // forced config_change before the post-splice frame emitted
	prerollDelivered    bool

	pendingRead ReadCB
	isShutdown  bool
	disabled    bool

	stats StatsRecorder
}

func newStream(kind frame.Kind, memoryLimit int64, log *slog.Logger) *Stream {
	if log == nil {
		log = slog.Default()
	}
	return &Stream{
		log:                    log.With("component", "sourcebuffer", "kind", kind.String()),
		kind:                   kind,
		memoryLimit:            memoryLimit,
		maxInterbufferDistance: defaultBufferedDuration,
		appendConfigIndex:      frame.NoConfigVersion,
		currentConfigIndex:     frame.NoConfigVersion,
		seekTarget:             frame.NoTimestamp,
		mediaSegmentStart:      frame.NoTimestamp,
		lastAppendedDTS:        frame.NoTimestamp,
		lastOutputDTS:          frame.NoTimestamp,
	}
}

// NewAudioStream creates a Stream for an audio track with an initial
// decoder config.
func NewAudioStream(cfg Config, memoryLimit int64, log *slog.Logger) *Stream {
	s := newStream(frame.Audio, memoryLimit, log)
	s.audioConfigs = []Config{cfg}
	s.currentConfigIndex = 0
	s.appendConfigIndex = 0
	return s
}

// NewVideoStream creates a Stream for a video track with an initial
// decoder config.
func NewVideoStream(cfg Config, memoryLimit int64, log *slog.Logger) *Stream {
	s := newStream(frame.Video, memoryLimit, log)
	s.videoConfigs = []Config{cfg}
	s.currentConfigIndex = 0
	s.appendConfigIndex = 0
	return s
}

// NewTextStream creates a Stream for a text track with a fixed config
// (text tracks do not version configs the way audio/video do).
func NewTextStream(cfg Config, memoryLimit int64, log *slog.Logger) *Stream {
	s := newStream(frame.Text, memoryLimit, log)
	s.textConfig = cfg
	s.currentConfigIndex = 0
	s.appendConfigIndex = 0
	return s
}

// Kind returns the track kind this Stream buffers.
func (s *Stream) Kind() frame.Kind { return s.kind }

// CurrentAudioConfig returns the config the consumer should use after a
// StatusConfigChange result.
func (s *Stream) CurrentAudioConfig() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configAt(s.currentConfigIndex)
}

// CurrentVideoConfig is the video-track equivalent of CurrentAudioConfig.
func (s *Stream) CurrentVideoConfig() Config { return s.CurrentAudioConfig() }

// CurrentTextConfig returns the fixed text-track config.
func (s *Stream) CurrentTextConfig() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.textConfig
}

func (s *Stream) configAt(v frame.ConfigVersion) Config {
	switch s.kind {
	case frame.Audio:
		if int(v) >= 0 && int(v) < len(s.audioConfigs) {
			return s.audioConfigs[v]
		}
	case frame.Video:
		if int(v) >= 0 && int(v) < len(s.videoConfigs) {
			return s.videoConfigs[v]
		}
	case frame.Text:
		return s.textConfig
	}
	return Config{}
}

// UpdateAudioConfig notifies the stream that the audio config has
// changed; buffers appended from now on carry the new config version.
// Rejects the change if codec or encryption differs from the existing
// config.
func (s *Stream) UpdateAudioConfig(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateConfig(&s.audioConfigs, cfg)
}

// UpdateVideoConfig is the video-track equivalent of UpdateAudioConfig.
func (s *Stream) UpdateVideoConfig(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateConfig(&s.videoConfigs, cfg)
}

func (s *Stream) updateConfig(configs *[]Config, cfg Config) error {
	if len(*configs) > 0 && !sameCodecAndEncryption((*configs)[0], cfg) {
		return ErrConfigRejected
	}
	for i, existing := range *configs {
		if configsEqual(existing, cfg) {
			s.appendConfigIndex = frame.ConfigVersion(i)
			return nil
		}
	}
	*configs = append(*configs, cfg)
	s.appendConfigIndex = frame.ConfigVersion(len(*configs) - 1)
	return nil
}

// MaxInterbufferDistance returns the largest observed DTS delta between
// adjacent appended buffers (or the default estimate before any have
// been observed).
func (s *Stream) MaxInterbufferDistance() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInterbufferDistance
}

// BufferedBytes returns the total size, in bytes, of all buffered frames.
func (s *Stream) BufferedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytes()
}

func (s *Stream) totalBytes() int64 {
	var n int64
	for _, r := range s.ranges {
		n += r.sizeBytes
	}
	return n
}

// IsSeekPending reports whether the stream has seeked to a time without
// buffered data and is waiting for more to be appended.
func (s *Stream) IsSeekPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seekPending
}

// MarkEndOfStream signals that no further data will be appended. A read
// left pending past all buffered data completes with end-of-stream.
func (s *Stream) MarkEndOfStream() {
	s.mu.Lock()
	s.endOfStream = true
	notify := s.takeSatisfiedReadLocked()
	s.mu.Unlock()
	notify()
}

// UnmarkEndOfStream clears the end-of-stream flag set by MarkEndOfStream.
func (s *Stream) UnmarkEndOfStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endOfStream = false
}

// BufferedRanges returns the normalized, sorted, disjoint buffered
// intervals, clamped to duration. Text tracks always report [0, duration)
// once any data exists.
func (s *Stream) BufferedRanges(duration frame.Timestamp) []BufferedRange {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.ranges) == 0 {
		return nil
	}
	if s.kind == frame.Text {
		return []BufferedRange{{Start: frame.NewTimestamp(0), End: duration}}
	}

	out := make([]BufferedRange, 0, len(s.ranges))
	for _, r := range s.ranges {
		end := r.bufferedEndTimestamp()
		if duration.Valid() && end.After(duration) {
			end = duration
		}
		out = append(out, BufferedRange{Start: r.startPTS(), End: end})
	}
	return out
}

// OnNewCodedFrameGroup declares that subsequent appended frames belong to
// a coded frame group whose start is startDTS. If startDTS is not
// "adjacent in sequence" to the
// previous last-appended DTS, last-appended bookkeeping is cleared so the
// next append is required to start with a keyframe.
func (s *Stream) OnNewCodedFrameGroup(startDTS frame.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isShutdown {
		return
	}

	s.mediaSegmentStart = startDTS
	s.newCodedFrameGrp = true

	if s.lastAppendedDTS.Valid() &&
		isNextInSequence(s.lastAppendedDTS, s.lastAppendedIsKeyframe, startDTS, true, s.fudgeRoom(), s.kind) {
		return
	}
	s.lastAppendedDTS = frame.NoTimestamp
	s.lastAppendedIsKeyframe = false
}

func (s *Stream) fudgeRoom() time.Duration { return 2 * s.maxInterbufferDistance }

// Append adds frames to the stream. Frames must be
// monotonically non-decreasing in DTS; a new coded-frame-group's first
// frame must be a keyframe unless the group continues adjacent to the
// previous append.
func (s *Stream) Append(frames []*frame.Frame) error {
	s.mu.Lock()
	err := s.appendLocked(frames)
	notify := s.takeSatisfiedReadLocked()
	s.mu.Unlock()
	notify()
	return err
}

func (s *Stream) appendLocked(frames []*frame.Frame) error {
	if s.isShutdown {
		return ErrShutdown
	}
	if len(frames) == 0 {
		return nil
	}
	if err := s.validateMonotonic(frames); err != nil {
		return err
	}
	if err := s.validateGroupStart(frames[0]); err != nil {
		return err
	}

	s.updateMaxInterbufferDistance(frames)
	s.setConfigIDs(frames)

	spliced, spliceStart := s.generateSpliceFrame(frames)

	ns := frames[0].DTS
	if spliced && spliceStart.Valid() && spliceStart.Before(ns) {
		// The splice payload captured the overlapped tail of the existing
		// range; the deletion window widens to cover it so those frames
		// are delivered through the splice, not twice.
		ns = spliceStart
	}
	last := frames[len(frames)-1]
	var endExcl frame.Timestamp
	if last.Dur > 0 {
		endExcl = last.DTS.Add(last.Dur)
	} else {
		endExcl = last.DTS.Add(internalTick)
	}

	isExclusive := !spliced && s.lastAppendedDTS.Valid() && s.lastAppendedDTS.Equal(ns) &&
		!(s.lastAppendedIsKeyframe && frames[0].IsKeyframe)

	saved := s.removeInternal(ns, endExcl, isExclusive)
	if len(saved) > 0 && !spliced {
		s.trackBuffer = append(s.trackBuffer, saved...)
	}

	s.insertFrames(frames)
	s.newCodedFrameGrp = false

	s.lastAppendedDTS = last.DTS
	s.lastAppendedIsKeyframe = last.IsKeyframe

	if s.seekPending {
		s.tryResolvePendingSeek()
	}

	s.pruneTrackBuffer()
	s.recordBufferStateLocked()
	return nil
}

func (s *Stream) validateMonotonic(frames []*frame.Frame) error {
	for i := 1; i < len(frames); i++ {
		prev, cur := frames[i-1], frames[i]
		if cur.DTS.Before(prev.DTS) {
			return fmt.Errorf("%w: non-monotonic DTS within append", ErrParse)
		}
		if cur.DTS.Equal(prev.DTS) && prev.IsKeyframe && cur.IsKeyframe {
			return fmt.Errorf("%w: two keyframes share a DTS", ErrParse)
		}
		if cur.DTS.Equal(prev.DTS) && !prev.IsKeyframe && cur.IsKeyframe {
			s.log.Warn("keyframe shares a DTS with a preceding non-keyframe; starting a new GOP there", "dts", cur.DTS)
		}
	}
	if s.lastAppendedDTS.Valid() && frames[0].DTS.Before(s.lastAppendedDTS) {
		return fmt.Errorf("%w: append DTS precedes last appended DTS", ErrParse)
	}
	return nil
}

func (s *Stream) validateGroupStart(first *frame.Frame) error {
	if !s.lastAppendedDTS.Valid() {
		if !first.IsKeyframe {
			return fmt.Errorf("%w: first frame of stream must be a keyframe", ErrParse)
		}
		return nil
	}
	if isNextInSequence(s.lastAppendedDTS, s.lastAppendedIsKeyframe, first.DTS, first.IsKeyframe, s.fudgeRoom(), s.kind) {
		return nil
	}
	if !first.IsKeyframe {
		return fmt.Errorf("%w: first frame of a new coded frame group must be a keyframe", ErrParse)
	}
	return nil
}

func (s *Stream) updateMaxInterbufferDistance(frames []*frame.Frame) {
	prev := s.lastAppendedDTS
	for _, f := range frames {
		if prev.Valid() {
			d := f.DTS.Duration() - prev.Duration()
			if d > s.maxInterbufferDistance {
				s.maxInterbufferDistance = d
			}
		}
		prev = f.DTS
	}
}

func (s *Stream) setConfigIDs(frames []*frame.Frame) {
	for i, f := range frames {
		frames[i] = f.WithConfigVersion(s.appendConfigIndex)
	}
}

// generateSpliceFrame implements : audio-only crossfade splice
// synthesis against existing buffered data, attempted before overlap
// removal so the pre-splice frames can be captured before they're pruned.
// Returns whether a splice was attached, and if so the DTS of the first
// captured frame (the caller widens the deletion window to it).
func (s *Stream) generateSpliceFrame(frames []*frame.Frame) (bool, frame.Timestamp) {
	if s.kind != frame.Audio || len(frames) == 0 {
		return false, frame.NoTimestamp
	}
	first := frames[0]
	ps := first.PTS

	r := s.findRangeContainingPTS(ps)
	if r == nil {
		return false, frame.NoTimestamp
	}
	// Splicing only applies when ps falls strictly inside the range, not
	// at a buffer boundary.
	if ps.Equal(r.startPTS()) {
		return false, frame.NoTimestamp
	}

	var collected []*frame.Frame
	for _, f := range r.frames {
		if !f.EndPTS().After(ps) {
			continue
		}
		if !f.PTS.Before(ps.Add(crossfadeDuration)) {
			break
		}
		if f.Splice != nil || f.Preroll != nil {
			return false, frame.NoTimestamp
		}
		collected = append(collected, f)
	}
	if len(collected) == 0 {
		return false, frame.NoTimestamp
	}
	// The first overlapped buffer must straddle the splice point; a splice
	// that begins exactly at a buffer boundary is just a plain overlap.
	if !collected[0].PTS.Before(ps) {
		return false, frame.NoTimestamp
	}
	span := collected[len(collected)-1].EndPTS().Sub(collected[0].PTS)
	minSpan := 2 * s.sampleDuration()
	if minSpan > 0 && span < minSpan {
		return false, frame.NoTimestamp
	}

	frames[0] = first.WithSplice(append([]*frame.Frame(nil), collected...))
	return true, collected[0].DTS
}

// sampleDuration derives 1/samples-per-second from the config frames are
// currently being appended under; 0 (no minimum-span floor) when the
// config does not carry a sample rate.
func (s *Stream) sampleDuration() time.Duration {
	cfg := s.configAt(s.appendConfigIndex)
	if cfg.SampleRate <= 0 {
		return 0
	}
	return time.Second / time.Duration(cfg.SampleRate)
}

func (s *Stream) findRangeContainingPTS(t frame.Timestamp) *trackRange {
	for _, r := range s.ranges {
		if !t.Before(r.startPTS()) && t.Before(r.bufferedEndTimestamp()) {
			return r
		}
	}
	return nil
}

// removeInternal walks the range list index-by-index (never caching an
// iterator across a split or delete), splitting/truncating ranges that
// overlap [start, endExcl), and returns any frames removed from the
// selected range's current position as candidates for the track buffer.
func (s *Stream) removeInternal(start, endExcl frame.Timestamp, isExclusive bool) []*frame.Frame {
	var saved []*frame.Frame

	for i := 0; i < len(s.ranges); {
		r := s.ranges[i]
		if !rangeOverlaps(r, start, endExcl) {
			i++
			continue
		}

		wasSelected := r == s.selectedRange
		hadNextBuffer := r.hasNextBuffer()
		nextBufPos := r.nextBuffer

		if suffix := r.splitRange(endExcl, false); suffix != nil {
			s.ranges = append(s.ranges, nil)
			copy(s.ranges[i+2:], s.ranges[i+1:])
			s.ranges[i+1] = suffix
			if wasSelected && suffix.hasNextBuffer() {
				s.selectedRange = suffix
			}
		}

		// Capture the not-yet-read remainder (from the read cursor onward)
		// before truncation mutates r, so the track buffer only replays
		// frames the reader hasn't seen yet, never ones already delivered.
		var unread []*frame.Frame
		if wasSelected && hadNextBuffer {
			if idx := r.actualIndex(nextBufPos); idx >= 0 && idx < len(r.frames) {
				unread = append([]*frame.Frame(nil), r.frames[idx:]...)
			}
		}

		_, fullyDeleted := r.truncateAt(start, isExclusive)

		if wasSelected && hadNextBuffer && nextBufPos != noNextBuffer && !r.hasNextBuffer() {
			saved = append(saved, unread...)
		}

		if fullyDeleted || r.isEmpty() {
			s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
			if r == s.selectedRange {
				s.selectedRange = nil
			}
			continue
		}
		i++
	}

	return saved
}

func rangeOverlaps(r *trackRange, start, endExcl frame.Timestamp) bool {
	if r.isEmpty() {
		return false
	}
	return r.startDTS().Before(endExcl) && !r.endTimestamp().Before(start)
}

// insertFrames inserts frames into the range whose coded-frame group they
// continue, or creates a new range, then merges with whichever neighbor(s)
// are now adjacent in sequence.
func (s *Stream) insertFrames(frames []*frame.Frame) {
	target := s.findExistingRangeFor(s.mediaSegmentStart)

	var idx int
	if target != nil {
		idx = s.indexOf(target)
		target.appendToEnd(frames)
	} else {
		frames = s.maybeSkipLeadingNonKeyframes(frames)
		if len(frames) == 0 {
			return
		}
		start := minTimestamp(s.mediaSegmentStart, frames[0].DTS)
		newRange := newTrackRange(frames, start)
		idx = s.insertRangeSorted(newRange)
	}

	if idx > 0 && s.mergeWithFollowing(idx - 1) {
		idx--
	}
	s.mergeWithFollowing(idx)
	target = s.ranges[idx]

	if s.selectedRange == nil && target.hasNextBuffer() {
		s.selectedRange = target
	}
}

func (s *Stream) maybeSkipLeadingNonKeyframes(frames []*frame.Frame) []*frame.Frame {
	if s.newCodedFrameGrp {
		return frames
	}
	i := 0
	for i < len(frames) && !frames[i].IsKeyframe {
		i++
	}
	return frames[i:]
}

func minTimestamp(a, b frame.Timestamp) frame.Timestamp {
	if !a.Valid() {
		return b
	}
	if !b.Valid() {
		return a
	}
	if a.Before(b) {
		return a
	}
	return b
}

func (s *Stream) findExistingRangeFor(start frame.Timestamp) *trackRange {
	if !start.Valid() {
		return nil
	}
	for _, r := range s.ranges {
		if r.belongsTo(start, s.fudgeRoom(), s.kind) {
			return r
		}
	}
	return nil
}

func (s *Stream) indexOf(r *trackRange) int {
	for i, v := range s.ranges {
		if v == r {
			return i
		}
	}
	return -1
}

func (s *Stream) insertRangeSorted(r *trackRange) int {
	idx := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].startDTS().After(r.startDTS()) || s.ranges[i].startDTS().Equal(r.startDTS())
	})
	s.ranges = append(s.ranges, nil)
	copy(s.ranges[idx+1:], s.ranges[idx:])
	s.ranges[idx] = r
	return idx
}

// mergeWithFollowing merges ranges[idx+1] into ranges[idx] if they are
// adjacent in sequence, reporting whether a merge happened.
func (s *Stream) mergeWithFollowing(idx int) bool {
	if idx < 0 || idx+1 >= len(s.ranges) {
		return false
	}
	cur, next := s.ranges[idx], s.ranges[idx+1]
	if cur.isEmpty() || next.isEmpty() {
		return false
	}
	last := cur.frames[len(cur.frames)-1]
	first := next.frames[0]
	if !isNextInSequence(last.DTS, last.IsKeyframe, first.DTS, first.IsKeyframe, s.fudgeRoom(), s.kind) {
		return false
	}
	migrated := cur.appendRangeToEnd(next)
	if migrated && s.selectedRange == next {
		s.selectedRange = cur
	}
	s.ranges = append(s.ranges[:idx+1], s.ranges[idx+2:]...)
	return true
}

func (s *Stream) tryResolvePendingSeek() {
	if s.seekToStartPending {
		if len(s.ranges) > 0 {
			first := s.ranges[0]
			s.selectRangeAt(first, first.startDTS())
			s.seekPending = false
			s.seekToStartPending = false
		}
		return
	}
	for _, r := range s.ranges {
		if r.canSeekTo(s.seekTarget, s.fudgeRoom()) {
			s.selectRangeAt(r, s.seekTarget)
			s.seekPending = false
			return
		}
	}
}

// pruneTrackBuffer drops frames whose DTS is at or after the first
// keyframe that now exists, at or after the track buffer's front DTS, in
// some range.
func (s *Stream) pruneTrackBuffer() {
	if len(s.trackBuffer) == 0 {
		return
	}
	front := s.trackBuffer[0].DTS
	var cutoff frame.Timestamp
	for _, r := range s.ranges {
		if lp, ok := r.keyframePositionAtOrAfter(front); ok {
			idx := r.actualIndex(lp)
			if idx >= 0 && idx < len(r.frames) {
				cutoff = r.frames[idx].DTS
				break
			}
		}
	}
	if !cutoff.Valid() {
		return
	}
	kept := s.trackBuffer[:0:0]
	for _, f := range s.trackBuffer {
		if f.DTS.Before(cutoff) {
			kept = append(kept, f)
		}
	}
	s.trackBuffer = kept
}

// Remove deletes frames in [start, end), rounded outward to a full GOP
// on the leading edge and aligned to the next
// keyframe after end; if end equals duration the trailing range is
// truncated wholly.
func (s *Stream) Remove(start, end, duration frame.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isShutdown {
		return
	}

	adjStart := s.roundDownToGOPStart(start)

	var adjEnd frame.Timestamp
	if duration.Valid() && end.Equal(duration) {
		adjEnd = frame.NewTimestamp(frame.InfiniteDuration)
	} else if lp, r, ok := s.keyframeAtOrAfter(end); ok {
		idx := r.actualIndex(lp)
		adjEnd = r.frames[idx].DTS
	} else {
		adjEnd = frame.NewTimestamp(frame.InfiniteDuration)
	}

	// Unlike overlap appends, an explicit Remove does not sustain reads
	// through the deleted region: track-buffer frames inside the window go
	// too, so remove(0, +inf) leaves nothing behind.
	s.removeInternal(adjStart, adjEnd, false)
	kept := s.trackBuffer[:0:0]
	for _, f := range s.trackBuffer {
		if f.DTS.Before(adjStart) || !f.DTS.Before(adjEnd) {
			kept = append(kept, f)
		}
	}
	s.trackBuffer = kept
	s.recordBufferStateLocked()
}

func (s *Stream) roundDownToGOPStart(t frame.Timestamp) frame.Timestamp {
	for _, r := range s.ranges {
		if t.Before(r.startDTS()) || t.After(r.bufferedEndTimestamp()) {
			continue
		}
		if lp, ok := r.keyframeBeforeOrAtTimestamp(t); ok {
			idx := r.actualIndex(lp)
			if idx >= 0 && idx < len(r.frames) {
				return r.frames[idx].DTS
			}
		}
	}
	return t
}

func (s *Stream) keyframeAtOrAfter(t frame.Timestamp) (int, *trackRange, bool) {
	for _, r := range s.ranges {
		if lp, ok := r.keyframePositionAtOrAfter(t); ok {
			return lp, r, true
		}
	}
	return 0, nil, false
}

// OnSetDuration truncates any range ending after d: every frame with DTS
// at or after d is discarded, and a range starting at or after d is
// removed whole. No second range is created from the discarded part.
func (s *Stream) OnSetDuration(d frame.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isShutdown {
		return
	}

	for i := 0; i < len(s.ranges); {
		r := s.ranges[i]
		if !r.bufferedEndTimestamp().After(d) {
			i++
			continue
		}
		if d.After(r.startDTS()) {
			// d falls inside the range: truncate at the first frame at
			// or after d, discarding the remainder.
			_, fullyDeleted := r.truncateAt(d, false)
			if fullyDeleted {
				s.removeRangeAt(i)
				continue
			}
			i++
			continue
		}
		// d is at or before the range's start: the whole range is gone.
		s.removeRangeAt(i)
	}
	s.recordBufferStateLocked()
}

func (s *Stream) removeRangeAt(i int) {
	r := s.ranges[i]
	if r == s.selectedRange {
		s.selectedRange = nil
	}
	s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
}

// Seek resets read state and selects the range serving t, or marks the
// seek pending if no buffered range can yet serve it. A read
// left pending across a Seek completes as aborted.
func (s *Stream) Seek(t frame.Timestamp) {
	start := time.Now()
	s.mu.Lock()
	aborted := s.pendingRead
	s.pendingRead = nil
	s.seekLocked(t)
	stats := s.stats
	s.mu.Unlock()
	if stats != nil {
		stats.RecordSeekLatency(time.Since(start).Seconds())
	}
	if aborted != nil {
		aborted(ReadResult{Status: ReadAborted})
	}
}

func (s *Stream) seekLocked(t frame.Timestamp) {
	if s.isShutdown {
		return
	}

	s.resetSeekState()
	s.seekTarget = t

	if len(s.ranges) > 0 {
		first := s.ranges[0]
		if first.startDTS().Duration() < fudgeToStart && t.Duration() <= first.startDTS().Duration() {
			s.selectRangeAt(first, first.startDTS())
			return
		}
	}

	for _, r := range s.ranges {
		if r.canSeekTo(t, s.fudgeRoom()) {
			s.selectRangeAt(r, t)
			return
		}
	}

	s.seekPending = true
}

func (s *Stream) resetSeekState() {
	if s.selectedRange != nil {
		s.selectedRange.resetNextBuffer()
	}
	s.selectedRange = nil
	s.trackBuffer = nil
	s.seekPending = false
	s.seekToStartPending = false
	s.lastOutputDTS = frame.NoTimestamp
	s.configChangePending = false
	s.pendingBuffer = nil
}

// SeekToStart begins reading from the earliest buffered data, whatever
// its timestamp; with nothing buffered yet, reads begin at the first
// appended keyframe once data arrives. This is how a consumer joins a
// live stream whose timestamps start far from zero.
func (s *Stream) SeekToStart() {
	start := time.Now()
	s.mu.Lock()
	aborted := s.pendingRead
	s.pendingRead = nil
	if !s.isShutdown {
		s.resetSeekState()
		if len(s.ranges) > 0 {
			first := s.ranges[0]
			s.selectRangeAt(first, first.startDTS())
		} else {
			s.seekPending = true
			s.seekToStartPending = true
			s.seekTarget = frame.NewTimestamp(0)
		}
	}
	stats := s.stats
	s.mu.Unlock()
	if stats != nil {
		stats.RecordSeekLatency(time.Since(start).Seconds())
	}
	if aborted != nil {
		aborted(ReadResult{Status: ReadAborted})
	}
}

func (s *Stream) selectRangeAt(r *trackRange, t frame.Timestamp) {
	r.seek(t)
	s.selectedRange = r
}

// GetNextBuffer implements the read state machine, including splice and
// preroll dispatch.
func (s *Stream) GetNextBuffer() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getNextBufferLocked()
}

func (s *Stream) getNextBufferLocked() Result {
	if s.pendingBuffer != nil {
		return s.continuePendingBuffer()
	}

	if len(s.trackBuffer) > 0 {
		front := s.trackBuffer[0]
		if front.ConfigVersion != s.currentConfigIndex && front.ConfigVersion != frame.NoConfigVersion {
			s.configChangePending = true
			return Result{Status: StatusConfigChange}
		}
		s.trackBuffer = s.trackBuffer[1:]
		if len(s.trackBuffer) == 0 {
			s.setSelectedRangeIfNeeded(front.DTS.Add(internalTick))
		}
		return s.dispatch(front)
	}

	// Re-establish the read position after the track buffer drained dry or
	// an overlap stole the selected range's cursor: continue at the first
	// keyframe past the last frame actually delivered.
	if !s.seekPending && s.lastOutputDTS.Valid() &&
		(s.selectedRange == nil || !s.selectedRange.hasNextBuffer()) {
		s.setSelectedRangeIfNeeded(s.lastOutputDTS.Add(internalTick))
	}

	if s.selectedRange == nil {
		if s.endOfStream && s.isEndSelected() {
			return Result{Status: StatusEndOfStream}
		}
		return Result{Status: StatusNeedBuffer}
	}

	nextCfg := s.selectedRange.nextConfigVersion()
	if nextCfg != frame.NoConfigVersion && nextCfg != s.currentConfigIndex {
		s.configChangePending = true
		return Result{Status: StatusConfigChange}
	}

	f, ok := s.selectedRange.getNextBuffer()
	if !ok {
		if s.endOfStream && s.isEndSelected() {
			return Result{Status: StatusEndOfStream}
		}
		return Result{Status: StatusNeedBuffer}
	}
	if !s.selectedRange.hasNextBuffer() {
		next := f.DTS.Add(internalTick)
		s.setSelectedRangeIfNeeded(next)
	}
	return s.dispatch(f)
}

func (s *Stream) dispatch(f *frame.Frame) Result {
	s.lastOutputDTS = f.DTS

	if len(f.Splice) > 0 || f.Preroll != nil {
		s.pendingBuffer = f
		s.spliceIndex = 0
		if len(f.Splice) == 0 {
			s.spliceIndex = -1
		}
		s.spliceBoundarySent = false
		s.spliceFinalSent = false
		s.prerollDelivered = false
		return s.continuePendingBuffer()
	}
	return Result{Status: StatusSuccess, Frame: f}
}

// continuePendingBuffer walks a splice payload index-by-index — the
// consumer observes config_change between two payload frames iff their
// configs differ, then one forced config_change before the post-splice
// frame — and, when the pending frame carries preroll, delivers the
// preroll (full-duration discard padding, decode-only) before the real
// frame.
func (s *Stream) continuePendingBuffer() Result {
	f := s.pendingBuffer

	if s.spliceIndex >= 0 && s.spliceIndex < len(f.Splice) {
		cur := f.Splice[s.spliceIndex]
		if s.spliceIndex > 0 && !s.spliceBoundarySent {
			prev := f.Splice[s.spliceIndex-1]
			if cur.ConfigVersion != prev.ConfigVersion {
				s.spliceBoundarySent = true
				return Result{Status: StatusConfigChange}
			}
		}
		s.spliceIndex++
		s.spliceBoundarySent = false
		return Result{Status: StatusSuccess, Frame: cur}
	}

	if s.spliceIndex >= 0 && !s.spliceFinalSent {
		// One forced config_change between the payload's end and the first
		// post-splice frame, always.
		s.spliceFinalSent = true
		return Result{Status: StatusConfigChange}
	}

	if f.Preroll != nil && !s.prerollDelivered {
		s.prerollDelivered = true
		preroll := *f.Preroll
		preroll.Discard = &frame.DiscardPadding{Front: preroll.Dur}
		return Result{Status: StatusSuccess, Frame: &preroll}
	}

	s.pendingBuffer = nil
	return Result{Status: StatusSuccess, Frame: f}
}

// CompleteConfigChange acknowledges a config_change result, adopting the
// config the next buffer will actually carry.
func (s *Stream) CompleteConfigChange() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.configChangePending = false
	if s.stats != nil {
		s.stats.RecordConfigChange()
	}

	if s.pendingBuffer != nil {
		if s.spliceIndex >= 0 && s.spliceIndex < len(s.pendingBuffer.Splice) {
			s.currentConfigIndex = s.pendingBuffer.Splice[s.spliceIndex].ConfigVersion
			return
		}
		s.currentConfigIndex = s.pendingBuffer.ConfigVersion
		return
	}
	if len(s.trackBuffer) > 0 {
		s.currentConfigIndex = s.trackBuffer[0].ConfigVersion
		return
	}
	if s.selectedRange != nil {
		if v := s.selectedRange.nextConfigVersion(); v != frame.NoConfigVersion {
			s.currentConfigIndex = v
		}
	}
}

// setSelectedRangeIfNeeded is called right after the selected range has
// just been exhausted (its hasNextBuffer went false); it looks for a
// range starting at or after t so reads continue into whatever comes
// next in buffered order instead of stalling on a range boundary.
func (s *Stream) setSelectedRangeIfNeeded(t frame.Timestamp) {
	if len(s.trackBuffer) > 0 {
		return
	}
	s.selectedRange = nil
	for _, r := range s.ranges {
		if r.seekAheadTo(t) {
			s.selectedRange = r
			return
		}
	}
}

func (s *Stream) isEndSelected() bool {
	if len(s.ranges) == 0 {
		return true
	}
	last := s.ranges[len(s.ranges)-1]
	if s.selectedRange == last {
		return true
	}
	if s.selectedRange == nil && s.lastOutputDTS.Valid() && !s.lastOutputDTS.Before(last.endTimestamp()) {
		// setSelectedRangeIfNeeded already looked for a range to continue
		// into after the last dispatched frame and found none.
		return true
	}
	if s.seekPending {
		return s.seekTarget.After(last.bufferedEndTimestamp())
	}
	return false
}

// GarbageCollectIfNeeded frees buffered bytes down to the memory limit
// while preserving the GOP containing the current playback position and
// the most recently appended GOP. Returns false if it could
// not free enough without violating those invariants.
func (s *Stream) GarbageCollectIfNeeded(mediaTime frame.Timestamp, extra int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.clampToBuffered(mediaTime)

	bytesOver := s.totalBytes() + extra - s.memoryLimit
	if bytesOver <= 0 {
		return true
	}

	if s.lastAppendedDTS.Valid() && t.After(s.lastAppendedDTS) {
		freed := s.freeForwardOfLastAppended(bytesOver)
		s.recordGCFreedLocked(GCPhaseForward, freed)
		bytesOver -= freed
	}
	if bytesOver > 0 {
		freed := s.freeFromFront(bytesOver, t)
		s.recordGCFreedLocked(GCPhaseFront, freed)
		bytesOver -= freed
	}
	if bytesOver > 0 {
		freed := s.freeFromBack(bytesOver)
		s.recordGCFreedLocked(GCPhaseBack, freed)
		bytesOver -= freed
	}
	s.recordBufferStateLocked()

	return bytesOver <= 0
}

func (s *Stream) clampToBuffered(t frame.Timestamp) frame.Timestamp {
	if len(s.ranges) == 0 {
		return t
	}
	first, last := s.ranges[0], s.ranges[len(s.ranges)-1]
	if t.Before(first.startDTS()) {
		return first.startDTS()
	}
	if t.After(last.bufferedEndTimestamp()) {
		return last.bufferedEndTimestamp()
	}
	return t
}

// freeForwardOfLastAppended implements GC phase A: when playback has moved
// past the append position, the GOPs between the last-appended GOP and the
// GOP holding the read cursor are the cheapest to give back.
func (s *Stream) freeForwardOfLastAppended(target int64) int64 {
	var freed int64
	for i := 0; i < len(s.ranges) && freed < target; i++ {
		r := s.ranges[i]
		if r.isEmpty() || r.endTimestamp().Before(s.lastAppendedDTS) {
			continue
		}
		if r.containsTimestamp(s.lastAppendedDTS) {
			// Deletion starts at the next keyframe past the append
			// position; split it off so the last-appended GOP stays whole.
			suffix := r.splitRange(s.lastAppendedDTS, true)
			if suffix == nil {
				continue
			}
			s.insertRangeAfter(i, suffix)
			if r == s.selectedRange && suffix.hasNextBuffer() {
				s.selectedRange = suffix
			}
			i++
			r = suffix
		}
		for freed < target && !r.isEmpty() {
			if r == s.selectedRange && r.firstGOPContainsNextBuffer() {
				// Reached the GOP the reader is in; phase A stops here.
				return freed
			}
			n := r.deleteGOPFromFront()
			if n == 0 {
				break
			}
			freed += n
		}
		if r.isEmpty() {
			s.removeRangeAt(i)
			i--
		}
	}
	return freed
}

func (s *Stream) insertRangeAfter(i int, r *trackRange) {
	s.ranges = append(s.ranges, nil)
	copy(s.ranges[i+2:], s.ranges[i+1:])
	s.ranges[i+1] = r
}

// freeFromFront implements GC phase B: delete GOPs from the front of the
// earliest range(s), never the GOP containing the current playback
// position or the last-appended GOP, advancing to the next range once a
// range is exhausted or its front GOP is protected.
func (s *Stream) freeFromFront(target int64, playbackTime frame.Timestamp) int64 {
	var freed int64
	for freed < target && len(s.ranges) > 0 {
		r := s.ranges[0]
		if r.isEmpty() {
			s.removeRangeAt(0)
			continue
		}
		if r.gopAtFrontContains(playbackTime) || r.gopAtFrontContains(s.lastAppendedDTS) ||
			(r == s.selectedRange && r.firstGOPContainsNextBuffer()) {
			// Ranges later in the list only hold later timestamps; nothing
			// further forward is safe to free.
			break
		}
		freed += r.deleteGOPFromFront()
		if r.isEmpty() {
			s.removeRangeAt(0)
		}
	}
	return freed
}

// freeFromBack implements GC phase C, including the "save the last
// appended GOP into a standalone range" rescue when it would otherwise be
// deleted.
func (s *Stream) freeFromBack(target int64) int64 {
	var freed int64
	for freed < target && len(s.ranges) > 0 {
		i := len(s.ranges) - 1
		r := s.ranges[i]

		if r.lastGOPContainsNextBuffer() {
			break
		}
		if r.gopAtBackContains(s.lastAppendedDTS) {
			s.rescueLastAppendedGOP(r)
			break
		}

		n := r.deleteGOPFromBack()
		if n == 0 {
			if r.isEmpty() {
				s.removeRangeAt(i)
				continue
			}
			break
		}
		freed += n
		if r.isEmpty() {
			s.removeRangeAt(i)
		}
	}
	return freed
}

// rescueLastAppendedGOP splits r so the GOP containing lastAppendedDTS
// survives as its own standalone range with no media-segment-start
//, so the in-progress append can continue.
func (s *Stream) rescueLastAppendedGOP(r *trackRange) {
	lp, ok := r.keyframeBeforeOrAtTimestamp(s.lastAppendedDTS)
	if !ok {
		return
	}
	idx := r.actualIndex(lp)
	if idx <= 0 {
		return
	}
	suffixFrames := append([]*frame.Frame(nil), r.frames[idx:]...)
	rescued := newTrackRange(suffixFrames, frame.NoTimestamp)
	r.trimBack(idx)
	insertIdx := s.indexOf(r) + 1
	s.ranges = append(s.ranges, nil)
	copy(s.ranges[insertIdx+1:], s.ranges[insertIdx:])
	s.ranges[insertIdx] = rescued
	if r.isEmpty() {
		s.removeRangeAt(s.indexOf(r))
	}
}
