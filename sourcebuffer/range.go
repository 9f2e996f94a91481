package sourcebuffer

import (
	"sort"
	"time"

	"github.com/zsiec/prismcore/frame"
)

// noNextBuffer is the sentinel logical position meaning "not seeked".
const noNextBuffer = -1

// trackRange is one contiguous run of frames sharing a single coded-frame
// group, sorted by DTS with no gap larger than fudge room. It is an
// implementation detail of Stream — callers never construct one directly.
//
// Positions (the keyframe index and nextBuffer) are stored as logical
// indices: logicalPos = sliceIndex + logicalBase, where logicalBase only
// ever increases (by the count of frames trimmed from the front). This is
// what makes front deletion O(deleted) instead of O(n): trimming the
// keyframe index just discards entries below the new logicalBase instead
// of shifting every remaining entry.
type trackRange struct {
	frames []*frame.Frame

	kfLogicalPos []int // ascending
	logicalBase  int

	mediaSegmentStart frame.Timestamp // NoTimestamp if cleared (e.g. after a GC split)
	nextBuffer        int             // logical position, noNextBuffer if unseeked
	sizeBytes         int64
}

// newTrackRange creates a range from frames, whose first frame must be a
// keyframe (the caller is responsible for enforcing that invariant before
// calling this).
func newTrackRange(frames []*frame.Frame, mediaSegmentStart frame.Timestamp) *trackRange {
	r := &trackRange{
		mediaSegmentStart: mediaSegmentStart,
		nextBuffer:        noNextBuffer,
	}
	r.appendToEnd(frames)
	return r
}

func (r *trackRange) logicalLen() int { return r.logicalBase + len(r.frames) }

func (r *trackRange) actualIndex(logicalPos int) int { return logicalPos - r.logicalBase }

func (r *trackRange) isEmpty() bool { return len(r.frames) == 0 }

func (r *trackRange) startDTS() frame.Timestamp { return r.frames[0].DTS }

func (r *trackRange) startPTS() frame.Timestamp { return r.frames[0].PTS }

// endTimestamp returns the DTS of the range's last frame (used for
// adjacency checks against a new append).
func (r *trackRange) endTimestamp() frame.Timestamp {
	return r.frames[len(r.frames)-1].DTS
}

// bufferedEndTimestamp returns the presentation end of the last frame —
// the end of this range's contribution to the buffered-ranges query.
func (r *trackRange) bufferedEndTimestamp() frame.Timestamp {
	last := r.frames[len(r.frames)-1]
	return last.EndPTS()
}

// appendToEnd appends frames (already known to be appendable) to the end
// of the range, recording any new keyframes in the index.
func (r *trackRange) appendToEnd(frames []*frame.Frame) {
	for _, f := range frames {
		if f.IsKeyframe {
			r.kfLogicalPos = append(r.kfLogicalPos, r.logicalLen())
		}
		r.frames = append(r.frames, f)
		r.sizeBytes += int64(len(f.Payload))
	}
}

// canAppendToEnd reports whether the first of frames is "next in
// sequence" after this range's last frame.
func (r *trackRange) canAppendToEnd(first *frame.Frame, fudgeRoom time.Duration, kind frame.Kind) bool {
	last := r.frames[len(r.frames)-1]
	return isNextInSequence(last.DTS, last.IsKeyframe, first.DTS, first.IsKeyframe, fudgeRoom, kind)
}

// appendRangeToEnd merges other onto the end of r, rebasing other's
// logical keyframe positions and next-buffer position by r's current
// frame count. Returns true if other's selected next-buffer position was
// migrated (meaning the caller should re-point selectedRange at r).
func (r *trackRange) appendRangeToEnd(other *trackRange) (migratedNextBuffer bool) {
	offset := r.logicalLen() - other.logicalBase

	for _, lp := range other.kfLogicalPos {
		r.kfLogicalPos = append(r.kfLogicalPos, lp+offset)
	}

	if other.nextBuffer != noNextBuffer {
		r.nextBuffer = other.nextBuffer + offset
		migratedNextBuffer = true
	}

	r.frames = append(r.frames, other.frames...)
	r.sizeBytes += other.sizeBytes
	return migratedNextBuffer
}

// trimKeyframeIndexFront discards keyframe-index entries that now point
// before logicalBase, after frames have been trimmed from the front.
func (r *trackRange) trimKeyframeIndexFront() {
	i := sort.Search(len(r.kfLogicalPos), func(i int) bool {
		return r.kfLogicalPos[i] >= r.logicalBase
	})
	r.kfLogicalPos = r.kfLogicalPos[i:]
}

// keyframePositionAtOrAfter returns the logical position of the first
// keyframe with DTS >= t, and true, or (0, false) if none exists.
func (r *trackRange) keyframePositionAtOrAfter(t frame.Timestamp) (int, bool) {
	for _, lp := range r.kfLogicalPos {
		idx := r.actualIndex(lp)
		if idx < 0 || idx >= len(r.frames) {
			continue
		}
		if !r.frames[idx].DTS.Before(t) {
			return lp, true
		}
	}
	return 0, false
}

// keyframeBeforeOrAtTimestamp returns the logical position of the last
// keyframe with DTS <= t, and true, or (0, false) if none exists (t is
// before the range's first keyframe).
func (r *trackRange) keyframeBeforeOrAtTimestamp(t frame.Timestamp) (int, bool) {
	found := false
	var best int
	for _, lp := range r.kfLogicalPos {
		idx := r.actualIndex(lp)
		if idx < 0 || idx >= len(r.frames) {
			continue
		}
		if r.frames[idx].DTS.After(t) {
			break
		}
		best = lp
		found = true
	}
	return best, found
}

// belongsTo reports whether a media segment beginning at t continues this
// range: either t falls within [start, end] or t is "next in sequence"
// after the range's last frame.
func (r *trackRange) belongsTo(t frame.Timestamp, fudgeRoom time.Duration, kind frame.Kind) bool {
	if !r.startDTS().After(t) && !t.After(r.endTimestamp()) {
		return true
	}
	last := r.frames[len(r.frames)-1]
	return isNextInSequence(last.DTS, last.IsKeyframe, t, true, fudgeRoom, kind)
}

// canSeekTo reports whether t falls within [start - fudgeRoom, bufferedEnd).
func (r *trackRange) canSeekTo(t frame.Timestamp, fudgeRoom time.Duration) bool {
	lowerBound := r.startDTS().Duration() - fudgeRoom
	if t.Duration() < lowerBound {
		return false
	}
	return t.Before(r.bufferedEndTimestamp())
}

// seek points nextBuffer at the last keyframe with DTS <= t, falling back
// to the first keyframe if t precedes the range's media-segment-start
// "pre-roll gap" (no keyframe at or before t).
func (r *trackRange) seek(t frame.Timestamp) {
	if lp, ok := r.keyframeBeforeOrAtTimestamp(t); ok {
		r.nextBuffer = lp
		return
	}
	if len(r.kfLogicalPos) > 0 {
		r.nextBuffer = r.kfLogicalPos[0]
	}
}

// seekToStart points nextBuffer at the range's very first frame.
func (r *trackRange) seekToStart() {
	r.nextBuffer = r.logicalBase
}

// seekAheadTo points nextBuffer at the first keyframe with DTS >= t.
// Returns false if no such keyframe exists.
func (r *trackRange) seekAheadTo(t frame.Timestamp) bool {
	lp, ok := r.keyframePositionAtOrAfter(t)
	if !ok {
		return false
	}
	r.nextBuffer = lp
	return true
}

// seekAheadPast points nextBuffer at the first keyframe with DTS > t.
func (r *trackRange) seekAheadPast(t frame.Timestamp) bool {
	for _, lp := range r.kfLogicalPos {
		idx := r.actualIndex(lp)
		if idx < 0 || idx >= len(r.frames) {
			continue
		}
		if r.frames[idx].DTS.After(t) {
			r.nextBuffer = lp
			return true
		}
	}
	return false
}

func (r *trackRange) hasNextBuffer() bool { return r.nextBuffer != noNextBuffer }

func (r *trackRange) resetNextBuffer() { r.nextBuffer = noNextBuffer }

// nextTimestamp returns the DTS of the frame the next getNextBuffer call
// would return, or frame.NoTimestamp if unseeked.
func (r *trackRange) nextTimestamp() frame.Timestamp {
	if !r.hasNextBuffer() {
		return frame.NoTimestamp
	}
	idx := r.actualIndex(r.nextBuffer)
	if idx < 0 || idx >= len(r.frames) {
		return frame.NoTimestamp
	}
	return r.frames[idx].DTS
}

// nextConfigVersion returns the config version of the frame the next
// getNextBuffer call would return.
func (r *trackRange) nextConfigVersion() frame.ConfigVersion {
	if !r.hasNextBuffer() {
		return frame.NoConfigVersion
	}
	idx := r.actualIndex(r.nextBuffer)
	if idx < 0 || idx >= len(r.frames) {
		return frame.NoConfigVersion
	}
	return r.frames[idx].ConfigVersion
}

// getNextBuffer returns the frame at nextBuffer and advances it by one.
func (r *trackRange) getNextBuffer() (*frame.Frame, bool) {
	if !r.hasNextBuffer() {
		return nil, false
	}
	idx := r.actualIndex(r.nextBuffer)
	if idx < 0 || idx >= len(r.frames) {
		return nil, false
	}
	f := r.frames[idx]
	r.nextBuffer++
	return f, true
}

// firstGOPContainsNextBuffer / lastGOPContainsNextBuffer support GC's
// "never delete the GOP containing the current position" invariant.
func (r *trackRange) firstGOPContainsNextBuffer() bool {
	if !r.hasNextBuffer() || len(r.kfLogicalPos) < 2 {
		return r.hasNextBuffer()
	}
	return r.nextBuffer < r.kfLogicalPos[1]
}

func (r *trackRange) lastGOPContainsNextBuffer() bool {
	if !r.hasNextBuffer() {
		return false
	}
	last := r.kfLogicalPos[len(r.kfLogicalPos)-1]
	return r.nextBuffer >= last
}

// deleteGOPFromFront removes the first GOP (up to, but not including, the
// second keyframe) and returns the bytes freed.
func (r *trackRange) deleteGOPFromFront() int64 {
	if len(r.kfLogicalPos) < 2 {
		n := r.sizeAndClear()
		return n
	}
	end := r.actualIndex(r.kfLogicalPos[1])
	return r.trimFront(end)
}

// deleteGOPFromBack removes the last GOP and returns the bytes freed.
func (r *trackRange) deleteGOPFromBack() int64 {
	if len(r.kfLogicalPos) == 0 {
		return 0
	}
	start := r.actualIndex(r.kfLogicalPos[len(r.kfLogicalPos)-1])
	return r.trimBack(start)
}

func (r *trackRange) sizeAndClear() int64 {
	n := r.sizeBytes
	r.logicalBase += len(r.frames)
	r.frames = nil
	r.kfLogicalPos = nil
	r.sizeBytes = 0
	r.resetNextBuffer()
	return n
}

// trimFront removes frames[:end], returning bytes freed.
func (r *trackRange) trimFront(end int) int64 {
	if end <= 0 {
		return 0
	}
	if end >= len(r.frames) {
		return r.sizeAndClear()
	}
	var freed int64
	for _, f := range r.frames[:end] {
		freed += int64(len(f.Payload))
	}
	r.frames = r.frames[end:]
	r.logicalBase += end
	r.sizeBytes -= freed
	r.trimKeyframeIndexFront()
	return freed
}

// trimBack removes frames[start:], returning bytes freed.
func (r *trackRange) trimBack(start int) int64 {
	if start < 0 || start >= len(r.frames) {
		return 0
	}
	if start == 0 {
		return r.sizeAndClear()
	}
	var freed int64
	for _, f := range r.frames[start:] {
		freed += int64(len(f.Payload))
	}
	r.frames = r.frames[:start]
	r.sizeBytes -= freed
	// Drop keyframe-index entries that now point past the end.
	limit := r.logicalBase + start
	i := sort.Search(len(r.kfLogicalPos), func(i int) bool { return r.kfLogicalPos[i] >= limit })
	r.kfLogicalPos = r.kfLogicalPos[:i]
	if r.nextBuffer != noNextBuffer && r.nextBuffer >= limit {
		r.resetNextBuffer()
	}
	return freed
}

// splitRange splits r at the first keyframe with DTS >= t (or > t when
// exclusive, matching truncateAt's semantics), returning the suffix as a
// new range and leaving the prefix in r. Returns nil if there is no such
// keyframe (nothing to split off).
func (r *trackRange) splitRange(t frame.Timestamp, exclusive bool) *trackRange {
	var splitLP int
	found := false
	for _, lp := range r.kfLogicalPos {
		idx := r.actualIndex(lp)
		if idx < 0 || idx >= len(r.frames) {
			continue
		}
		dts := r.frames[idx].DTS
		if exclusive && dts.After(t) {
			splitLP, found = lp, true
			break
		}
		if !exclusive && !dts.Before(t) {
			splitLP, found = lp, true
			break
		}
	}
	if !found {
		return nil
	}

	splitIdx := r.actualIndex(splitLP)
	if splitIdx <= 0 || splitIdx >= len(r.frames) {
		return nil
	}

	suffixFrames := append([]*frame.Frame(nil), r.frames[splitIdx:]...)
	newRange := newTrackRange(suffixFrames, frame.NoTimestamp)

	if r.nextBuffer != noNextBuffer && r.nextBuffer >= splitLP {
		newRange.nextBuffer = r.nextBuffer - splitLP
		r.resetNextBuffer()
	}

	r.trimBack(splitIdx)
	return newRange
}

// truncateAt removes all frames with DTS >= t (or > t when exclusive),
// returning the removed frames and whether the whole range was emptied.
func (r *trackRange) truncateAt(t frame.Timestamp, exclusive bool) (deleted []*frame.Frame, fullyDeleted bool) {
	start := sort.Search(len(r.frames), func(i int) bool {
		if exclusive {
			return r.frames[i].DTS.After(t)
		}
		return !r.frames[i].DTS.Before(t)
	})
	if start >= len(r.frames) {
		return nil, false
	}
	deleted = append(deleted, r.frames[start:]...)
	r.trimBack(start)
	return deleted, start == 0
}

// buffersInRange appends to out every frame of this range whose PTS falls
// within [start, end).
func (r *trackRange) buffersInRange(start, end frame.Timestamp, out *[]*frame.Frame) {
	for _, f := range r.frames {
		if f.PTS.Before(start) || !f.PTS.Before(end) {
			continue
		}
		*out = append(*out, f)
	}
}

// containsTimestamp reports whether t falls within this range's DTS span,
// used by GC phase B to recognize the range holding the playback position.
func (r *trackRange) containsTimestamp(t frame.Timestamp) bool {
	if r.isEmpty() || !t.Valid() {
		return false
	}
	return !t.Before(r.startDTS()) && !t.After(r.endTimestamp())
}

// gopAtFrontContains reports whether the range's first GOP (up to, but not
// including, its second keyframe) contains t, protecting it from GC
// phases A and B. t is either the current playback position or the
// last-appended DTS, depending on which phase is asking.
func (r *trackRange) gopAtFrontContains(t frame.Timestamp) bool {
	if r.isEmpty() || !t.Valid() {
		return false
	}
	if t.Before(r.startDTS()) {
		return false
	}
	if len(r.kfLogicalPos) >= 2 {
		idx := r.actualIndex(r.kfLogicalPos[1])
		if idx >= 0 && idx < len(r.frames) && !t.Before(r.frames[idx].DTS) {
			return false
		}
	}
	return true
}

// gopAtBackContains reports whether the range's last GOP (from its last
// keyframe to the end) contains t, protecting it from GC phase C.
func (r *trackRange) gopAtBackContains(t frame.Timestamp) bool {
	if r.isEmpty() || !t.Valid() {
		return false
	}
	if len(r.kfLogicalPos) == 0 {
		return r.containsTimestamp(t)
	}
	idx := r.actualIndex(r.kfLogicalPos[len(r.kfLogicalPos)-1])
	if idx < 0 || idx >= len(r.frames) {
		return false
	}
	return !t.Before(r.frames[idx].DTS) && !t.After(r.endTimestamp())
}

// isNextInSequence implements the adjacency rule: strict DTS adjacency
// within fudgeRoom for audio/video, but permissively forward-adjacent for
// text tracks (any DTS past the last frame counts as "next in sequence").
func isNextInSequence(lastDTS frame.Timestamp, lastIsKeyframe bool, nextDTS frame.Timestamp, nextIsKeyframe bool, fudgeRoom time.Duration, kind frame.Kind) bool {
	if kind == frame.Text {
		return !nextDTS.Before(lastDTS)
	}
	if nextDTS.Before(lastDTS) {
		return false
	}
	if nextDTS.Equal(lastDTS) {
		// Same-timestamp rule: two keyframes can never share a DTS; every
		// other combination (keyframe->non-keyframe, non-keyframe->
		// non-keyframe, and non-keyframe->keyframe, which starts a new
		// logical GOP at that DTS) is permitted.
		return !(lastIsKeyframe && nextIsKeyframe)
	}
	return nextDTS.Duration()-lastDTS.Duration() <= fudgeRoom
}
