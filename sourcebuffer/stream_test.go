package sourcebuffer

import (
	"errors"
	"testing"
	"time"

	"github.com/zsiec/prismcore/frame"
)

func ts(ms int64) frame.Timestamp {
	return frame.NewTimestamp(time.Duration(ms) * time.Millisecond)
}

func vframe(dtsMS, durMS int64, keyframe bool, size int) *frame.Frame {
	return &frame.Frame{
		DTS:           ts(dtsMS),
		PTS:           ts(dtsMS),
		Dur:           time.Duration(durMS) * time.Millisecond,
		Kind:          frame.Video,
		Track:         "v0",
		IsKeyframe:    keyframe,
		ConfigVersion: frame.NoConfigVersion,
		Payload:       make([]byte, size),
	}
}

func gop(startMS, frameDurMS int64, count int, size int) []*frame.Frame {
	out := make([]*frame.Frame, count)
	for i := 0; i < count; i++ {
		out[i] = vframe(startMS+int64(i)*frameDurMS, frameDurMS, i == 0, size)
	}
	return out
}

func TestStreamAppendBasicSequentialReadback(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)
	frames := []*frame.Frame{
		vframe(0, 10, true, 100),
		vframe(10, 10, false, 100),
		vframe(20, 10, false, 100),
	}
	if err := s.Append(frames); err != nil {
		t.Fatalf("Append: %v", err)
	}

	br := s.BufferedRanges(ts(1000))
	if len(br) != 1 {
		t.Fatalf("BufferedRanges = %v, want one range", br)
	}
	if !br[0].Start.Equal(ts(0)) || !br[0].End.Equal(ts(30)) {
		t.Errorf("range = %+v, want [0,30)", br[0])
	}

	s.Seek(ts(0))
	for i, want := range frames {
		res := s.GetNextBuffer()
		if res.Status != StatusSuccess {
			t.Fatalf("frame %d: status = %v, want success", i, res.Status)
		}
		if !res.Frame.DTS.Equal(want.DTS) {
			t.Errorf("frame %d: DTS = %v, want %v", i, res.Frame.DTS, want.DTS)
		}
	}
	if res := s.GetNextBuffer(); res.Status != StatusNeedBuffer {
		t.Errorf("after exhausting buffer: status = %v, want need_buffer", res.Status)
	}
}

func TestStreamAppendFirstFrameMustBeKeyframe(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)
	err := s.Append([]*frame.Frame{vframe(0, 10, false, 10)})
	if !errors.Is(err, ErrParse) {
		t.Fatalf("err = %v, want ErrParse", err)
	}
}

func TestStreamAppendRejectsNonMonotonicDTS(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)
	err := s.Append([]*frame.Frame{
		vframe(10, 10, true, 10),
		vframe(5, 10, false, 10),
	})
	if !errors.Is(err, ErrParse) {
		t.Fatalf("err = %v, want ErrParse", err)
	}
}

func TestStreamSeekPendingResolvedByAppend(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)
	s.Seek(ts(500))
	if !s.IsSeekPending() {
		t.Fatal("expected seek pending with no buffered data")
	}

	s.OnNewCodedFrameGroup(ts(500))
	if err := s.Append([]*frame.Frame{vframe(500, 10, true, 10), vframe(510, 10, false, 10)}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if s.IsSeekPending() {
		t.Fatal("seek should have resolved once covering data was appended")
	}
	res := s.GetNextBuffer()
	if res.Status != StatusSuccess || !res.Frame.DTS.Equal(ts(500)) {
		t.Fatalf("res = %+v, want success frame at 500ms", res)
	}
}

func TestStreamConfigChangeSignalled(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)
	if err := s.Append([]*frame.Frame{vframe(0, 10, true, 10), vframe(10, 10, false, 10)}); err != nil {
		t.Fatalf("first Append: %v", err)
	}

	if err := s.UpdateVideoConfig(Config{Codec: "avc1", Extra: []byte{1}}); err != nil {
		t.Fatalf("UpdateVideoConfig: %v", err)
	}
	if err := s.Append([]*frame.Frame{vframe(20, 10, true, 10)}); err != nil {
		t.Fatalf("second Append: %v", err)
	}

	s.Seek(ts(0))
	for i := 0; i < 2; i++ {
		res := s.GetNextBuffer()
		if res.Status != StatusSuccess {
			t.Fatalf("frame %d: status = %v, want success", i, res.Status)
		}
	}

	res := s.GetNextBuffer()
	if res.Status != StatusConfigChange {
		t.Fatalf("status = %v, want config_change at the config boundary", res.Status)
	}
	s.CompleteConfigChange()

	res = s.GetNextBuffer()
	if res.Status != StatusSuccess || !res.Frame.DTS.Equal(ts(20)) {
		t.Fatalf("res = %+v, want success frame at 20ms after CompleteConfigChange", res)
	}
}

func TestStreamUpdateConfigRejectsCodecChange(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)
	err := s.UpdateVideoConfig(Config{Codec: "hvc1"})
	if !errors.Is(err, ErrConfigRejected) {
		t.Fatalf("err = %v, want ErrConfigRejected", err)
	}
}

func TestStreamAppendOverlapSavesTrackBuffer(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)
	frames := append(gop(0, 10, 5, 10), gop(50, 10, 5, 10)...)
	if err := s.Append(frames); err != nil {
		t.Fatalf("initial Append: %v", err)
	}

	s.Seek(ts(0))
	// Consume a couple of buffers so the selected range's read cursor sits
	// in the middle of the first GOP before the overlap arrives.
	for i := 0; i < 2; i++ {
		if res := s.GetNextBuffer(); res.Status != StatusSuccess {
			t.Fatalf("priming read %d: status = %v", i, res.Status)
		}
	}

	// New data starting at 0ms completely overlaps the old buffered range;
	// the unread remainder (frames 2..9 of the old data) must be preserved
	// in the track buffer so reads don't glitch mid-GOP.
	s.OnNewCodedFrameGroup(ts(0))
	if err := s.Append(gop(0, 10, 10, 10)); err != nil {
		t.Fatalf("overlapping Append: %v", err)
	}

	res := s.GetNextBuffer()
	if res.Status != StatusSuccess {
		t.Fatalf("status = %v, want success reading from the saved track buffer", res.Status)
	}
	if !res.Frame.DTS.Equal(ts(20)) {
		t.Errorf("DTS = %v, want 20ms (old data continuing from the read cursor)", res.Frame.DTS)
	}
}

func TestStreamGarbageCollectPreservesCurrentAndLastAppendedGOPs(t *testing.T) {
	t.Parallel()

	const gopBytes = 1000
	s := NewVideoStream(Config{Codec: "avc1"}, 2*gopBytes, nil)

	var frames []*frame.Frame
	for i := 0; i < 5; i++ {
		frames = append(frames, gop(int64(i)*1000, 250, 4, gopBytes/4)...)
	}
	if err := s.Append(frames); err != nil {
		t.Fatalf("Append: %v", err)
	}

	before := s.BufferedBytes()
	if before != 5*gopBytes {
		t.Fatalf("BufferedBytes = %d, want %d", before, 5*gopBytes)
	}

	// Select a read position inside the third GOP.
	s.Seek(ts(2000))

	s.GarbageCollectIfNeeded(ts(2000), 0)

	after := s.BufferedBytes()
	if after >= before {
		t.Fatalf("BufferedBytes after GC = %d, want less than %d", after, before)
	}

	// The current read position must still be servable.
	res := s.GetNextBuffer()
	if res.Status != StatusSuccess || !res.Frame.DTS.Equal(ts(2000)) {
		t.Fatalf("res = %+v, want success frame at 2000ms (GOP containing current position)", res)
	}

	// The most recently appended GOP must still be present somewhere.
	found := false
	for _, r := range s.ranges {
		if !r.isEmpty() && r.endTimestamp().Equal(frames[len(frames)-1].DTS) {
			found = true
		}
	}
	if !found {
		t.Error("the last-appended GOP must survive garbage collection")
	}
}

func TestStreamMarkEndOfStream(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)
	if err := s.Append([]*frame.Frame{vframe(0, 10, true, 10)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	s.Seek(ts(0))
	if res := s.GetNextBuffer(); res.Status != StatusSuccess {
		t.Fatalf("priming read: status = %v", res.Status)
	}

	s.MarkEndOfStream()
	if res := s.GetNextBuffer(); res.Status != StatusEndOfStream {
		t.Fatalf("status = %v, want end_of_stream once buffered data is exhausted", res.Status)
	}
}

func TestIsNextInSequenceFudgeRoom(t *testing.T) {
	t.Parallel()

	fudge := 20 * time.Millisecond
	if !isNextInSequence(ts(0), true, ts(20), true, fudge, frame.Video) {
		t.Error("20ms gap within fudge room should be adjacent")
	}
	if isNextInSequence(ts(0), true, ts(21), true, fudge, frame.Video) {
		t.Error("21ms gap beyond fudge room should not be adjacent")
	}
	if isNextInSequence(ts(10), true, ts(10), true, fudge, frame.Video) {
		t.Error("two keyframes must never share a DTS")
	}
	if !isNextInSequence(ts(10), false, ts(10), true, fudge, frame.Video) {
		t.Error("non-keyframe followed by a keyframe at the same DTS is permitted")
	}
	// Text tracks are permissively forward-adjacent regardless of gap size.
	if !isNextInSequence(ts(0), true, ts(10_000), true, fudge, frame.Text) {
		t.Error("text tracks should be forward-adjacent past any gap")
	}
}

// checkStreamInvariants asserts the structural invariants that must hold
// after every operation: ranges sorted and disjoint, every range led by a
// keyframe, keyframe-index entries pointing at actual keyframes, and at
// most one range holding a read cursor.
func checkStreamInvariants(t *testing.T, s *Stream) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	withCursor := 0
	for i, r := range s.ranges {
		if r.isEmpty() {
			t.Fatalf("range %d is empty", i)
		}
		if !r.frames[0].IsKeyframe {
			t.Errorf("range %d does not start with a keyframe", i)
		}
		if i > 0 && s.ranges[i-1].endTimestamp().After(r.startDTS()) {
			t.Errorf("ranges %d and %d overlap", i-1, i)
		}
		for _, lp := range r.kfLogicalPos {
			idx := r.actualIndex(lp)
			if idx < 0 || idx >= len(r.frames) || !r.frames[idx].IsKeyframe {
				t.Errorf("range %d: keyframe index entry %d does not refer to a keyframe", i, lp)
			}
		}
		for j := 1; j < len(r.frames); j++ {
			if r.frames[j].DTS.Before(r.frames[j-1].DTS) {
				t.Errorf("range %d: DTS decreases at frame %d", i, j)
			}
		}
		if r.hasNextBuffer() {
			withCursor++
			if s.selectedRange != r {
				t.Errorf("range %d holds a cursor but is not the selected range", i)
			}
		}
	}
	if withCursor > 1 {
		t.Errorf("%d ranges hold a read cursor, want at most one", withCursor)
	}
}

func frames1ms(startMS int64, keyframes map[int64]bool, count int, size int) []*frame.Frame {
	out := make([]*frame.Frame, count)
	for i := 0; i < count; i++ {
		at := startMS + int64(i)
		out[i] = vframe(at, 1, keyframes[at], size)
	}
	return out
}

func TestStreamCompleteOverlapReadsAllFramesOnce(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)

	s.OnNewCodedFrameGroup(ts(5))
	if err := s.Append(frames1ms(5, map[int64]bool{5: true}, 5, 10)); err != nil {
		t.Fatalf("first Append: %v", err)
	}

	s.OnNewCodedFrameGroup(ts(0))
	if err := s.Append(frames1ms(0, map[int64]bool{0: true, 5: true}, 15, 10)); err != nil {
		t.Fatalf("overlapping Append: %v", err)
	}
	checkStreamInvariants(t, s)

	br := s.BufferedRanges(ts(1000))
	if len(br) != 1 || !br[0].Start.Equal(ts(0)) || !br[0].End.Equal(ts(15)) {
		t.Fatalf("BufferedRanges = %v, want [0,15)", br)
	}

	s.Seek(ts(0))
	for i := int64(0); i < 15; i++ {
		res := s.GetNextBuffer()
		if res.Status != StatusSuccess || !res.Frame.DTS.Equal(ts(i)) {
			t.Fatalf("read %d: got %+v, want success at %dms", i, res, i)
		}
	}
	if res := s.GetNextBuffer(); res.Status != StatusNeedBuffer {
		t.Fatalf("after 15 frames: status = %v, want need_buffer (no duplicates)", res.Status)
	}
}

func TestStreamTrackBufferExhaustionSkipsToNextKeyframe(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)

	s.OnNewCodedFrameGroup(ts(10))
	if err := s.Append(frames1ms(10, map[int64]bool{10: true}, 5, 10)); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	s.Seek(ts(10))
	if res := s.GetNextBuffer(); res.Status != StatusSuccess || !res.Frame.DTS.Equal(ts(10)) {
		t.Fatalf("priming read: %+v, want 10ms", res)
	}

	// Overlap steals the selected position; the unread remainder 11-14 must
	// keep flowing from the track buffer.
	s.OnNewCodedFrameGroup(ts(5))
	if err := s.Append(frames1ms(5, map[int64]bool{5: true}, 7, 10)); err != nil {
		t.Fatalf("overlapping Append: %v", err)
	}
	checkStreamInvariants(t, s)

	for _, want := range []int64{11, 12, 13, 14} {
		res := s.GetNextBuffer()
		if res.Status != StatusSuccess || !res.Frame.DTS.Equal(ts(want)) {
			t.Fatalf("track-buffer read: got %+v, want %dms", res, want)
		}
	}

	// No keyframe at or past 15ms exists anywhere, so reads stall.
	if res := s.GetNextBuffer(); res.Status != StatusNeedBuffer {
		t.Fatalf("status = %v, want need_buffer after the track buffer drains", res.Status)
	}

	s.OnNewCodedFrameGroup(ts(15))
	if err := s.Append(frames1ms(15, map[int64]bool{15: true}, 2, 10)); err != nil {
		t.Fatalf("resume Append: %v", err)
	}
	for _, want := range []int64{15, 16} {
		res := s.GetNextBuffer()
		if res.Status != StatusSuccess || !res.Frame.DTS.Equal(ts(want)) {
			t.Fatalf("resumed read: got %+v, want %dms", res, want)
		}
	}
}

func aframe2ms(dtsMS int64, size int) *frame.Frame {
	return &frame.Frame{
		DTS:           ts(dtsMS),
		PTS:           ts(dtsMS),
		Dur:           2 * time.Millisecond,
		Kind:          frame.Audio,
		Track:         "a0",
		IsKeyframe:    true,
		ConfigVersion: frame.NoConfigVersion,
		Payload:       make([]byte, size),
	}
}

func TestStreamAudioSpliceDispatch(t *testing.T) {
	t.Parallel()

	s := NewAudioStream(Config{Codec: "mp4a", SampleRate: 1000}, 1<<20, nil)

	s.OnNewCodedFrameGroup(ts(0))
	var first []*frame.Frame
	for ms := int64(0); ms <= 12; ms += 2 {
		first = append(first, aframe2ms(ms, 10))
	}
	if err := s.Append(first); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	s.Seek(ts(0))

	// A new append landing mid-buffer at 11ms crossfades against the
	// overlapped tail: the 10ms and 12ms buffers become its splice payload.
	s.OnNewCodedFrameGroup(ts(11))
	second := []*frame.Frame{aframe2ms(11, 10), aframe2ms(13, 10), aframe2ms(15, 10), aframe2ms(17, 10)}
	if err := s.Append(second); err != nil {
		t.Fatalf("splicing Append: %v", err)
	}
	checkStreamInvariants(t, s)

	for _, want := range []int64{0, 2, 4, 6, 8, 10, 12} {
		res := s.GetNextBuffer()
		if res.Status != StatusSuccess || !res.Frame.DTS.Equal(ts(want)) {
			t.Fatalf("pre-splice read: got %+v, want %dms", res, want)
		}
	}

	// One forced config_change separates the splice payload from the first
	// post-splice frame.
	if res := s.GetNextBuffer(); res.Status != StatusConfigChange {
		t.Fatalf("status = %v, want config_change at the splice boundary", res.Status)
	}
	s.CompleteConfigChange()

	for _, want := range []int64{11, 13, 15, 17} {
		res := s.GetNextBuffer()
		if res.Status != StatusSuccess || !res.Frame.DTS.Equal(ts(want)) {
			t.Fatalf("post-splice read: got %+v, want %dms", res, want)
		}
	}
	if res := s.GetNextBuffer(); res.Status != StatusNeedBuffer {
		t.Fatalf("status = %v, want need_buffer after the spliced stream drains", res.Status)
	}
}

func TestStreamRemoveAllEmptiesRangesAndTrackBuffer(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)
	s.OnNewCodedFrameGroup(ts(0))
	if err := s.Append(gop(0, 10, 5, 10)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	s.Seek(ts(0))
	s.GetNextBuffer()

	// Overlap the read position so the track buffer is non-empty going in.
	s.OnNewCodedFrameGroup(ts(0))
	if err := s.Append(gop(0, 10, 6, 10)); err != nil {
		t.Fatalf("overlapping Append: %v", err)
	}

	dur := ts(1000)
	s.Remove(ts(0), dur, dur)

	if br := s.BufferedRanges(dur); br != nil {
		t.Errorf("BufferedRanges = %v, want none", br)
	}
	if n := s.BufferedBytes(); n != 0 {
		t.Errorf("BufferedBytes = %d, want 0", n)
	}
	s.mu.Lock()
	tbLen := len(s.trackBuffer)
	s.mu.Unlock()
	if tbLen != 0 {
		t.Errorf("track buffer holds %d frames after remove-all, want 0", tbLen)
	}
}

func TestStreamAppendRemoveAppendIdempotent(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)
	dur := ts(1000)

	s.OnNewCodedFrameGroup(ts(0))
	if err := s.Append(gop(0, 10, 5, 10)); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	want := s.BufferedRanges(dur)

	s.Remove(ts(0), dur, dur)
	s.OnNewCodedFrameGroup(ts(0))
	if err := s.Append(gop(0, 10, 5, 10)); err != nil {
		t.Fatalf("re-Append: %v", err)
	}
	checkStreamInvariants(t, s)

	got := s.BufferedRanges(dur)
	if len(got) != len(want) || !got[0].Start.Equal(want[0].Start) || !got[0].End.Equal(want[0].End) {
		t.Errorf("BufferedRanges after append/remove/append = %v, want %v", got, want)
	}
}

func TestStreamSeekNearStartWithinFudge(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)
	s.OnNewCodedFrameGroup(ts(900))
	if err := s.Append(gop(900, 10, 3, 10)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// The earliest range starts under the 1000ms start-fudge threshold, so
	// a seek to an earlier time still lands on it.
	s.Seek(ts(500))
	if s.IsSeekPending() {
		t.Fatal("seek before a near-zero range start must not be left pending")
	}
	res := s.GetNextBuffer()
	if res.Status != StatusSuccess || !res.Frame.DTS.Equal(ts(900)) {
		t.Fatalf("res = %+v, want success at 900ms", res)
	}
}

func TestStreamGarbageCollectNoopUnderLimit(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)
	s.OnNewCodedFrameGroup(ts(0))
	if err := s.Append(gop(0, 10, 5, 10)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	before := s.BufferedBytes()
	if !s.GarbageCollectIfNeeded(ts(0), 0) {
		t.Fatal("GC under the limit must report success")
	}
	if after := s.BufferedBytes(); after != before {
		t.Errorf("GC under the limit freed %d bytes, want 0", before-after)
	}
}

func TestStreamSetDurationAtRangeStartRemovesRange(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)
	s.OnNewCodedFrameGroup(ts(0))
	if err := s.Append(gop(0, 10, 3, 10)); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	s.OnNewCodedFrameGroup(ts(1000))
	if err := s.Append(gop(1000, 10, 3, 10)); err != nil {
		t.Fatalf("second Append: %v", err)
	}

	s.OnSetDuration(ts(1000))
	checkStreamInvariants(t, s)

	br := s.BufferedRanges(ts(1000))
	if len(br) != 1 || !br[0].Start.Equal(ts(0)) || !br[0].End.Equal(ts(30)) {
		t.Fatalf("BufferedRanges = %v, want only [0,30)", br)
	}
}

func TestStreamGarbageCollectForwardOfLastAppended(t *testing.T) {
	t.Parallel()

	// Six one-frame GOPs; playback sits at 400ms while the most recent
	// append went in at 0ms, so phase A frees the GOPs between them.
	s := NewVideoStream(Config{Codec: "avc1"}, 400, nil)
	s.OnNewCodedFrameGroup(ts(0))
	var frames []*frame.Frame
	for i := int64(0); i < 6; i++ {
		frames = append(frames, vframe(i*100, 100, true, 100))
	}
	if err := s.Append(frames); err != nil {
		t.Fatalf("Append: %v", err)
	}
	s.Seek(ts(450))

	s.OnNewCodedFrameGroup(ts(0))
	if err := s.Append([]*frame.Frame{vframe(0, 100, true, 100)}); err != nil {
		t.Fatalf("overwrite Append: %v", err)
	}

	if !s.GarbageCollectIfNeeded(ts(450), 0) {
		t.Fatal("GC should have freed enough")
	}
	checkStreamInvariants(t, s)

	if n := s.BufferedBytes(); n > 400 {
		t.Errorf("BufferedBytes = %d, want <= 400", n)
	}
	// The playback GOP and the last-appended GOP both survive.
	res := s.GetNextBuffer()
	if res.Status != StatusSuccess || !res.Frame.DTS.Equal(ts(400)) {
		t.Fatalf("res = %+v, want success at 400ms (playback GOP preserved)", res)
	}
	found := false
	s.mu.Lock()
	for _, r := range s.ranges {
		if r.containsTimestamp(ts(0)) {
			found = true
		}
	}
	s.mu.Unlock()
	if !found {
		t.Error("the last-appended GOP at 0ms must survive garbage collection")
	}
}

func TestStreamReadPendingCompletedByAppend(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)
	s.Seek(ts(0))

	var got []ReadResult
	s.Read(func(r ReadResult) { got = append(got, r) })
	if len(got) != 0 {
		t.Fatalf("read completed with %+v before any data existed", got)
	}

	s.OnNewCodedFrameGroup(ts(0))
	if err := s.Append(gop(0, 10, 3, 10)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if len(got) != 1 || got[0].Status != ReadOK || !got[0].Frame.DTS.Equal(ts(0)) {
		t.Fatalf("pending read results = %+v, want one ReadOK at 0ms", got)
	}
}

func TestStreamAbortReads(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)
	s.Seek(ts(0))

	var got []ReadResult
	s.Read(func(r ReadResult) { got = append(got, r) })
	s.AbortReads()

	if len(got) != 1 || got[0].Status != ReadAborted {
		t.Fatalf("results = %+v, want one ReadAborted", got)
	}
}

func TestStreamShutdownCompletesReadsWithEndOfStream(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)
	s.Seek(ts(0))

	var got []ReadResult
	s.Read(func(r ReadResult) { got = append(got, r) })
	s.Shutdown()

	if len(got) != 1 || got[0].Status != ReadEndOfStream {
		t.Fatalf("results = %+v, want one ReadEndOfStream", got)
	}
	if got[0].Frame == nil || !got[0].Frame.EndOfStream {
		t.Fatal("shutdown must deliver the end-of-stream sentinel frame")
	}

	if err := s.Append(gop(0, 10, 3, 10)); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Append after Shutdown = %v, want ErrShutdown", err)
	}
	s.Read(func(r ReadResult) { got = append(got, r) })
	if len(got) != 2 || got[1].Status != ReadEndOfStream {
		t.Fatalf("results = %+v, want an immediate ReadEndOfStream after shutdown", got)
	}
}

func TestStreamReadAbortedBySeek(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)
	s.Seek(ts(500))

	var got []ReadResult
	s.Read(func(r ReadResult) { got = append(got, r) })
	s.Seek(ts(0))

	if len(got) != 1 || got[0].Status != ReadAborted {
		t.Fatalf("results = %+v, want one ReadAborted from the re-seek", got)
	}
}

func TestStreamPendingSeekPastEndCompletedByEndOfStream(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)
	s.OnNewCodedFrameGroup(ts(0))
	if err := s.Append(gop(0, 10, 3, 10)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	s.Seek(ts(5000))
	if !s.IsSeekPending() {
		t.Fatal("seek past buffered data must be pending")
	}
	if res := s.GetNextBuffer(); res.Status != StatusNeedBuffer {
		t.Fatalf("status = %v, want need_buffer while the seek is pending", res.Status)
	}

	s.MarkEndOfStream()
	if res := s.GetNextBuffer(); res.Status != StatusEndOfStream {
		t.Fatalf("status = %v, want end_of_stream for a seek past all data", res.Status)
	}
}

func TestStreamSeekToStartJoinsLiveStream(t *testing.T) {
	t.Parallel()

	s := NewVideoStream(Config{Codec: "avc1"}, 1<<20, nil)

	// Nothing buffered: the seek parks until data arrives, wherever its
	// timestamps start.
	s.SeekToStart()
	if !s.IsSeekPending() {
		t.Fatal("SeekToStart on an empty stream must leave the seek pending")
	}

	// A live feed joining hours into its timeline.
	base := int64(3 * 60 * 60 * 1000)
	s.OnNewCodedFrameGroup(ts(base))
	if err := s.Append(gop(base, 10, 3, 10)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if s.IsSeekPending() {
		t.Fatal("the pending start seek must resolve on the first append")
	}
	res := s.GetNextBuffer()
	if res.Status != StatusSuccess || !res.Frame.DTS.Equal(ts(base)) {
		t.Fatalf("res = %+v, want success at the stream's first frame", res)
	}
}

type capturedStats struct {
	bufferedBytes int64
	ranges        int
	gcFreed       map[string]int64
	configChanges int
	seeks         int
}

func (c *capturedStats) RecordBufferState(bufferedBytes int64, ranges int) {
	c.bufferedBytes = bufferedBytes
	c.ranges = ranges
}

func (c *capturedStats) RecordGCFreed(phase string, bytes int64) {
	if c.gcFreed == nil {
		c.gcFreed = make(map[string]int64)
	}
	c.gcFreed[phase] += bytes
}

func (c *capturedStats) RecordConfigChange() { c.configChanges++ }

func (c *capturedStats) RecordSeekLatency(seconds float64) { c.seeks++ }

func TestStreamStatsRecorderObservesMutations(t *testing.T) {
	t.Parallel()

	stats := &capturedStats{}
	s := NewVideoStream(Config{Codec: "avc1"}, 450, nil)
	s.SetStats(stats)

	s.OnNewCodedFrameGroup(ts(0))
	var frames []*frame.Frame
	for i := int64(0); i < 6; i++ {
		frames = append(frames, vframe(i*100, 100, true, 100))
	}
	if err := s.Append(frames); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if stats.bufferedBytes != 600 || stats.ranges != 1 {
		t.Errorf("after append: %d bytes / %d ranges recorded, want 600/1", stats.bufferedBytes, stats.ranges)
	}

	s.Seek(ts(500))
	if stats.seeks != 1 {
		t.Errorf("seek latency observations = %d, want 1", stats.seeks)
	}

	// 150 bytes over limit: front GOPs are the only ones free to go.
	if !s.GarbageCollectIfNeeded(ts(500), 0) {
		t.Fatal("GC should free down to the limit")
	}
	if stats.gcFreed[GCPhaseFront] == 0 {
		t.Errorf("gcFreed = %v, want phase %q bytes recorded", stats.gcFreed, GCPhaseFront)
	}
	if stats.bufferedBytes != s.BufferedBytes() {
		t.Errorf("recorded %d bytes after GC, stream holds %d", stats.bufferedBytes, s.BufferedBytes())
	}

	if err := s.UpdateVideoConfig(Config{Codec: "avc1", Extra: []byte{1}}); err != nil {
		t.Fatalf("UpdateVideoConfig: %v", err)
	}
	s.OnNewCodedFrameGroup(ts(600))
	if err := s.Append([]*frame.Frame{vframe(600, 100, true, 100)}); err != nil {
		t.Fatalf("second Append: %v", err)
	}
	for {
		res := s.GetNextBuffer()
		if res.Status == StatusConfigChange {
			s.CompleteConfigChange()
			continue
		}
		if res.Status != StatusSuccess {
			break
		}
	}
	if stats.configChanges != 1 {
		t.Errorf("config changes recorded = %d, want 1", stats.configChanges)
	}
}
