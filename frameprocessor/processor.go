// Package frameprocessor implements the MSE coded frame processing
// algorithm's Frame Processor: the per-append step that turns parser
// output into frames committed to a Source Buffer Stream, handling
// sequence/segments timestamp-offset bookkeeping, discontinuity
// detection, append-window filtering and trimming, and random-access-point
// gating.
package frameprocessor

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/zsiec/prismcore/frame"
	"github.com/zsiec/prismcore/sourcebuffer"
)

// AudioConfig is the subset of an audio decoder config the Frame Processor
// needs for preroll abutment testing: the per-sample duration recomputed
// whenever the sample rate changes.
type AudioConfig struct {
	Codec      string
	Encrypted  bool
	SampleRate int
}

// Processor is the Frame Processor of the coded frame processing
// algorithm. One Processor owns the MseTrackBuffer for every track of one
// ingested stream; it borrows each track's Source Buffer Stream but is
// never referenced back by it. Processor is not safe for concurrent use —
// callers serialize appends themselves (the ingestbuffer package's
// per-session lock does this), matching the single-writer assumption the
// rest of this module carries throughout.
type Processor struct {
	log *slog.Logger

	sequenceMode  bool
	groupStartDTS frame.Timestamp
	groupEndDTS   frame.Timestamp

	tracks         map[frame.TrackID]*TrackBuffer
	groupSignalled map[frame.TrackID]bool

	audioConfig    AudioConfig
	sampleDuration time.Duration
	audioPreroll   *frame.Frame

	durationCallback func(frame.Timestamp)
}

// New constructs an empty Processor in segments mode. log may be nil, in
// which case slog.Default is used.
func New(log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		log:            log.With("component", "frameprocessor"),
		groupStartDTS:  frame.NoTimestamp,
		groupEndDTS:    frame.NoTimestamp,
		tracks:         make(map[frame.TrackID]*TrackBuffer),
		groupSignalled: make(map[frame.TrackID]bool),
	}
}

// SetSequenceMode switches between segments mode (the default) and
// sequence mode. Must not be called mid-append. Switching from segments to
// sequence carries the running group_end_DTS forward as the next group's
// start.
func (p *Processor) SetSequenceMode(enabled bool) {
	if !p.sequenceMode && enabled {
		p.groupStartDTS = p.groupEndDTS
	}
	p.sequenceMode = enabled
}

// SequenceMode reports whether the Processor is in sequence mode.
func (p *Processor) SequenceMode() bool { return p.sequenceMode }

// SetGroupStartTimestampIfInSequenceMode records t as the next group's
// start DTS, but only while in sequence mode; it is a no-op in segments
// mode. Also invalidates any pending audio-preroll candidate, since a
// caller-supplied group start supersedes whatever window the candidate was
// captured against.
func (p *Processor) SetGroupStartTimestampIfInSequenceMode(t frame.Timestamp) {
	if !p.sequenceMode {
		return
	}
	p.groupStartDTS = t
	p.audioPreroll = nil
}

// AddTrack registers id as a track feeding stream. Re-adding an existing
// id replaces its TrackBuffer (and its accumulated state) outright.
func (p *Processor) AddTrack(id frame.TrackID, stream *sourcebuffer.Stream) {
	p.tracks[id] = newTrackBuffer(id, stream)
}

// UpdateTrack renames oldID to newID, preserving its accumulated state and
// group-signalled bookkeeping.
func (p *Processor) UpdateTrack(oldID, newID frame.TrackID) error {
	tb, ok := p.tracks[oldID]
	if !ok {
		return fmt.Errorf("frameprocessor: update_track: %w: %s", ErrUnknownTrack, oldID)
	}
	tb.id = newID
	delete(p.tracks, oldID)
	p.tracks[newID] = tb
	if signalled, ok := p.groupSignalled[oldID]; ok {
		delete(p.groupSignalled, oldID)
		p.groupSignalled[newID] = signalled
	}
	return nil
}

// Track returns the TrackBuffer registered for id, or nil if none.
func (p *Processor) Track(id frame.TrackID) *TrackBuffer {
	return p.tracks[id]
}

// AllTracksNeedRandomAccessPoint marks every registered track as requiring
// a keyframe before its next frame is accepted.
func (p *Processor) AllTracksNeedRandomAccessPoint() {
	for _, tb := range p.tracks {
		tb.needsRandomAccessPoint = true
	}
}

// Reset clears group-start/end bookkeeping, the audio-preroll candidate,
// group-signalled state, and every track's append-side state, without
// forgetting track registration. Callers use this to discard partial
// segment state after a parse error without having to re-register every
// track.
func (p *Processor) Reset() {
	p.groupStartDTS = frame.NoTimestamp
	p.groupEndDTS = frame.NoTimestamp
	p.audioPreroll = nil
	for id := range p.groupSignalled {
		delete(p.groupSignalled, id)
	}
	for _, tb := range p.tracks {
		tb.reset()
	}
}

// SetDurationCallback registers the function invoked once per ProcessFrames
// call that accepted at least one frame, with the running group_end_DTS.
func (p *Processor) SetDurationCallback(cb func(frame.Timestamp)) {
	p.durationCallback = cb
}

// OnPossibleAudioConfigUpdate updates the Processor's audio config and
// recomputes its per-sample duration when cfg differs from the current
// one, invalidating any pending preroll candidate (its abutment test was
// computed against the old sample duration).
func (p *Processor) OnPossibleAudioConfigUpdate(cfg AudioConfig) {
	if cfg == p.audioConfig {
		return
	}
	p.audioConfig = cfg
	if cfg.SampleRate > 0 {
		p.sampleDuration = time.Second / time.Duration(cfg.SampleRate)
	}
	p.audioPreroll = nil
}

// HighestPresentationTimestamp returns the highest per-track HPT across
// every registered track, or the invalid Timestamp if nothing has been
// accepted on any track yet.
func (p *Processor) HighestPresentationTimestamp() frame.Timestamp {
	var highest frame.Timestamp
	for _, tb := range p.tracks {
		hpt := tb.highestPresentationTimestamp
		if hpt.Valid() && (!highest.Valid() || hpt.After(highest)) {
			highest = hpt
		}
	}
	return highest
}

// ProcessFrames runs the per-append algorithm over audio and video frames
// merged by ascending DTS (ties broken audio-first), followed by each text
// track's queue in track-id order. timestampOffset is updated in place
// whenever a coded frame group start commits a new offset, matching the
// in/out parameter the algorithm specifies.
func (p *Processor) ProcessFrames(
	audio, video []*frame.Frame,
	text map[frame.TrackID][]*frame.Frame,
	windowStart, windowEnd frame.Timestamp,
	timestampOffset *time.Duration,
) error {
	accepted := false

	for _, f := range mergeAudioVideo(audio, video) {
		ok, err := p.processOne(f, windowStart, windowEnd, timestampOffset)
		if err != nil {
			return err
		}
		accepted = accepted || ok
	}

	textIDs := make([]frame.TrackID, 0, len(text))
	for id := range text {
		textIDs = append(textIDs, id)
	}
	sort.Slice(textIDs, func(i, j int) bool { return textIDs[i] < textIDs[j] })
	for _, id := range textIDs {
		for _, f := range text[id] {
			ok, err := p.processOne(f, windowStart, windowEnd, timestampOffset)
			if err != nil {
				return err
			}
			accepted = accepted || ok
		}
	}

	if accepted && p.durationCallback != nil {
		p.durationCallback(p.groupEndDTS)
	}
	return nil
}

// mergeAudioVideo merges two DTS-ordered queues into one, breaking ties
// so that an audio frame at the same DTS as a video frame sorts first.
func mergeAudioVideo(audio, video []*frame.Frame) []*frame.Frame {
	merged := make([]*frame.Frame, 0, len(audio)+len(video))
	i, j := 0, 0
	for i < len(audio) && j < len(video) {
		if !audio[i].DTS.After(video[j].DTS) {
			merged = append(merged, audio[i])
			i++
		} else {
			merged = append(merged, video[j])
			j++
		}
	}
	merged = append(merged, audio[i:]...)
	merged = append(merged, video[j:]...)
	return merged
}

// processOne runs the inner loop (steps 1-13) for a single frame F,
// restarting at step 2 whenever a discontinuity is detected. It reports
// whether F was ultimately accepted onto its Stream.
func (p *Processor) processOne(f *frame.Frame, windowStart, windowEnd frame.Timestamp, timestampOffset *time.Duration) (bool, error) {
	// Step 1.
	if !f.DTS.Valid() || !f.PTS.Valid() || f.Dur < 0 {
		return false, fmt.Errorf("frameprocessor: %w: track %s: missing timestamp or negative duration", ErrParse, f.Track)
	}
	tb, ok := p.tracks[f.Track]
	if !ok {
		return false, fmt.Errorf("frameprocessor: %w: %w: %s", ErrParse, ErrUnknownTrack, f.Track)
	}

	for {
		// Step 2.
		if p.sequenceMode && p.groupStartDTS.Valid() {
			*timestampOffset = p.groupStartDTS.Sub(f.PTS)
			p.groupEndDTS = p.groupStartDTS
			p.AllTracksNeedRandomAccessPoint()
			p.groupStartDTS = frame.NoTimestamp
		}

		// Step 3: apply the offset locally; committed only on acceptance.
		dts, pts := f.DTS, f.PTS
		if *timestampOffset != 0 {
			dts = dts.Add(*timestampOffset)
			pts = pts.Add(*timestampOffset)
		}

		// Step 4 already done above (tb resolved).

		// Step 5: discontinuity test.
		if tb.lastDecodeTimestamp.Valid() {
			gap := dts.Sub(tb.lastDecodeTimestamp)
			if dts.Before(tb.lastDecodeTimestamp) || gap > 2*tb.lastFrameDuration {
				if p.sequenceMode {
					p.groupStartDTS = p.groupEndDTS
				} else {
					p.groupEndDTS = pts
					for id := range p.groupSignalled {
						delete(p.groupSignalled, id)
					}
				}
				for _, t := range p.tracks {
					t.reset()
				}
				continue
			}
		}

		// Step 6.
		frameEndPTS := pts.Add(f.Dur)
		work := f
		committedDur := f.Dur

		// Step 7: partial append-window trimming, audio tracks only — a
		// video sample is never partially usable the way an audio frame's
		// tail samples are. An unset window start means "no window", so
		// there is nothing to trim or drop against.
		if f.Kind == frame.Audio && windowStart.Valid() {
			switch {
			case frameEndPTS.After(windowStart) && pts.Before(windowStart) && f.IsKeyframe:
				offsetApplied := f
				if *timestampOffset != 0 {
					offsetApplied = f.WithTimestampOffset(*timestampOffset)
				}
				trimmed := offsetApplied.WithWindowTrim(windowStart, frameEndPTS.Sub(windowStart))
				if p.audioPreroll != nil && !p.audioPreroll.EndPTS().Before(windowStart.Add(-p.sampleDuration)) {
					trimmed = trimmed.WithPreroll(p.audioPreroll)
				}
				p.audioPreroll = nil
				work = trimmed
				pts, dts = work.PTS, work.DTS
				committedDur = work.Dur
				frameEndPTS = pts.Add(committedDur)
			case !frameEndPTS.After(windowStart):
				candidate := f
				if *timestampOffset != 0 {
					candidate = f.WithTimestampOffset(*timestampOffset)
				}
				p.audioPreroll = candidate
				return false, nil
			}
		}

		// Step 8: append-window filter.
		if pts.Before(windowStart) || frameEndPTS.After(windowEnd) {
			tb.needsRandomAccessPoint = true
			if !p.sequenceMode {
				delete(p.groupSignalled, f.Track)
			}
			return false, nil
		}

		// Step 9.
		if dts.Duration() < 0 {
			return false, fmt.Errorf("frameprocessor: %w: track %s: negative DTS after offset", ErrParse, f.Track)
		}
		if dts.After(pts) {
			// Tolerated, not rejected.
			p.log.Warn("DTS ahead of PTS after offset and trimming", "track", f.Track, "dts", dts, "pts", pts)
		}

		// Step 10.
		if tb.needsRandomAccessPoint {
			if !f.IsKeyframe {
				return false, nil
			}
			tb.needsRandomAccessPoint = false
		}

		// Step 11.
		if work == f && *timestampOffset != 0 {
			work = f.WithTimestampOffset(*timestampOffset)
			pts, dts = work.PTS, work.DTS
		}
		if !p.groupSignalled[f.Track] {
			tb.stream.OnNewCodedFrameGroup(dts)
			p.groupSignalled[f.Track] = true
		}
		if err := tb.stream.Append([]*frame.Frame{work}); err != nil {
			return false, fmt.Errorf("frameprocessor: append track %s: %w", f.Track, err)
		}

		// Step 12.
		tb.lastDecodeTimestamp = dts
		tb.lastFrameDuration = committedDur
		if !tb.highestPresentationTimestamp.Valid() || frameEndPTS.After(tb.highestPresentationTimestamp) {
			tb.highestPresentationTimestamp = frameEndPTS
		}

		// Step 13.
		if !p.groupEndDTS.Valid() || frameEndPTS.After(p.groupEndDTS) {
			p.groupEndDTS = frameEndPTS
		}

		return true, nil
	}
}
