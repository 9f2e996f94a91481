package ingestbuffer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/prismcore/demux"
	"github.com/zsiec/prismcore/frame"
	"github.com/zsiec/prismcore/sourcebuffer"
)

// DefaultMemoryLimit is the per-track Source Buffer Stream memory limit a
// Feed applies when the caller does not override it.
const DefaultMemoryLimit = 32 * 1024 * 1024

// defaultFlushInterval bounds how long a Feed holds frames before calling
// ProcessFrames even if defaultFlushBatchSize hasn't been reached, so buffered
// media keeps flowing on a low-bitrate or bursty ingest.
const defaultFlushInterval = 200 * time.Millisecond

// defaultFlushBatchSize caps how many frames, of all kinds together,
// accumulate between ProcessFrames calls.
const defaultFlushBatchSize = 64

// Feed drives one Demuxer's output into one Session: a demux goroutine
// and a forwarding goroutine running under a single errgroup.Group so
// either side's failure tears down the other, plus a PMT-driven track
// registration step before any frames are forwarded.
type Feed struct {
	log           *slog.Logger
	session       *Session
	demuxer       *demux.Demuxer
	memoryLimit   int64
	flushInterval time.Duration
	batchSize     int

	windowStart, windowEnd frame.Timestamp
	timestampOffset        time.Duration

	trackStats func(frame.TrackID) sourcebuffer.StatsRecorder
}

// NewFeed creates a Feed that registers tracks on session from demuxer's
// discovered PMT and forwards every subsequently parsed frame into it. log
// may be nil, in which case slog.Default is used.
func NewFeed(session *Session, demuxer *demux.Demuxer, log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{
		log:           log.With("component", "ingestbuffer-feed", "session", session.ID),
		session:       session,
		demuxer:       demuxer,
		memoryLimit:   DefaultMemoryLimit,
		flushInterval: defaultFlushInterval,
		batchSize:     defaultFlushBatchSize,
		windowStart:   frame.NewTimestamp(0),
		windowEnd:     frame.NewTimestamp(frame.InfiniteDuration),
	}
}

// Demuxer returns the demux.Demuxer this Feed drains, so a caller can
// attach a demux.StatsRecorder or inspect discovered track info before or
// while Run is in progress.
func (f *Feed) Demuxer() *demux.Demuxer { return f.demuxer }

// SetMemoryLimit overrides the per-track Source Buffer Stream memory limit
// applied to tracks registered after the call.
func (f *Feed) SetMemoryLimit(bytes int64) { f.memoryLimit = bytes }

// SetAppendWindow overrides the append window passed to every
// ProcessFrames call.
func (f *Feed) SetAppendWindow(start, end frame.Timestamp) {
	f.windowStart, f.windowEnd = start, end
}

// SetTrackStats registers a factory invoked once per registered track to
// build the StatsRecorder attached to that track's Source Buffer Stream
// (see metrics.Collector.TrackRecorder). Must be called before Run.
func (f *Feed) SetTrackStats(fn func(frame.TrackID) sourcebuffer.StatsRecorder) {
	f.trackStats = fn
}

// addTrack registers a track on the session and attaches its stream stats
// recorder, if a factory has been set.
func (f *Feed) addTrack(id frame.TrackID, kind frame.Kind, cfg sourcebuffer.Config) *Track {
	t := f.session.AddTrack(id, kind, cfg, f.memoryLimit)
	if f.trackStats != nil {
		t.Stream.SetStats(f.trackStats(id))
	}
	return t
}

// Run starts the demuxer and the forwarding loop, blocking until ctx is
// cancelled, the demuxer finishes, or either goroutine returns an error.
func (f *Feed) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := f.demuxer.Run(ctx)
		f.log.Info("demux goroutine exited", "error", err)
		return err
	})

	g.Go(func() error {
		return f.forward(ctx)
	})

	return g.Wait()
}

// forward waits for the PMT, registers the video and audio tracks it
// describes, then drains the demuxer's frame channel into batched
// ProcessFrames calls. Text tracks (captions) are registered lazily on
// first appearance, since the PMT carries no caption-channel inventory.
func (f *Feed) forward(ctx context.Context) error {
	select {
	case <-f.demuxer.PMTReady():
	case <-ctx.Done():
		return ctx.Err()
	}

	f.addTrack(demux.VideoTrackID, frame.Video, sourcebuffer.Config{Codec: f.demuxer.VideoCodec()})
	for _, at := range f.demuxer.AudioTracks() {
		id := demux.AudioTrackID(at.TrackIndex)
		f.addTrack(id, frame.Audio, sourcebuffer.Config{Codec: "aac", SampleRate: at.SampleRate})
	}

	frames := f.demuxer.Frames()
	ticker := time.NewTicker(f.flushInterval)
	defer ticker.Stop()

	var video []*frame.Frame
	var audio []*frame.Frame
	text := make(map[frame.TrackID][]*frame.Frame)
	pending := 0

	flush := func() error {
		if pending == 0 {
			return nil
		}
		for id := range text {
			if _, ok := f.session.Track(id); !ok {
				f.addTrack(id, frame.Text, sourcebuffer.Config{Codec: "cea608"})
			}
		}
		if err := f.session.ProcessFrames(audio, video, text, f.windowStart, f.windowEnd, &f.timestampOffset); err != nil {
			return fmt.Errorf("ingestbuffer: feed: %w", err)
		}
		video = nil
		audio = nil
		text = make(map[frame.TrackID][]*frame.Frame)
		pending = 0
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}

		case fr, ok := <-frames:
			if !ok {
				return flush()
			}
			switch fr.Kind {
			case frame.Video:
				video = append(video, fr)
			case frame.Audio:
				audio = append(audio, fr)
			case frame.Text:
				text[fr.Track] = append(text[fr.Track], fr)
			}
			pending++
			if pending >= f.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}
