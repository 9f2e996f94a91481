// Package ingestbuffer ties one frameprocessor.Processor and one
// sourcebuffer.Stream per track into a Session: the unit that owns all
// tracks of one ingested stream, serializes appends against the
// Processor's single-writer assumption, and aggregates per-track state
// (highest presentation timestamp, liveness) the way the coded frame
// processing algorithm's session layer is expected to.
package ingestbuffer

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/prismcore/frame"
	"github.com/zsiec/prismcore/frameprocessor"
	"github.com/zsiec/prismcore/sourcebuffer"
)

// Liveness is the parser-reported three-valued liveness, surfaced
// verbatim.
type Liveness int

const (
	LivenessUnknown Liveness = iota
	LivenessLive
	LivenessRecorded
)

func (l Liveness) String() string {
	switch l {
	case LivenessLive:
		return "live"
	case LivenessRecorded:
		return "recorded"
	default:
		return "unknown"
	}
}

// AppendLatencyObserver receives the duration of each ProcessFrames call,
// keyed by session id. The metrics package's Collector implements it.
type AppendLatencyObserver interface {
	ObserveAppendLatency(session string, seconds float64)
}

// Track couples one track's Source Buffer Stream with the identifying
// metadata a session needs to route appends and reads to it.
type Track struct {
	ID     frame.TrackID
	Kind   frame.Kind
	Stream *sourcebuffer.Stream
}

// Session owns every track of one ingested stream: a single
// frameprocessor.Processor (shared group-start/end bookkeeping across all
// of the stream's tracks) and one sourcebuffer.Stream per track. A mutex
// serializes ProcessFrames calls, since Processor itself assumes a single
// caller — the same single-coarse-lock shape sourcebuffer.Stream uses,
// just scoped to a whole session instead of one track.
type Session struct {
	ID string

	log *slog.Logger

	mu     sync.Mutex
	proc   *frameprocessor.Processor
	tracks map[frame.TrackID]*Track
	stats  AppendLatencyObserver

	liveness  atomic.Int32
	createdAt time.Time
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a Session with a fresh random id. log may be nil, in
// which case slog.Default is used.
func NewSession(log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		ID:        id,
		log:       log.With("component", "ingestbuffer", "session", id),
		proc:      frameprocessor.New(log),
		tracks:    make(map[frame.TrackID]*Track),
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// AddTrack registers a new track under the session, creating its Source
// Buffer Stream and wiring it into the shared Processor.
func (s *Session) AddTrack(id frame.TrackID, kind frame.Kind, cfg sourcebuffer.Config, memoryLimit int64) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stream *sourcebuffer.Stream
	switch kind {
	case frame.Audio:
		stream = sourcebuffer.NewAudioStream(cfg, memoryLimit, s.log)
	case frame.Text:
		stream = sourcebuffer.NewTextStream(cfg, memoryLimit, s.log)
	default:
		stream = sourcebuffer.NewVideoStream(cfg, memoryLimit, s.log)
	}

	t := &Track{ID: id, Kind: kind, Stream: stream}
	s.tracks[id] = t
	s.proc.AddTrack(id, stream)
	s.log.Info("track added", "track", id, "kind", kind)
	return t
}

// Track returns the Track registered for id, or false if none.
func (s *Session) Track(id frame.TrackID) (*Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracks[id]
	return t, ok
}

// Tracks returns every registered track, in no particular order.
func (s *Session) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

// SetSequenceMode forwards to the underlying Processor under the session
// lock, since it must not be invoked mid-append.
func (s *Session) SetSequenceMode(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proc.SetSequenceMode(enabled)
}

// SetStats attaches an observer for ProcessFrames latency. Pass nil to
// detach.
func (s *Session) SetStats(obs AppendLatencyObserver) {
	s.mu.Lock()
	s.stats = obs
	s.mu.Unlock()
}

// ProcessFrames runs one append through the session's Processor, holding
// the session lock for the duration — this is the serialization point
// that lets Processor itself stay lock-free.
func (s *Session) ProcessFrames(
	audio, video []*frame.Frame,
	text map[frame.TrackID][]*frame.Frame,
	windowStart, windowEnd frame.Timestamp,
	timestampOffset *time.Duration,
) error {
	start := time.Now()
	s.mu.Lock()
	err := s.proc.ProcessFrames(audio, video, text, windowStart, windowEnd, timestampOffset)
	obs := s.stats
	s.mu.Unlock()

	if obs != nil {
		obs.ObserveAppendLatency(s.ID, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("ingestbuffer: session %s: %w", s.ID, err)
	}
	return nil
}

// HighestPresentationTimestamp aggregates the max per-track HPT across the
// whole session.
func (s *Session) HighestPresentationTimestamp() frame.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc.HighestPresentationTimestamp()
}

// SetLiveness records the parser-reported liveness verbatim.
func (s *Session) SetLiveness(l Liveness) {
	s.liveness.Store(int32(l))
}

// Liveness returns the most recently reported liveness.
func (s *Session) Liveness() Liveness {
	return Liveness(s.liveness.Load())
}

// Reset discards partial segment state across every track's Processor
// bookkeeping — the session-layer recovery step after a parse error.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proc.Reset()
}

// Close signals Done and marks the session finished. Safe to call more
// than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.log.Info("session closed")
	})
}

// Done returns a channel closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}
