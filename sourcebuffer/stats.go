package sourcebuffer

// GC phase labels passed to StatsRecorder.RecordGCFreed.
const (
	GCPhaseForward = "a" // forward of the last-appended GOP
	GCPhaseFront   = "b" // from the front of the range list
	GCPhaseBack    = "c" // from the back of the range list
)

// StatsRecorder receives buffer-level telemetry from a Stream: the
// buffered byte/range totals after each mutation, bytes freed per
// garbage-collection phase, acknowledged config changes, and seek call
// latency. Calls may arrive with the stream lock held; implementations
// must not call back into the Stream. The metrics package's
// Collector.TrackRecorder builds one per track.
type StatsRecorder interface {
	RecordBufferState(bufferedBytes int64, ranges int)
	RecordGCFreed(phase string, bytes int64)
	RecordConfigChange()
	RecordSeekLatency(seconds float64)
}

// SetStats attaches a StatsRecorder. Pass nil to detach.
func (s *Stream) SetStats(r StatsRecorder) {
	s.mu.Lock()
	s.stats = r
	s.mu.Unlock()
}

func (s *Stream) recordBufferStateLocked() {
	if s.stats != nil {
		s.stats.RecordBufferState(s.totalBytes(), len(s.ranges))
	}
}

func (s *Stream) recordGCFreedLocked(phase string, bytes int64) {
	if s.stats != nil && bytes > 0 {
		s.stats.RecordGCFreed(phase, bytes)
	}
}
