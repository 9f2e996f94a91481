package sourcebuffer

import "github.com/zsiec/prismcore/frame"

// ReadStatus is the outcome delivered to a Read callback.
type ReadStatus int

// Read outcomes.
const (
	ReadOK ReadStatus = iota
	ReadConfigChanged
	ReadAborted
	ReadEndOfStream
)

func (r ReadStatus) String() string {
	switch r {
	case ReadOK:
		return "ok"
	case ReadConfigChanged:
		return "config_changed"
	case ReadAborted:
		return "aborted"
	case ReadEndOfStream:
		return "end_of_stream"
	default:
		return "unknown"
	}
}

// ReadResult carries a completed read: a Frame on ReadOK, the end-of-stream
// sentinel frame on ReadEndOfStream, nil otherwise. After ReadConfigChanged
// the consumer must pick up the new config via CurrentAudioConfig /
// CurrentVideoConfig / CurrentTextConfig (and CompleteConfigChange) before
// the next Read.
type ReadResult struct {
	Status ReadStatus
	Frame  *frame.Frame
}

// ReadCB receives the result of a Read. It is invoked synchronously — from
// inside Read itself when a buffer is immediately available, otherwise from
// whichever later call (Append, MarkEndOfStream, Shutdown, SetEnabled)
// advances the stream far enough to satisfy it.
type ReadCB func(ReadResult)

// Read delivers the next buffer to cb without blocking: it
// attempts immediate completion, and otherwise parks cb until the state
// advances. At most one read may be pending per stream; issuing a second
// Read before the first completes is a caller bug and panics.
func (s *Stream) Read(cb ReadCB) {
	s.mu.Lock()
	if s.pendingRead != nil {
		s.mu.Unlock()
		panic("sourcebuffer: Read called while another read is pending")
	}
	res, ok := s.tryCompleteReadLocked()
	if !ok {
		s.pendingRead = cb
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	cb(res)
}

// AbortReads completes any pending read with ReadAborted.
func (s *Stream) AbortReads() {
	s.mu.Lock()
	cb := s.pendingRead
	s.pendingRead = nil
	s.mu.Unlock()
	if cb != nil {
		cb(ReadResult{Status: ReadAborted})
	}
}

// Shutdown terminates the stream: a pending read completes with the
// end-of-stream frame, every later Read completes the same way
// immediately, and all further state mutation is rejected.
func (s *Stream) Shutdown() {
	s.mu.Lock()
	s.isShutdown = true
	cb := s.pendingRead
	s.pendingRead = nil
	s.mu.Unlock()
	if cb != nil {
		cb(ReadResult{Status: ReadEndOfStream, Frame: frame.EndOfStreamFrame("")})
	}
}

// SetEnabled enables or disables the read side. While disabled, reads
// complete immediately with the end-of-stream frame instead of stalling on
// buffered data the consumer has deselected; re-enabling lets a pending
// read complete normally on the next state advance.
func (s *Stream) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.disabled = !enabled
	notify := s.takeSatisfiedReadLocked()
	s.mu.Unlock()
	notify()
}

// tryCompleteReadLocked maps the synchronous state machine onto the read
// API. The false return means "nothing deliverable yet" (StatusNeedBuffer).
func (s *Stream) tryCompleteReadLocked() (ReadResult, bool) {
	if s.isShutdown || s.disabled {
		return ReadResult{Status: ReadEndOfStream, Frame: frame.EndOfStreamFrame("")}, true
	}
	switch r := s.getNextBufferLocked(); r.Status {
	case StatusSuccess:
		return ReadResult{Status: ReadOK, Frame: r.Frame}, true
	case StatusConfigChange:
		return ReadResult{Status: ReadConfigChanged}, true
	case StatusEndOfStream:
		return ReadResult{Status: ReadEndOfStream, Frame: frame.EndOfStreamFrame("")}, true
	default:
		return ReadResult{}, false
	}
}

// takeSatisfiedReadLocked pops the pending read if the stream can now
// complete it, returning a closure the caller invokes after releasing the
// stream lock (the callback may immediately issue the next Read).
func (s *Stream) takeSatisfiedReadLocked() func() {
	if s.pendingRead == nil {
		return func() {}
	}
	res, ok := s.tryCompleteReadLocked()
	if !ok {
		return func() {}
	}
	cb := s.pendingRead
	s.pendingRead = nil
	return func() { cb(res) }
}
