package sourcebuffer

import "errors"

// Append and UpdateAudioConfig/UpdateVideoConfig surface these through the
// returned error. A
// parse error is fatal to the append, not to the session — see
// frameprocessor.Processor.Reset for the session-level recovery path.
var (
	// ErrParse covers every Append rejection: a DTS earlier than the last
	// appended one, two keyframes sharing a DTS, and a stream or coded frame
	// group whose first frame is not a keyframe.
	ErrParse = errors.New("sourcebuffer: parse error")

	// ErrConfigRejected is returned by UpdateAudioConfig/UpdateVideoConfig
	// when the codec or encryption state differs from the existing config.
	ErrConfigRejected = errors.New("sourcebuffer: config change rejected (codec or encryption mismatch)")

	// ErrShutdown is returned by Append once Shutdown has been called; all
	// further state mutation is rejected and reads complete with an
	// end-of-stream frame.
	ErrShutdown = errors.New("sourcebuffer: stream is shut down")
)
