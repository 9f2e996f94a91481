package frameprocessor

import "errors"

// ErrParse covers every per-frame rejection case from the Frame Processor's
// inner loop: missing timestamps, negative duration, a frame naming an
// unknown track (also wrapping ErrUnknownTrack), negative DTS after offset
// and trimming. It is fatal to the current append, not to the
// Processor itself — callers recover with Reset.
var ErrParse = errors.New("frameprocessor: parse error")

// ErrUnknownTrack is returned when a frame or a track rename names a track
// id the Processor has no MseTrackBuffer for.
var ErrUnknownTrack = errors.New("frameprocessor: unknown track")
