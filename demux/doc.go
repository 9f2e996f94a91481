// Package demux implements MPEG-TS demuxing with H.264/H.265 video and
// AAC audio parsing, emitting *frame.Frame values directly so the coded
// frame processing core has a real producer to consume.
//
// The central type is [Demuxer], which reads from an [io.Reader] and
// produces parsed frames on a single channel obtained from Frames.
// Codec-specific parsing is provided by [ParseAnnexB], [ParseSPS],
// [ParseADTS], and their HEVC counterparts.
package demux
