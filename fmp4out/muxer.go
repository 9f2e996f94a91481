// Package fmp4out packages frames read back out of a sourcebuffer.Stream
// into fragmented MP4 (CMAF), the way a segmenter sitting downstream of
// the coded frame processing core would. It is grounded on tvarr's
// FMP4Muxer: one init segment per track written once enough codec
// parameters have been observed, followed by a stream of movie fragments
// built from buffered samples.
package fmp4out

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/zsiec/prismcore/demux"
	"github.com/zsiec/prismcore/frame"
	"github.com/zsiec/prismcore/sourcebuffer"
)

// fragmentDuration is how often Run packages buffered samples into a
// movie fragment and writes it out.
const fragmentDuration = 1 * time.Second

// seekableBuffer adapts a growable byte slice to the io.WriteSeeker mp4.Marshal
// requires, mirroring tvarr's fmp4_muxer.go helper of the same name since
// fmp4/mp4 boxes need to patch length fields after writing children.
type seekableBuffer struct {
	buf []byte
	pos int64
}

func (s *seekableBuffer) Write(p []byte) (int, error) {
	end := s.pos + int64(len(p))
	if end > int64(len(s.buf)) {
		s.buf = append(s.buf, make([]byte, end-int64(len(s.buf)))...)
	}
	n := copy(s.buf[s.pos:end], p)
	s.pos = end
	return n, nil
}

func (s *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		s.pos = offset
	case io.SeekCurrent:
		s.pos += offset
	case io.SeekEnd:
		s.pos = int64(len(s.buf)) + offset
	}
	return s.pos, nil
}

// VideoSource is the subset of sourcebuffer.Stream a Muxer reads video
// samples from.
type VideoSource interface {
	SeekToStart()
	GetNextBuffer() sourcebuffer.Result
	CompleteConfigChange()
	CurrentVideoConfig() sourcebuffer.Config
}

// AudioSource is the subset of sourcebuffer.Stream a Muxer reads audio
// samples from.
type AudioSource interface {
	SeekToStart()
	GetNextBuffer() sourcebuffer.Result
	CompleteConfigChange()
	CurrentAudioConfig() sourcebuffer.Config
}

type videoTrack struct {
	id        int
	source    VideoSource
	codec     string
	timeScale uint32

	sps, pps, vps []byte
	lastDTS       frame.Timestamp
	baseTime      uint64
	samples       []*fmp4.Sample
	done          bool
}

type audioTrack struct {
	id         int
	source     AudioSource
	trackIndex int
	sampleRate int
	channels   int

	lastDTS  frame.Timestamp
	baseTime uint64
	samples  []*fmp4.Sample
	done     bool
}

// Muxer reads buffered output from one video and zero or more audio
// sourcebuffer.Stream instances and writes an fMP4 init segment followed
// by a continuous stream of movie fragments to w.
type Muxer struct {
	log *slog.Logger
	w   io.Writer

	video  *videoTrack
	audios []*audioTrack

	initialized bool
	seqNum      uint32
}

// New creates a Muxer with no tracks attached; call AddVideoTrack and
// AddAudioTrack before Run.
func New(w io.Writer, log *slog.Logger) *Muxer {
	if log == nil {
		log = slog.Default()
	}
	return &Muxer{log: log.With("component", "fmp4out"), w: w, seqNum: 1}
}

// AddVideoTrack attaches a video Source. codec must be "h264" or "h265".
// The source is seeked to the start of its buffered data; with nothing
// buffered yet the seek stays pending until the first append resolves it.
func (m *Muxer) AddVideoTrack(source VideoSource, codec string) {
	source.SeekToStart()
	m.video = &videoTrack{id: 1, source: source, codec: codec, timeScale: 90000}
}

// AddAudioTrack attaches an audio Source at the given zero-based index
// (used to assign a stable fMP4 track ID).
func (m *Muxer) AddAudioTrack(source AudioSource, trackIndex int) {
	source.SeekToStart()
	t := &audioTrack{id: 2 + trackIndex, source: source, trackIndex: trackIndex, sampleRate: 48000, channels: 2}
	m.audios = append(m.audios, t)
}

// Run pulls frames from every attached track and writes fMP4 output until
// stop is closed or every track reaches end of stream.
func (m *Muxer) Run(stop <-chan struct{}) error {
	ticker := time.NewTicker(fragmentDuration)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return m.flush()
		case <-ticker.C:
			m.pollAll()
			if !m.initialized && m.canInitialize() {
				if err := m.writeInit(); err != nil {
					return err
				}
			}
			if m.initialized {
				if err := m.flush(); err != nil {
					return err
				}
			}
			if m.allDone() {
				return nil
			}
		}
	}
}

func (m *Muxer) allDone() bool {
	if m.video != nil && !m.video.done {
		return false
	}
	for _, a := range m.audios {
		if !a.done {
			return false
		}
	}
	return m.video != nil || len(m.audios) > 0
}

func (m *Muxer) pollAll() {
	if m.video != nil {
		m.pollVideo(m.video)
	}
	for _, a := range m.audios {
		m.pollAudio(a)
	}
}

func (m *Muxer) pollVideo(t *videoTrack) {
	for {
		res := t.source.GetNextBuffer()
		switch res.Status {
		case sourcebuffer.StatusSuccess:
			m.appendVideoSample(t, res.Frame)
		case sourcebuffer.StatusConfigChange:
			t.source.CompleteConfigChange()
			cfg := t.source.CurrentVideoConfig()
			m.log.Info("video config change observed", "codec", cfg.Codec)
			continue
		case sourcebuffer.StatusEndOfStream:
			t.done = true
			return
		case sourcebuffer.StatusNeedBuffer:
			return
		}
	}
}

func (m *Muxer) pollAudio(t *audioTrack) {
	for {
		res := t.source.GetNextBuffer()
		switch res.Status {
		case sourcebuffer.StatusSuccess:
			m.appendAudioSample(t, res.Frame)
		case sourcebuffer.StatusConfigChange:
			t.source.CompleteConfigChange()
			continue
		case sourcebuffer.StatusEndOfStream:
			t.done = true
			return
		case sourcebuffer.StatusNeedBuffer:
			return
		}
	}
}

func (m *Muxer) appendVideoSample(t *videoTrack, f *frame.Frame) {
	if f.EndOfStream || len(f.Payload) == 0 {
		return
	}
	if f.IsKeyframe {
		m.captureVideoParams(t, f.Payload)
	}

	dur := uint32(3000)
	if t.lastDTS.Valid() && f.DTS.After(t.lastDTS) {
		dur = uint32(f.DTS.Sub(t.lastDTS) * time.Duration(t.timeScale) / time.Second)
	}
	t.lastDTS = f.DTS

	var ptsOffset int32
	if f.PTS.Valid() && f.DTS.Valid() {
		ptsOffset = int32(f.PTS.Sub(f.DTS) * time.Duration(t.timeScale) / time.Second)
	}
	sample := &fmp4.Sample{
		Duration:        dur,
		PTSOffset:       ptsOffset,
		IsNonSyncSample: !f.IsKeyframe,
	}

	au := demux.ParseAnnexB(f.Payload)
	nalus := make([][]byte, 0, len(au))
	for _, n := range au {
		nalus = append(nalus, n.Data)
	}

	var err error
	if t.codec == "h265" {
		err = sample.FillH265(sample.PTSOffset, nalus)
	} else {
		err = sample.FillH264(sample.PTSOffset, nalus)
	}
	if err != nil {
		m.log.Warn("failed to fill video sample", "error", err)
		return
	}
	t.samples = append(t.samples, sample)
}

func (m *Muxer) captureVideoParams(t *videoTrack, payload []byte) {
	for _, nalu := range demux.ParseAnnexB(payload) {
		switch {
		case t.codec == "h265" && demux.IsHEVCVPS(nalu.Type):
			t.vps = append([]byte(nil), nalu.Data...)
		case t.codec == "h265" && demux.IsHEVCSPS(nalu.Type):
			t.sps = append([]byte(nil), nalu.Data...)
		case t.codec == "h265" && demux.IsHEVCPPS(nalu.Type):
			t.pps = append([]byte(nil), nalu.Data...)
		case t.codec != "h265" && demux.IsSPS(nalu.Type):
			t.sps = append([]byte(nil), nalu.Data...)
		case t.codec != "h265" && demux.IsPPS(nalu.Type):
			t.pps = append([]byte(nil), nalu.Data...)
		}
	}
}

func (m *Muxer) appendAudioSample(t *audioTrack, f *frame.Frame) {
	if f.EndOfStream || len(f.Payload) == 0 {
		return
	}

	raw := demux.StripADTS(f.Payload)

	dur := uint32(1024)
	if t.lastDTS.Valid() && f.DTS.After(t.lastDTS) && t.sampleRate > 0 {
		dur = uint32(f.DTS.Sub(t.lastDTS) * time.Duration(t.sampleRate) / time.Second)
	}
	t.lastDTS = f.DTS

	t.samples = append(t.samples, &fmp4.Sample{
		Duration: dur,
		Payload:  raw,
	})
}

func (m *Muxer) canInitialize() bool {
	if m.video == nil {
		return false
	}
	if m.video.codec == "h265" {
		return len(m.video.vps) > 0 && len(m.video.sps) > 0 && len(m.video.pps) > 0
	}
	return len(m.video.sps) > 0 && len(m.video.pps) > 0
}

func (m *Muxer) writeInit() error {
	init := &fmp4.Init{}

	videoCodec, err := m.videoCodec()
	if err != nil {
		return fmt.Errorf("fmp4out: %w", err)
	}
	init.Tracks = append(init.Tracks, &fmp4.InitTrack{ID: m.video.id, TimeScale: m.video.timeScale, Codec: videoCodec})

	for _, a := range m.audios {
		cfg := mpeg4audio.AudioSpecificConfig{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   a.sampleRate,
			ChannelCount: a.channels,
		}
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        a.id,
			TimeScale: uint32(a.sampleRate),
			Codec:     &mp4.CodecMPEG4Audio{Config: cfg},
		})
	}

	buf := &seekableBuffer{}
	if err := init.Marshal(buf); err != nil {
		return fmt.Errorf("fmp4out: marshal init: %w", err)
	}
	if _, err := m.w.Write(buf.buf); err != nil {
		return err
	}
	m.initialized = true
	m.log.Info("wrote init segment", "video_codec", m.video.codec, "audio_tracks", len(m.audios))
	return nil
}

func (m *Muxer) videoCodec() (mp4.Codec, error) {
	if m.video.codec == "h265" {
		return &mp4.CodecH265{VPS: m.video.vps, SPS: m.video.sps, PPS: m.video.pps}, nil
	}
	return &mp4.CodecH264{SPS: m.video.sps, PPS: m.video.pps}, nil
}

func (m *Muxer) flush() error {
	if !m.initialized {
		return nil
	}

	part := &fmp4.Part{SequenceNumber: m.seqNum}

	if len(m.video.samples) > 0 {
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{ID: m.video.id, BaseTime: m.video.baseTime, Samples: m.video.samples})
		for _, s := range m.video.samples {
			m.video.baseTime += uint64(s.Duration)
		}
		m.video.samples = nil
	}

	for _, a := range m.audios {
		if len(a.samples) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{ID: a.id, BaseTime: a.baseTime, Samples: a.samples})
		for _, s := range a.samples {
			a.baseTime += uint64(s.Duration)
		}
		a.samples = nil
	}

	if len(part.Tracks) == 0 {
		return nil
	}

	buf := &seekableBuffer{}
	if err := part.Marshal(buf); err != nil {
		return fmt.Errorf("fmp4out: marshal fragment: %w", err)
	}
	if _, err := m.w.Write(buf.buf); err != nil {
		return err
	}
	m.seqNum++
	return nil
}
