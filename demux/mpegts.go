package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/ccx"

	"github.com/zsiec/prismcore/frame"
	"github.com/zsiec/prismcore/internal/mpegts"
)

const (
	streamTypeH264 = 0x1B
	streamTypeH265 = 0x24
	streamTypeAAC  = 0x0F

	// mpegTSClockHz is the 90kHz system clock MPEG-TS PTS/DTS values are
	// expressed against.
	mpegTSClockHz = 90000
)

// VideoTrackID is the fixed track id the demuxer uses for its one video
// elementary stream; the demuxer opens a single video PID per input.
const VideoTrackID frame.TrackID = "video"

// AudioTrackID returns the track id used for the i'th audio elementary
// stream discovered in the PMT.
func AudioTrackID(i int) frame.TrackID { return frame.TrackID(fmt.Sprintf("audio%d", i)) }

// TextTrackID returns the track id used for caption channel ch (CEA-608
// channels 1-4, CEA-708 services reported as 7-12 per ccx's convention).
func TextTrackID(ch int) frame.TrackID { return frame.TrackID(fmt.Sprintf("text%d", ch)) }

// AudioTrackInfo associates an MPEG-TS PID with its zero-based track index
// and decoder parameters, used to distinguish multiple audio programs
// within a single transport stream and to build the track's initial
// sourcebuffer.Config.
type AudioTrackInfo struct {
	PID        uint16
	TrackIndex int
	SampleRate int
	Channels   int
}

// StatsRecorder receives telemetry callbacks as the Demuxer parses frames;
// the metrics package's Collector implements it.
type StatsRecorder interface {
	RecordVideoFrame(bytes int, isKeyframe bool)
	RecordAudioFrame(track frame.TrackID, bytes int)
	RecordCaption(track frame.TrackID)
	RecordResolution(width, height int)
}

// Demuxer splits an MPEG-TS byte stream into a single ordered stream of
// *frame.Frame values spanning the video, audio, and text tracks it
// discovers, ready to be batched and handed to an
// ingestbuffer.Session.ProcessFrames call by the caller (see
// ingestbuffer.Feed). It supports both H.264 and H.265 video with multiple
// AAC audio tracks plus CEA-608/708 captions carried in video SEI NALUs.
//
// Every frame emitted has Dur set from the gap to the next frame on the
// same track (Estimated: true) — the demuxer does not know a frame's
// duration until it has seen the frame that follows it, so frames are
// held one-deep per track before being emitted. Frames still held when the
// stream ends are emitted as they are, with no inferred duration.
type Demuxer struct {
	log    *slog.Logger
	reader io.Reader
	out    chan *frame.Frame
	stats  StatsRecorder

	videoPID    uint16
	audioPIDs   map[uint16]int
	audioTracks []AudioTrackInfo
	pmtReady    chan struct{}
	pmtDone     bool
	isHEVC      bool

	sps, pps, vps []byte
	spsInfo       SPSInfo
	hevcSPSInfo   HEVCSPSInfo

	cea608Decs map[int]*ccx.CEA608Decoder
	cea708Svcs map[int]*ccx.CEA708Service
	dtvccBuf   []byte

	pendingVideo *frame.Frame
	pendingAudio map[frame.TrackID]*frame.Frame
	pendingText  map[frame.TrackID]*frame.Frame
}

// NewDemuxer creates a Demuxer that reads MPEG-TS packets from r. Call Run
// to begin demuxing and Frames to read parsed output. If log is nil,
// slog.Default() is used.
func NewDemuxer(r io.Reader, log *slog.Logger) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	return &Demuxer{
		log:          log.With("component", "demux"),
		reader:       r,
		out:          make(chan *frame.Frame, 256),
		audioPIDs:    make(map[uint16]int),
		pmtReady:     make(chan struct{}),
		pendingAudio: make(map[frame.TrackID]*frame.Frame),
		pendingText:  make(map[frame.TrackID]*frame.Frame),
		cea708Svcs: map[int]*ccx.CEA708Service{
			1: ccx.NewCEA708Service(), 2: ccx.NewCEA708Service(), 3: ccx.NewCEA708Service(),
			4: ccx.NewCEA708Service(), 5: ccx.NewCEA708Service(), 6: ccx.NewCEA708Service(),
		},
		cea608Decs: map[int]*ccx.CEA608Decoder{
			1: ccx.NewCEA608Decoder(), 2: ccx.NewCEA608Decoder(),
			3: ccx.NewCEA608Decoder(), 4: ccx.NewCEA608Decoder(),
		},
	}
}

// Frames returns the channel on which parsed frames are delivered, in
// roughly arrival order across tracks (not merged/sorted — ProcessFrames
// expects per-kind queues sorted by DTS, which ingestbuffer.Feed produces
// by batching this channel's output).
func (d *Demuxer) Frames() <-chan *frame.Frame { return d.out }

// PMTReady returns a channel that is closed once the first PMT has been
// parsed and all PID-to-track mappings are established.
func (d *Demuxer) PMTReady() <-chan struct{} { return d.pmtReady }

// VideoCodec returns "h264" or "h265" once PMTReady has closed.
func (d *Demuxer) VideoCodec() string {
	if d.isHEVC {
		return "h265"
	}
	return "h264"
}

// AudioTracks returns metadata for all discovered audio tracks.
func (d *Demuxer) AudioTracks() []AudioTrackInfo { return d.audioTracks }

// SetStats attaches a StatsRecorder invoked for every frame processed.
func (d *Demuxer) SetStats(s StatsRecorder) { d.stats = s }

// Run starts the demuxing loop, reading MPEG-TS packets from the
// underlying reader until EOF or context cancellation, closing Frames on
// return.
func (d *Demuxer) Run(ctx context.Context) error {
	defer d.flushPending(ctx)
	defer close(d.out)

	dmx := mpegts.NewDemuxer(ctx, d.reader)

	for {
		u, err := dmx.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			d.log.Debug("skipping corrupt packet", "error", err)
			continue
		}

		if u.PMT != nil {
			d.handlePMT(u.PMT)
			continue
		}
		if u.PES == nil {
			continue
		}

		if u.PID == d.videoPID {
			d.handleVideo(ctx, u.PES)
		} else if trackIdx, ok := d.audioPIDs[u.PID]; ok {
			d.handleAudio(ctx, u.PES, trackIdx)
		}
	}
}

func (d *Demuxer) handlePMT(pmt *mpegts.PMT) {
	audioIdx := len(d.audioTracks)
	for _, es := range pmt.Streams {
		switch es.Type {
		case streamTypeH264:
			if d.videoPID == 0 {
				d.videoPID = es.PID
				d.isHEVC = false
				d.log.Info("found video PID", "pid", es.PID, "codec", "h264")
			}
		case streamTypeH265:
			if d.videoPID == 0 {
				d.videoPID = es.PID
				d.isHEVC = true
				d.log.Info("found video PID", "pid", es.PID, "codec", "h265")
			}
		case streamTypeAAC:
			if _, exists := d.audioPIDs[es.PID]; !exists {
				d.audioPIDs[es.PID] = audioIdx
				d.audioTracks = append(d.audioTracks, AudioTrackInfo{PID: es.PID, TrackIndex: audioIdx})
				d.log.Info("found audio PID", "pid", es.PID, "trackIndex", audioIdx)
				audioIdx++
			}
		}
	}
	if !d.pmtDone {
		d.pmtDone = true
		close(d.pmtReady)
	}
}

// tsClockToDuration converts a 90kHz MPEG-TS clock base into a
// time.Duration.
func tsClockToDuration(base int64) time.Duration {
	return time.Duration(base) * time.Second / mpegTSClockHz
}

func (d *Demuxer) handleVideo(ctx context.Context, pes *mpegts.PES) {
	if len(pes.Data) == 0 {
		return
	}

	var pts, dts time.Duration
	if pes.HasPTS {
		pts = tsClockToDuration(pes.PTS)
	}
	if pes.HasDTS {
		dts = tsClockToDuration(pes.DTS)
	} else {
		dts = pts
	}

	if d.isHEVC {
		d.handleVideoHEVC(ctx, pes.Data, pts, dts)
	} else {
		d.handleVideoH264(ctx, pes.Data, pts, dts)
	}
}

func (d *Demuxer) handleVideoH264(ctx context.Context, data []byte, pts, dts time.Duration) {
	nalus := ParseAnnexB(data)
	if len(nalus) == 0 {
		return
	}

	isKeyframe := false
	var payload []byte
	for _, nalu := range nalus {
		if nalu.Type == NALTypeAUD || nalu.Type == NALTypeFillerData {
			continue
		}
		switch {
		case IsSPS(nalu.Type):
			d.sps = append([]byte(nil), nalu.Data...)
			isKeyframe = true
			if info, err := ParseSPS(nalu.Data); err == nil {
				d.spsInfo = info
				if d.stats != nil {
					d.stats.RecordResolution(info.Width, info.Height)
				}
			}
		case IsPPS(nalu.Type):
			d.pps = append([]byte(nil), nalu.Data...)
		case IsKeyframe(nalu.Type):
			isKeyframe = true
		case nalu.Type == NALTypeSEI:
			d.handleCaptionSEI(ctx, nalu.Data, pts)
		}
		payload = appendAnnexB(payload, nalu.Data)
	}

	d.emitVideo(ctx, isKeyframe, payload, "h264", pts, dts)
}

func (d *Demuxer) handleVideoHEVC(ctx context.Context, data []byte, pts, dts time.Duration) {
	nalus := ParseAnnexBHEVC(data)
	if len(nalus) == 0 {
		return
	}

	isKeyframe := false
	var payload []byte
	for _, nalu := range nalus {
		if nalu.Type == HEVCNALAUD || nalu.Type == HEVCNALFillerData {
			continue
		}
		switch {
		case IsHEVCVPS(nalu.Type):
			d.vps = append([]byte(nil), nalu.Data...)
		case IsHEVCSPS(nalu.Type):
			d.sps = append([]byte(nil), nalu.Data...)
			if info, err := ParseHEVCSPS(nalu.Data); err == nil {
				d.hevcSPSInfo = info
				if d.stats != nil {
					d.stats.RecordResolution(info.Width, info.Height)
				}
			}
		case IsHEVCPPS(nalu.Type):
			d.pps = append([]byte(nil), nalu.Data...)
		case IsHEVCKeyframe(nalu.Type):
			isKeyframe = true
		case nalu.Type == HEVCNALSEIPrefix:
			if len(nalu.Data) > 2 {
				d.handleCaptionSEI(ctx, nalu.Data, pts)
			}
		}
		payload = appendAnnexB(payload, nalu.Data)
	}

	d.emitVideo(ctx, isKeyframe, payload, "h265", pts, dts)
}

func appendAnnexB(dst []byte, nalu []byte) []byte {
	dst = append(dst, 0, 0, 0, 1)
	return append(dst, nalu...)
}

func (d *Demuxer) emitVideo(ctx context.Context, isKeyframe bool, payload []byte, codec string, pts, dts time.Duration) {
	f := &frame.Frame{
		DTS:        frame.NewTimestamp(dts),
		PTS:        frame.NewTimestamp(pts),
		Kind:       frame.Video,
		Track:      VideoTrackID,
		IsKeyframe: isKeyframe,
		Payload:    payload,
	}
	if d.stats != nil {
		d.stats.RecordVideoFrame(len(payload), isKeyframe)
	}
	d.emitSequenced(ctx, &d.pendingVideo, f)
}

func (d *Demuxer) handleCaptionSEI(ctx context.Context, seiData []byte, pts time.Duration) {
	cd := ccx.ExtractCaptions(seiData)
	if cd == nil {
		return
	}

	for _, pair := range cd.CC608Pairs {
		dec := d.cea608Decs[pair.Channel]
		if dec == nil {
			continue
		}
		text := dec.Decode(pair.Data[0], pair.Data[1])
		if text == "" {
			continue
		}
		d.emitText(ctx, pair.Channel, text, pts)
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			d.drainDTVCC(ctx, pts)
			d.dtvccBuf = d.dtvccBuf[:0]
		}
		d.dtvccBuf = append(d.dtvccBuf, t.Data[0], t.Data[1])
	}
}

func (d *Demuxer) drainDTVCC(ctx context.Context, pts time.Duration) {
	if len(d.dtvccBuf) < 1 {
		return
	}
	packetSize := ccx.DTVCCPacketSize(d.dtvccBuf[0])
	if len(d.dtvccBuf) < packetSize {
		return
	}
	for _, block := range ccx.ParseDTVCCPacket(d.dtvccBuf[:packetSize]) {
		svc := d.cea708Svcs[block.ServiceNum]
		if svc == nil {
			continue
		}
		if svc.ProcessBlock(block.Data) {
			if text := svc.DisplayText(); text != "" {
				d.emitText(ctx, block.ServiceNum+6, text, pts)
			}
		}
	}
	d.dtvccBuf = d.dtvccBuf[packetSize:]
}

func (d *Demuxer) emitText(ctx context.Context, channel int, text string, pts time.Duration) {
	track := TextTrackID(channel)
	f := &frame.Frame{
		DTS:        frame.NewTimestamp(pts),
		PTS:        frame.NewTimestamp(pts),
		Kind:       frame.Text,
		Track:      track,
		IsKeyframe: true,
		Payload:    []byte(text),
	}
	if d.stats != nil {
		d.stats.RecordCaption(track)
	}
	pending := d.pendingText[track]
	d.pendingText[track] = f
	if pending != nil {
		d.flushOne(ctx, pending, f.DTS)
	}
}

func (d *Demuxer) handleAudio(ctx context.Context, pes *mpegts.PES, trackIndex int) {
	if len(pes.Data) == 0 {
		return
	}

	var pts time.Duration
	if pes.HasPTS {
		pts = tsClockToDuration(pes.PTS)
	}

	aacFrames, err := ParseADTS(pes.Data)
	if err != nil {
		d.log.Warn("failed to parse ADTS", "error", err)
		return
	}

	track := AudioTrackID(trackIndex)
	for i, aac := range aacFrames {
		framePTS := pts
		if aac.SampleRate > 0 {
			framePTS += time.Duration(i) * 1024 * time.Second / time.Duration(aac.SampleRate)
		}
		d.audioTracks[trackIndex].SampleRate = aac.SampleRate
		d.audioTracks[trackIndex].Channels = aac.Channels

		f := &frame.Frame{
			DTS:        frame.NewTimestamp(framePTS),
			PTS:        frame.NewTimestamp(framePTS),
			Kind:       frame.Audio,
			Track:      track,
			IsKeyframe: true,
			Payload:    aac.Data,
		}
		if d.stats != nil {
			d.stats.RecordAudioFrame(track, len(aac.Data))
		}

		pending := d.pendingAudio[track]
		d.pendingAudio[track] = f
		if pending != nil {
			d.flushOne(ctx, pending, f.DTS)
		}
	}
}

// emitSequenced flushes *slot (if any) with its duration now known from
// next's DTS, then stores next as the new pending frame for its track.
func (d *Demuxer) emitSequenced(ctx context.Context, slot **frame.Frame, next *frame.Frame) {
	pending := *slot
	*slot = next
	if pending != nil {
		d.flushOne(ctx, pending, next.DTS)
	}
}

func (d *Demuxer) flushOne(ctx context.Context, f *frame.Frame, nextDTS frame.Timestamp) {
	if nextDTS.Valid() && nextDTS.After(f.DTS) {
		f.Dur = nextDTS.Sub(f.DTS)
	}
	f.Estimated = true
	select {
	case d.out <- f:
	case <-ctx.Done():
	}
}

// flushPending emits any frames still held back for duration inference
// once the stream ends. Their duration is left as it was when they were
// held; no estimate is made for them.
func (d *Demuxer) flushPending(ctx context.Context) {
	if d.pendingVideo != nil {
		d.out <- d.pendingVideo
	}
	for _, f := range d.pendingAudio {
		d.out <- f
	}
	for _, f := range d.pendingText {
		d.out <- f
	}
}
