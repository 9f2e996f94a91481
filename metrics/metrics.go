// Package metrics exposes Prometheus collectors for the ingest buffer:
// buffered bytes, garbage-collection activity per phase, range counts,
// and append/seek latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zsiec/prismcore/demux"
	"github.com/zsiec/prismcore/frame"
	"github.com/zsiec/prismcore/ingestbuffer"
	"github.com/zsiec/prismcore/sourcebuffer"
)

// Collector registers and updates the metrics for one ingest buffer
// instance. It implements demux.StatsRecorder so it can be attached
// directly to a demux.Demuxer.
type Collector struct {
	videoFrames   *prometheus.CounterVec
	audioFrames   *prometheus.CounterVec
	captionFrames *prometheus.CounterVec
	videoBytes    prometheus.Counter
	keyframes     prometheus.Counter
	resolution    *prometheus.GaugeVec

	bufferedBytes *prometheus.GaugeVec
	rangeCount    *prometheus.GaugeVec
	gcBytesFreed  *prometheus.CounterVec
	configChanges *prometheus.CounterVec
	appendLatency *prometheus.HistogramVec
	seekLatency   prometheus.Histogram
}

// NewCollector creates a Collector and registers its metrics with reg. If
// reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		videoFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prismcore",
			Subsystem: "demux",
			Name:      "video_frames_total",
			Help:      "Video frames parsed, by keyframe status.",
		}, []string{"keyframe"}),
		audioFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prismcore",
			Subsystem: "demux",
			Name:      "audio_frames_total",
			Help:      "Audio frames parsed, by track.",
		}, []string{"track"}),
		captionFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prismcore",
			Subsystem: "demux",
			Name:      "caption_frames_total",
			Help:      "Caption frames decoded, by track.",
		}, []string{"track"}),
		videoBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "prismcore",
			Subsystem: "demux",
			Name:      "video_bytes_total",
			Help:      "Total bytes of parsed video payload.",
		}),
		keyframes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "prismcore",
			Subsystem: "demux",
			Name:      "keyframes_total",
			Help:      "Keyframes parsed.",
		}),
		resolution: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "prismcore",
			Subsystem: "demux",
			Name:      "video_resolution_pixels",
			Help:      "Current video resolution, by dimension.",
		}, []string{"dimension"}),
		bufferedBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "prismcore",
			Subsystem: "sourcebuffer",
			Name:      "buffered_bytes",
			Help:      "Bytes currently buffered, by track.",
		}, []string{"track"}),
		rangeCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "prismcore",
			Subsystem: "sourcebuffer",
			Name:      "range_count",
			Help:      "Number of disjoint buffered ranges, by track.",
		}, []string{"track"}),
		gcBytesFreed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prismcore",
			Subsystem: "sourcebuffer",
			Name:      "gc_bytes_freed_total",
			Help:      "Bytes freed by garbage collection, by phase (a, b, c).",
		}, []string{"phase"}),
		configChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prismcore",
			Subsystem: "sourcebuffer",
			Name:      "config_changes_total",
			Help:      "Config change events surfaced to readers, by track.",
		}, []string{"track"}),
		appendLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "prismcore",
			Subsystem: "frameprocessor",
			Name:      "append_latency_seconds",
			Help:      "ProcessFrames call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"session"}),
		seekLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "prismcore",
			Subsystem: "sourcebuffer",
			Name:      "seek_latency_seconds",
			Help:      "Seek call latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// RecordVideoFrame implements demux.StatsRecorder.
func (c *Collector) RecordVideoFrame(bytes int, isKeyframe bool) {
	label := "false"
	if isKeyframe {
		label = "true"
		c.keyframes.Inc()
	}
	c.videoFrames.WithLabelValues(label).Inc()
	c.videoBytes.Add(float64(bytes))
}

// RecordAudioFrame implements demux.StatsRecorder.
func (c *Collector) RecordAudioFrame(track frame.TrackID, bytes int) {
	c.audioFrames.WithLabelValues(string(track)).Inc()
}

// RecordCaption implements demux.StatsRecorder.
func (c *Collector) RecordCaption(track frame.TrackID) {
	c.captionFrames.WithLabelValues(string(track)).Inc()
}

// RecordResolution implements demux.StatsRecorder.
func (c *Collector) RecordResolution(width, height int) {
	c.resolution.WithLabelValues("width").Set(float64(width))
	c.resolution.WithLabelValues("height").Set(float64(height))
}

// SetBufferedBytes records the current buffered byte count for track.
func (c *Collector) SetBufferedBytes(track frame.TrackID, bytes int64) {
	c.bufferedBytes.WithLabelValues(string(track)).Set(float64(bytes))
}

// SetRangeCount records the current number of disjoint ranges for track.
func (c *Collector) SetRangeCount(track frame.TrackID, count int) {
	c.rangeCount.WithLabelValues(string(track)).Set(float64(count))
}

// AddGCBytesFreed records bytes freed by one garbage collection phase
// (labelled by sourcebuffer's GCPhase constants).
func (c *Collector) AddGCBytesFreed(phase string, bytes int64) {
	c.gcBytesFreed.WithLabelValues(phase).Add(float64(bytes))
}

// IncConfigChange records one config-change event surfaced to a reader.
func (c *Collector) IncConfigChange(track frame.TrackID) {
	c.configChanges.WithLabelValues(string(track)).Inc()
}

// ObserveAppendLatency records one ProcessFrames call's duration in
// seconds for the given session.
func (c *Collector) ObserveAppendLatency(session string, seconds float64) {
	c.appendLatency.WithLabelValues(session).Observe(seconds)
}

// ObserveSeekLatency records one Seek call's duration in seconds.
func (c *Collector) ObserveSeekLatency(seconds float64) {
	c.seekLatency.Observe(seconds)
}

// TrackRecorder adapts the Collector to sourcebuffer.StatsRecorder for
// one track, so a Stream can report its buffered state, GC activity,
// config changes, and seek latency under that track's label. Attach via
// ingestbuffer.Feed.SetTrackStats.
type TrackRecorder struct {
	c     *Collector
	track frame.TrackID
}

// TrackRecorder builds the per-track sourcebuffer.StatsRecorder view of
// this Collector.
func (c *Collector) TrackRecorder(track frame.TrackID) *TrackRecorder {
	return &TrackRecorder{c: c, track: track}
}

// RecordBufferState implements sourcebuffer.StatsRecorder.
func (t *TrackRecorder) RecordBufferState(bufferedBytes int64, ranges int) {
	t.c.SetBufferedBytes(t.track, bufferedBytes)
	t.c.SetRangeCount(t.track, ranges)
}

// RecordGCFreed implements sourcebuffer.StatsRecorder.
func (t *TrackRecorder) RecordGCFreed(phase string, bytes int64) {
	t.c.AddGCBytesFreed(phase, bytes)
}

// RecordConfigChange implements sourcebuffer.StatsRecorder.
func (t *TrackRecorder) RecordConfigChange() {
	t.c.IncConfigChange(t.track)
}

// RecordSeekLatency implements sourcebuffer.StatsRecorder.
func (t *TrackRecorder) RecordSeekLatency(seconds float64) {
	t.c.ObserveSeekLatency(seconds)
}

var (
	_ demux.StatsRecorder                = (*Collector)(nil)
	_ sourcebuffer.StatsRecorder         = (*TrackRecorder)(nil)
	_ ingestbuffer.AppendLatencyObserver = (*Collector)(nil)
)
