package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/prismcore/certs"
	"github.com/zsiec/prismcore/demux"
	"github.com/zsiec/prismcore/distribution"
	"github.com/zsiec/prismcore/fmp4out"
	"github.com/zsiec/prismcore/frame"
	"github.com/zsiec/prismcore/ingestbuffer"
	"github.com/zsiec/prismcore/internal/config"
	srtingest "github.com/zsiec/prismcore/ingest/srt"
	"github.com/zsiec/prismcore/metrics"
	"github.com/zsiec/prismcore/sourcebuffer"
)

// trackPollInterval is how often serve polls a fresh Session for its
// video track while waiting to attach the fMP4 muxer, since AddTrack runs
// asynchronously on the PMT-driven Feed goroutine.
const trackPollInterval = 20 * time.Millisecond

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the SRT ingest, fMP4 segmenter, and MoQ distribution server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.Default()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	cert, err := certs.Generate(cfg.Distrib.CertTTL)
	if err != nil {
		return fmt.Errorf("serve: generating certificate: %w", err)
	}
	log.Info("distribution certificate generated", "fingerprint", cert.FingerprintBase64(), "not_after", cert.NotAfter)

	relay := distribution.NewRelay(log)

	distServer, err := distribution.NewServer(distribution.ServerConfig{
		Addr:  cfg.Distrib.Addr,
		Cert:  cert,
		Relay: relay,
		Log:   log,
	})
	if err != nil {
		return fmt.Errorf("serve: building distribution server: %w", err)
	}

	sessions := ingestbuffer.NewRegistry(log)

	onStart := func(streamKey string, session *ingestbuffer.Session, feed *ingestbuffer.Feed) {
		feed.SetMemoryLimit(cfg.Session.MemoryLimitBytes)
		feed.Demuxer().SetStats(collector)
		feed.SetTrackStats(func(id frame.TrackID) sourcebuffer.StatsRecorder {
			return collector.TrackRecorder(id)
		})
		session.SetStats(collector)
		go runSegmenter(ctx, log, session, feed, relay)
	}

	srtServer := srtingest.NewServer(cfg.Ingest.SRTAddr, sessions, onStart, log)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsHTTP := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srtServer.Start(ctx)
	})

	g.Go(func() error {
		return distServer.Start(ctx)
	})

	g.Go(func() error {
		log.Info("metrics listening", "addr", cfg.Metrics.Addr)
		if err := metricsHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsHTTP.Shutdown(shutdownCtx)
	})

	log.Info("prismcore serving", "srt_addr", cfg.Ingest.SRTAddr, "distribution_addr", cfg.Distrib.Addr)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// runSegmenter waits for the session's video track to appear, attaches an
// fmp4out.Muxer fed by the session's Source Buffer Streams and writing to
// the stream's distribution.Relay, and runs it until the session closes.
func runSegmenter(ctx context.Context, log *slog.Logger, session *ingestbuffer.Session, feed *ingestbuffer.Feed, relay *distribution.Relay) {
	videoTrack, ok := waitForTrack(ctx, session, demux.VideoTrackID)
	if !ok {
		return
	}

	muxer := fmp4out.New(distribution.NewWriter(relay), log)
	muxer.AddVideoTrack(videoTrack.Stream, feed.Demuxer().VideoCodec())

	for _, at := range feed.Demuxer().AudioTracks() {
		audioTrack, ok := waitForTrack(ctx, session, demux.AudioTrackID(at.TrackIndex))
		if !ok {
			continue
		}
		muxer.AddAudioTrack(audioTrack.Stream, at.TrackIndex)
	}

	if err := muxer.Run(session.Done()); err != nil {
		log.Warn("segmenter exited with error", "session", session.ID, "error", err)
	}
}

func waitForTrack(ctx context.Context, session *ingestbuffer.Session, id frame.TrackID) (*ingestbuffer.Track, bool) {
	ticker := time.NewTicker(trackPollInterval)
	defer ticker.Stop()
	for {
		if t, ok := session.Track(id); ok {
			return t, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-session.Done():
			return nil, false
		case <-ticker.C:
		}
	}
}
