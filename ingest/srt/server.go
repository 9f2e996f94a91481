// Package srt accepts SRT publisher connections and feeds the raw
// MPEG-TS bytes they carry into a demux.Demuxer and ingestbuffer.Session.
package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/prismcore/demux"
	"github.com/zsiec/prismcore/ingestbuffer"
)

// readBufferSize is the read buffer for SRT socket reads: ten standard SRT
// payloads of 1316 bytes, each 7 MPEG-TS packets (188*7).
const readBufferSize = 1316 * 10

// latencyNs is the SRT latency setting in nanoseconds (120ms).
const latencyNs = 120_000_000

// SessionHandler is invoked once per accepted publish connection, after
// its Session and Feed have been created but before frames start
// flowing, so the caller can wire distribution and metrics before the
// first frame arrives.
type SessionHandler func(streamKey string, session *ingestbuffer.Session, feed *ingestbuffer.Feed)

// Server accepts incoming SRT publish connections and routes each one
// through a demux.Demuxer into a freshly created ingestbuffer.Session.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingestbuffer.Registry
	onStart  SessionHandler
}

// NewServer creates an SRT server that listens on addr and registers each
// accepted stream with registry. onStart may be nil. If log is nil,
// slog.Default is used.
func NewServer(addr string, registry *ingestbuffer.Registry, onStart SessionHandler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "ingest-srt"),
		addr:     addr,
		registry: registry,
		onStart:  onStart,
	}
}

// Start begins accepting SRT publish connections. It blocks until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("ingest/srt: listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		key := extractStreamKey(conn.StreamID())
		s.log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())
		go s.handleConnection(ctx, conn, key)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, key string) {
	defer conn.Close()

	session, ok := s.registry.Create(key)
	if !ok {
		s.log.Warn("stream already active, rejecting", "stream_key", key)
		return
	}
	defer s.registry.Remove(key)

	// An open SRT publish connection is a live source; once it ends
	// cleanly the buffered content is complete and becomes recorded.
	session.SetLiveness(ingestbuffer.LivenessLive)

	pr, pw := io.Pipe()
	defer pw.Close()

	dmx := demux.NewDemuxer(pr, s.log.With("stream_key", key))
	feed := ingestbuffer.NewFeed(session, dmx, s.log.With("stream_key", key))

	if s.onStart != nil {
		s.onStart(key, session, feed)
	}

	feedErr := make(chan error, 1)
	go func() { feedErr <- feed.Run(ctx) }()

	buf := make([]byte, readBufferSize)
	var readErr error
	for {
		if ctx.Err() != nil {
			break
		}
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
		if _, err := pw.Write(buf[:n]); err != nil {
			readErr = err
			break
		}
	}

	pw.CloseWithError(readErr)
	<-feedErr

	if readErr == nil && ctx.Err() == nil {
		session.SetLiveness(ingestbuffer.LivenessRecorded)
	}
	session.Close()
	s.log.Info("connection closed", "stream_key", key)
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
