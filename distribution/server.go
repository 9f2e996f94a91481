package distribution

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/zsiec/prismcore/certs"
	"github.com/zsiec/prismcore/internal/moq"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr  string
	Cert  *certs.CertInfo
	Relay *Relay
	Log   *slog.Logger
}

// Server accepts MoQ-over-QUIC viewer connections and hands each one a
// Relay subscription. The transport is raw QUIC, one unidirectional
// stream per segment; viewers pin the server certificate by fingerprint.
type Server struct {
	log   *slog.Logger
	addr  string
	tls   *tls.Config
	relay *Relay
}

// NewServer creates a Server from cfg. Cert and Relay are required.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Cert == nil {
		return nil, errors.New("distribution: server requires a certificate")
	}
	if cfg.Relay == nil {
		return nil, errors.New("distribution: server requires a relay")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:  log.With("component", "distribution-server"),
		addr: cfg.Addr,
		tls: &tls.Config{
			Certificates: []tls.Certificate{cfg.Cert.TLSCert},
			NextProtos:   []string{"moq-00"},
		},
		relay: cfg.Relay,
	}, nil
}

// Start listens for QUIC connections on the configured address until ctx
// is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := quic.ListenAddr(s.addr, s.tls, nil)
	if err != nil {
		return fmt.Errorf("distribution: listen: %w", err)
	}
	defer ln.Close()

	s.log.Info("moq server listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn quic.Connection) {
	id := uuid.NewString()
	log := s.log.With("viewer", id)

	control, err := conn.AcceptStream(ctx)
	if err != nil {
		log.Debug("failed to accept control stream", "error", err)
		return
	}

	if err := s.handshake(control); err != nil {
		log.Debug("moq handshake failed", "error", err)
		conn.CloseWithError(1, "setup failed")
		return
	}

	if err := s.waitForSubscribe(control); err != nil {
		log.Debug("subscribe failed", "error", err)
		conn.CloseWithError(2, "subscribe failed")
		return
	}

	v := newQUICViewer(id, conn, log)
	s.relay.Add(v)
	defer s.relay.Remove(id)

	<-conn.Context().Done()
}

func (s *Server) handshake(control quic.Stream) error {
	r := bufio.NewReader(control)

	msgType, payload, err := moq.ReadControlMsg(r)
	if err != nil {
		return fmt.Errorf("read client setup: %w", err)
	}
	if msgType != moq.MsgClientSetup {
		return fmt.Errorf("expected CLIENT_SETUP, got 0x%x", msgType)
	}

	cs, err := moq.ParseClientSetup(payload)
	if err != nil {
		return fmt.Errorf("parse client setup: %w", err)
	}

	ok := false
	for _, v := range cs.Versions {
		if v == moq.Version {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: no compatible version in %v", moq.ErrVersionMismatch, cs.Versions)
	}

	payload = moq.SerializeServerSetup(moq.ServerSetup{SelectedVersion: moq.Version})
	return moq.WriteControlMsg(control, moq.MsgServerSetup, payload)
}

func (s *Server) waitForSubscribe(control quic.Stream) error {
	r := bufio.NewReader(control)

	msgType, payload, err := moq.ReadControlMsg(r)
	if err != nil {
		return fmt.Errorf("read subscribe: %w", err)
	}
	if msgType != moq.MsgSubscribe {
		return fmt.Errorf("expected SUBSCRIBE, got 0x%x", msgType)
	}

	sub, err := moq.ParseSubscribe(payload)
	if err != nil {
		return fmt.Errorf("parse subscribe: %w", err)
	}

	ok := moq.SerializeSubscribeOK(moq.SubscribeOK{
		RequestID:  sub.RequestID,
		TrackAlias: 1,
	})
	return moq.WriteControlMsg(control, moq.MsgSubscribeOK, ok)
}

// quicViewer delivers init segments and fragments to one viewer over a
// fresh unidirectional QUIC stream per segment, the simplest mapping of
// MoQ objects onto fmp4out's already-segmented byte stream.
type quicViewer struct {
	id     string
	conn   quic.Connection
	log    *slog.Logger
	closed atomic.Bool
}

func newQUICViewer(id string, conn quic.Connection, log *slog.Logger) *quicViewer {
	return &quicViewer{id: id, conn: conn, log: log}
}

func (v *quicViewer) ID() string { return v.id }

func (v *quicViewer) SendInit(segment []byte) error {
	return v.sendSegment(segment)
}

func (v *quicViewer) SendFragment(segment []byte) error {
	return v.sendSegment(segment)
}

func (v *quicViewer) sendSegment(segment []byte) error {
	if v.closed.Load() {
		return errors.New("distribution: viewer closed")
	}
	st, err := v.conn.OpenUniStreamSync(v.conn.Context())
	if err != nil {
		v.closed.Store(true)
		return fmt.Errorf("open stream: %w", err)
	}
	defer st.Close()
	if _, err := st.Write(segment); err != nil {
		v.closed.Store(true)
		return fmt.Errorf("write segment: %w", err)
	}
	return nil
}
