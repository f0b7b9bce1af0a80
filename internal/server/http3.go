package server

import (
	"context"
	"crypto/tls"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/rs/zerolog"
)

type HTTP3Config struct {
	Enabled  bool
	Addr     string
	CertFile string
	KeyFile  string
}

// HTTP3Server runs the gateway handler over QUIC alongside the TCP
// listener and advertises it with an Alt-Svc header.
type HTTP3Server struct {
	cfg    HTTP3Config
	log    zerolog.Logger
	server *http3.Server

	mu      sync.Mutex
	running bool
}

func NewHTTP3Server(cfg HTTP3Config, log zerolog.Logger) *HTTP3Server {
	if cfg.Addr == "" {
		cfg.Addr = ":443"
	}
	return &HTTP3Server{cfg: cfg, log: log}
}

func (s *HTTP3Server) Start(handler http.Handler) error {
	if !s.cfg.Enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return err
	}

	s.server = &http3.Server{
		Addr:    s.cfg.Addr,
		Handler: s.altSvc(handler),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS13,
			NextProtos:   []string{"h3"},
		},
		QUICConfig: &quic.Config{
			MaxIncomingStreams: 100,
			MaxIdleTimeout:     30 * time.Second,
			KeepAlivePeriod:    15 * time.Second,
		},
	}
	s.running = true

	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("http3 listener started")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("http3 listener failed")
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()
	return nil
}

func (s *HTTP3Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.server == nil {
		return nil
	}
	s.running = false
	return s.server.Close()
}

func (s *HTTP3Server) altSvc(next http.Handler) http.Handler {
	port := s.cfg.Addr
	if i := strings.LastIndexByte(port, ':'); i >= 0 {
		port = port[i+1:]
	}
	value := `h3=":` + port + `"; ma=2592000`
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Alt-Svc", value)
		next.ServeHTTP(w, r)
	})
}
