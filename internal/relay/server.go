package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/podlab/internal/metrics"
)

const (
	sendTimeout     = 5 * time.Second
	shutdownTimeout = 5 * time.Second
	maxTokenSize    = 1024
)

// Server accepts client connections and broadcasts signal tokens to them.
type Server struct {
	cfg     ServerConfig
	reg     *Registry
	metrics *metrics.Relay
	logger  zerolog.Logger

	notifyMu sync.Mutex
	notified bool
}

// NewServer creates a Server. The config must already be validated.
func NewServer(cfg ServerConfig, m *metrics.Relay, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		reg:     NewRegistry(),
		metrics: m,
		logger:  logger.With().Str("component", "relay-server").Logger(),
	}
}

// Registry returns the live connection registry.
func (s *Server) Registry() *Registry { return s.reg }

// Handler routes /ws, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", metrics.Healthz)
	r.Handle("/metrics", s.metrics.Handler())
	return r
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the connection loop on ln and the signal loop on the configured
// socket until ctx is done or either loop fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	signals, err := listenSignals(s.cfg.Socket)
	if err != nil {
		ln.Close()
		return err
	}
	defer os.Remove(s.cfg.Socket)

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("relay server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve relay: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.signalLoop(gctx, signals)
	})
	g.Go(func() error {
		<-gctx.Done()
		signals.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		for _, p := range s.reg.snapshot() {
			p.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func listenSignals(path string) (net.PacketConn, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale signal socket: %w", err)
	}
	pc, err := net.ListenPacket("unixgram", path)
	if err != nil {
		return nil, fmt.Errorf("listen signal socket %s: %w", path, err)
	}
	return pc, nil
}

func (s *Server) signalLoop(ctx context.Context, pc net.PacketConn) error {
	s.logger.Info().Str("socket", s.cfg.Socket).Msg("listening for signals")
	buf := make([]byte, maxTokenSize)
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn().Err(err).Msg("reading signal socket failed")
			continue
		}
		token := strings.TrimSpace(string(buf[:n]))
		if token == "" {
			continue
		}
		s.logger.Info().Str("token", token).Msg("signal received")
		s.Broadcast(ctx, token)
	}
}

// Broadcast sends token to every connection registered right now and returns
// how many accepted it. A connection that fails is dropped.
func (s *Server) Broadcast(ctx context.Context, token string) int {
	s.metrics.Broadcasts.Inc()
	sent := 0
	for _, p := range s.reg.snapshot() {
		wctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := p.conn.Write(wctx, websocket.MessageText, []byte(token))
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Str("conn", p.id).Msg("send failed, dropping connection")
			s.drop(p)
			continue
		}
		sent++
	}
	s.logger.Debug().Str("token", token).Int("delivered", sent).Msg("broadcast")
	return sent
}

func (s *Server) drop(p *peer) {
	if s.reg.Remove(p.id) {
		s.metrics.Connections.Dec()
	}
	p.conn.CloseNow()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Origin differs from Host behind the provider proxy.
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxTokenSize)

	p := &peer{id: s.reg.Add(conn), conn: conn}
	s.metrics.Connections.Inc()
	log := s.logger.With().Str("conn", p.id).Str("remote", r.RemoteAddr).Logger()
	log.Info().Msg("client connected")
	defer func() {
		s.drop(p)
		log.Info().Msg("client disconnected")
	}()

	s.notifyConnected()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				log.Debug().Err(err).Msg("connection read ended")
			}
			return
		}
		log.Debug().Str("message", string(data)).Msg("client message")
	}
}

// notifyConnected writes "connected" to the client-connected socket the
// first time it succeeds. Later connections, including reconnects, do not
// signal again.
func (s *Server) notifyConnected() {
	path := s.cfg.ClientConnectedSocket
	if path == "" {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if s.notified {
		return
	}
	if _, err := os.Stat(path); err != nil {
		s.logger.Debug().Str("socket", path).Msg("client-connected socket absent")
		return
	}
	conn, err := net.Dial("unixgram", path)
	if err != nil {
		s.logger.Warn().Err(err).Str("socket", path).Msg("client-connected notification failed")
		return
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(TokenConnected)); err != nil {
		s.logger.Warn().Err(err).Str("socket", path).Msg("client-connected notification failed")
		return
	}
	s.notified = true
	s.logger.Info().Str("socket", path).Msg("client-connected notification sent")
}
