package broker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Shugur-Network/relaymux/internal/config"
	"github.com/Shugur-Network/relaymux/internal/constants"
	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/logger"
	"github.com/Shugur-Network/relaymux/internal/metrics"
	"github.com/Shugur-Network/relaymux/internal/web"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 2 * constants.DefaultPingInterval
	pingPeriod = constants.DefaultPingInterval
)

// Server exposes the broker over websockets. Every websocket connection
// on /ws is one port. It also serves /health, /metrics and the JSON API.
type Server struct {
	b        *Broker
	cfg      config.BrokerConfig
	health   http.HandlerFunc
	api      *web.Handler
	metrics  bool
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	log      *zap.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHealth serves h on /health.
func WithHealth(h http.HandlerFunc) ServerOption { return func(s *Server) { s.health = h } }

// WithAPI serves the JSON API under /api/.
func WithAPI(h *web.Handler) ServerOption { return func(s *Server) { s.api = h } }

// WithMetrics serves prometheus metrics on /metrics.
func WithMetrics() ServerOption { return func(s *Server) { s.metrics = true } }

func NewServer(b *Broker, cfg config.BrokerConfig, opts ...ServerOption) *Server {
	s := &Server{
		b:   b,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    1024 * 64,
			WriteBufferSize:   1024 * 64,
			CheckOrigin:       func(r *http.Request) bool { return true },
			EnableCompression: true,
			HandshakeTimeout:  10 * time.Second,
		},
		log: logger.New("broker-server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler routes every endpoint the server exposes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	if s.health != nil {
		mux.Handle("/health", web.SecureValidatedAPIHandler(s.health))
	}
	if s.metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	if s.api != nil {
		s.api.Routes(mux)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, route := mux.Handler(r)
		if route == "" {
			logger.Warn("Invalid request path",
				zap.String("path", r.URL.Path),
				zap.String("client_ip", r.RemoteAddr),
				zap.String("user_agent", r.Header.Get("User-Agent")))
			route = "unknown"
		}
		metrics.HTTPRequests.WithLabelValues(route).Inc()
		if route == "/ws" {
			mux.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		mux.ServeHTTP(w, r)
		metrics.HTTPRequestDuration.Observe(time.Since(start).Seconds())
	})
}

// ListenAndServe serves until ctx is canceled, then shuts down within the
// configured shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.WSAddr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("server shutdown", zap.Error(err))
		}
	}()

	s.log.Info("broker listening", zap.String("address", s.cfg.WSAddr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections. Open ports are closed by the
// broker, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	p, err := s.b.Connect()
	if err != nil {
		appErr, ok := apperrors.AsApp(err)
		if !ok {
			appErr = apperrors.Wrap(err, apperrors.ErrorTypeInternal, "CONNECT_FAILED", "could not open port")
		}
		apperrors.WriteHTTP(w, appErr)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.Close()
		s.log.Debug("websocket upgrade failed", zap.Error(err), zap.String("client_ip", r.RemoteAddr))
		return
	}
	ws.EnableWriteCompression(true)

	log := s.log.With(zap.Uint64("port", p.ID()), zap.String("client_ip", r.RemoteAddr))
	log.Debug("port session started")

	writerDone := make(chan struct{})
	go s.writeLoop(ws, p, writerDone)
	s.readLoop(ws, p, log)

	p.Close()
	<-writerDone
	log.Debug("port session ended")
}

// readLoop runs commands in arrival order until the client goes away or
// the port closes.
func (s *Server) readLoop(ws *websocket.Conn, p *Port, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Recovered from panic in port read loop", zap.Any("panic", r))
		}
	}()

	ws.SetReadLimit(constants.DefaultMaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("port read error", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		cmd, requestID, err := DecodeCommand(data)
		if err == nil {
			err = p.Do(p.ctx, cmd)
		}
		if errors.Is(err, ErrPortClosed) || errors.Is(err, context.Canceled) {
			return
		}
		if err != nil {
			p.send(errorMessage(p.ID(), requestID, err))
		}
		if _, closing := cmd.(ClosePort); closing {
			return
		}
	}
}

// writeLoop is the only writer on ws. Closing ws on exit unblocks the
// reader.
func (s *Server) writeLoop(ws *websocket.Conn, p *Port, done chan<- struct{}) {
	defer close(done)
	defer ws.Close()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-p.Messages():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "port closed"))
				return
			}
			if err := ws.WriteJSON(msg); err != nil {
				p.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.Close()
				return
			}
		}
	}
}
