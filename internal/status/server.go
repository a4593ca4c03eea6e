package status

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/blehub/internal/groutine"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
	brokerDialTimeout       = 5 * time.Second
	relayBufferSize         = 4096
)

var mqttSubprotocols = []string{"mqtt", "mqttv3.1"}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  relayBufferSize,
	WriteBufferSize: relayBufferSize,
	Subprotocols:    mqttSubprotocols,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Server serves the status page and relays MQTT-over-websocket clients to the broker.
type Server struct {
	reporter  *Reporter
	relayAddr string
	log       *logrus.Entry

	server   *http.Server
	listener net.Listener
}

// NewServer creates a status server. relayAddr is the broker's host:port.
func NewServer(reporter *Reporter, relayAddr string, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		reporter:  reporter,
		relayAddr: relayAddr,
		log:       logger.WithField("component", "status"),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Get("/", s.handlePage)
	r.Get("/status", s.handleStatus)
	r.Get("/log", s.handleLog)
	r.Get("/mqtt", s.handleRelay)
	return r
}

// Start listens on addr and serves in the background.
func (s *Server) Start(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	groutine.Go(ctx, "status-http", func(context.Context) {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Status server stopped")
		}
	})
	s.log.WithField("address", ln.Addr().String()).Info("Status server listening")
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down status server: %w", err)
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("HTTP request")
	})
}

func (s *Server) handlePage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, `<!DOCTYPE html><html><head><meta http-equiv="refresh" content="2">`+
		`<title>blehub status</title></head><body><pre>`)
	_, _ = io.WriteString(w, html.EscapeString(s.reporter.Text()))
	_, _ = io.WriteString(w, "</pre></body></html>")
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, s.reporter.Text())
}

func (s *Server) handleLog(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, s.reporter.LogText())
}

func wantsMQTT(r *http.Request) bool {
	for _, requested := range websocket.Subprotocols(r) {
		for _, p := range mqttSubprotocols {
			if requested == p {
				return true
			}
		}
	}
	return false
}

// handleRelay pipes binary websocket frames to a TCP connection on the broker and back.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if !wantsMQTT(r) {
		s.log.WithField("remote", r.RemoteAddr).Info("Rejected non-mqtt websocket")
		http.Error(w, "mqtt subprotocol required", http.StatusBadRequest)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	defer ws.Close()
	log := s.log.WithField("remote", r.RemoteAddr)

	broker, err := net.DialTimeout("tcp", s.relayAddr, brokerDialTimeout)
	if err != nil {
		log.WithError(err).Warn("Websocket MQTT relay could not reach broker")
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "broker unavailable"),
			time.Now().Add(time.Second))
		return
	}
	defer broker.Close()
	log.Info("Websocket MQTT connected")

	groutine.Go(r.Context(), "status-relay", func(context.Context) {
		buf := make([]byte, relayBufferSize)
		for {
			n, err := broker.Read(buf)
			if n > 0 {
				if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		_ = ws.Close()
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if _, err := broker.Write(data); err != nil {
			break
		}
	}
	log.Info("Websocket MQTT closed")
}
