// Package transport carries protocol frames over the two client surfaces:
// a persistent WebSocket endpoint and line-delimited JSON on stdio. Both
// feed decoded commands to the session manager and write back its
// responses plus whatever broadcast frames the hub delivers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/joestump/agentmux/internal/config"
	"github.com/joestump/agentmux/internal/hub"
	"github.com/joestump/agentmux/internal/protocol"
	"github.com/joestump/agentmux/internal/server"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSServer is the WebSocket transport.
type WSServer struct {
	cfg  config.Config
	mgr  *server.Manager
	log  zerolog.Logger
	http *http.Server

	upgrader websocket.Upgrader
}

// NewWSServer builds the HTTP server hosting the /ws endpoint and the
// Prometheus scrape endpoint.
func NewWSServer(cfg config.Config, mgr *server.Manager, reg *prometheus.Registry, log zerolog.Logger) *WSServer {
	s := &WSServer{
		cfg: cfg,
		mgr: mgr,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local tooling transport; origin checks are the OS user
			// boundary, not a browser one.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	if reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *WSServer) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("websocket transport listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and closes the listener.
func (s *WSServer) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *WSServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.mgr.Governor().TryReserveConnectionSlot() {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.mgr.Governor().ReleaseConnectionSlot()
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	sub := s.mgr.Hub().Attach(connID)
	log := s.log.With().Str("conn", connID).Logger()
	log.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	done := make(chan struct{})
	go s.writePump(conn, sub.Frames(), done, log)

	s.mgr.Hub().SendTo(sub, serverReadyFrame())
	s.readPump(r.Context(), conn, sub, log)

	s.mgr.Hub().Detach(sub)
	close(done)
	_ = conn.Close()
	s.mgr.Governor().ReleaseConnectionSlot()
	log.Info().Msg("client disconnected")
}

// readPump decodes frames and hands commands to the manager. Each command
// executes in its own goroutine so a long prompt does not stall the
// connection; responses come back through the hub's single writer.
func (s *WSServer) readPump(ctx context.Context, conn *websocket.Conn, sub *hub.Subscriber, log zerolog.Logger) {
	// Hard stop a little above the protocol ceiling; oversize frames under
	// the hard stop get a structured rejection instead of a dropped
	// connection.
	conn.SetReadLimit(s.cfg.MaxMessageBytes + 4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		if d := s.mgr.Governor().CanAcceptMessage(float64(len(data))); !d.Allowed {
			s.mgr.Hub().SendTo(sub, protocol.ParseErrorResponse(d.Reason))
			continue
		}

		cmd, err := protocol.ParseCommand(data)
		if err != nil {
			s.mgr.Hub().SendTo(sub, protocol.ParseErrorResponse(err.Error()))
			continue
		}

		go func() {
			resp := s.mgr.Execute(ctx, cmd, sub)
			s.mgr.Hub().SendTo(sub, resp)
		}()
	}
}

func (s *WSServer) writePump(conn *websocket.Conn, frames <-chan []byte, done <-chan struct{}, log zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func serverReadyFrame() protocol.ServerReady {
	return protocol.ServerReady{
		Type:            "server_ready",
		Version:         config.Version,
		ProtocolVersion: protocol.ProtocolVersion,
		Transports:      []string{"websocket", "stdio"},
	}
}
