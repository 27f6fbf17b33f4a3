// Package observer streams read-only server metrics to admin tooling
// over a websocket. Observers never touch the simulation; they only see
// the metrics the loop publishes after each tick.
package observer

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"basalt/internal/game"
)

type Server struct {
	game *game.Game
	log  *log.Logger

	interval time.Duration
	upgrader websocket.Upgrader
}

type metricsMsg struct {
	Type string `json:"type"`
	game.Metrics
}

func NewServer(g *game.Game, logger *log.Logger) *Server {
	return &Server{
		game:     g,
		log:      logger,
		interval: time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.log.Printf("observer connected from %s", r.RemoteAddr)

		done := make(chan struct{})

		// Reader: observers send nothing meaningful, but reading keeps
		// control frames flowing and notices the close.
		go func() {
			defer close(done)
			for {
				_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				msg := metricsMsg{Type: "METRICS", Metrics: s.game.Metrics()}
				b, err := json.Marshal(msg)
				if err != nil {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}
	}
}
