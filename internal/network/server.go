// Package network accepts TCP connections and runs one reader and one
// writer goroutine per connection. The reader owns the frame decoder and
// the protocol state machine; the writer owns the encoder, so codec
// switches ride the outbound queue and land at the exact stream
// position the machine chose. Decoded Play traffic is handed to the
// simulation over its channels and never processed here.
package network

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"basalt/internal/auth"
	"basalt/internal/config"
	"basalt/internal/game"
	"basalt/internal/protocol"
)

type Server struct {
	cfg      config.Config
	logger   *log.Logger
	game     *game.Game
	verifier auth.Verifier
	key      *rsa.PrivateKey

	nextConn atomic.Uint64
	online   atomic.Int64

	connsMu sync.Mutex
	conns   map[*conn]struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New prepares a server. The RSA key pair is per-process; clients only
// use it to wrap the shared secret during login.
func New(cfg config.Config, logger *log.Logger, g *game.Game, verifier auth.Verifier) (*Server, error) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		game:     g,
		verifier: verifier,
		key:      key,
		conns:    make(map[*conn]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Online is the number of sessions currently in Play.
func (s *Server) Online() int { return int(s.online.Load()) }

// tryAdmit reserves one play slot. The check and the increment are a
// single atomic step so concurrent logins cannot overshoot MaxPlayers.
func (s *Server) tryAdmit() bool {
	for {
		cur := s.online.Load()
		if int(cur) >= s.cfg.MaxPlayers {
			return false
		}
		if s.online.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (s *Server) releaseSlot() { s.online.Add(-1) }

func (s *Server) register(c *conn) {
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) unregister(c *conn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}

// shutdown stops new work and tears down every live connection so each
// peer gets a final shutdown reason and the accept loop's wait returns.
func (s *Server) shutdown() {
	s.stopOnce.Do(func() { close(s.done) })
	s.connsMu.Lock()
	live := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		live = append(live, c)
	}
	s.connsMu.Unlock()
	for _, c := range live {
		c.teardown(protocol.CodeShutdown, "server shutting down")
	}
}

// Run accepts connections until ctx is cancelled, then waits for the
// per-connection goroutines to wind down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.logger.Printf("listening on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		s.shutdown()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(nc)
		}()
	}
}
