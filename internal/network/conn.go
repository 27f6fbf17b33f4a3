package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"basalt/internal/auth"
	"basalt/internal/game"
	"basalt/internal/protocol"
)

var errOverflow = errors.New("network: outbound queue overflow")

const verifyTimeout = 5 * time.Second

// conn is one client connection. The reader goroutine owns dec and
// machine frame handling; the writer goroutine owns enc via the out
// queue. Send and Kick are called by simulation goroutines.
type conn struct {
	id  game.ConnID
	srv *Server
	nc  net.Conn

	machine *protocol.Machine
	dec     *protocol.Decoder

	mu       sync.Mutex
	out      chan protocol.WireItem
	outBytes int
	closed   bool

	tearOnce sync.Once
	joined   atomic.Bool
	name     atomic.Value
}

func (s *Server) handle(nc net.Conn) {
	dec := protocol.NewDecoder(s.cfg.MaxFrameBytes)
	c := &conn{
		id:  game.ConnID(s.nextConn.Add(1)),
		srv: s,
		nc:  nc,
		dec: dec,
		out: make(chan protocol.WireItem, 1024),
	}
	c.machine = protocol.NewMachine(protocol.MachineConfig{
		ServerID:             "",
		Key:                  s.key,
		RequireEncryption:    s.cfg.Encryption,
		CompressionThreshold: s.cfg.CompressionThreshold,
		Motd:                 s.cfg.Motd,
		MaxPlayers:           s.cfg.MaxPlayers,
		OnlinePlayers:        s.Online,
	}, dec)
	c.name.Store("")
	s.register(c)
	defer s.unregister(c)

	go c.writeLoop()
	c.readLoop()
}

func (c *conn) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.dec.Feed(buf[:n])
			if !c.drainFrames() {
				return
			}
		}
		if err != nil {
			c.teardown(protocol.CodeReadError, "connection lost")
			return
		}
	}
}

// drainFrames handles every complete frame buffered so far. It returns
// false once the connection is being torn down.
func (c *conn) drainFrames() bool {
	for {
		payload, err := c.dec.Next()
		if err != nil {
			code := protocol.CodeProtocolViolation
			switch {
			case errors.Is(err, protocol.ErrFrameTooLarge):
				code = protocol.CodeFrameTooLarge
			case errors.Is(err, protocol.ErrCryptoFailure):
				code = protocol.CodeCryptoFailure
			}
			c.teardown(code, err.Error())
			return false
		}
		if payload == nil {
			return true
		}
		out, err := c.machine.HandleFrame(payload)
		if err != nil {
			code := protocol.CodeProtocolViolation
			if errors.Is(err, protocol.ErrCryptoFailure) {
				code = protocol.CodeCryptoFailure
			}
			c.teardown(code, err.Error())
			return false
		}
		if !c.processOutput(out) {
			return false
		}
	}
}

// processOutput applies one machine Output: queue wire items, dispatch
// verification, admit the player, forward Play events. It returns false
// when the connection is closing.
func (c *conn) processOutput(out protocol.Output) bool {
	for _, item := range out.Items {
		if !c.enqueue(item) {
			return false
		}
	}
	if out.Verify != nil {
		req := *out.Verify
		go c.runVerify(req)
	}
	if out.Joined != nil {
		if !c.admit(*out.Joined) {
			return false
		}
	}
	for _, ev := range out.Events {
		select {
		case c.srv.game.Inbox() <- game.InboundEnvelope{Conn: c.id, Event: ev}:
		case <-c.srv.done:
			c.teardown(protocol.CodeShutdown, "server shutting down")
			return false
		}
	}
	if out.CloseReason != "" {
		c.teardown(out.CloseReason, "")
		return false
	}
	return true
}

func (c *conn) admit(j protocol.Joined) bool {
	if !c.srv.tryAdmit() {
		c.teardown(protocol.CodeServerFull, "server is full")
		return false
	}
	c.joined.Store(true)
	c.name.Store(j.Profile.Name)
	req := game.JoinRequest{Conn: c.id, Profile: j.Profile, Client: c}
	select {
	case c.srv.game.JoinQueue() <- req:
		return true
	case <-c.srv.done:
		c.teardown(protocol.CodeShutdown, "server shutting down")
		return false
	}
}

func (c *conn) runVerify(req protocol.VerifyRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()

	var profile auth.Profile
	var verr error
	if c.srv.verifier == nil {
		verr = errors.New("no session verifier configured")
	} else {
		profile, verr = c.srv.verifier.Verify(ctx, req.Username, req.ServerHash)
	}

	out, err := c.machine.CompleteVerification(profile, verr)
	if err != nil {
		c.teardown(protocol.CodeProtocolViolation, err.Error())
		return
	}
	c.processOutput(out)
}

// Send implements game.Client. It never blocks on the peer: the byte
// budget and the queue are both hard ceilings, and a slow consumer is
// disconnected rather than allowed to stall a tick.
func (c *conn) Send(ev protocol.Clientbound) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	if c.outBytes+protocol.EstimateSize(ev) > c.srv.cfg.OutboundQueueBytes {
		c.mu.Unlock()
		c.teardown(protocol.CodeOutboundOverflow, "outbound queue overflow")
		return errOverflow
	}
	payload := c.machine.EncodePlay(ev)
	item := protocol.WireItem{Payload: payload, CompressThreshold: -1}
	select {
	case c.out <- item:
		c.outBytes += len(payload)
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		c.teardown(protocol.CodeOutboundOverflow, "outbound queue overflow")
		return errOverflow
	}
}

// Kick implements game.Client.
func (c *conn) Kick(code, reason string) {
	c.teardown(code, reason)
}

func (c *conn) enqueue(item protocol.WireItem) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- item:
		c.outBytes += len(item.Payload)
		return true
	default:
		c.closed = true
		close(c.out)
		return false
	}
}

func (c *conn) writeLoop() {
	enc := protocol.NewEncoder()
	defer func() { _ = c.nc.Close() }()
	for item := range c.out {
		if item.EncryptSecret != nil {
			if err := enc.EnableEncryption(item.EncryptSecret); err != nil {
				return
			}
		}
		if item.CompressThreshold >= 0 {
			enc.EnableCompression(item.CompressThreshold)
		}
		if item.Payload == nil {
			continue
		}
		wire, err := enc.Encode(item.Payload)
		if err != nil {
			return
		}
		_ = c.nc.SetWriteDeadline(time.Now().Add(30 * time.Second))
		if _, err := c.nc.Write(wire); err != nil {
			return
		}
		c.mu.Lock()
		c.outBytes -= len(item.Payload)
		c.mu.Unlock()
	}
}

// teardown closes the connection exactly once: a final reason frame is
// queued when the state can express one, the writer drains and closes
// the socket, and the simulation hears about a joined player exactly
// once.
func (c *conn) teardown(code, detail string) {
	c.tearOnce.Do(func() {
		reason := code
		if detail != "" {
			reason = code + ": " + detail
		}

		c.mu.Lock()
		if !c.closed {
			if payload := c.machine.EncodeDisconnect(reason); payload != nil {
				select {
				case c.out <- protocol.WireItem{Payload: payload, CompressThreshold: -1}:
				default:
				}
			}
			c.closed = true
			close(c.out)
		}
		c.mu.Unlock()

		if c.joined.Load() {
			c.srv.releaseSlot()
			select {
			case c.srv.game.LeaveQueue() <- game.LeaveRequest{Conn: c.id, Reason: code}:
			case <-c.srv.done:
			}
		}

		if name := c.name.Load().(string); name != "" {
			c.srv.logger.Printf("conn %d (%s) closed: %s", c.id, name, reason)
		} else if code != protocol.CodeShutdown && code != protocol.CodeReadError {
			c.srv.logger.Printf("conn %d closed: %s", c.id, reason)
		}
	})
}
