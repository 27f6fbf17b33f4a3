package network

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"basalt/internal/config"
	"basalt/internal/content"
	"basalt/internal/game"
	"basalt/internal/protocol"
)

func testServer(t *testing.T, cfg config.Config) (*Server, *game.Game, context.CancelFunc) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	g := game.New(cfg, logger, content.Defaults())
	srv, err := New(cfg, logger, g, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = g.Run(ctx) }()
	return srv, g, cancel
}

func offlineConfig() config.Config {
	cfg := config.Default()
	cfg.Encryption = false
	cfg.CompressionThreshold = -1
	cfg.TickRateHz = 100
	cfg.ViewDistanceChunks = 1
	return cfg
}

// writeFrame sends one length-prefixed uncompressed frame.
func writeFrame(t *testing.T, w io.Writer, payload []byte) {
	t.Helper()
	wire := protocol.AppendVarInt(nil, int32(len(payload)))
	wire = append(wire, payload...)
	if _, err := w.Write(wire); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// readFrame reads one length-prefixed uncompressed frame.
func readFrame(t *testing.T, r io.Reader) []byte {
	t.Helper()
	var hdr []byte
	one := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, one); err != nil {
			t.Fatalf("read frame header: %v", err)
		}
		hdr = append(hdr, one[0])
		if one[0]&0x80 == 0 {
			break
		}
	}
	n, _, err := protocol.ReadVarInt(hdr)
	if err != nil {
		t.Fatalf("frame length: %v", err)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		t.Fatalf("read frame body: %v", err)
	}
	return payload
}

func sendHandshake(t *testing.T, w io.Writer, next int32) {
	pw := protocol.NewWriter()
	pw.VarInt(0x00)
	pw.VarInt(protocol.Version)
	pw.String("localhost")
	pw.Uint16(25565)
	pw.VarInt(next)
	writeFrame(t, w, pw.Bytes())
}

func sendLoginStart(t *testing.T, w io.Writer, name string) {
	pw := protocol.NewWriter()
	pw.VarInt(0x00)
	pw.String(name)
	writeFrame(t, w, pw.Bytes())
}

func TestStatusExchange(t *testing.T) {
	cfg := offlineConfig()
	cfg.Motd = "hello basalt"
	srv, _, cancel := testServer(t, cfg)
	defer cancel()

	client, server := net.Pipe()
	go srv.handle(server)
	defer client.Close()

	sendHandshake(t, client, 1)
	writeFrame(t, client, protocol.AppendVarInt(nil, 0x00)) // status request

	resp := readFrame(t, client)
	r := protocol.NewReader(resp)
	if id, _ := r.VarInt(); id != 0x00 {
		t.Fatalf("response id = %#x", id)
	}
	body, err := r.String(32767)
	if err != nil {
		t.Fatalf("status body: %v", err)
	}
	var status struct {
		Description struct {
			Text string `json:"text"`
		} `json:"description"`
		Players struct {
			Max int `json:"max"`
		} `json:"players"`
	}
	if err := json.Unmarshal([]byte(body), &status); err != nil {
		t.Fatalf("status json: %v", err)
	}
	if status.Description.Text != "hello basalt" || status.Players.Max != cfg.MaxPlayers {
		t.Fatalf("status = %+v", status)
	}

	// Ping echoes the payload, then the server hangs up.
	pw := protocol.NewWriter()
	pw.VarInt(0x01)
	pw.Int64(0xCAFE)
	writeFrame(t, client, pw.Bytes())
	pong := readFrame(t, client)
	pr := protocol.NewReader(pong)
	if id, _ := pr.VarInt(); id != 0x01 {
		t.Fatalf("pong id = %#x", id)
	}
	if v, _ := pr.Int64(); v != 0xCAFE {
		t.Fatalf("pong payload = %#x", v)
	}
	buf := make([]byte, 1)
	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(buf); err == nil {
		t.Fatalf("connection should close after pong")
	}
}

func TestOfflineLoginEntersPlay(t *testing.T) {
	srv, _, cancel := testServer(t, offlineConfig())
	defer cancel()

	client, server := net.Pipe()
	go srv.handle(server)
	defer client.Close()

	sendHandshake(t, client, 2)
	sendLoginStart(t, client, "alice")

	success := readFrame(t, client)
	r := protocol.NewReader(success)
	if id, _ := r.VarInt(); id != 0x02 {
		t.Fatalf("expected login success, id = %#x", id)
	}
	if _, err := r.UUID(); err != nil {
		t.Fatalf("uuid: %v", err)
	}
	if name, _ := r.String(16); name != "alice" {
		t.Fatalf("name = %q", name)
	}

	// The simulation admits the player on its next tick and streams the
	// join sequence, starting with JoinGame.
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	joined := readFrame(t, client)
	jr := protocol.NewReader(joined)
	if id, _ := jr.VarInt(); id != 0x01 {
		t.Fatalf("expected join game, id = %#x", id)
	}

	if srv.Online() != 1 {
		t.Fatalf("online = %d", srv.Online())
	}
}

func TestSecondLoginRejectedWhenFull(t *testing.T) {
	cfg := offlineConfig()
	cfg.MaxPlayers = 1
	srv, _, cancel := testServer(t, cfg)
	defer cancel()

	c1, s1 := net.Pipe()
	go srv.handle(s1)
	defer c1.Close()
	sendHandshake(t, c1, 2)
	sendLoginStart(t, c1, "alice")
	readFrame(t, c1) // login success
	_ = c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	readFrame(t, c1) // join game

	c2, s2 := net.Pipe()
	go srv.handle(s2)
	defer c2.Close()
	sendHandshake(t, c2, 2)
	sendLoginStart(t, c2, "bob")
	readFrame(t, c2) // login success arrives before admission

	_ = c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	reason := ""
	for {
		frame := readFrame(t, c2)
		fr := protocol.NewReader(frame)
		id, _ := fr.VarInt()
		if id == 0x40 {
			reason, _ = fr.String(256)
			break
		}
	}
	if !strings.Contains(reason, protocol.CodeServerFull) {
		t.Fatalf("reason = %q", reason)
	}
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	srv, _, cancel := testServer(t, offlineConfig())
	defer cancel()

	client, server := net.Pipe()
	go srv.handle(server)
	defer client.Close()

	// Five continuation bytes make an unterminated length varint.
	if _, err := client.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 16)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, err := client.Read(buf); err != nil {
			if err == io.EOF {
				return
			}
			// Deadline means the server never closed: fail.
			t.Fatalf("read: %v", err)
		}
	}
}

func TestOutboundOverflowTearsDownOnce(t *testing.T) {
	cfg := offlineConfig()
	// Budget far below one chunk frame: the join stream must overflow.
	cfg.OutboundQueueBytes = 1024
	srv, g, cancel := testServer(t, cfg)
	defer cancel()

	client, server := net.Pipe()
	go srv.handle(server)
	defer client.Close()

	sendHandshake(t, client, 2)
	sendLoginStart(t, client, "alice")
	readFrame(t, client) // login success

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reason := ""
	for {
		frame := readFrame(t, client)
		fr := protocol.NewReader(frame)
		id, _ := fr.VarInt()
		if id == 0x40 {
			reason, _ = fr.String(256)
			break
		}
	}
	if !strings.Contains(reason, protocol.CodeOutboundOverflow) {
		t.Fatalf("reason = %q", reason)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g.Metrics().Players == 0 && srv.Online() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("overflow teardown incomplete: players=%d online=%d", g.Metrics().Players, srv.Online())
}

func TestAdmissionNeverOvershoots(t *testing.T) {
	cfg := offlineConfig()
	cfg.MaxPlayers = 10
	logger := log.New(io.Discard, "", 0)
	g := game.New(cfg, logger, content.Defaults())
	srv, err := New(cfg, logger, g, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if srv.tryAdmit() {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if admitted.Load() != 10 {
		t.Fatalf("admitted = %d, want 10", admitted.Load())
	}
	if srv.Online() != 10 {
		t.Fatalf("online = %d, want 10", srv.Online())
	}
}

func TestShutdownDisconnectsIdleClients(t *testing.T) {
	srv, _, cancel := testServer(t, offlineConfig())
	defer cancel()

	client, server := net.Pipe()
	go srv.handle(server)
	defer client.Close()

	sendHandshake(t, client, 2)
	sendLoginStart(t, client, "alice")
	readFrame(t, client) // login success
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	readFrame(t, client) // join game

	srv.shutdown()

	reason := ""
	for {
		frame := readFrame(t, client)
		fr := protocol.NewReader(frame)
		id, _ := fr.VarInt()
		if id == 0x40 {
			reason, _ = fr.String(256)
			break
		}
	}
	if !strings.Contains(reason, protocol.CodeShutdown) {
		t.Fatalf("reason = %q", reason)
	}

	// The writer drains and closes the socket after the reason frame.
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatalf("socket still open after shutdown disconnect")
	}
	if srv.Online() != 0 {
		t.Fatalf("online = %d after shutdown", srv.Online())
	}
}

func TestLeaveDeliveredOnceOnDisconnect(t *testing.T) {
	srv, g, cancel := testServer(t, offlineConfig())
	defer cancel()

	client, server := net.Pipe()
	go srv.handle(server)

	sendHandshake(t, client, 2)
	sendLoginStart(t, client, "alice")
	readFrame(t, client)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	readFrame(t, client) // join game

	_ = client.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g.Metrics().Players == 0 && srv.Online() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("player not removed: players=%d online=%d", g.Metrics().Players, srv.Online())
}
