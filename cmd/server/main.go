package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"basalt/internal/auth"
	"basalt/internal/config"
	"basalt/internal/content"
	"basalt/internal/game"
	"basalt/internal/network"
	"basalt/internal/observer"
	"basalt/internal/persistence/indexdb"
	persistlog "basalt/internal/persistence/log"
	"basalt/internal/persistence/snapshot"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to server.yaml (optional)")
		addr       = flag.String("addr", "", "game listen address (overrides config)")
		adminAddr  = flag.String("admin_addr", "", "admin http listen address (overrides config)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides config)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite tick/audit index")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	_ = os.MkdirAll(cfg.DataDir, 0o755)

	tables := content.Defaults()

	// Read-model index (does not affect simulation determinism).
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		var err error
		idx, err = indexdb.OpenSQLite(filepath.Join(cfg.DataDir, "index", "index.db"))
		if err != nil {
			logger.Fatalf("open index db: %v", err)
		}
		defer idx.Close()
	}

	tickLog := persistlog.NewTickLogger(cfg.DataDir)
	auditLog := persistlog.NewAuditLogger(cfg.DataDir)
	defer tickLog.Close()
	defer auditLog.Close()

	ctx, cancel := signalContext()
	defer cancel()

	snapCh := make(chan snapshot.SnapshotV1, 2)
	g := game.New(cfg, logger, tables,
		game.WithTickLogger(multiTickLogger{a: tickLog, b: idx}),
		game.WithAuditLogger(multiAuditLogger{a: auditLog, b: idx}),
		game.WithSnapshotSink(snapCh),
	)

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = latestSnapshot(cfg.DataDir)
	}
	if snapshotToLoad != "" {
		snap, err := snapshot.Read(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		g.RestoreSnapshot(snap)
	}

	// Snapshot writer.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-snapCh:
				path := filepath.Join(cfg.DataDir, "snapshots", fmt.Sprintf("%d.snap.zst", snap.Header.Tick))
				if err := snapshot.Write(path, snap); err != nil {
					logger.Printf("snapshot write: %v", err)
					continue
				}
				if idx != nil {
					idx.RecordSnapshot(path, snap)
				}
			}
		}
	}()

	go func() {
		if err := g.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("game stopped: %v", err)
		}
	}()

	var verifier auth.Verifier
	if cfg.Encryption {
		if cfg.SessionURL != "" {
			verifier = auth.NewHTTPVerifier(cfg.SessionURL)
		} else {
			logger.Printf("no session_url configured; accepting offline identities")
			verifier = auth.OfflineVerifier{}
		}
	}
	srv, err := network.New(cfg, logger, g, verifier)
	if err != nil {
		logger.Fatalf("network: %v", err)
	}
	go func() {
		if err := srv.Run(ctx); err != nil {
			logger.Printf("network stopped: %v", err)
			cancel()
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		m := g.Metrics()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP basalt_tick Current simulation tick.\n")
		fmt.Fprintf(rw, "# TYPE basalt_tick gauge\n")
		fmt.Fprintf(rw, "basalt_tick %d\n", m.Tick)

		fmt.Fprintf(rw, "# HELP basalt_players Current number of connected players.\n")
		fmt.Fprintf(rw, "# TYPE basalt_players gauge\n")
		fmt.Fprintf(rw, "basalt_players %d\n", m.Players)

		fmt.Fprintf(rw, "# HELP basalt_loaded_chunks Loaded chunk count.\n")
		fmt.Fprintf(rw, "# TYPE basalt_loaded_chunks gauge\n")
		fmt.Fprintf(rw, "basalt_loaded_chunks %d\n", m.LoadedChunks)

		fmt.Fprintf(rw, "# HELP basalt_entities Live entity count.\n")
		fmt.Fprintf(rw, "# TYPE basalt_entities gauge\n")
		fmt.Fprintf(rw, "basalt_entities %d\n", m.Entities)

		fmt.Fprintf(rw, "# HELP basalt_queue_depth Channel backlog depth.\n")
		fmt.Fprintf(rw, "# TYPE basalt_queue_depth gauge\n")
		fmt.Fprintf(rw, "basalt_queue_depth{queue=%q} %d\n", "inbox", m.QueueDepths.Inbox)
		fmt.Fprintf(rw, "basalt_queue_depth{queue=%q} %d\n", "join", m.QueueDepths.Join)
		fmt.Fprintf(rw, "basalt_queue_depth{queue=%q} %d\n", "leave", m.QueueDepths.Leave)

		fmt.Fprintf(rw, "# HELP basalt_step_ms Last tick step duration in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE basalt_step_ms gauge\n")
		fmt.Fprintf(rw, "basalt_step_ms %.3f\n", m.StepMS)
	})
	mux.HandleFunc("/admin/snapshot", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ctx2, cancel2 := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel2()
		tick, err := g.RequestSnapshot(ctx2)
		rw.Header().Set("Content-Type", "application/json")
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tick": tick})
	})
	mux.HandleFunc("/observer/ws", observer.NewServer(g, logger).Handler())

	admin := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = admin.Shutdown(ctx2)
	}()

	logger.Printf("admin http on %s", cfg.AdminAddr)
	if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func latestSnapshot(dataDir string) string {
	dir := filepath.Join(dataDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		base := strings.TrimSuffix(name, ".snap.zst")
		tick, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}

type multiTickLogger struct {
	a game.TickLogger
	b game.TickLogger
}

func (m multiTickLogger) WriteTick(entry game.TickLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteTick(entry)
	}
	if m.b != nil {
		_ = m.b.WriteTick(entry)
	}
	return nil
}

type multiAuditLogger struct {
	a game.AuditLogger
	b game.AuditLogger
}

func (m multiAuditLogger) WriteAudit(entry game.AuditEntry) error {
	if m.a != nil {
		_ = m.a.WriteAudit(entry)
	}
	if m.b != nil {
		_ = m.b.WriteAudit(entry)
	}
	return nil
}
