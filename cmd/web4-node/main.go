package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"web4msg/internal/backend"
	"web4msg/internal/config"
	"web4msg/internal/debuglog"
	"web4msg/internal/metrics"
	"web4msg/internal/network"
	"web4msg/internal/pprofutil"
	"web4msg/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: web4-node <run|status> [args]")
	fmt.Fprintln(w, "  run    [--addr <ip:port>] --devtls [--home dir] [--store memory|sqlite|redis] [--metrics-addr <ip:port>] [--debug]")
	fmt.Fprintln(w, "  status [--addr <ip:port>] [--home dir]")
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", "", "state directory (default ~/.web4msg)")
	addr := fs.String("addr", "", "listen addr (host:port)")
	backendName := fs.String("store", "", "backing store: memory, sqlite, redis")
	metricsAddr := fs.String("metrics-addr", "", "serve /metrics, /healthz and /stats on this addr")
	devTLS := fs.Bool("devtls", false, "allow deterministic dev TLS certs (unsafe)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("WEB4MSG_DEBUG", "1")
	}
	defer debuglog.Sync()
	if !*devTLS {
		fmt.Fprintln(stderr, "dev TLS disabled by default; pass --devtls to enable")
		return 1
	}
	fmt.Fprintln(stderr, "WARNING: using deterministic dev TLS certificates")

	cfg, err := config.Load(*home)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if *backendName != "" {
		cfg.Store.Backend = *backendName
	}
	if *addr != "" {
		cfg.Relay.Listen = *addr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if cfg.Store.Backend == config.BackendRelay {
		fmt.Fprintln(stderr, "a relay cannot be backed by another relay")
		return 1
	}
	if cfg.Store.Backend == config.BackendMemory {
		cfg.Store.Journal = true
	}
	if err := pprofutil.StartFromEnv(stderr); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	st, err := backend.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer st.Close()

	srv := network.NewServer(st, cfg.Relay.MaxConnsPerHost, cfg.Relay.MaxStreamsPerHost)
	if cfg.MetricsAddr != "" {
		stopHTTP, err := serveMetrics(ctx, cfg.MetricsAddr, st, srv, stderr)
		if err != nil {
			fmt.Fprintf(stderr, "metrics listen failed: %v\n", err)
			return 1
		}
		defer stopHTTP()
	}

	ready := make(chan net.Addr, 1)
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(ctx, cfg.Relay.Listen, ready) }()
	select {
	case a := <-ready:
		fmt.Fprintf(stdout, "READY addr=%s store=%s\n", a, cfg.Store.Backend)
	case err := <-errc:
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	if err := <-errc; err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	writeStats(filepath.Join(cfg.Home, "relay-stats.json"), srv.Stats())
	return 0
}

// statsHandler serves the node's health, relay counters and an empty
// message snapshot; relays carry no per-message state.
func statsHandler(st store.Store, srv *network.Server) http.Handler {
	h := metrics.NewHealth()
	h.Register("store", func(ctx context.Context) error {
		_, err := st.List(ctx, "users")
		return err
	})
	r := chi.NewRouter()
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(srv.Stats())
	})
	r.Mount("/", metrics.Handler(metrics.New(), h))
	return r
}

func serveMetrics(ctx context.Context, addr string, st store.Store, srv *network.Server, logw io.Writer) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	hs := &http.Server{Handler: statsHandler(st, srv), ReadHeaderTimeout: 5 * time.Second}
	fmt.Fprintf(logw, "metrics on http://%s/metrics\n", ln.Addr())
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debuglog.Logf("metrics server: %v", err)
		}
	}()
	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(sctx)
	}, nil
}

func writeStats(path string, s network.ServerStats) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return
	}
	_ = os.MkdirAll(filepath.Dir(path), 0700)
	_ = os.WriteFile(path, data, 0600)
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", "", "state directory (default ~/.web4msg)")
	addr := fs.String("addr", "", "relay addr (host:port)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load(*home)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	target := *addr
	if target == "" {
		target = cfg.Relay.Listen
	}
	fmt.Fprintln(stdout, "Local observation summary:")
	r, err := network.Dial(target, false, cfg.Store.RelayCA)
	if err != nil {
		fmt.Fprintf(stdout, "  relay %s: %v\n", target, err)
		return 1
	}
	defer r.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		fmt.Fprintf(stdout, "  relay %s: unreachable (%v)\n", target, err)
		return 1
	}
	fmt.Fprintf(stdout, "  relay %s: reachable\n", target)
	if s, ok := readStats(filepath.Join(cfg.Home, "relay-stats.json")); ok {
		fmt.Fprintf(stdout, "  last run: requests=%d subscriptions=%d\n", s.Requests, s.Subscriptions)
	}
	if snap, ok := readMetricsSnapshot(cfg.MetricsSnapshot); ok {
		fmt.Fprintf(stdout, "  messages: sent=%d received=%d failed=%d\n", snap.Messages.Sent, snap.Messages.Received, snap.Messages.Failed)
		fmt.Fprintf(stdout, "  dropped: duplicate=%d order=%d crypto=%d malformed=%d\n",
			snap.Drops.Duplicate, snap.Drops.Order, snap.Drops.Crypto, snap.Drops.Malformed)
	}
	return 0
}

func readStats(path string) (network.ServerStats, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return network.ServerStats{}, false
	}
	var s network.ServerStats
	if err := json.Unmarshal(data, &s); err != nil {
		return network.ServerStats{}, false
	}
	return s, true
}

func readMetricsSnapshot(path string) (metrics.Snapshot, bool) {
	if path == "" {
		return metrics.Snapshot{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}, false
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}, false
	}
	return snap, true
}
