// Package pprofutil serves net/http/pprof on a loopback port for
// debugging a running relay or client.
package pprofutil

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const defaultAddr = "127.0.0.1:6060"

var (
	startOnce sync.Once
	startErr  error
)

type Options struct {
	Addr string
	// AllowPublic permits binding a non-loopback address.
	AllowPublic bool
}

// StartFromEnv starts the profiler once per process when WEB4MSG_PPROF=1,
// reading WEB4MSG_PPROF_ADDR and WEB4MSG_PPROF_ALLOW_PUBLIC.
func StartFromEnv(logw io.Writer) error {
	if strings.TrimSpace(os.Getenv("WEB4MSG_PPROF")) != "1" {
		return nil
	}
	startOnce.Do(func() {
		_, startErr = Start(Options{
			Addr:        strings.TrimSpace(os.Getenv("WEB4MSG_PPROF_ADDR")),
			AllowPublic: strings.TrimSpace(os.Getenv("WEB4MSG_PPROF_ALLOW_PUBLIC")) == "1",
		}, logw)
	})
	return startErr
}

// Start serves /debug/pprof/ on opts.Addr and returns the bound address.
// The server lives for the rest of the process.
func Start(opts Options, logw io.Writer) (string, error) {
	addr := opts.Addr
	if addr == "" {
		addr = defaultAddr
	}
	if !opts.AllowPublic && !isLoopbackBind(addr) {
		return "", fmt.Errorf("pprof addr must be loopback unless WEB4MSG_PPROF_ALLOW_PUBLIC=1: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("pprof listen failed: %w", err)
	}
	actual := ln.Addr().String()
	if logw != nil {
		fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", actual)
	}
	srv := &http.Server{
		Addr:              actual,
		Handler:           router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	return actual, nil
}

func router() http.Handler {
	r := chi.NewRouter()
	r.Mount("/debug", middleware.Profiler())
	return r
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
