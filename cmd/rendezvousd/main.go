// Command rendezvousd runs the rendezvous proxy: it wires configuration,
// logging, the session directory, the protocol adapters, and the HTTP
// server together, then blocks until an OS signal requests shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ikermy/rendezvous-proxy/internal/conf"
	"github.com/ikermy/rendezvous-proxy/internal/httpserver"
	"github.com/ikermy/rendezvous-proxy/internal/metrics"
	"github.com/ikermy/rendezvous-proxy/internal/obslog"
	"github.com/ikermy/rendezvous-proxy/internal/runmode"
	"github.com/ikermy/rendezvous-proxy/internal/sessionmgr"
	"github.com/ikermy/rendezvous-proxy/internal/turnhandler"
)

func main() {
	cfg, err := conf.NewConf()
	if err != nil {
		obslog.Fatal("loading configuration: %v", err)
	}

	if cfg.Log.Path != "" {
		obslog.Set(cfg.Log.Path)
	}

	if os.Getenv("FIXED_MODE") == "1" {
		runmode.SetFixedMode(true)
		obslog.Warn("FIXED_MODE=1: every exchange answers with a canned echo, no peer required")
	}

	mgr := sessionmgr.New(sessionmgr.Options{
		MaxSessions:     cfg.Session.MaxSessions,
		SessionTTL:      time.Duration(cfg.Session.SessionTTLSeconds) * time.Second,
		CleanupInterval: time.Duration(cfg.Session.CleanupIntervalSeconds) * time.Second,
		EvictWhenFull:   true,
	})

	reg := metrics.New(mgr)

	th := &turnhandler.Handler{
		Manager: mgr,
		Cfg:     cfg.Session,
		Metrics: reg,
	}

	mux := httpserver.NewMux(th, mgr, reg, cfg.Server.MetricsEnabled, time.Now(), cfg.Log.Path)
	srv := httpserver.New(cfg.Server.Addr, mux)

	errCh := make(chan error, 1)
	if err := srv.Start(errCh); err != nil {
		obslog.Fatal("starting server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		obslog.Error("server error: %v", err)
	case sig := <-sigCh:
		obslog.Info("received signal %v, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		obslog.Error("server shutdown: %v", err)
	}
	mgr.Shutdown(shutdownCtx)
}
