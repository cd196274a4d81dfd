// Package main runs the provisioning service that the http profile driver
// talks to. Servers it creates are simulated and live in memory.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│              Provisioner                │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /servers             - create, list  │
//	│    /servers/{id}        - status, delete│
//	│    /servers/{id}/{op}   - reboot,       │
//	│                           rebuild,      │
//	│                           recreate      │
//	│    /servers/{id}/status - inject faults │
//	│    /servers/{id}/health - URL polling   │
//	│    /stats               - op counters   │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - PROVISIONER_LISTEN: Listen address (default: ":9090")
//   - PROVISIONER_ADDR: Public base URL advertised in server addresses
//     (default: "http://127.0.0.1:9090")
//   - PROVISIONER_TOKEN: Bearer token required on /servers (optional)
//   - LOG_LEVEL, LOG_FORMAT: zap settings
//
// Example usage:
//
//	PROVISIONER_ADDR=http://localhost:9090 ./provisioner
//
//	# conductor.yaml
//	profiles:
//	  - id: vm
//	    type: http-1.0
//	    endpoint: http://localhost:9090
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/conductor/internal/logger"
	"github.com/dreamware/conductor/internal/provisioner"
)

func main() {
	listen := getenv("PROVISIONER_LISTEN", ":9090")
	public := getenv("PROVISIONER_ADDR", "http://127.0.0.1:9090")

	logger.Initialize(getenv("LOG_LEVEL", "INFO"), logger.Format(getenv("LOG_FORMAT", "CONSOLE")))
	defer func() { _ = logger.Sync() }()
	log := logger.For(logger.ComponentProfile)

	svc := provisioner.New(public, provisioner.WithToken(os.Getenv("PROVISIONER_TOKEN")), provisioner.WithLogger(log))

	s := &http.Server{
		Addr:              listen,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infow("provisioner listening", "listen", listen, "public", public)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("listen", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		log.Warnw("server shutdown", "error", err)
	}
	log.Infow("provisioner stopped", "servers", len(svc.Servers()))
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
