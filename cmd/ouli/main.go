// Command ouli is the deterministic HTTP/WebSocket record-replay proxy.
//
// Each configured endpoint listens on its own source port, in either
// record mode (forward to a live upstream, persist the redacted
// interaction) or replay mode (serve a previously recorded interaction,
// never touching a live upstream). A single management API fronts every
// endpoint for status, metrics, session finalization, and replay warm-up.
//
// Usage:
//
//	./ouli
//
//	# Custom management port / recordings directory
//	MANAGEMENT_PORT=9191 RECORDINGS_DIR=/var/lib/ouli ./ouli
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ouli/internal/config"
	"ouli/internal/logger"
	"ouli/internal/management"
	"ouli/internal/metrics"
	"ouli/internal/mitm"
	"ouli/internal/record"
	"ouli/internal/redact"
	"ouli/internal/replay"
	"ouli/internal/store"
)

// runningEndpoint pairs a bound listener with the server that's serving it,
// so shutdown can close listeners before draining in-flight requests.
type runningEndpoint struct {
	name     string
	listener net.Listener
	server   *http.Server
}

func main() {
	cfg := config.Load()
	printBanner(cfg)

	if err := os.MkdirAll(cfg.RecordingsDir, 0o755); err != nil {
		log.Fatalf("[OULI] could not create recordings dir: %v", err)
	}

	m := metrics.New()

	var ca *mitm.CA
	if endpointsNeedTLS(cfg.Endpoints) {
		var err error
		ca, err = mitm.LoadOrGenerateCA(cfg.CACertFile, cfg.CAKeyFile, logger.New("MITM", cfg.LogLevel))
		if err != nil {
			log.Fatalf("[OULI] CA setup failed: %v", err)
		}
		for _, ec := range cfg.Endpoints {
			if ec.SourceType != "https" {
				continue
			}
			host := ec.TargetHost
			if host == "" {
				host = ec.Name
			}
			if err := ca.PreloadHost(host); err != nil {
				log.Fatalf("[OULI] endpoint %q: certificate preload for %q failed: %v", ec.Name, host, err)
			}
		}
	}

	checkpoint, err := store.OpenCheckpoint(cfg.CheckpointFile)
	if err != nil {
		log.Fatalf("[OULI] checkpoint open failed: %v", err)
	}
	defer checkpoint.Close() //nolint:errcheck

	readerTTL := time.Duration(cfg.ReaderCacheTTLSeconds) * time.Second
	responseTTL := time.Duration(cfg.ResponseCacheTTLSeconds) * time.Second
	chunkDelay := time.Duration(cfg.StreamingChunkDelayMs) * time.Millisecond

	endpoints := make(map[string]management.EndpointOps, len(cfg.Endpoints))
	var running []*runningEndpoint

	for _, ec := range cfg.Endpoints {
		redactor, err := redact.New(redact.Config{
			LiteralSecrets: ec.Secrets,
			RegexPatterns:  ec.RegexPatterns,
			JSONPaths:      ec.JSONPaths,
			RedactHeaders:  ec.RedactRequestHeaders,
		})
		if err != nil {
			log.Fatalf("[OULI] endpoint %q: invalid redaction config: %v", ec.Name, err)
		}

		var handler http.Handler
		switch ec.Mode {
		case "record":
			logr := logger.New(fmt.Sprintf("RECORD:%s", ec.Name), cfg.LogLevel).WithRedactor(redactor)
			srv, err := record.New(ec, cfg.RecordingsDir, redactor, m, logr, checkpoint)
			if err != nil {
				log.Fatalf("[OULI] endpoint %q: record.New: %v", ec.Name, err)
			}
			defer func(s *record.Server) {
				if err := s.FinalizeAll(); err != nil {
					log.Printf("[OULI] endpoint %q: finalize on shutdown: %v", ec.Name, err)
				}
			}(srv)
			endpoints[ec.Name] = srv
			handler = srv
		case "replay":
			logr := logger.New(fmt.Sprintf("REPLAY:%s", ec.Name), cfg.LogLevel).WithRedactor(redactor)
			srv, err := replay.New(ec, cfg.RecordingsDir, redactor, m, logr, readerTTL, responseTTL, cfg.ResponseCacheMaxBytes, chunkDelay)
			if err != nil {
				log.Fatalf("[OULI] endpoint %q: replay.New: %v", ec.Name, err)
			}
			endpoints[ec.Name] = srv
			handler = srv
		default:
			log.Fatalf("[OULI] endpoint %q: unknown mode %q (want \"record\" or \"replay\")", ec.Name, ec.Mode)
		}

		ln, err := listenForEndpoint(cfg, ec, ca)
		if err != nil {
			log.Fatalf("[OULI] endpoint %q: listen: %v", ec.Name, err)
		}
		srv := &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		running = append(running, &runningEndpoint{name: ec.Name, listener: ln, server: srv})
	}

	mgmt := management.New(cfg, endpoints, m)
	go func() {
		if err := mgmt.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[MANAGEMENT] Fatal: %v", err)
		}
	}()

	for _, re := range running {
		re := re
		log.Printf("[OULI] endpoint %q listening on %s", re.name, re.listener.Addr())
		go func() {
			if err := re.server.Serve(re.listener); err != nil && err != http.ErrServerClosed {
				log.Fatalf("[OULI] endpoint %q: %v", re.name, err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("[OULI] shutting down…")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, re := range running {
		if err := re.server.Shutdown(ctx); err != nil {
			log.Printf("[OULI] endpoint %q: shutdown error: %v", re.name, err)
		}
	}
}

// endpointsNeedTLS reports whether any endpoint terminates TLS at its own
// listener, in which case the shared MITM CA must be available to mint a
// leaf certificate for it.
func endpointsNeedTLS(endpoints []config.EndpointConfig) bool {
	for _, ec := range endpoints {
		if ec.SourceType == "https" {
			return true
		}
	}
	return false
}

// listenForEndpoint binds ec's source port. An "https" source terminates
// TLS at the listener using a CA-signed leaf certificate for the
// endpoint's target host, so record/replay.Server only ever sees
// plaintext HTTP.
func listenForEndpoint(cfg *config.Config, ec config.EndpointConfig, ca *mitm.CA) (net.Listener, error) {
	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, ec.SourcePort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if ec.SourceType != "https" {
		return ln, nil
	}
	host := ec.TargetHost
	if host == "" {
		host = ec.Name
	}
	return tls.NewListener(ln, ca.TLSConfigForHost(host)), nil
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║               Ouli Record/Replay Proxy                ║
╚══════════════════════════════════════════════════════╝
  Management port : %d
  Recordings dir   : %s
  Endpoints        : %d

  Check status:
    curl http://%s:%d/status
`, cfg.ManagementPort, cfg.RecordingsDir, len(cfg.Endpoints), cfg.BindAddress, cfg.ManagementPort)
}
