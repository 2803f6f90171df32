// Command rendezvous runs the signaling server that pairs NATed peers.
//
// Peers keep a persistent connection open, register a username together with
// their local UDP port, and ask to be connected to another username. The
// server answers both sides with the other's public IP and UDP port so they
// can punch a direct path.
//
// Usage:
//
//	rendezvous [flags]
//
// Flags:
//
//	-addr string          Signaling listen address (default ":5555")
//	-admin string         Admin HTTP listen address, empty to disable (default ":8080")
//	-idle-timeout dur     Drop connections silent for this long (default 0, never)
//	-log-level string     trace, debug, info, warn or error (default "info")
//	-log-json             Log as JSON
//
// Endpoints on the admin address:
//
//	WebSocket: ws://host:port/ws
//	Health:    GET /health
//	Stats:     GET /api/stats
//	Peers:     GET /api/peers
//	Peer:      GET /api/peers/{username}
//	Metrics:   GET /metrics
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/saintparish4/rendezvous/internal/signaling"
)

var (
	version = "dev" // Set via ldflags
)

func main() {
	defaults := signaling.DefaultConfig()
	if env := os.Getenv("RENDEZVOUS_ADDR"); env != "" {
		defaults.Addr = env
	}

	// Parse command line flags
	addr := flag.String("addr", defaults.Addr, "Signaling listen address (env RENDEZVOUS_ADDR)")
	admin := flag.String("admin", defaults.AdminAddr, "Admin HTTP listen address, empty to disable")
	idleTimeout := flag.Duration("idle-timeout", defaults.IdleTimeout, "Drop connections idle for this long (0 = never)")
	logLevel := flag.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	logJSON := flag.Bool("log-json", false, "Log as JSON")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rendezvous %s\n", version)
		os.Exit(0)
	}

	logger, err := newLogger(*logLevel, *logJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cfg := defaults
	cfg.Addr = *addr
	cfg.AdminAddr = *admin
	cfg.IdleTimeout = *idleTimeout
	cfg.Metrics = signaling.NewMetrics(reg)
	cfg.Logger = logger

	server := signaling.NewServer(cfg)

	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("shutdown incomplete")
		}
	}()

	if err := server.ListenAndServe(ctx); err != nil {
		logger.WithError(err).Fatal("server error")
	}
	logger.Info("server stopped")
}

func newLogger(level string, asJSON bool) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetLevel(lvl)
	if asJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

func printBanner(cfg signaling.Config) {
	fmt.Println()
	fmt.Println("  rendezvous")
	fmt.Println("  signaling server")
	fmt.Println()
	fmt.Printf(" Signaling:  tcp %s\n", cfg.Addr)
	if cfg.AdminAddr != "" {
		fmt.Printf(" WebSocket:  ws://localhost%s/ws\n", cfg.AdminAddr)
		fmt.Printf(" Health:     http://localhost%s/health\n", cfg.AdminAddr)
		fmt.Printf(" Stats:      http://localhost%s/api/stats\n", cfg.AdminAddr)
		fmt.Printf(" Peers:      http://localhost%s/api/peers\n", cfg.AdminAddr)
		fmt.Printf(" Metrics:    http://localhost%s/metrics\n", cfg.AdminAddr)
	}
	fmt.Println()
	fmt.Println(" Press Ctrl+C to stop")
	fmt.Println()
}
