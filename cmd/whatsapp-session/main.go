// Package main runs a standalone WhatsApp session: it pairs by QR code or
// phone number, keeps the connection alive and logs incoming messages.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/config"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/pkg/whatsapp"
)

const shutdownTimeout = 5 * time.Second

var (
	configPath  = pflag.String("config", "config.yaml", "Path to config file")
	logoutStore = pflag.Bool("logout-store", false, "Drop the configured auth store collection and exit")
	qrFile      = pflag.String("qr-file", "", "Also write each pairing QR code to this PNG file")
)

func main() {
	pflag.String("log-level", "", "Log level (debug, info, warn, error)")
	pflag.String("log-format", "", "Log format (json, text)")
	pflag.String("session-dir", "", "Directory holding the session state")
	pflag.String("phone", "", "Pair by phone number instead of QR code")
	pflag.String("device-name", "", "Device name shown in linked devices")
	pflag.String("browser", "", "Browser profile (macOS, windows, ubuntu, baileys, appropriate)")
	pflag.String("auth-store-url", "", "MongoDB URL for auth state")
	pflag.Bool("metrics", false, "Serve Prometheus metrics")
	pflag.Int("metrics-port", 0, "Metrics port")
	pflag.Parse()

	v := viper.New()
	for key, flag := range map[string]string{
		"log_level":         "log-level",
		"log_format":        "log-format",
		"session_directory": "session-dir",
		"phone_number":      "phone",
		"device_name":       "device-name",
		"browser_profile":   "browser",
		"auth_store.url":    "auth-store-url",
		"metrics_enabled":   "metrics",
		"metrics_port":      "metrics-port",
	} {
		if err := v.BindPFlag(key, pflag.Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to bind flag %s: %v\n", flag, err)
			os.Exit(1)
		}
	}

	cfg, err := config.LoadConfigWith(v, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := whatsapp.NewLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *logoutStore {
		if err := whatsapp.LogoutStore(ctx, cfg.AuthStore, logger); err != nil {
			logger.Error("Failed to drop auth store", "error", err)
			os.Exit(1)
		}
		logger.Info("Auth store dropped", "database", cfg.AuthStore.DatabaseName, "collection", cfg.AuthStore.CollectionName)
		return
	}

	if err := os.MkdirAll(cfg.SessionDirectory, 0o700); err != nil {
		logger.Error("Failed to create session directory", "error", err)
		os.Exit(1)
	}
	if dir := filepath.Dir(cfg.LogPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			logger.Error("Failed to create log directory", "error", err)
			os.Exit(1)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client, err := whatsapp.New(cfg, whatsapp.WithRegistry(reg))
	if err != nil {
		logger.Error("Failed to create WhatsApp client", "error", err)
		os.Exit(1)
	}
	defer client.Stop()

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metricsServer = serveMetrics(reg, cfg.MetricsPort, logger)
	}

	done := make(chan struct{})
	var doneOnce bool
	finish := func() {
		if !doneOnce {
			doneOnce = true
			close(done)
		}
	}

	client.OnQR(func(code string) { showQR(code, logger) })
	client.OnPairingCode(func(code string) {
		fmt.Fprintln(os.Stderr, "╔══════════════════════════════════════════╗")
		fmt.Fprintf(os.Stderr, "║  Pairing code: %-26s║\n", code)
		fmt.Fprintln(os.Stderr, "║  WhatsApp > Linked devices > Link with   ║")
		fmt.Fprintln(os.Stderr, "║  phone number instead                    ║")
		fmt.Fprintln(os.Stderr, "╚══════════════════════════════════════════╝")
	})
	client.OnReady(func() {
		logger.Info("Session ready", "state", client.State())
	})
	client.OnReconnect(func() {
		logger.Info("Session reconnected", "retries", client.Status().RetryCount)
	})
	client.OnMessage(func(msg whatsapp.Message) {
		logger.Info("Message received",
			"from", msg.Key.RemoteJID,
			"id", msg.Key.ID,
			"push_name", msg.PushName,
			"text", msg.Text,
		)
	})
	client.OnMessageFromClient(func(msg whatsapp.Message) {
		logger.Debug("Message sent from this account", "to", msg.Key.RemoteJID, "id", msg.Key.ID)
	})
	// Listeners run on the session goroutine, so finish needs no lock.
	client.OnLogout(func() {
		logger.Warn("Session logged out")
		finish()
	})
	client.OnError(func(err error) {
		logger.Error("Session failed", "error", err)
		if errors.Is(err, whatsapp.ErrRetryExhausted) {
			finish()
		}
	})

	logger.Info("WhatsApp session starting",
		"config", *configPath,
		"session_directory", cfg.SessionDirectory,
		"log_path", cfg.LogPath,
		"auth_store", cfg.AuthStore.Enabled(),
	)

	if err := client.Start(ctx); err != nil {
		logger.Error("Failed to start session", "error", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case <-done:
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", "error", err)
		}
		cancel()
	}

	logger.Info("WhatsApp session stopped")
}

func showQR(code string, logger *slog.Logger) {
	if *qrFile != "" {
		if err := qrcode.WriteFile(code, qrcode.Medium, 256, *qrFile); err != nil {
			logger.Error("Failed to save QR code to file", "error", err)
		} else {
			logger.Info("QR code saved to file - open this file to scan", "path", *qrFile)
		}
	}

	fmt.Fprintln(os.Stderr, "╔══════════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║  Scan this QR code with WhatsApp Mobile  ║")
	fmt.Fprintln(os.Stderr, "╚══════════════════════════════════════════╝")
	qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stderr)
	fmt.Fprintln(os.Stderr, "")
}

func serveMetrics(reg *prometheus.Registry, port int, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Serving metrics", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}
