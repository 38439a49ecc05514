package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	bridge "github.com/helpdesk-mcp/oauth-bridge"
	"github.com/helpdesk-mcp/oauth-bridge/instrumentation"
	"github.com/helpdesk-mcp/oauth-bridge/provider"
)

var (
	serveAddr    string
	serveEnvFile string
	serveDebug   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the oauth-bridge HTTP server",
	Long: `Starts the broker's HTTP server. Configuration is read from the
environment (optionally loaded from a .env file):

  BRIDGE_PROVIDER_BASE_URL    upstream provider base URL (required)
  BRIDGE_CLIENT_ID            client ID at the provider (required)
  BRIDGE_CLIENT_SECRET        client secret at the provider
  BRIDGE_REDIRECT_URL         this server's callback URL (required)
  BRIDGE_SCOPES               space-separated default scopes
  BRIDGE_RATE_LIMIT           requests per second per IP (0 disables)
  BRIDGE_RATE_BURST           burst per IP
  BRIDGE_ALLOW_NO_PKCE        "true" permits PKCE-less redemption
  BRIDGE_AUDIT_LOGGING        "true" enables security audit logging

The server shuts down gracefully on SIGINT and SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveEnvFile != "" {
		if err := godotenv.Load(serveEnvFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", serveEnvFile, err)
		}
	} else {
		// Best effort; a missing .env is not an error.
		_ = godotenv.Load()
	}

	level := slog.LevelInfo
	if serveDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "oauth-bridge",
		ServiceVersion: rootCmd.Version,
		Enabled:        true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}

	cfg := &bridge.Config{
		Provider: provider.Config{
			BaseURL:      os.Getenv("BRIDGE_PROVIDER_BASE_URL"),
			ClientID:     os.Getenv("BRIDGE_CLIENT_ID"),
			ClientSecret: os.Getenv("BRIDGE_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("BRIDGE_REDIRECT_URL"),
			Scopes:       strings.Fields(os.Getenv("BRIDGE_SCOPES")),
		},
		RateLimit: bridge.RateLimitConfig{
			Rate:  envInt("BRIDGE_RATE_LIMIT", 10),
			Burst: envInt("BRIDGE_RATE_BURST", 20),
		},
		Security: bridge.SecurityConfig{
			AllowRedemptionWithoutPKCE: os.Getenv("BRIDGE_ALLOW_NO_PKCE") == "true",
			EnableAuditLogging:         os.Getenv("BRIDGE_AUDIT_LOGGING") == "true",
		},
		Logger:          logger,
		Instrumentation: inst,
	}

	broker, err := bridge.New(cfg)
	if err != nil {
		return err
	}
	defer broker.Close()

	mux := http.NewServeMux()
	bridge.NewHandler(broker).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              serveAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting oauth-bridge", "addr", serveAddr, "version", rootCmd.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return inst.Shutdown(shutdownCtx)
}

// envInt reads an integer environment variable, falling back on absence or
// parse failure.
func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().StringVar(&serveEnvFile, "env-file", "", "Path to a .env file to load before reading configuration")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
}
