package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/watchtower/api"
	"github.com/jmcleod/watchtower/config"
	"github.com/jmcleod/watchtower/internal/tlsutil"
	"github.com/jmcleod/watchtower/internal/util"
	"github.com/jmcleod/watchtower/storage"
	bboltstorage "github.com/jmcleod/watchtower/storage/bbolt"
	"github.com/jmcleod/watchtower/storage/postgres"
)

const (
	repositoryFile = "watchtower.db"
	signingKeyFile = "signing.key"
	signingKeyLen  = 32
)

func newServerCmd(opts *rootOptions) *cobra.Command {
	// Flags default to the environment, which defaults to the built-ins.
	cfg, envErr := config.LoadServer()
	if envErr != nil {
		cfg = config.Server{ListenPort: 8443, AccessTTL: api.DefaultAccessTTL,
			SessionTTL: api.DefaultSessionTTL, IdleTimeout: api.DefaultIdleTimeout}
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the reference SSO server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return fmt.Errorf("loading server config: %w", envErr)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cmd, opts.logger, cfg)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&cfg.ListenPort, "port", "p", cfg.ListenPort, "Port to listen on")
	f.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for persistent data")
	f.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL DSN; BBolt in the data directory when empty")
	f.StringVar(&cfg.TLSCert, "tls-cert", cfg.TLSCert, "Path to TLS certificate file")
	f.StringVar(&cfg.TLSKey, "tls-key", cfg.TLSKey, "Path to TLS key file")
	f.BoolVar(&cfg.SelfSigned, "self-signed", cfg.SelfSigned, "Serve TLS with a generated certificate")
	f.StringVar(&cfg.AllowedOrigin, "allowed-origin", cfg.AllowedOrigin, "Dashboard origin allowed to make credentialed requests")
	f.StringSliceVar(&cfg.TrustedProxies, "trusted-proxies", cfg.TrustedProxies, "CIDRs of proxies whose forwarding headers are trusted")
	f.DurationVar(&cfg.AccessTTL, "access-ttl", cfg.AccessTTL, "Access token lifetime")
	f.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "Refresh session lifetime")
	f.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Refresh session idle timeout")
	f.StringVar(&cfg.AuditWebhookURL, "audit-webhook-url", cfg.AuditWebhookURL, "URL that receives audit events")
	return cmd
}

func runServer(cmd *cobra.Command, logger *slog.Logger, cfg config.Server) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	repo, err := openRepository(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer repo.Close()

	key, err := loadSigningKey(cfg)
	if err != nil {
		return err
	}
	defer key.Destroy()

	wrappingKey, err := api.SessionWrappingKey(key.Bytes())
	if err != nil {
		return fmt.Errorf("deriving session key: %w", err)
	}
	sessions, err := api.NewPersistentSessionStore(repo, cfg.IdleTimeout, wrappingKey)
	util.WipeBytes(wrappingKey)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	proxies, err := api.WithTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	a, err := api.New(repo, key.Bytes(),
		api.WithLogger(logger),
		api.WithSessionStore(sessions),
		api.WithAccessTTL(cfg.AccessTTL),
		api.WithSessionTTL(cfg.SessionTTL),
		api.WithIdleTimeout(cfg.IdleTimeout),
		api.WithAllowedOrigin(cfg.AllowedOrigin),
		api.WithAuditWebhook(cfg.AuditWebhookURL, cfg.AuditWebhookAuth),
		api.WithAlertFunc(func(e api.AlertEvent) {
			logger.Warn("security alert",
				slog.String("type", string(e.Type)),
				slog.Int("count", e.Count),
				slog.Int("threshold", e.Threshold))
		}),
		proxies,
	)
	if err != nil {
		return err
	}
	defer a.Close()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Mount("/", a.Router())

	tlsConfig, err := tlsutil.ServerConfig(cfg.TLSCert, cfg.TLSKey, cfg.SelfSigned)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ListenPort),
		Handler:           r,
		TLSConfig:         tlsConfig,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	out := cmd.OutOrStdout()
	printBanner(out)
	scheme := "http"
	if tlsConfig != nil {
		scheme = "https"
	}
	fmt.Fprintf(out, "Listening on %s://localhost:%d (data: %s)\n", scheme, cfg.ListenPort, cfg.DataDir)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		fmt.Fprintln(out, "\nShutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}

type closingRepository interface {
	storage.Repository
	Close() error
}

// openRepository uses PostgreSQL when a database URL is configured and a
// BBolt file in the data directory otherwise.
func openRepository(ctx context.Context, cfg config.Server) (closingRepository, error) {
	if cfg.DatabaseURL != "" {
		return postgres.NewRepositoryFromDSN(ctx, cfg.DatabaseURL)
	}
	return bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, repositoryFile), nil)
}

// loadSigningKey returns the server master key in locked memory. It comes
// from the configuration when set, otherwise from the key file in the data
// directory, which is created on first start.
func loadSigningKey(cfg config.Server) (*memguard.LockedBuffer, error) {
	if cfg.SigningKey != "" {
		return decodeSigningKey(cfg.SigningKey)
	}
	path := filepath.Join(cfg.DataDir, signingKeyFile)
	raw, err := os.ReadFile(path)
	if err == nil {
		defer util.WipeBytes(raw)
		return decodeSigningKey(string(raw))
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}

	key, err := util.RandomBytes(signingKeyLen)
	if err != nil {
		return nil, err
	}
	encoded := []byte(hex.EncodeToString(key))
	defer util.WipeBytes(encoded)
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("writing signing key: %w", err)
	}
	return memguard.NewBufferFromBytes(key), nil
}

func decodeSigningKey(s string) (*memguard.LockedBuffer, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("signing key must be hex encoded: %w", err)
	}
	if len(key) < api.MinSigningKeyLen {
		util.WipeBytes(key)
		return nil, fmt.Errorf("signing key must be at least %d bytes, got %d", api.MinSigningKeyLen, len(key))
	}
	return memguard.NewBufferFromBytes(key), nil
}
