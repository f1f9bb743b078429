// Command labflow runs the diagnostic test request lifecycle server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"labflow/internal/adapters/httpapi"
	"labflow/internal/config"
	"labflow/pkg/domain"
)

var (
	version  = "dev"
	exitFunc = os.Exit
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		exitFunc(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "labflow",
		Short:         "Diagnostic test request lifecycle server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (yaml, json or toml)")
	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}
	root.AddCommand(serveCmd(load), migrateCmd(load), tokenCmd(load), versionCmd())
	return root
}

func serveCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	app, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.Handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info("labflow listening", "addr", cfg.Server.Addr, "storage", cfg.Storage.Driver, "blob", cfg.Blob.Driver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	app.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func migrateCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the request store schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			defer func() { _ = store.Close() }()
			fmt.Fprintf(cmd.OutOrStdout(), "schema applied for %s storage\n", cfg.Storage.Driver)
			return nil
		},
	}
}

func tokenCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		subject, name, role, center string
		ttl                         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for an actor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Auth.Mode != config.AuthModeJWT {
				return fmt.Errorf("tokens are only used when auth.mode is %s", config.AuthModeJWT)
			}
			parsed, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			auth := httpapi.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
			token, err := auth.Issue(domain.Actor{ID: subject, Name: name, Role: parsed, CenterID: center}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "actor display name")
	cmd.Flags().StringVar(&role, "role", "", "actor role")
	cmd.Flags().StringVar(&center, "center", "", "actor center id")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
