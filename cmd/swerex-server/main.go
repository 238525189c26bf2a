// Package main provides the entry point for the swerex-server binary.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ajaxzhan/swerex-go/internal/config"
	"github.com/ajaxzhan/swerex-go/internal/httpapi"
	"github.com/ajaxzhan/swerex-go/internal/logging"
	"github.com/ajaxzhan/swerex-go/internal/registry"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	var (
		configPath  string
		host        string
		port        int
		authToken   string
		showVersion bool
	)

	var authTokenSet bool

	cmd := &cobra.Command{
		Use:   "swerex-server",
		Short: "swerex-server runs the remote bash execution runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Println(version)
				return nil
			}
			if !authTokenSet {
				return fmt.Errorf("--auth-token is required (pass an empty string to disable auth)")
			}
			overrides := flagOverrides{
				host:      host,
				hostSet:   cmd.Flags().Changed("host"),
				port:      port,
				portSet:   cmd.Flags().Changed("port"),
				authToken: authToken,
			}
			return run(configPath, overrides)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file (YAML, overridden by flags below)")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "address to bind the HTTP server to")
	cmd.Flags().IntVar(&port, "port", 8000, "port to bind the HTTP server to")
	cmd.Flags().StringVar(&authToken, "auth-token", "", "API key required on X-API-Key (empty disables auth)")
	cmd.Flags().BoolVarP(&showVersion, "version", "v", false, "print version and exit")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		authTokenSet = cmd.Flags().Changed("auth-token")
		if showVersion && (cmd.Flags().Changed("host") || cmd.Flags().Changed("port") || authTokenSet || cmd.Flags().Changed("config")) {
			return fmt.Errorf("--version cannot be combined with other flags")
		}
		return nil
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// flagOverrides carries the CLI flags that take precedence over whatever
// config.LoadOrDefault returned, the way agentfense-server/main.go layers
// its own flag overrides on top of the loaded config.
type flagOverrides struct {
	host      string
	hostSet   bool
	port      int
	portSet   bool
	authToken string
}

func run(configPath string, overrides flagOverrides) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if overrides.hostSet {
		cfg.Server.Host = overrides.host
	}
	if overrides.portSet {
		cfg.Server.Port = overrides.port
	}
	cfg.Server.AuthToken = overrides.authToken

	if err := logging.Init(&logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logging.Sync()

	reg := registry.New(cfg.Session.GetDefaultActionTimeout(), logging.L())
	srv := httpapi.NewServer(reg, cfg.Server.AuthToken, logging.L())

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: srv.Router(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logging.Info("shutting down")
		if err := reg.Close(); err != nil {
			logging.Warn("error closing registry", logging.Err(err))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	}()

	logging.Info("listening", logging.String("addr", httpServer.Addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}
