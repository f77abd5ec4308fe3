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

	"github.com/mysticmarks/llm-runner-router/internal/app"
	"github.com/mysticmarks/llm-runner-router/internal/config"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return exitWith(exitConfig, err)
			}

			application, err := app.New(cfg)
			if err != nil {
				return exitWith(exitConfig, err)
			}
			defer application.Close()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			serverErrors := make(chan error, 1)
			go func() {
				if serveErr := application.Server.Start(); serveErr != nil && serveErr != http.ErrServerClosed {
					serverErrors <- serveErr
				}
			}()

			select {
			case err := <-serverErrors:
				return exitWith(exitUnreachable, fmt.Errorf("server error: %w", err))
			case sig := <-sigChan:
				application.Logger.WithField("signal", sig.String()).Info("Shutdown signal received")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := application.Server.Stop(shutdownCtx); err != nil {
				return exitWith(exitUnreachable, fmt.Errorf("server shutdown failed: %w", err))
			}
			application.Logger.Info("Graceful shutdown completed")
			return nil
		},
	}
}
