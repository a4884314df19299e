// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ilyaizen/habistat-sub002/syncserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default :8080)")
	serveCmd.Flags().String("jwt-secret", "", "HMAC secret for bearer tokens")
	_ = viper.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("jwt_secret", serveCmd.Flags().Lookup("jwt-secret"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	secret := viper.GetString("jwt_secret")
	if secret == "" {
		return errors.New("jwt_secret is required (flag --jwt-secret or HABISYNC_JWT_SECRET)")
	}
	dsn := viper.GetString("database_url")
	if dsn == "" {
		return errors.New("database_url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	svc, err := syncserver.NewService(pool, &syncserver.ServiceConfig{
		AppName:  viper.GetString("app_name"),
		Entities: syncserver.DefaultEntities(),
	}, logger)
	if err != nil {
		return err
	}

	limiter := syncserver.NewPrincipalLimiter(
		viper.GetFloat64("rate_limit_rps"),
		viper.GetInt("rate_limit_burst"),
	)
	handlers := syncserver.NewHTTPSyncHandlers(svc, syncserver.NewJWTAuth(secret), limiter, logger, viper.GetString("app_name"))

	srv := &http.Server{
		Addr:         viper.GetString("addr"),
		Handler:      handlers.Mux(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sync server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
