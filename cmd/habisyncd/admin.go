// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ilyaizen/habistat-sub002/syncserver"
)

var migrateColorsCmd = &cobra.Command{
	Use:   "migrate-legacy-colors",
	Short: "Rewrite legacy hex color themes to named themes (one-shot)",
	RunE:  runMigrateColors,
}

var issueTokenCmd = &cobra.Command{
	Use:   "issue-token PRINCIPAL DEVICE_ID",
	Short: "Issue a bearer token for testing and tooling",
	Args:  cobra.ExactArgs(2),
	RunE:  runIssueToken,
}

func init() {
	issueTokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(migrateColorsCmd)
	rootCmd.AddCommand(issueTokenCmd)
}

func runMigrateColors(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	dsn := viper.GetString("database_url")
	if dsn == "" {
		return errors.New("database_url is required")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	svc, err := syncserver.NewService(pool, nil, logger)
	if err != nil {
		return err
	}

	result, err := svc.MigrateLegacyColors(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("scanned %d calendars, updated %d\n", result.CalendarsScanned, result.CalendarsUpdated)
	return nil
}

func runIssueToken(cmd *cobra.Command, args []string) error {
	secret := viper.GetString("jwt_secret")
	if secret == "" {
		return errors.New("jwt_secret is required")
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")

	token, err := syncserver.NewJWTAuth(secret).GenerateToken(args[0], args[1], ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
