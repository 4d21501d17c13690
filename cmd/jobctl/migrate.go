package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"imagejobs/internal/infra"
	"imagejobs/internal/migrate"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if cfg.StoreBackend != infra.StoreBackendPostgres {
		return fmt.Errorf("migrate requires STORE_BACKEND=postgres")
	}
	ctx := cmd.Context()
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := migrate.Run(ctx, pool, logger.Level(zerolog.InfoLevel)); err != nil {
		return err
	}
	versions, err := migrate.Versions()
	if err != nil {
		return err
	}
	fmt.Printf("schema up to date (%d migrations)\n", len(versions))
	return nil
}
