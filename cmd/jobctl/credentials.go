package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"imagejobs/internal/infra"
	"imagejobs/internal/infra/credentials"
)

var qwenKeyFlag string

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage provider credentials stored in the database",
}

var setQwenKeyCmd = &cobra.Command{
	Use:   "set-qwen-key",
	Short: "Store the Qwen API key used when QWEN_API_KEY is unset",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key := strings.TrimSpace(qwenKeyFlag)
		if key == "" {
			key = strings.TrimSpace(os.Getenv("QWEN_API_KEY"))
		}
		if key == "" {
			return fmt.Errorf("QWEN API key is required via --key or environment")
		}
		if cfg.StoreBackend != infra.StoreBackendPostgres {
			return fmt.Errorf("credentials require STORE_BACKEND=postgres")
		}

		ctx := cmd.Context()
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		store := credentials.NewStore(infra.NewSQLRunner(pool, logger))
		if err := store.SetQwenAPIKey(ctx, key, map[string]any{"model": cfg.QwenModel}); err != nil {
			return fmt.Errorf("persist qwen api key: %w", err)
		}
		fmt.Println("qwen api key stored")
		return nil
	},
}

func init() {
	setQwenKeyCmd.Flags().StringVar(&qwenKeyFlag, "key", "", "API key (defaults to QWEN_API_KEY)")
	credentialsCmd.AddCommand(setQwenKeyCmd)
}
