package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/kvforge/pkg/config"
	"github.com/cuemby/kvforge/pkg/fts"
	"github.com/cuemby/kvforge/pkg/queue"
	"github.com/cuemby/kvforge/pkg/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the kvforge schema to the configured data directory",
	Long: `migrate opens (creating if needed) the SQLite database under the
configured data directory and applies the kv_entries, kv_queue, kv_dlq,
and FTS catalog schemas. storage.Open/queue.Open/fts.Open apply their
schema unconditionally, so this command exists to let an operator
provision storage ahead of the first "kvforge serve" without starting
the HTTP server.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().String("data-dir", "", "Override the configured data directory")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfgPath, _ := rootCmd.PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	dbPath := cfg.DataDir + "/kvforge.db"
	store, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := queue.Open(store); err != nil {
		return err
	}
	if _, err := fts.Open(store.DB()); err != nil {
		return err
	}

	fmt.Printf("kvforge schema applied: %s\n", dbPath)
	return nil
}
