package main

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"CoverLedger/internal/config"
	"CoverLedger/internal/observability"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "coverd",
		Short:         "Cover pricing and accounting ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./coverd.yaml or /etc/coverd/coverd.yaml)")
	root.PersistentFlags().String("database.dsn", "", "postgres DSN")
	root.PersistentFlags().String("log.level", "", "log level")

	root.AddCommand(serveCmd(), migrateCmd(), projectCmd(), genesisCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "coverd:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config and routes every component logger through it.
// The returned func flushes the log file.
func loadConfig(flags *pflag.FlagSet) (*config.Config, zerolog.Logger, func(), error) {
	cfg, err := config.Load(cfgFile, flags)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	closer := observability.ConfigureLogging(cfg.Log)
	return cfg, observability.NewLogger("coverd"), func() { closer.Close() }, nil
}

func openDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}
