package main

import (
	"context"
	"fmt"
	"time"

	"CoverLedger/internal/config"
	"CoverLedger/internal/core"
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"
	"CoverLedger/internal/projection"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the event log schema",
	}
	run := func(action func(context.Context, *persistence.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, _, flush, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			defer flush()
			db, err := openDB(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			return action(cmd.Context(), persistence.NewMigrator(db, persistence.Migrations()))
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: run(func(ctx context.Context, m *persistence.Migrator) error {
				return m.Up(ctx)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: run(func(ctx context.Context, m *persistence.Migrator) error {
				return m.Down(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied migrations",
			RunE: run(func(ctx context.Context, m *persistence.Migrator) error {
				applied, err := m.Status(ctx)
				if err != nil {
					return err
				}
				for _, v := range applied {
					fmt.Println(v)
				}
				return nil
			}),
		},
	)
	return cmd
}

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Maintain the read model",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Truncate the projections and replay the event log into them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, flush, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			defer flush()
			ctx := cmd.Context()

			db, err := openDB(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			store, err := projection.NewStore(ctx, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer store.Close()

			op := &operator{
				snapshots: persistence.NewSnapshotManager(db),
				store:     store,
				stateCfg:  cfg.StateConfig(),
				logger:    observability.NewLogger("rebuild"),
			}
			last, err := op.RebuildProjections(ctx)
			if err != nil {
				return err
			}
			logger.Info().Int64("sequence", last).Msg("rebuild finished")
			return nil
		},
	})
	return cmd
}

func genesisCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "Inspect genesis files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a genesis file by applying it to an empty in-memory ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, flush, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			defer flush()
			return validateGenesis(cmd.Context(), args[0], cfg)
		},
	})
	return cmd
}

func validateGenesis(ctx context.Context, path string, cfg *config.Config) error {
	stateCfg := cfg.StateConfig()
	g, err := config.LoadGenesis(path)
	if err != nil {
		return err
	}
	cmds, err := g.Commands(stateCfg.Owner)
	if err != nil {
		return err
	}

	scratch, err := core.NewDeterministicCore(stateCfg, core.Options{LRUCapacity: len(cmds) + 1}, nil, nil)
	if err != nil {
		return err
	}
	runner := core.NewRunner(scratch, len(cmds)+1, observability.NewLogger("genesis"))
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	go runner.Run(ctx)

	ingest := ingestion.NewIngestService(ingestion.NewParser(ingestion.CoreAssets{Runner: runner}), runner)
	for _, evt := range cmds {
		if _, err := ingest.Submit(ctx, evt); err != nil {
			return fmt.Errorf("%s: %w", evt.IdempotencyKey(), err)
		}
	}
	cancel()
	<-runner.Done()
	hash := scratch.GetStateHash()
	fmt.Printf("ok: %d commands, %d pools, state hash %x\n", len(cmds), len(g.Pools), hash)
	return nil
}
