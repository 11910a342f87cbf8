package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openroads/roadsurvey/internal/config"
	"github.com/openroads/roadsurvey/internal/store"
	"github.com/openroads/roadsurvey/internal/survey"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "roadsurvey",
	Short: "Chainage-based road survey reconciliation and reporting",
	Long:  "Reconciles chainage-addressed survey records against the road link registry, regenerates programmatic surveys, and builds attribute reports.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore builds the configured store backend and runs migrations.
func openStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite", "":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool.MaxConns, cfg.Store.Pool.MinConns)
	case "memory":
		st = store.NewMemory()
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "open %s store", cfg.Store.Driver)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// loadRegistry returns the attribute registry, from file when configured.
func loadRegistry() (*config.Registry, error) {
	if cfg.Chainage.AttributesFile == "" {
		return config.DefaultRegistry(), nil
	}
	reg, err := config.LoadRegistry(cfg.Chainage.AttributesFile)
	if err != nil {
		return nil, eris.Wrapf(err, "load attribute registry %s", cfg.Chainage.AttributesFile)
	}
	return reg, nil
}

// newSynchronizer wires the synchronizer with the configured errata set and an
// optional report cache to invalidate on write.
func newSynchronizer(st store.Store, inv survey.Invalidator) *survey.Synchronizer {
	opts := []survey.Option{
		survey.WithErrata(config.NewErrata(cfg.Chainage.Errata)),
	}
	if inv != nil {
		opts = append(opts, survey.WithInvalidator(inv))
	}
	return survey.NewSynchronizer(st, opts...)
}
