package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/cory-johannsen/gtserver/internal/config"
)

func newMigrateCmd() *cobra.Command {
	var (
		configPath string
		direction  string
		steps      int
		source     string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			m, err := migrate.New("file://"+source, cfg.Database.DSN())
			if err != nil {
				return fmt.Errorf("creating migrator: %w", err)
			}
			defer m.Close()

			err = runMigration(m, direction, steps)
			if err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("migration failed: %w", err)
			}

			v, dirty, _ := m.Version()
			if errors.Is(err, migrate.ErrNoChange) {
				fmt.Fprintf(cmd.OutOrStdout(), "no changes (version=%d dirty=%v) [%s]\n", v, dirty, time.Since(start))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s to version=%d dirty=%v [%s]\n", direction, v, dirty, time.Since(start))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "configs/dev.yaml", "path to configuration file")
	cmd.Flags().StringVar(&direction, "direction", "up", "migration direction: up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	cmd.Flags().StringVar(&source, "path", "migrations", "directory holding the migration files")
	return cmd
}

// migrator is the part of *migrate.Migrate the command drives.
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
}

func runMigration(m migrator, direction string, steps int) error {
	switch direction {
	case "up":
		if steps > 0 {
			return m.Steps(steps)
		}
		return m.Up()
	case "down":
		if steps > 0 {
			return m.Steps(-steps)
		}
		return m.Down()
	default:
		return fmt.Errorf("invalid direction %q: must be 'up' or 'down'", direction)
	}
}
