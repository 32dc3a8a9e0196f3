package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	pkgdatabase "proctorhub/pkg/database"
)

var migrateCommands = []string{"up", "down", "status", "version", "redo", "reset"}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status|version|redo|reset]",
		Short:     "Manage the database schema",
		Long:      `Migrate runs a goose command against the embedded migrations. The default is "up".`,
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: migrateCommands,
		RunE:      runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	command := "up"
	if len(args) == 1 {
		command = args[0]
	}

	db, err := pkgdatabase.Open(&pkgdatabase.Config{
		Driver:          cfg.Database.Driver,
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  1,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := pkgdatabase.Migrate(cmd.Context(), db, command); err != nil {
		return err
	}
	v, err := pkgdatabase.SchemaVersion(cmd.Context(), db)
	if err != nil {
		return err
	}
	logger.Info("migration complete", "command", command, "path", cfg.Database.Path)
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
	return nil
}
