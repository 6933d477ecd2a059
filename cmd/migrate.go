package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/contact-identity/internal/contact"
	"github.com/sells-group/contact-identity/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	Long:  "Applies pending SQL migrations for contacts, LID mappings and merge runs in lexicographic order, then refreshes contact name keys.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pg, err := openPostgres(ctx)
		if err != nil {
			return err
		}
		defer pg.Close() //nolint:errcheck

		if err := pg.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}

		refreshed, err := contact.NewPostgresStore(pg.Pool()).RefreshNameKeys(ctx)
		if err != nil {
			return eris.Wrap(err, "migrate")
		}

		names, _ := db.MigrationNames()
		zap.L().Info("all migrations applied successfully",
			zap.Int("migrations", len(names)),
			zap.Int64("name_keys_refreshed", refreshed),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
