package cli

import (
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"edgeattend/internal/attendance"
	"edgeattend/internal/store"
)

// NewMigrateCommand applies the central schema. It talks to the database
// directly, not to the daemon.
func NewMigrateCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the central attendance schema if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := slog.Make(sloghuman.Sink(cmd.ErrOrStderr()))

			db, err := store.NewDB(root.Config.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			central := store.NewCentral(db, root.Config.CentralTimeout, logger.Named("central"))
			if !central.Connect(ctx) {
				return xerrors.Errorf("connect central store: %w", attendance.ErrStoreUnreachable)
			}
			if err := central.Migrate(ctx); err != nil {
				return err
			}
			return root.print(cmd.OutOrStdout(), map[string]bool{"migrated": true}, func(w io.Writer) error {
				return printf(w, "central schema is up to date\n")
			})
		},
	}
}
