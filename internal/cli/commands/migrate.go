package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alvesdmateus/deployctl/internal/state"
	"github.com/alvesdmateus/deployctl/pkg/database"
)

type migrateOpts struct {
	*rootOpts
}

func newMigrate(parent *rootOpts) *migrateOpts {
	return &migrateOpts{rootOpts: parent}
}

func (opts *migrateOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the control plane schema",
		RunE:  opts.RunE,
	}
}

func (opts *migrateOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	b, err := opts.open()
	if err != nil {
		return err
	}
	if err := database.HealthCheck(b.db); err != nil {
		return err
	}
	models := state.Models()
	missing := database.MissingTables(b.db, models...)
	if err := database.Migrate(b.db, models...); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, table := range missing {
		fmt.Fprintf(out, "Created table %s\n", table)
	}
	fmt.Fprintln(out, "Schema is up to date")
	return nil
}
