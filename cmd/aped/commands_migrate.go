package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildMigrateCmd creates the "migrate" command group. APE's schema
// migration is idempotent and runs automatically whenever the store
// opens (storage.Open probes and adds missing columns), so "migrate
// up" simply opens and closes the store to apply it out of band.
func buildMigrateCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded SQL schema migration",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "ape.db", "Path to the SQLite database file")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Create missing tables/columns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd, dbPath)
		},
	})

	return cmd
}

func runMigrateUp(cmd *cobra.Command, dbPath string) error {
	s, err := openStore(cmd.Context(), dbPath)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "schema up to date: %s\n", dbPath)
	return nil
}
