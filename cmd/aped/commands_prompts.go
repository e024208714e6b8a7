package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Choapinus/ape/internal/registry"
)

// buildPromptsCmd creates the "prompts" command group, for operators
// who want to validate or nudge a hot reload of the prompt template
// directory outside of a running server process.
func buildPromptsCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "Inspect the prompt template directory",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "prompts", "Prompt template directory")

	cmd.AddCommand(&cobra.Command{
		Use:   "reload",
		Short: "Load every prompt template in the directory and report the count",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPromptsReload(cmd, dir)
		},
	})

	return cmd
}

func runPromptsReload(cmd *cobra.Command, dir string) error {
	store := registry.NewPromptStore()
	defer store.Close()

	if err := store.LoadDir(dir); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "loaded %d prompt(s) from %s\n", len(store.List()), dir)
	return nil
}
