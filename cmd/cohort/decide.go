package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
)

var decideCmd = &cobra.Command{
	Use:   "decide <userID> <courseID>",
	Short: "Print the access verdict for a user and course",
	Long:  "Runs the access engine against the live identity provider and database and prints the decision as JSON. Useful when answering support questions.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := context.Background()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(a.engine.Decide(ctx, args[0], args[1]))
	},
}

func init() {
	rootCmd.AddCommand(decideCmd)
}
