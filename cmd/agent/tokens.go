package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/taskpilot/internal/models"
)

func newTokensCmd(g *globalFlags) *cobra.Command {
	var (
		initialize bool
		reset      bool
	)
	cmd := &cobra.Command{
		Use:   "tokens <session>",
		Short: "Show the demo token balance of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := setup(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer d.close()

			ctx, session := cmd.Context(), args[0]
			var status models.TokenStatus
			switch {
			case reset:
				if status, err = d.gate.Reset(ctx, session); err != nil {
					return err
				}
			case initialize:
				status = d.gate.Initialize(ctx, session)
			default:
				status = d.gate.Status(ctx, session)
			}
			b, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
	cmd.Flags().BoolVar(&initialize, "init", false, "create the session if it does not exist")
	cmd.Flags().BoolVar(&reset, "reset", false, "restore the full allowance")
	return cmd
}
