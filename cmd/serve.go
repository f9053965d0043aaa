package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sonsusit20051/ConvertSP/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and the background sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := resolveEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), env.cfg, env.logger)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}
