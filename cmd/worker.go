package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sonsusit20051/ConvertSP/internal/server"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Runs the conversion worker pool against the API",
		Long: `Claims pending jobs from the API, converts each link with the configured
converter, and reports the result. Runs worker.concurrency loops in parallel.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := resolveEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.BuildWorker(env.cfg, env.logger)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}
