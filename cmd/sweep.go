package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sonsusit20051/ConvertSP/internal/logging"
	"github.com/sonsusit20051/ConvertSP/internal/server"
	"github.com/sonsusit20051/ConvertSP/internal/sweeper"
)

func newSweepCmd() *cobra.Command {
	var lockPath string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Deletes jobs older than the retention period once, for cron",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := resolveEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			if lockPath == "" {
				lockPath = filepath.Join(os.TempDir(), "convertsp-sweep.lock")
			}
			lock := flock.New(lockPath)
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire sweep lock: %w", err)
			}
			if !locked {
				env.logger.Info("another sweep holds the lock, skipping", zap.String("lock", lockPath))
				return nil
			}
			defer func() { _ = lock.Unlock() }()

			store, err := server.OpenStore(cmd.Context(), env.cfg, env.logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			sw, err := sweeper.New(logging.Component(env.logger, "sweeper"),
				sweeper.ExpiredJobs(store, env.cfg.Retention(), env.cfg.JobCleanupInterval(), env.cfg.SweepTimeout()),
			)
			if err != nil {
				return err
			}
			return sw.RunOnce(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&lockPath, "lock", "", "lock file guarding against overlapping sweeps (default: temp dir)")
	return cmd
}
