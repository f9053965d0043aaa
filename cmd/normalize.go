package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sonsusit20051/ConvertSP/internal/linknorm"
)

func newNormalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize <text>",
		Short: "Prints the canonical link for pasted text, or why it is rejected",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := resolveEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			link, err := linknorm.New(env.cfg.Links.MaxURLLength).Normalize(strings.Join(args, " "))
			var rej *linknorm.Rejection
			if errors.As(err, &rej) {
				return fmt.Errorf("rejected (%s): %s", rej.Reason, rej.Message)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), link)
			return nil
		},
	}
}
