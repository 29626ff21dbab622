package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newResetCmd() *cobra.Command {
	var soft, force bool
	cmd := &cobra.Command{
		Use:   "reset <target>",
		Short: "Clear a target's stored crawl state",
		Long: `A hard reset deletes every key of the target: dedup sets, queue,
checkpoints, counters, errors and recurring mode. A soft reset only returns
the status to idle and keeps the data. Refused while the stored status is
live unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			id := args[0]
			if _, ok := a.Config().Target(id); !ok {
				return fmt.Errorf("unknown target %q", id)
			}
			client := a.Client(id)
			ctx := cmd.Context()
			if st := client.State(ctx); st.Status.Live() && !force {
				return fmt.Errorf("target %s is %s; stop it first or pass --force", id, st.Status)
			}

			var ok bool
			if soft {
				ok = client.SoftReset(ctx)
			} else {
				ok = client.Reset(ctx)
			}
			if !ok {
				return fmt.Errorf("reset %s failed; see logs", id)
			}
			a.Logger().Info("target reset", zap.String("identity", id), zap.Bool("soft", soft))
			fmt.Fprintf(cmd.OutOrStdout(), "%s reset\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&soft, "soft", false, "keep dedup sets and queue, only reset the status")
	cmd.Flags().BoolVar(&force, "force", false, "reset even if the stored status is live")
	return cmd
}
