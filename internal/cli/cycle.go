package cli

import (
	"context"

	"github.com/spf13/cobra"

	"mailwarm/backend/internal/app"
	"mailwarm/backend/internal/crypto"
)

func newCycleCommand(rt *runtimeState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run warm-up cycles outside the server",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one warm-up cycle synchronously and print its summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rt.withApp(func(a *app.App) error {
				summary, err := a.Scheduler.TriggerManualRun(context.Background())
				if summary != nil {
					if rt.jsonOutput() {
						if perr := rt.printJSON(summary); perr != nil {
							return perr
						}
					} else {
						rt.printf("enabled:     %d\n", summary.Enabled)
						rt.printf("skipped:     %d invalid, %d quota, %d cooldown\n",
							summary.Invalid, summary.QuotaExhausted, summary.CoolingDown)
						rt.printf("dispatched:  %d\n", summary.Dispatched)
						rt.printf("sent:        %d\n", summary.Sent)
						rt.printf("replied:     %d\n", summary.Replied)
						rt.printf("failed:      %d\n", summary.Failed)
						rt.printf("duration:    %s\n", summary.FinishedAt.Sub(summary.StartedAt))
					}
				}
				return err
			})
		},
	})
	return cmd
}

func newKeygenCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a credential encryption key for MAILWARM_CRYPTO_CREDENTIAL_KEY",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			rt.printf("%s\n", key)
			return nil
		},
	}
}
