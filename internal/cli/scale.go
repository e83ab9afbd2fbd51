package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"mailwarm/backend/internal/app"
	"mailwarm/backend/internal/domain"
)

func newScaleCommand(rt *runtimeState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scale",
		Short: "Inspect and drive the worker auto-scaler",
	}
	cmd.AddCommand(newScaleCheckCommand(rt), newScaleStatusCommand(rt))
	return cmd
}

func newScaleCheckCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run one scaling check and apply the decision",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rt.withApp(func(a *app.App) error {
				scaler, err := a.EnableScaler()
				if err != nil {
					return err
				}
				decision, err := scaler.CheckAndScale(context.Background())
				if decision != nil {
					if perr := rt.printDecision(decision); perr != nil {
						return perr
					}
				}
				var orch *domain.OrchestrationError
				if errors.As(err, &orch) {
					return fmt.Errorf("scaling command failed: %w", err)
				}
				return err
			})
		},
	}
}

func newScaleStatusCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show current workers, utilization and cooldown eligibility",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rt.withApp(func(a *app.App) error {
				scaler, err := a.EnableScaler()
				if err != nil {
					return err
				}
				status, err := scaler.GetStatus(context.Background())
				if err != nil {
					return err
				}
				if rt.jsonOutput() {
					return rt.printJSON(status)
				}
				rt.printf("backend:        %s\n", status.Backend)
				rt.printf("workers:        %d (optimal %d, range %d-%d)\n",
					status.CurrentWorkers, status.OptimalWorkers, status.MinWorkers, status.MaxWorkers)
				rt.printf("mailboxes:      %d\n", status.MailboxCount)
				rt.printf("utilization:    %.1f%%\n", status.UtilizationPercent)
				rt.printf("can scale up:   %t\n", status.CanScaleUp)
				rt.printf("can scale down: %t\n", status.CanScaleDown)
				return nil
			})
		},
	}
}

func (rt *runtimeState) printDecision(d *domain.ScalingDecision) error {
	if rt.jsonOutput() {
		return rt.printJSON(d)
	}
	rt.printf("action:      %s\n", d.Action)
	rt.printf("workers:     %d -> %d\n", d.CurrentWorkers, d.TargetWorkers)
	rt.printf("mailboxes:   %d\n", d.MailboxCount)
	rt.printf("utilization: %.1f%%\n", d.UtilizationPercent)
	rt.printf("reason:      %s\n", d.Reason)
	if d.Error != "" {
		rt.printf("error:       %s\n", d.Error)
	}
	return nil
}
