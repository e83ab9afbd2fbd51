package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mailwarm/backend/internal/app"
	"mailwarm/backend/internal/quota"
	"mailwarm/backend/internal/service"
)

func newQuotaCommand(rt *runtimeState) *cobra.Command {
	var (
		start    int
		increase int
		maxDaily int
		days     int
	)
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Evaluate the daily ramp-up formula",
		Example: `  warmupctl quota --start 5 --increase 2 --max 10 --days 5
  warmupctl quota status --status behind`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days < 1 {
				return fmt.Errorf("--days must be at least 1")
			}
			type row struct {
				Day   int `json:"day"`
				Limit int `json:"limit"`
			}
			rows := make([]row, 0, days)
			for d := 1; d <= days; d++ {
				rows = append(rows, row{Day: d, Limit: quota.DailyLimit(start, increase, maxDaily, d)})
			}
			if rt.jsonOutput() {
				return rt.printJSON(rows)
			}

			w := tabwriter.NewWriter(rt.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DAY\tLIMIT")
			for _, r := range rows {
				limit := fmt.Sprint(r.Limit)
				if r.Limit == quota.Unlimited {
					limit = "unlimited"
				}
				fmt.Fprintf(w, "%d\t%s\n", r.Day, limit)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&start, "start", 5, "Emails on the first day")
	cmd.Flags().IntVar(&increase, "increase", 2, "Daily increment")
	cmd.Flags().IntVar(&maxDaily, "max", 40, "Daily cap, 0 or -1 for unlimited")
	cmd.Flags().IntVar(&days, "days", 14, "Number of days to print")

	cmd.AddCommand(newQuotaStatusCommand(rt))
	return cmd
}

func newQuotaStatusCommand(rt *runtimeState) *cobra.Command {
	var filter service.QuotaFilter
	var status string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show today's quota status per mailbox",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = service.QuotaStatus(status)
			return rt.withApp(func(a *app.App) error {
				entries, err := a.Reporter.GetQuotaStatus(context.Background(), filter)
				if err != nil {
					return err
				}
				if rt.jsonOutput() {
					return rt.printJSON(entries)
				}

				w := tabwriter.NewWriter(rt.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "MAILBOX\tEMAIL\tSENT\tLIMIT\tREMAINING\tSTATUS")
				for _, e := range entries {
					limit := fmt.Sprint(e.Limit)
					if e.Unlimited {
						limit += " (no cap)"
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n", e.MailboxID, e.Email, e.Sent, limit, e.Remaining, e.Status)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&filter.MailboxID, "mailbox", "", "Only this mailbox")
	cmd.Flags().StringVar(&filter.UserID, "user", "", "Only mailboxes owned by this user")
	cmd.Flags().StringVar(&status, "status", "", "Only this status: behind, on-track, complete")
	return cmd
}
