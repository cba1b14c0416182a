package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ulfschnabel/slka/internal/domain"
	"github.com/ulfschnabel/slka/internal/repo"
)

func recordsCmd() *cobra.Command {
	rec := &cobra.Command{
		Use:   "records",
		Short: "Inspect idempotency records",
		Long:  "Records hold the latest dispatch outcome per action key. Succeeded records are permanent; failed or pending ones can be forgotten so the next cycle tries again.",
	}
	rec.AddCommand(recordsListCmd())
	rec.AddCommand(recordsGetCmd())
	rec.AddCommand(recordsForgetCmd())
	return rec
}

func recordsListCmd() *cobra.Command {
	var status, prefix string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecords(cmd.Context(), func(ctx context.Context, r *repo.Records) error {
				items, err := r.List(ctx, domain.RecordFilter{Status: status, Prefix: prefix, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Action key", "Status", "Attempts", "Last attempt", "Detail"})
				for _, rec := range items {
					tw.AppendRow(table.Row{rec.ActionKey, rec.Status, rec.Attempts, formatTime(rec.LastAttemptAt), rec.ErrorDetail})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (succeeded, pending_approval, failed)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "filter by action key prefix, e.g. archive_channel:")
	cmd.Flags().IntVar(&limit, "limit", 50, "max records")
	return cmd
}

func recordsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <action-key>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecords(cmd.Context(), func(ctx context.Context, r *repo.Records) error {
				rec, ok, err := r.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no record for %s", args[0])
				}
				return printJSON(rec)
			})
		},
	}
}

func recordsForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <action-key>",
		Short: "Forget a failed or pending record so the next cycle retries it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecords(cmd.Context(), func(ctx context.Context, r *repo.Records) error {
				rec, err := r.Forget(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("forgot %s (was %s)\n", rec.ActionKey, rec.Status)
				return nil
			})
		},
	}
}

func approvalsCmd() *cobra.Command {
	ap := &cobra.Command{
		Use:   "approvals",
		Short: "Review actions waiting for approval",
	}
	ap.AddCommand(approvalsListCmd())
	ap.AddCommand(approvalsDecideCmd("approve", true))
	ap.AddCommand(approvalsDecideCmd("reject", false))
	return ap
}

func approvalsListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListApprovals(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Action key", "Status", "Requested", "Description"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ActionKey, a.Status, formatTime(a.RequestedAt), truncate(a.Description, 70)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(domain.ApprovalPending), "filter by status; empty lists all")
	cmd.Flags().IntVar(&limit, "limit", 50, "max approvals")
	return cmd
}

func approvalsDecideCmd(verb string, approve bool) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   verb + " <action-key>",
		Short: fmt.Sprintf("%s a pending action; the next cycle applies the decision", verb),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.DecideApproval(ctx, args[0], approve, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				fmt.Printf("%s: %s\n", a.ActionKey, a.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the decision")
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect past cycles"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Run", "Started", "Outcome", "Succeeded", "Pending", "Failed", "Read errors"})
				for _, run := range items {
					tw.AppendRow(table.Row{run.RunID, formatTime(run.StartedAt), run.Outcome, run.Succeeded, run.Pending, run.Failed, run.ReadErrors})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "max runs")
	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printSummary(run.Summary)
			})
		},
	}
	runs.AddCommand(list, show)
	return runs
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, truncate(e.Payload, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (run, action, approval, record)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
