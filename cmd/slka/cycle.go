package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ulfschnabel/slka/internal/app"
	"github.com/ulfschnabel/slka/internal/domain"
)

const (
	exitGeneral          = 1
	exitStoreUnavailable = 3
	exitApprovalRequired = 5
)

func runCmd() *cobra.Command {
	var dryRun, failOnPending bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one cycle",
		Long: `Run one poll-classify-act cycle with the jobs enabled in slka.yml.
Exit codes: 0 completed, 1 cancelled or error, 3 idempotency store unavailable,
5 approvals pending (only with --fail-on-pending).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			var summary domain.RunSummary
			err := withRuntime(ctx, app.Options{}, func(ctx context.Context, rt *app.Runtime) error {
				var err error
				summary, err = rt.RunCycle(ctx, dryRun)
				return err
			})
			if err != nil {
				return err
			}
			if err := printSummary(summary); err != nil {
				return err
			}
			return exitFor(summary, failOnPending)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "classify and filter without dispatching")
	cmd.Flags().BoolVar(&failOnPending, "fail-on-pending", false, "exit 5 when any action is waiting for approval")
	return cmd
}

func exitFor(s domain.RunSummary, failOnPending bool) error {
	switch {
	case s.Outcome == domain.RunStoreUnavailable:
		return &exitError{code: exitStoreUnavailable, msg: storeUnavailableMessage(s)}
	case s.Outcome == domain.RunCancelled:
		return &exitError{code: exitGeneral, msg: "cycle cancelled"}
	case failOnPending && s.Pending > 0:
		return &exitError{code: exitApprovalRequired, msg: fmt.Sprintf("%d action(s) waiting for approval", s.Pending)}
	}
	return nil
}

func storeUnavailableMessage(s domain.RunSummary) string {
	if s.Attempted == 0 {
		return fmt.Sprintf("idempotency store unavailable; nothing was dispatched (%d not dispatched)", s.NotDispatched)
	}
	return fmt.Sprintf("idempotency store unavailable; %d action(s) dispatched before the failure, %d not dispatched", s.Attempted, s.NotDispatched)
}

func watchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run cycles on an interval until interrupted",
		Long:  "Runs a cycle now and then every --interval. Edits to slka.yml take effect before the next cycle.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()
			return app.Watch(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: log}, interval, func(s domain.RunSummary) {
				if viper.GetBool("json") {
					_ = printJSON(s)
					return
				}
				log.Info("cycle finished",
					zap.String("run_id", s.RunID),
					zap.String("outcome", string(s.Outcome)),
					zap.Int("succeeded", s.Succeeded),
					zap.Int("pending", s.Pending),
					zap.Int("failed", s.Failed),
					zap.Int("read_errors", len(s.ReadErrors)))
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Minute, "time between cycles")
	return cmd
}

func printSummary(s domain.RunSummary) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle("Run " + s.RunID)
	tw.AppendRows([]table.Row{
		{"Outcome", s.Outcome},
		{"Duration", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond)},
		{"Observations", s.Observations},
		{"Candidates", s.Candidates},
		{"Attempted", s.Attempted},
		{"Succeeded", s.Succeeded},
		{"Pending approval", s.Pending},
		{"Failed", s.Failed},
		{"Skipped (duplicate)", s.SkippedDuplicate},
		{"Skipped (cooldown)", s.SkippedCooldown},
		{"Skipped (failed)", s.SkippedFailed},
		{"Skipped (in flight)", s.SkippedInFlight},
		{"Not dispatched", s.NotDispatched},
		{"Read errors", len(s.ReadErrors)},
	})
	tw.Render()

	if len(s.Planned) > 0 {
		pt := table.NewWriter()
		pt.SetOutputMirror(os.Stdout)
		pt.SetTitle("Planned (dry run)")
		pt.AppendHeader(table.Row{"Action key", "Kind", "Target", "Content"})
		for _, c := range s.Planned {
			pt.AppendRow(table.Row{c.ActionKey, c.Kind, c.Target, truncate(c.Content, 60)})
		}
		pt.Render()
	}
	if len(s.Outcomes) > 0 {
		ot := table.NewWriter()
		ot.SetOutputMirror(os.Stdout)
		ot.AppendHeader(table.Row{"Action key", "Status", "Detail"})
		for _, o := range s.Outcomes {
			ot.AppendRow(table.Row{o.ActionKey, o.Status, o.ErrorDetail})
		}
		ot.Render()
	}
	if len(s.ReadErrors) > 0 {
		et := table.NewWriter()
		et.SetOutputMirror(os.Stdout)
		et.AppendHeader(table.Row{"Source", "Reason"})
		for _, e := range s.ReadErrors {
			et.AppendRow(table.Row{e.Source, e.Reason})
		}
		et.Render()
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
