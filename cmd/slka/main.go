package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ulfschnabel/slka/internal/app"
	"github.com/ulfschnabel/slka/internal/db"
	"github.com/ulfschnabel/slka/internal/migrate"
	"github.com/ulfschnabel/slka/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "slka",
	Short: "Slack poll-classify-act agent",
	Long: `slka polls a Slack workspace, classifies what it sees and proposes actions.
Core concepts:
- Cycle: one pass of fetch -> classify -> generate -> filter -> dispatch -> report.
- Jobs: cleanup (archive stale channels), mentions (reply to keyword mentions) and
  summary (post a daily digest). Configure them in slka.yml.
- Action key: a stable identity for each proposed action. A key that succeeded is
  never dispatched again, across cycles and restarts.
- Approvals: gated actions wait as pending until a human approves or rejects them
  (slka approvals approve|reject); the next cycle picks the decision up.
- Records: the stored outcome per action key; failed ones can be retried with
  slka records forget <key>.
- Event log: cycles, dispatches and decisions, view with 'slka log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

// exitError carries a process exit code for cycle outcomes.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(os.Stderr, "error:", ee.msg)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	workspace, _ := rootCmd.PersistentFlags().GetString("workspace")
	// Tokens usually live in the workspace .env; real environment wins.
	_ = godotenv.Load(filepath.Join(workspace, ".env"))
	viper.SetEnvPrefix("SLKA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded on decisions")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (json, console)")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HMAC secret for API bearer tokens")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("jwt-secret", rootCmd.PersistentFlags().Lookup("jwt-secret"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(recordsCmd())
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(channelsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func newLogger() (*zap.Logger, error) {
	return app.NewLogger(viper.GetString("log-level"), viper.GetString("log-format"))
}

func withRuntime(ctx context.Context, opts app.Options, fn func(context.Context, *app.Runtime) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()
	opts.Workspace = viper.GetString("workspace")
	opts.Logger = log
	rt, err := app.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.New(conn))
}

// withRecords opens the idempotency records wherever slka.yml says they live.
func withRecords(ctx context.Context, fn func(context.Context, *repo.Records) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()
	records, closeFn, err := app.OpenRecords(ctx, viper.GetString("workspace"), log)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, records)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
