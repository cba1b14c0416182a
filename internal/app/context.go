// Package app wires configuration, stores, connectors and the approval gate
// into a ready-to-run orchestrator for the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ulfschnabel/slka/internal/approval"
	"github.com/ulfschnabel/slka/internal/config"
	"github.com/ulfschnabel/slka/internal/connector"
	"github.com/ulfschnabel/slka/internal/connector/slack"
	"github.com/ulfschnabel/slka/internal/db"
	"github.com/ulfschnabel/slka/internal/domain"
	"github.com/ulfschnabel/slka/internal/generate"
	"github.com/ulfschnabel/slka/internal/jobs"
	"github.com/ulfschnabel/slka/internal/migrate"
	"github.com/ulfschnabel/slka/internal/pipeline"
	"github.com/ulfschnabel/slka/internal/repo"
	"github.com/ulfschnabel/slka/internal/store/postgres"
)

type Options struct {
	Workspace string
	// Config skips loading slka.yml from the workspace.
	Config *config.Config
	Logger *zap.Logger
	// Prompter overrides the terminal prompter used when approval.interactive is set.
	Prompter  approval.Prompter
	Observers []pipeline.Observer
	Getenv    func(string) string
	// Location anchors the summary window; nil means time.Local.
	Location *time.Location
}

// Runtime is one opened workspace.
type Runtime struct {
	Workspace    string
	Config       *config.Config
	Logger       *zap.Logger
	Conn         *sql.DB
	Repo         repo.Repo
	Store        pipeline.Store
	Records      *repo.Records
	Directory    *slack.Directory
	Orchestrator *pipeline.Orchestrator
	Location     *time.Location

	observers pipeline.Observers
	closers   []func() error
}

// Open loads config, opens and migrates the workspace database, connects the
// configured idempotency store and builds the orchestrator. A PostgreSQL
// store that cannot be reached is logged and left unset, so cycles still
// read and classify but report store_unavailable.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(opts.Workspace); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate workspace: %w", err)
	}
	rt := &Runtime{
		Workspace: opts.Workspace,
		Config:    cfg,
		Logger:    log,
		Conn:      conn,
		Repo:      repo.New(conn),
		Location:  opts.Location,
		closers:   []func() error{conn.Close},
	}
	if rt.Location == nil {
		rt.Location = time.Local
	}

	rt.Store, rt.Records = openStore(ctx, cfg, rt.Repo, log, &rt.closers)

	readAPI := slack.NewAPI(cfg.Slack.ReadToken, slack.Options{APIURL: cfg.Slack.APIURL})
	rt.Directory = slack.NewDirectory(readAPI, slack.NewLimiter(cfg.Slack.RatePerSecond, cfg.Slack.Burst), log)

	var next connector.Writer
	if cfg.Slack.WriteToken == "" {
		next = connector.WriterFunc(func(_ context.Context, c domain.CandidateAction) domain.DispatchOutcome {
			return domain.Failed(c.ActionKey, "write token not configured", time.Now().UTC())
		})
	} else {
		writeAPI := slack.NewAPI(cfg.Slack.WriteToken, slack.Options{APIURL: cfg.Slack.APIURL})
		next = slack.NewWriter(writeAPI, rt.Directory, slack.NewLimiter(cfg.Slack.RatePerSecond, cfg.Slack.Burst))
	}

	gate := &approval.Gate{
		Next:   next,
		Queue:  rt.Repo,
		Policy: approval.Policy{Require: cfg.Approval.Require, Kinds: actionKinds(cfg.Approval.Kinds)},
		Logger: log,
	}
	if cfg.Approval.Interactive {
		gate.Prompter = opts.Prompter
		if gate.Prompter == nil {
			gate.Prompter = approval.NewTerminalPrompter()
		}
	}

	rt.observers = pipeline.Observers{&Reporter{Repo: rt.Repo, Logger: log}}
	rt.observers = append(rt.observers, opts.Observers...)

	rt.Orchestrator = &pipeline.Orchestrator{
		Reader:    slack.NewReader(rt.Directory),
		Writer:    gate,
		Store:     rt.Store,
		Generator: generate.Rules{ReplyPrefix: cfg.Jobs.Mentions.ReplyPrefix},
		Observer:  rt.observers,
		Logger:    log,
	}
	return rt, nil
}

var (
	_ repo.RecordStore = repo.Repo{}
	_ repo.RecordStore = (*postgres.Store)(nil)
	_ pipeline.Store   = (*postgres.Store)(nil)
)

// openStore connects the configured idempotency store. A PostgreSQL store
// that cannot be reached leaves both results without a store.
func openStore(ctx context.Context, cfg *config.Config, r repo.Repo, log *zap.Logger, closers *[]func() error) (pipeline.Store, *repo.Records) {
	if cfg.Store.Driver != "postgres" {
		return r, &repo.Records{Store: r, Repo: r}
	}
	pg, err := postgres.Open(ctx, cfg.Store.DSN)
	if err != nil {
		log.Error("postgres store unavailable", zap.Error(err))
		return nil, &repo.Records{Repo: r}
	}
	*closers = append(*closers, pg.Close)
	return pg, &repo.Records{Store: pg, Repo: r}
}

// OpenRecords opens only what operator record commands need: the workspace
// database and the configured idempotency store. No Slack tokens are
// required.
func OpenRecords(ctx context.Context, workspace string, log *zap.Logger) (*repo.Records, func() error, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return nil, nil, err
	}
	cfg.ApplyEnv(os.Getenv)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate workspace: %w", err)
	}
	closers := []func() error{conn.Close}
	_, records := openStore(ctx, cfg, repo.New(conn), log, &closers)
	closeAll := func() error {
		var first error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	return records, closeAll, nil
}

func actionKinds(names []string) []domain.ActionKind {
	var out []domain.ActionKind
	for _, n := range names {
		out = append(out, domain.ActionKind(n))
	}
	return out
}

// AddObserver attaches o to every later cycle. Not safe to call while a
// cycle is running.
func (rt *Runtime) AddObserver(o pipeline.Observer) {
	rt.observers = append(rt.observers, o)
	rt.Orchestrator.Observer = rt.observers
}

// PipelineConfig builds the per-cycle policy from the loaded config.
func (rt *Runtime) PipelineConfig(dryRun bool) (pipeline.Config, error) {
	js, err := jobs.FromConfig(rt.Config, rt.Location)
	if err != nil {
		return pipeline.Config{}, err
	}
	p := rt.Config.Pipeline
	return pipeline.Config{
		Jobs:                js,
		FetchConcurrency:    p.FetchConcurrency,
		DispatchConcurrency: p.DispatchConcurrency,
		CallTimeout:         p.CallTimeout.D(),
		PendingCooldown:     p.PendingCooldown.D(),
		RetryFailed:         p.RetryFailed,
		ClaimTTL:            p.ClaimTTLOrDefault(),
		DryRun:              dryRun,
	}, nil
}

// RunCycle runs one cycle with the configured jobs.
func (rt *Runtime) RunCycle(ctx context.Context, dryRun bool) (domain.RunSummary, error) {
	cfg, err := rt.PipelineConfig(dryRun)
	if err != nil {
		return domain.RunSummary{}, err
	}
	return rt.Orchestrator.RunCycle(ctx, cfg), nil
}

func (rt *Runtime) Close() error {
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	rt.closers = nil
	return first
}
