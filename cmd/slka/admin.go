package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ulfschnabel/slka/internal/app"
	"github.com/ulfschnabel/slka/internal/config"
	"github.com/ulfschnabel/slka/internal/connector"
	"github.com/ulfschnabel/slka/internal/connector/slack"
	"github.com/ulfschnabel/slka/internal/domain"
	"github.com/ulfschnabel/slka/internal/otel"
	"github.com/ulfschnabel/slka/internal/repo"
	"github.com/ulfschnabel/slka/internal/server"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "slka.yml in the workspace configures the Slack connection, jobs, approval policy, idempotency store and webhooks. Tokens may come from SLKA_READ_TOKEN and SLKA_WRITE_TOKEN (or a .env file) instead.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default slka.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config with tokens masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			cfg.ApplyEnv(os.Getenv)
			if viper.GetBool("json") {
				masked := *cfg
				masked.Slack.ReadToken = config.MaskToken(masked.Slack.ReadToken)
				masked.Slack.WriteToken = config.MaskToken(masked.Slack.WriteToken)
				return printJSON(masked)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate slka.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				cfg.ApplyEnv(os.Getenv)
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func channelsCmd() *cobra.Command {
	ch := &cobra.Command{Use: "channels", Short: "Read-only Slack queries"}
	ch.AddCommand(channelsListCmd())
	ch.AddCommand(channelsHistoryCmd())
	return ch
}

func fetch(cmd *cobra.Command, q connector.Query) ([]domain.Observation, error) {
	var obs []domain.Observation
	err := withRuntime(cmd.Context(), app.Options{}, func(ctx context.Context, rt *app.Runtime) error {
		var err error
		obs, err = slack.NewReader(rt.Directory).Fetch(ctx, q)
		return err
	})
	return obs, err
}

func channelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List channels visible to the read token",
		RunE: func(cmd *cobra.Command, args []string) error {
			obs, err := fetch(cmd, connector.Query{Kind: connector.ListChannels})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(obs)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name", "Private", "Archived", "Members"})
			for _, o := range obs {
				if c := o.Channel; c != nil {
					tw.AppendRow(table.Row{c.ID, c.Name, c.IsPrivate, c.IsArchived, c.MemberCount})
				}
			}
			tw.Render()
			return nil
		},
	}
}

func channelsHistoryCmd() *cobra.Command {
	var since string
	var limit int
	cmd := &cobra.Command{
		Use:   "history <channel>",
		Short: "Show recent messages of a channel (id, name or #name)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := connector.Query{Kind: connector.ChannelHistory, Channel: args[0], Limit: limit}
			if since != "" {
				d, err := config.ParseDuration(since)
				if err != nil {
					return err
				}
				q.Since = time.Now().Add(-d)
			}
			obs, err := fetch(cmd, q)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(obs)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"TS", "Posted", "User", "Text"})
			for _, o := range obs {
				if m := o.Message; m != nil {
					user := m.UserName
					if user == "" {
						user = m.User
					}
					tw.AppendRow(table.Row{m.TS, formatTime(m.PostedAt), user, truncate(m.Text, 80)})
				}
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "only messages newer than this, e.g. 24h or 7d")
	cmd.Flags().IntVar(&limit, "limit", 20, "max messages")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage HTTP API keys",
		Long:  "API keys authenticate against slka serve with the X-Api-Key header. Only a SHA-256 hash is stored; the key is shown once at creation.",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	var perms []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			secret := "slka_" + hex.EncodeToString(buf)
			key := domain.APIKey{
				ID:          uuid.NewString(),
				ActorID:     viper.GetString("actor-id"),
				Name:        name,
				KeyHash:     repo.HashAPIKey(secret),
				Permissions: perms,
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": secret, "permissions": key.Permissions})
				}
				fmt.Printf("id:  %s\nkey: %s\n(store the key now; it cannot be shown again)\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	cmd.Flags().StringSliceVar(&perms, "perm", []string{server.PermRunsRead, server.PermRecordsRead, server.PermApprovalsRead, server.PermEventsRead}, "granted permissions; * grants all")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Permissions", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Permissions, ","), formatTime(k.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "only keys of this actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var perms []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id signed with SLKA_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), perms)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&perms, "perm", []string{"*"}, "granted permissions")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the API (cycles, runs, records, approvals, events), OpenAPI at <base>/openapi.json, Swagger UI at /docs and Prometheus metrics at /metrics. Configured webhooks receive new events while the server runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			metricsHandler, err := otel.InitMeterProvider(ctx, "slka")
			if err != nil {
				return err
			}
			return withRuntime(ctx, app.Options{}, func(ctx context.Context, rt *app.Runtime) error {
				metrics, err := otel.NewMetrics(rt.Records.ActiveClaims)
				if err != nil {
					return err
				}
				rt.AddObserver(metrics)
				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")}
				if authCfg.JWTSecret == "" {
					rt.Logger.Warn("SLKA_JWT_SECRET not set; only API keys can authenticate")
				}
				handler, err := server.New(server.Config{
					Repo:           rt.Repo,
					Records:        rt.Records,
					Runner:         rt,
					BasePath:       basePath,
					Auth:           authCfg,
					Logger:         rt.Logger,
					Metrics:        metrics,
					MetricsHandler: metricsHandler,
				})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, rt.Repo, rt.Config.Webhooks, rt.Logger)

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Logger.Info("serving slka API",
					zap.String("url", "http://"+addr+basePath),
					zap.String("docs", "/docs"),
					zap.String("metrics", "/metrics"))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}
