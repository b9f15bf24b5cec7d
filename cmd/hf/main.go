package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"handoff/internal/config"
	"handoff/internal/db"
	"handoff/internal/domain"
	"handoff/internal/engine"
	"handoff/internal/lease"
	"handoff/internal/migrate"
	"handoff/internal/server"
	"handoff/internal/store"
	handoffsdk "handoff/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "hf",
	Short: "Handoff CLI",
	Long: `Handoff coordinates work between humans and agents through a shared task registry.
Tasks flow pending -> in_progress -> completed/cancelled/failed (rejected skips the claim),
claims are protected by expiring leases, every task carries an append-only message log,
and 'hf watch' streams committed changes live.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HANDOFF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-type", "human", "actor type (human, agent, system)")
	rootCmd.PersistentFlags().String("actor-name", "", "actor display name")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-type", rootCmd.PersistentFlags().Lookup("actor-type"))
	_ = viper.BindPFlag("actor-name", rootCmd.PersistentFlags().Lookup("actor-name"))
}

func registerCommands() {
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(msgCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
}

func actorFromFlags() domain.Actor {
	return domain.Actor{
		Type: viper.GetString("actor-type"),
		ID:   viper.GetString("actor-id"),
		Name: viper.GetString("actor-name"),
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are shared work items. Claim one to work on it, then complete, cancel, or fail it; a lapsed lease puts it back in the pool automatically.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskCancelCmd())
	task.AddCommand(taskFailCmd())
	task.AddCommand(taskRejectCmd())
	task.AddCommand(taskReopenCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var priority int
	var payload string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			if payload != "" {
				opts.Payload = json.RawMessage(payload)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts, actorFromFlags())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Type, "type", "", "task type")
	cmd.Flags().StringVar(&opts.Channel, "channel", "", "channel")
	cmd.Flags().IntVar(&priority, "priority", 5, "priority 1-10 (higher is more urgent)")
	cmd.Flags().StringVar(&payload, "payload-json", "", "payload JSON")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f store.Filter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Pri", "Channel", "Claimed By", "Lease"})
				for _, t := range tasks {
					claimed := ""
					if t.ClaimedBy != nil {
						claimed = t.ClaimedBy.ID
					}
					leaseExp := ""
					if t.LeaseExpiresAt != nil {
						leaseExp = t.LeaseExpiresAt.UTC().Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, t.Channel, claimed, leaseExp})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Channel, "channel", "", "channel filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	cmd.Flags().BoolVar(&f.All, "all", false, "include terminal tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, description string
	var priority int
	var version int64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			var opts engine.TaskUpdateOptions
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, id, version, opts, actorFromFlags())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().IntVar(&priority, "priority", 0, "new priority 1-10")
	cmd.Flags().Int64Var(&version, "version", engine.LatestVersion, "expected version (omit for latest)")
	return cmd
}

func taskClaimCmd() *cobra.Command {
	var leaseFor time.Duration
	var version int64
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a task under a lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ClaimTask(ctx, id, version, actorFromFlags(), leaseFor)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().DurationVar(&leaseFor, "lease", 0, "lease duration, e.g. 90s or 500ms (0 uses configured default)")
	cmd.Flags().Int64Var(&version, "version", engine.LatestVersion, "expected version (omit for latest)")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var outputs string
	var version int64
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a claimed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			var raw json.RawMessage
			if outputs != "" {
				raw = json.RawMessage(outputs)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTask(ctx, id, version, actorFromFlags(), raw)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&outputs, "outputs-json", "", "outputs JSON")
	cmd.Flags().Int64Var(&version, "version", engine.LatestVersion, "expected version (omit for latest)")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	return reasonTransitionCmd("cancel", "Cancel a claimed task", false,
		func(ctx context.Context, e engine.Engine, id string, version int64, reason string) (domain.Task, error) {
			return e.CancelTask(ctx, id, version, actorFromFlags(), reason)
		})
}

func taskFailCmd() *cobra.Command {
	return reasonTransitionCmd("fail", "Mark a claimed task as failed", true,
		func(ctx context.Context, e engine.Engine, id string, version int64, reason string) (domain.Task, error) {
			return e.FailTask(ctx, id, version, actorFromFlags(), reason)
		})
}

func taskRejectCmd() *cobra.Command {
	return reasonTransitionCmd("reject", "Reject a pending task", true,
		func(ctx context.Context, e engine.Engine, id string, version int64, reason string) (domain.Task, error) {
			return e.RejectTask(ctx, id, version, actorFromFlags(), reason)
		})
}

func taskReopenCmd() *cobra.Command {
	return reasonTransitionCmd("reopen", "Reopen a finished task", false,
		func(ctx context.Context, e engine.Engine, id string, version int64, reason string) (domain.Task, error) {
			return e.ReopenTask(ctx, id, version, actorFromFlags(), reason)
		})
}

func reasonTransitionCmd(verb, short string, reasonRequired bool, run func(context.Context, engine.Engine, string, int64, string) (domain.Task, error)) *cobra.Command {
	var reason string
	var version int64
	cmd := &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := run(ctx, e, id, version, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().Int64Var(&version, "version", engine.LatestVersion, "expected version (omit for latest)")
	if reasonRequired {
		_ = cmd.MarkFlagRequired("reason")
	}
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTask(ctx, id, version, actorFromFlags())
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", engine.LatestVersion, "expected version (omit for latest)")
	return cmd
}

func msgCmd() *cobra.Command {
	msg := &cobra.Command{
		Use:   "msg",
		Short: "Task message log",
		Long:  "Each task carries an append-only conversation: questions, partial results, clarifications. Messages are ordered with no gaps per task.",
	}
	msg.AddCommand(msgAddCmd())
	msg.AddCommand(msgListCmd())
	return msg
}

func msgAddCmd() *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "add <task-id> <content>",
		Short: "Append a message to a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, content := args[0], args[1]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AddMessage(ctx, taskID, actorFromFlags(), content, contentType)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "text", "content type (text, json)")
	return cmd
}

func msgListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List a task's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListMessages(ctx, taskID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Author", "Content", "At"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.Seq, m.Author.ID, m.Content, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func watchCmd() *cobra.Command {
	var serverURL, channel, taskType string
	var kinds []string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live events from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := handoffsdk.New(serverURL)
			client.Actor = actorFromFlags()
			events, errs := client.Watch(cmd.Context(), handoffsdk.WatchOptions{
				Channel: channel,
				Type:    taskType,
				Kinds:   kinds,
			})
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case err, ok := <-errs:
					if !ok {
						return nil
					}
					return err
				case evt, ok := <-events:
					if !ok {
						return nil
					}
					if viper.GetBool("json") {
						if err := printJSON(evt); err != nil {
							return err
						}
						continue
					}
					fmt.Printf("%s %s task=%s actor=%s/%s\n", evt.TS, evt.Kind, evt.TaskID, evt.Actor.Type, evt.Actor.ID)
				}
			}
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "server base URL")
	cmd.Flags().StringVar(&channel, "channel", "", "channel filter")
	cmd.Flags().StringVar(&taskType, "type", "", "task type filter")
	cmd.Flags().StringArrayVar(&kinds, "kind", []string{}, "event kind filter (repeatable)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			conn, err := db.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			defer e.Close()
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: cfg.Server.BasePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret},
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			sweeper := lease.Sweeper{Expirer: e, Interval: cfg.SweepInterval()}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				sweeper.Run(gctx)
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			fmt.Printf("Serving Handoff API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = c.Validate()
			}
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	defer e.Close()
	return fn(ctx, e)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
