package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"foreman/internal/app"
	"foreman/internal/calendar"
	"foreman/internal/clock"
	"foreman/internal/config"
	"foreman/internal/db"
	"foreman/internal/domain"
	"foreman/internal/dsl"
	"foreman/internal/migrate"
	"foreman/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Foreman CLI",
	Long: `Foreman turns commander scripts into queued work and runs it on a crew of workers.
Core concepts:
- Script: commands like "BUILD hut AT (1,1) -> COLLECT wood 2 FROM (3,3) TO STOCKPILE", optionally qualified with IN HH:MM-HH:MM, BEFORE HH:MM, DUE <n>[d|h] and QUIETLY.
- Admission: rate, concurrency, forbidden zones and allowed kinds decide which parsed commands are queued.
- Queue: tasks move pending -> approved -> executing -> executed; rejected is terminal, reset returns work to pending.
- Calendar: work hours, curfew for quiet blueprints, and holidays gate when a worker may start a task.
- Schedule: a Gantt document (schedule.json) whose planned tasks are promoted into the queue once their dependencies are met.
- Workspace: foreman.yml (or foreman.toml) plus .foreman/foreman.db holding the queue journal and event log.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FOREMAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("role", "commander", "issuer role recorded on submitted tasks")
	rootCmd.PersistentFlags().Bool("quiet", false, "suppress component logs")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
}

func registerCommands() {
	rootCmd.AddCommand(parseCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(calendarCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func parseCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "parse [script]",
		Short: "Parse a script without queueing it",
		Long:  "Parse reports every command it understood and every line it could not read. Nothing is queued. Pass the script as arguments, with --file, or on stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := readScript(args, file)
			if err != nil {
				return err
			}
			res := dsl.Parse(script)
			if viper.GetBool("json") {
				return printJSON(res)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"#", "Kind", "Command"})
			for i, c := range res.Commands {
				tw.AppendRow(table.Row{i + 1, c.Kind(), dsl.Describe(c)})
			}
			tw.Render()
			printParseErrors(res.Errors)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the script from a file (- for stdin)")
	return cmd
}

func submitCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit [script]",
		Short: "Submit a script to the queue",
		Long:  "Submit parses a script and queues every command that passes admission as a pending task. Refused commands and unreadable lines are reported alongside.",
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := readScript(args, file)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Inbox.Submit(ctx, script, viper.GetString("role"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Line", "Task", "Kind", "Summary"})
				for _, e := range res.Entries {
					tw.AppendRow(table.Row{e.Line, e.Record.ID, e.Command.Kind(), e.Record.Summary})
				}
				tw.Render()
				for _, is := range res.Issues {
					fmt.Printf("refused line %d (%s): %s\n", is.Line, is.Code, is.Message)
				}
				printParseErrors(res.Errors)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the script from a file (- for stdin)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and stockpile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				counts := rt.Queue.CountByState()
				stock := rt.Stockpile.Snapshot()
				version, err := migrate.Current(rt.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task_counts": counts, "stockpile": stock, "schema_version": version})
				}
				fmt.Printf("Workspace: %s (schema v%d)\n", rt.Workspace, version)
				fmt.Println("Tasks:")
				for _, st := range domain.States {
					fmt.Printf("  %s: %d\n", st, counts[st])
				}
				fmt.Println("Stockpile:")
				for _, it := range stock {
					fmt.Printf("  %s: %d\n", it.Name, it.Count)
				}
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Inspect and move queued tasks",
		Long:  "Tasks are queued commands. A commander approves or rejects pending tasks; workers pick up approved ones.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskTransitionCmd("approve", "Approve a pending task"))
	task.AddCommand(taskTransitionCmd("reject", "Reject a pending task"))
	task.AddCommand(taskTransitionCmd("reset", "Return an approved or executing task to pending"))
	return task
}

func taskListCmd() *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in submission order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var tasks []domain.Record
				if state != "" {
					st, err := domain.ParseState(state)
					if err != nil {
						return err
					}
					tasks = rt.Queue.ListByState(st)
				} else {
					tasks = rt.Queue.List()
				}
				if limit > 0 && len(tasks) > limit {
					tasks = tasks[:limit]
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "State", "Summary", "Issuer", "Reason"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.State, t.Summary, t.IssuerRole, t.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum tasks to show")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rec, err := rt.Queue.Get(args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
}

func taskTransitionCmd(verb, short string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if reason == "" {
					reason = "by " + viper.GetString("role")
				}
				var (
					rec domain.Record
					err error
				)
				switch verb {
				case "approve":
					rec, err = rt.Inbox.Approve(ctx, args[0], reason)
				case "reject":
					rec, err = rt.Queue.Reject(ctx, args[0], reason)
				default:
					rec, err = rt.Queue.ResetToPending(ctx, args[0], reason)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("%s -> %s\n", rec.ID, rec.State)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the task")
	return cmd
}

func eventsCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evts, err := r.LatestEvents(ctx, n, evtType, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Task", "Actor"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "task", "", "task id filter")
	return cmd
}

func workCmd() *cobra.Command {
	var ticks int
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run the worker crew",
		Long:  "Work drives every configured worker. With --ticks it advances the crew that many times and exits; otherwise it runs until interrupted. Tasks left executing by an earlier run are returned to pending first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if ids, err := rt.Recover(ctx); err != nil {
					return err
				} else if len(ids) > 0 {
					rt.Logger.Printf("recovered %d executing task(s): %s", len(ids), strings.Join(ids, ", "))
				}
				if interval <= 0 {
					interval = rt.Config.Workers.TickInterval()
				}
				if ticks > 0 {
					for i := 0; i < ticks; i++ {
						if err := rt.Pool.Tick(ctx); err != nil {
							return err
						}
						if i < ticks-1 {
							select {
							case <-ctx.Done():
								return ctx.Err()
							case <-time.After(interval):
							}
						}
					}
				} else {
					rt.Pool.Run(ctx, interval)
					cancelInFlight(rt, "worker stopped")
				}
				return printWorkers(rt)
			})
		},
	}
	cmd.Flags().IntVar(&ticks, "ticks", 0, "number of ticks to run (0 runs until interrupted)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "tick interval (defaults to workers.tick)")
	return cmd
}

func calendarCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "calendar",
		Short: "Query the work calendar",
	}
	c.AddCommand(calendarCheckCmd())
	return c
}

func calendarCheckCmd() *cobra.Command {
	var at, window, before, blueprint string
	var dueInDays float64
	var silent bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Decide whether a task may start",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				req := calendar.Request{Now: rt.Now(), BlueprintID: blueprint, Silent: silent}
				if at != "" {
					t, err := time.Parse(time.RFC3339, at)
					if err != nil {
						return fmt.Errorf("invalid --at: %w", err)
					}
					req.Now = t
				}
				if window != "" {
					w, err := clock.ParseWindow(window)
					if err != nil {
						return err
					}
					req.Window = &w
				}
				if before != "" || cmd.Flags().Changed("due-in-days") {
					if before != "" {
						if _, err := clock.Parse(before); err != nil {
							return err
						}
					}
					d := &domain.Deadline{AtClock: before}
					if cmd.Flags().Changed("due-in-days") {
						d.InDays = &dueInDays
					}
					req.Deadline = d
				}
				return printJSONOrTable(rt.Calendar.Evaluate(req))
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluation time (RFC3339, defaults to now)")
	cmd.Flags().StringVar(&window, "window", "", "task window HH:MM-HH:MM")
	cmd.Flags().StringVar(&before, "before", "", "deadline clock time HH:MM")
	cmd.Flags().Float64Var(&dueInDays, "due-in-days", 0, "deadline in days")
	cmd.Flags().StringVar(&blueprint, "blueprint", "", "blueprint id (quiet blueprints obey curfew)")
	cmd.Flags().BoolVar(&silent, "silent", false, "treat the task as quiet")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is foreman.yml (or foreman.toml) in the workspace: admission limits, calendar, workers, schedule path and webhooks.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := config.ToYAML(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default foreman.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(viper.GetString("workspace"), "foreman.yml")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// --- helpers ---

func newLogger() *log.Logger {
	if viper.GetBool("quiet") {
		return log.New(io.Discard, "", 0)
	}
	return log.New(os.Stderr, "", log.LstdFlags)
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, viper.GetString("workspace"), app.Options{Logger: newLogger()})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func cancelInFlight(rt *app.Runtime, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, w := range rt.Pool.Workers {
		if _, err := w.CancelCurrent(ctx, reason); err != nil {
			rt.Logger.Printf("worker %s: cancel: %v", w.ID(), err)
		}
	}
}

func printWorkers(rt *app.Runtime) error {
	if viper.GetBool("json") {
		out := map[string]any{}
		for _, w := range rt.Pool.Workers {
			out[w.ID()] = map[string]any{"position": w.Position(), "stats": w.Stats()}
		}
		return printJSON(out)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Worker", "Position", "Completed", "On time", "Overtime", "Night", "Silent", "Failed"})
	for _, w := range rt.Pool.Workers {
		s := w.Stats()
		p := w.Position()
		tw.AppendRow(table.Row{w.ID(), fmt.Sprintf("(%d,%d)", p.X, p.Y), s.Completed, s.OnTime, s.Overtime, s.NightShift, s.Silent, s.Failed})
	}
	tw.Render()
	return nil
}

func readScript(args []string, file string) (string, error) {
	switch {
	case file == "-" || (file == "" && len(args) == 0):
		var sb strings.Builder
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			sb.WriteString(scanner.Text())
			sb.WriteByte('\n')
		}
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return sb.String(), nil
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	script := strings.TrimSpace(strings.Join(args, " "))
	if script == "" {
		return "", errors.New("script required")
	}
	return script, nil
}

func printParseErrors(errs []dsl.Error) {
	for _, e := range errs {
		fmt.Printf("line %d: %s (%q)\n", e.Line, e.Message, e.Raw)
	}
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
