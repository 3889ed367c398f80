// Package cli is the solid-queue command line.
//
//	solid-queue start [--mode fork|async|worker|dispatcher] [--watch-config]
//	solid-queue migrate up|down
//	solid-queue enqueue --class <class> [--queue q] [--args json] [--at time | --in dur]
//	solid-queue processes
//	solid-queue failed list|retry|discard
//	solid-queue queues list|pause|resume
//	solid-queue version
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/buncis/solid-queue/internal/config"
	"github.com/buncis/solid-queue/internal/domain"
	"github.com/buncis/solid-queue/internal/store"
	"github.com/buncis/solid-queue/internal/supervisor"
	logx "github.com/buncis/solid-queue/pkg/logx"
	"github.com/buncis/solid-queue/pkg/solidqueue"
)

// Version is set at build time with -ldflags "-X .../internal/cli.Version=...".
var Version = "dev"

type app struct {
	reg        *solidqueue.Registry
	configPath string
	logLevel   string
}

// New builds the root command. reg holds the job handlers the start command runs.
func New(reg *solidqueue.Registry) *cobra.Command {
	if reg == nil {
		reg = solidqueue.NewRegistry()
	}
	a := &app{reg: reg}

	root := &cobra.Command{
		Use:           "solid-queue",
		Short:         "Database-backed job queue supervisor",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("SOLID_QUEUE_CONFIG"), "config file (yaml or json); defaults apply when empty")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		a.startCommand(),
		a.migrateCommand(),
		a.enqueueCommand(),
		a.processesCommand(),
		a.failedCommand(),
		a.queuesCommand(),
		versionCommand(),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(reg *solidqueue.Registry, args []string) int {
	root := New(reg)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "error:", err)
		return 1
	}
	return 0
}

func (a *app) overlays(extra ...func(*config.Config)) []func(*config.Config) {
	out := make([]func(*config.Config), 0, len(extra)+1)
	if a.logLevel != "" {
		lvl := a.logLevel
		out = append(out, func(c *config.Config) { c.Log.Level = lvl })
	}
	return append(out, extra...)
}

func (a *app) load(extra ...func(*config.Config)) (*config.Config, error) {
	return config.Load(a.configPath, a.overlays(extra...)...)
}

// openStore opens the configured database without touching its schema.
func (a *app) openStore() (*store.Store, error) {
	cfg, err := a.load()
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Database.Store())
}

func (a *app) startCommand() *cobra.Command {
	var (
		mode          string
		recurringFile string
		skipRecurring bool
		watch         bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the supervisor and its workers and dispatchers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var extra []func(*config.Config)
			if mode != "" {
				extra = append(extra, func(c *config.Config) { c.Supervisor.Mode = mode })
			}
			if recurringFile != "" {
				extra = append(extra, func(c *config.Config) { c.Recurring.File = recurringFile })
			}
			if skipRecurring {
				extra = append(extra, func(c *config.Config) { c.Recurring.Skip = true })
			}
			return a.start(cmd.Context(), a.overlays(extra...), watch)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "supervisor.mode override: fork, async, worker or dispatcher")
	cmd.Flags().StringVar(&recurringFile, "recurring-schedule-file", "", "recurring tasks file")
	cmd.Flags().BoolVar(&skipRecurring, "skip-recurring", false, "do not schedule recurring tasks")
	cmd.Flags().BoolVar(&watch, "watch-config", false, "apply config file changes while running")
	return cmd
}

func (a *app) start(ctx context.Context, overlays []func(*config.Config), watch bool) error {
	m := config.NewManager(a.configPath, overlays...)
	cfg, err := m.Load()
	if err != nil {
		return err
	}
	q, err := solidqueue.New(cfg, solidqueue.WithRegistry(a.reg))
	if err != nil {
		return err
	}
	log := q.Logger()
	m.SetLogger(log)

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, supervisor.Signals...)
	defer signal.Stop(sigs)

	if err := q.Start(ctx); err != nil {
		return err
	}
	log.Info("solid-queue started",
		logx.String("mode", cfg.Supervisor.Mode),
		logx.Int("expected_processes", cfg.ExpectedProcesses()),
		logx.String("version", Version),
	)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if watch {
		go func() { _ = m.Watch(wctx) }()
		go q.WatchConfig(wctx, m)
	}

	stopping := ctx.Done()
	for {
		select {
		case sig := <-sigs:
			c, ok := supervisor.CommandForSignal(sig)
			if !ok {
				continue
			}
			log.Info("signal received", logx.String("signal", sig.String()), logx.String("command", c.String()))
			if c == solidqueue.Restart {
				a.reload(q, overlays, log)
				continue
			}
			q.Signal(c)
		case <-stopping:
			stopping = nil
			q.Signal(solidqueue.StopGraceful)
		case <-q.Done():
			cancel()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return q.Stop(sctx)
		}
	}
}

// reload re-reads the config file on HUP. Unchanged config still restarts
// the children.
func (a *app) reload(q *solidqueue.Queue, overlays []func(*config.Config), log logx.Logger) {
	cfg, err := config.Load(a.configPath, overlays...)
	if err != nil {
		log.Warn("reload failed; keeping current config", logx.Err(err))
		q.Signal(solidqueue.Restart)
		return
	}
	if config.Diff(q.Config(), cfg).Empty() {
		q.Signal(solidqueue.Restart)
		return
	}
	if err := q.Reload(cfg); err != nil {
		log.Warn("config change not applied", logx.Err(err))
	}
}

func (a *app) migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the queue schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func(st *store.Store) error {
				if err := st.Migrate(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			})
		},
	}, &cobra.Command{
		Use:   "down",
		Short: "Drop the queue schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func(st *store.Store) error {
				if err := st.MigrateDown(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema dropped")
				return nil
			})
		},
	})
	return cmd
}

func (a *app) withStore(fn func(st *store.Store) error) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func (a *app) enqueueCommand() *cobra.Command {
	var (
		p     store.EnqueueParams
		args  string
		at    string
		in    time.Duration
		limit int
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert a job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(p.Class) == "" {
				return fmt.Errorf("--class is required")
			}
			if args != "" {
				if !json.Valid([]byte(args)) {
					return fmt.Errorf("--args is not valid JSON")
				}
				p.Arguments = json.RawMessage(args)
			}
			switch {
			case at != "" && in != 0:
				return fmt.Errorf("--at and --in are mutually exclusive")
			case at != "":
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				p.ScheduledAt = t
			case in != 0:
				p.ScheduledAt = time.Now().Add(in)
			}
			if p.ConcurrencyKey != "" {
				p.ConcurrencyLimit = limit
			}
			return a.withStore(func(st *store.Store) error {
				job, err := st.Enqueue(cmd.Context(), p)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), job)
			})
		},
	}
	cmd.Flags().StringVar(&p.Queue, "queue", "default", "queue name")
	cmd.Flags().StringVar(&p.Class, "class", "", "job class (a registered handler)")
	cmd.Flags().StringVar(&args, "args", "", "job arguments as JSON")
	cmd.Flags().StringVar(&at, "at", "", "run at this RFC 3339 time")
	cmd.Flags().DurationVar(&in, "in", 0, "run after this delay")
	cmd.Flags().StringVar(&p.ConcurrencyKey, "concurrency-key", "", "limit concurrent jobs sharing this key")
	cmd.Flags().IntVar(&limit, "limit", 1, "concurrency limit for --concurrency-key")
	return cmd
}

func (a *app) processesCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "processes",
		Short: "List registered processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func(st *store.Store) error {
				procs, err := st.ListProcesses(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), procs)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tKIND\tNAME\tPID\tHOST\tSUPERVISOR\tLAST HEARTBEAT")
				for _, p := range procs {
					sup := "-"
					if p.SupervisorID != 0 {
						sup = strconv.FormatInt(p.SupervisorID, 10)
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
						p.ID, p.Kind, p.Name, p.PID, p.Hostname, sup, p.LastHeartbeatAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (a *app) failedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Inspect and resolve failed jobs",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List failed jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func(st *store.Store) error {
				failed, err := st.ListFailed(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if failed == nil {
					failed = []domain.FailedExecution{}
				}
				return writeJSON(cmd.OutOrStdout(), failed)
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	cmd.AddCommand(list,
		a.jobIDCommand("retry <job-id>...", "Move failed jobs back to ready", (*store.Store).RetryFailed, "retried"),
		a.jobIDCommand("discard <job-id>...", "Delete failed jobs", (*store.Store).DiscardFailed, "discarded"),
	)
	return cmd
}

func (a *app) jobIDCommand(use, short string, op func(*store.Store, context.Context, int64) error, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, s := range args {
				id, err := strconv.ParseInt(s, 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid job id %q", s)
				}
				ids = append(ids, id)
			}
			return a.withStore(func(st *store.Store) error {
				for _, id := range ids {
					if err := op(st, cmd.Context(), id); err != nil {
						return fmt.Errorf("job %d: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s job %d\n", verb, id)
				}
				return nil
			})
		},
	}
}

func (a *app) queuesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queues",
		Short: "Show, pause and resume queues",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show job counts and paused queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func(st *store.Store) error {
				c, err := st.Counts(cmd.Context())
				if err != nil {
					return err
				}
				paused, err := st.PausedQueues(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), struct {
					Counts domain.Counts `json:"counts"`
					Paused []string      `json:"paused"`
				}{c, paused})
			})
		},
	},
		a.queueNameCommand("pause <queue>", "Stop workers from claiming a queue", (*store.Store).PauseQueue, "paused"),
		a.queueNameCommand("resume <queue>", "Let workers claim a paused queue again", (*store.Store).ResumeQueue, "resumed"),
	)
	return cmd
}

func (a *app) queueNameCommand(use, short string, op func(*store.Store, context.Context, string) error, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(st *store.Store) error {
				if err := op(st, cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, args[0])
				return nil
			})
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
