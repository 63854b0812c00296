package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"codeward/internal/config"
	"codeward/internal/executor"
	"codeward/internal/logging"
	"codeward/internal/mcp"
	"codeward/internal/permission"
	"codeward/internal/sandbox"
	"codeward/internal/store"
	"codeward/internal/subagent"
	"codeward/internal/tools"
)

var (
	// Global flags
	verbose  bool
	stateDir string

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ward",
	Short: "codeward - permissioned, sandboxed tool execution core",
	Long: `codeward is the local-first tool permission and execution layer for an
agentic coding assistant: permission rules, interactive approval, platform
sandboxing, MCP server multiplexing, subagent delegation, and an
append-only session store.

The conversation loop is a separate collaborator; this binary exposes the
operational surfaces (sessions, doctor, mcp).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if stateDir == "" {
			stateDir = config.DefaultStateDir()
		}
		if err := logging.Initialize(stateDir); err != nil {
			logger.Warn("category logging unavailable", zap.Error(err))
		}

		cfg, err = config.Load(stateDir)
		if err != nil {
			return err
		}

		// Config is immutable for the life of the process; the watcher
		// only warns when the file changes underneath us.
		if err := config.Watch(cmd.Context(), cfg); err != nil {
			logger.Warn("config watcher unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		db, err := store.Open(cfg.Store.DatabasePath)
		if err != nil {
			return err
		}
		defer db.Close()

		sessions, err := db.ListSessions(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUPDATED\tBRANCH\tTITLE")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				s.ID, s.UpdatedAt.Format(time.RFC3339), s.GitBranch, s.Title)
		}
		return w.Flush()
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [partial-id]",
	Short: "Resolve a partial session ID and show its recent turns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")

		db, err := store.Open(cfg.Store.DatabasePath)
		if err != nil {
			return err
		}
		defer db.Close()

		id, err := db.Resume(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Session %s\n\n", id)

		window, cursor, err := db.LoadWindow(cmd.Context(), id, count, 0)
		if err != nil {
			return err
		}
		for _, turn := range window {
			marker := ""
			if turn.Compaction {
				marker = " [compaction summary]"
			}
			fmt.Printf("[%d] %s%s: %s\n", turn.Seq, turn.Role, marker, turn.Content)
		}
		if cursor != 0 {
			fmt.Printf("\n(older turns available before seq %d)\n", cursor)
		}
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check sandbox capability, configuration, and session store health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ok := true

		fmt.Printf("State dir: %s\n", cfg.StateDir())

		// Sandbox tier.
		sandboxCfg, _ := cfg.SandboxSettings()
		box, err := sandbox.New(sandboxCfg)
		switch {
		case err != nil:
			fmt.Printf("Sandbox:   UNAVAILABLE (%v)\n", err)
			ok = false
		default:
			c := box.Capability()
			tier := "full"
			if c.Degraded {
				tier = "degraded"
			}
			fmt.Printf("Sandbox:   %s (%s on %s)\n", tier, c.Name, c.Platform)
			if c.Detail != "" {
				fmt.Printf("           %s\n", c.Detail)
			}
			fmt.Printf("           write confinement=%v syscall filtering=%v network isolation=%v\n",
				c.WriteConfinement, c.SyscallFiltering, c.NetworkIsolation)
		}

		// Session store.
		if db, err := store.Open(cfg.Store.DatabasePath); err != nil {
			fmt.Printf("Store:     FAILED (%v)\n", err)
			ok = false
		} else {
			db.Close()
			fmt.Printf("Store:     ok (%s)\n", cfg.Store.DatabasePath)
		}

		fmt.Printf("MCP:       %d server(s) configured\n", len(cfg.MCPServers))

		if !ok {
			return fmt.Errorf("doctor found problems")
		}
		return nil
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Show the assembled tool registry and the policy decision for each tool",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := buildRegistry(cmd.Context())
		if err != nil {
			return err
		}

		rules, err := permission.NewRuleSet(cfg.Permissions)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tORIGIN\tPOLICY\tDESCRIPTION")
		for _, name := range registry.Names() {
			d, err := registry.Get(name)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, d.Origin, rules.Resolve(name), d.Description)
		}
		return w.Flush()
	},
}

// buildRegistry assembles the full tool surface: builtins confined to the
// sandbox profile, the shell tool, the subagent delegation tool, and every
// tool discovered from configured MCP servers.
func buildRegistry(ctx context.Context) (*tools.Registry, error) {
	sandboxCfg, profile := cfg.SandboxSettings()
	box, err := sandbox.New(sandboxCfg)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, profile); err != nil {
		return nil, err
	}
	if err := registry.Register(executor.NewShellTool(box, profile, cfg.ExecutorGracePeriod())); err != nil {
		return nil, err
	}

	profiles, err := subagent.LoadProfiles(cfg.Subagents.ProfilesDir)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	// The conversation loop lives in a separate process; without one
	// attached, delegated tasks cannot run but the tool is still listed.
	runner := func(ctx context.Context, sessionID, prompt string, registry *tools.Registry) (string, error) {
		return "", fmt.Errorf("no model runner attached")
	}
	scheduler := subagent.NewScheduler(registry, profiles, runner, db, subagent.Config{
		MaxConcurrent:  cfg.Subagents.MaxConcurrent,
		DefaultTimeout: cfg.SubagentDefaultTimeout(),
	})
	if err := registry.Register(subagent.NewDelegationTool(scheduler)); err != nil {
		return nil, err
	}

	servers, err := cfg.MCPServerConfigs()
	if err != nil {
		return nil, err
	}
	if len(servers) > 0 {
		mux, err := mcp.NewMultiplexer(servers)
		if err != nil {
			return nil, err
		}
		defer mux.Close()
		if err := mux.Start(ctx, registry); err != nil {
			return nil, err
		}
	}

	registry.Seal()
	return registry, nil
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Inspect configured MCP servers",
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured MCP servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.MCPServers) == 0 {
			fmt.Println("No MCP servers configured.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTRANSPORT\tTARGET")
		for _, srv := range cfg.MCPServers {
			target := srv.URL
			if target == "" {
				target = srv.Command
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", srv.Name, srv.Transport, target)
		}
		return w.Flush()
	},
}

var mcpPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Connect to every configured MCP server and check liveness",
	RunE: func(cmd *cobra.Command, args []string) error {
		servers, err := cfg.MCPServerConfigs()
		if err != nil {
			return err
		}
		if len(servers) == 0 {
			fmt.Println("No MCP servers configured.")
			return nil
		}

		mux, err := mcp.NewMultiplexer(servers)
		if err != nil {
			return err
		}
		defer mux.Close()

		registry := tools.NewRegistry()
		if err := mux.Start(cmd.Context(), registry); err != nil {
			return err
		}

		results := mux.Ping(cmd.Context())
		failed := 0
		for name, pingErr := range results {
			if pingErr != nil {
				fmt.Printf("%s: FAILED (%v)\n", name, pingErr)
				failed++
				continue
			}
			fmt.Printf("%s: ok\n", name)
		}
		if failed > 0 {
			return fmt.Errorf("%d server(s) unreachable", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "state directory (default ./.codeward)")

	sessionsCmd.Flags().Int("limit", 20, "maximum sessions to list")
	resumeCmd.Flags().Int("count", 20, "turns to show")

	mcpCmd.AddCommand(mcpListCmd, mcpPingCmd)
	rootCmd.AddCommand(sessionsCmd, resumeCmd, doctorCmd, toolsCmd, mcpCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
