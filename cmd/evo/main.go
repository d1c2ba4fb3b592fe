package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"evoengine/internal/config"
	"evoengine/internal/evolution"
	"evoengine/internal/logging"
	"evoengine/internal/transparency"
	"evoengine/internal/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "evo",
	Short: "evo - self-improvement engine for coding assistants",
	Long: `evo runs the evolution engine: a governed control loop that scores
proposed changes to an assistant's own configuration, applies the safe
ones in bounded batches, watches the outcome metrics, and rolls back
anything that makes the assistant worse.

State lives under <workspace>/.evolution. Every decision, application,
and rollback is observable on the event stream and in the audit logs.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}
		if err := logging.Initialize(ws); err != nil {
			logger.Warn("Category logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// startCmd runs the engine loop in the foreground
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the scheduler loop until interrupted",
	Long: `Starts the engine in the foreground: the scheduler ticks at the
configured interval, dispatches runnable proposals to the executor, and
the self-healing monitor sweeps applied changes. Engine events are
printed as they happen. Stop with Ctrl-C or 'evo stop' from another
terminal.`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

// stopCmd signals a running engine process
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running engine to shut down",
	Long: `Reads the pid from the state-store lockfile and sends it SIGTERM.
The running engine finishes its in-flight tick, flushes state, and
releases the lock.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <workspace>/.evolution/config.yaml)")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return types.Wrap(types.KindConfigInvalid, "cli", err)
	})

	rollbackCmd.Flags().Bool("auto", false, "Request an automatic rollback (subject to the daily cap)")
	rollbackCmd.Flags().Bool("manual", false, "Request a manual rollback (bypasses the cap; default)")
	rollbackCmd.Flags().String("reason", "", "Reason recorded in the rollback audit log")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(openCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(types.ExitCode(err))
	}
}

// exactArgs mirrors cobra.ExactArgs but returns a kinded error so the
// exit code reports an invalid argument rather than a generic failure.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return types.Errorf(types.KindConfigInvalid, "cli",
				"%s expects %d argument(s), got %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}

func resolveWorkspace() (string, error) {
	if workspace != "" {
		return filepath.Abs(workspace)
	}
	return os.Getwd()
}

func loadConfig(ws string) (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath(ws)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, types.Wrap(types.KindConfigInvalid, "cli", err)
	}
	return cfg, nil
}

// openEngine builds a full engine for one command invocation. The
// caller owns Close.
func openEngine() (*evolution.Engine, string, error) {
	ws, err := resolveWorkspace()
	if err != nil {
		return nil, "", err
	}
	cfg, err := loadConfig(ws)
	if err != nil {
		return nil, "", err
	}
	eng, err := evolution.New(ws, cfg, evolution.Deps{})
	if err != nil {
		return nil, "", err
	}
	return eng, ws, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	eng, ws, err := openEngine()
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("Engine close", zap.Error(err))
		}
	}()

	// Mirror the event stream to the terminal while running foreground.
	eng.Subscribe(func(ev transparency.Event) {
		fmt.Println(ev.String())
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	eng.Start(ctx)
	fmt.Println(renderBanner(ws, eng.Status()))

	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))
	eng.Stop()
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}

	lockPath := filepath.Join(ws, ".evolution", ".lock")
	data, err := os.ReadFile(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("Engine is not running (no lockfile).")
			return nil
		}
		return err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return types.Errorf(types.KindStateCorrupted, "cli",
			"lockfile %s does not contain a pid: %q", lockPath, strings.TrimSpace(string(data)))
	}

	proc, err := os.FindProcess(pid)
	if err == nil {
		err = proc.Signal(syscall.SIGTERM)
	}
	if err != nil {
		return fmt.Errorf("pid %d from %s is not signalable (stale lock? remove the file): %w", pid, lockPath, err)
	}

	fmt.Printf("Sent SIGTERM to engine pid %d.\n", pid)
	return nil
}
