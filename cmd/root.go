// Package cmd wires the turnkeeper CLI surface to the Lifecycle
// Orchestrator.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	viperlib "github.com/spf13/viper"

	"github.com/avery-hale/turnkeeper/internal/config"
	"github.com/avery-hale/turnkeeper/internal/log"
	"github.com/avery-hale/turnkeeper/internal/orchestrator"
)

var (
	version = "dev"
	viper   = viperlib.NewWithOptions(viperlib.KeyDelimiter("::"))

	verboseFlag bool
)

var rootCmd = &cobra.Command{
	Use:     "turnkeeper \"<task description>\"",
	Short:   "A hook-driven supervisor for a long-running coding agent",
	Long:    "turnkeeper spawns a coding agent in a PTY and supervises its progress through hook events, redirecting it turn by turn until the task completes.",
	Version: version,
	Args:    cobra.ExactArgs(1),
	RunE:    runOrchestrator,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Flags().Int("port", config.DefaultPort, "HTTP port (localhost bind only)")
	rootCmd.Flags().Int("max-iterations", config.DefaultMaxIterations, "supervisor iteration budget")
	rootCmd.Flags().Bool("mock-supervisor", false, "use a mock Dispatcher that always continues")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "emit analysis/diagnostic log lines")
	rootCmd.Flags().Int("cooldown-ms", config.DefaultCooldownMS, "minimum gap between supervisor turns, in milliseconds")
	rootCmd.Flags().Int("failure-threshold", config.DefaultFailureThreshold, "consecutive supervisor-turn failures before aborting")
	rootCmd.Flags().Duration("supervisor-timeout", 0, "per-turn supervisor timeout (defaults to the selected strategy's own timeout)")
	rootCmd.Flags().String("supervisor-mode", string(config.SupervisorModePrint), "supervisor strategy: print|interactive")
	rootCmd.Flags().String("agent-path", "", "override path to the agent CLI binary")
	rootCmd.Flags().String("agent-permissions-flag", config.DefaultAgentPermissions, "permissions-bypass flag passed to the agent")
	rootCmd.Flags().String("supervisor-workdir", "", "isolated working directory for the interactive supervisor")
	rootCmd.Flags().String("trace", string(config.TraceNone), "tracing exporter: none|stdout|file")
	rootCmd.Flags().String("trace-file", "", "trace output path when --trace=file")

	for _, name := range []string{
		"port", "max-iterations", "mock-supervisor", "cooldown-ms",
		"failure-threshold", "supervisor-timeout", "supervisor-mode",
		"agent-path", "agent-permissions-flag", "supervisor-workdir",
		"trace", "trace-file",
	} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}
}

func initConfig() {
	viper.SetEnvPrefix("TURNKEEPER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	cleanup, err := log.Init("turnkeeper.log")
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()

	// Must run after Init: SetMinLevel before the logger exists is a no-op
	// against the nil default logger.
	if verboseFlag || os.Getenv("TURNKEEPER_DEBUG") != "" {
		log.SetMinLevel(log.LevelDebug)
	}

	cfg := config.Defaults()
	cfg.Task = args[0]
	cfg.Port = viper.GetInt("port")
	cfg.MaxIterations = viper.GetInt("max-iterations")
	cfg.MockSupervisor = viper.GetBool("mock-supervisor")
	cfg.Verbose = verboseFlag
	cfg.CooldownMS = viper.GetInt("cooldown-ms")
	cfg.FailureThreshold = viper.GetInt("failure-threshold")
	// Zero means "unset": leave it to the selected Dispatcher strategy's
	// own default (30s print-mode, 60s interactive) rather than forcing
	// print-mode's timeout onto interactive mode.
	cfg.SupervisorTimeout = viper.GetDuration("supervisor-timeout")
	cfg.SupervisorMode = config.SupervisorMode(viper.GetString("supervisor-mode"))
	cfg.AgentPath = viper.GetString("agent-path")
	cfg.AgentPermFlag = viper.GetString("agent-permissions-flag")
	cfg.SupervisorWorkdir = viper.GetString("supervisor-workdir")
	cfg.Trace = config.TraceMode(viper.GetString("trace"))
	cfg.TraceFile = viper.GetString("trace-file")

	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Info(log.CatLifecycle, "turnkeeper starting", "task", cfg.Task, "port", cfg.Port, "supervisorMode", cfg.SupervisorMode)

	exitCode, err := orchestrator.Run(cfg)
	if err != nil {
		log.ErrorErr(log.CatLifecycle, "orchestrator run failed", err)
		return err
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
