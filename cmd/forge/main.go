// -----------------------------------------------------------------------
// forge - Content build orchestrator CLI
// -----------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/forge/internal/app"
	"github.com/ternarybob/forge/internal/common"
)

const usage = `Usage: forge [flags] <command>

Commands:
  build <course.yaml>   Build a course through the staged pipeline
  start-services        Start persistent worker pools (blocks until SIGINT)
  stop-services         Stop every registered worker
  workers list          Show the worker registry
  workers cleanup       Purge dead worker rows and reset orphaned jobs
  status                One-shot status of workers and recent events
  monitor               Periodic status until SIGINT

Flags:
`

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")

	logger arbor.ILogger
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Forge version %s\n", common.GetVersion())
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("forge.toml"); err == nil {
			configFiles = append(configFiles, "forge.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		arbor.NewLogger().Error().Err(err).Msg("Failed to load configuration")
		os.Exit(2)
	}

	logger = common.InitLogger(config)
	common.PrintBanner(common.GetVersion())
	common.InstallCrashHandler("./logs")
	defer func() {
		if r := recover(); r != nil {
			common.WriteCrashFile(r, string(debug.Stack()))
			os.Exit(1)
		}
	}()

	a, err := app.New(config, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize")
		os.Exit(2)
	}
	defer a.Close()

	os.Exit(run(a, flag.Args()))
}

// run dispatches the subcommand. Exit codes: 0 success, 1 build failure
// or fatal error, 2 operational error.
func run(a *app.App, args []string) int {
	ctx := interruptContext()

	switch args[0] {
	case "build":
		if len(args) < 2 {
			logger.Error().Msg("build requires a course spec path")
			return 2
		}
		ok, err := a.Build(ctx, args[1])
		if err != nil {
			logger.Error().Err(err).Msg("Build aborted")
			return 1
		}
		if !ok {
			logger.Error().Msg("Build finished with failures")
			return 1
		}
		logger.Info().Msg("Build succeeded")
		return 0

	case "start-services":
		if err := a.StartServices(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to start services")
			return 1
		}
		return 0

	case "stop-services":
		if err := a.StopServices(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop services")
			return 1
		}
		return 0

	case "workers":
		if len(args) < 2 {
			logger.Error().Msg("workers requires a subcommand: list | cleanup")
			return 2
		}
		switch args[1] {
		case "list":
			workers, err := a.ListWorkers(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to list workers")
				return 2
			}
			for _, w := range workers {
				fmt.Printf("%-40s %-10s %-8s processed=%d failed=%d heartbeat=%s\n",
					w.ID, w.Type, w.Status, w.JobsProcessed, w.JobsFailed,
					w.LastHeartbeat.Format(time.RFC3339))
			}
			return 0
		case "cleanup":
			purged, err := a.CleanupWorkers(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("Worker cleanup failed")
				return 2
			}
			logger.Info().Int("purged", purged).Msg("Worker cleanup done")
			return 0
		}
		logger.Error().Str("subcommand", args[1]).Msg("Unknown workers subcommand")
		return 2

	case "status":
		if err := a.Status(ctx); err != nil {
			logger.Error().Err(err).Msg("Status failed")
			return 2
		}
		return 0

	case "monitor":
		if err := a.Monitor(ctx, 2*time.Second); err != nil {
			logger.Error().Err(err).Msg("Monitor failed")
			return 2
		}
		return 0
	}

	logger.Error().Str("command", args[0]).Msg("Unknown command")
	flag.Usage()
	return 2
}

// interruptContext cancels on the first SIGINT/SIGTERM for cooperative
// shutdown; a second SIGINT exits immediately.
func interruptContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn().Msg("Interrupt received, shutting down (interrupt again to force exit)")
		cancel()
		<-sigCh
		logger.Error().Msg("Forced exit")
		os.Exit(1)
	}()
	return ctx
}
