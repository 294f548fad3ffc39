// Command leakmon-monitor attaches to a running process (or injects the
// agent library into one) and records every heap allocation and free it
// observes into a binary event log.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/kaelmon/leakmon"
	"github.com/kaelmon/leakmon/internal/config"
	"github.com/kaelmon/leakmon/internal/logging"
	"github.com/kaelmon/leakmon/internal/procmon"
	"github.com/kaelmon/leakmon/internal/statusapi"
	"github.com/kaelmon/leakmon/internal/tui"
)

var (
	flagPID      string
	flagInject   string
	flagDLL      string
	flagConfig   string
	flagHTTPAddr string
	flagTUI      bool
)

var rootCmd = &cobra.Command{
	Use:   "leakmon-monitor",
	Short: "Live heap-allocation leak profiler",
	Long: `leakmon-monitor attaches to a target process whose heap is
instrumented by the leakmon agent, captures a symbolized call stack for
every allocation and free, and writes a binary event log for offline
conversion with leakmon-convert.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runMonitor,
}

func init() {
	rootCmd.Flags().StringVar(&flagPID, "pid", "", "attach to a running target by PID or executable name")
	rootCmd.Flags().StringVar(&flagInject, "inject", "", "attach by PID or executable name and inject the agent library")
	rootCmd.Flags().StringVar(&flagDLL, "dll", "leakmon-agent.dll", "path to the agent library (with --inject)")
	rootCmd.Flags().StringVar(&flagConfig, "config", "leakmon.yaml", "path to the optional YAML config file")
	rootCmd.Flags().StringVar(&flagHTTPAddr, "http-addr", "", "serve live status/metrics on this localhost address")
	rootCmd.Flags().BoolVar(&flagTUI, "tui", false, "show the live dashboard instead of plain logs")
	rootCmd.MarkFlagsMutuallyExclusive("pid", "inject")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if flagPID == "" && flagInject == "" {
		return fmt.Errorf("one of --pid or --inject is required")
	}

	cfg, err := config.LoadConfig(flagConfig)
	if err != nil {
		return err
	}
	applyLogLevel(cfg.LogLevel)
	if flagHTTPAddr != "" {
		cfg.HTTPAddr = flagHTTPAddr
	}

	opts := leakmon.Options{
		Target:            flagPID,
		LogDir:            cfg.LogDir,
		OpenRetryInterval: cfg.Timeouts.IPCOpenRetryInterval,
		InterruptTimeout:  cfg.Timeouts.InterruptLoopTimeout,
		StopDrainTimeout:  cfg.Timeouts.ShutdownDrainTimeout,
		ConfirmTimeout:    cfg.Timeouts.StopConfirmTimeout,
		MinFlushInterval:  cfg.Timeouts.MinFlushInterval,
	}
	if flagInject != "" {
		opts.Target = flagInject
		opts.Inject = true
		opts.DLLPath = flagDLL
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	session, err := leakmon.StartSession(ctx, opts, loadLibraryInjector{})
	if err != nil {
		return err
	}

	log := logging.Default().With("component", "monitor")
	log.Info("profiling started", "target", opts.Target)

	if cfg.HTTPAddr != "" {
		srv := &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: statusapi.NewRouter(statusapi.NewServer(session)),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("status endpoint failed: %v", err)
			}
		}()
		defer srv.Close()
		log.Info("status endpoint listening", "addr", cfg.HTTPAddr)
	}

	if flagTUI {
		pid, err := procmon.ResolvePID(opts.Target)
		if err == nil {
			if err := tui.Run(session, pid); err != nil {
				log.Errorf("dashboard failed: %v", err)
			}
			stop() // dashboard quit doubles as the exit request
		}
	}

	<-ctx.Done()
	log.Info("exit requested, stopping session")
	return session.Stop()
}

func applyLogLevel(level string) {
	lc := logging.DefaultConfig()
	switch level {
	case "debug":
		lc.Level = logging.LevelDebug
	case "warn":
		lc.Level = logging.LevelWarn
	case "error":
		lc.Level = logging.LevelError
	default:
		lc.Level = logging.LevelInfo
	}
	logging.SetDefault(logging.NewLogger(lc))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "leakmon-monitor: %v\n", err)
		os.Exit(1)
	}
}
