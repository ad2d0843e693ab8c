package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/portalrec/internal/api"
	"github.com/bryanchriswhite/portalrec/internal/capture"
	"github.com/bryanchriswhite/portalrec/internal/capture/gst"
	"github.com/bryanchriswhite/portalrec/internal/config"
	"github.com/bryanchriswhite/portalrec/internal/logger"
	"github.com/bryanchriswhite/portalrec/internal/portal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a screen or window",
	Long: `Ask the desktop portal for a screen cast, then record the granted stream
until interrupted.

The compositor shows its own source picker. Recording stops on Ctrl+C, when the
portal ends the session, or when the pipeline exits.`,
	Example: `  # Record with the configured defaults
  portalrec record

  # Record to a specific file
  portalrec record --output ~/Videos/demo.webm

  # Use gst-launch-1.0 and the fd-mediated PipeWire connection
  portalrec record --backend subprocess --remote-fd

  # Expose session status on http://localhost:9090/api/session
  portalrec record --status-port 9090`,
	RunE: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)

	flags := recordCmd.Flags()
	flags.StringP("output", "o", "", "output file, {time} expands to the start time")
	flags.String("backend", "", "pipeline backend (gst or subprocess)")
	flags.Bool("remote-fd", false, "open a PipeWire remote through the portal and hand its fd to the pipeline")
	flags.Bool("wait-for-selection", false, "issue Start only after SelectSources is answered")
	flags.Int("status-port", 0, "serve the status API on this port (0 disables)")

	viper.BindPFlag("capture.output", flags.Lookup("output"))
	viper.BindPFlag("capture.backend", flags.Lookup("backend"))
	viper.BindPFlag("portal.use_remote_fd", flags.Lookup("remote-fd"))
	viper.BindPFlag("portal.wait_for_selection", flags.Lookup("wait-for-selection"))
	viper.BindPFlag("status.port", flags.Lookup("status-port"))
}

// applyOverrides copies explicitly set flags over the file configuration
// without persisting them.
func applyOverrides(cfg *config.Config) {
	if viper.IsSet("log_level") && viper.GetString("log_level") != "" {
		cfg.LogLevel = viper.GetString("log_level")
	}
	if viper.IsSet("capture.output") {
		cfg.Capture.Output = viper.GetString("capture.output")
	}
	if viper.IsSet("capture.backend") {
		cfg.Capture.Backend = viper.GetString("capture.backend")
	}
	if viper.IsSet("portal.use_remote_fd") {
		cfg.Portal.UseRemoteFD = viper.GetBool("portal.use_remote_fd")
	}
	if viper.IsSet("portal.wait_for_selection") {
		cfg.Portal.WaitForSelection = viper.GetBool("portal.wait_for_selection")
	}
	if viper.IsSet("status.port") {
		cfg.Status.Port = viper.GetInt("status.port")
	}
}

func newLauncher(backend string) capture.Launcher {
	if backend == "subprocess" {
		return capture.NewSubprocess()
	}
	return gst.NewLauncher()
}

func runRecord(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cfg := configMgr.Get()
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Init(cfg.LogLevel, cfg.LogPretty)
	log := logger.WithComponent("record")

	opts, err := cfg.Portal.Options()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus, err := portal.ConnectSessionBus()
	if err != nil {
		return err
	}
	defer bus.Close()

	output := cfg.Capture.OutputPath(time.Now())
	launcher := newLauncher(cfg.Capture.Backend)
	handoff := capture.NewHandoff(launcher, cfg.Capture.Pipeline)

	negotiator := portal.NewNegotiator(
		portal.NewCorrelator(bus, cfg.Portal.TokenPrefix),
		opts,
		func(ctx context.Context, target capture.Target) error {
			_, err := handoff.StartCapture(ctx, target, output)
			return err
		},
	)

	if cfg.Status.Port > 0 {
		server := api.NewServer(negotiator, cfg)
		go func() {
			if err := server.Start(cfg.Status.Port); err != nil {
				log.Error().Err(err).Int("port", cfg.Status.Port).Msg("Status server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	log.Info().
		Str("backend", launcher.Name()).
		Str("output", output).
		Bool("remote_fd", opts.UseRemoteFD).
		Msg("Requesting screen cast")

	if err := negotiator.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info().Msg("Cancelled before recording started")
			return nil
		}
		return err
	}

	fmt.Printf("Recording to %s, press Ctrl+C to stop\n", output)

	runErr := waitForEnd(ctx, negotiator, handoff.Running())

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Capture.StopTimeout())
	defer cancel()

	if err := handoff.Stop(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	negotiator.Close(stopCtx)

	if runErr == nil {
		fmt.Printf("Saved %s\n", output)
	}
	return runErr
}

// waitForEnd blocks until the user interrupts, the portal closes the
// session, or the pipeline exits.
func waitForEnd(ctx context.Context, negotiator *portal.Negotiator, pipeline capture.Pipeline) error {
	log := logger.WithComponent("record")

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchErr := make(chan error, 1)
	go func() {
		watchErr <- negotiator.Watch(watchCtx)
	}()

	var pipelineDone <-chan struct{}
	if pipeline != nil {
		pipelineDone = pipeline.Done()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("Interrupted, finishing recording")
		return nil
	case err := <-watchErr:
		if errors.Is(err, portal.ErrSessionClosed) {
			log.Warn().Msg("Screen cast ended by the compositor")
			return nil
		}
		return err
	case <-pipelineDone:
		if err := pipeline.Err(); err != nil {
			return &capture.PipelineError{Stage: capture.StageRun, Err: err}
		}
		log.Info().Msg("Pipeline finished")
		return nil
	}
}
