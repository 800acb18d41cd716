// Command howdyscreen runs the voice-assistant firmware pipeline: audio
// capture, wake-word detection, UDP streaming to a HowdyTTS server, and
// TTS playback. `run` is the production entry point; `simulate` replays a
// WAV file through the detection pipeline offline.
package main

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Jmi2020/howdyscreen-go/internal/app"
	"github.com/Jmi2020/howdyscreen-go/internal/config"
	"github.com/Jmi2020/howdyscreen-go/pkg/audio/device"
	"github.com/Jmi2020/howdyscreen-go/pkg/version"
)

var (
	flagConfig    string
	flagLogLevel  string
	flagLogJSON   bool
	flagDebugAddr string
)

var rootCmd = &cobra.Command{
	Use:          "howdyscreen",
	Short:        "HowdyScreen voice assistant firmware",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo())
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline against real audio hardware",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()

		var application *app.App
		watcher, err := config.NewWatcher(flagConfig, logger, func(old, cur *config.Config) {
			if application != nil {
				application.ApplyConfig(old, cur)
			}
		})
		if err != nil {
			return err
		}
		cfg := watcher.Current()

		devCfg := device.DefaultConfig()
		devCfg.InputDevice = cfg.Audio.InputDevice
		devCfg.OutputDevice = cfg.Audio.OutputDevice
		dev, err := device.NewPortAudio(devCfg, logger)
		if err != nil {
			return err
		}
		defer dev.Close()

		application, err = app.New(app.Options{
			Config: cfg,
			Logger: logger,
			Device: dev,
		})
		if err != nil {
			return err
		}

		if flagDebugAddr != "" {
			startDebugServer(application, logger)
		}

		logger.Info("starting",
			slog.String("service", "howdyscreen"),
			slog.String("version", version.Version),
			slog.String("device_id", cfg.Device.ID),
			slog.String("room", cfg.Device.Room))

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		go watcher.Run(ctx)
		return application.Run(ctx)
	},
}

var simulateCmd = &cobra.Command{
	Use:   "simulate <file.wav>",
	Short: "Replay a WAV file through the detection pipeline offline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		return app.Simulate(cfg, logger, args[0], os.Stdout)
	},
}

func setupLogger() *slog.Logger {
	opts := &slog.HandlerOptions{}
	switch flagLogLevel {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}
	var handler slog.Handler
	if flagLogJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// startDebugServer exposes component counters and conversation transition
// metrics on /debug/vars.
func startDebugServer(a *app.App, logger *slog.Logger) {
	expvar.Publish("howdyscreen", expvar.Func(func() any { return a.Stats() }))
	expvar.Publish("conversation_transitions", a.Transitions())
	go func() {
		logger.Info("debug endpoint up", slog.String("addr", flagDebugAddr))
		if err := http.ListenAndServe(flagDebugAddr, nil); err != nil {
			logger.Warn("debug endpoint failed", slog.String("error", err.Error()))
		}
	}()
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "/etc/howdyscreen/config.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "log as JSON instead of text")
	rootCmd.PersistentFlags().StringVar(&flagDebugAddr, "debug-addr", "", "expose expvar debug endpoint on this address")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
