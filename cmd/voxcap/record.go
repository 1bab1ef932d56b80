package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voxcap/internal/app"
	"github.com/MrWong99/voxcap/internal/capture"
	"github.com/MrWong99/voxcap/internal/config"
	"github.com/MrWong99/voxcap/internal/observe"
)

const shutdownTimeout = 15 * time.Second

type recordFlags struct {
	input  string
	rate   int
	dir    string
	listen string
}

func newRecordCmd(g *globalFlags) *cobra.Command {
	f := &recordFlags{}
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Capture one session and save it as a WAV file",
		Long: `Capture audio from the configured source until Ctrl+C or, with
capture.auto_stop enabled, until the first utterance ends. The saved file
path is printed on success.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			if err := config.Validate(cfg); err != nil {
				return err
			}
			return runRecord(cmd, cfg)
		},
	}
	cmd.Flags().StringVarP(&f.input, "input", "i", "", `raw PCM input file, "-" for stdin (overrides capture.source.path)`)
	cmd.Flags().IntVarP(&f.rate, "rate", "r", 0, "sample rate of the input in Hz (overrides capture.source.native_rate)")
	cmd.Flags().StringVarP(&f.dir, "dir", "d", "", "recordings directory (overrides capture.recordings_dir)")
	cmd.Flags().StringVar(&f.listen, "listen", "", `HTTP listen address, "" disables HTTP (overrides server.listen_addr)`)
	return cmd
}

// apply overrides config values with explicitly set flags.
func (f *recordFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("input") {
		cfg.Capture.Source.Path = f.input
	}
	if flags.Changed("rate") {
		cfg.Capture.Source.NativeRate = f.rate
	}
	if flags.Changed("dir") {
		cfg.Capture.RecordingsDir = f.dir
	}
	if flags.Changed("listen") {
		cfg.Server.ListenAddr = f.listen
	}
}

func runRecord(cmd *cobra.Command, cfg *config.Config) error {
	ctx := cmd.Context()
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxcap",
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := telemetry.Shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	slog.Info("voxcap starting",
		"source", cfg.Capture.Source.Name,
		"input", cfg.Capture.Source.Path,
		"recordings_dir", cfg.Capture.RecordingsDir,
		"listen_addr", cfg.Server.ListenAddr,
	)

	application, err := app.New(ctx, cfg, app.Deps{}, app.WithMetricsHandler(telemetry.Handler()))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	res, err := application.Run(ctx)
	if endOfInput(err) {
		slog.Info("input ended", "session", res.ID)
		err = nil
	}
	if res.Path != "" {
		fmt.Fprintln(cmd.OutOrStdout(), res.Path)
	}
	return err
}

// endOfInput reports whether err only says that a finite input ran out.
func endOfInput(err error) bool {
	return errors.Is(err, capture.ErrReadFailure) && errors.Is(err, io.EOF) && !errors.Is(err, capture.ErrIO)
}
