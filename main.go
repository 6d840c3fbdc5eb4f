package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mht-to-html/cmd"
	"github.com/dhcgn/mht-to-html/config"
	"github.com/dhcgn/mht-to-html/convert"
	"github.com/dhcgn/mht-to-html/progress"
	"github.com/dhcgn/mht-to-html/runner"
	"github.com/dhcgn/mht-to-html/scan"
	"github.com/dhcgn/mht-to-html/stats"
)

func main() {
	interactive := false

	rootCmd := &cobra.Command{
		Use:   "mht-to-html",
		Short: "Convert a folder tree of MHT web archives into standalone HTML files",
		// per-file failures are not usage errors
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}
			interactive = cfg.Interactive

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting mht-to-html", "input", cfg.InputDir, "output", cfg.OutputDir, "workers", cfg.Workers, "dryRun", cfg.DryRun)

			return run(cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewInspectCommand())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	if interactive {
		waitForEnter()
	}
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if !cfg.DryRun {
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return fmt.Errorf("create output folder: %w", err)
		}
	}

	r, err := runner.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	reporter := stats.NewReporter(r, logger)

	scanOpts := scan.Options{
		InputDir:    cfg.InputDir,
		OutputDir:   cfg.OutputDir,
		IncludePath: cfg.IncludePath,
		ExcludePath: cfg.ExcludePath,
	}

	if !cfg.NoProgress {
		total, err := scan.Count(r.Context(), scanOpts, logger)
		if err != nil {
			return fmt.Errorf("scan.Count: %w", err)
		}
		progress.NewProgressReporter(r, progress.New(total, cfg.LogLevel), logger)
	}

	if _, err := scan.NewProducer(scanOpts, r, logger); err != nil {
		return fmt.Errorf("scan.NewProducer: %w", err)
	}

	converterOpts := convert.Options{
		Workers: cfg.Workers,
		DryRun:  cfg.DryRun,
		Force:   cfg.Force,
		Strict:  cfg.Strict,
	}
	if _, err := convert.NewConverter(converterOpts, r, logger); err != nil {
		return fmt.Errorf("convert.NewConverter: %w", err)
	}

	if err := r.Start(); err != nil {
		return err
	}

	summary := reporter.Summary()
	if summary.Errors > 0 {
		return fmt.Errorf("%s, %d files failed (last: %s: %v)", summary.Headline(), summary.Errors, summary.LastErrorPath, summary.LastError)
	}
	return nil
}

func waitForEnter() {
	fmt.Print("Press Enter to exit...")
	_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mht-to-html-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
