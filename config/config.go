package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Config captures all command-line options required to run the converter.
type Config struct {
	InputDir    string
	OutputDir   string
	Workers     int
	CopyOthers  bool
	StateDir    string
	Force       bool
	DryRun      bool
	Strict      bool
	LogLevel    string
	LogDir      string
	IncludePath []string
	ExcludePath []string
	NoProgress  bool
	// Interactive is set when a folder was entered at the prompt; the
	// program then waits for Enter before it exits.
	Interactive bool
}

var (
	isInteractive = func() bool {
		return term.IsTerminal(int(os.Stdin.Fd()))
	}
	promptText = func(label string) (string, error) {
		return pterm.DefaultInteractiveTextInput.Show(label)
	}
)

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.StringP("input", "i", "", "Folder containing the .mht files (prompted for when omitted)")
	flags.StringP("output", "o", "", "Folder that receives the converted tree (prompted for when omitted)")
	flags.Int("workers", runtime.NumCPU(), "Number of files processed in parallel")
	flags.Bool("copy-others", true, "Copy files that are not MHT archives into the output tree")
	flags.String("state-dir", defaultStateDir, "Directory for incremental run state files")
	flags.Bool("force", false, "Reprocess files even if a previous run already handled them")
	flags.Bool("dry-run", false, "Parse and rewrite everything but write no files")
	flags.Bool("strict", false, "Fail an archive when any of its parts cannot be decoded")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.StringArray("include-path", nil, "Regex allow-list applied to relative input paths (mutually exclusive with --exclude-path)")
	flags.StringArray("exclude-path", nil, "Regex block-list applied to relative input paths (mutually exclusive with --include-path)")
	flags.Bool("no-progress", false, "Disable the progress bar")

	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	inputDir, err := flags.GetString("input")
	if err != nil {
		return Config{}, err
	}
	outputDir, err := flags.GetString("output")
	if err != nil {
		return Config{}, err
	}
	workers, err := flags.GetInt("workers")
	if err != nil {
		return Config{}, err
	}
	copyOthers, err := flags.GetBool("copy-others")
	if err != nil {
		return Config{}, err
	}
	stateDir, err := flags.GetString("state-dir")
	if err != nil {
		return Config{}, err
	}
	force, err := flags.GetBool("force")
	if err != nil {
		return Config{}, err
	}
	dryRun, err := flags.GetBool("dry-run")
	if err != nil {
		return Config{}, err
	}
	strict, err := flags.GetBool("strict")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}
	includePath, err := flags.GetStringArray("include-path")
	if err != nil {
		return Config{}, err
	}
	excludePath, err := flags.GetStringArray("exclude-path")
	if err != nil {
		return Config{}, err
	}
	noProgress, err := flags.GetBool("no-progress")
	if err != nil {
		return Config{}, err
	}

	interactive := false
	if (strings.TrimSpace(inputDir) == "" || strings.TrimSpace(outputDir) == "") && isInteractive() {
		interactive = true
		if inputDir, err = prompt(inputDir, "Folder containing the MHT files"); err != nil {
			return Config{}, err
		}
		if outputDir, err = prompt(outputDir, "Folder for the converted HTML files"); err != nil {
			return Config{}, err
		}
	}

	if stateDir == "" {
		stateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}

	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		InputDir:    cleanPath(inputDir),
		OutputDir:   cleanPath(outputDir),
		Workers:     workers,
		CopyOthers:  copyOthers,
		StateDir:    filepath.Clean(stateDir),
		Force:       force,
		DryRun:      dryRun,
		Strict:      strict,
		LogLevel:    logLevel,
		LogDir:      logDir,
		IncludePath: includePath,
		ExcludePath: excludePath,
		NoProgress:  noProgress,
		Interactive: interactive,
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// StateName names the state file of one output folder, so runs into
// different folders keep separate state.
func (c Config) StateName() string {
	out := c.OutputDir
	if abs, err := filepath.Abs(out); err == nil {
		out = abs
	}
	sum := sha256.Sum256([]byte(out))
	return "processed-" + hex.EncodeToString(sum[:8])
}

func prompt(current, label string) (string, error) {
	if strings.TrimSpace(current) != "" {
		return current, nil
	}
	value, err := promptText(label)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", strings.ToLower(label), err)
	}
	return value, nil
}

// cleanPath trims whitespace and the quotes added by "copy as path".
func cleanPath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), `"'`)
	if p == "" {
		return ""
	}
	return filepath.Clean(p)
}

func validateConfig(cfg Config) error {
	if cfg.InputDir == "" {
		return fmt.Errorf("--input is required")
	}
	if cfg.OutputDir == "" {
		return fmt.Errorf("--output is required")
	}
	info, err := os.Stat(cfg.InputDir)
	if err != nil {
		return fmt.Errorf("input folder not found: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("input %s is not a folder", cfg.InputDir)
	}
	if samePath(cfg.InputDir, cfg.OutputDir) {
		return fmt.Errorf("--input and --output must be different folders")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("--workers must be at least 1")
	}
	if len(cfg.IncludePath) > 0 && len(cfg.ExcludePath) > 0 {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mht-to-html", "state"), nil
}
