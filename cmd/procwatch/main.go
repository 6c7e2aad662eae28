package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/ship-commander/procwatch/internal/config"
	"github.com/ship-commander/procwatch/internal/logging"
	"github.com/ship-commander/procwatch/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what a command needs once flags are parsed.
type app struct {
	configPath   string
	logDir       string
	stateDir     string
	verbose      bool
	otelEndpoint string

	stderr   io.Writer
	cfg      *config.Config
	runtime  *logging.RuntimeLogger
	shutdown func()
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{stderr: stderr}
	defer a.close()

	cmd := newRootCommand(a)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "procwatch",
		Short:         "Supervise one background process and wait for its output",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "extra config file layered over ~/.procwatch and ./.procwatch")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "mirror debug logs to stderr")
	flags.StringVar(&a.otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint for trace export")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		switch cmd.Name() {
		case "help", "completion", "version":
			return nil
		}
		if err := a.init(cmd.Context()); err != nil {
			return err
		}
		a.logger().With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	root.AddCommand(
		newRunCommand(a),
		newBugreportCommand(a),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the procwatch version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "procwatch %s\n", Version)
			return err
		},
	}
}

func (a *app) init(ctx context.Context) error {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	if a.stateDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		a.stateDir = filepath.Join(homeDir, ".procwatch")
	}
	if a.logDir == "" {
		a.logDir = filepath.Join(a.stateDir, "logs")
	}

	options := []logging.Option{
		logging.WithDir(a.logDir),
		logging.WithLevel(cfg.Level()),
		logging.WithMaxFiles(cfg.LogMaxFiles),
	}
	if a.verbose {
		options = append(options, logging.WithConsole(a.stderr, log.DebugLevel))
	}
	runtime, err := logging.New(options...)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	a.runtime = runtime

	shutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint: telemetry.Endpoint(a.otelEndpoint, cfg.OTelEndpoint),
		Version:  Version,
		Fallback: a.stderr,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	a.shutdown = shutdown
	return nil
}

// loadConfig layers --config, when given, over the default config files.
func (a *app) loadConfig(ctx context.Context) (*config.Config, error) {
	if strings.TrimSpace(a.configPath) == "" {
		return config.Load(ctx)
	}
	if _, err := os.Stat(a.configPath); err != nil {
		return nil, err
	}
	paths, err := config.DefaultPaths()
	if err != nil {
		return nil, err
	}
	return config.LoadFiles(ctx, append(paths, a.configPath)...)
}

func (a *app) logger() *log.Logger {
	if a == nil || a.runtime == nil || a.runtime.Logger == nil {
		return log.New(io.Discard)
	}
	return a.runtime.Logger
}

func (a *app) close() {
	if a.shutdown != nil {
		a.shutdown()
	}
	if err := a.runtime.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		fmt.Fprintf(a.stderr, "failed to close logger: %v\n", err)
	}
}
