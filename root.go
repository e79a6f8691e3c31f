package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/m365-go/internal/config"
	"github.com/tonimelisma/m365-go/internal/sdkerr"
)

// version is set at build time via ldflags.
var version = "dev"

// cliFlags holds the persistent flags shared by every command.
type cliFlags struct {
	ConfigPath string
	SiteURL    string
	GraphFirst bool
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// Global persistent flags, bound in newRootCmd().
var flags cliFlags

// CLIContext carries what every command needs once configuration has been
// resolved. It travels in the command's context.
type CLIContext struct {
	Flags  cliFlags
	Cfg    *config.Config
	Logger *slog.Logger
	Out    io.Writer
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by the root pre-run. Commands
// only run after it, so a missing context is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("CLIContext missing from command context")
	}

	return cc
}

// skipConfigCommands lists commands that must run without a complete
// configuration.
var skipConfigCommands = map[string]bool{
	"m365-go":             true,
	"m365-go config":      true,
	"m365-go config show": true,
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "m365-go",
		Short:   "SharePoint and Microsoft Graph client",
		Long:    "Query and change SharePoint lists, users and term store data over REST, Graph and CSOM.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipConfigCommands[cmd.CommandPath()] {
				return nil
			}

			return loadCLIContext(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flags.SiteURL, "site", "", "site URL, e.g. https://contoso.sharepoint.com/sites/dev")
	cmd.PersistentFlags().BoolVar(&flags.GraphFirst, "graph-first", false, "prefer Microsoft Graph over SharePoint REST")
	cmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "only log errors")

	cmd.AddCommand(newItemsCmd())
	cmd.AddCommand(newAddItemCmd())
	cmd.AddCommand(newUsersCmd())
	cmd.AddCommand(newTermParentCmd())
	cmd.AddCommand(newTermsByPropertyCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadCLIContext resolves the configuration through the override chain and
// stores a CLIContext, with a signal-aware context, on cmd.
func loadCLIContext(cmd *cobra.Command) error {
	bootstrap := buildLogger(nil, flags)

	cfg, err := config.Resolve(config.ReadEnvOverrides(bootstrap), cliOverrides(cmd), bootstrap)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := buildLogger(cfg, flags)

	cc := &CLIContext{
		Flags:  flags,
		Cfg:    cfg,
		Logger: logger,
		Out:    os.Stdout,
	}

	ctx := shutdownContext(cmd.Context(), logger)
	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// cliOverrides collects the flags that take part in the override chain.
// Only flags given on the command line are passed, so file values survive.
func cliOverrides(cmd *cobra.Command) config.CLIOverrides {
	cli := config.CLIOverrides{
		ConfigPath: flags.ConfigPath,
		SiteURL:    flags.SiteURL,
	}

	if cmd.Flags().Changed("graph-first") {
		v := flags.GraphFirst
		cli.GraphFirst = &v
	}

	switch {
	case flags.Quiet:
		level := "error"
		cli.LogLevel = &level
	case flags.Verbose:
		level := "debug"
		cli.LogLevel = &level
	}

	return cli
}

// buildLogger creates the logger from the config level and format. The
// config file gives the baseline; --verbose and --quiet win.
func buildLogger(cfg *config.Config, f cliFlags) *slog.Logger {
	level := slog.LevelWarn
	format := "auto"

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}

		format = cfg.Logging.LogFormat
	}

	if f.Verbose {
		level = slog.LevelDebug
	}

	if f.Quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	// auto: text for a person at a terminal, JSON for a log collector.
	if format == "json" || (format == "auto" && !isatty.IsTerminal(os.Stderr.Fd())) {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// exitOnError prints a user-friendly error message to stderr and exits.
// With --verbose, the multi-line diagnostic of service and authentication
// errors follows the message.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	if flags.Verbose {
		var detailed sdkerr.Error
		if errors.As(err, &detailed) {
			fmt.Fprintln(os.Stderr, detailed.Details())
		}
	}

	os.Exit(1)
}
