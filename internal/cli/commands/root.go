package commands

import (
	"context"
	"fmt"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conduit-lang/keel/internal/cli/config"
	"github.com/conduit-lang/keel/internal/cli/ui"
)

var (
	// Build information, filled in by cmd/keel
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath string
	noColor    bool
}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "keel",
		Short: "keel persistence engine tooling",
		Long: color.CyanString(`keel - Unit of Work persistence for Go

Inspect entity declarations, verify database connectivity and manage the
metadata cache of a keel project.`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to keel.yml (defaults to ./keel.yml)")
	rootCmd.PersistentFlags().BoolVar(&flags.noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(NewVersionCommand())
	rootCmd.AddCommand(NewSchemaCommand(flags))
	rootCmd.AddCommand(NewCheckCommand(flags))
	rootCmd.AddCommand(NewCacheCommand(flags))
	rootCmd.AddCommand(NewCompletionCommand())

	return rootCmd
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display the keel version, Git commit, build date, and Go version",
		Run: func(cmd *cobra.Command, args []string) {
			titleColor := color.New(color.FgCyan, color.Bold)
			out := cmd.OutOrStdout()

			for _, line := range [][2]string{
				{"keel version: ", Version},
				{"Git commit: ", GitCommit},
				{"Build date: ", BuildDate},
				{"Go version: ", runtime.Version()},
			} {
				titleColor.Fprint(out, line[0])
				fmt.Fprintln(out, line[1])
			}
		},
	}
}

// loadConfig reads the configuration selected by --config
func (f *globalFlags) loadConfig() (*config.Config, error) {
	if f.configPath != "" {
		return config.LoadFile(f.configPath)
	}
	return config.Load()
}

func (f *globalFlags) printer(cmd *cobra.Command) *ui.Printer {
	return ui.NewPrinter(cmd.OutOrStdout(), f.noColor)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// Execute runs the root command
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command; commands stop when ctx is cancelled
func ExecuteContext(ctx context.Context) error {
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		errorColor := color.New(color.FgRed, color.Bold)
		errorColor.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
		return err
	}
	return nil
}
