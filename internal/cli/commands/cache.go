package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/conduit-lang/keel/pkg/orm"
)

// confirmClear asks before cached metadata is dropped. Without a terminal on
// stdin there is nobody to ask and the clear goes ahead.
var confirmClear = func(adapter string) (bool, error) {
	fd := os.Stdin.Fd()
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		return true, nil
	}
	ok := false
	prompt := &survey.Confirm{
		Message: fmt.Sprintf("Clear the %s metadata cache?", adapter),
		Help:    "The next start reads and validates every entity declaration again.",
	}
	if err := survey.AskOne(prompt, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

// NewCacheCommand creates the cache command
func NewCacheCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Metadata cache commands",
		Long: `Manage the metadata cache that keeps discovered entity declarations
between runs.`,
	}

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear the metadata cache",
		Example: `  # Drop cached metadata so the next start reads every declaration again
  keel cache clear

  # Skip the confirmation prompt
  keel cache clear --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			p := flags.printer(cmd)
			if cfg.Cache.Adapter == "none" {
				p.Warning("metadata cache is disabled, nothing to clear")
				return nil
			}

			if !yes {
				ok, err := confirmClear(cfg.Cache.Adapter)
				if err != nil {
					return err
				}
				if !ok {
					p.Warning("cache clear cancelled")
					return nil
				}
			}

			ctx := commandContext(cmd)
			adapter, err := orm.NewCache(ctx, cfg)
			if err != nil {
				return err
			}
			if c, ok := adapter.(io.Closer); ok {
				defer c.Close()
			}

			if err := adapter.Clear(ctx); err != nil {
				return err
			}
			p.Success("metadata cache cleared (%s adapter)", cfg.Cache.Adapter)
			return nil
		},
	}
	clearCmd.Flags().BoolVarP(&yes, "yes", "y", false, "Clear without asking for confirmation")
	cmd.AddCommand(clearCmd)

	return cmd
}
