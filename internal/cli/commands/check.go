package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conduit-lang/keel/pkg/orm"
)

// NewCheckCommand creates the check command
func NewCheckCommand(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the configuration and database connection",
		Long: `Load keel.yml, connect to the configured database and discover entity
metadata exactly as an application would, then disconnect.`,
		Example: `  # Check the project in the current directory
  keel check

  # Check with an explicit configuration file
  keel check --config deploy/keel.yml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(commandContext(cmd), timeout)
			defer cancel()

			p := flags.printer(cmd)
			conn, err := orm.Init(ctx, cfg, orm.WithLogger(zap.NewNop()))
			if err != nil {
				p.Failure(fmt.Sprintf("cannot connect to database %s", cfg.DBName), nil,
					"check client_url and driver in keel.yml")
				return err
			}
			defer conn.Close(context.Background(), true)

			p.Pairs(
				[2]string{"Database", cfg.DBName},
				[2]string{"Driver", conn.Driver().Name()},
				[2]string{"Client URL", orm.MaskURL(conn.ClientURL())},
				[2]string{"Entities", fmt.Sprint(conn.Registry().Count())},
				[2]string{"Metadata cache", cfg.Cache.Adapter},
			)
			p.Success("successfully connected to database %s", cfg.DBName)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Connection timeout")

	return cmd
}
