package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/getmockd/lime/pkg/cli/internal/output"
	"github.com/getmockd/lime/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if jsonOutput {
			return output.JSON(w, cfg)
		}
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(w, string(data))
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
