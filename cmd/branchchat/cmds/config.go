package cmds

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective settings as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := LoadSettings(cmd)
			if err != nil {
				return err
			}
			// keys never leave the process
			redacted := settings.Clone()
			for k := range redacted.Credentials {
				redacted.Credentials[k] = "********"
			}
			data, err := redacted.ToYAML()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}
