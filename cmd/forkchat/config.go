package main

import (
	"github.com/go-go-golems/forkchat/pkg/conversation"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the merged settings with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if used := viper.ConfigFileUsed(); used != "" {
				cmd.Printf("# %s\n", used)
			}
			return conversation.WriteYAML(cmd.OutOrStdout(), s.Redacted())
		},
	})
	return cmd
}
