package cmd

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "simul",
	Short: "Simultaneous exhibition service",
	Long:  `Runs simuls: one host playing many challengers at once, from application to the last finished game`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", ".", "directory holding config.yaml or app.env")
}
