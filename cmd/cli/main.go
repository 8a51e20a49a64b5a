package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "servereye-admin",
	Short: "ServerEye admin CLI",
	Long: `Administer a ServerEye deployment directly against its database:
register targets, inspect and work alerts, and query notification delivery.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	rootCmd.AddCommand(newTargetCommand())
	rootCmd.AddCommand(newAlertCommand())
	rootCmd.AddCommand(newNotifyCommand())
	rootCmd.AddCommand(newReportCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
