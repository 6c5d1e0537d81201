// Command opserver runs the operation dispatch server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Strob0t/opserver/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "opserver",
	Short: "Operation server",
	Long: `opserver runs configured operations as local processes or remote
simulators and tracks each run as a session.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigFile, "Path to the YAML configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(operationsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
