package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Strob0t/opserver/internal/config"
	"github.com/Strob0t/opserver/internal/service"
)

var operationsCmd = &cobra.Command{
	Use:   "operations",
	Short: "List the operations found in the operation home",
	Args:  cobra.NoArgs,
	RunE:  runOperations,
}

func runOperations(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	descriptors := service.NewDescriptors(cfg.Operations.Home)
	if _, err := descriptors.Preload(); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tASYNC\tCONCURRENT\tTIMEOUT")
	for _, d := range descriptors.List() {
		timeout := "-"
		if t := d.Timeout.Std(); t > 0 {
			timeout = t.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\n", d.ID, d.Kind, d.Async, d.ConcurrentExecution, timeout)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(descriptors.List()) == 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "no operations found in %s\n", cfg.Operations.Home)
	}
	return nil
}
