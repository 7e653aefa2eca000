package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/antoniostano/stroop/internal/marker"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports usable as marker trigger lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := marker.ListPorts()
		if err != nil {
			return fmt.Errorf("list serial ports: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(ports) == 0 {
			fmt.Fprintln(out, "no serial ports found")
			return nil
		}
		for _, p := range ports {
			marked := ""
			if p == cfg.MarkerSerialPort {
				marked = " (MARKER_SERIAL_PORT)"
			}
			fmt.Fprintf(out, "%s%s\n", p, marked)
		}
		return nil
	},
}
