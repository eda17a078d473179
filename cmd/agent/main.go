// Command agent is the Octoporty Agent binary: it runs on the internal
// network next to the services being exposed, dials out to a Gateway
// over the tunnel protocol, and forwards inbound requests to them.
// Grounded in the teacher's cmd/orris/main.go cobra-root shape.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agent",
		Short: "Octoporty Agent",
		Long:  `Octoporty Agent dials a Gateway and forwards tunneled requests to internal services.`,
	}

	rootCmd.AddCommand(newServeCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
