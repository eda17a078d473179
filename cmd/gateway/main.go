// Command gateway is the Octoporty Gateway binary: the public-facing
// process that terminates the tunnel WebSocket, reconciles routes
// against the edge proxy, and relays inbound HTTP over the tunnel to
// the connected Agent. Grounded in the teacher's cmd/orris/main.go
// cobra-root shape.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Octoporty Gateway",
		Long:  `Octoporty Gateway accepts Agent tunnel connections and reverse-proxies public traffic to them.`,
	}

	rootCmd.AddCommand(newServeCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
