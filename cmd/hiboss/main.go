// Command hiboss is the CLI front-end for the Hi-Boss daemon: a thin
// cobra shell over internal/daemon.Run and the IPC client (the CLI's
// richer key/value output formatting is out of core scope per spec §1;
// this shell only needs to start the process and make a handful of
// bootstrap/status calls).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var homeFlag string

func main() {
	root := &cobra.Command{
		Use:   "hiboss",
		Short: "Hi-Boss: a local message-routing daemon for chat-connected agents",
	}
	root.PersistentFlags().StringVar(&homeFlag, "home", "", "data directory root (default: $HIBOSS_HOME or ~/.hiboss)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newSetupCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
