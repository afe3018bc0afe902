package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information - will be set at build time
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nodeweave",
		Short: "Collaborative JSON editing server and tooling",
		Long: `Nodeweave turns JSON documents into editable node graphs and keeps
every participant in a workspace synchronized in real time.`,
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(graphCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
