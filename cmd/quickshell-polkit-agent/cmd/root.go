package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "quickshell-polkit-agent",
	Short: "Polkit authentication agent for quickshell",
	Long: `A privileged authentication broker: registers as the session's polkit
agent, arbitrates between security-key and password authentication, and serves
a local socket protocol for the quickshell UI.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
