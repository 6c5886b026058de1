package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bennypowers/quickshell-polkit-agent-sub000/security"
)

var (
	auditDBPath string
	auditCount  int
	auditJSON   bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit trail inspection tools",
	Long:  `Commands for inspecting the agent's persistent audit trail.`,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if auditDBPath == "" {
			auditDBPath = os.Getenv("QUICKSHELL_POLKIT_AUDIT_DB")
		}
		if auditDBPath == "" {
			return fmt.Errorf("no audit database path; use --db or QUICKSHELL_POLKIT_AUDIT_DB")
		}

		store, err := security.OpenStore(auditDBPath)
		if err != nil {
			return fmt.Errorf("opening audit database: %w", err)
		}
		defer store.Close()

		entries, err := store.Tail(auditCount)
		if err != nil {
			return fmt.Errorf("reading audit entries: %w", err)
		}

		if auditJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		for _, e := range entries {
			fmt.Printf("%s  %-24s %-12s %s  (%s)\n",
				e.Time.Format("2006-01-02 15:04:05"), e.Event, e.Outcome, e.Details, e.ID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditTailCmd.Flags().StringVar(&auditDBPath, "db", "", "Path to the audit database")
	auditTailCmd.Flags().IntVarP(&auditCount, "count", "n", 20, "Number of entries to show")
	auditTailCmd.Flags().BoolVar(&auditJSON, "json", false, "Emit JSON instead of a table")
}
