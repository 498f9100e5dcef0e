package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Show dashboard URL with access token",
	Long: `Show the dashboard URL with the access token of the running collector.

Use this when you've scrolled past the startup message or need to
share the dashboard link.

Example:
  agt token`,
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	tokenFile := getTokenFilePath()

	data, err := os.ReadFile(tokenFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no collector running. Start with: agt serve")
		}
		return fmt.Errorf("failed to read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return fmt.Errorf("token file is empty. Restart the collector with: agt serve")
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Dashboard: http://localhost:%d/dashboard?token=%s\n", cfg.Server.Port, token)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Tip: Bookmark this URL or run 'agt token' anytime.")
	return nil
}
