package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/attribution-goat/attribution-goat/internal/server"
	"github.com/attribution-goat/attribution-goat/internal/store"
)

var port int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the conversion collector",
	Long: `Start the attribution-goat collector.

The server provides:
  - Tracking endpoint at /api/v1/track (point tracking.host at this server)
  - Results API and dashboard (token protected)
  - Health check endpoint

Example:
  agt serve --port 8080`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&port, "port", "p", 8080, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}

	return withStore(func(s *store.SQLiteStore) error {
		srv := server.New(s, cfg.Server.Port, getTokenFilePath(), server.WithLogger(logger))
		printStartupMessage(cmd, srv)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return srv.Start(ctx)
	})
}

func printStartupMessage(cmd *cobra.Command, srv *server.Server) {
	w := cmd.OutOrStdout()
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Collector running on http://localhost:%d\n", srv.Port())
	fmt.Fprintf(w, "Tracking endpoint: http://localhost:%d/api/v1/track?apiKey=<key>\n", srv.Port())
	fmt.Fprintf(w, "Dashboard: http://localhost:%d/dashboard?token=%s\n", srv.Port(), srv.Token())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Press Ctrl+C to stop")
}
