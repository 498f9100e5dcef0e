package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/attribution-goat/attribution-goat/internal/rewrite"
	"github.com/attribution-goat/attribution-goat/internal/store"
)

var (
	rewriteWatch bool
	rewriteHost  string
)

var rewriteCmd = &cobra.Command{
	Use:   "rewrite <dir>",
	Short: "Append attribution ids to same-site links in HTML files",
	Long: `Rewrite every same-site <a href> in the HTML files under <dir> so it carries
the current attribution ids. Links that already carry an id are left alone,
so running it twice changes nothing.

With --watch, new and changed HTML files are rewritten as they appear.

Example:
  agt rewrite ./public --url "https://www.example.com/?builder.overrideSessionId=abc" --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runRewrite,
}

func init() {
	rewriteCmd.Flags().BoolVarP(&rewriteWatch, "watch", "w", false, "keep watching for changes")
	rewriteCmd.Flags().StringVar(&rewriteHost, "host", "", "site host (defaults to the --url host)")
	rootCmd.AddCommand(rewriteCmd)
}

func runRewrite(cmd *cobra.Command, args []string) error {
	dir := args[0]

	return withStore(func(s *store.SQLiteStore) error {
		sess, err := newSession(s)
		if err != nil {
			return err
		}

		host := rewriteHost
		if host == "" {
			host = sess.page.Location().Host
		}
		r := rewrite.New(sess.resolver, host, logger)

		w := cmd.OutOrStdout()
		id := r.CurrentIdentity(sess.page)
		if id.Empty() {
			fmt.Fprintln(w, "No attribution ids for this page; nothing to rewrite")
			return nil
		}

		n, err := r.RewriteDir(dir, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Rewrote %d link(s) with %s\n", n, id)

		if !rewriteWatch {
			return nil
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		watcher, err := rewrite.NewWatcher(dir, cfg.Links.RewriteDebounce, func(ctx context.Context, paths []string) {
			for _, p := range paths {
				n, err := r.RewriteFile(p, id)
				if err != nil {
					logger.Warn("rewrite failed", zap.String("path", p), zap.Error(err))
					continue
				}
				if n > 0 {
					fmt.Fprintf(w, "%s: rewrote %d link(s)\n", p, n)
				}
			}
		}, logger)
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "Watching %s (Ctrl+C to stop)\n", dir)
		return watcher.Run(ctx)
	})
}
