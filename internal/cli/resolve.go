package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/attribution-goat/attribution-goat/internal/identity"
	"github.com/attribution-goat/attribution-goat/internal/store"
)

var resolveJSON bool

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Show the attribution ids for a page",
	Long: `Resolve the session, visitor and variation ids the way the pixel does:
URL overrides first, then a recent tracking snapshot, then cookies and local
storage.

Example:
  agt resolve --url "https://shop.example.com/?builder.overrideSessionId=abc" \
              --cookies "builder.tests.hero=v2"`,
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().BoolVar(&resolveJSON, "json", false, "print JSON")
	rootCmd.AddCommand(resolveCmd)
}

type resolveOutput struct {
	Resolved  identity.Identity  `json:"resolved"`
	Overrides identity.Identity  `json:"overrides"`
	Live      identity.Identity  `json:"live"`
	Snapshot  *identity.Snapshot `json:"snapshot,omitempty"`
}

func runResolve(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.SQLiteStore) error {
		sess, err := newSession(s)
		if err != nil {
			return err
		}

		out := resolveOutput{
			Resolved:  sess.resolver.Resolve(sess.page),
			Overrides: sess.resolver.Overrides(sess.page),
			Live:      sess.resolver.ResolveLive(sess.page),
		}
		if snap, ok := sess.resolver.LoadSnapshot(sess.page); ok {
			out.Snapshot = snap
		}

		w := cmd.OutOrStdout()
		if resolveJSON {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		fmt.Fprintln(w, "FIELD        RESOLVED             OVERRIDE             LIVE")
		row := func(name string, r, o, l *string) {
			fmt.Fprintf(w, "%-11s  %-19s  %-19s  %s\n", name, show(r), show(o), show(l))
		}
		row("session", out.Resolved.SessionID, out.Overrides.SessionID, out.Live.SessionID)
		row("visitor", out.Resolved.VisitorID, out.Overrides.VisitorID, out.Live.VisitorID)
		row("variation", out.Resolved.VariationID, out.Overrides.VariationID, out.Live.VariationID)
		if out.Snapshot != nil {
			fmt.Fprintf(w, "\nSnapshot: %s (source %s, age %s)\n",
				out.Snapshot.Identity(), out.Snapshot.Source, out.Snapshot.Age(sess.page.Now()).Round(time.Second))
		}
		return nil
	})
}
