package cli

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/attribution-goat/attribution-goat/internal/config"
	"github.com/attribution-goat/attribution-goat/internal/identity"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a config file interactively",
	Long: `Ask for the account and site details and write them to the config file
(agt.yaml by default). Existing values are offered as defaults.

Example:
  agt init
  agt init --config ./deploy/agt.yaml`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

// prompter asks the init questions. The terminal implementation uses
// promptui; tests substitute their own.
type prompter interface {
	Text(label, def string, validate func(string) error) (string, error)
	Choose(label string, items []string) (int, error)
}

type terminalPrompter struct{}

func (terminalPrompter) Text(label, def string, validate func(string) error) (string, error) {
	p := promptui.Prompt{
		Label:     label,
		Default:   def,
		AllowEdit: true,
		Validate:  validate,
	}
	return p.Run()
}

func (terminalPrompter) Choose(label string, items []string) (int, error) {
	p := promptui.Select{
		Label: label,
		Items: items,
		Size:  len(items),
	}
	idx, _, err := p.Run()
	return idx, err
}

var newPrompter = func() prompter { return terminalPrompter{} }

func runInit(cmd *cobra.Command, args []string) error {
	updated, err := promptConfig(newPrompter(), cfg)
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
			os.Exit(0)
		}
		return err
	}

	if err := updated.Save(cfgPath); err != nil {
		return err
	}

	printNextSteps(cmd.OutOrStdout(), updated)
	return nil
}

func promptConfig(p prompter, current *config.Config) (*config.Config, error) {
	next := *current

	notEmpty := func(s string) error {
		if strings.TrimSpace(s) == "" {
			return errors.New("required")
		}
		return nil
	}
	validURL := func(s string) error {
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.New("enter an absolute URL, e.g. https://cdn.builder.io")
		}
		return nil
	}

	var err error
	if next.APIKey, err = p.Text("Public API key", current.APIKey, notEmpty); err != nil {
		return nil, err
	}
	if next.Namespace, err = p.Text("Cookie and parameter namespace", current.Namespace, notEmpty); err != nil {
		return nil, err
	}
	if next.Tracking.CommerceDomain, err = p.Text("Commerce domain", current.Tracking.CommerceDomain, notEmpty); err != nil {
		return nil, err
	}
	if next.Tracking.Host, err = p.Text("Tracking host", current.Tracking.Host, validURL); err != nil {
		return nil, err
	}

	tieBreaks := []string{
		"First test cookie in document order",
		"Test cookie with the smallest name",
	}
	idx, err := p.Choose("When several test cookies are set, use", tieBreaks)
	if err != nil {
		return nil, err
	}
	next.Identity.TieBreak = string(identity.TieBreakDocumentOrder)
	if idx == 1 {
		next.Identity.TieBreak = string(identity.TieBreakLexicographic)
	}

	next.APIKey = strings.TrimSpace(next.APIKey)
	next.Namespace = strings.TrimSpace(next.Namespace)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return &next, nil
}

func printNextSteps(w io.Writer, c *config.Config) {
	fmt.Fprintf(w, "\nWrote %s\n\n", cfgPath)
	fmt.Fprintln(w, strings.Repeat("-", 60))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "1. Tag a call-to-action click")
	fmt.Fprintf(w, "   agt click --href https://%s/cart --cookies \"%sSessionId=...\"\n\n", c.Tracking.CommerceDomain, c.Namespace)
	fmt.Fprintln(w, "2. Track the conversion on the checkout side")
	fmt.Fprintln(w, "   agt track --amount 49.99 --currency USD --url \"<landing URL>\"")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "3. Or collect events yourself")
	fmt.Fprintln(w, "   agt serve, then set tracking.host to http://localhost:8080")
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 60))
}
