package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/itpcc/deka-supremecourt/internal/deka"
	"github.com/itpcc/deka-supremecourt/internal/normalize"
)

// errNotFound is returned after a failed response was printed so the process
// exits non-zero.
var errNotFound = errors.New("lookup failed")

func newQueryCmd(build appFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run one lookup and print the response as JSON",
	}
	cmd.AddCommand(newQueryNumberCmd(build))
	cmd.AddCommand(newQuerySearchCmd(build))
	return cmd
}

func newQueryNumberCmd(build appFactory) *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:     "number SERIAL/YEAR",
		Short:   "Look a case up by its number",
		Example: "  deka query number 264/2567 --long",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := parseCaseNumber(args[0])
			if err != nil {
				return err
			}
			q.WithLongNote = long
			return runQuery(cmd, build, deka.ByNumber(q))
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "include the long note")
	return cmd
}

func newQuerySearchCmd(build appFactory) *cobra.Command {
	var (
		words    []string
		law      string
		section  string
		from, to int
		long     bool
	)
	cmd := &cobra.Command{
		Use:     "search",
		Short:   "Search cases by keyword and statute",
		Example: `  deka query search --word ยักยอก --law "ประมวลกฎหมายอาญา" --section 352 --from 2560`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := deka.SearchQuery{Words: words, WithLongNote: long}
			if law != "" {
				q.Law = &law
			}
			if section != "" {
				q.LawSection = &section
			}
			if cmd.Flags().Changed("from") {
				q.CaseFrom = &from
			}
			if cmd.Flags().Changed("to") {
				q.CaseTo = &to
			}
			return runQuery(cmd, build, deka.BySearch(q))
		},
	}
	cmd.Flags().StringArrayVar(&words, "word", nil, "search keyword, repeatable")
	cmd.Flags().StringVar(&law, "law", "", "statute name")
	cmd.Flags().StringVar(&section, "section", "", "statute section")
	cmd.Flags().IntVar(&from, "from", 0, "first case year (Buddhist era)")
	cmd.Flags().IntVar(&to, "to", 0, "last case year (Buddhist era), defaults to --from")
	cmd.Flags().BoolVar(&long, "long", false, "include long notes")
	_ = cmd.MarkFlagRequired("word")
	return cmd
}

// parseCaseNumber reads "serial/year". Thai digits are accepted.
func parseCaseNumber(s string) (deka.NumberQuery, error) {
	serial, year, ok := strings.Cut(normalize.Digits(strings.TrimSpace(s)), "/")
	if !ok || strings.TrimSpace(serial) == "" {
		return deka.NumberQuery{}, fmt.Errorf("case number %q is not SERIAL/YEAR", s)
	}
	y, err := strconv.Atoi(strings.TrimSpace(year))
	if err != nil {
		return deka.NumberQuery{}, fmt.Errorf("case year %q: %w", year, err)
	}
	return deka.NumberQuery{Serial: strings.TrimSpace(serial), Year: y}, nil
}

func runQuery(cmd *cobra.Command, build appFactory, q deka.Query) error {
	if err := q.Validate(); err != nil {
		return err
	}
	cfg, err := loadedConfig(cmd.Context())
	if err != nil {
		return err
	}
	cfg.Relay.Enabled = false

	app, err := build(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	resp, err := app.Query(cmd.Context(), q)
	if err != nil {
		return fmt.Errorf("query %s: %w", q, err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if !resp.IsOkay() {
		return errNotFound
	}
	return nil
}
