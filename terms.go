package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/m365-go/internal/domain"
)

// termJSON is the JSON shape of a term in command output.
type termJSON struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Path       string `json:"path,omitempty"`
	Deprecated bool   `json:"deprecated"`
}

func newTermParentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "term-parent <term-id>",
		Short: "Show the parent of a taxonomy term",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			termID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid term id %q: %w", args[0], err)
			}

			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			site, closeFn, err := openSite(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer closeFn()

			return runTermParent(ctx, cc, site, termID)
		},
	}
}

func runTermParent(ctx context.Context, cc *CLIContext, site *domain.Site, termID uuid.UUID) error {
	parent, err := site.Term(termID).GetParent(ctx)
	if err != nil {
		return err
	}

	if parent == nil {
		if cc.wantJSON() {
			return writeJSON(cc.Out, nil)
		}

		cc.Statusf("Term %s is at the top of its set; it has no parent.\n", termID)

		return nil
	}

	rec, err := describeTerm(parent)
	if err != nil {
		return err
	}

	if cc.wantJSON() {
		return writeJSON(cc.Out, rec)
	}

	printTable(cc.Out, []string{"ID", "NAME", "PATH"}, [][]string{{rec.ID, rec.Name, rec.Path}})

	return nil
}

type termsByPropertyOptions struct {
	key   string
	value string
	trim  bool
}

func newTermsByPropertyCmd() *cobra.Command {
	var opts termsByPropertyOptions

	cmd := &cobra.Command{
		Use:   "terms-by-property <set-id>",
		Short: "Find the terms of a set by custom property",
		Long: `Find the terms of a term set whose custom property matches a value.

  m365-go terms-by-property 3c1e... --key costCenter --value 100`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid term set id %q: %w", args[0], err)
			}

			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			site, closeFn, err := openSite(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer closeFn()

			return runTermsByProperty(ctx, cc, site, setID, opts)
		},
	}

	cmd.Flags().StringVar(&opts.key, "key", "", "custom property name")
	cmd.Flags().StringVar(&opts.value, "value", "", "custom property value")
	cmd.Flags().BoolVar(&opts.trim, "trim", false, "leave out deprecated terms")

	if err := cmd.MarkFlagRequired("key"); err != nil {
		panic(err)
	}

	return cmd
}

func runTermsByProperty(ctx context.Context, cc *CLIContext, site *domain.Site, setID uuid.UUID, opts termsByPropertyOptions) error {
	terms, err := site.TermSet(setID).GetTermsByCustomProperty(ctx, opts.key, opts.value, opts.trim)
	if err != nil {
		return err
	}

	records := make([]termJSON, 0, len(terms))
	rows := make([][]string, 0, len(terms))

	for _, t := range terms {
		rec, err := describeTerm(t)
		if err != nil {
			return err
		}

		records = append(records, rec)
		rows = append(rows, []string{rec.ID, rec.Name, fmt.Sprint(rec.Deprecated)})
	}

	if cc.wantJSON() {
		return writeJSON(cc.Out, records)
	}

	if len(rows) == 0 {
		cc.Statusf("No terms with %s=%s.\n", opts.key, opts.value)
		return nil
	}

	printTable(cc.Out, []string{"ID", "NAME", "DEPRECATED"}, rows)

	return nil
}

// describeTerm reads the properties shown for a term. Path and deprecation
// are optional; CSOM lookups do not always return them.
func describeTerm(t *domain.Term) (termJSON, error) {
	id, err := t.ID()
	if err != nil {
		return termJSON{}, err
	}

	name, err := t.Name()
	if err != nil {
		return termJSON{}, err
	}

	rec := termJSON{ID: id.String(), Name: name}

	if t.Store().HasValue("PathOfTerm") {
		if rec.Path, err = t.PathOfTerm(); err != nil {
			return termJSON{}, err
		}
	}

	if t.Store().HasValue("IsDeprecated") {
		if rec.Deprecated, err = t.IsDeprecated(); err != nil {
			return termJSON{}, err
		}
	}

	return rec, nil
}
