package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/m365-go/internal/domain"
	"github.com/tonimelisma/m365-go/internal/query"
)

type itemsOptions struct {
	filters []string
	selects string
	top     int
}

func newItemsCmd() *cobra.Command {
	var opts itemsOptions

	cmd := &cobra.Command{
		Use:   "items <list-id>",
		Short: "List the items of a list",
		Long: `List the items of a list. Filters are sent to the server; a filter the
service cannot evaluate is an error rather than a full download.

  m365-go items 7f0a... --filter Title^=Q3 --filter AuthorId=12 --top 20`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			listID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid list id %q: %w", args[0], err)
			}

			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			site, closeFn, err := openSite(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer closeFn()

			return runItems(ctx, cc, site, listID, opts)
		},
	}

	cmd.Flags().StringArrayVar(&opts.filters, "filter", nil, "server-side filter, e.g. Title=Report (repeatable)")
	cmd.Flags().StringVar(&opts.selects, "select", "", "comma-separated properties to load")
	cmd.Flags().IntVar(&opts.top, "top", 0, "stop after this many items")

	return cmd
}

func runItems(ctx context.Context, cc *CLIContext, site *domain.Site, listID uuid.UUID, opts itemsOptions) error {
	items := site.List(listID).Items()

	filter, err := parseFilters(items.Info(), opts.filters)
	if err != nil {
		return err
	}

	q := items.Query().Select(parseSelect(opts.selects)...)
	if filter != nil {
		q = q.Where(filter)
	}

	if opts.top > 0 {
		q = q.Top(opts.top)
	}

	var (
		records []map[string]any
		rows    [][]string
	)

	for item, err := range q.All(ctx) {
		if err != nil {
			return err
		}

		values := item.Store().Values()
		records = append(records, values)
		rows = append(rows, itemRow(values))

		if opts.top > 0 && len(records) >= opts.top {
			break
		}
	}

	cc.Logger.Debug("listed items", slog.Int("count", len(records)))

	if cc.wantJSON() {
		if records == nil {
			records = []map[string]any{}
		}

		return writeJSON(cc.Out, records)
	}

	if len(rows) == 0 {
		cc.Statusf("No items.\n")
		return nil
	}

	printTable(cc.Out, []string{"ID", "TITLE", "MODIFIED"}, rows)

	return nil
}

func itemRow(values map[string]any) []string {
	return []string{
		formatValue(values["Id"]),
		formatValue(values["Title"]),
		formatValue(values["Modified"]),
	}
}

type addItemOptions struct {
	items [][]string
}

func newAddItemCmd() *cobra.Command {
	var fields []string

	cmd := &cobra.Command{
		Use:   "add-item <list-id> [Name=Value...]",
		Short: "Add an item to a list",
		Long: `Add an item to a list. Each Name=Value sets a column; --field can be
repeated to add several items in one batch, one item per flag, with
columns separated by commas.

  m365-go add-item 7f0a... Title=Report Status=Draft
  m365-go add-item 7f0a... --field Title=A,Status=New --field Title=B`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			listID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid list id %q: %w", args[0], err)
			}

			opts, err := addItemArgs(args[1:], fields)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			site, closeFn, err := openSite(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer closeFn()

			return runAddItem(ctx, cc, site, listID, opts)
		},
	}

	cmd.Flags().StringArrayVar(&fields, "field", nil, "comma-separated Name=Value columns of one item (repeatable)")

	return cmd
}

// addItemArgs collects the items to add: the positional columns form one
// item and each --field flag another.
func addItemArgs(positional, fields []string) (addItemOptions, error) {
	var opts addItemOptions

	if len(positional) > 0 {
		opts.items = append(opts.items, positional)
	}

	for _, f := range fields {
		opts.items = append(opts.items, strings.Split(f, ","))
	}

	if len(opts.items) == 0 {
		return opts, fmt.Errorf("no columns given; pass Name=Value arguments or --field")
	}

	return opts, nil
}

func runAddItem(ctx context.Context, cc *CLIContext, site *domain.Site, listID uuid.UUID, opts addItemOptions) error {
	list := site.List(listID)

	// The create body names the list's item entity type.
	if err := list.Get(ctx, query.Prop(domain.ListEntityType)); err != nil {
		return err
	}

	b := site.Session().NewBatch()
	added := make([]*domain.ListItem, 0, len(opts.items))

	for _, columns := range opts.items {
		fields, err := parseAssignments(columns)
		if err != nil {
			return err
		}

		item, err := list.AddItemBatch(b, fields)
		if err != nil {
			return err
		}

		added = append(added, item)
	}

	if err := site.Session().ExecuteBatch(ctx, b); err != nil {
		return err
	}

	records := make([]map[string]any, 0, len(added))
	rows := make([][]string, 0, len(added))

	for _, item := range added {
		values := item.Store().Values()
		records = append(records, values)
		rows = append(rows, itemRow(values))
	}

	if cc.wantJSON() {
		return writeJSON(cc.Out, records)
	}

	printTable(cc.Out, []string{"ID", "TITLE", "MODIFIED"}, rows)
	cc.Statusf("Added %s.\n", plural(len(added), "item"))

	return nil
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}

	return strconv.Itoa(n) + " " + noun + "s"
}
