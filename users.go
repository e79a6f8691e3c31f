package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/m365-go/internal/domain"
)

type usersOptions struct {
	filters []string
	top     int
}

func newUsersCmd() *cobra.Command {
	var opts usersOptions

	cmd := &cobra.Command{
		Use:   "users",
		Short: "List directory users",
		Long: `List directory users through Microsoft Graph.

  m365-go users --filter DisplayName^=Ada --top 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			site, closeFn, err := openSite(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer closeFn()

			return runUsers(ctx, cc, site, opts)
		},
	}

	cmd.Flags().StringArrayVar(&opts.filters, "filter", nil, "server-side filter, e.g. Mail=ada@contoso.com (repeatable)")
	cmd.Flags().IntVar(&opts.top, "top", 0, "stop after this many users")

	return cmd
}

func runUsers(ctx context.Context, cc *CLIContext, site *domain.Site, opts usersOptions) error {
	users := site.Users()

	filter, err := parseFilters(users.Info(), opts.filters)
	if err != nil {
		return err
	}

	q := users.Query()
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

	for u, err := range q.All(ctx) {
		if err != nil {
			return err
		}

		values := u.Store().Values()
		records = append(records, values)
		rows = append(rows, []string{
			formatValue(values["Id"]),
			formatValue(values["DisplayName"]),
			formatValue(values["Mail"]),
			formatValue(values["UserPrincipalName"]),
		})

		if opts.top > 0 && len(records) >= opts.top {
			break
		}
	}

	cc.Logger.Debug("listed users", slog.Int("count", len(records)))

	if cc.wantJSON() {
		if records == nil {
			records = []map[string]any{}
		}

		return writeJSON(cc.Out, records)
	}

	if len(rows) == 0 {
		cc.Statusf("No users.\n")
		return nil
	}

	printTable(cc.Out, []string{"ID", "DISPLAY NAME", "MAIL", "UPN"}, rows)

	return nil
}
