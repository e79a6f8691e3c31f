package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/m365-go/internal/config"
	"github.com/tonimelisma/m365-go/internal/domain"
	"github.com/tonimelisma/m365-go/internal/query"
	"github.com/tonimelisma/m365-go/internal/testutil"
)

// testCLI runs commands against a fake site. Out is a buffer, so output is
// a table unless JSON is asked for.
type testCLI struct {
	fake *testutil.Site
	site *domain.Site
	cc   *CLIContext
	out  *bytes.Buffer
}

func newTestCLI(t *testing.T, f cliFlags) *testCLI {
	t.Helper()

	fake := testutil.NewSite(t)

	cfg := config.DefaultConfig()
	cfg.Site.SiteURL = fake.SiteURL()
	cfg.Site.GraphURL = fake.GraphURL()
	cfg.Network.MaxRetries = 0

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	site, err := newSite(cfg, nil, logger)
	require.NoError(t, err)

	out := &bytes.Buffer{}

	return &testCLI{
		fake: fake,
		site: site,
		cc:   &CLIContext{Flags: f, Cfg: cfg, Logger: logger, Out: out},
		out:  out,
	}
}

// --- items ---

func TestRunItems_Table(t *testing.T) {
	tc := newTestCLI(t, cliFlags{})
	tasks := tc.fake.AddList("Tasks")
	tc.fake.AddItem(tasks, map[string]any{"Title": "Q3 report"})
	tc.fake.AddItem(tasks, map[string]any{"Title": "Q4 report"})
	tc.fake.AddItem(tasks, map[string]any{"Title": "Budget"})

	err := runItems(t.Context(), tc.cc, tc.site, tasks.ID, itemsOptions{filters: []string{"Title^=Q"}})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(tc.out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "Q3 report")
	assert.Contains(t, lines[2], "Q4 report")
	assert.NotContains(t, tc.out.String(), "Budget")

	reqs := tc.fake.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0], "startswith")
}

func TestRunItems_JSONAndTop(t *testing.T) {
	tc := newTestCLI(t, cliFlags{JSON: true})
	tasks := tc.fake.AddList("Tasks")

	for _, title := range []string{"a", "b", "c"} {
		tc.fake.AddItem(tasks, map[string]any{"Title": title, "Status": "Open"})
	}

	err := runItems(t.Context(), tc.cc, tc.site, tasks.ID, itemsOptions{top: 2})
	require.NoError(t, err)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(tc.out.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0]["Title"])
	assert.Equal(t, "Open", got[0]["Status"])
}

func TestRunItems_EmptyJSONIsArray(t *testing.T) {
	tc := newTestCLI(t, cliFlags{JSON: true})
	tasks := tc.fake.AddList("Tasks")

	require.NoError(t, runItems(t.Context(), tc.cc, tc.site, tasks.ID, itemsOptions{}))
	assert.Equal(t, "[]\n", tc.out.String())
}

func TestRunItems_BadFilterValue(t *testing.T) {
	tc := newTestCLI(t, cliFlags{})
	tasks := tc.fake.AddList("Tasks")

	err := runItems(t.Context(), tc.cc, tc.site, tasks.ID, itemsOptions{filters: []string{"AuthorId=me"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AuthorId=me")
	assert.Zero(t, tc.fake.RequestCount(), "nothing is sent for a filter that cannot be built")
}

// --- add-item ---

func TestRunAddItem_OneBatch(t *testing.T) {
	tc := newTestCLI(t, cliFlags{})
	tasks := tc.fake.AddList("Tasks")

	opts, err := addItemArgs([]string{"Title=first"}, []string{"Title=second,Status=New"})
	require.NoError(t, err)

	require.NoError(t, runAddItem(t.Context(), tc.cc, tc.site, tasks.ID, opts))

	reqs := tc.fake.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[0], domain.ListEntityType)
	assert.Equal(t, "POST "+testutil.SitePath+"/_api/$batch", reqs[1])

	row, ok := tc.fake.Item(tasks, 2)
	require.True(t, ok)
	assert.Equal(t, "second", row["Title"])
	assert.Equal(t, "New", row["Status"])

	assert.Contains(t, tc.out.String(), "first")
	assert.Contains(t, tc.out.String(), "second")
}

func TestAddItemArgs(t *testing.T) {
	_, err := addItemArgs(nil, nil)
	require.Error(t, err)

	opts, err := addItemArgs([]string{"Title=x", "Status=y"}, []string{"Title=z"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Title=x", "Status=y"}, {"Title=z"}}, opts.items)
}

// --- users ---

func TestRunUsers(t *testing.T) {
	tc := newTestCLI(t, cliFlags{})
	adaID := tc.fake.AddGraphUser("Ada Lovelace", "ada@contoso.com")
	tc.fake.AddGraphUser("Alan Turing", "alan@contoso.com")

	err := runUsers(t.Context(), tc.cc, tc.site, usersOptions{filters: []string{"Mail=ada@contoso.com"}})
	require.NoError(t, err)

	out := tc.out.String()
	assert.Contains(t, out, "DISPLAY NAME")
	assert.Contains(t, out, adaID)
	assert.Contains(t, out, "Ada Lovelace")
	assert.NotContains(t, out, "Alan Turing")

	for _, r := range tc.fake.Requests() {
		assert.NotContains(t, r, "/_api/", "users are read over Graph")
	}
}

// --- taxonomy ---

type cliTaxonomy struct {
	set              *testutil.TermSet
	root, child, old *testutil.Term
}

func addCLITaxonomy(fake *testutil.Site) cliTaxonomy {
	g := fake.AddTermGroup("Departments")
	ts := fake.AddTermSet(g, "Org")
	root := fake.AddTerm(ts, nil, "Engineering", map[string]string{"costCenter": "100"})
	child := fake.AddTerm(ts, root, "Platform", map[string]string{"costCenter": "110"})
	old := fake.AddTerm(ts, root, "Legacy", map[string]string{"costCenter": "110"})
	old.Deprecated = true

	return cliTaxonomy{set: ts, root: root, child: child, old: old}
}

func TestRunTermParent(t *testing.T) {
	tc := newTestCLI(t, cliFlags{})
	fx := addCLITaxonomy(tc.fake)

	require.NoError(t, runTermParent(t.Context(), tc.cc, tc.site, fx.child.ID))

	out := tc.out.String()
	assert.Contains(t, out, fx.root.ID.String())
	assert.Contains(t, out, "Engineering")
}

func TestRunTermParent_TopOfSet(t *testing.T) {
	tc := newTestCLI(t, cliFlags{JSON: true})
	fx := addCLITaxonomy(tc.fake)

	require.NoError(t, runTermParent(t.Context(), tc.cc, tc.site, fx.root.ID))
	assert.Equal(t, "null\n", tc.out.String())
}

func TestRunTermsByProperty(t *testing.T) {
	tests := []struct {
		name string
		trim bool
		want []string
	}{
		{"all", false, []string{"Platform", "Legacy"}},
		{"trimmed", true, []string{"Platform"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestCLI(t, cliFlags{JSON: true})
			fx := addCLITaxonomy(tc.fake)

			opts := termsByPropertyOptions{key: "costCenter", value: "110", trim: tt.trim}
			require.NoError(t, runTermsByProperty(t.Context(), tc.cc, tc.site, fx.set.ID, opts))

			var got []termJSON
			require.NoError(t, json.Unmarshal(tc.out.Bytes(), &got))

			names := make([]string, 0, len(got))
			for _, g := range got {
				names = append(names, g.Name)
			}

			assert.ElementsMatch(t, tt.want, names)
		})
	}
}

// --- flag parsing ---

func TestParseFilter(t *testing.T) {
	info := domain.ListItemInfo

	tests := []struct {
		arg  string
		want query.Expr
	}{
		{"Title=Report", query.Field("Title").Eq("Report")},
		{"Title!=Report", query.Field("Title").Ne("Report")},
		{"Title~=port", query.Field("Title").Contains("port")},
		{"Title^=Rep", query.Field("Title").StartsWith("Rep")},
		{"AuthorId>=12", query.Field("AuthorId").Ge(12)},
		{"AuthorId<3", query.Field("AuthorId").Lt(3)},
		{"Modified>2024-01-02T03:04:05Z", query.Field("Modified").Gt(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))},
		{"Status=a=b", query.Field("Status").Eq("a=b")},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := parseFilter(info, tt.arg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFilter_Errors(t *testing.T) {
	for _, arg := range []string{"Title", "=x", "AuthorId=abc", "Modified>yesterday"} {
		t.Run(arg, func(t *testing.T) {
			_, err := parseFilter(domain.ListItemInfo, arg)
			assert.Error(t, err)
		})
	}
}

func TestParseFilters_JoinsWithAnd(t *testing.T) {
	got, err := parseFilters(domain.ListItemInfo, nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parseFilters(domain.ListItemInfo, []string{"Title=a", "AuthorId=1"})
	require.NoError(t, err)
	assert.Equal(t, query.And(query.Field("Title").Eq("a"), query.Field("AuthorId").Eq(1)), got)
}

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"Title=Report", "Body=a=b", "Empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Title": "Report", "Body": "a=b", "Empty": ""}, got)

	_, err = parseAssignments([]string{"Title"})
	assert.Error(t, err)
}

func TestParseSelect(t *testing.T) {
	assert.Nil(t, parseSelect(""))
	assert.Equal(t, query.Props("Title", "Status"), parseSelect(" Title, ,Status "))
}

// --- output ---

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	printTable(&buf, []string{"ID", "TITLE", "MODIFIED"}, [][]string{
		{"1", "Quarterly report", ""},
		{"12", "Budget", "Jan  2 03:04"},
	})

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ID  TITLE             MODIFIED", lines[0])
	assert.Equal(t, "1   Quarterly report", lines[1], "trailing padding is trimmed")
	assert.Equal(t, "12  Budget            Jan  2 03:04", lines[2])
}

func TestFormatValue(t *testing.T) {
	assert.Empty(t, formatValue(nil))
	assert.Equal(t, "x", formatValue("x"))
	assert.Equal(t, "42", formatValue(42))
	assert.Equal(t, `{"a":1}`, formatValue(json.RawMessage(`{"a":1}`)))
	assert.Contains(t, formatValue(time.Date(2020, time.December, 25, 8, 0, 0, 0, time.UTC)), "2020")
	assert.Empty(t, formatValue(time.Time{}))
}

func TestWantJSON(t *testing.T) {
	cc := &CLIContext{Out: &bytes.Buffer{}}
	assert.False(t, cc.wantJSON(), "buffers are not files")

	cc.Flags.JSON = true
	assert.True(t, cc.wantJSON())

	f, err := os.Create(filepath.Join(t.TempDir(), "out.json"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	cc = &CLIContext{Out: f}
	assert.True(t, cc.wantJSON(), "a redirected stdout gets JSON")
}

func TestPlural(t *testing.T) {
	assert.Equal(t, "1 item", plural(1, "item"))
	assert.Equal(t, "3 items", plural(3, "item"))
	assert.Equal(t, "0 items", plural(0, "item"))
}

// --- logger ---

func TestBuildLogger_Levels(t *testing.T) {
	cfg := config.DefaultConfig()

	tests := []struct {
		name    string
		cfg     *config.Config
		flags   cliFlags
		enabled slog.Level
		off     slog.Level
	}{
		{"bootstrap defaults to warn", nil, cliFlags{}, slog.LevelWarn, slog.LevelInfo},
		{"config level", cfg, cliFlags{}, slog.LevelInfo, slog.LevelDebug},
		{"verbose wins", cfg, cliFlags{Verbose: true}, slog.LevelDebug, slog.LevelDebug - 1},
		{"quiet wins", cfg, cliFlags{Quiet: true}, slog.LevelError, slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := buildLogger(tt.cfg, tt.flags).Handler()
			assert.True(t, h.Enabled(t.Context(), tt.enabled))
			assert.False(t, h.Enabled(t.Context(), tt.off))
		})
	}
}

// --- cobra wiring ---

// Global flag reset pattern: newRootCmd() binds flags with StringVar and
// BoolVar, which reset the globals. Tests let cobra parse the arguments.

func clearEnv(t *testing.T) {
	t.Helper()

	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvSiteURL, "")
	t.Setenv(config.EnvClientSecret, "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
}

func TestConfigShow_MasksSecret(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[site]
site_url = "https://contoso.sharepoint.com/sites/dev"

[auth]
tenant_id = "t"
client_id = "c"
client_secret = "hunter2"
`), 0o600))

	var out bytes.Buffer

	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "show", "--config", path})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), `site_url         = "https://contoso.sharepoint.com/sites/dev"`)
	assert.Contains(t, out.String(), "********")
	assert.NotContains(t, out.String(), "hunter2")
}

func TestConfigShow_WorksWithoutConfig(t *testing.T) {
	clearEnv(t)

	var out bytes.Buffer

	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "show", "--site", "https://contoso.sharepoint.com/sites/x"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "sites/x")
}

func TestCommand_RequiresResolvedConfig(t *testing.T) {
	clearEnv(t)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"users"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "site_url")
}

func TestCommand_RejectsBadIDs(t *testing.T) {
	clearEnv(t)

	for _, args := range [][]string{
		{"items", "not-a-guid"},
		{"term-parent", "nope"},
		{"terms-by-property", "nope", "--key", "k"},
	} {
		t.Run(args[0], func(t *testing.T) {
			cmd := newRootCmd()
			cmd.SetArgs(append(args,
				"--site", "https://contoso.sharepoint.com/sites/dev",
				"--config", writeCLIConfig(t),
			))

			err := cmd.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid")
		})
	}
}

func writeCLIConfig(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[auth]
tenant_id = "t"
client_id = "c"
client_secret = "s"
token_cache = ""
`), 0o600))

	return path
}

func TestMustCLIContext_Panics(t *testing.T) {
	assert.Panics(t, func() { mustCLIContext(t.Context()) })
}
