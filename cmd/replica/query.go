package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/offsite-dev/replica/internal/backend"
	"github.com/offsite-dev/replica/internal/query"
	"github.com/offsite-dev/replica/internal/schema"
	"github.com/offsite-dev/replica/internal/ui"
)

var (
	queryFilters []string
	querySearch  string
	querySort    string
	queryLimit   int
	queryOffset  int
	queryJSON    bool
)

var queryCmd = &cobra.Command{
	Use:     "query <store>",
	GroupID: "data",
	Short:   "Query an entity store from local data",
	Long: `Run a filtered, sorted, paginated query against the local replica.

No network access happens; results reflect the last synced state plus any
optimistic local writes.

Examples:
  # All tasks in status 2
  replica query tasks --filter status_id=2

  # Free-text search, newest first
  replica query tasks --search "login" --sort -created_at

  # Second page of 20
  replica query tasks --sort title --limit 20 --offset 20

  # Raw JSON for scripting
  replica query tasks --filter project_id=7 --json`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApp(false, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		spec, err := buildSpec(app, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		res, err := app.queryEngine().Evaluate(context.Background(), args[0], spec)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if queryJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res.Rows); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}

		printRows(res.Rows)
		fmt.Println(ui.Dim(fmt.Sprintf("%d of %d rows", len(res.Rows), res.TotalCount)))
	},
}

// buildSpec translates the CLI flags into a query spec.
func buildSpec(app *app, storeName string) (query.Spec, error) {
	spec := query.Spec{
		Limit:  queryLimit,
		Offset: queryOffset,
	}

	for _, f := range queryFilters {
		field, raw, ok := strings.Cut(f, "=")
		if !ok {
			return spec, fmt.Errorf("bad --filter %q, want field=value", f)
		}
		if spec.Equality == nil {
			spec.Equality = make(map[string]any)
		}
		spec.Equality[field] = parseFilterValue(raw)
	}

	if querySearch != "" {
		spec.TextSearch = &query.TextSearch{
			Query:  querySearch,
			Fields: searchFields(app, storeName),
		}
	}

	if querySort != "" {
		for _, part := range strings.Split(querySort, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			key := query.SortKey{Field: part}
			if strings.HasPrefix(part, "-") {
				key.Field = part[1:]
				key.Descending = true
			}
			spec.Sort = append(spec.Sort, key)
		}
	}
	return spec, nil
}

// searchFields resolves which of the store's text columns a free-text search
// covers: the usual display columns when present, otherwise every text
// column the schema declares.
func searchFields(app *app, storeName string) []string {
	desc, ok := app.reg.Lookup(storeName)
	if !ok {
		return nil
	}
	ts, _ := schema.For(desc, nil)

	preferred := map[string]bool{"title": true, "description": true, "name": true, "label": true}
	var fields, textCols []string
	for _, col := range ts.Columns {
		if preferred[col.Name] {
			fields = append(fields, col.Name)
		}
		if col.Type == schema.TypeText && !col.IsPrimaryKey {
			textCols = append(textCols, col.Name)
		}
	}
	if len(fields) == 0 {
		fields = textCols
	}
	return fields
}

// parseFilterValue keeps numbers numeric and maps "null" to a null match.
func parseFilterValue(raw string) any {
	if raw == "null" {
		return nil
	}
	var num float64
	if err := json.Unmarshal([]byte(raw), &num); err == nil {
		return num
	}
	return raw
}

func printRows(rows []backend.Row) {
	if len(rows) == 0 {
		fmt.Println(ui.Dim("no rows"))
		return
	}

	// Stable column order across rows: union of keys, sorted.
	colSet := make(map[string]bool)
	for _, row := range rows {
		for k := range row {
			colSet[k] = true
		}
	}
	cols := make([]string, 0, len(colSet))
	for k := range colSet {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	fmt.Println(ui.Header(strings.Join(cols, "\t")))
	for _, row := range rows {
		cells := make([]string, len(cols))
		for i, c := range cols {
			cells[i] = renderCell(row[c])
		}
		fmt.Println(strings.Join(cells, "\t"))
	}
}

func renderCell(v any) string {
	switch t := v.(type) {
	case nil:
		return "-"
	case string:
		return t
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	default:
		return backend.KeyString(v)
	}
}

func init() {
	queryCmd.Flags().StringArrayVar(&queryFilters, "filter", nil, "Equality filter, field=value (repeatable)")
	queryCmd.Flags().StringVar(&querySearch, "search", "", "Case-insensitive text search")
	queryCmd.Flags().StringVar(&querySort, "sort", "", "Comma-separated sort keys, prefix with - for descending")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 0, "Maximum rows to return (0 = all)")
	queryCmd.Flags().IntVar(&queryOffset, "offset", 0, "Rows to skip")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "Output rows as JSON")
	rootCmd.AddCommand(queryCmd)
}
