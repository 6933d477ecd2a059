package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/contact-identity/internal/merge"
)

var duplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "List duplicate contact groups",
	Long:  "Groups a company's contacts by canonical number or by normalized name and lists every group with two or more members.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		companyID, _ := cmd.Flags().GetInt64("company")
		if companyID <= 0 {
			return eris.New("duplicates: --company is required")
		}
		by, _ := cmd.Flags().GetString("by")
		output, _ := cmd.Flags().GetString("output")

		pg, err := openPostgres(ctx)
		if err != nil {
			return err
		}
		defer pg.Close() //nolint:errcheck

		engine := merge.NewEngine(pg.Pool(), cfg.Merge.PlaceholderPrefix)
		groups, err := engine.FindGroups(ctx, companyID, merge.KeyKind(by))
		if err != nil {
			return eris.Wrap(err, "duplicates")
		}

		if output == "table" {
			if len(groups) == 0 {
				fmt.Fprintln(os.Stderr, "No duplicate groups found.")
				return nil
			}
			formatGroups(os.Stdout, groups)
			return nil
		}
		return writeStructured(os.Stdout, output, groups)
	},
}

func init() {
	duplicatesCmd.Flags().Int64("company", 0, "company (tenant) ID")
	duplicatesCmd.Flags().String("by", string(merge.KindNumber), "grouping key (number, name)")
	duplicatesCmd.Flags().String("output", "table", "output format (table, json, yaml)")
	rootCmd.AddCommand(duplicatesCmd)
}

// formatGroups writes one row per group member, the lowest ID first.
func formatGroups(out io.Writer, groups []merge.Group) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEY\tSIZE\tID\tNAME\tNUMBER\tLID\tSTATE")
	_, _ = fmt.Fprintln(w, "---\t----\t--\t----\t------\t---\t-----")

	for _, g := range groups {
		for i, c := range g.Contacts {
			key, size := "", ""
			if i == 0 {
				key = g.Key.String()
				size = fmt.Sprint(len(g.Contacts))
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
				key,
				size,
				c.ID,
				truncate(c.Name, 30),
				c.Number,
				c.LID(),
				c.State(),
			)
		}
	}
	_ = w.Flush()
}

// truncate shortens s to n runes with an ellipsis.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
