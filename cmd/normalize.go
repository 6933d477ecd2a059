package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/contact-identity/internal/phone"
)

var normalizeCmd = &cobra.Command{
	Use:   "normalize <raw...>",
	Short: "Canonicalize phone numbers",
	Long:  "Prints the canonical digit key, validity and classification of each raw number. No database is needed.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		region, _ := cmd.Flags().GetString("region")
		if region == "" {
			region = cfg.Phone.DefaultRegion
		}
		formatNormalized(os.Stdout, phone.New(region), args)
		return nil
	},
}

func init() {
	normalizeCmd.Flags().String("region", "", "default region (overrides phone.default_region)")
	rootCmd.AddCommand(normalizeCmd)
}

// formatNormalized writes one row per raw input.
func formatNormalized(out io.Writer, n *phone.Normalizer, raws []string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RAW\tCANONICAL\tVALID\tKIND")
	for _, raw := range raws {
		res := n.Normalize(raw)
		canonical := res.Canonical
		if canonical == "" {
			canonical = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", raw, canonical, res.Valid, phone.Classify(res.Canonical))
	}
	_ = w.Flush()
}
