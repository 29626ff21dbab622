package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/govdoc-harvester/internal/supervisor"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status [target...]",
		Short: "Print the stored status of targets",
		Long: `Reads status and counters straight from the state store. Without
arguments every enabled target is listed. Process liveness is only known to
the control process; use its API for the merged view.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ids := args
			if len(ids) == 0 {
				ids = a.Config().Identities()
			}
			out := make([]supervisor.Status, 0, len(ids))
			for _, id := range ids {
				if _, ok := a.Config().Target(id); !ok {
					return fmt.Errorf("unknown target %q", id)
				}
				out = append(out, supervisor.Describe(cmd.Context(), a.Client(id)))
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			return printStatusTable(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printStatusTable(w io.Writer, rows []supervisor.Status) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tSTATUS\tREASON\tLINKS\tCRAWLED\tPENDING\tERRORS\tUPDATED")
	for _, s := range rows {
		status := string(s.Status)
		if s.Paused {
			status += " (paused)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Identity,
			status,
			dash(s.Reason),
			humanize.Comma(s.LinksCollected),
			humanize.Comma(s.CrawledCount),
			humanize.Comma(s.PendingLinks),
			humanize.Comma(s.ErrorCount),
			since(s.LastUpdate),
		)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func since(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return humanize.Time(*t)
}
