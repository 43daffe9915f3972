package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/stevecastle/grabq/history"
	"github.com/stevecastle/grabq/jobqueue"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		statuses []string
		pattern  string
		query    string
		since    string
		until    string
		limit    int
		asJSON   bool
		stats    bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished downloads",
		Long: `List finished, failed and cancelled downloads, newest first.

--url takes a glob matched against the source URL: * stays within one path
segment and ** crosses them. --query matches titles and URLs ignoring case.
--since and --until accept an RFC 3339 time or a duration counted back from now.
--stats prints totals for the whole history instead of records.

Examples:
  grabq history
  grabq history --status failed --since 24h
  grabq history --url 'https://*.youtube.com/**' --json
  grabq history -q "never gonna"
  grabq history --stats`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if stats {
				return printStats(cmd, a, asJSON)
			}
			f := history.Filter{URLPattern: pattern, Query: query, Limit: limit}
			for _, raw := range statuses {
				st, err := jobqueue.ParseStatus(strings.TrimSpace(raw))
				if err != nil {
					return err
				}
				f.Statuses = append(f.Statuses, st)
			}
			now := time.Now()
			var err error
			if f.Since, err = parseTimeFlag(since, now); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if f.Until, err = parseTimeFlag(until, now); err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			if err := f.Validate(); err != nil {
				return err
			}

			store, err := a.openHistory()
			if err != nil {
				return err
			}
			defer store.Close()
			recs, err := store.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			printHistory(cmd.OutOrStdout(), recs, now)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only these final statuses (completed, failed, cancelled)")
	cmd.Flags().StringVar(&pattern, "url", "", "glob the source URL must match")
	cmd.Flags().StringVarP(&query, "query", "q", "", "keyword to look for in titles and URLs")
	cmd.Flags().StringVar(&since, "since", "", "finished at or after (RFC 3339 or duration)")
	cmd.Flags().StringVar(&until, "until", "", "finished at or before (RFC 3339 or duration)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum records, 0 for all")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	cmd.Flags().BoolVar(&stats, "stats", false, "print totals instead of records")
	cmd.MarkFlagsMutuallyExclusive("stats", "status")
	cmd.MarkFlagsMutuallyExclusive("stats", "url")
	cmd.MarkFlagsMutuallyExclusive("stats", "query")
	return cmd
}

func printStats(cmd *cobra.Command, a *app, asJSON bool) error {
	store, err := a.openHistory()
	if err != nil {
		return err
	}
	defer store.Close()
	st, err := store.Stats(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	fmt.Fprintf(out, "total:      %d\n", st.Total)
	fmt.Fprintf(out, "completed:  %d\n", st.Completed)
	fmt.Fprintf(out, "failed:     %d\n", st.Failed)
	fmt.Fprintf(out, "cancelled:  %d\n", st.Cancelled)
	fmt.Fprintf(out, "downloaded: %s\n", humanize.IBytes(uint64(st.TotalSize)))
	return nil
}

// parseTimeFlag accepts an RFC 3339 time or a duration before now. Empty
// means unbounded.
func parseTimeFlag(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither an RFC 3339 time nor a duration", raw)
	}
	if d < 0 {
		d = -d
	}
	return now.Add(-d), nil
}

func printHistory(out io.Writer, recs []history.Record, now time.Time) {
	if len(recs) == 0 {
		fmt.Fprintln(out, "No downloads recorded")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tSTATUS\tURL\tRESULT")
	for _, r := range recs {
		result := r.Destination
		if r.ErrorMessage != "" {
			result = r.ErrorMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			humanize.RelTime(r.FinishedAt, now, "ago", "from now"),
			r.FinalStatus.Key(),
			r.SourceURL,
			result,
		)
	}
	_ = tw.Flush()
}
