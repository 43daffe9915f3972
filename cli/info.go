package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stevecastle/grabq/engine"
)

func newInfoCmd(a *app) *cobra.Command {
	var (
		asJSON  bool
		retries int
	)
	cmd := &cobra.Command{
		Use:   "info URL",
		Short: "Show title, formats and subtitles for a URL without downloading",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := engine.Locate(a.cfg.Engine.Path)
			if err != nil {
				return err
			}
			p := &engine.Prober{Retries: retries, Backoff: 3 * time.Second, Logger: a.logger}
			info, err := p.Probe(cmd.Context(), path, args[0], a.cfg.Engine.CookiesBrowser)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			printInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the metadata as JSON")
	cmd.Flags().IntVar(&retries, "retries", 2, "extra attempts for rate limits and network errors")
	return cmd
}

func printInfo(out io.Writer, info *engine.Info) {
	fmt.Fprintf(out, "%s\n", info.Title)
	if info.Uploader != "" {
		fmt.Fprintf(out, "by %s\n", info.Uploader)
	}
	if info.Duration > 0 {
		fmt.Fprintf(out, "duration: %s\n", time.Duration(info.Duration*float64(time.Second)).Round(time.Second))
	}
	if langs := info.SubtitleLanguages(); len(langs) > 0 {
		fmt.Fprintf(out, "subtitles: %s\n", strings.Join(langs, ", "))
	}
	if len(info.Formats) == 0 {
		return
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEXT\tRESOLUTION\tSIZE\tNOTE")
	for _, f := range info.Formats {
		res := f.Resolution
		if f.AudioOnly() {
			res = "audio only"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", f.FormatID, f.Ext, res, f.SizeString(), f.Note)
	}
	_ = tw.Flush()
}
