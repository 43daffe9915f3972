package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stevecastle/grabq/engine"
	"github.com/stevecastle/grabq/jobqueue"
	"github.com/stevecastle/grabq/stream"
)

const getShutdownTimeout = 10 * time.Second

type getFlags struct {
	format      string
	dir         string
	template    string
	subtitles   []string
	thumbnail   bool
	noPlaylist  bool
	cookies     string
	concurrency int
	quiet       bool
	verbose     bool

	// Unchanged flags leave the configured defaults in place.
	setSubtitles  bool
	setThumbnail  bool
	setNoPlaylist bool
}

func newGetCmd(a *app) *cobra.Command {
	f := &getFlags{}
	cmd := &cobra.Command{
		Use:   "get URL...",
		Short: "Download one or more URLs and wait for them to finish",
		Long: `Queue every URL, run them with the configured concurrency and print
progress until all have finished. Interrupting cancels the remaining jobs.

Examples:
  grabq get https://www.youtube.com/watch?v=dQw4w9WgXcQ
  grabq get -f bestaudio --dir ~/Music URL1 URL2
  grabq get --sub en,de --thumbnail URL
  grabq get --sub= --thumbnail=false URL   # override configured defaults`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.setThumbnail = cmd.Flags().Changed("thumbnail")
			f.setNoPlaylist = cmd.Flags().Changed("no-playlist")
			f.setSubtitles = cmd.Flags().Changed("sub")
			return a.runGet(cmd, f, args)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.format, "format", "f", "", "format selector passed to -f")
	fl.StringVarP(&f.dir, "dir", "d", "", "download directory (default download.dir)")
	fl.StringVarP(&f.template, "output", "o", "", "output template (default download.output_template)")
	fl.StringSliceVar(&f.subtitles, "sub", nil, "subtitle languages to fetch")
	fl.BoolVar(&f.thumbnail, "thumbnail", false, "also write the thumbnail")
	fl.BoolVar(&f.noPlaylist, "no-playlist", false, "download only the video for playlist URLs")
	fl.StringVar(&f.cookies, "cookies-from-browser", "", "read cookies from this browser")
	fl.IntVarP(&f.concurrency, "jobs", "j", 0, "parallel downloads (default scheduler.max_concurrency)")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "print only the final result of each job")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "log scheduler activity")
	return cmd
}

func (f *getFlags) options() engine.Options {
	opts := engine.Options{
		Format:         f.format,
		Dir:            f.dir,
		OutputTemplate: f.template,
		CookiesBrowser: f.cookies,
	}
	if f.setSubtitles {
		opts.Subtitles = append([]string{}, f.subtitles...)
	}
	if f.setThumbnail {
		opts.Thumbnail = engine.Bool(f.thumbnail)
	}
	if f.setNoPlaylist {
		opts.NoPlaylist = engine.Bool(f.noPlaylist)
	}
	return opts
}

func (a *app) runGet(cmd *cobra.Command, f *getFlags, urls []string) error {
	if f.concurrency > 0 {
		a.cfg.Scheduler.MaxConcurrency = f.concurrency
	}
	store, err := a.openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	logger := a.logger
	if !f.verbose {
		logger = logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel))
	}
	sched := a.newScheduler(store, logger)
	sub := sched.Subscribe("")
	defer sub.Close()

	ctx := cmd.Context()
	opts := f.options()
	submitted := 0
	for _, u := range urls {
		if _, err := sched.Submit(u, opts); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipping %q: %v\n", u, err)
			continue
		}
		submitted++
	}
	if submitted == 0 {
		_ = sched.Shutdown(context.Background())
		return errors.New("nothing to download")
	}

	w := &getReporter{
		out:    cmd.OutOrStdout(),
		errOut: cmd.ErrOrStderr(),
		quiet:  f.quiet,
		destination: func(id string) string {
			snap, err := sched.Get(id)
			if err != nil {
				return ""
			}
			return snap.Destination
		},
	}
	interrupted := false
	done := ctx.Done()
	for w.finished < submitted {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return w.result(submitted)
			}
			w.handle(ev)
		case <-done:
			interrupted = true
			done = nil
			fmt.Fprintln(cmd.ErrOrStderr(), "interrupted, cancelling downloads")
			go func() {
				sctx, cancel := context.WithTimeout(context.Background(), getShutdownTimeout)
				defer cancel()
				if err := sched.Shutdown(sctx); err != nil {
					a.logger.Warn("scheduler shutdown", zap.Error(err))
				}
			}()
		}
	}
	if !interrupted {
		sctx, cancel := context.WithTimeout(context.Background(), getShutdownTimeout)
		defer cancel()
		if err := sched.Shutdown(sctx); err != nil {
			a.logger.Warn("scheduler shutdown", zap.Error(err))
		}
	}
	return w.result(submitted)
}

// getReporter renders bus events for a terminal.
type getReporter struct {
	out    io.Writer
	errOut io.Writer
	quiet  bool
	// destination resolves a completed job's output file, if known.
	destination func(id string) string

	finished  int
	completed int
}

func (w *getReporter) handle(ev stream.Event) {
	short := shortID(ev.JobID)
	switch ev.Type {
	case stream.EventProgress:
		if !w.quiet {
			fmt.Fprintf(w.errOut, "[%s] %s\n", short, formatProgress(ev.Progress))
		}
	case stream.EventState:
		switch {
		case ev.Status == jobqueue.StatusCompleted:
			w.finished++
			w.completed++
			dest := ""
			if w.destination != nil {
				dest = w.destination(ev.JobID)
			}
			fmt.Fprintf(w.out, "%s  completed  %s\n", short, dest)
		case ev.Status.IsTerminal():
			w.finished++
			msg := ev.Status.Key()
			if ev.Error != nil {
				msg += ": " + ev.Error.Message
			}
			fmt.Fprintf(w.out, "%s  %s\n", short, msg)
		case !w.quiet:
			fmt.Fprintf(w.errOut, "[%s] %s\n", short, ev.Status.Key())
		}
	}
}

func (w *getReporter) result(submitted int) error {
	if w.completed == submitted {
		return nil
	}
	return fmt.Errorf("%d of %d downloads did not complete", submitted-w.completed, submitted)
}

// formatProgress renders progress figures, leaving out the unknown ones.
func formatProgress(p jobqueue.Progress) string {
	s := "  ?%"
	if p.Percent != jobqueue.Unknown {
		s = fmt.Sprintf("%5.1f%%", p.Percent)
	}
	if p.TotalBytes != jobqueue.Unknown {
		s += " of " + humanize.IBytes(uint64(p.TotalBytes))
	}
	if p.SpeedBytesPerSec != jobqueue.Unknown {
		s += " at " + humanize.IBytes(uint64(p.SpeedBytesPerSec)) + "/s"
	}
	if p.ETASeconds != jobqueue.Unknown {
		s += " ETA " + (time.Duration(p.ETASeconds) * time.Second).String()
	}
	if p.Stage != "" {
		s += " (" + p.Stage + ")"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
