// Package engine knows how to talk to the external yt-dlp executable:
// building download invocations, locating the binary and probing metadata.
package engine

import (
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultOutputTemplate is the yt-dlp output template used when none is configured.
const DefaultOutputTemplate = "%(title)s [%(id)s].%(ext)s"

// DefaultThreads is the fragment concurrency passed with -N.
const DefaultThreads = 10

// Options are the per-job download settings. A nil pointer or nil slice
// means "not set" and is filled from the defaults by Merge; an explicit
// false or empty slice overrides them.
type Options struct {
	Format         string   `json:"format,omitempty"`
	Subtitles      []string `json:"subtitles"`
	Thumbnail      *bool    `json:"thumbnail,omitempty"`
	Dir            string   `json:"dir,omitempty"`
	OutputTemplate string   `json:"outputTemplate,omitempty"`
	CookiesBrowser string   `json:"cookiesBrowser,omitempty"`
	Threads        int      `json:"threads,omitempty"`
	NoPlaylist     *bool    `json:"noPlaylist,omitempty"`
	ExtraArgs      []string `json:"extraArgs,omitempty"`
	// EnginePath overrides the configured executable for this job.
	EnginePath string `json:"enginePath,omitempty"`
}

// Bool returns a pointer to b for the optional flags of Options.
func Bool(b bool) *bool {
	return &b
}

// WantThumbnail reports whether the thumbnail should be written.
func (o Options) WantThumbnail() bool {
	return o.Thumbnail != nil && *o.Thumbnail
}

// SinglePlaylistItem reports whether playlist URLs fetch only the video.
func (o Options) SinglePlaylistItem() bool {
	return o.NoPlaylist != nil && *o.NoPlaylist
}

// Merge fills unset fields of o from defaults.
func (o Options) Merge(defaults Options) Options {
	if o.Format == "" {
		o.Format = defaults.Format
	}
	if o.Subtitles == nil {
		o.Subtitles = defaults.Subtitles
	}
	if o.Thumbnail == nil {
		o.Thumbnail = defaults.Thumbnail
	}
	if o.Dir == "" {
		o.Dir = defaults.Dir
	}
	if o.OutputTemplate == "" {
		o.OutputTemplate = defaults.OutputTemplate
	}
	if o.CookiesBrowser == "" {
		o.CookiesBrowser = defaults.CookiesBrowser
	}
	if o.Threads <= 0 {
		o.Threads = defaults.Threads
	}
	if o.NoPlaylist == nil {
		o.NoPlaylist = defaults.NoPlaylist
	}
	if o.ExtraArgs == nil {
		o.ExtraArgs = defaults.ExtraArgs
	}
	if o.EnginePath == "" {
		o.EnginePath = defaults.EnginePath
	}
	return o
}

// Resolved returns a copy with every optional flag set and slices detached
// from any shared defaults.
func (o Options) Resolved() Options {
	o.Thumbnail = Bool(o.WantThumbnail())
	o.NoPlaylist = Bool(o.SinglePlaylistItem())
	o.Subtitles = append([]string{}, o.Subtitles...)
	o.ExtraArgs = append([]string(nil), o.ExtraArgs...)
	return o
}

// Invocation is a fully-resolved engine command line. It is derived from a
// job's options and never persisted.
type Invocation struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// String renders the invocation for logs.
func (inv Invocation) String() string {
	parts := make([]string, 0, len(inv.Args)+1)
	parts = append(parts, inv.Path)
	for _, a := range inv.Args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = strconv.Quote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Build constructs the download invocation for url. The url always follows
// "--" so a value starting with "-" is never read as a flag.
func Build(path, url string, opts Options) Invocation {
	tmpl := opts.OutputTemplate
	if tmpl == "" {
		tmpl = DefaultOutputTemplate
	}
	threads := opts.Threads
	if threads <= 0 {
		threads = DefaultThreads
	}
	output := tmpl
	if opts.Dir != "" {
		output = filepath.Join(opts.Dir, tmpl)
	}

	args := []string{
		"--newline",
		"--no-colors",
		"--no-mtime",
		"-o", output,
		"-N", strconv.Itoa(threads),
	}
	if opts.Format != "" {
		args = append(args, "-f", opts.Format)
	}
	if langs := cleanList(opts.Subtitles); len(langs) > 0 {
		args = append(args, "--write-subs", "--sub-langs", strings.Join(langs, ","), "--convert-subs", "srt")
	}
	if opts.WantThumbnail() {
		args = append(args, "--write-thumbnail", "--convert-thumbnails", "jpg")
	}
	if opts.CookiesBrowser != "" {
		args = append(args, "--cookies-from-browser="+opts.CookiesBrowser)
	}
	if opts.SinglePlaylistItem() {
		args = append(args, "--no-playlist")
	}
	args = append(args, opts.ExtraArgs...)
	args = append(args, "--", url)

	return Invocation{Path: path, Args: args}
}

func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
