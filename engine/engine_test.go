package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMinimal(t *testing.T) {
	inv := Build("/usr/bin/yt-dlp", "https://example.com/v", Options{})

	assert.Equal(t, "/usr/bin/yt-dlp", inv.Path)
	assert.Equal(t, []string{
		"--newline", "--no-colors", "--no-mtime",
		"-o", DefaultOutputTemplate,
		"-N", "10",
		"--", "https://example.com/v",
	}, inv.Args)
}

func TestBuildAllOptions(t *testing.T) {
	inv := Build("yt-dlp", "-weird-url", Options{
		Format:         "bv*+ba",
		Subtitles:      []string{"en", " ", "zh-Hans"},
		Thumbnail:      Bool(true),
		Dir:            "/data/out",
		OutputTemplate: "%(id)s.%(ext)s",
		CookiesBrowser: "firefox",
		Threads:        4,
		NoPlaylist:     Bool(true),
		ExtraArgs:      []string{"--limit-rate", "2M"},
	})

	assert.Equal(t, []string{
		"--newline", "--no-colors", "--no-mtime",
		"-o", filepath.Join("/data/out", "%(id)s.%(ext)s"),
		"-N", "4",
		"-f", "bv*+ba",
		"--write-subs", "--sub-langs", "en,zh-Hans", "--convert-subs", "srt",
		"--write-thumbnail", "--convert-thumbnails", "jpg",
		"--cookies-from-browser=firefox",
		"--no-playlist",
		"--limit-rate", "2M",
		"--", "-weird-url",
	}, inv.Args)
}

func TestOptionsMerge(t *testing.T) {
	defaults := Options{Format: "best", Dir: "/dl", Threads: 8, Subtitles: []string{"en"}, CookiesBrowser: "chrome"}

	got := Options{Format: "worst", Thumbnail: Bool(true)}.Merge(defaults)

	assert.Equal(t, "worst", got.Format)
	assert.Equal(t, "/dl", got.Dir)
	assert.Equal(t, 8, got.Threads)
	assert.Equal(t, []string{"en"}, got.Subtitles)
	assert.Equal(t, "chrome", got.CookiesBrowser)
	assert.True(t, got.WantThumbnail())
	assert.False(t, got.SinglePlaylistItem())
}

func TestOptionsMergeExplicitOverrides(t *testing.T) {
	defaults := Options{Subtitles: []string{"en"}, Thumbnail: Bool(true), NoPlaylist: Bool(true)}

	got := Options{Subtitles: []string{}, Thumbnail: Bool(false), NoPlaylist: Bool(false)}.Merge(defaults)
	assert.Empty(t, got.Subtitles)
	assert.False(t, got.WantThumbnail())
	assert.False(t, got.SinglePlaylistItem())

	inv := Build("yt-dlp", "https://example.com/v", got)
	assert.NotContains(t, inv.Args, "--write-subs")
	assert.NotContains(t, inv.Args, "--write-thumbnail")
	assert.NotContains(t, inv.Args, "--no-playlist")

	inherited := Options{}.Merge(defaults)
	assert.Equal(t, []string{"en"}, inherited.Subtitles)
	assert.True(t, inherited.WantThumbnail())
	assert.True(t, inherited.SinglePlaylistItem())
}

func TestOptionsResolved(t *testing.T) {
	defaults := Options{Subtitles: []string{"en"}}
	got := Options{}.Merge(defaults).Resolved()

	require.NotNil(t, got.Thumbnail)
	require.NotNil(t, got.NoPlaylist)
	assert.False(t, *got.Thumbnail)
	got.Subtitles[0] = "de"
	assert.Equal(t, "en", defaults.Subtitles[0])
	assert.NotNil(t, Options{}.Resolved().Subtitles)
}

func TestInvocationString(t *testing.T) {
	inv := Invocation{Path: "yt-dlp", Args: []string{"-o", "a b.mp4", "--", "u"}}
	assert.Equal(t, `yt-dlp -o "a b.mp4" -- u`, inv.String())
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		output string
		want   string
	}{
		{"2024.01.01\n", "2024.01.01"},
		{"2025.12.08.123456", "2025.12.08.123456"},
		{"yt-dlp 2023.11.16 (nightly)", "2023.11.16"},
		{"garbage", "unknown"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseVersion(tt.output), "output %q", tt.output)
	}
}

// writeScript writes an executable shell script standing in for the engine.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script engines need a unix shell")
	}
	path := filepath.Join(t.TempDir(), "fake-yt-dlp")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestLocate(t *testing.T) {
	script := writeScript(t, "exit 0\n")

	got, err := Locate(script)
	require.NoError(t, err)
	assert.Equal(t, script, got)

	_, err = Locate(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.Is(err, ErrNotFound))

	plain := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))
	_, err = Locate(plain)
	assert.True(t, errors.Is(err, ErrNotFound))

	t.Setenv("PATH", filepath.Dir(script))
	got, err = Locate("fake-yt-dlp")
	require.NoError(t, err)
	assert.Equal(t, script, got)
}

func TestVersion(t *testing.T) {
	script := writeScript(t, "echo 2025.06.30\n")

	v, err := Version(context.Background(), script)
	require.NoError(t, err)
	assert.Equal(t, "2025.06.30", v)

	failing := writeScript(t, "exit 2\n")
	_, err = Version(context.Background(), failing)
	assert.Error(t, err)
}

func TestProbeDecodesInfo(t *testing.T) {
	script := writeScript(t, `cat <<'JSON'
{"id":"abc","title":"Clip","duration":12.5,"formats":[{"format_id":"18","ext":"mp4","height":360,"filesize":1048576},{"format_id":"140","ext":"m4a","vcodec":"none","acodec":"mp4a.40.2","filesize_approx":2048}],"subtitles":{"fr":[{"ext":"vtt"}],"en":[{"ext":"vtt"}]}}
JSON
`)

	info, err := Probe(context.Background(), script, "https://example.com/v", "")
	require.NoError(t, err)

	assert.Equal(t, "abc", info.ID)
	assert.Equal(t, "Clip", info.Title)
	require.Len(t, info.Formats, 2)
	assert.Equal(t, "1.0 MiB", info.Formats[0].SizeString())
	assert.Equal(t, int64(2048), info.Formats[1].Size())
	assert.True(t, info.Formats[1].AudioOnly())
	assert.Equal(t, []string{"en", "fr"}, info.SubtitleLanguages())
}

func TestProbeClassifiesFailures(t *testing.T) {
	script := writeScript(t, "echo 'ERROR: [youtube] x: Private video. Sign in' >&2\nexit 1\n")

	_, err := Probe(context.Background(), script, "https://example.com/v", "")
	var pe *ProbeError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ProbePrivate, pe.Kind)
	assert.False(t, pe.Transient())
	assert.Contains(t, pe.Message, "Private video")
}

func TestProbeRetriesTransientFailures(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "count")
	script := writeScript(t, `echo x >> `+counter+`
echo 'ERROR: HTTP Error 429: Too Many Requests' >&2
exit 1
`)

	p := &Prober{Retries: 2, Backoff: time.Millisecond}
	_, err := p.Probe(context.Background(), script, "https://example.com/v", "firefox")

	var pe *ProbeError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ProbeRateLimited, pe.Kind)

	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "x\nx\nx\n", string(data))
}
