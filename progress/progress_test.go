package progress

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProgress(t *testing.T) {
	tests := []struct {
		name string
		line string
		want ProgressEvent
	}{
		{
			name: "approximate with fragments",
			line: "[download]  50.0% of ~ 10.00MiB at  1.20MiB/s ETA 00:05 (frag 1/4)",
			want: ProgressEvent{
				Percent: 50, TotalBytes: 10 * 1024 * 1024, Approximate: true,
				SpeedBytesPerSec: 1.2 * 1024 * 1024, ETASeconds: 5,
				Fragment: 1, Fragments: 4, ElapsedSeconds: Unknown,
			},
		},
		{
			name: "plain",
			line: "[download]   3.7% of  250.00KiB at 100.00KiB/s ETA 01:02:03",
			want: ProgressEvent{
				Percent: 3.7, TotalBytes: 250 * 1024,
				SpeedBytesPerSec: 100 * 1024, ETASeconds: 3723,
				Fragment: Unknown, Fragments: Unknown, ElapsedSeconds: Unknown,
			},
		},
		{
			name: "unknown speed and eta",
			line: "[download]   0.0% of   12.00MiB at  Unknown B/s ETA Unknown",
			want: ProgressEvent{
				Percent: 0, TotalBytes: 12 * 1024 * 1024,
				SpeedBytesPerSec: Unknown, ETASeconds: Unknown,
				Fragment: Unknown, Fragments: Unknown, ElapsedSeconds: Unknown,
			},
		},
		{
			name: "finished summary",
			line: "[download] 100% of 10MiB in 00:00:03 at 3.00MiB/s",
			want: ProgressEvent{
				Percent: 100, TotalBytes: 10 * 1024 * 1024,
				SpeedBytesPerSec: 3 * 1024 * 1024, ETASeconds: 0,
				Fragment: Unknown, Fragments: Unknown,
				Finished: true, ElapsedSeconds: 3,
			},
		},
		{
			name: "unknown total",
			line: "[download]   5.0% of Unknown at 1.00KiB/s ETA 00:10",
			want: ProgressEvent{
				Percent: 5, TotalBytes: Unknown,
				SpeedBytesPerSec: 1024, ETASeconds: 10,
				Fragment: Unknown, Fragments: Unknown, ElapsedSeconds: Unknown,
			},
		},
		{
			name: "live stream without total",
			line: "[download]   12.00MiB at  1.00MiB/s (00:00:05)",
			want: ProgressEvent{
				Percent: Unknown, TotalBytes: Unknown,
				SpeedBytesPerSec: 1024 * 1024, ETASeconds: Unknown,
				Fragment: Unknown, Fragments: Unknown, ElapsedSeconds: 5,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := Parse(tt.line).(ProgressEvent)
			require.True(t, ok, "expected ProgressEvent for %q", tt.line)
			assert.InDelta(t, tt.want.Percent, ev.Percent, 0.001)
			assert.InDelta(t, tt.want.SpeedBytesPerSec, ev.SpeedBytesPerSec, 1)
			ev.Percent, ev.SpeedBytesPerSec = tt.want.Percent, tt.want.SpeedBytesPerSec
			assert.Equal(t, tt.want, ev)
		})
	}
}

func TestParseMalformedNumbersDegrade(t *testing.T) {
	ev, ok := Parse("[download] 1.2.3% of 9.9.9XiB at fast ETA soon").(ProgressEvent)
	require.True(t, ok)
	assert.Equal(t, float64(Unknown), ev.Percent)
	assert.Equal(t, int64(Unknown), ev.TotalBytes)
	assert.Equal(t, float64(Unknown), ev.SpeedBytesPerSec)
	assert.Equal(t, int64(Unknown), ev.ETASeconds)
}

func TestParseClockOverflowIsUnknown(t *testing.T) {
	ev, ok := Parse("[download]  10.0% of 10.00MiB at 1.00MiB/s ETA 999999999999999999:00").(ProgressEvent)
	require.True(t, ok)
	assert.Equal(t, int64(Unknown), ev.ETASeconds)
	assert.Equal(t, float64(10), ev.Percent)

	assert.Equal(t, int64(Unknown), parseClock("9223372036854775807:59"))
	assert.Equal(t, int64(3723), parseClock("01:02:03"))
}

func TestParseInfo(t *testing.T) {
	tests := []struct {
		line string
		want InfoEvent
	}{
		{"[download] Destination: /dl/Clip [abc].f137.mp4", InfoEvent{Kind: Destination, Path: "/dl/Clip [abc].f137.mp4"}},
		{"[ExtractAudio] Destination: /dl/Clip.mp3", InfoEvent{Kind: Destination, Path: "/dl/Clip.mp3"}},
		{`[Merger] Merging formats into "/dl/Clip [abc].mkv"`, InfoEvent{Kind: Merge, Path: "/dl/Clip [abc].mkv"}},
		{"[download] /dl/Clip.mp4 has already been downloaded", InfoEvent{Kind: AlreadyDownloaded, Path: "/dl/Clip.mp4"}},
		{"[download] /dl/Clip.mkv has already been downloaded and merged", InfoEvent{Kind: AlreadyDownloaded, Path: "/dl/Clip.mkv"}},
		{`[MoveFiles] Moving file "/tmp/a.mp4" to "/dl/a.mp4"`, InfoEvent{Kind: MoveFile, Path: "/dl/a.mp4", Detail: "/tmp/a.mp4"}},
		{"[info] Writing video subtitles to: /dl/Clip.en.vtt", InfoEvent{Kind: SubtitleWritten, Path: "/dl/Clip.en.vtt"}},
		{"[info] Writing video thumbnail 41 to: /dl/Clip.webp", InfoEvent{Kind: ThumbnailWritten, Path: "/dl/Clip.webp"}},
		{"[info] Writing video thumbnail to: /dl/Clip.jpg", InfoEvent{Kind: ThumbnailWritten, Path: "/dl/Clip.jpg"}},
		{"[info] Downloading subtitles: en, de", InfoEvent{Kind: SubtitlesRequested, Detail: "en, de"}},
		{"[info] dQw4w9WgXcQ: Downloading 1 format(s): 137+140", InfoEvent{Kind: FormatsSelected, VideoID: "dQw4w9WgXcQ", Detail: "137+140"}},
	}

	for _, tt := range tests {
		t.Run(tt.want.Kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.line))
		})
	}
}

func TestParseDiagnostics(t *testing.T) {
	ev := Parse("ERROR: [youtube] abc: Video unavailable")
	assert.Equal(t, DiagnosticLine{
		Severity: SeverityError,
		Text:     "ERROR: [youtube] abc: Video unavailable",
		Message:  "[youtube] abc: Video unavailable",
	}, ev)

	d, ok := Parse("WARNING: falling back to generic extractor").(DiagnosticLine)
	require.True(t, ok)
	assert.Equal(t, SeverityWarning, d.Severity)

	d, ok = Parse("[youtube] abc: Downloading webpage").(DiagnosticLine)
	require.True(t, ok)
	assert.Equal(t, SeverityNone, d.Severity)
	assert.Equal(t, "[youtube] abc: Downloading webpage", d.Text)
}

func TestParseNeverPanics(t *testing.T) {
	inputs := []string{
		"", " ", "[download]", "[download] ", "[download] %", "[download] 50% of",
		"[download] 100% of  in ", "[info] : Downloading x format(s): ",
		"[Merger] Merging formats into \"", "ERROR:", "WARNING:",
		strings.Repeat("[download] ", 1000), "\x00\xff\xfe",
		"[download] 99999999999999999999999% of 1EiB at 1ZiB/s ETA 99:99:99:99",
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() {
			ev := Parse(in)
			assert.NotNil(t, ev)
		}, "input %q", in)
	}
}

func TestParseClampsPercent(t *testing.T) {
	ev, ok := Parse("[download] 120.0% of 1.00MiB at 1.00MiB/s ETA 00:00").(ProgressEvent)
	require.True(t, ok)
	assert.Equal(t, float64(100), ev.Percent)
}
