// Package progress turns engine output lines into typed events.
//
// Parse is a pure function over a single line. Lines it does not
// recognise come back as a DiagnosticLine, and numbers it cannot read are
// reported as Unknown rather than as an error.
package progress

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Unknown marks a numeric field the engine did not report.
const Unknown = -1

// Event is one of ProgressEvent, InfoEvent or DiagnosticLine.
type Event interface {
	isEvent()
}

// ProgressEvent is a download progress tick.
type ProgressEvent struct {
	// Percent is 0-100, or Unknown.
	Percent float64
	// TotalBytes is the expected size, or Unknown.
	TotalBytes int64
	// Approximate is set when the engine prefixed the size with "~".
	Approximate bool
	// SpeedBytesPerSec is Unknown when the engine printed "Unknown".
	SpeedBytesPerSec float64
	// ETASeconds is the remaining time, or Unknown.
	ETASeconds int64
	// Fragment and Fragments count HLS/DASH fragments, or Unknown.
	Fragment  int
	Fragments int
	// Finished is set on the summary line printed when a file completes.
	Finished bool
	// Elapsed is only set on the finished line.
	ElapsedSeconds int64
}

// InfoKind says what an InfoEvent reports.
type InfoKind int

const (
	// Destination names the file the engine is writing.
	Destination InfoKind = iota
	// Merge names the container the separate streams are merged into.
	Merge
	// AlreadyDownloaded means the target exists and nothing is transferred.
	AlreadyDownloaded
	// MoveFile names the final path after the engine moves a temp file.
	MoveFile
	// SubtitleWritten confirms a subtitle file.
	SubtitleWritten
	// ThumbnailWritten confirms a thumbnail file.
	ThumbnailWritten
	// SubtitlesRequested lists the subtitle languages about to download.
	SubtitlesRequested
	// FormatsSelected lists the format ids chosen for the download.
	FormatsSelected
)

var infoKindNames = map[InfoKind]string{
	Destination:        "destination",
	Merge:              "merge",
	AlreadyDownloaded:  "already_downloaded",
	MoveFile:           "move_file",
	SubtitleWritten:    "subtitle_written",
	ThumbnailWritten:   "thumbnail_written",
	SubtitlesRequested: "subtitles_requested",
	FormatsSelected:    "formats_selected",
}

func (k InfoKind) String() string {
	if s, ok := infoKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// InfoEvent reports a stage change or a file the engine produced.
type InfoEvent struct {
	Kind InfoKind
	// Path is set for file-bearing kinds.
	Path string
	// Detail holds languages or format ids.
	Detail string
	// VideoID is set for FormatsSelected.
	VideoID string
}

// Severity grades a DiagnosticLine.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "none"
	}
}

// DiagnosticLine is any line that is not progress or info.
type DiagnosticLine struct {
	Severity Severity
	// Text is the full line; Message omits the ERROR:/WARNING: prefix.
	Text    string
	Message string
}

func (ProgressEvent) isEvent()  {}
func (InfoEvent) isEvent()      {}
func (DiagnosticLine) isEvent() {}

var (
	percentRe  = regexp.MustCompile(`^\[download\]\s+([\d.]+|Unknown)%\s+of\s+(~)?\s*(\S+)(?:\s+at\s+(.+?))?(?:\s+ETA\s+(\S+))?(?:\s+\(frag\s+(\d+)/(\d+)\))?\s*$`)
	finishedRe = regexp.MustCompile(`^\[download\]\s+100(?:\.0+)?%\s+of\s+(~)?\s*(\S+)\s+in\s+(\S+)(?:\s+at\s+(.+?))?\s*$`)
	// Live streams and unknown-size downloads: "[download]   12.34MiB at  1.00MiB/s (00:00:05)".
	liveRe = regexp.MustCompile(`^\[download\]\s+(\S+)\s+at\s+(.+?)\s+\((\S+)\)\s*$`)

	destinationRe = regexp.MustCompile(`^\[(?:download|ExtractAudio|VideoConvertor)\] Destination: (.+)$`)
	mergeRe       = regexp.MustCompile(`^\[Merger\] Merging formats into "(.+)"$`)
	alreadyRe     = regexp.MustCompile(`^\[download\] (.+) has already been downloaded(?: and merged)?$`)
	moveRe        = regexp.MustCompile(`^\[MoveFiles\] Moving file "(.+)" to "(.+)"$`)
	subtitleRe    = regexp.MustCompile(`^\[info\] Writing video subtitles to: (.+)$`)
	thumbnailRe   = regexp.MustCompile(`^\[info\] Writing video thumbnail (?:\S+ )?to: (.+)$`)
	subLangsRe    = regexp.MustCompile(`^\[info\] Downloading subtitles: (.+)$`)
	formatsRe     = regexp.MustCompile(`^\[info\] (\S+): Downloading (\d+) format\(s\): (.+)$`)
)

// Parse classifies one line of engine output.
func Parse(line string) Event {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)

	switch {
	case strings.HasPrefix(trimmed, "ERROR:"):
		return DiagnosticLine{Severity: SeverityError, Text: line, Message: strings.TrimSpace(trimmed[len("ERROR:"):])}
	case strings.HasPrefix(trimmed, "WARNING:"):
		return DiagnosticLine{Severity: SeverityWarning, Text: line, Message: strings.TrimSpace(trimmed[len("WARNING:"):])}
	}

	if strings.HasPrefix(trimmed, "[download]") {
		if ev, ok := parseDownload(trimmed); ok {
			return ev
		}
	}

	if m := destinationRe.FindStringSubmatch(trimmed); m != nil {
		return InfoEvent{Kind: Destination, Path: m[1]}
	}
	if m := mergeRe.FindStringSubmatch(trimmed); m != nil {
		return InfoEvent{Kind: Merge, Path: m[1]}
	}
	if m := alreadyRe.FindStringSubmatch(trimmed); m != nil {
		return InfoEvent{Kind: AlreadyDownloaded, Path: m[1]}
	}
	if m := moveRe.FindStringSubmatch(trimmed); m != nil {
		return InfoEvent{Kind: MoveFile, Path: m[2], Detail: m[1]}
	}
	if m := subtitleRe.FindStringSubmatch(trimmed); m != nil {
		return InfoEvent{Kind: SubtitleWritten, Path: m[1]}
	}
	if m := thumbnailRe.FindStringSubmatch(trimmed); m != nil {
		return InfoEvent{Kind: ThumbnailWritten, Path: m[1]}
	}
	if m := subLangsRe.FindStringSubmatch(trimmed); m != nil {
		return InfoEvent{Kind: SubtitlesRequested, Detail: m[1]}
	}
	if m := formatsRe.FindStringSubmatch(trimmed); m != nil {
		return InfoEvent{Kind: FormatsSelected, VideoID: m[1], Detail: m[3]}
	}

	return DiagnosticLine{Severity: SeverityNone, Text: line, Message: trimmed}
}

func parseDownload(line string) (Event, bool) {
	if m := finishedRe.FindStringSubmatch(line); m != nil {
		return ProgressEvent{
			Percent:          100,
			TotalBytes:       parseSize(m[2]),
			Approximate:      m[1] == "~",
			SpeedBytesPerSec: parseSpeed(m[4]),
			ETASeconds:       0,
			Fragment:         Unknown,
			Fragments:        Unknown,
			Finished:         true,
			ElapsedSeconds:   parseClock(m[3]),
		}, true
	}
	if m := percentRe.FindStringSubmatch(line); m != nil {
		ev := ProgressEvent{
			Percent:          parsePercent(m[1]),
			TotalBytes:       parseSize(m[3]),
			Approximate:      m[2] == "~",
			SpeedBytesPerSec: parseSpeed(m[4]),
			ETASeconds:       parseClock(m[5]),
			Fragment:         parseCount(m[6]),
			Fragments:        parseCount(m[7]),
			ElapsedSeconds:   Unknown,
		}
		return ev, true
	}
	if m := liveRe.FindStringSubmatch(line); m != nil {
		if parseSize(m[1]) == Unknown {
			return nil, false
		}
		return ProgressEvent{
			Percent:          Unknown,
			TotalBytes:       Unknown,
			SpeedBytesPerSec: parseSpeed(m[2]),
			ETASeconds:       Unknown,
			Fragment:         Unknown,
			Fragments:        Unknown,
			ElapsedSeconds:   parseClock(m[3]),
		}, true
	}
	return nil, false
}

func parsePercent(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return Unknown
	}
	if v > 100 {
		return 100
	}
	return v
}

// parseSize reads yt-dlp sizes such as "10.00MiB" or "512KiB".
func parseSize(s string) int64 {
	s = strings.TrimSpace(strings.TrimPrefix(s, "~"))
	if s == "" || strings.EqualFold(s, "Unknown") || strings.HasPrefix(s, "N/A") {
		return Unknown
	}
	n, err := humanize.ParseBytes(s)
	if err != nil || n > math.MaxInt64 {
		return Unknown
	}
	return int64(n)
}

func parseSpeed(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return Unknown
	}
	s = strings.TrimSuffix(s, "/s")
	n := parseSize(s)
	if n == Unknown {
		return Unknown
	}
	return float64(n)
}

// parseClock reads "SS", "MM:SS" or "HH:MM:SS".
func parseClock(s string) int64 {
	if s == "" {
		return Unknown
	}
	var total int64
	for _, part := range strings.Split(s, ":") {
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil || v < 0 || total > (math.MaxInt64-v)/60 {
			return Unknown
		}
		total = total*60 + v
	}
	return total
}

func parseCount(s string) int {
	if s == "" {
		return Unknown
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return Unknown
	}
	return v
}
