package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/stevecastle/grabq/platform"
)

// Info is the subset of `--dump-json` metadata grabq surfaces.
type Info struct {
	ID         string                `json:"id"`
	Title      string                `json:"title"`
	Uploader   string                `json:"uploader,omitempty"`
	Duration   float64               `json:"duration,omitempty"`
	WebpageURL string                `json:"webpage_url,omitempty"`
	Extractor  string                `json:"extractor,omitempty"`
	Thumbnail  string                `json:"thumbnail,omitempty"`
	Formats    []Format              `json:"formats,omitempty"`
	Subtitles  map[string][]Subtitle `json:"subtitles,omitempty"`
}

type Format struct {
	FormatID       string  `json:"format_id"`
	Ext            string  `json:"ext"`
	Resolution     string  `json:"resolution,omitempty"`
	Height         int     `json:"height,omitempty"`
	FPS            float64 `json:"fps,omitempty"`
	VCodec         string  `json:"vcodec,omitempty"`
	ACodec         string  `json:"acodec,omitempty"`
	Filesize       int64   `json:"filesize,omitempty"`
	FilesizeApprox int64   `json:"filesize_approx,omitempty"`
	TBR            float64 `json:"tbr,omitempty"`
	Note           string  `json:"format_note,omitempty"`
}

type Subtitle struct {
	Ext string `json:"ext"`
	URL string `json:"url,omitempty"`
}

// Size returns the exact or approximate size in bytes, or -1 when unknown.
func (f Format) Size() int64 {
	switch {
	case f.Filesize > 0:
		return f.Filesize
	case f.FilesizeApprox > 0:
		return f.FilesizeApprox
	default:
		return -1
	}
}

// SizeString renders Size for display, "~" marking approximate values.
func (f Format) SizeString() string {
	switch {
	case f.Filesize > 0:
		return humanize.IBytes(uint64(f.Filesize))
	case f.FilesizeApprox > 0:
		return "~" + humanize.IBytes(uint64(f.FilesizeApprox))
	default:
		return "unknown"
	}
}

// AudioOnly reports whether the format carries no video stream.
func (f Format) AudioOnly() bool {
	return f.VCodec == "none" && f.ACodec != "" && f.ACodec != "none"
}

// SubtitleLanguages lists the language codes with manual subtitles.
func (i *Info) SubtitleLanguages() []string {
	langs := make([]string, 0, len(i.Subtitles))
	for lang := range i.Subtitles {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// ProbeErrorKind classifies metadata probe failures from engine output.
type ProbeErrorKind string

const (
	ProbeRateLimited   ProbeErrorKind = "rate_limited"
	ProbeUnavailable   ProbeErrorKind = "unavailable"
	ProbeAgeRestricted ProbeErrorKind = "age_restricted"
	ProbePrivate       ProbeErrorKind = "private"
	ProbeInvalidURL    ProbeErrorKind = "invalid_url"
	ProbeUnsupported   ProbeErrorKind = "unsupported_url"
	ProbeNetwork       ProbeErrorKind = "network"
	ProbeBadOutput     ProbeErrorKind = "bad_output"
	ProbeFailed        ProbeErrorKind = "failed"
)

// ProbeError is returned by Probe when the engine rejects the URL or its
// output cannot be decoded.
type ProbeError struct {
	Kind    ProbeErrorKind
	Message string
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %s", e.Kind, e.Message)
}

// Transient reports whether retrying the probe may succeed.
func (e *ProbeError) Transient() bool {
	switch e.Kind {
	case ProbeRateLimited, ProbeNetwork, ProbeBadOutput, ProbeFailed:
		return true
	}
	return false
}

var probeClassifiers = []struct {
	needle string
	kind   ProbeErrorKind
}{
	{"HTTP Error 429", ProbeRateLimited},
	{"This video is unavailable", ProbeUnavailable},
	{"Sign in to confirm your age", ProbeAgeRestricted},
	{"Private video", ProbePrivate},
	{"is not a valid URL", ProbeInvalidURL},
	{"URL could be a direct video link", ProbeInvalidURL},
	{"Unsupported URL", ProbeUnsupported},
	{"Unable to download webpage", ProbeNetwork},
}

func classifyProbeFailure(stderr string) *ProbeError {
	msg := lastErrorLine(stderr)
	for _, c := range probeClassifiers {
		if strings.Contains(stderr, c.needle) {
			return &ProbeError{Kind: c.kind, Message: msg}
		}
	}
	if msg == "" {
		msg = "engine exited without output"
	}
	return &ProbeError{Kind: ProbeFailed, Message: msg}
}

func lastErrorLine(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); strings.HasPrefix(l, "ERROR:") {
			return l
		}
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

// Prober runs metadata probes. The zero value is usable.
type Prober struct {
	// Retries is how many extra attempts a transient failure gets.
	Retries int
	// Backoff is multiplied by the attempt number between retries.
	Backoff time.Duration
	Logger  *zap.Logger
}

// DefaultProber retries transient failures twice, 3s apart and growing.
var DefaultProber = &Prober{Retries: 2, Backoff: 3 * time.Second}

// Probe fetches metadata for url without downloading.
func Probe(ctx context.Context, path, url, cookiesBrowser string) (*Info, error) {
	return DefaultProber.Probe(ctx, path, url, cookiesBrowser)
}

// Probe fetches metadata for url without downloading, retrying transient failures.
func (p *Prober) Probe(ctx context.Context, path, url, cookiesBrowser string) (*Info, error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	args := []string{"-q", "--dump-json", "--no-playlist", "--skip-download"}
	if cookiesBrowser != "" {
		args = append(args, "--cookies-from-browser="+cookiesBrowser)
	}
	args = append(args, "--", url)

	var lastErr error
	for attempt := 0; attempt <= p.Retries; attempt++ {
		if attempt > 0 {
			wait := p.Backoff * time.Duration(attempt)
			logger.Debug("retrying probe", zap.String("url", url), zap.Int("attempt", attempt+1), zap.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		info, err := probeOnce(ctx, path, args)
		if err == nil {
			return info, nil
		}
		lastErr = err
		var pe *ProbeError
		if !errors.As(err, &pe) || !pe.Transient() {
			return nil, err
		}
		logger.Warn("probe failed", zap.String("url", url), zap.Error(err))
	}
	return nil, lastErr
}

func probeOnce(ctx context.Context, path string, args []string) (*Info, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	platform.ConfigureProcess(cmd)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("launch %s: %w", path, err)
		}
		return nil, classifyProbeFailure(stderr.String())
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, &ProbeError{Kind: ProbeBadOutput, Message: "engine returned no data"}
	}
	// A playlist URL without --no-playlist support yields one object per line; keep the first.
	if i := bytes.IndexByte(out, '\n'); i >= 0 {
		out = out[:i]
	}
	var info Info
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, &ProbeError{Kind: ProbeBadOutput, Message: err.Error()}
	}
	return &info, nil
}
