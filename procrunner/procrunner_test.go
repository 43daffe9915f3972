//go:build !windows

package procrunner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevecastle/grabq/engine"
)

// ============================================================================
// Helpers
// ============================================================================

func script(t *testing.T, body string) engine.Invocation {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-engine")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return engine.Invocation{Path: path}
}

func collect(p *Process) []Line {
	var out []Line
	for l := range p.Lines() {
		out = append(out, l)
	}
	return out
}

func texts(lines []Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

func waitWithin(t *testing.T, d time.Duration, p *Process) ExitStatus {
	t.Helper()
	type result struct {
		status ExitStatus
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := p.Wait()
		ch <- result{s, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.status
	case <-time.After(d):
		t.Fatalf("process did not exit within %s", d)
		return ExitStatus{}
	}
}

// ============================================================================
// Launch
// ============================================================================

func TestStartMergesStreams(t *testing.T) {
	inv := script(t, "echo one\necho two >&2\necho three\nexit 3\n")

	p, err := Start(context.Background(), inv)
	require.NoError(t, err)
	defer p.Close()

	lines := collect(p)
	status := waitWithin(t, 5*time.Second, p)

	assert.ElementsMatch(t, []string{"one", "two", "three"}, texts(lines))
	for _, l := range lines {
		if l.Text == "two" {
			assert.Equal(t, Stderr, l.Stream)
		} else {
			assert.Equal(t, Stdout, l.Stream)
		}
	}
	assert.Equal(t, 3, status.Code)
	assert.False(t, status.Signalled)
	assert.False(t, status.Success())
}

func TestStartPassesArgsDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	inv := script(t, `echo "$1|$2|$(pwd -P)|$GRABQ_TEST"`+"\n")
	inv.Args = []string{"--newline", "a b"}
	inv.Dir = dir
	inv.Env = []string{"GRABQ_TEST=yes"}

	p, err := Start(context.Background(), inv)
	require.NoError(t, err)
	defer p.Close()

	lines := collect(p)
	require.Len(t, lines, 1)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, "--newline|a b|"+resolved+"|yes", lines[0].Text)
	assert.True(t, waitWithin(t, 5*time.Second, p).Success())
}

func TestStartLaunchErrors(t *testing.T) {
	t.Run("missing executable", func(t *testing.T) {
		_, err := Start(context.Background(), engine.Invocation{Path: filepath.Join(t.TempDir(), "nope")})
		var le *LaunchError
		require.True(t, errors.As(err, &le))
		assert.True(t, errors.Is(err, engine.ErrNotFound))
	})

	t.Run("not executable", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(path, []byte("echo hi\n"), 0o644))
		_, err := Start(context.Background(), engine.Invocation{Path: path})
		var le *LaunchError
		assert.True(t, errors.As(err, &le))
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := Start(context.Background(), engine.Invocation{})
		var le *LaunchError
		assert.True(t, errors.As(err, &le))
	})
}

// ============================================================================
// Line splitting
// ============================================================================

func TestCarriageReturnsSplitLines(t *testing.T) {
	inv := script(t, `printf 'a\rb\r\nc\n\nd'`+"\n")

	p, err := Start(context.Background(), inv)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, []string{"a", "b", "c", "d"}, texts(collect(p)))
}

func TestScanLinesHoldsTrailingCR(t *testing.T) {
	sc := bufio.NewScanner(strings.NewReader("x\r\ny\rz"))
	sc.Split(scanLines)
	var got []string
	for sc.Scan() {
		got = append(got, sc.Text())
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"x", "y", "z"}, got)
}

func TestOversizedLineIsDropped(t *testing.T) {
	inv := script(t, "head -c 1100000 /dev/zero | tr '\\0' a\necho\necho after >&2\n")

	p, err := Start(context.Background(), inv)
	require.NoError(t, err)
	defer p.Close()

	lines := collect(p)
	assert.Contains(t, texts(lines), "after")
	for _, l := range lines {
		assert.Less(t, len(l.Text), MaxLineSize)
	}
	assert.True(t, waitWithin(t, 10*time.Second, p).Success())
}

func TestOversizedLineKeepsLaterStdout(t *testing.T) {
	inv := script(t, "head -c 1100000 /dev/zero | tr '\\0' a\n"+
		"echo\n"+
		"echo '[download] Destination: /tmp/x.mp4'\n"+
		"printf '[download] 100%% of 10MiB\\r[download] done\\n'\n")

	p, err := Start(context.Background(), inv)
	require.NoError(t, err)
	defer p.Close()

	lines := collect(p)
	assert.Equal(t, []string{
		"[download] Destination: /tmp/x.mp4",
		"[download] 100% of 10MiB",
		"[download] done",
	}, texts(lines))
	for _, l := range lines {
		assert.Equal(t, Stdout, l.Stream)
	}
	assert.True(t, waitWithin(t, 10*time.Second, p).Success())
}

func TestLineSplitterSkipsOnlyTheLongLine(t *testing.T) {
	var ls lineSplitter
	long := bytes.Repeat([]byte("x"), MaxLineSize)

	adv, tok, err := ls.split(long, false)
	require.NoError(t, err)
	assert.Equal(t, MaxLineSize, adv)
	assert.Nil(t, tok)
	assert.Equal(t, 1, ls.dropped)

	adv, tok, err = ls.split([]byte("tail\nnext\n"), false)
	require.NoError(t, err)
	assert.Equal(t, 5, adv)
	assert.Nil(t, tok)

	adv, tok, err = ls.split([]byte("next\n"), false)
	require.NoError(t, err)
	assert.Equal(t, 5, adv)
	assert.Equal(t, "next", string(tok))
}

// ============================================================================
// Termination
// ============================================================================

func TestTerminateCooperative(t *testing.T) {
	inv := script(t, "echo ready\nexec sleep 30\n")

	p, err := Start(context.Background(), inv, WithGrace(5*time.Second))
	require.NoError(t, err)
	defer p.Close()

	first := <-p.Lines()
	assert.Equal(t, "ready", first.Text)

	start := time.Now()
	p.Terminate()
	status := waitWithin(t, time.Second, p)

	assert.True(t, status.Signalled)
	assert.Equal(t, "terminated", status.Signal)
	assert.Equal(t, -1, status.Code)
	assert.Less(t, time.Since(start), 5*time.Second, "should not wait for the grace period")
}

func TestTerminateEscalatesToKill(t *testing.T) {
	inv := script(t, "trap '' TERM\necho ready\nsleep 30\n")

	p, err := Start(context.Background(), inv, WithGrace(200*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	<-p.Lines()
	p.Terminate()
	status := waitWithin(t, time.Second, p)

	assert.True(t, status.Signalled)
	assert.Equal(t, "killed", status.Signal)
}

func TestTerminateIsIdempotent(t *testing.T) {
	inv := script(t, "exec sleep 30\n")

	p, err := Start(context.Background(), inv, WithGrace(time.Second))
	require.NoError(t, err)
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Terminate()
		}()
	}
	wg.Wait()
	p.Terminate()

	assert.True(t, waitWithin(t, time.Second, p).Signalled)
}

func TestTerminateAfterExitIsNoop(t *testing.T) {
	inv := script(t, "exit 0\n")

	p, err := Start(context.Background(), inv)
	require.NoError(t, err)
	collect(p)
	waitWithin(t, 5*time.Second, p)

	p.Terminate()
	status, err := p.Wait()
	require.NoError(t, err)
	assert.True(t, status.Success())
	assert.NoError(t, p.Close())
}

func TestContextCancelTerminates(t *testing.T) {
	inv := script(t, "exec sleep 30\n")
	ctx, cancel := context.WithCancel(context.Background())

	p, err := Start(ctx, inv, WithGrace(time.Second))
	require.NoError(t, err)
	defer p.Close()

	cancel()
	status := waitWithin(t, 3*time.Second, p)
	assert.True(t, status.Signalled)
}

func TestCloseWithoutReadingOutput(t *testing.T) {
	// Enough output to fill both the channel and the pipe buffer.
	inv := script(t, "i=0\nwhile [ $i -lt 20000 ]; do echo line $i; i=$((i+1)); done\nexec sleep 30\n")

	p, err := Start(context.Background(), inv, WithGrace(500*time.Millisecond))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	<-p.Exited()
}

// ============================================================================
// Run
// ============================================================================

func TestRun(t *testing.T) {
	inv := script(t, "echo hello\nexit 0\n")

	var got []string
	status, err := Run(context.Background(), inv, func(p *Process) error {
		for l := range p.Lines() {
			got = append(got, l.Text)
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, status.Success())
	assert.Equal(t, []string{"hello"}, got)
}

func TestRunCallbackErrorStopsProcess(t *testing.T) {
	inv := script(t, "echo go\nexec sleep 30\n")
	boom := errors.New("boom")

	status, err := Run(context.Background(), inv, func(p *Process) error {
		<-p.Lines()
		return boom
	}, WithGrace(time.Second))

	assert.ErrorIs(t, err, boom)
	assert.True(t, status.Signalled)
}
