package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevecastle/grabq/auth"
	"github.com/stevecastle/grabq/engine"
	"github.com/stevecastle/grabq/history"
	"github.com/stevecastle/grabq/jobqueue"
	"github.com/stevecastle/grabq/procrunner"
	"github.com/stevecastle/grabq/runners"
)

// ============================================================================
// Helpers
// ============================================================================

// blockingLauncher holds every job in FetchingInfo until it is cancelled.
type blockingLauncher struct{}

func (blockingLauncher) Start(ctx context.Context, inv engine.Invocation) (runners.Process, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// missingLauncher fails every launch.
type missingLauncher struct{}

func (missingLauncher) Start(ctx context.Context, inv engine.Invocation) (runners.Process, error) {
	return nil, &procrunner.LaunchError{Path: inv.Path, Err: engine.ErrNotFound}
}

type fakeProber struct {
	mu        sync.Mutex
	info      *engine.Info
	err       error
	locateErr error
	got       string
}

func (p *fakeProber) Probe(ctx context.Context, path, url, cookies string) (*engine.Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = url
	return p.info, p.err
}

func (p *fakeProber) locate(string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.locateErr != nil {
		return "", p.locateErr
	}
	return "/usr/bin/yt-dlp", nil
}

func (p *fakeProber) set(fn func(p *fakeProber)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

type testEnv struct {
	srv     *httptest.Server
	sched   *runners.Scheduler
	history history.Store
	prober  *fakeProber
	server  *Server
}

func setup(t *testing.T, launcher runners.Launcher, a *auth.AuthService) *testEnv {
	t.Helper()
	store, err := history.Open(history.BackendJSONL, filepath.Join(t.TempDir(), "history.jsonl"))
	require.NoError(t, err)
	sched := runners.New(runners.Config{MaxConcurrency: 1}, runners.WithLauncher(launcher), runners.WithHistory(store))
	prober := &fakeProber{}
	s := New(Deps{Scheduler: sched, History: store, Auth: a, Prober: prober})
	s.locate = prober.locate
	srv := httptest.NewServer(s.Handler())

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
		store.Close()
	})
	return &testEnv{srv: srv, sched: sched, history: store, prober: prober, server: s}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeErr(t *testing.T, data []byte) apiError {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(data, &body))
	return body.Error
}

// ============================================================================
// Job Endpoints
// ============================================================================

func TestSubmitGetListCancel(t *testing.T) {
	env := setup(t, blockingLauncher{}, nil)

	resp, data := env.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"url":     "https://example.com/v1",
		"options": map[string]any{"format": "best"},
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var snap jobqueue.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "https://example.com/v1", snap.SourceURL)
	assert.Equal(t, "best", snap.Options.Format)
	assert.Equal(t, "/api/jobs/"+snap.ID, resp.Header.Get("Location"))

	resp, data = env.do(t, http.MethodGet, "/api/jobs/"+snap.ID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got jobqueue.Snapshot
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, snap.ID, got.ID)

	resp, data = env.do(t, http.MethodGet, "/api/jobs?status=fetching_info,queued", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Jobs []jobqueue.Snapshot `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Jobs, 1)

	resp, data = env.do(t, http.MethodDelete, "/api/jobs/"+snap.ID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, jobqueue.StatusCancelled, got.Status)

	require.Eventually(t, func() bool {
		recs, err := env.history.List(context.Background(), history.Filter{})
		return err == nil && len(recs) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSubmitOptionsOverrideDefaults(t *testing.T) {
	env := setup(t, blockingLauncher{}, nil)
	env.sched.SetDefaults(engine.Options{Subtitles: []string{"en"}, Thumbnail: engine.Bool(true)})

	resp, data := env.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"url":     "https://example.com/plain",
		"options": map[string]any{"format": "best", "subtitles": []string{}, "thumbnail": false},
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var snap jobqueue.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Empty(t, snap.Options.Subtitles)
	assert.False(t, snap.Options.WantThumbnail())

	resp, data = env.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"url":     "https://example.com/inherit",
		"options": map[string]any{"format": "best"},
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, []string{"en"}, snap.Options.Subtitles)
	assert.True(t, snap.Options.WantThumbnail())
}

func TestJobErrors(t *testing.T) {
	env := setup(t, blockingLauncher{}, nil)

	resp, data := env.do(t, http.MethodGet, "/api/jobs/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, decodeErr(t, data).Code)

	resp, _ = env.do(t, http.MethodDelete, "/api/jobs/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, data = env.do(t, http.MethodPost, "/api/jobs", map[string]any{"url": "  "}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeInvalidRequest, decodeErr(t, data).Code)

	// The engine path is not a client option.
	resp, data = env.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"url":     "https://example.com/v",
		"options": map[string]any{"enginePath": "/bin/sh"},
	}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeErr(t, data).Message, "bad json")

	resp, _ = env.do(t, http.MethodGet, "/api/jobs?status=bogus", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = env.do(t, http.MethodGet, "/nowhere", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, decodeErr(t, data).Code)
}

func TestLaunchFailureVisibleOverAPI(t *testing.T) {
	env := setup(t, missingLauncher{}, nil)

	resp, data := env.do(t, http.MethodPost, "/api/jobs", map[string]any{"url": "https://example.com/v"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var snap jobqueue.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))

	require.Eventually(t, func() bool {
		_, data := env.do(t, http.MethodGet, "/api/jobs/"+snap.ID, nil, "")
		var got jobqueue.Snapshot
		return json.Unmarshal(data, &got) == nil && got.Status == jobqueue.StatusFailed &&
			got.Error != nil && got.Error.Kind == jobqueue.KindLaunch
	}, 3*time.Second, 10*time.Millisecond)
}

func TestConcurrencyEndpoint(t *testing.T) {
	env := setup(t, blockingLauncher{}, nil)

	resp, data := env.do(t, http.MethodPut, "/api/concurrency", map[string]any{"max": 0}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeInvalidRequest, decodeErr(t, data).Code)

	resp, data = env.do(t, http.MethodPut, "/api/concurrency", map[string]any{"max": 3}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats runners.Stats
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, 3, stats.MaxConcurrency)

	resp, _ = env.do(t, http.MethodPost, "/api/concurrency", map[string]any{"max": 3}, "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

// ============================================================================
// History / Info / Health
// ============================================================================

func TestHistoryEndpoint(t *testing.T) {
	env := setup(t, blockingLauncher{}, nil)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, st := range []jobqueue.Status{jobqueue.StatusCompleted, jobqueue.StatusFailed, jobqueue.StatusCompleted} {
		require.NoError(t, env.history.Record(ctx, history.Record{
			JobID:       string(rune('a' + i)),
			SourceURL:   "https://example.com/" + string(rune('a'+i)),
			FinalStatus: st,
			FinishedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	resp, data := env.do(t, http.MethodGet, "/api/history?status=completed&limit=1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Records []history.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	require.Len(t, body.Records, 1)
	assert.Equal(t, "c", body.Records[0].JobID)

	resp, data = env.do(t, http.MethodGet, "/api/history?since="+base.Add(30*time.Second).Format(time.RFC3339), nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Len(t, body.Records, 2)

	resp, data = env.do(t, http.MethodGet, "/api/history?q=EXAMPLE.com/b", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &body))
	require.Len(t, body.Records, 1)
	assert.Equal(t, "b", body.Records[0].JobID)

	resp, data = env.do(t, http.MethodGet, "/api/history/stats", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats history.Stats
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, history.Stats{Total: 3, Completed: 2, Failed: 1}, stats)

	resp, _ = env.do(t, http.MethodGet, "/api/history?since=yesterday", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/api/history?limit=-4", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/api/history?url=%5B", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInfoEndpoint(t *testing.T) {
	env := setup(t, blockingLauncher{}, nil)
	env.prober.set(func(p *fakeProber) {
		p.info = &engine.Info{
			ID:        "abc",
			Title:     "A clip",
			Subtitles: map[string][]engine.Subtitle{"en": {{Ext: "vtt"}}},
		}
	})

	resp, data := env.do(t, http.MethodGet, "/api/info?url=https://example.com/watch", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var body struct {
		ID                string   `json:"id"`
		Title             string   `json:"title"`
		SubtitleLanguages []string `json:"subtitleLanguages"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "abc", body.ID)
	assert.Equal(t, []string{"en"}, body.SubtitleLanguages)
	env.prober.set(func(p *fakeProber) {
		assert.Equal(t, "https://example.com/watch", p.got)
		p.err = &engine.ProbeError{Kind: engine.ProbePrivate, Message: "ERROR: Private video"}
	})
	resp, data = env.do(t, http.MethodGet, "/api/info?url=https://example.com/private", nil, "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, string(engine.ProbePrivate), decodeErr(t, data).Code)

	resp, _ = env.do(t, http.MethodGet, "/api/info", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env.prober.set(func(p *fakeProber) { p.locateErr = engine.ErrNotFound })
	resp, data = env.do(t, http.MethodGet, "/api/info?url=https://example.com/watch", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, CodeEngineMissing, decodeErr(t, data).Code)
}

func TestHealth(t *testing.T) {
	env := setup(t, blockingLauncher{}, nil)
	resp, data := env.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"status":"ok"`)
	assert.Contains(t, string(data), `"maxConcurrency":1`)
}

// ============================================================================
// Auth
// ============================================================================

func TestAuthRequiredWhenPasswordSet(t *testing.T) {
	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)
	env := setup(t, blockingLauncher{}, auth.NewAuthService(hash, "jwt-secret"))

	resp, data := env.do(t, http.MethodGet, "/api/jobs", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, CodeUnauthorized, decodeErr(t, data).Code)

	resp, _ = env.do(t, http.MethodGet, "/api/jobs", nil, "garbage")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/login", map[string]string{"password": "wrong"}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, data = env.do(t, http.MethodPost, "/api/login", map[string]string{"password": "s3cret"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(data, &login))
	require.NotEmpty(t, login.Token)

	resp, _ = env.do(t, http.MethodGet, "/api/jobs", nil, login.Token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/jobs?token="+login.Token, nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays public.
	resp, _ = env.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginDisabledWithoutPassword(t *testing.T) {
	env := setup(t, blockingLauncher{}, nil)
	resp, _ := env.do(t, http.MethodPost, "/api/login", map[string]string{"password": "x"}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ============================================================================
// Events
// ============================================================================

func TestEventsStreamJobState(t *testing.T) {
	env := setup(t, blockingLauncher{}, nil)

	resp, err := http.Get(env.srv.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.sched.Bus().Stats().Subscribers == 1 }, 2*time.Second, 10*time.Millisecond)

	id, err := env.sched.Submit("https://example.com/live", engine.Options{})
	require.NoError(t, err)

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, id) {
			assert.Contains(t, line, `"type":"state"`)
			return
		}
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestServeStopsOnCancel(t *testing.T) {
	env := setup(t, blockingLauncher{}, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8765/", URL("", 8765))
	assert.Equal(t, "http://127.0.0.1:80/", URL("0.0.0.0", 80))
	assert.Equal(t, "http://[::1]:9000/", URL("::1", 9000))
}
