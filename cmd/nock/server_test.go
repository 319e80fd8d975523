package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-nock/internal/config"
	"github.com/23skdu/longbow-nock/internal/engine"
	"github.com/23skdu/longbow-nock/internal/sampler"
)

func newTestServer(t *testing.T, variant string, maxConcurrent int) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Variant = variant
	cfg.Sessions.Dir = t.TempDir()
	rt, err := Build(cfg)
	require.NoError(t, err)
	t.Cleanup(rt.Close)

	srv := NewServer(rt.Manager, rt.Vocoder, maxConcurrent)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func readEvents(t *testing.T, resp *http.Response) []Event {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var events []Event
	dec := json.NewDecoder(resp.Body)
	for {
		var ev Event
		err := dec.Decode(&ev)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t, "text", 4)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "OK", string(body))
}

func TestServer_Generate(t *testing.T) {
	_, ts := newTestServer(t, "text", 4)

	events := readEvents(t, postJSON(t, ts.URL+"/generate", GenerateRequest{
		Session: "alpha",
		Request: engine.Request{Text: "lorem ipsum dolor", MaxNewTokens: 5},
	}))
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.True(t, last.Final)
	assert.NotEmpty(t, last.State)
	assert.Empty(t, last.Error)

	total := 0
	for _, ev := range events {
		assert.Equal(t, "alpha", ev.Session)
		total += len(ev.Tokens)
	}
	assert.LessOrEqual(t, total, 5)

	// CBOR bodies are accepted too.
	body, err := cbor.Marshal(GenerateRequest{
		Session:  "beta",
		Sampling: &sampler.Config{MinNewTokens: 1 << 20},
		Request:  engine.Request{TokenIDs: []int{5, 6, 7}, MaxNewTokens: 4},
	})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/generate", cborContentType, bytes.NewReader(body))
	require.NoError(t, err)
	events = readEvents(t, resp)
	last = events[len(events)-1]
	assert.True(t, last.Final)
	assert.Equal(t, "stopped_max_len", last.State)
	total = 0
	for _, ev := range events {
		total += len(ev.Tokens)
	}
	assert.Equal(t, 4, total)
}

func TestServer_GenerateErrors(t *testing.T) {
	srv, ts := newTestServer(t, "text", 1)

	resp, err := http.Post(ts.URL+"/generate", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// A fresh session has nothing to continue from.
	resp = postJSON(t, ts.URL+"/generate", GenerateRequest{Session: "empty"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Images need the multimodal variant.
	resp = postJSON(t, ts.URL+"/generate", GenerateRequest{
		Session: "empty",
		Request: engine.Request{Text: "lorem", Images: []engine.Image{{Offset: 0, Rows: make([]float32, 16)}}},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Longer than the largest tier.
	ids := make([]int, 100)
	for i := range ids {
		ids[i] = 6
	}
	resp = postJSON(t, ts.URL+"/generate", GenerateRequest{Session: "empty", Request: engine.Request{TokenIDs: ids}})
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	require.True(t, srv.sem.TryAcquire(1))
	resp = postJSON(t, ts.URL+"/generate", GenerateRequest{Session: "empty", Request: engine.Request{Text: "lorem"}})
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	srv.sem.Release(1)
}

func TestServer_Sessions(t *testing.T) {
	_, ts := newTestServer(t, "context", 4)

	readEvents(t, postJSON(t, ts.URL+"/generate", GenerateRequest{
		Session:      "ctx",
		SystemPrompt: "lorem ipsum",
		Request:      engine.Request{Text: "dolor sit amet", MaxNewTokens: 3},
	}))

	resp, err := http.Get(ts.URL + "/sessions")
	require.NoError(t, err)
	var list struct {
		Sessions []string `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Equal(t, []string{"ctx"}, list.Sessions)

	action := func(path string) (int, map[string]any) {
		resp, err := http.Post(ts.URL+path, "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		if resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		}
		return resp.StatusCode, body
	}

	code, _ := action("/sessions/ctx/save")
	assert.Equal(t, http.StatusOK, code)

	code, body := action("/sessions/ctx/restore")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["restored"])

	code, _ = action("/sessions/ctx/reset")
	assert.Equal(t, http.StatusOK, code)
	code, _ = action("/sessions/ctx/stop")
	assert.Equal(t, http.StatusOK, code)

	code, _ = action("/sessions/ghost/save")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = action("/sessions/ctx/rewind")
	assert.Equal(t, http.StatusNotFound, code)

	del := func() int {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/sessions/ctx", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusNoContent, del())
	assert.Equal(t, http.StatusNotFound, del())
}

func TestServer_SaveUnsupported(t *testing.T) {
	_, ts := newTestServer(t, "text", 4)
	readEvents(t, postJSON(t, ts.URL+"/generate", GenerateRequest{
		Session: "plain",
		Request: engine.Request{Text: "lorem", MaxNewTokens: 2},
	}))
	resp, err := http.Post(ts.URL+"/sessions/plain/save", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Speech(t *testing.T) {
	_, ts := newTestServer(t, "speech", 4)

	events := readEvents(t, postJSON(t, ts.URL+"/generate", GenerateRequest{
		Session:  "voice",
		Sampling: &sampler.Config{MinNewTokens: 1 << 20},
		Request:  engine.Request{Text: "lorem ipsum", MaxNewTokens: 30},
	}))

	samples, tokens := 0, 0
	var final *Event
	for i := range events {
		samples += len(events[i].Samples)
		tokens += len(events[i].Tokens)
		if events[i].Final {
			final = &events[i]
		}
	}
	require.NotNil(t, final)
	assert.Equal(t, "stopped_max_len", final.State)
	assert.Equal(t, 30, tokens)
	// Two windows (25 tokens, then the final 5) overlap by one fade length.
	assert.Equal(t, 30*960-480, samples)
}

func TestServer_Metrics(t *testing.T) {
	_, ts := newTestServer(t, "text", 4)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	resp, err = http.Get(ts.URL + "/sessions")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "nock_http_requests_total")
}
