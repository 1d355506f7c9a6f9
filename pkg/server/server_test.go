package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gantryci/gantry/pkg/config"
	"github.com/gantryci/gantry/pkg/engine"
	"github.com/gantryci/gantry/pkg/registry"
	"github.com/gantryci/gantry/pkg/server"
	"github.com/gantryci/gantry/pkg/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const ciWorkflow = `
workflow("ci", on_push = {"paths_ignore": ["*.md"]})

def configure():
    job(name = "build", steps = ["echo built > result.txt"])
`

type serverEnv struct {
	srv    *server.Server
	store  *registry.Store
	cfg    *config.Config
	runner *engine.Runner
	wf     *workflow.Workflow
	root   string
}

func newServerEnv(t *testing.T, script string) *serverEnv {
	t.Helper()

	root := t.TempDir()
	store, err := registry.Open(filepath.Join(root, ".gantry"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	filename := filepath.Join(root, workflow.DefaultFile)
	require.NoError(t, os.WriteFile(filename, []byte(script), 0o600))

	wf, _, err := workflow.Load(context.Background(), filename, root, nil, true)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Store = filepath.Join(root, ".gantry")
	cfg.Dist = "dist"
	cfg.Runner.Workers = 1
	cfg.HTTP.Queue = 4

	output := &bytes.Buffer{}
	runner := &engine.Runner{Store: store, Config: cfg, Stdout: output, Stderr: output}

	return &serverEnv{
		srv:    server.New(cfg, store, runner, wf),
		store:  store,
		cfg:    cfg,
		runner: runner,
		wf:     wf,
		root:   root,
	}
}

type deliveryAck struct {
	Delivery string `json:"delivery"`
	Queued   bool   `json:"queued"`
	Matched  bool   `json:"matched"`
	Reason   string `json:"reason"`
}

func postEvent(t *testing.T, client *http.Client, url, payload string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest("POST", url+"/events", strings.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body := bytes.Buffer{}
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, body.Bytes()
}

func TestHealth(t *testing.T) {
	env := newServerEnv(t, ciWorkflow)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestRunEndpoints(t *testing.T) {
	env := newServerEnv(t, ciWorkflow)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	past := time.Now().Add(-time.Hour)
	older := &registry.Run{
		ID: "run-1", Workflow: "ci", Trigger: "manual",
		Status: registry.StatusPassed, StartedAt: past, FinishedAt: past.Add(time.Minute),
	}
	newer := &registry.Run{
		ID: "run-2", Workflow: "ci", Trigger: "push", Ref: "main",
		Status: registry.StatusFailed, StartedAt: past.Add(30 * time.Minute), FinishedAt: past.Add(31 * time.Minute),
	}
	require.NoError(t, env.store.PutRun(context.Background(), older))
	require.NoError(t, env.store.PutRun(context.Background(), newer))

	resp, err := ts.Client().Get(ts.URL + "/runs")
	require.NoError(t, err)
	var runs []*registry.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	resp.Body.Close()
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, "run-1", runs[1].ID)

	resp, err = ts.Client().Get(ts.URL + "/runs?limit=1")
	require.NoError(t, err)
	runs = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	resp.Body.Close()
	require.Len(t, runs, 1)
	assert.Equal(t, "run-2", runs[0].ID)

	resp, err = ts.Client().Get(ts.URL + "/runs?limit=soon")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = ts.Client().Get(ts.URL + "/runs/run-1")
	require.NoError(t, err)
	var run registry.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	resp.Body.Close()
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, registry.StatusPassed, run.Status)

	resp, err = ts.Client().Get(ts.URL + "/runs/ghost")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventValidation(t *testing.T) {
	env := newServerEnv(t, ciWorkflow)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, _ := postEvent(t, ts.Client(), ts.URL, "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postEvent(t, ts.Client(), ts.URL, `{"kind": "push"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := postEvent(t, ts.Client(), ts.URL, `{"kind": "push", "ref": "refs/heads/main"}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ack deliveryAck
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.True(t, ack.Queued)
	assert.True(t, ack.Matched)
	assert.NotEmpty(t, ack.Delivery)

	// documentation-only pushes are still queued; the preview flags them
	resp, body = postEvent(t, ts.Client(), ts.URL,
		`{"kind": "push", "ref": "refs/heads/main", "changed_paths": ["README.md"]}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.True(t, ack.Queued)
	assert.False(t, ack.Matched)
	assert.NotEmpty(t, ack.Reason)
}

func TestSignatures(t *testing.T) {
	signed := server.Sign("hush", []byte("payload"))
	assert.True(t, strings.HasPrefix(signed, "sha256="))

	assert.NoError(t, server.VerifySignature("", []byte("payload"), ""))
	assert.NoError(t, server.VerifySignature("hush", []byte("payload"), signed))
	assert.Error(t, server.VerifySignature("hush", []byte("payload"), ""))
	assert.Error(t, server.VerifySignature("hush", []byte("tampered"), signed))

	env := newServerEnv(t, ciWorkflow)
	env.cfg.HTTP.WebhookSecret = "hush"
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	payload := `{"kind": "push", "ref": "refs/heads/main"}`

	resp, _ := postEvent(t, ts.Client(), ts.URL, payload, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = postEvent(t, ts.Client(), ts.URL, payload, map[string]string{
		server.SignatureHeader: "sha256=0000",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = postEvent(t, ts.Client(), ts.URL, payload, map[string]string{
		server.SignatureHeader: server.Sign("hush", []byte(payload)),
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestQueueFull(t *testing.T) {
	env := newServerEnv(t, ciWorkflow)
	env.cfg.HTTP.Queue = 1
	srv := server.New(env.cfg, env.store, env.runner, env.wf)

	// no consumer is draining the queue here
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	payload := `{"kind": "push", "ref": "refs/heads/main"}`
	resp, _ := postEvent(t, ts.Client(), ts.URL, payload, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = postEvent(t, ts.Client(), ts.URL, payload, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServeExecutesDeliveries(t *testing.T) {
	env := newServerEnv(t, ciWorkflow)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- env.srv.Serve(ctx, listener) }()

	client := &http.Client{}
	defer client.CloseIdleConnections()
	base := "http://" + listener.Addr().String()

	resp, _ := postEvent(t, client, base,
		`{"kind": "push", "ref": "refs/heads/main", "changed_paths": ["pipeline.py"]}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	runs := waitForRuns(t, env.store, 1)
	assert.Equal(t, registry.StatusPassed, runs[0].Status)
	assert.Equal(t, "push", runs[0].Trigger)
	assert.Equal(t, "main", runs[0].Ref)
	assert.FileExists(t, filepath.Join(env.root, "result.txt"))

	// a documentation-only push lands in the history as skipped
	resp, body := postEvent(t, client, base,
		`{"kind": "push", "ref": "refs/heads/main", "changed_paths": ["docs/usage.md"]}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ack deliveryAck
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.False(t, ack.Matched)

	runs = waitForRuns(t, env.store, 2)
	assert.Equal(t, registry.StatusSkipped, runs[0].Status)
	assert.NotEmpty(t, runs[0].Reason)

	cancel()
	require.NoError(t, <-serveDone)
}

// waitForRuns polls the store until the queue consumer has recorded the
// expected number of runs.
func waitForRuns(t *testing.T, store *registry.Store, count int) []*registry.Run {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		runs, err := store.ListRuns(context.Background(), 0)
		require.NoError(t, err)
		if len(runs) >= count {
			return runs
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %d runs", count)
	return nil
}
