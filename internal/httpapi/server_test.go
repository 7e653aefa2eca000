package httpapi

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/stroop/internal/config"
	"github.com/antoniostano/stroop/internal/display"
	"github.com/antoniostano/stroop/internal/marker"
	"github.com/antoniostano/stroop/internal/observability"
	"github.com/antoniostano/stroop/internal/protocol"
	"github.com/antoniostano/stroop/internal/results"
	"github.com/antoniostano/stroop/internal/session"
	"github.com/antoniostano/stroop/internal/stimulus"
	"github.com/antoniostano/stroop/internal/task"
)

type fakeRunner struct {
	sessions *session.Manager
	startErr error

	mu      sync.Mutex
	started []session.RunRequest
	aborted []string
}

func (f *fakeRunner) Start(_ context.Context, req session.RunRequest) (*session.Session, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.mu.Lock()
	f.started = append(f.started, req)
	f.mu.Unlock()
	s, err := f.sessions.Create(session.CreateRequest{ParticipantID: req.ParticipantID, BlockNr: req.BlockNr})
	if err != nil {
		return nil, err
	}
	if err := f.sessions.MarkRunning(s.ID); err != nil {
		return nil, err
	}
	return f.sessions.Get(s.ID)
}

func (f *fakeRunner) Abort(sessionID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, sessionID+":"+reason)
	return nil
}

type testEnv struct {
	srv      *httptest.Server
	sessions *session.Manager
	runner   *fakeRunner
	store    *results.InMemoryStore
	hub      *marker.Hub
	browser  *display.Browser
	metrics  *observability.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	sessions := session.NewManager(time.Minute)
	env := &testEnv{
		sessions: sessions,
		runner:   &fakeRunner{sessions: sessions},
		store:    results.NewInMemoryStore(),
		hub:      marker.NewHub(nil),
		browser:  display.NewBrowser(nil, nil),
		metrics:  observability.NewMetricsWith(reg, "test"),
	}
	api := New(config.Config{Language: "english", FrameRate: 60}, Deps{
		Sessions: sessions,
		Runner:   env.runner,
		Store:    env.store,
		Markers:  env.hub,
		Display:  env.browser,
		Metrics:  env.metrics,
		Gatherer: reg,
	})
	env.srv = httptest.NewServer(api.Router())
	t.Cleanup(func() {
		env.srv.Close()
		env.hub.Close()
	})
	return env
}

func (e *testEnv) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	return res, decodeBody(t, res.Body)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	res, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, raw
}

func decodeBody(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	var out map[string]any
	raw, err := io.ReadAll(r)
	require.NoError(t, err)
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	return out
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
}

func TestCreateBlockAndLookup(t *testing.T) {
	env := newTestEnv(t)

	res, created := env.post(t, "/v1/blocks", `{"participant_id":"p-7","block_nr":2,"n_trials":12,"random_wait":true}`)
	require.Equal(t, http.StatusCreated, res.StatusCode, "body: %v", created)
	id, _ := created["session_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "running", created["status"])

	env.runner.mu.Lock()
	req := env.runner.started[0]
	env.runner.mu.Unlock()
	assert.Equal(t, 12, req.Trials)
	assert.True(t, req.RandomWait)

	getRes, raw := env.get(t, "/v1/blocks/"+id)
	require.Equal(t, http.StatusOK, getRes.StatusCode)
	assert.Contains(t, string(raw), `"participant_id":"p-7"`)

	listRes, raw := env.get(t, "/v1/blocks")
	require.Equal(t, http.StatusOK, listRes.StatusCode)
	assert.Contains(t, string(raw), id)

	busyRes, busy := env.post(t, "/v1/blocks", `{"participant_id":"p-8"}`)
	assert.Equal(t, http.StatusConflict, busyRes.StatusCode)
	assert.Equal(t, "busy", busy["code"])

	missing, _ := env.get(t, "/v1/blocks/nope")
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestCreateBlockDefaultsAndValidation(t *testing.T) {
	env := newTestEnv(t)

	res, body := env.post(t, "/v1/blocks", `{"participant":"typo"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid_request", body["code"])

	res, body = env.post(t, "/v1/blocks", "")
	require.Equal(t, http.StatusCreated, res.StatusCode, "body: %v", body)
	assert.Equal(t, "anonymous", body["participant_id"])

	env.runner.startErr = fmt.Errorf("%w: n_trials=7", task.ErrInvalidConfiguration)
	res, body = env.post(t, "/v1/blocks", `{"n_trials":7}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid_configuration", body["code"])
}

func TestAbortBlock(t *testing.T) {
	env := newTestEnv(t)
	_, created := env.post(t, "/v1/blocks", `{"participant_id":"p-1"}`)
	id := created["session_id"].(string)

	res, body := env.post(t, "/v1/blocks/"+id+"/abort", `{"reason":"participant unwell"}`)
	require.Equal(t, http.StatusAccepted, res.StatusCode, "body: %v", body)
	env.runner.mu.Lock()
	assert.Equal(t, []string{id + ":participant unwell"}, env.runner.aborted)
	env.runner.mu.Unlock()

	_, err := env.sessions.Finish(id, session.StatusAborted, "", nil)
	require.NoError(t, err)
	res, body = env.post(t, "/v1/blocks/"+id+"/abort", "")
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "block_finished", body["code"])

	res, _ = env.post(t, "/v1/blocks/unknown/abort", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestBlockResultAndCSV(t *testing.T) {
	env := newTestEnv(t)
	_, created := env.post(t, "/v1/blocks", `{"participant_id":"p/1"}`)
	id := created["session_id"].(string)

	res, raw := env.get(t, "/v1/blocks/"+id+"/result")
	require.Equal(t, http.StatusConflict, res.StatusCode, "body: %s", raw)

	rec := results.BlockRecord{
		ID:            id,
		SessionID:     id,
		ParticipantID: "p/1",
		BlockNr:       0,
		Focus:         "color",
		StartedAt:     time.Now().UTC(),
		EndedAt:       time.Now().UTC(),
		Trials: []results.TrialRecord{
			{Trial: 0, Condition: "congruent", TopWord: "red", TopColor: "red", Bottom: "red", Match: true, Response: "RIGHT", LatencyMS: 512.5, Correct: true},
		},
	}
	require.NoError(t, env.store.SaveBlock(context.Background(), rec))
	_, err := env.sessions.Finish(id, session.StatusCompleted, id, nil)
	require.NoError(t, err)

	res, raw = env.get(t, "/v1/blocks/"+id+"/result")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var got results.BlockRecord
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Len(t, got.Trials, 1)

	res, raw = env.get(t, "/v1/blocks/"+id+"/reactions.csv")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/csv; charset=utf-8", res.Header.Get("Content-Type"))
	assert.Contains(t, res.Header.Get("Content-Disposition"), `stroop_p_1_block0.csv`)
	rows, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "512.500", rows[1][10])

	res, raw = env.get(t, "/v1/results?participant_id=p/1")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(raw), id)

	res, _ = env.get(t, "/v1/results?limit=zero")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = env.get(t, "/v1/blocks/unknown/result")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestMarkersWebSocketStreamsSamples(t *testing.T) {
	env := newTestEnv(t)
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL("/v1/markers/ws"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	at := time.Unix(1700000000, 123456000)
	require.NoError(t, env.hub.Push(marker.Sample{Seq: 4, Code: 2, Label: marker.LabelStartTrial, At: at}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.Marker
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, protocol.TypeMarker, msg.Type)
	assert.Equal(t, uint64(4), msg.Seq)
	assert.Equal(t, 2, msg.Code)
	assert.Equal(t, marker.LabelStartTrial, msg.Label)
	assert.Equal(t, at.UnixMicro(), msg.TSUs)

	conn.Close()
	require.Eventually(t, func() bool { return env.hub.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestDisplayWebSocketFramesAndKeys(t *testing.T) {
	env := newTestEnv(t)
	env.browser.Show(stimulus.Handle{Kind: stimulus.KindFixation, Text: "+", Color: stimulus.White, Slot: stimulus.SlotCenter})

	keys := make(chan task.KeyEvent, 4)
	env.browser.SetInput(func(ev task.KeyEvent) { keys <- ev })

	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL("/v1/display/ws"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var frame protocol.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, protocol.TypeFrame, frame.Type)
	require.Len(t, frame.Items, 1)
	assert.Equal(t, "+", frame.Items[0].Text)

	require.NoError(t, conn.WriteJSON(protocol.KeyEvent{Type: protocol.TypeKeyEvent, Key: "ArrowDown", Action: "release"}))
	select {
	case ev := <-keys:
		assert.Equal(t, task.KeyDown, ev.Key)
		assert.Equal(t, task.Release, ev.Action)
		assert.False(t, ev.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatalf("key event was not routed to the display input")
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio_chunk"}`)))
	var errEvent protocol.ErrorEvent
	require.NoError(t, conn.ReadJSON(&errEvent))
	assert.Equal(t, protocol.TypeErrorEvent, errEvent.Type)
	assert.Equal(t, "invalid_client_message", errEvent.Code)

	env.browser.Close()
	var closed protocol.DisplayClosed
	require.NoError(t, conn.ReadJSON(&closed))
	assert.Equal(t, protocol.TypeDisplayClosed, closed.Type)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(env.wsURL("/v1/display/ws"), header)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestUIRoutes(t *testing.T) {
	env := newTestEnv(t)
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	rootRes, err := client.Get(env.srv.URL + "/")
	require.NoError(t, err)
	defer rootRes.Body.Close()
	assert.Equal(t, http.StatusTemporaryRedirect, rootRes.StatusCode)
	assert.Equal(t, "/ui/", rootRes.Header.Get("Location"))

	uiRes, raw := env.get(t, "/ui/")
	require.Equal(t, http.StatusOK, uiRes.StatusCode)
	assert.Contains(t, string(raw), `id="stage"`)
}

func TestDisplaySettings(t *testing.T) {
	env := newTestEnv(t)
	res, raw := env.get(t, "/v1/display/settings")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var got displaySettingsResponse
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "english", got.Language)
	assert.Equal(t, 36, got.FontSize)
	assert.Equal(t, 60, got.FrameRate)

	res, _ = env.get(t, "/v1/display/settings?language=klingon")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestPerfReactionsAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.metrics.ObserveReaction("incongruent", "LEFT", 700*time.Millisecond)

	res, raw := env.get(t, "/v1/perf/reactions")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var snap observability.ReactionSnapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.Len(t, snap.Conditions, 1)
	assert.Equal(t, "incongruent", snap.Conditions[0].Condition)

	res, raw = env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(raw), "test_reaction_latency_seconds")
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)
	res, raw := env.get(t, "/healthz")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(raw), `"status":"ok"`)

	res, raw = env.get(t, "/readyz")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(raw), `"store_mode":"in-memory"`)

	bare := httptest.NewServer(New(config.Config{}, Deps{Sessions: session.NewManager(time.Minute)}).Router())
	defer bare.Close()
	notReady, err := http.Get(bare.URL + "/readyz")
	require.NoError(t, err)
	defer notReady.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, notReady.StatusCode)
}
