package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/antoniostano/stroop/internal/display"
	"github.com/antoniostano/stroop/internal/marker"
	"github.com/antoniostano/stroop/internal/observability"
	"github.com/antoniostano/stroop/internal/results"
	"github.com/antoniostano/stroop/internal/schedule"
	"github.com/antoniostano/stroop/internal/session"
	"github.com/antoniostano/stroop/internal/task"
)

type runnerEnv struct {
	runner   *Runner
	clock    *schedule.FakeClock
	surface  *display.Headless
	recorder *marker.Recorder
	store    *results.InMemoryStore
	sessions *session.Manager
	metrics  *observability.Metrics
}

func newRunnerEnv(t *testing.T, backend string) *runnerEnv {
	t.Helper()
	clock := schedule.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	logger := zaptest.NewLogger(t)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	rec := &marker.Recorder{}
	writer, err := marker.NewWriter(marker.Options{Clock: clock}, rec, nil, logger, metrics)
	require.NoError(t, err)

	env := &runnerEnv{
		clock:    clock,
		surface:  display.NewHeadless(logger),
		recorder: rec,
		store:    results.NewInMemoryStore(),
		sessions: session.NewManager(time.Hour),
		metrics:  metrics,
	}
	env.runner = NewRunner(RunnerConfig{
		Backend:       backend,
		LogicInterval: 200 * time.Microsecond,
		Clock:         clock,
	}, env.surface, writer, env.store, env.sessions, metrics, logger)
	return env
}

// press delivers a key through the surface the way a participant would.
func (e *runnerEnv) press(t *testing.T, key task.Key) {
	t.Helper()
	require.True(t, e.surface.Press(task.KeyEvent{Key: key, Action: task.Press, At: e.clock.Now()}), "no block accepts input")
}

// runToEnd advances the fake clock until the block of id ends.
func (e *runnerEnv) runToEnd(t *testing.T, id string, step time.Duration, each func()) results.BlockRecord {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		if _, done := e.runner.Result(id); done {
			rec, err := e.runner.Wait(context.Background(), id)
			require.NoError(t, err)
			return rec
		}
		if each != nil {
			each()
		}
		e.clock.Advance(step)
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("block %s did not end", id)
	return results.BlockRecord{}
}

func seed(v uint64) *uint64 { return &v }

func TestRunnerRejectsInvalidRequestWithoutSideEffects(t *testing.T) {
	env := newRunnerEnv(t, display.BackendHeadless)

	cases := []session.RunRequest{
		{ParticipantID: "p1", Trials: 7},
		{ParticipantID: "p1", Trials: 6, Focus: "shape"},
		{ParticipantID: "p1", Trials: 6, Language: "../etc"},
		{ParticipantID: "p1", Trials: 6, BlockNr: -1},
		{ParticipantID: "jane.doe@example.org", Trials: 6},
	}
	for _, req := range cases {
		_, err := env.runner.Start(context.Background(), req)
		require.ErrorIs(t, err, task.ErrInvalidConfiguration, "request %+v", req)
	}

	require.Empty(t, env.sessions.List())
	require.Empty(t, env.recorder.Samples())
	require.Empty(t, env.surface.Frames())
	require.False(t, env.surface.Press(task.KeyEvent{Key: task.KeySpace, Action: task.Press}))
}

func TestRunnerTerminalRejectsReadyGate(t *testing.T) {
	env := newRunnerEnv(t, display.BackendTerminal)

	_, err := env.runner.Start(context.Background(), session.RunRequest{ParticipantID: "p1", Trials: 6})
	require.ErrorIs(t, err, display.ErrNoKeyRelease)
	require.ErrorIs(t, err, task.ErrInvalidConfiguration)
	require.Empty(t, env.sessions.List())
}

func TestRunnerAbortDuringInstructions(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newRunnerEnv(t, display.BackendHeadless)

	sess, err := env.runner.Start(context.Background(), session.RunRequest{
		ParticipantID: "p1", BlockNr: 2, Trials: 6, Seed: seed(42),
	})
	require.NoError(t, err)
	require.Equal(t, session.StatusRunning, sess.Status)

	require.Eventually(t, func() bool { return len(env.surface.Frames()) > 0 }, 2*time.Second, time.Millisecond)
	require.NoError(t, env.runner.Abort(sess.ID, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := env.runner.Wait(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, rec.Aborted)
	require.Empty(t, rec.Trials)
	require.Equal(t, uint64(42), rec.Seed)

	got, err := env.sessions.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusAborted, got.Status)
	require.Equal(t, rec.ID, got.ResultID)

	stored, err := env.store.GetBlock(context.Background(), rec.ID)
	require.NoError(t, err)
	require.True(t, stored.Aborted)

	require.Equal(t, []string{marker.LabelEndBlock}, env.recorder.Labels())
	require.Equal(t, 1, env.surface.Closed())
	require.Zero(t, testutil.ToFloat64(env.metrics.ActiveBlocks))
	require.False(t, env.surface.Press(task.KeyEvent{Key: task.KeySpace, Action: task.Press}),
		"input must be detached once the block ends")

	res, ok := env.runner.Result(sess.ID)
	require.True(t, ok)
	require.Equal(t, "operator", res.AbortReason)
}

func TestRunnerOneBlockAtATime(t *testing.T) {
	env := newRunnerEnv(t, display.BackendHeadless)
	req := session.RunRequest{ParticipantID: "p1", Trials: 6, RandomWait: true}

	first, err := env.runner.Start(context.Background(), req)
	require.NoError(t, err)

	_, err = env.runner.Start(context.Background(), req)
	require.ErrorIs(t, err, session.ErrBusy)

	env.press(t, task.KeyEscape)
	_, err = env.runner.Wait(context.Background(), first.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, active := env.sessions.Active()
		return !active
	}, 2*time.Second, time.Millisecond)

	second, err := env.runner.Start(context.Background(), req)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.NoError(t, env.runner.Close(context.Background()))

	got, err := env.sessions.Get(second.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusAborted, got.Status)
}

func TestRunnerCompletesRandomWaitBlock(t *testing.T) {
	env := newRunnerEnv(t, display.BackendHeadless)

	sess, err := env.runner.Start(context.Background(), session.RunRequest{
		ParticipantID: "p7", BlockNr: 1, Trials: 6, RandomWait: true, Seed: seed(7),
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(env.surface.Frames()) > 0 }, 2*time.Second, time.Millisecond)
	env.press(t, task.KeySpace)

	// Pressing RIGHT at every step answers each stimulus shortly after it
	// appears; presses outside the stimulus window are ignored.
	rec := env.runToEnd(t, sess.ID, 50*time.Millisecond, func() {
		env.surface.Press(task.KeyEvent{Key: task.KeyRight, Action: task.Press, At: env.clock.Now()})
	})

	require.False(t, rec.Aborted)
	require.Len(t, rec.Trials, 6)
	require.Equal(t, "random_wait", rec.Mode)
	require.Equal(t, uint64(7), rec.Seed)
	for _, tr := range rec.Trials {
		require.Equal(t, string(task.ResponseRight), tr.Response)
		require.Less(t, tr.LatencyMS, 3000.0)
	}

	got, err := env.sessions.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, got.Status)
	require.Equal(t, rec.ID, got.ResultID)

	list, err := env.store.ListBlocks(context.Background(), "p7", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	labels := env.recorder.Labels()
	require.Equal(t, marker.LabelStartBlock, labels[0])
	require.Equal(t, marker.LabelEndBlock, labels[len(labels)-1])
	starts := 0
	for _, l := range labels {
		if l == marker.LabelStartTrial {
			starts++
		}
	}
	require.Equal(t, 6, starts)
	require.Zero(t, testutil.ToFloat64(env.metrics.ActiveBlocks))
}

func TestRunnerClassicBlockAttachesPlan(t *testing.T) {
	env := newRunnerEnv(t, display.BackendHeadless)

	sess, err := env.runner.Start(context.Background(), session.RunRequest{ParticipantID: "p1", BlockNr: 3, Classic: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(env.surface.Frames()) > 0 }, 2*time.Second, time.Millisecond)
	env.press(t, task.KeySpace)

	rec := env.runToEnd(t, sess.ID, time.Second, nil)
	require.True(t, rec.Classic)
	require.False(t, rec.Aborted)

	res, ok := env.runner.Result(sess.ID)
	require.True(t, ok)
	require.NotZero(t, res.Plan.Seed)

	env.runner.Forget(sess.ID)
	_, ok = env.runner.Result(sess.ID)
	require.False(t, ok)
	require.True(t, errors.Is(env.runner.Abort(sess.ID, ""), ErrUnknownRun))
}
