package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/stroop/internal/config"
	"github.com/antoniostano/stroop/internal/display"
	"github.com/antoniostano/stroop/internal/observability"
	"github.com/antoniostano/stroop/internal/policy"
	"github.com/antoniostano/stroop/internal/results"
	"github.com/antoniostano/stroop/internal/schedule"
	"github.com/antoniostano/stroop/internal/sequence"
	"github.com/antoniostano/stroop/internal/session"
	"github.com/antoniostano/stroop/internal/stimulus"
	"github.com/antoniostano/stroop/internal/task"
)

const (
	defaultTrials           = 60
	defaultTutorialStimulus = 60 * time.Second
	persistTimeout          = 10 * time.Second
	anonymousParticipant    = "anonymous"
)

// ErrUnknownRun is returned for a session the runner never started or
// already forgot.
var ErrUnknownRun = errors.New("unknown block run")

// Surface is a display that also routes participant input to the block.
type Surface interface {
	task.Display
	SetInput(sink display.InputSink)
}

type RunnerConfig struct {
	TaskConfigDir   string
	DefaultLanguage string
	Backend         string
	LogicInterval   time.Duration
	FrameInterval   time.Duration
	// Clock defaults to the system clock.
	Clock schedule.Clock
}

// Runner presents one block at a time on its surface. Each block gets its
// own loop goroutine; everything the block touches runs there.
type Runner struct {
	cfg      RunnerConfig
	surface  Surface
	markers  task.MarkerWriter
	store    results.Store
	sessions *session.Manager
	metrics  *observability.Metrics
	logger   *zap.Logger

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	id     string
	loop   *schedule.Loop
	block  task.Block
	plan   sequence.BlockPlan
	meta   results.Meta
	cancel context.CancelFunc
	done   chan struct{}

	// set on the loop goroutine before done is closed
	result task.Result
	record results.BlockRecord
	err    error
}

func NewRunner(cfg RunnerConfig, surface Surface, markers task.MarkerWriter, store results.Store,
	sessions *session.Manager, metrics *observability.Metrics, logger *zap.Logger) *Runner {
	if cfg.Clock == nil {
		cfg.Clock = schedule.SystemClock{}
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "english"
	}
	if store == nil {
		store = results.NewInMemoryStore()
	}
	return &Runner{
		cfg:      cfg,
		surface:  surface,
		markers:  markers,
		store:    store,
		sessions: sessions,
		metrics:  metrics,
		logger:   observability.OrNop(logger).Named("runner"),
		runs:     make(map[string]*run),
	}
}

// Start validates req, builds the block and starts presenting it. Every
// configuration error is returned before a session exists, a marker is
// written or anything is shown. ctx only bounds setup; the block runs until
// it ends, is aborted or Close is called.
func (r *Runner) Start(ctx context.Context, req session.RunRequest) (*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req.ParticipantID = strings.TrimSpace(req.ParticipantID)
	if req.ParticipantID == "" {
		req.ParticipantID = anonymousParticipant
	}
	prepared, err := r.prepare(req)
	if err != nil {
		return nil, err
	}

	sess, err := r.sessions.Create(session.CreateRequest{
		ParticipantID: req.ParticipantID,
		BlockNr:       req.BlockNr,
		Trials:        prepared.plan.Len(),
		Language:      prepared.task.Language,
		Focus:         string(prepared.cfg.Focus),
		Mode:          string(prepared.cfg.Mode),
		Classic:       req.Classic,
		Seed:          prepared.plan.Seed,
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rn := &run{
		id:     sess.ID,
		cancel: cancel,
		done:   make(chan struct{}),
		plan:   prepared.plan,
		meta: results.Meta{
			ID:            sess.ID,
			SessionID:     sess.ID,
			ParticipantID: req.ParticipantID,
			BlockNr:       req.BlockNr,
			Language:      prepared.task.Language,
			Mode:          string(prepared.cfg.Mode),
			Classic:       req.Classic,
		},
	}
	lastState := ""
	rn.loop = schedule.NewLoop(r.cfg.Clock, schedule.LoopOptions{
		LogicInterval: r.cfg.LogicInterval,
		FrameInterval: r.cfg.FrameInterval,
		OnFrame: func() {
			if rn.block == nil {
				return
			}
			if s := rn.block.State().String(); s != lastState {
				lastState = s
				_ = r.sessions.SetState(rn.id, s)
			}
		},
	})

	deps := task.Deps{
		Display:   r.surface,
		Markers:   r.markers,
		Scheduler: rn.loop.Scheduler(),
		Stimuli:   prepared.stimuli,
		Logger:    r.logger.With(zap.String("session_id", sess.ID)),
		Metrics:   r.metrics,
		OnDone: func(res task.Result) {
			rn.result = res
			rn.loop.Stop()
		},
	}
	block, err := prepared.build(deps)
	if err != nil {
		cancel()
		_, _ = r.sessions.Finish(sess.ID, session.StatusFailed, "", err)
		return nil, err
	}
	rn.block = block

	r.mu.Lock()
	r.runs[sess.ID] = rn
	r.mu.Unlock()

	if err := r.sessions.MarkRunning(sess.ID); err != nil {
		r.logger.Warn("mark running failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
	r.surface.SetInput(func(ev task.KeyEvent) {
		rn.loop.Post(func() { block.HandleKey(ev) })
	})
	r.gaugeActive(1)
	rn.loop.Post(block.Start)

	go r.drive(runCtx, rn)

	r.logger.Info("block started",
		zap.String("session_id", sess.ID),
		zap.String("participant_id", req.ParticipantID),
		zap.Int("block_nr", req.BlockNr),
		zap.Bool("classic", req.Classic),
		zap.String("mode", string(prepared.cfg.Mode)),
		zap.Int("trials", prepared.plan.Len()),
		zap.Uint64("seed", prepared.plan.Seed),
	)
	return r.sessions.Get(sess.ID)
}

// drive owns the loop goroutine of one block.
func (r *Runner) drive(ctx context.Context, rn *run) {
	defer close(rn.done)
	defer rn.cancel()
	defer r.gaugeActive(-1)

	if err := rn.loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		rn.err = err
	}
	if !rn.block.Done() {
		// The loop was canceled under a running block; tear it down here,
		// the loop goroutine no longer runs.
		rn.block.Abort("shutdown")
	}
	rn.loop.Scheduler().CancelAll()
	r.surface.SetInput(nil)

	res := rn.block.Result()
	if rn.meta.Classic {
		res.Plan = rn.plan
	}
	rn.result = res
	rn.record = results.FromResult(rn.meta, res)

	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	persistErr := r.store.SaveBlock(persistCtx, rn.record)
	if persistErr != nil {
		r.logger.Error("persist block result failed", zap.String("session_id", rn.id), zap.Error(persistErr))
	}

	status := session.StatusCompleted
	switch {
	case rn.err != nil:
		status = session.StatusFailed
	case res.Aborted:
		status = session.StatusAborted
	}
	cause := rn.err
	if cause == nil {
		cause = persistErr
	}
	resultID := rn.record.ID
	if persistErr != nil {
		resultID = ""
	}
	if _, err := r.sessions.Finish(rn.id, status, resultID, cause); err != nil {
		r.logger.Warn("finish session failed", zap.String("session_id", rn.id), zap.Error(err))
	}
	r.logger.Info("block ended",
		zap.String("session_id", rn.id),
		zap.String("status", string(status)),
		zap.Int("reactions", len(res.Reactions)),
		zap.Duration("mean", res.Mean),
	)
}

// Abort ends the block of sessionID as if the participant pressed escape.
func (r *Runner) Abort(sessionID, reason string) error {
	rn, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "operator"
	}
	if !rn.loop.Post(func() { rn.block.Abort(reason) }) {
		select {
		case <-rn.done:
			return nil
		default:
			return fmt.Errorf("block %s is shutting down", sessionID)
		}
	}
	return nil
}

// Wait blocks until the block of sessionID ended and returns its stored
// record.
func (r *Runner) Wait(ctx context.Context, sessionID string) (results.BlockRecord, error) {
	rn, err := r.lookup(sessionID)
	if err != nil {
		return results.BlockRecord{}, err
	}
	select {
	case <-rn.done:
		return rn.record, rn.err
	case <-ctx.Done():
		return results.BlockRecord{}, ctx.Err()
	}
}

// Result returns the in-process result of a finished block.
func (r *Runner) Result(sessionID string) (task.Result, bool) {
	rn, err := r.lookup(sessionID)
	if err != nil {
		return task.Result{}, false
	}
	select {
	case <-rn.done:
		return rn.result, true
	default:
		return task.Result{}, false
	}
}

// Forget drops the in-process state of a finished session.
func (r *Runner) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[sessionID]
	if !ok {
		return
	}
	select {
	case <-rn.done:
		delete(r.runs, sessionID)
	default:
	}
}

// Close aborts every running block and waits for it to persist, up to ctx.
// Blocks still running when ctx ends have their loops canceled.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	runs := make([]*run, 0, len(r.runs))
	for _, rn := range r.runs {
		runs = append(runs, rn)
	}
	r.mu.Unlock()

	for _, rn := range runs {
		rn.loop.Post(func() { rn.block.Abort("shutdown") })
	}
	var errs []error
	for _, rn := range runs {
		select {
		case <-rn.done:
		case <-ctx.Done():
			rn.cancel()
			<-rn.done
			errs = append(errs, fmt.Errorf("block %s: %w", rn.id, ctx.Err()))
		}
		rn.cancel()
	}
	return errors.Join(errs...)
}

func (r *Runner) lookup(sessionID string) (*run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, sessionID)
	}
	return rn, nil
}

func (r *Runner) gaugeActive(delta float64) {
	if r.metrics == nil {
		return
	}
	r.metrics.ActiveBlocks.Add(delta)
}

type preparedBlock struct {
	task    config.TaskConfig
	cfg     task.Config
	plan    sequence.BlockPlan
	stimuli *stimulus.Registry
	table   stimulus.Handle
	classic bool
}

func (p preparedBlock) build(deps task.Deps) (task.Block, error) {
	if p.classic {
		return task.NewClassic(p.cfg, p.table, deps)
	}
	return task.New(p.cfg, p.plan, deps)
}

// prepare resolves defaults, loads the task files and plans the block. It
// has no side effects.
func (r *Runner) prepare(req session.RunRequest) (preparedBlock, error) {
	if err := policy.CheckParticipantID(req.ParticipantID); err != nil {
		return preparedBlock{}, fmt.Errorf("%w: %w", task.ErrInvalidConfiguration, err)
	}
	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = r.cfg.DefaultLanguage
	}
	tc, err := config.LoadTask(r.cfg.TaskConfigDir, language)
	if err != nil {
		return preparedBlock{}, fmt.Errorf("%w: %v", task.ErrInvalidConfiguration, err)
	}
	focus := sequence.FocusColor
	if strings.TrimSpace(req.Focus) != "" {
		if focus, err = sequence.ParseFocus(req.Focus); err != nil {
			return preparedBlock{}, fmt.Errorf("%w: %v", task.ErrInvalidConfiguration, err)
		}
	}
	mode := task.ModeReadyGate
	if req.RandomWait {
		mode = task.ModeRandomWait
	}
	if req.BlockNr < 0 {
		return preparedBlock{}, fmt.Errorf("%w: negative block number %d", task.ErrInvalidConfiguration, req.BlockNr)
	}

	reg, err := stimulus.FromTask(tc)
	if err != nil {
		return preparedBlock{}, fmt.Errorf("%w: %v", task.ErrInvalidConfiguration, err)
	}
	cfg := task.ConfigFromTask(tc, mode, focus)
	if req.Tutorial {
		cfg.StimulusTime = tc.General.TutorialStimulus()
		if cfg.StimulusTime <= 0 {
			cfg.StimulusTime = defaultTutorialStimulus
		}
	}
	p := preparedBlock{task: tc, cfg: cfg, stimuli: reg, classic: req.Classic}

	if req.Classic {
		seed := sequence.BlockSeed(req.BlockNr)
		cells, err := sequence.ClassicTable(tc.General.ClassicalRows, tc.General.ClassicalCols, seed, tc.WordNames())
		if err != nil {
			return preparedBlock{}, fmt.Errorf("%w: %v", task.ErrInvalidConfiguration, err)
		}
		if p.table, err = reg.ClassicTable(cells); err != nil {
			return preparedBlock{}, fmt.Errorf("%w: %v", task.ErrInvalidConfiguration, err)
		}
		p.plan = sequence.BlockPlan{Seed: seed, Focus: focus}
		return p, nil
	}

	if err := display.CheckMode(r.cfg.Backend, mode); err != nil {
		return preparedBlock{}, fmt.Errorf("%w: %w", task.ErrInvalidConfiguration, err)
	}
	trials := req.Trials
	if trials == 0 {
		trials = defaultTrials
	}
	var seed uint64
	if req.Seed != nil {
		seed = *req.Seed
	} else {
		seed = rand.Uint64()
	}
	if p.plan, err = sequence.Generate(trials, seed, tc.WordNames(), focus); err != nil {
		return preparedBlock{}, fmt.Errorf("%w: %v", task.ErrInvalidConfiguration, err)
	}
	return p, nil
}
