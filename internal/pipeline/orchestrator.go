// Package pipeline drives a generation session through its stages:
// prompts, images, videos, optional audio, and merge. Each stage runs its
// collaborator calls under a retry policy, records its output in the
// artifacts checkpoint, and reports progress to the session store. A failed
// session gets at most one recovery pass, which restarts it from the first
// stage as a new attempt.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"reel-pipeline/internal/checkpoint"
	"reel-pipeline/internal/config"
	"reel-pipeline/internal/failure"
	"reel-pipeline/internal/logging"
	"reel-pipeline/internal/ratelimit"
	"reel-pipeline/internal/retry"
	"reel-pipeline/internal/session"
	"reel-pipeline/internal/types"
)

var (
	// ErrAtCapacity is returned by StartGeneration when max_concurrent_jobs
	// sessions are already running.
	ErrAtCapacity = errors.New("pipeline at capacity")
	// ErrShuttingDown is returned by StartGeneration after Shutdown.
	ErrShuttingDown = errors.New("pipeline shutting down")
	// ErrNotRunning is returned by Cancel for a session with no live run.
	ErrNotRunning = errors.New("session is not running")
)

// errCanceled is recorded on sessions stopped by Cancel or Shutdown.
const errCanceled = "canceled"

// quality is the per-run output geometry and video parallelism. Recovery may
// lower it for the restarted attempt.
type quality struct {
	Width, Height    int
	VideoConcurrency int
	Degraded         bool
}

type run struct {
	cancel   context.CancelFunc
	canceled bool
	quality  quality
}

type windows struct {
	images, videos, speech, music *ratelimit.Window
}

// Orchestrator owns the running pipelines of a process.
type Orchestrator struct {
	cfg    *config.Config
	store  session.Store
	ckpt   checkpoint.Store
	collab Collaborators
	limits windows
	exec   *retry.Executor
	log    *logging.Logger

	slots   chan struct{}
	baseCtx context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// New wires an orchestrator. The store and checkpoint are injected so tests
// and alternate backends can swap them.
func New(cfg *config.Config, store session.Store, ckpt checkpoint.Store, collab Collaborators, log *logging.Logger) *Orchestrator {
	if log == nil {
		log = logging.Discard()
	}
	jobs := cfg.Pipeline.MaxConcurrentJobs
	if jobs < 1 {
		jobs = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:    cfg,
		store:  store,
		ckpt:   ckpt,
		collab: collab,
		limits: windows{
			images: window(cfg.Limits.Images),
			videos: window(cfg.Limits.Videos),
			speech: window(cfg.Limits.Speech),
			music:  window(cfg.Limits.Music),
		},
		log:     log.With("pipeline"),
		slots:   make(chan struct{}, jobs),
		baseCtx: ctx,
		stopAll: cancel,
		runs:    make(map[string]*run),
	}
	o.exec = retry.NewExecutor(o.observe)
	return o
}

func window(w config.WindowConfig) *ratelimit.Window {
	return ratelimit.NewWindow(w.Requests, w.Period)
}

// observe logs every retry attempt.
func (o *Orchestrator) observe(a retry.Attempt) {
	switch {
	case a.Err == nil && a.Number > 1:
		o.log.Info("%s succeeded on attempt %d", a.Operation, a.Number)
	case a.Err != nil && !a.Final:
		o.log.Warn("%s attempt %d failed: %v (retrying in %s)", a.Operation, a.Number, a.Err, a.Delay.Round(time.Millisecond))
	case a.Err != nil:
		o.log.Error("%s gave up after attempt %d: %v", a.Operation, a.Number, a.Err)
	}
}

// StartGeneration validates req, admits it against the concurrency cap,
// creates the session and runs it in the background. The returned id is
// immediately queryable.
func (o *Orchestrator) StartGeneration(ctx context.Context, req types.GenerationRequest, referenceImage string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	req, err := o.normalize(req, referenceImage)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrShuttingDown
	}
	select {
	case o.slots <- struct{}{}:
	default:
		o.mu.Unlock()
		return "", ErrAtCapacity
	}
	sess, err := o.store.Create(req, referenceImage)
	if err != nil {
		o.mu.Unlock()
		<-o.slots
		return "", fmt.Errorf("create session: %w", err)
	}
	runCtx, cancel := context.WithCancel(o.baseCtx)
	r := &run{cancel: cancel, quality: o.fullQuality()}
	o.runs[sess.ID] = r
	o.wg.Add(1)
	o.mu.Unlock()

	o.log.Info("session %s admitted: %d scene(s), music=%v voiceover=%v", sess.ID, req.SceneCount, req.Music, req.Voiceover)
	go o.execute(runCtx, sess.ID, r)
	return sess.ID, nil
}

// normalize rejects malformed requests and drops a voiceover request when
// narration is not enabled, so the stage list reflects what will run.
func (o *Orchestrator) normalize(req types.GenerationRequest, referenceImage string) (types.GenerationRequest, error) {
	if req.SceneCount < types.MinScenes || req.SceneCount > types.MaxScenes {
		return req, failure.New(failure.Validation, "scene_count must be between %d and %d, got %d", types.MinScenes, types.MaxScenes, req.SceneCount)
	}
	req.Description = strings.TrimSpace(req.Description)
	if req.Description == "" {
		return req, failure.New(failure.Validation, "description is required")
	}
	if referenceImage == "" {
		return req, failure.New(failure.Validation, "reference image is required")
	}
	if _, err := os.Stat(referenceImage); err != nil {
		return req, failure.Wrap(failure.Validation, fmt.Errorf("reference image: %w", err), failure.CollabStorage)
	}
	if req.Voiceover && !o.voiceoverEnabled() {
		o.log.Warn("voiceover requested but disabled; continuing without narration")
		req.Voiceover = false
	}
	return req, nil
}

func (o *Orchestrator) voiceoverEnabled() bool {
	return o.cfg.Pipeline.VoiceoverEnabled && o.collab.Speech != nil
}

func (o *Orchestrator) fullQuality() quality {
	return quality{
		Width:            o.cfg.Media.Width,
		Height:           o.cfg.Media.Height,
		VideoConcurrency: o.cfg.Pipeline.VideoConcurrency,
	}
}

// GetSession returns a snapshot of the session.
func (o *Orchestrator) GetSession(id string) (*types.Session, error) {
	sess, ok := o.store.Get(id)
	if !ok {
		return nil, session.ErrNotFound
	}
	return sess, nil
}

// GetProgress returns the completed-stage percentage and current stage.
func (o *Orchestrator) GetProgress(id string) (session.Progress, error) {
	return o.store.Progress(id)
}

// Cancel stops a running session. It ends failed with "canceled".
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[id]
	if !ok {
		if _, exists := o.store.Get(id); !exists {
			return session.ErrNotFound
		}
		return ErrNotRunning
	}
	r.canceled = true
	r.cancel()
	o.log.Info("session %s: cancel requested", id)
	return nil
}

// Shutdown stops admitting sessions and waits for running ones to finish.
// When ctx ends first, the remaining runs are canceled and awaited.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	running := len(o.runs)
	o.mu.Unlock()
	if running > 0 {
		o.log.Info("draining %d running session(s)", running)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.stopAll()
		return nil
	case <-ctx.Done():
	}

	o.mu.Lock()
	for _, r := range o.runs {
		r.canceled = true
	}
	o.mu.Unlock()
	o.stopAll()
	<-done
	return fmt.Errorf("shutdown: %w", ctx.Err())
}

// execute runs one session to a terminal state, with at most one recovery
// pass in between.
func (o *Orchestrator) execute(ctx context.Context, id string, r *run) {
	defer func() {
		r.cancel()
		<-o.slots
		o.mu.Lock()
		delete(o.runs, id)
		o.mu.Unlock()
		o.wg.Done()
	}()

	err := o.runAttempt(ctx, id, o.quality(r))
	if err == nil || o.wasCanceled(r) {
		return
	}
	if !o.recoverSession(ctx, id, r, err) {
		return
	}
	if _, err := o.store.Restart(id); err != nil {
		o.log.Error("session %s: restart failed: %v", id, err)
		return
	}
	o.log.Info("session %s: restarting from the first stage", id)
	_ = o.runAttempt(ctx, id, o.quality(r))
}

func (o *Orchestrator) quality(r *run) quality {
	o.mu.Lock()
	defer o.mu.Unlock()
	return r.quality
}

func (o *Orchestrator) wasCanceled(r *run) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return r.canceled
}

// runAttempt walks every stage of the session's current attempt. On error
// the failing stage and the session are marked failed and the classified
// error is returned.
func (o *Orchestrator) runAttempt(ctx context.Context, id string, q quality) error {
	sess, ok := o.store.Get(id)
	if !ok {
		return session.ErrNotFound
	}
	sc := &stageContext{
		sess: sess,
		dir:  checkpoint.AttemptDir(o.cfg.Paths.WorkDir, id, sess.Attempt),
		q:    q,
	}
	o.log.Info("session %s: attempt %d at %dx%d", id, sess.Attempt, q.Width, q.Height)

	for _, stage := range session.StagesFor(sess.Request) {
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, id, stage, err)
		}
		if err := o.store.SetStage(id, stage, session.StageUpdate{Status: types.StageProcessing, Message: "started"}); err != nil {
			return o.fail(ctx, id, stage, err)
		}
		o.log.Info("session %s: ━━━ %s ━━━", id, stage)
		start := time.Now()
		if err := o.runStage(ctx, sc, stage); err != nil {
			return o.fail(ctx, id, stage, err)
		}
		if err := o.store.SetStage(id, stage, session.StageUpdate{Status: types.StageCompleted, Message: "done"}); err != nil {
			return o.fail(ctx, id, stage, err)
		}
		o.log.Success("session %s: %s completed in %s", id, stage, time.Since(start).Round(time.Millisecond))
	}

	if err := o.store.SetStatus(id, types.SessionCompleted, ""); err != nil {
		return err
	}
	o.log.Success("session %s: completed", id)
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, sc *stageContext, stage types.Stage) error {
	switch stage {
	case types.StagePrompts:
		return o.runPrompts(ctx, sc)
	case types.StageImages:
		return o.runImages(ctx, sc)
	case types.StageVideos:
		return o.runVideos(ctx, sc)
	case types.StageAudio:
		return o.runAudio(ctx, sc)
	case types.StageMerge:
		return o.runMerge(ctx, sc)
	}
	return fmt.Errorf("unknown stage %s", stage)
}

// fail records err on the stage and the session. A canceled run is recorded
// as "canceled" even when the last collaborator error came back first, as
// happens when the cancel lands during a retry backoff.
func (o *Orchestrator) fail(ctx context.Context, id string, stage types.Stage, err error) error {
	msg := errCanceled
	var out error = err
	if ctx.Err() != nil {
		out = ctx.Err()
	} else if !errors.Is(err, context.Canceled) {
		ce := failure.Classify(err, collaboratorFor(stage))
		msg, out = ce.Error(), ce
	}
	if serr := o.store.SetStage(id, stage, session.StageUpdate{Status: types.StageError, Error: msg}); serr != nil && !errors.Is(serr, session.ErrInvalidTransition) {
		o.log.Warn("session %s: recording %s error: %v", id, stage, serr)
	}
	if serr := o.store.SetStatus(id, types.SessionFailed, msg); serr != nil {
		o.log.Warn("session %s: marking failed: %v", id, serr)
	}
	o.log.Error("session %s: %s failed: %s", id, stage, msg)
	return out
}

func collaboratorFor(stage types.Stage) string {
	switch stage {
	case types.StagePrompts:
		return failure.CollabPrompts
	case types.StageImages:
		return failure.CollabImages
	case types.StageVideos:
		return failure.CollabVideos
	case types.StageAudio:
		return failure.CollabMusic
	}
	return failure.CollabMedia
}
