package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"reel-pipeline/internal/checkpoint"
	"reel-pipeline/internal/config"
	"reel-pipeline/internal/failure"
	"reel-pipeline/internal/media"
	"reel-pipeline/internal/ratelimit"
	"reel-pipeline/internal/retry"
	"reel-pipeline/internal/session"
	"reel-pipeline/internal/types"
)

// stageContext is what every stage of one attempt shares.
type stageContext struct {
	sess *types.Session
	dir  string
	q    quality
}

func (sc *stageContext) scenePath(stage types.Stage, scene int, ext string) string {
	return filepath.Join(sc.dir, string(stage), fmt.Sprintf("scene_%d.%s", scene, ext))
}

// classified maps a collaborator error into the failure taxonomy so the
// retry policy can judge it. Cancellation passes through untouched.
func classified[T any](collab string, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, context.Canceled) {
			return v, err
		}
		return v, failure.Classify(err, collab)
	}
}

// counted records every attempt of fn after the first as a retry on the
// stage record.
func counted[T any](o *Orchestrator, sc *stageContext, stage types.Stage, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	var calls int32
	return func(ctx context.Context) (T, error) {
		if atomic.AddInt32(&calls, 1) > 1 {
			_ = o.store.SetStage(sc.sess.ID, stage, session.StageUpdate{Status: types.StageProcessing, Retries: 1})
		}
		return fn(ctx)
	}
}

// limited waits for a rate-limit slot before every attempt of fn.
func limited(w *ratelimit.Window, fn func(context.Context) error) func(context.Context) (struct{}, error) {
	return func(ctx context.Context) (struct{}, error) {
		if err := w.Wait(ctx); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, fn(ctx)
	}
}

func (o *Orchestrator) policy(stage types.Stage) retry.Policy {
	return o.cfg.Retry.Policy(stage)
}

// load returns the attempt's checkpoint after checking that the named
// stages recorded their output.
func (o *Orchestrator) load(ctx context.Context, sc *stageContext, required ...types.Stage) (*types.Artifacts, error) {
	doc, err := o.ckpt.Load(ctx, sc.sess.ID, sc.sess.Attempt)
	if err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		return nil, err
	}
	if err := checkpoint.Require(doc, required...); err != nil {
		return nil, err
	}
	return doc, nil
}

func (o *Orchestrator) progress(sc *stageContext, stage types.Stage, done, total int) {
	pct := done * 100 / total
	_ = o.store.SetStage(sc.sess.ID, stage, session.StageUpdate{
		Status:   types.StageProcessing,
		Message:  fmt.Sprintf("%d/%d scenes", done, total),
		Progress: &pct,
	})
}

func (o *Orchestrator) runPrompts(ctx context.Context, sc *stageContext) error {
	req := types.PromptRequest{
		SceneCount:   sc.sess.Request.SceneCount,
		Description:  sc.sess.Request.Description,
		Voiceover:    sc.sess.Request.Voiceover,
		Music:        sc.sess.Request.Music,
		SceneSeconds: o.cfg.Pipeline.SceneDurationSec,
	}
	ps, err := retry.Do(ctx, o.exec, "prompts", o.policy(types.StagePrompts),
		counted(o, sc, types.StagePrompts, classified(failure.CollabPrompts, func(ctx context.Context) (*types.PromptSet, error) {
			ps, err := o.collab.Prompts.Generate(ctx, req)
			if err != nil {
				return nil, err
			}
			if err := ps.Check(req.SceneCount); err != nil {
				return nil, failure.Wrap(failure.Validation, err, failure.CollabPrompts)
			}
			return ps, nil
		})))
	if err != nil {
		return err
	}
	_, err = o.ckpt.Append(ctx, sc.sess.ID, sc.sess.Attempt, checkpoint.Patch{Stage: types.StagePrompts, Prompts: ps})
	return err
}

// runImages generates scenes strictly in order. Scene 1 is conditioned on
// the upload; scene k on scene k-1's image, plus the upload as a second
// anchor when original_anchor is set.
func (o *Orchestrator) runImages(ctx context.Context, sc *stageContext) error {
	doc, err := o.load(ctx, sc, types.StagePrompts)
	if err != nil {
		return err
	}
	scenes := doc.Prompts.Scenes
	paths := make([]string, 0, len(scenes))
	reference := sc.sess.ReferenceImage

	for i, sp := range scenes {
		refs := []string{reference}
		if i > 0 && o.cfg.Pipeline.OriginalAnchor {
			refs = append(refs, sc.sess.ReferenceImage)
		}
		req := types.ImageRequest{
			Scene:      sp.Scene,
			Prompt:     sp.ImagePrompt,
			References: refs,
			Options:    sc.sess.Request.ImageOptions,
			Width:      sc.q.Width,
			Height:     sc.q.Height,
		}
		out := sc.scenePath(types.StageImages, sp.Scene, "png")
		op := fmt.Sprintf("images scene %d", sp.Scene)
		_, err := retry.Do(ctx, o.exec, op, o.policy(types.StageImages),
			counted(o, sc, types.StageImages, classified(failure.CollabImages, limited(o.limits.images, func(ctx context.Context) error {
				return o.collab.Images.Generate(ctx, req, out)
			}))))
		if err != nil {
			return fmt.Errorf("scene %d: %w", sp.Scene, err)
		}
		paths = append(paths, out)
		reference = out
		o.progress(sc, types.StageImages, i+1, len(scenes))
	}

	_, err = o.ckpt.Append(ctx, sc.sess.ID, sc.sess.Attempt, checkpoint.Patch{Stage: types.StageImages, Images: paths})
	return err
}

// runVideos animates every scene image. Up to VideoConcurrency scenes run
// at once; the first failure cancels the rest.
func (o *Orchestrator) runVideos(ctx context.Context, sc *stageContext) error {
	doc, err := o.load(ctx, sc, types.StagePrompts, types.StageImages)
	if err != nil {
		return err
	}
	scenes := doc.Prompts.Scenes
	if len(doc.Images) != len(scenes) {
		return failure.New(failure.Validation, "corrupt session %s attempt %d: %d images for %d scenes",
			sc.sess.ID, sc.sess.Attempt, len(doc.Images), len(scenes))
	}

	paths := make([]string, len(scenes))
	var done int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(sc.q.VideoConcurrency, 1))
	for i, sp := range scenes {
		i, sp := i, sp
		g.Go(func() error {
			req := types.VideoRequest{
				Scene:        sp.Scene,
				ImagePath:    doc.Images[i],
				MotionPrompt: sp.VideoPrompt,
				Seconds:      o.cfg.Pipeline.SceneDurationSec,
				Width:        sc.q.Width,
				Height:       sc.q.Height,
			}
			out := sc.scenePath(types.StageVideos, sp.Scene, "mp4")
			op := fmt.Sprintf("videos scene %d", sp.Scene)
			_, err := retry.Do(gctx, o.exec, op, o.policy(types.StageVideos),
				counted(o, sc, types.StageVideos, classified(failure.CollabVideos, limited(o.limits.videos, func(ctx context.Context) error {
					return o.collab.Videos.Generate(ctx, req, out)
				}))))
			if err != nil {
				return fmt.Errorf("scene %d: %w", sp.Scene, err)
			}
			paths[i] = out
			o.progress(sc, types.StageVideos, int(atomic.AddInt32(&done, 1)), len(scenes))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	_, err = o.ckpt.Append(ctx, sc.sess.ID, sc.sess.Attempt, checkpoint.Patch{Stage: types.StageVideos, Videos: paths})
	return err
}

// runAudio produces the music bed and, when enabled, the voiceover. Music
// spans the whole video: scene count times scene duration.
func (o *Orchestrator) runAudio(ctx context.Context, sc *stageContext) error {
	doc, err := o.load(ctx, sc, types.StagePrompts, types.StageVideos)
	if err != nil {
		return err
	}
	req := sc.sess.Request
	out := &types.AudioOutput{}

	if req.Music {
		path := filepath.Join(sc.dir, string(types.StageAudio), "music.mp3")
		durationMs := req.SceneCount * o.cfg.Pipeline.SceneDurationSec * 1000
		_, err := retry.Do(ctx, o.exec, "audio music", o.policy(types.StageAudio),
			counted(o, sc, types.StageAudio, classified(failure.CollabMusic, limited(o.limits.music, func(ctx context.Context) error {
				return o.collab.Music.Compose(ctx, doc.Prompts.MusicPrompt, durationMs, path)
			}))))
		if err != nil {
			return fmt.Errorf("music: %w", err)
		}
		out.MusicPath = path
	}

	if req.Voiceover && o.voiceoverEnabled() {
		path := filepath.Join(sc.dir, string(types.StageAudio), "voiceover.mp3")
		_, err := retry.Do(ctx, o.exec, "audio voiceover", o.policy(types.StageAudio),
			counted(o, sc, types.StageAudio, classified(failure.CollabSpeech, limited(o.limits.speech, func(ctx context.Context) error {
				return o.collab.Speech.Synthesize(ctx, doc.Prompts.VoiceoverScript, path)
			}))))
		if err != nil {
			return fmt.Errorf("voiceover: %w", err)
		}
		out.VoicePath = path
	}

	_, err = o.ckpt.Append(ctx, sc.sess.ID, sc.sess.Attempt, checkpoint.Patch{Stage: types.StageAudio, Audio: out})
	return err
}

// runMerge hands clips and audio to the assembler. Zero clips is a
// Validation failure and never reaches the engine.
func (o *Orchestrator) runMerge(ctx context.Context, sc *stageContext) error {
	required := []types.Stage{types.StageVideos}
	if sc.sess.Request.WantsAudio() {
		required = append(required, types.StageAudio)
	}
	doc, err := o.load(ctx, sc, required...)
	if err != nil {
		return err
	}
	scenes := doc.Scenes()
	if len(scenes) == 0 {
		return failure.New(failure.Validation, "merge: no video clips")
	}
	clips := make([]string, len(scenes))
	for i, sa := range scenes {
		if sa.VideoPath == "" {
			return failure.New(failure.Validation, "corrupt session %s attempt %d: scene %d has no video",
				sc.sess.ID, sc.sess.Attempt, sa.Scene)
		}
		clips[i] = sa.VideoPath
	}

	in := media.MergeInput{
		Clips:     clips,
		OutputDir: filepath.Join(sc.dir, string(types.StageMerge)),
		Concat:    o.concatOptions(sc.q),
	}
	if doc.Audio != nil {
		in.VoicePath = doc.Audio.VoicePath
		in.MusicPath = doc.Audio.MusicPath
	}
	res, err := retry.Do(ctx, o.exec, "merge", o.policy(types.StageMerge),
		counted(o, sc, types.StageMerge, classified(failure.CollabMedia, func(ctx context.Context) (*media.MergeResult, error) {
			return o.collab.Assembler.Assemble(ctx, in)
		})))
	if err != nil {
		return err
	}
	if _, err := os.Stat(res.OutputPath); err != nil {
		return failure.Wrap(failure.ResourceNotFound, err, failure.CollabMedia)
	}
	if _, err := o.ckpt.Append(ctx, sc.sess.ID, sc.sess.Attempt, checkpoint.Patch{Stage: types.StageMerge, Final: res.OutputPath}); err != nil {
		return err
	}
	return o.store.SetFinalOutput(sc.sess.ID, res.OutputPath)
}

func (o *Orchestrator) concatOptions(q quality) media.ConcatOptions {
	opt := media.ConcatOptions{
		Mode:          media.HardCut,
		SceneDuration: float64(o.cfg.Pipeline.SceneDurationSec),
		Width:         q.Width,
		Height:        q.Height,
		FPS:           o.cfg.Media.FPS,
	}
	if o.cfg.Pipeline.Transition == config.TransitionCrossfade {
		opt.Mode = media.Crossfade
		opt.TransitionSec = o.cfg.Pipeline.TransitionSec
	}
	return opt
}
