package pipeline

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"reel-pipeline/internal/failure"
	"reel-pipeline/internal/types"
)

// strategy is one recovery action. apply reports whether it changed
// something worth a restart.
type strategy struct {
	name    string
	applies func(kind failure.Kind, stage types.Stage) bool
	apply   func(ctx context.Context, id string, r *run) (bool, error)
}

func (o *Orchestrator) strategies() []strategy {
	return []strategy{
		{
			name: "purge scratch",
			applies: func(k failure.Kind, _ types.Stage) bool {
				return k.Fatal()
			},
			apply: o.purgeScratch,
		},
		{
			name: "degrade quality",
			applies: func(k failure.Kind, st types.Stage) bool {
				if st != types.StageImages && st != types.StageVideos {
					return false
				}
				return k == failure.Timeout || k == failure.ServiceUnavailable || k == failure.RateLimited
			},
			apply: o.degrade,
		},
	}
}

// recoverSession runs the strategies matching err once. It reports whether the
// session should restart.
func (o *Orchestrator) recoverSession(ctx context.Context, id string, r *run, err error) bool {
	sess, ok := o.store.Get(id)
	if !ok || sess.Status != types.SessionFailed {
		return false
	}
	stage := failedStage(sess)
	kind := failure.KindOf(err)
	restart := false
	for _, s := range o.strategies() {
		if !s.applies(kind, stage) {
			continue
		}
		ok, serr := s.apply(ctx, id, r)
		if serr != nil {
			o.log.Warn("session %s: recovery %q failed: %v", id, s.name, serr)
			continue
		}
		if ok {
			o.log.Info("session %s: recovery %q applied after %s in %s", id, s.name, kind, stage)
			restart = true
		}
	}
	if !restart {
		o.log.Info("session %s: no recovery for %s in %s", id, kind, stage)
	}
	return restart && ctx.Err() == nil
}

func failedStage(sess *types.Session) types.Stage {
	for _, st := range sess.Stages {
		if st.Status == types.StageError {
			return st.Name
		}
	}
	return ""
}

// purgeScratch frees disk by deleting the intermediate outputs of sessions
// that already finished, plus earlier attempts of the failing session.
// Final merged files of completed sessions are kept.
func (o *Orchestrator) purgeScratch(_ context.Context, id string, _ *run) (bool, error) {
	var freed int64
	for _, sess := range o.store.List() {
		if sess.ID != id && !sess.IsDone() {
			continue
		}
		root := filepath.Join(o.cfg.Paths.WorkDir, sess.ID)
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || !strings.HasPrefix(e.Name(), "attempt-") {
				continue
			}
			n, err := purgeAttempt(filepath.Join(root, e.Name()), sess.FinalOutput)
			freed += n
			if err != nil {
				return freed > 0, err
			}
		}
	}
	o.log.Info("purged %.1f MB of scratch", float64(freed)/(1<<20))
	return freed > 0, nil
}

// purgeAttempt removes stage scratch under dir, sparing keep and the
// checkpoint document.
func purgeAttempt(dir, keep string) (int64, error) {
	var freed int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path == keep || filepath.Ext(path) == ".json" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		freed += info.Size()
		return nil
	})
	return freed, err
}

// degrade lowers the restarted attempt to the degraded resolution and a
// single video worker. It applies only once per run.
func (o *Orchestrator) degrade(_ context.Context, id string, r *run) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r.quality.Degraded {
		return false, nil
	}
	w, h := o.cfg.Media.DegradedWidth, o.cfg.Media.DegradedHeight
	if w <= 0 || h <= 0 {
		w, h = r.quality.Width, r.quality.Height
	}
	r.quality = quality{Width: w, Height: h, VideoConcurrency: 1, Degraded: true}
	o.log.Info("session %s: degraded to %dx%d with one video worker", id, w, h)
	return true, nil
}
