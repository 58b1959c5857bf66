package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"reel-pipeline/internal/failure"
	"reel-pipeline/internal/logging"
)

// Runner is the subset of Engine the assembler drives.
type Runner interface {
	Concatenate(ctx context.Context, paths []string, opt ConcatOptions, out string) error
	ConcatAudio(ctx context.Context, paths []string, out string) error
	MixAudio(ctx context.Context, video string, sources []AudioSource, out string) error
	Probe(ctx context.Context, path string) (*ProbeResult, error)
}

var _ Runner = (*Engine)(nil)

// Gains are the per-source volume multipliers.
type Gains struct {
	Voice    float64
	Music    float64
	Original float64
}

// DefaultGains: voice at full level, music and clip audio at half.
func DefaultGains() Gains {
	return Gains{Voice: 1.0, Music: 0.5, Original: 0.5}
}

// MergeInput is everything the merge stage hands to the assembler.
type MergeInput struct {
	// Clips are the scene videos in scene order.
	Clips     []string
	VoicePath string
	MusicPath string
	OutputDir string
	Concat    ConcatOptions
}

// MergeResult describes the assembled output.
type MergeResult struct {
	OutputPath    string   `json:"output_path"`
	VideoOnlyPath string   `json:"video_only_path"`
	AudioSources  []string `json:"audio_sources,omitempty"`
	Duration      float64  `json:"duration"`
}

// Assembler turns scene clips and audio tracks into one playable file.
type Assembler struct {
	engine        Runner
	gains         Gains
	keepClipAudio bool
	log           *logging.Logger
}

func NewAssembler(engine Runner, gains Gains, keepClipAudio bool, log *logging.Logger) *Assembler {
	if log == nil {
		log = logging.Discard()
	}
	return &Assembler{engine: engine, gains: gains, keepClipAudio: keepClipAudio, log: log}
}

// Assemble concatenates the clips, then mixes whatever audio exists under
// the result. Missing inputs are ResourceNotFound; engine failures that do
// not classify more precisely are ServiceUnavailable.
func (a *Assembler) Assemble(ctx context.Context, in MergeInput) (*MergeResult, error) {
	if len(in.Clips) == 0 {
		return nil, failure.New(failure.Validation, "merge: no video clips")
	}
	for _, p := range append(append([]string(nil), in.Clips...), nonEmpty(in.VoicePath, in.MusicPath)...) {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, failure.Wrap(failure.ResourceNotFound, err, failure.CollabMedia)
			}
			return nil, failure.Classify(err, failure.CollabMedia)
		}
	}
	if err := os.MkdirAll(in.OutputDir, 0o755); err != nil {
		return nil, failure.Classify(err, failure.CollabStorage)
	}

	res := &MergeResult{
		VideoOnlyPath: filepath.Join(in.OutputDir, "video_only.mp4"),
		OutputPath:    filepath.Join(in.OutputDir, "final.mp4"),
	}
	if err := a.engine.Concatenate(ctx, in.Clips, in.Concat, res.VideoOnlyPath); err != nil {
		return nil, engineFailure(err)
	}

	sources, err := a.sources(ctx, in)
	if err != nil {
		return nil, err
	}
	for _, s := range sources {
		res.AudioSources = append(res.AudioSources, s.Label)
	}

	if len(sources) == 0 {
		a.log.Info("no audio sources, copying video-only output")
		if err := copyFile(res.VideoOnlyPath, res.OutputPath); err != nil {
			return nil, failure.Classify(err, failure.CollabStorage)
		}
	} else if err := a.engine.MixAudio(ctx, res.VideoOnlyPath, sources, res.OutputPath); err != nil {
		return nil, engineFailure(err)
	}

	if pr, err := a.engine.Probe(ctx, res.OutputPath); err != nil {
		a.log.Warn("probe of %s failed: %v", res.OutputPath, err)
	} else {
		res.Duration = pr.Duration
	}
	a.log.Success("assembled %s (%.1fs, audio: %v)", res.OutputPath, res.Duration, res.AudioSources)
	return res, nil
}

// sources lists the audio to mix: the clips' own audio (when every clip has
// some), then voice, then music.
func (a *Assembler) sources(ctx context.Context, in MergeInput) ([]AudioSource, error) {
	var out []AudioSource
	if a.keepClipAudio && a.gains.Original > 0 {
		withAudio := true
		for _, c := range in.Clips {
			pr, err := a.engine.Probe(ctx, c)
			if err != nil {
				return nil, engineFailure(err)
			}
			if !pr.HasAudio {
				withAudio = false
				break
			}
		}
		if withAudio {
			clipAudio := filepath.Join(in.OutputDir, "clip_audio.m4a")
			if err := a.engine.ConcatAudio(ctx, in.Clips, clipAudio); err != nil {
				return nil, engineFailure(err)
			}
			out = append(out, AudioSource{Label: "original", Path: clipAudio, Gain: a.gains.Original})
		}
	}
	if in.VoicePath != "" {
		out = append(out, AudioSource{Label: "voice", Path: in.VoicePath, Gain: a.gains.Voice})
	}
	if in.MusicPath != "" {
		out = append(out, AudioSource{Label: "music", Path: in.MusicPath, Gain: a.gains.Music})
	}
	return out, nil
}

func engineFailure(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	ce := failure.Classify(err, failure.CollabMedia)
	if ce.Kind == failure.Unknown {
		return failure.Wrap(failure.ServiceUnavailable, err, failure.CollabMedia)
	}
	return ce
}

func nonEmpty(paths ...string) []string {
	var out []string
	for _, p := range paths {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
