// Package media assembles scene clips and audio tracks into the final video
// by driving ffmpeg. Filter graphs are built as typed nodes (Graph) and only
// rendered to ffmpeg syntax at the last moment.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"reel-pipeline/internal/logging"
)

// Mode is how consecutive clips are joined.
type Mode string

const (
	HardCut   Mode = "hardcut"
	Crossfade Mode = "crossfade"
)

// SampleRate is the common rate every audio source is resampled to.
const SampleRate = 48000

// ConcatOptions controls Concatenate. Zero Width/Height/FPS fall back to the
// engine's defaults.
type ConcatOptions struct {
	Mode Mode
	// SceneDuration is the uniform clip length in seconds used for crossfade
	// offsets.
	SceneDuration float64
	TransitionSec float64
	Width         int
	Height        int
	FPS           int
}

// AudioSource is one input to MixAudio, added as an extra -i input.
type AudioSource struct {
	Label string
	Path  string
	Gain  float64
}

// ExecError is an ffmpeg or ffprobe failure with the captured stderr.
type ExecError struct {
	Tool   string
	Stderr string
	Err    error
}

func (e *ExecError) Error() string {
	tail := strings.TrimSpace(e.Stderr)
	if lines := strings.Split(tail, "\n"); len(lines) > 5 {
		tail = strings.Join(lines[len(lines)-5:], "\n")
	}
	if tail == "" {
		return fmt.Sprintf("%s: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Tool, e.Err, tail)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Engine runs ffmpeg and ffprobe.
type Engine struct {
	FFmpeg  string
	FFprobe string
	Width   int
	Height  int
	FPS     int
	log     *logging.Logger
}

// NewEngine returns an engine with the given binaries and default output
// geometry.
func NewEngine(ffmpeg, ffprobe string, width, height, fps int, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Discard()
	}
	return &Engine{FFmpeg: ffmpeg, FFprobe: ffprobe, Width: width, Height: height, FPS: fps, log: log}
}

func (e *Engine) geometry(opt ConcatOptions) (int, int, int) {
	w, h, fps := opt.Width, opt.Height, opt.FPS
	if w <= 0 {
		w = e.Width
	}
	if h <= 0 {
		h = e.Height
	}
	if fps <= 0 {
		fps = e.FPS
	}
	return w, h, fps
}

// ConcatArgs builds the ffmpeg arguments that join clips into a video-only
// file. Exported so the command line can be checked without ffmpeg.
func (e *Engine) ConcatArgs(paths []string, opt ConcatOptions, out string) ([]string, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("concat: no clips")
	}
	w, h, fps := e.geometry(opt)
	g := NewGraph(len(paths))
	norm := make([]string, len(paths))
	for i := range paths {
		norm[i] = g.Chain([]string{strconv.Itoa(i) + ":v"}, []string{"v" + strconv.Itoa(i)}, Normalize(w, h, fps)...)
	}

	if opt.Mode == Crossfade && len(paths) > 1 {
		if opt.TransitionSec <= 0 || opt.TransitionSec >= opt.SceneDuration {
			return nil, fmt.Errorf("concat: transition %.2fs must be within a %.2fs scene", opt.TransitionSec, opt.SceneDuration)
		}
		last := norm[0]
		for i := 1; i < len(norm); i++ {
			label := "x" + strconv.Itoa(i)
			if i == len(norm)-1 {
				label = "vout"
			}
			last = g.Chain([]string{last, norm[i]}, []string{label}, XFade(opt.TransitionSec, CrossfadeOffset(i, opt.SceneDuration, opt.TransitionSec)))
		}
	} else {
		g.Chain(norm, []string{"vout"}, Concat(len(norm), true, false))
	}

	fc, sink, err := g.RenderOutput()
	if err != nil {
		return nil, err
	}
	args := []string{"-hide_banner", "-nostdin", "-y", "-loglevel", "error"}
	for _, p := range paths {
		args = append(args, "-i", p)
	}
	args = append(args,
		"-filter_complex", fc,
		"-map", "["+sink+"]",
		"-an",
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "22",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		out,
	)
	return args, nil
}

// CrossfadeOffset is where transition i (1-based) starts in the chained
// output. Every clip is assumed to last sceneDuration; each earlier
// transition shortens the chain by one transition length.
func CrossfadeOffset(i int, sceneDuration, transition float64) float64 {
	return float64(i) * (sceneDuration - transition)
}

// Concatenate joins clips in order into a video-only file at out.
func (e *Engine) Concatenate(ctx context.Context, paths []string, opt ConcatOptions, out string) error {
	args, err := e.ConcatArgs(paths, opt, out)
	if err != nil {
		return err
	}
	e.log.Info("concatenating %d clip(s) (%s)", len(paths), modeOrDefault(opt.Mode))
	return e.run(ctx, e.FFmpeg, args)
}

// ConcatAudioArgs builds the arguments that join the audio tracks of clips.
func (e *Engine) ConcatAudioArgs(paths []string, out string) ([]string, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("concat audio: no clips")
	}
	g := NewGraph(len(paths))
	norm := make([]string, len(paths))
	for i := range paths {
		norm[i] = g.Chain([]string{strconv.Itoa(i) + ":a"}, []string{"a" + strconv.Itoa(i)}, AResample(SampleRate), AFormat())
	}
	g.Chain(norm, []string{"aout"}, Concat(len(norm), false, true))
	fc, sink, err := g.RenderOutput()
	if err != nil {
		return nil, err
	}
	args := []string{"-hide_banner", "-nostdin", "-y", "-loglevel", "error"}
	for _, p := range paths {
		args = append(args, "-i", p)
	}
	return append(args, "-filter_complex", fc, "-map", "["+sink+"]", "-vn", "-c:a", "aac", "-b:a", "192k", out), nil
}

// ConcatAudio joins the audio tracks of clips into one file.
func (e *Engine) ConcatAudio(ctx context.Context, paths []string, out string) error {
	args, err := e.ConcatAudioArgs(paths, out)
	if err != nil {
		return err
	}
	return e.run(ctx, e.FFmpeg, args)
}

// MixArgs builds the arguments that lay the mixed sources under video. One
// source is resampled and scaled only; two or more go through amix.
func (e *Engine) MixArgs(video string, sources []AudioSource, out string) ([]string, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("mix: no audio sources")
	}
	inputs := []string{video}
	g := NewGraph(1 + len(sources))
	scaled := make([]string, 0, len(sources))
	for i, s := range sources {
		inputs = append(inputs, s.Path)
		spec := strconv.Itoa(len(inputs)-1) + ":a"
		label := "s" + strconv.Itoa(i)
		if len(sources) == 1 {
			label = "aout"
		}
		scaled = append(scaled, g.Chain([]string{spec}, []string{label}, AResample(SampleRate), AFormat(), Volume(s.Gain)))
	}
	if len(scaled) > 1 {
		g.Chain(scaled, []string{"aout"}, AMix(len(scaled)))
	}
	fc, sink, err := g.RenderOutput()
	if err != nil {
		return nil, err
	}

	args := []string{"-hide_banner", "-nostdin", "-y", "-loglevel", "error"}
	for _, in := range inputs {
		args = append(args, "-i", in)
	}
	return append(args,
		"-filter_complex", fc,
		"-map", "0:v",
		"-map", "["+sink+"]",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		"-movflags", "+faststart",
		out,
	), nil
}

// MixAudio writes video with the mixed sources as its only audio track.
func (e *Engine) MixAudio(ctx context.Context, video string, sources []AudioSource, out string) error {
	args, err := e.MixArgs(video, sources, out)
	if err != nil {
		return err
	}
	e.log.Info("mixing %d audio source(s)", len(sources))
	return e.run(ctx, e.FFmpeg, args)
}

// Probe runs a single ffprobe JSON call against path.
func (e *Engine) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, e.FFprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, &ExecError{Tool: "ffprobe", Stderr: stderr.String(), Err: err}
	}
	return ParseProbe(out)
}

func (e *Engine) run(ctx context.Context, bin string, args []string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = os.Stdout
	e.log.Debug("%s %s", bin, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ExecError{Tool: "ffmpeg", Stderr: stderr.String(), Err: err}
	}
	return nil
}

func modeOrDefault(m Mode) Mode {
	if m == "" {
		return HardCut
	}
	return m
}
