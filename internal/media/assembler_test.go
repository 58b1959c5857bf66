package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"reel-pipeline/internal/failure"
)

type fakeRunner struct {
	clipAudio  bool
	concatErr  error
	mixErr     error
	mixed      []AudioSource
	concatMode Mode
	audioCat   int
}

func (f *fakeRunner) Concatenate(_ context.Context, _ []string, opt ConcatOptions, out string) error {
	if f.concatErr != nil {
		return f.concatErr
	}
	f.concatMode = opt.Mode
	return os.WriteFile(out, []byte("video-only"), 0o644)
}

func (f *fakeRunner) ConcatAudio(_ context.Context, _ []string, out string) error {
	f.audioCat++
	return os.WriteFile(out, []byte("clip-audio"), 0o644)
}

func (f *fakeRunner) MixAudio(_ context.Context, _ string, sources []AudioSource, out string) error {
	if f.mixErr != nil {
		return f.mixErr
	}
	f.mixed = sources
	return os.WriteFile(out, []byte("mixed"), 0o644)
}

func (f *fakeRunner) Probe(_ context.Context, path string) (*ProbeResult, error) {
	return &ProbeResult{HasVideo: true, HasAudio: f.clipAudio, Duration: 5}, nil
}

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(name), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestAssemble_SourceSelection(t *testing.T) {
	tests := []struct {
		name      string
		clipAudio bool
		keep      bool
		voice     bool
		music     bool
		want      []string
	}{
		{"no audio copies video", false, true, false, false, nil},
		{"music only", false, true, false, true, []string{"music"}},
		{"voice and music", false, true, true, true, []string{"voice", "music"}},
		{"clip audio kept", true, true, false, true, []string{"original", "music"}},
		{"clip audio dropped by config", true, false, false, true, []string{"music"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			in := MergeInput{
				Clips:     []string{touch(t, dir, "scene_1.mp4"), touch(t, dir, "scene_2.mp4")},
				OutputDir: filepath.Join(dir, "merge"),
			}
			if tt.voice {
				in.VoicePath = touch(t, dir, "voice.mp3")
			}
			if tt.music {
				in.MusicPath = touch(t, dir, "music.mp3")
			}
			fr := &fakeRunner{clipAudio: tt.clipAudio}
			res, err := NewAssembler(fr, DefaultGains(), tt.keep, nil).Assemble(context.Background(), in)
			if err != nil {
				t.Fatal(err)
			}
			if len(res.AudioSources) != len(tt.want) {
				t.Fatalf("sources = %v, want %v", res.AudioSources, tt.want)
			}
			for i := range tt.want {
				if res.AudioSources[i] != tt.want[i] {
					t.Errorf("sources = %v, want %v", res.AudioSources, tt.want)
				}
			}
			data, _ := os.ReadFile(res.OutputPath)
			if len(tt.want) == 0 {
				if string(data) != "video-only" || fr.mixed != nil {
					t.Errorf("zero sources should copy the concatenation verbatim, got %q", data)
				}
				return
			}
			if string(data) != "mixed" {
				t.Errorf("output = %q", data)
			}
			gains := DefaultGains()
			for _, s := range fr.mixed {
				want := map[string]float64{"voice": gains.Voice, "music": gains.Music, "original": gains.Original}[s.Label]
				if s.Gain != want {
					t.Errorf("%s gain = %v, want %v", s.Label, s.Gain, want)
				}
			}
		})
	}
}

func TestAssemble_Failures(t *testing.T) {
	dir := t.TempDir()
	clip := touch(t, dir, "scene_1.mp4")
	tests := []struct {
		name string
		in   MergeInput
		fr   *fakeRunner
		want failure.Kind
	}{
		{"no clips", MergeInput{OutputDir: dir}, &fakeRunner{}, failure.Validation},
		{"missing clip", MergeInput{Clips: []string{filepath.Join(dir, "gone.mp4")}, OutputDir: dir}, &fakeRunner{}, failure.ResourceNotFound},
		{"missing music", MergeInput{Clips: []string{clip}, MusicPath: filepath.Join(dir, "gone.mp3"), OutputDir: dir}, &fakeRunner{}, failure.ResourceNotFound},
		{"engine failure", MergeInput{Clips: []string{clip}, OutputDir: dir},
			&fakeRunner{concatErr: &ExecError{Tool: "ffmpeg", Stderr: "Conversion failed!", Err: errors.New("exit status 1")}},
			failure.ServiceUnavailable},
		{"disk full", MergeInput{Clips: []string{clip}, MusicPath: clip, OutputDir: dir},
			&fakeRunner{mixErr: &ExecError{Tool: "ffmpeg", Stderr: "No space left on device", Err: errors.New("exit status 1")}},
			failure.DiskFull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAssembler(tt.fr, DefaultGains(), false, nil).Assemble(context.Background(), tt.in)
			if got := failure.KindOf(err); got != tt.want {
				t.Errorf("kind = %s (%v), want %s", got, err, tt.want)
			}
		})
	}
}

func TestAssemble_PassesConcatMode(t *testing.T) {
	dir := t.TempDir()
	fr := &fakeRunner{}
	in := MergeInput{
		Clips:     []string{touch(t, dir, "a.mp4"), touch(t, dir, "b.mp4")},
		OutputDir: dir,
		Concat:    ConcatOptions{Mode: Crossfade, SceneDuration: 5, TransitionSec: 0.5},
	}
	if _, err := NewAssembler(fr, DefaultGains(), true, nil).Assemble(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if fr.concatMode != Crossfade {
		t.Errorf("mode = %q", fr.concatMode)
	}
	if fr.audioCat != 0 {
		t.Error("clips without audio should not be concatenated for audio")
	}
}
