package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"reel-pipeline/internal/config"
	"reel-pipeline/internal/media"
	"reel-pipeline/internal/types"
)

// TestScenarioA_RealAssembly runs one scene through the real ffmpeg engine
// and checks the final duration matches the configured scene length.
func TestScenarioA_RealAssembly(t *testing.T) {
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}
	h := newHarness(t, func(c *config.Config) {
		c.Media.Width, c.Media.Height, c.Media.FPS = 320, 240, 25
	})
	secs := h.cfg.Pipeline.SceneDurationSec
	h.vid.clip = func(out string) error {
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}
		b, err := exec.Command("ffmpeg", "-hide_banner", "-nostdin", "-y", "-loglevel", "error",
			"-f", "lavfi", "-i", fmt.Sprintf("testsrc=s=320x240:r=25:d=%d", secs),
			"-c:v", "libx264", "-pix_fmt", "yuv420p", out).CombinedOutput()
		if err != nil {
			return fmt.Errorf("%v: %s", err, b)
		}
		return nil
	}
	engine := media.NewEngine("ffmpeg", "ffprobe", 320, 240, 25, nil)
	h.o.collab.Assembler = media.NewAssembler(engine, media.DefaultGains(), true, nil)

	id := h.start(t, types.GenerationRequest{SceneCount: 1})
	sess := h.wait(t, id)
	if sess.Status != types.SessionCompleted {
		t.Fatalf("status = %s (%s)", sess.Status, sess.Error)
	}
	pr, err := engine.Probe(context.Background(), sess.FinalOutput)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(pr.Duration-float64(secs)) > 1 {
		t.Errorf("duration = %.2f, want %d +/- 1", pr.Duration, secs)
	}
	if pr.HasAudio {
		t.Error("no audio was requested but the output has an audio track")
	}
}
