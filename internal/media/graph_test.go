package media

import (
	"strings"
	"testing"
)

func TestGraph_Render(t *testing.T) {
	g := NewGraph(2)
	a := g.Chain([]string{"0:a"}, []string{"s0"}, AResample(48000), Volume(0.5))
	b := g.Chain([]string{"1:a"}, []string{"s1"}, AResample(48000), Volume(1))
	g.Chain([]string{a, b}, []string{"aout"}, AMix(2))

	got, err := g.Render()
	if err != nil {
		t.Fatal(err)
	}
	want := "[0:a]aresample=48000,volume=0.500[s0];" +
		"[1:a]aresample=48000,volume=1.000[s1];" +
		"[s0][s1]amix=inputs=2:duration=shortest:normalize=0[aout]"
	if got != want {
		t.Errorf("Render() =\n%s\nwant\n%s", got, want)
	}
	if sinks := g.Sinks(); len(sinks) != 1 || sinks[0] != "aout" {
		t.Errorf("Sinks() = %v", sinks)
	}
}

func TestGraph_RenderOutput(t *testing.T) {
	tests := []struct {
		name     string
		build    func(g *Graph)
		wantSink string
		wantErr  string
	}{
		{"single sink", func(g *Graph) {
			g.Chain([]string{"0:v"}, []string{"v0"}, F("null"))
			g.Chain([]string{"v0"}, []string{"vout"}, F("null"))
		}, "vout", ""},
		{"two sinks", func(g *Graph) {
			g.Chain([]string{"0:v"}, []string{"v0"}, F("null"))
			g.Chain([]string{"0:a"}, []string{"a0"}, F("anull"))
		}, "", "want one output"},
		{"invalid graph", func(*Graph) {}, "", "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGraph(1)
			tt.build(g)
			_, sink, err := g.RenderOutput()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("RenderOutput() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil || sink != tt.wantSink {
				t.Errorf("RenderOutput() = %q, %v; want %q", sink, err, tt.wantSink)
			}
		})
	}
}

func TestGraph_ValidateErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(g *Graph)
		want  string
	}{
		{"empty", func(*Graph) {}, "empty"},
		{"input out of range", func(g *Graph) {
			g.Chain([]string{"3:v"}, []string{"v0"}, F("null"))
		}, "out of range"},
		{"label used before produced", func(g *Graph) {
			g.Chain([]string{"later"}, []string{"v0"}, F("null"))
			g.Chain([]string{"0:v"}, []string{"later"}, F("null"))
		}, "before it is produced"},
		{"label consumed twice", func(g *Graph) {
			g.Chain([]string{"0:v"}, []string{"v0"}, F("null"))
			g.Chain([]string{"v0"}, []string{"v1"}, F("null"))
			g.Chain([]string{"v0"}, []string{"v2"}, F("null"))
		}, "consumed twice"},
		{"label produced twice", func(g *Graph) {
			g.Chain([]string{"0:v"}, []string{"v0"}, F("null"))
			g.Chain([]string{"0:a"}, []string{"v0"}, F("anull"))
		}, "produced twice"},
		{"reserved characters", func(g *Graph) {
			g.Chain([]string{"0:v"}, []string{"v0"}, F("drawtext", KV("text", "a:b")))
		}, "reserved"},
		{"bad label", func(g *Graph) {
			g.Chain([]string{"0:v"}, []string{"0bad"}, F("null"))
		}, "invalid label"},
		{"no filters", func(g *Graph) {
			g.Chain([]string{"0:v"}, []string{"v0"})
		}, "no filters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGraph(1)
			tt.build(g)
			_, err := g.Render()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Render() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestNormalize_RendersPadExpression(t *testing.T) {
	g := NewGraph(1)
	g.Chain([]string{"0:v"}, []string{"v0"}, Normalize(1080, 1920, 30)...)
	got, err := g.Render()
	if err != nil {
		t.Fatal(err)
	}
	want := "[0:v]scale=1080:1920:force_original_aspect_ratio=decrease,pad=1080:1920:(ow-iw)/2:(oh-ih)/2," +
		"setsar=1,fps=30,format=yuv420p,setpts=PTS-STARTPTS[v0]"
	if got != want {
		t.Errorf("got %s", got)
	}
}
