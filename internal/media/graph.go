package media

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Filter is one ffmpeg filter with its arguments in order. Args are either
// positional values or key=value pairs built with KV.
type Filter struct {
	Name string
	Args []string
}

// F builds a filter.
func F(name string, args ...string) Filter {
	return Filter{Name: name, Args: args}
}

// KV formats a key=value filter argument.
func KV(key string, value any) string {
	switch v := value.(type) {
	case float64:
		return key + "=" + strconv.FormatFloat(v, 'f', 3, 64)
	default:
		return fmt.Sprintf("%s=%v", key, v)
	}
}

// Node is a chain of filters reading labelled inputs and producing labelled
// outputs: [in0][in1]f1,f2[out0].
type Node struct {
	Inputs  []string
	Filters []Filter
	Outputs []string
}

// Graph is an ordered filter graph for -filter_complex. Inputs are either
// stream specifiers of the command's -i inputs ("0:v", "2:a") or labels
// produced by an earlier node.
type Graph struct {
	inputs int
	nodes  []Node
}

// NewGraph starts a graph over a command with the given number of -i inputs.
func NewGraph(inputs int) *Graph {
	return &Graph{inputs: inputs}
}

// Chain appends a node and returns its first output label.
func (g *Graph) Chain(inputs []string, outputs []string, filters ...Filter) string {
	g.nodes = append(g.nodes, Node{Inputs: inputs, Filters: filters, Outputs: outputs})
	if len(outputs) == 0 {
		return ""
	}
	return outputs[0]
}

var (
	streamSpec = regexp.MustCompile(`^(\d+):([va])$`)
	labelRe    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	// Characters with meaning at the graph or option level.
	reserved = ":,;[]'\\"
)

// Validate checks that every label is produced exactly once before it is
// consumed, every input specifier refers to an existing -i input, and no
// argument contains graph syntax.
func (g *Graph) Validate() error {
	if len(g.nodes) == 0 {
		return errors.New("filter graph: empty")
	}
	produced := map[string]bool{}
	consumed := map[string]bool{}
	for i, n := range g.nodes {
		if len(n.Filters) == 0 {
			return fmt.Errorf("filter graph: node %d has no filters", i)
		}
		if len(n.Outputs) == 0 {
			return fmt.Errorf("filter graph: node %d has no outputs", i)
		}
		for _, in := range n.Inputs {
			if m := streamSpec.FindStringSubmatch(in); m != nil {
				idx, _ := strconv.Atoi(m[1])
				if idx >= g.inputs {
					return fmt.Errorf("filter graph: input %q out of range (%d inputs)", in, g.inputs)
				}
				continue
			}
			if !produced[in] {
				return fmt.Errorf("filter graph: node %d reads %q before it is produced", i, in)
			}
			if consumed[in] {
				return fmt.Errorf("filter graph: label %q consumed twice", in)
			}
			consumed[in] = true
		}
		for _, f := range n.Filters {
			if f.Name == "" {
				return fmt.Errorf("filter graph: node %d has an unnamed filter", i)
			}
			for _, a := range f.Args {
				for _, part := range strings.SplitN(a, "=", 2) {
					if strings.ContainsAny(part, reserved) {
						return fmt.Errorf("filter graph: %s argument %q contains reserved characters", f.Name, a)
					}
				}
			}
		}
		for _, out := range n.Outputs {
			if !labelRe.MatchString(out) {
				return fmt.Errorf("filter graph: invalid label %q", out)
			}
			if produced[out] {
				return fmt.Errorf("filter graph: label %q produced twice", out)
			}
			produced[out] = true
		}
	}
	return nil
}

// Sinks returns the labels produced but never consumed, in order. These
// are the labels a command maps to its output.
func (g *Graph) Sinks() []string {
	consumed := map[string]bool{}
	for _, n := range g.nodes {
		for _, in := range n.Inputs {
			consumed[in] = true
		}
	}
	var out []string
	for _, n := range g.nodes {
		for _, o := range n.Outputs {
			if !consumed[o] {
				out = append(out, o)
			}
		}
	}
	return out
}

// Render validates the graph and returns it in -filter_complex syntax.
func (g *Graph) Render() (string, error) {
	if err := g.Validate(); err != nil {
		return "", err
	}
	parts := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		var b strings.Builder
		for _, in := range n.Inputs {
			b.WriteString("[" + in + "]")
		}
		for j, f := range n.Filters {
			if j > 0 {
				b.WriteByte(',')
			}
			b.WriteString(f.Name)
			if len(f.Args) > 0 {
				b.WriteByte('=')
				b.WriteString(strings.Join(f.Args, ":"))
			}
		}
		for _, out := range n.Outputs {
			b.WriteString("[" + out + "]")
		}
		parts[i] = b.String()
	}
	return strings.Join(parts, ";"), nil
}

// RenderOutput renders the graph and returns the label of its single
// output, which the command maps with -map.
func (g *Graph) RenderOutput() (fc, sink string, err error) {
	if fc, err = g.Render(); err != nil {
		return "", "", err
	}
	sinks := g.Sinks()
	if len(sinks) != 1 {
		return "", "", fmt.Errorf("filter graph: want one output, have %v", sinks)
	}
	return fc, sinks[0], nil
}

// Typed constructors for the filters the assembler uses.

// Normalize scales and pads to w x h, resets the sample aspect ratio and
// forces a constant frame rate and pixel format.
func Normalize(w, h, fps int) []Filter {
	return []Filter{
		F("scale", strconv.Itoa(w), strconv.Itoa(h), KV("force_original_aspect_ratio", "decrease")),
		F("pad", strconv.Itoa(w), strconv.Itoa(h), "(ow-iw)/2", "(oh-ih)/2"),
		F("setsar", "1"),
		F("fps", strconv.Itoa(fps)),
		F("format", "yuv420p"),
		F("setpts", "PTS-STARTPTS"),
	}
}

func Concat(n int, video, audio bool) Filter {
	return F("concat", KV("n", n), KV("v", boolInt(video)), KV("a", boolInt(audio)))
}

func XFade(duration, offset float64) Filter {
	return F("xfade", KV("transition", "fade"), KV("duration", duration), KV("offset", offset))
}

func AResample(rate int) Filter {
	return F("aresample", strconv.Itoa(rate))
}

func AFormat() Filter {
	return F("aformat", KV("sample_fmts", "fltp"), KV("channel_layouts", "stereo"))
}

func Volume(gain float64) Filter {
	return F("volume", strconv.FormatFloat(gain, 'f', 3, 64))
}

// AMix never normalizes and stops with the shortest input, so configured
// gains are applied as-is and no source is padded with silence.
func AMix(n int) Filter {
	return F("amix", KV("inputs", n), KV("duration", "shortest"), KV("normalize", 0))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
