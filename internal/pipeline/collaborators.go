package pipeline

import (
	"context"

	"reel-pipeline/internal/media"
	"reel-pipeline/internal/types"
)

// PromptGenerator splits a description into per-scene prompts.
type PromptGenerator interface {
	Generate(ctx context.Context, req types.PromptRequest) (*types.PromptSet, error)
}

// ImageGenerator renders one scene image to outFile.
type ImageGenerator interface {
	Generate(ctx context.Context, req types.ImageRequest, outFile string) error
}

// VideoGenerator animates one scene image into a clip at outFile.
type VideoGenerator interface {
	Generate(ctx context.Context, req types.VideoRequest, outFile string) error
}

// SpeechSynthesizer narrates text to outFile.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text, outFile string) error
}

// MusicSynthesizer composes a track of durationMs to outFile.
type MusicSynthesizer interface {
	Compose(ctx context.Context, prompt string, durationMs int, outFile string) error
}

// Assembler merges clips and audio into the final file.
type Assembler interface {
	Assemble(ctx context.Context, in media.MergeInput) (*media.MergeResult, error)
}

var _ Assembler = (*media.Assembler)(nil)

// Collaborators bundles the external capabilities a pipeline drives. Speech
// may be nil, in which case voiceover requests are ignored.
type Collaborators struct {
	Prompts   PromptGenerator
	Images    ImageGenerator
	Videos    VideoGenerator
	Speech    SpeechSynthesizer
	Music     MusicSynthesizer
	Assembler Assembler
}
