// Package checkpoint persists the artifacts produced by each pipeline stage.
// A document is keyed by (session id, attempt) and is append-only: every
// stage owns its own fields and records them exactly once.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reel-pipeline/internal/failure"
	"reel-pipeline/internal/types"
)

var (
	// ErrNotFound is returned when no document exists for a session attempt.
	ErrNotFound = errors.New("checkpoint: not found")
	// ErrFieldRecorded is returned when a stage tries to write fields that
	// were already recorded.
	ErrFieldRecorded = errors.New("checkpoint: field already recorded")
)

// Patch carries the output of exactly one stage. Only the field belonging to
// Stage is read.
type Patch struct {
	Stage   types.Stage
	Prompts *types.PromptSet
	Images  []string
	Videos  []string
	Audio   *types.AudioOutput
	Final   string
}

// Store persists artifacts documents.
type Store interface {
	// Append merges p into the document for (sessionID, attempt), creating
	// it if needed, and returns the updated document.
	Append(ctx context.Context, sessionID string, attempt int, p Patch) (*types.Artifacts, error)
	Load(ctx context.Context, sessionID string, attempt int) (*types.Artifacts, error)
}

// Apply merges p into doc. It refuses to overwrite a field some earlier
// write already recorded.
func Apply(doc *types.Artifacts, p Patch, now time.Time) error {
	switch p.Stage {
	case types.StagePrompts:
		if p.Prompts == nil {
			return fmt.Errorf("checkpoint: empty %s patch", p.Stage)
		}
		if doc.Prompts != nil {
			return fmt.Errorf("%w: %s", ErrFieldRecorded, p.Stage)
		}
		ps := *p.Prompts
		ps.Scenes = append([]types.ScenePrompt(nil), p.Prompts.Scenes...)
		doc.Prompts = &ps
	case types.StageImages:
		if len(p.Images) == 0 {
			return fmt.Errorf("checkpoint: empty %s patch", p.Stage)
		}
		if len(doc.Images) > 0 {
			return fmt.Errorf("%w: %s", ErrFieldRecorded, p.Stage)
		}
		doc.Images = append([]string(nil), p.Images...)
	case types.StageVideos:
		if len(p.Videos) == 0 {
			return fmt.Errorf("checkpoint: empty %s patch", p.Stage)
		}
		if len(doc.Videos) > 0 {
			return fmt.Errorf("%w: %s", ErrFieldRecorded, p.Stage)
		}
		doc.Videos = append([]string(nil), p.Videos...)
	case types.StageAudio:
		if p.Audio == nil {
			return fmt.Errorf("checkpoint: empty %s patch", p.Stage)
		}
		if doc.Audio != nil {
			return fmt.Errorf("%w: %s", ErrFieldRecorded, p.Stage)
		}
		a := *p.Audio
		doc.Audio = &a
	case types.StageMerge:
		if p.Final == "" {
			return fmt.Errorf("checkpoint: empty %s patch", p.Stage)
		}
		if doc.Final != "" {
			return fmt.Errorf("%w: %s", ErrFieldRecorded, p.Stage)
		}
		doc.Final = p.Final
	default:
		return fmt.Errorf("checkpoint: unknown stage %q", p.Stage)
	}
	doc.UpdatedAt = now
	return nil
}

// Require checks that the outputs of the given stages are present. A missing
// field means the document is corrupt, which is a validation failure and is
// never retried.
func Require(doc *types.Artifacts, stages ...types.Stage) error {
	if doc == nil {
		return failure.New(failure.Validation, "corrupt session: no artifacts recorded")
	}
	for _, st := range stages {
		missing := false
		switch st {
		case types.StagePrompts:
			missing = doc.Prompts == nil || len(doc.Prompts.Scenes) == 0
		case types.StageImages:
			missing = len(doc.Images) == 0
		case types.StageVideos:
			missing = len(doc.Videos) == 0
		case types.StageAudio:
			missing = doc.Audio == nil
		case types.StageMerge:
			missing = doc.Final == ""
		}
		if missing {
			return failure.New(failure.Validation, "corrupt session %s attempt %d: missing %s output", doc.SessionID, doc.Attempt, st)
		}
	}
	return nil
}
