package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"reel-pipeline/internal/failure"
	"reel-pipeline/internal/types"
)

const promptSystem = `You are a storyboard writer for short vertical videos (9:16, one continuous visual story).

Split the user's description into the requested number of scenes. The scenes are rendered in order and each scene's image is generated from the previous scene's image, so keep characters, wardrobe, setting and palette consistent from scene to scene.

You MUST respond with ONLY valid JSON, no preamble, no markdown, no explanation:
{
  "scenes": [
    {"scene": 1, "image_prompt": "...", "video_prompt": "..."}
  ],
  "voiceover_script": "...",
  "music_prompt": "..."
}

Rules:
- "scenes" has exactly the requested number of entries, numbered from 1.
- "image_prompt" describes one still frame in detail: subject, composition, lighting, lens. No text or watermarks.
- "video_prompt" describes only the motion to animate from that frame: camera move, subject action, pacing.
- "voiceover_script" is present only when a voiceover is requested. It is spoken narration that fits the total runtime at about 2.5 words per second.
- "music_prompt" is present only when music is requested. It names genre, mood, tempo and instrumentation, never lyrics.`

// buildUserPrompt renders the request the same way for every backend.
func buildUserPrompt(req types.PromptRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write exactly %d scenes for the following video.\n\n", req.SceneCount)
	fmt.Fprintf(&sb, "DESCRIPTION:\n%s\n\n", strings.TrimSpace(req.Description))
	if req.SceneSeconds > 0 {
		fmt.Fprintf(&sb, "Each scene lasts %d seconds; total runtime is %d seconds.\n", req.SceneSeconds, req.SceneSeconds*req.SceneCount)
	}
	if req.Voiceover {
		sb.WriteString("A voiceover IS requested: include voiceover_script.\n")
	} else {
		sb.WriteString("No voiceover: omit voiceover_script.\n")
	}
	if req.Music {
		sb.WriteString("Background music IS requested: include music_prompt.\n")
	} else {
		sb.WriteString("No music: omit music_prompt.\n")
	}
	sb.WriteString("\nRespond ONLY with valid JSON. No markdown. No explanation.")
	return sb.String()
}

// parsePromptSet decodes model output and enforces the scene count. A
// malformed or short answer is a Validation failure; the stage does not
// retry it.
func parsePromptSet(content string, req types.PromptRequest) (*types.PromptSet, error) {
	content = cleanJSON(content)
	var ps types.PromptSet
	if err := json.Unmarshal([]byte(content), &ps); err != nil {
		return nil, failure.Wrap(failure.Validation,
			fmt.Errorf("parse prompt JSON: %w (raw: %s)", err, truncate(content, 200)), failure.CollabPrompts)
	}
	if err := ps.Check(req.SceneCount); err != nil {
		return nil, failure.Wrap(failure.Validation, err, failure.CollabPrompts)
	}
	if req.Voiceover && strings.TrimSpace(ps.VoiceoverScript) == "" {
		return nil, failure.New(failure.Validation, "voiceover requested but no script returned")
	}
	if req.Music && strings.TrimSpace(ps.MusicPrompt) == "" {
		return nil, failure.New(failure.Validation, "music requested but no music prompt returned")
	}
	if !req.Voiceover {
		ps.VoiceoverScript = ""
	}
	if !req.Music {
		ps.MusicPrompt = ""
	}
	return &ps, nil
}
