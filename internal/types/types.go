package types

import (
	"fmt"
	"strings"
	"time"
)

// Scene count bounds for a single generation request.
const (
	MinScenes = 1
	MaxScenes = 5
)

// Stage names a pipeline step.
type Stage string

const (
	StagePrompts Stage = "prompts"
	StageImages  Stage = "images"
	StageVideos  Stage = "videos"
	StageAudio   Stage = "audio"
	StageMerge   Stage = "merge"
)

// SessionStatus is the overall lifecycle state of a session.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// StageState is the lifecycle state of one stage.
type StageState string

const (
	StagePending    StageState = "pending"
	StageProcessing StageState = "processing"
	StageCompleted  StageState = "completed"
	StageError      StageState = "error"
)

// ImageOptions are passed through to the image generator.
type ImageOptions struct {
	Provider    string `json:"provider,omitempty" yaml:"provider"`
	AspectRatio string `json:"aspect_ratio,omitempty" yaml:"aspect_ratio"`
	Style       string `json:"style,omitempty" yaml:"style"`
	Seed        int64  `json:"seed,omitempty" yaml:"seed"`
}

// GenerationRequest is what a caller asks for. It is never mutated once a
// session has been created from it.
type GenerationRequest struct {
	SceneCount   int          `json:"scene_count"`
	Description  string       `json:"description"`
	Voiceover    bool         `json:"voiceover"`
	Music        bool         `json:"music"`
	ImageOptions ImageOptions `json:"image_options"`
}

// WantsAudio reports whether the audio stage belongs in the pipeline.
func (r GenerationRequest) WantsAudio() bool {
	return r.Voiceover || r.Music
}

// StageStatus is the progress record for one stage of one session.
type StageStatus struct {
	Name       Stage      `json:"name"`
	Status     StageState `json:"status"`
	Message    string     `json:"message,omitempty"`
	Progress   *int       `json:"progress,omitempty"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Error      string     `json:"error,omitempty"`
	RetryCount int        `json:"retry_count,omitempty"`
}

// Session tracks one end-to-end generation request.
type Session struct {
	ID             string            `json:"id"`
	Request        GenerationRequest `json:"request"`
	ReferenceImage string            `json:"reference_image"`
	Status         SessionStatus     `json:"status"`
	Stages         []StageStatus     `json:"stages"`
	CurrentStage   Stage             `json:"current_stage,omitempty"`
	Attempt        int               `json:"attempt"`
	FinalOutput    string            `json:"final_output,omitempty"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// IsDone reports whether the session reached a terminal state.
func (s *Session) IsDone() bool {
	return s.Status == SessionCompleted || s.Status == SessionFailed
}

// Stage returns the record for name, or nil if the session has no such stage.
func (s *Session) Stage(name Stage) *StageStatus {
	for i := range s.Stages {
		if s.Stages[i].Name == name {
			return &s.Stages[i]
		}
	}
	return nil
}

// Clone returns a deep copy so callers can never mutate store-owned state.
func (s *Session) Clone() *Session {
	out := *s
	out.Stages = make([]StageStatus, len(s.Stages))
	for i, st := range s.Stages {
		out.Stages[i] = st
		if st.Progress != nil {
			p := *st.Progress
			out.Stages[i].Progress = &p
		}
		if st.StartTime != nil {
			t := *st.StartTime
			out.Stages[i].StartTime = &t
		}
		if st.EndTime != nil {
			t := *st.EndTime
			out.Stages[i].EndTime = &t
		}
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// ScenePrompt is the per-scene prompt pair produced by the prompts stage.
type ScenePrompt struct {
	Scene       int    `json:"scene"`
	ImagePrompt string `json:"image_prompt"`
	VideoPrompt string `json:"video_prompt"`
}

// PromptSet is the full output of the prompt generator.
type PromptSet struct {
	Scenes          []ScenePrompt `json:"scenes"`
	VoiceoverScript string        `json:"voiceover_script,omitempty"`
	MusicPrompt     string        `json:"music_prompt,omitempty"`
}

// Check reports whether the set holds exactly n scenes numbered 1..n with
// non-empty prompts.
func (p *PromptSet) Check(n int) error {
	if p == nil {
		return fmt.Errorf("no prompts returned")
	}
	if len(p.Scenes) != n {
		return fmt.Errorf("expected %d scene prompts, got %d", n, len(p.Scenes))
	}
	for i, sc := range p.Scenes {
		if sc.Scene != i+1 {
			return fmt.Errorf("scene %d is numbered %d", i+1, sc.Scene)
		}
		if strings.TrimSpace(sc.ImagePrompt) == "" || strings.TrimSpace(sc.VideoPrompt) == "" {
			return fmt.Errorf("scene %d has an empty prompt", sc.Scene)
		}
	}
	return nil
}

// PromptRequest is what the prompt generator is asked to produce.
type PromptRequest struct {
	SceneCount  int
	Description string
	Voiceover   bool
	Music       bool
	// SceneSeconds lets the generator pace the voiceover script.
	SceneSeconds int
}

// ImageRequest asks for one scene image. References holds one or two image
// paths: the rolling reference first, then the optional original anchor.
type ImageRequest struct {
	Scene      int
	Prompt     string
	References []string
	Options    ImageOptions
	Width      int
	Height     int
}

// VideoRequest asks for one fixed-length clip animated from a scene image.
type VideoRequest struct {
	Scene        int
	ImagePath    string
	MotionPrompt string
	Seconds      int
	Width        int
	Height       int
}

// SceneAssets holds the generated media for one scene.
type SceneAssets struct {
	Scene     int    `json:"scene"`
	ImagePath string `json:"image_path,omitempty"`
	VideoPath string `json:"video_path,omitempty"`
}

// VoiceParams tune speech synthesis.
type VoiceParams struct {
	LanguageCode string  `json:"language_code" yaml:"language_code"`
	Name         string  `json:"name" yaml:"name"`
	SpeakingRate float64 `json:"speaking_rate" yaml:"speaking_rate"`
	Pitch        float64 `json:"pitch" yaml:"pitch"`
}

// AudioOutput is what the audio stage hands to merge.
type AudioOutput struct {
	VoicePath string `json:"voice_path,omitempty"`
	MusicPath string `json:"music_path,omitempty"`
}

// Artifacts is the checkpoint document for one session attempt. Each stage
// owns its own fields and appends them exactly once.
type Artifacts struct {
	SessionID string       `json:"session_id"`
	Attempt   int          `json:"attempt"`
	Prompts   *PromptSet   `json:"prompts,omitempty"`
	Images    []string     `json:"images,omitempty"`
	Videos    []string     `json:"videos,omitempty"`
	Audio     *AudioOutput `json:"audio,omitempty"`
	Final     string       `json:"final,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Scenes zips the image and video paths into per-scene assets.
func (a *Artifacts) Scenes() []SceneAssets {
	n := len(a.Images)
	if len(a.Videos) > n {
		n = len(a.Videos)
	}
	out := make([]SceneAssets, n)
	for i := range out {
		out[i].Scene = i + 1
		if i < len(a.Images) {
			out[i].ImagePath = a.Images[i]
		}
		if i < len(a.Videos) {
			out[i].VideoPath = a.Videos[i]
		}
	}
	return out
}
