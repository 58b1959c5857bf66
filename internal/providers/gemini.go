package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"reel-pipeline/internal/config"
	"reel-pipeline/internal/logging"
	"reel-pipeline/internal/types"
)

// GeminiPrompts writes scene prompts with Gemini in JSON mode.
type GeminiPrompts struct {
	client      *genai.Client
	model       string
	temperature float32
	log         *logging.Logger
}

func NewGeminiPrompts(ctx context.Context, cfg config.PromptsConfig, apiKey string, log *logging.Logger, opts ...option.ClientOption) (*GeminiPrompts, error) {
	if log == nil {
		log = logging.Discard()
	}
	if apiKey != "" {
		opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiPrompts{
		client:      client,
		model:       cfg.GeminiModel,
		temperature: float32(cfg.Temperature),
		log:         log.With("prompts"),
	}, nil
}

func (g *GeminiPrompts) Close() error {
	return g.client.Close()
}

func (g *GeminiPrompts) configureModel(m *genai.GenerativeModel) {
	m.SetTemperature(g.temperature)
	m.ResponseMIMEType = "application/json"
	m.ResponseSchema = promptSchema()
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(promptSystem)}}
}

func promptSchema() *genai.Schema {
	str := &genai.Schema{Type: genai.TypeString}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"scenes": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"scene":        {Type: genai.TypeInteger},
						"image_prompt": str,
						"video_prompt": str,
					},
					Required: []string{"scene", "image_prompt", "video_prompt"},
				},
			},
			"voiceover_script": str,
			"music_prompt":     str,
		},
		Required: []string{"scenes"},
	}
}

func (g *GeminiPrompts) Generate(ctx context.Context, req types.PromptRequest) (*types.PromptSet, error) {
	g.log.Info("generating %d scene prompts via Gemini (%s)", req.SceneCount, g.model)
	model := g.client.GenerativeModel(g.model)
	g.configureModel(model)

	resp, err := model.GenerateContent(ctx, genai.Text(buildUserPrompt(req)))
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", googleStatus(err))
	}
	text, err := responseText(resp)
	if err != nil {
		return nil, err
	}
	ps, err := parsePromptSet(text, req)
	if err != nil {
		return nil, err
	}
	g.log.Success("prompts ready: %d scenes", len(ps.Scenes))
	return ps, nil
}

// responseText joins the text parts of the first candidate. A blocked
// prompt has no candidates and reports its block reason.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
			return "", fmt.Errorf("gemini prompt blocked: %s", resp.PromptFeedback.BlockReason)
		}
		return "", fmt.Errorf("gemini returned no candidates")
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return "", fmt.Errorf("gemini candidate has no content (finish reason %s)", cand.FinishReason)
	}
	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("gemini candidate has no text")
	}
	return sb.String(), nil
}
