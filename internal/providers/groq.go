package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"reel-pipeline/internal/config"
	"reel-pipeline/internal/logging"
	"reel-pipeline/internal/types"
)

// GroqPrompts writes scene prompts through Groq's OpenAI-compatible chat API.
type GroqPrompts struct {
	url         string
	model       string
	temperature float64
	apiKey      string
	httpClient  *http.Client
	log         *logging.Logger
}

func NewGroqPrompts(cfg config.PromptsConfig, apiKey string, log *logging.Logger) *GroqPrompts {
	if log == nil {
		log = logging.Discard()
	}
	return &GroqPrompts{
		url:         cfg.GroqURL,
		model:       cfg.GroqModel,
		temperature: cfg.Temperature,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		log:         log.With("prompts"),
	}
}

type groqRequest struct {
	Model          string        `json:"model"`
	Messages       []groqMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens"`
	ResponseFormat *groqFormat   `json:"response_format,omitempty"`
}

type groqMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type groqFormat struct {
	Type string `json:"type"`
}

type groqResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (g *GroqPrompts) Generate(ctx context.Context, req types.PromptRequest) (*types.PromptSet, error) {
	if g.apiKey == "" {
		return nil, &StatusError{Code: http.StatusUnauthorized, Body: "GROQ_API_KEY not set"}
	}
	g.log.Info("generating %d scene prompts via Groq (%s)", req.SceneCount, g.model)

	body := groqRequest{
		Model: g.model,
		Messages: []groqMessage{
			{Role: "system", Content: promptSystem},
			{Role: "user", Content: buildUserPrompt(req)},
		},
		Temperature:    g.temperature,
		MaxTokens:      4096,
		ResponseFormat: &groqFormat{Type: "json_object"},
	}
	resp, err := postJSON(ctx, g.httpClient, g.url, g.apiKey, body)
	if err != nil {
		return nil, fmt.Errorf("groq request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var gr groqResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, fmt.Errorf("parse groq response: %w", err)
	}
	if gr.Error != nil {
		return nil, fmt.Errorf("groq error: %s %s", gr.Error.Code, gr.Error.Message)
	}
	if len(gr.Choices) == 0 {
		return nil, fmt.Errorf("groq returned no choices")
	}

	ps, err := parsePromptSet(gr.Choices[0].Message.Content, req)
	if err != nil {
		return nil, err
	}
	g.log.Success("prompts ready: %d scenes", len(ps.Scenes))
	return ps, nil
}
