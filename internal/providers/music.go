package providers

import (
	"context"
	"net/http"
	"strings"

	"reel-pipeline/internal/config"
	"reel-pipeline/internal/logging"
)

// HTTPMusicSynthesizer composes an instrumental track of a given length.
type HTTPMusicSynthesizer struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
	log        *logging.Logger
}

func NewHTTPMusicSynthesizer(cfg config.HTTPProviderConfig, apiKey string, log *logging.Logger) *HTTPMusicSynthesizer {
	if log == nil {
		log = logging.Discard()
	}
	return &HTTPMusicSynthesizer{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.With("music"),
	}
}

type composeRequest struct {
	Model        string `json:"model,omitempty"`
	Prompt       string `json:"prompt"`
	DurationMs   int    `json:"music_length_ms"`
	Instrumental bool   `json:"force_instrumental"`
}

// Compose writes an mp3 of roughly durationMs to outFile.
func (m *HTTPMusicSynthesizer) Compose(ctx context.Context, prompt string, durationMs int, outFile string) error {
	m.log.Info("composing %.1fs track: %q", float64(durationMs)/1000, truncate(prompt, 60))
	resp, err := postJSON(ctx, m.httpClient, m.baseURL+"/v1/music", m.apiKey, composeRequest{
		Model:        m.model,
		Prompt:       prompt,
		DurationMs:   durationMs,
		Instrumental: true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := writeMedia(resp.Body, outFile); err != nil {
		return err
	}
	m.log.Success("music saved: %s", outFile)
	return nil
}
