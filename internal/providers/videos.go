package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"reel-pipeline/internal/config"
	"reel-pipeline/internal/logging"
	"reel-pipeline/internal/types"
)

// HTTPVideoGenerator submits image-to-video jobs and polls until the clip
// is ready, then downloads it.
type HTTPVideoGenerator struct {
	baseURL    string
	model      string
	apiKey     string
	poll       time.Duration
	httpClient *http.Client
	log        *logging.Logger
}

func NewHTTPVideoGenerator(cfg config.HTTPProviderConfig, apiKey string, log *logging.Logger) *HTTPVideoGenerator {
	if log == nil {
		log = logging.Discard()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &HTTPVideoGenerator{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		apiKey:     apiKey,
		poll:       poll,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.With("videos"),
	}
}

type videoSubmit struct {
	Model    string `json:"model,omitempty"`
	Image    string `json:"image"`
	Prompt   string `json:"prompt"`
	Duration int    `json:"duration"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type videoJob struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	VideoURL string `json:"video_url"`
	Error    string `json:"error"`
}

// Generate blocks until the job succeeds, fails or ctx ends.
func (g *HTTPVideoGenerator) Generate(ctx context.Context, req types.VideoRequest, outFile string) error {
	img, err := os.ReadFile(req.ImagePath)
	if err != nil {
		return fmt.Errorf("read scene image: %w", err)
	}
	submit := videoSubmit{
		Model:    g.model,
		Image:    base64.StdEncoding.EncodeToString(img),
		Prompt:   req.MotionPrompt,
		Duration: req.Seconds,
		Width:    req.Width,
		Height:   req.Height,
	}
	resp, err := postJSON(ctx, g.httpClient, g.baseURL+"/v1/videos", g.apiKey, submit)
	if err != nil {
		return err
	}
	var job videoJob
	err = json.NewDecoder(resp.Body).Decode(&job)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("parse video job: %w", err)
	}
	if job.ID == "" {
		return fmt.Errorf("video job submitted without an id")
	}
	g.log.Info("scene %d: video job %s submitted (%ds)", req.Scene, job.ID, req.Seconds)

	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()
	for {
		switch job.Status {
		case "succeeded", "completed":
			if job.VideoURL == "" {
				return fmt.Errorf("video job %s finished without a video_url", job.ID)
			}
			if err := g.download(ctx, job.VideoURL, outFile); err != nil {
				return err
			}
			g.log.Success("scene %d clip saved: %s", req.Scene, outFile)
			return nil
		case "failed", "canceled", "expired":
			return fmt.Errorf("video job %s failed: %s", job.ID, job.Error)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if job, err = g.status(ctx, job.ID); err != nil {
			return err
		}
	}
}

func (g *HTTPVideoGenerator) status(ctx context.Context, id string) (videoJob, error) {
	var job videoJob
	resp, err := g.get(ctx, g.baseURL+"/v1/videos/"+id)
	if err != nil {
		return job, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return job, fmt.Errorf("parse video job: %w", err)
	}
	if job.ID == "" {
		job.ID = id
	}
	return job, nil
}

func (g *HTTPVideoGenerator) download(ctx context.Context, url, outFile string) error {
	resp, err := g.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return writeMedia(resp.Body, outFile)
}

func (g *HTTPVideoGenerator) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	if g.apiKey != "" && strings.HasPrefix(url, g.baseURL) {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}
