package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"reel-pipeline/internal/config"
	"reel-pipeline/internal/failure"
	"reel-pipeline/internal/types"
)

var media = bytes.Repeat([]byte{0xff}, 512)

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{"-3", 0},
		{now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStatusError_Classifies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := postJSON(context.Background(), srv.Client(), srv.URL, "", map[string]string{})
	ce := failure.Classify(err, failure.CollabImages)
	if ce.Kind != failure.RateLimited || !ce.Retryable {
		t.Fatalf("classified as %s retryable=%v", ce.Kind, ce.Retryable)
	}
	if ce.RetryAfter != 12*time.Second {
		t.Errorf("retry after = %v", ce.RetryAfter)
	}
}

func groqServer(t *testing.T, content string, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		var req groqRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || !strings.Contains(req.Messages[1].Content, "exactly 2 scenes") {
			t.Errorf("messages = %+v", req.Messages)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]string{"content": content}}},
		})
	}))
}

func groqConfig(url string) config.PromptsConfig {
	cfg := config.DefaultConfig().Providers.Prompts
	cfg.GroqURL = url
	return cfg
}

func TestGroqPrompts_Generate(t *testing.T) {
	var calls int32
	content := "```json\n" + `{"scenes":[
		{"scene":1,"image_prompt":"a lighthouse at dusk","video_prompt":"slow push in"},
		{"scene":2,"image_prompt":"the lighthouse at night","video_prompt":"beam sweeps"}],
		"music_prompt":"ambient synth pads, 70 bpm"}` + "\n```"
	srv := groqServer(t, content, &calls)
	defer srv.Close()

	g := NewGroqPrompts(groqConfig(srv.URL), "key", nil)
	ps, err := g.Generate(context.Background(), types.PromptRequest{SceneCount: 2, Description: "a lighthouse", Music: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(ps.Scenes) != 2 || ps.Scenes[1].VideoPrompt != "beam sweeps" || ps.MusicPrompt == "" {
		t.Errorf("prompts = %+v", ps)
	}
	if ps.VoiceoverScript != "" {
		t.Error("voiceover script should be empty when not requested")
	}
}

func TestGroqPrompts_WrongSceneCountIsValidation(t *testing.T) {
	var calls int32
	srv := groqServer(t, `{"scenes":[{"scene":1,"image_prompt":"a","video_prompt":"b"}]}`, &calls)
	defer srv.Close()

	_, err := NewGroqPrompts(groqConfig(srv.URL), "key", nil).
		Generate(context.Background(), types.PromptRequest{SceneCount: 2})
	if failure.KindOf(err) != failure.Validation || failure.IsRetryable(err) {
		t.Errorf("err = %v, want non-retryable validation", err)
	}
}

func TestGroqPrompts_MissingKey(t *testing.T) {
	_, err := NewGroqPrompts(groqConfig("http://unused"), "", nil).
		Generate(context.Background(), types.PromptRequest{SceneCount: 1})
	if k := failure.Classify(err, failure.CollabPrompts).Kind; k != failure.Authentication {
		t.Errorf("kind = %s", k)
	}
}

func TestParsePromptSet(t *testing.T) {
	valid := `{"scenes":[{"scene":1,"image_prompt":"a","video_prompt":"b"}],"voiceover_script":"hello"}`
	tests := []struct {
		name    string
		content string
		req     types.PromptRequest
		wantErr bool
	}{
		{"valid", valid, types.PromptRequest{SceneCount: 1, Voiceover: true}, false},
		{"not json", "sorry, I can't", types.PromptRequest{SceneCount: 1}, true},
		{"empty prompt", `{"scenes":[{"scene":1,"image_prompt":" ","video_prompt":"b"}]}`, types.PromptRequest{SceneCount: 1}, true},
		{"misnumbered", `{"scenes":[{"scene":2,"image_prompt":"a","video_prompt":"b"}]}`, types.PromptRequest{SceneCount: 1}, true},
		{"missing voiceover", `{"scenes":[{"scene":1,"image_prompt":"a","video_prompt":"b"}]}`, types.PromptRequest{SceneCount: 1, Voiceover: true}, true},
		{"missing music", valid, types.PromptRequest{SceneCount: 1, Music: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parsePromptSet(tt.content, tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && failure.KindOf(err) != failure.Validation {
				t.Errorf("kind = %s", failure.KindOf(err))
			}
		})
	}
}

func TestResponseText(t *testing.T) {
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{genai.Text(`{"scenes":`), genai.Text(`[]}`)}},
	}}}
	got, err := responseText(resp)
	if err != nil || got != `{"scenes":[]}` {
		t.Errorf("responseText = %q, %v", got, err)
	}
	blocked := &genai.GenerateContentResponse{PromptFeedback: &genai.PromptFeedback{BlockReason: genai.BlockReasonSafety}}
	_, err = responseText(blocked)
	if failure.Classify(err, failure.CollabPrompts).Kind != failure.Validation {
		t.Errorf("blocked prompt err = %v", err)
	}
	if _, err := responseText(&genai.GenerateContentResponse{}); err == nil {
		t.Error("expected error for no candidates")
	}
}

func TestHTTPImageGenerator_SendsReferencesInOrder(t *testing.T) {
	dir := t.TempDir()
	rolling := filepath.Join(dir, "scene_1.png")
	anchor := filepath.Join(dir, "original.png")
	os.WriteFile(rolling, []byte("rolling"), 0o644)
	os.WriteFile(anchor, []byte("anchor"), 0o644)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req imageRequest
		json.NewDecoder(r.Body).Decode(&req)
		want := []string{
			base64.StdEncoding.EncodeToString([]byte("rolling")),
			base64.StdEncoding.EncodeToString([]byte("anchor")),
		}
		if len(req.References) != 2 || req.References[0] != want[0] || req.References[1] != want[1] {
			t.Errorf("references = %v", req.References)
		}
		if req.Width != 720 || req.Height != 1280 || req.Seed != sceneSeed(0, 2) {
			t.Errorf("request = %+v", req)
		}
		w.Write(media)
	}))
	defer srv.Close()

	g := NewHTTPImageGenerator(config.HTTPProviderConfig{BaseURL: srv.URL + "/", Timeout: 5 * time.Second}, "", nil)
	out := filepath.Join(dir, "images", "scene_2.png")
	err := g.Generate(context.Background(), types.ImageRequest{
		Scene: 2, Prompt: "the harbor", References: []string{rolling, anchor}, Width: 720, Height: 1280,
	}, out)
	if err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(out); !bytes.Equal(data, media) {
		t.Error("image not written")
	}
}

func TestHTTPImageGenerator_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    failure.Kind
	}{
		{"tiny body", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("oops")) }, failure.Unknown},
		{"policy", func(w http.ResponseWriter, r *http.Request) { http.Error(w, "content policy violation", 400) }, failure.Validation},
		{"overloaded", func(w http.ResponseWriter, r *http.Request) { http.Error(w, "busy", 503) }, failure.ServiceUnavailable},
		{"bad key", func(w http.ResponseWriter, r *http.Request) { http.Error(w, "no", 401) }, failure.Authentication},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			g := NewHTTPImageGenerator(config.HTTPProviderConfig{BaseURL: srv.URL, Timeout: 5 * time.Second}, "", nil)
			err := g.Generate(context.Background(), types.ImageRequest{Scene: 1, Prompt: "x"}, filepath.Join(t.TempDir(), "a.png"))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := failure.Classify(err, failure.CollabImages).Kind; got != tt.want {
				t.Errorf("kind = %s (%v), want %s", got, err, tt.want)
			}
		})
	}
}

func TestHTTPVideoGenerator_PollsUntilDone(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "scene_1.png")
	os.WriteFile(img, []byte("png"), 0o644)

	var polls int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/videos":
			var sub videoSubmit
			json.NewDecoder(r.Body).Decode(&sub)
			if sub.Duration != 5 || sub.Prompt != "pan left" {
				t.Errorf("submit = %+v", sub)
			}
			json.NewEncoder(w).Encode(videoJob{ID: "job-1", Status: "queued"})
		case r.URL.Path == "/v1/videos/job-1":
			if atomic.AddInt32(&polls, 1) < 3 {
				json.NewEncoder(w).Encode(videoJob{ID: "job-1", Status: "running"})
				return
			}
			json.NewEncoder(w).Encode(videoJob{ID: "job-1", Status: "succeeded", VideoURL: srv.URL + "/files/job-1.mp4"})
		case r.URL.Path == "/files/job-1.mp4":
			w.Write(media)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	g := NewHTTPVideoGenerator(config.HTTPProviderConfig{BaseURL: srv.URL, Timeout: 5 * time.Second, PollInterval: time.Millisecond}, "k", nil)
	out := filepath.Join(dir, "videos", "scene_1.mp4")
	if err := g.Generate(context.Background(), types.VideoRequest{Scene: 1, ImagePath: img, MotionPrompt: "pan left", Seconds: 5}, out); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&polls) != 3 {
		t.Errorf("polls = %d", polls)
	}
	if data, _ := os.ReadFile(out); !bytes.Equal(data, media) {
		t.Error("clip not written")
	}
}

func TestHTTPVideoGenerator_JobFailure(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "scene_1.png")
	os.WriteFile(img, []byte("png"), 0o644)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(videoJob{ID: "j", Status: "failed", Error: "nsfw content detected"})
	}))
	defer srv.Close()

	g := NewHTTPVideoGenerator(config.HTTPProviderConfig{BaseURL: srv.URL, Timeout: 5 * time.Second}, "", nil)
	err := g.Generate(context.Background(), types.VideoRequest{Scene: 1, ImagePath: img, Seconds: 5}, filepath.Join(dir, "out.mp4"))
	if k := failure.Classify(err, failure.CollabVideos).Kind; k != failure.Validation {
		t.Errorf("kind = %s (%v)", k, err)
	}
}

func TestHTTPVideoGenerator_CancelWhilePolling(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "scene_1.png")
	os.WriteFile(img, []byte("png"), 0o644)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(videoJob{ID: "j", Status: "running"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	g := NewHTTPVideoGenerator(config.HTTPProviderConfig{BaseURL: srv.URL, Timeout: 5 * time.Second, PollInterval: 10 * time.Millisecond}, "", nil)
	err := g.Generate(ctx, types.VideoRequest{Scene: 1, ImagePath: img, Seconds: 5}, filepath.Join(dir, "out.mp4"))
	if err == nil {
		t.Fatal("expected cancellation")
	}
}

func TestHTTPMusicSynthesizer_Compose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req composeRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.DurationMs != 15000 || !req.Instrumental {
			t.Errorf("request = %+v", req)
		}
		w.Write(media)
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "music.mp3")
	m := NewHTTPMusicSynthesizer(config.HTTPProviderConfig{BaseURL: srv.URL, Timeout: 5 * time.Second}, "", nil)
	if err := m.Compose(context.Background(), "lofi", 15000, out); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Error(err)
	}
}

func TestGoogleSpeech_SynthesizeJoinsChunks(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/text:synthesize") {
			t.Errorf("path = %s", r.URL.Path)
		}
		atomic.AddInt32(&calls, 1)
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"audioEncoding":"MP3"`) {
			t.Errorf("body = %s", body)
		}
		json.NewEncoder(w).Encode(map[string]string{"audioContent": base64.StdEncoding.EncodeToString(media)})
	}))
	defer srv.Close()

	s, err := NewGoogleSpeech(context.Background(), config.DefaultConfig().Providers.Voice, nil,
		option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication(), option.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatal(err)
	}
	script := strings.Repeat("This sentence is about forty five bytes long. ", 120)
	out := filepath.Join(t.TempDir(), "voice.mp3")
	if err := s.Synthesize(context.Background(), script, out); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&calls); n < 2 {
		t.Errorf("calls = %d, want the script split into several chunks", n)
	}
	if data, _ := os.ReadFile(out); len(data) != int(calls)*len(media) {
		t.Errorf("voice file has %d bytes", len(data))
	}
}

func TestGoogleSpeech_ErrorsCarryStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer srv.Close()

	s, err := NewGoogleSpeech(context.Background(), types.VoiceParams{LanguageCode: "en-US"}, nil,
		option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication(), option.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatal(err)
	}
	err = s.Synthesize(context.Background(), "Hello there.", filepath.Join(t.TempDir(), "v.mp3"))
	if k := failure.Classify(err, failure.CollabSpeech).Kind; k != failure.RateLimited {
		t.Errorf("kind = %s (%v)", k, err)
	}
}

func TestSplitSentences(t *testing.T) {
	chunks := splitSentences("One. Two! Three? Four", 10)
	want := []string{"One. Two!", "Three?", "Four"}
	if len(chunks) != len(want) {
		t.Fatalf("chunks = %q", chunks)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, chunks[i], want[i])
		}
	}
	for _, c := range splitSentences(strings.Repeat("word ", 50), 20) {
		if len(c) > 20 {
			t.Errorf("chunk %q over limit", c)
		}
	}
	if got := splitSentences("   ", 100); len(got) != 0 {
		t.Errorf("blank script = %q", got)
	}
}
