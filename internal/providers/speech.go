package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	texttospeech "google.golang.org/api/texttospeech/v1"

	"reel-pipeline/internal/logging"
	"reel-pipeline/internal/types"
)

// maxSynthesisBytes stays under the Text-to-Speech 5000 byte input limit.
const maxSynthesisBytes = 4500

// GoogleSpeech narrates scripts with Cloud Text-to-Speech. Long scripts
// are synthesized in sentence-aligned chunks and the MP3 frames joined.
type GoogleSpeech struct {
	svc   *texttospeech.Service
	voice types.VoiceParams
	log   *logging.Logger
}

// NewGoogleSpeech authenticates with Application Default Credentials unless
// opts supply something else.
func NewGoogleSpeech(ctx context.Context, voice types.VoiceParams, log *logging.Logger, opts ...option.ClientOption) (*GoogleSpeech, error) {
	if log == nil {
		log = logging.Discard()
	}
	if len(opts) == 0 {
		ts, err := google.DefaultTokenSource(ctx, texttospeech.CloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("text-to-speech credentials: %w", err)
		}
		opts = []option.ClientOption{option.WithTokenSource(ts)}
	}
	svc, err := texttospeech.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create text-to-speech client: %w", err)
	}
	return &GoogleSpeech{svc: svc, voice: voice, log: log.With("speech")}, nil
}

// Synthesize writes narration of text to outFile as MP3.
func (s *GoogleSpeech) Synthesize(ctx context.Context, text, outFile string) error {
	chunks := splitSentences(text, maxSynthesisBytes)
	if len(chunks) == 0 {
		return &StatusError{Code: 400, Body: "empty voiceover script"}
	}
	s.log.Info("synthesizing voiceover (%d chunk(s), voice %s)", len(chunks), s.voice.Name)

	var audio bytes.Buffer
	for i, chunk := range chunks {
		resp, err := s.svc.Text.Synthesize(&texttospeech.SynthesizeSpeechRequest{
			Input: &texttospeech.SynthesisInput{Text: chunk},
			Voice: &texttospeech.VoiceSelectionParams{
				LanguageCode: s.voice.LanguageCode,
				Name:         s.voice.Name,
			},
			AudioConfig: &texttospeech.AudioConfig{
				AudioEncoding: "MP3",
				SpeakingRate:  s.voice.SpeakingRate,
				Pitch:         s.voice.Pitch,
			},
		}).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("synthesize chunk %d: %w", i+1, googleStatus(err))
		}
		data, err := base64.StdEncoding.DecodeString(resp.AudioContent)
		if err != nil {
			return fmt.Errorf("decode audio chunk %d: %w", i+1, err)
		}
		audio.Write(data)
	}
	if err := writeMedia(&audio, outFile); err != nil {
		return err
	}
	s.log.Success("voiceover saved: %s", outFile)
	return nil
}

// splitSentences packs whole sentences into chunks of at most limit bytes.
// A single sentence over the limit is cut at word boundaries.
func splitSentences(text string, limit int) []string {
	var sentences []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			next := i + 1
			if next >= len(text) || unicode.IsSpace(rune(text[next])) {
				sentences = append(sentences, text[start:next])
				start = next
			}
		}
	}
	sentences = append(sentences, text[start:])

	var chunks []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}
	add := func(piece string) {
		if cur.Len()+len(piece)+1 > limit {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(piece)
	}
	for _, sent := range sentences {
		sent = strings.TrimSpace(sent)
		if sent == "" {
			continue
		}
		if len(sent) <= limit {
			add(sent)
			continue
		}
		for _, w := range strings.Fields(sent) {
			add(w)
		}
	}
	flush()
	return chunks
}
