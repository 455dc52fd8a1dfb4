package stt

import (
	"context"
	"fmt"
	"io"
	"strings"

	"google.golang.org/genai"
)

const (
	geminiDefaultModel = "gemini-2.5-flash"
	geminiPrompt       = "Transcribe this audio verbatim. Reply with the transcript text only."
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiProvider transcribes audio by sending it inline to a Gemini model.
type GeminiProvider struct {
	models contentGenerator
	model  string
}

// NewGemini wraps an existing genai client so the live relay and the
// transcriber can share credentials.
func NewGemini(client *genai.Client, model string) (*GeminiProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("genai client is required")
	}
	return newGeminiProvider(client.Models, model), nil
}

func newGeminiProvider(models contentGenerator, model string) *GeminiProvider {
	if strings.TrimSpace(model) == "" {
		model = geminiDefaultModel
	}
	return &GeminiProvider{models: models, model: model}
}

func (g *GeminiProvider) Name() string { return "gemini" }

func (g *GeminiProvider) Transcribe(ctx context.Context, audio io.Reader, opts TranscribeOptions) (*Transcript, error) {
	data, err := io.ReadAll(audio)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	model := g.model
	if opts.Model != "" {
		model = opts.Model
	}
	prompt := geminiPrompt
	if opts.Language != "" {
		prompt += " The spoken language is " + opts.Language + "."
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromBytes(data, "audio/"+getExtension(opts.Format)),
		}, genai.RoleUser),
	}
	resp, err := g.models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini transcribe: %w", err)
	}
	return &Transcript{Text: strings.TrimSpace(resp.Text()), Language: opts.Language}, nil
}

var _ Provider = (*GeminiProvider)(nil)
