package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2025-04-16"
	cartesiaModel   = "ink-whisper"
)

// CartesiaProvider implements Provider using Cartesia's batch STT endpoint.
type CartesiaProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
	backoff    time.Duration
}

// CartesiaOption customizes a CartesiaProvider.
type CartesiaOption func(*CartesiaProvider)

// WithBaseURL points the provider at a different API host.
func WithBaseURL(u string) CartesiaOption {
	return func(c *CartesiaProvider) {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			c.baseURL = u
		}
	}
}

func WithHTTPClient(client *http.Client) CartesiaOption {
	return func(c *CartesiaProvider) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetries sets how many times a 429/5xx or transport failure is retried.
func WithRetries(max uint64, base time.Duration) CartesiaOption {
	return func(c *CartesiaProvider) {
		c.maxRetries = max
		if base > 0 {
			c.backoff = base
		}
	}
}

// NewCartesia creates a new Cartesia STT provider.
func NewCartesia(apiKey string, opts ...CartesiaOption) *CartesiaProvider {
	c := &CartesiaProvider{
		apiKey:     apiKey,
		baseURL:    cartesiaBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		maxRetries: 2,
		backoff:    250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider identifier.
func (c *CartesiaProvider) Name() string {
	return "cartesia"
}

// Transcribe converts audio to text using Cartesia's STT API.
func (c *CartesiaProvider) Transcribe(ctx context.Context, audio io.Reader, opts TranscribeOptions) (*Transcript, error) {
	audioData, err := io.ReadAll(audio)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}

	var out *Transcript
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		t, err := c.transcribeOnce(ctx, audioData, opts)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CartesiaProvider) transcribeOnce(ctx context.Context, audioData []byte, opts TranscribeOptions) (*Transcript, error) {
	body, contentType, err := buildForm(audioData, opts)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL(opts), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.RetryableError(fmt.Errorf("cartesia request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("cartesia error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, retry.RetryableError(err)
		}
		return nil, err
	}

	var cartesiaResp cartesiaTranscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cartesiaResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return convertResponse(cartesiaResp), nil
}

func buildForm(audioData []byte, opts TranscribeOptions) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "audio."+getExtension(opts.Format))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(audioData); err != nil {
		return nil, "", fmt.Errorf("write audio data: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = cartesiaModel
	}
	if err := mw.WriteField("model", model); err != nil {
		return nil, "", fmt.Errorf("write model field: %w", err)
	}
	if opts.Language != "" {
		if err := mw.WriteField("language", opts.Language); err != nil {
			return nil, "", fmt.Errorf("write language field: %w", err)
		}
	}
	if opts.Timestamps {
		if err := mw.WriteField("timestamp_granularities[]", "word"); err != nil {
			return nil, "", fmt.Errorf("write timestamp field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

func (c *CartesiaProvider) requestURL(opts TranscribeOptions) string {
	reqURL := c.baseURL + "/stt"
	q := url.Values{}
	if encoding := getEncoding(opts.Format); encoding != "" {
		q.Set("encoding", encoding)
	}
	if opts.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	}
	if len(q) == 0 {
		return reqURL
	}
	return reqURL + "?" + q.Encode()
}

type cartesiaTranscriptionResponse struct {
	Text     string   `json:"text"`
	Language *string  `json:"language,omitempty"`
	Duration *float64 `json:"duration,omitempty"`
	Words    []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words,omitempty"`
}

func convertResponse(resp cartesiaTranscriptionResponse) *Transcript {
	t := &Transcript{Text: resp.Text}
	if resp.Language != nil {
		t.Language = *resp.Language
	}
	if resp.Duration != nil {
		t.Duration = *resp.Duration
	}
	if len(resp.Words) > 0 {
		t.Words = make([]Word, len(resp.Words))
		for i, w := range resp.Words {
			t.Words[i] = Word{Word: w.Word, Start: w.Start, End: w.End}
		}
	}
	return t
}

// getExtension returns the file extension for the given audio format.
func getExtension(format string) string {
	switch format {
	case "wav", "mp3", "webm", "ogg", "flac", "m4a", "mp4", "mpeg", "mpga", "oga":
		return format
	default:
		return "wav"
	}
}

// getEncoding returns the PCM encoding for raw audio formats.
func getEncoding(format string) string {
	switch format {
	case "pcm_s16le", "pcm_s32le", "pcm_f16le", "pcm_f32le", "pcm_mulaw", "pcm_alaw":
		return format
	default:
		return ""
	}
}

var _ Provider = (*CartesiaProvider)(nil)
