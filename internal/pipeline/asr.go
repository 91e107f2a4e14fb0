package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/nullptr-z/Q-bot/internal/audio"
	"github.com/nullptr-z/Q-bot/internal/metrics"
)

// ASRTranscriber produces a transcript from an encoded audio upload.
type ASRTranscriber interface {
	Transcribe(ctx context.Context, data []byte, prompt string) (*ASRResult, error)
}

// ASRResult holds the transcription output.
type ASRResult struct {
	Text      string  `json:"text"`
	Engine    string  `json:"engine,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// ASRRouter dispatches to the correct ASR backend based on engine name.
// Wraps the generic Router with an ASR-specific Transcribe convenience method.
type ASRRouter struct {
	*Router[ASRTranscriber]
}

// NewASRRouter creates a router with registered ASR backends and a fallback default.
func NewASRRouter(backends map[string]ASRTranscriber, fallback string) *ASRRouter {
	return &ASRRouter{Router: NewRouter(backends, fallback)}
}

// Transcribe routes to the correct backend and transcribes the audio.
func (r *ASRRouter) Transcribe(ctx context.Context, data []byte, prompt, engine string) (*ASRResult, error) {
	name, backend, err := r.Route(engine)
	if err != nil {
		return nil, err
	}
	res, err := backend.Transcribe(ctx, data, prompt)
	if err != nil {
		return nil, err
	}
	res.Engine = name
	return res, nil
}

// MultipartASRClient uploads audio as a multipart form to any
// whisper-compatible HTTP endpoint. Backends differ only in endpoint path
// and whether they need a model name and bearer token.
type MultipartASRClient struct {
	url      string
	endpoint string
	label    string
	model    string
	apiKey   string
	client   *http.Client
}

// NewOpenAIASRClient creates a client for the OpenAI transcription API
// (/v1/audio/transcriptions) or a server mimicking it.
func NewOpenAIASRClient(url, apiKey, model string, client *http.Client) *MultipartASRClient {
	return &MultipartASRClient{
		url:      strings.TrimRight(url, "/"),
		endpoint: "/v1/audio/transcriptions",
		label:    "openai-whisper",
		model:    model,
		apiKey:   apiKey,
		client:   client,
	}
}

// NewWhisperCppClient creates a client for whisper.cpp (/inference endpoint).
func NewWhisperCppClient(url string, client *http.Client) *MultipartASRClient {
	return &MultipartASRClient{
		url:      strings.TrimRight(url, "/"),
		endpoint: "/inference",
		label:    "whisper",
		client:   client,
	}
}

// Transcribe uploads data and returns the transcript.
func (c *MultipartASRClient) Transcribe(ctx context.Context, data []byte, prompt string) (*ASRResult, error) {
	start := time.Now()

	body, contentType, err := buildMultipartAudio(data, c.model, prompt)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", c.label, err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", c.label, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%s status %d: %s", c.label, resp.StatusCode, string(respBody))
	}

	var result whisperResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", c.label, err)
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("asr").Observe(latency.Seconds())

	return &ASRResult{
		Text:      strings.TrimSpace(result.Text),
		LatencyMs: float64(latency.Milliseconds()),
	}, nil
}

type whisperResponse struct {
	Text string `json:"text"`
}

// --- shared helpers ---

func buildMultipartAudio(data []byte, model, prompt string) (*bytes.Buffer, string, error) {
	format := audio.Sniff(data)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, format.Filename()))
	header.Set("Content-Type", format.ContentType())
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err = part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write audio data: %w", err)
	}

	fields := map[string]string{
		"model":           model,
		"prompt":          prompt,
		"response_format": "json",
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err = writer.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("write %s field: %w", name, err)
		}
	}

	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}
