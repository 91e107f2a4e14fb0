package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nullptr-z/Q-bot/internal/metrics"
)

// TTSOptions holds per-call TTS tuning parameters.
type TTSOptions struct {
	Speed float64
	Voice string
}

// TTSSynthesizer produces mp3 audio from text.
type TTSSynthesizer interface {
	SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error)
}

// TTSResult holds synthesized audio with timing.
type TTSResult struct {
	Audio     []byte  `json:"-"`
	Engine    string  `json:"engine"`
	LatencyMs float64 `json:"latency_ms"`
}

// TTSRouter dispatches to the correct TTS backend based on engine name.
// Wraps the generic Router with a TTS-specific Synthesize method that adds timing/metrics.
type TTSRouter struct {
	*Router[TTSSynthesizer]
}

// NewTTSRouter creates a router with registered TTS backends and a fallback default.
func NewTTSRouter(backends map[string]TTSSynthesizer, fallback string) *TTSRouter {
	return &TTSRouter{Router: NewRouter(backends, fallback)}
}

// ErrNoAudio means a speech backend answered with an empty body.
var ErrNoAudio = errors.New("speech backend returned no audio")

// Synthesize routes text to the engine's backend and records latency.
func (r *TTSRouter) Synthesize(ctx context.Context, text, engine string, opts TTSOptions) (*TTSResult, error) {
	name, backend, err := r.Route(engine)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	audioData, err := backend.SynthesizeAudio(ctx, text, opts)
	if err == nil && len(audioData) == 0 {
		err = ErrNoAudio
	}
	if err != nil {
		return nil, fmt.Errorf("tts %s: %w", name, err)
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("tts").Observe(latency.Seconds())

	return &TTSResult{
		Audio:     audioData,
		Engine:    name,
		LatencyMs: float64(latency.Milliseconds()),
	}, nil
}

// --- OpenAI-compatible backend (OpenAI, Kokoro, any server exposing /v1/audio/speech) ---

type openaiSynthesizer struct {
	url    string
	apiKey string
	model  string
	voice  string
	client *http.Client
}

func NewOpenAISynthesizer(url, apiKey, model, voice string, client *http.Client) TTSSynthesizer {
	return &openaiSynthesizer{url: strings.TrimRight(url, "/"), apiKey: apiKey, model: model, voice: voice, client: client}
}

func (o *openaiSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	voice := o.voice
	if opts.Voice != "" {
		voice = opts.Voice
	}
	body, err := json.Marshal(struct {
		Input          string  `json:"input"`
		Model          string  `json:"model"`
		Voice          string  `json:"voice"`
		Speed          float64 `json:"speed,omitempty"`
		ResponseFormat string  `json:"response_format"`
	}{Input: text, Model: o.model, Voice: voice, Speed: opts.Speed, ResponseFormat: "mp3"})
	if err != nil {
		return nil, fmt.Errorf("marshal openai tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.url+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create openai tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	return doTTSRequest(o.client, req)
}

// --- ElevenLabs backend (cloud API, returns MP3 via api.elevenlabs.io) ---

type elevenlabsSynthesizer struct {
	baseURL string
	apiKey  string
	voiceID string
	modelID string
	client  *http.Client
}

func NewElevenLabsSynthesizer(apiKey, voiceID, modelID string, client *http.Client) TTSSynthesizer {
	return &elevenlabsSynthesizer{baseURL: "https://api.elevenlabs.io", apiKey: apiKey, voiceID: voiceID, modelID: modelID, client: client}
}

func (e *elevenlabsSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	voiceID := e.voiceID
	if opts.Voice != "" {
		voiceID = opts.Voice
	}
	body, err := json.Marshal(struct {
		Text    string `json:"text"`
		ModelID string `json:"model_id"`
	}{Text: text, ModelID: e.modelID})
	if err != nil {
		return nil, fmt.Errorf("marshal elevenlabs request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s", e.baseURL, voiceID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create elevenlabs request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Accept", "audio/mpeg")

	return doTTSRequest(e.client, req)
}

// --- shared HTTP helper ---

// doTTSRequest returns the audio body. Some providers report failures as a
// JSON document with a 200 status; those are errors too.
func doTTSRequest(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tts status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return io.ReadAll(resp.Body)
}
