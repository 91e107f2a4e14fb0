package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type config struct {
	Port     string `env:"QBOT_PORT" envDefault:"8080"`
	CertPath string `env:"QBOT_CERT_PATH" envDefault:".certs"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	ChatModel     string `env:"CHAT_MODEL" envDefault:"gpt-4o-mini"`
	CodeModel     string `env:"CODE_MODEL" envDefault:"gpt-4o"`
	LLMMaxTokens  int    `env:"LLM_MAX_TOKENS" envDefault:"1024"`

	TranscriptionEngine string `env:"TRANSCRIPTION_ENGINE" envDefault:"openai"`
	TranscriptionURL    string `env:"TRANSCRIPTION_URL" envDefault:"https://api.openai.com"`
	TranscriptionModel  string `env:"TRANSCRIPTION_MODEL" envDefault:"whisper-1"`
	WhisperServerURL    string `env:"WHISPER_SERVER_URL"`

	SpeechEngine      string  `env:"SPEECH_ENGINE" envDefault:"openai"`
	SpeechURL         string  `env:"SPEECH_URL" envDefault:"https://api.openai.com"`
	SpeechModel       string  `env:"SPEECH_MODEL" envDefault:"tts-1"`
	SpeechVoice       string  `env:"SPEECH_VOICE" envDefault:"alloy"`
	SpeechSpeed       float64 `env:"SPEECH_SPEED" envDefault:"1.0"`
	ElevenLabsAPIKey  string  `env:"ELEVENLABS_API_KEY"`
	ElevenLabsVoiceID string  `env:"ELEVENLABS_VOICE_ID" envDefault:"21m00Tcm4TlvDq8ikWAM"`
	ElevenLabsModelID string  `env:"ELEVENLABS_MODEL_ID" envDefault:"eleven_turbo_v2_5"`

	DrawImageEnabled bool   `env:"DRAW_IMAGE_ENABLED" envDefault:"true"`
	ImageModel       string `env:"IMAGE_MODEL" envDefault:"dall-e-3"`
	ImageSize        string `env:"IMAGE_SIZE" envDefault:"1024x1024"`

	ToolDecisionPrompt string `env:"TOOL_DECISION_PROMPT"`
	ConversationPrompt string `env:"CONVERSATION_PROMPT"`
	CodePrompt         string `env:"CODE_PROMPT"`
	TranscriptionHint  string `env:"TRANSCRIPTION_PROMPT"`
	HighlightStyle     string `env:"HIGHLIGHT_STYLE" envDefault:"monokai"`

	EventBuffer       int           `env:"EVENT_BUFFER" envDefault:"128"`
	KeepAlive         time.Duration `env:"KEEP_ALIVE" envDefault:"1s"`
	MaxConcurrentRuns int           `env:"MAX_CONCURRENT_RUNS" envDefault:"32"`
	MaxStreams        int           `env:"MAX_STREAMS" envDefault:"1000"`
	MaxUploadBytes    int64         `env:"MAX_UPLOAD_BYTES" envDefault:"26214400"`
	HTTPPoolSize      int           `env:"HTTP_POOL_SIZE" envDefault:"50"`
	HTTPTimeout       time.Duration `env:"HTTP_TIMEOUT" envDefault:"120s"`

	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"local"`
	StorageDir     string `env:"STORAGE_DIR" envDefault:"assets"`
	PublicBaseURL  string `env:"PUBLIC_BASE_URL"`

	S3Bucket          string `env:"S3_BUCKET"`
	S3Prefix          string `env:"S3_PREFIX"`
	S3Region          string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint        string `env:"S3_ENDPOINT"`
	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
	S3PathStyle       bool   `env:"S3_PATH_STYLE"`

	MinioEndpoint  string `env:"MINIO_ENDPOINT"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioBucket    string `env:"MINIO_BUCKET" envDefault:"qbot"`
	MinioRegion    string `env:"MINIO_REGION"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL"`

	TraceDatabaseURL string `env:"TRACE_DATABASE_URL"`
}

func loadConfig() (config, error) {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		return config{}, fmt.Errorf("parse env: %w", err)
	}
	switch cfg.StorageBackend {
	case "local", "s3", "minio":
	default:
		return config{}, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
	if cfg.StorageBackend == "s3" && cfg.S3Bucket == "" {
		return config{}, fmt.Errorf("S3_BUCKET is required for the s3 backend")
	}
	return cfg, nil
}

func (c config) logLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
