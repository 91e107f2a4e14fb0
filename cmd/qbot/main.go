package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/spf13/cobra"

	"github.com/nullptr-z/Q-bot/internal/eventbus"
	"github.com/nullptr-z/Q-bot/internal/events"
	"github.com/nullptr-z/Q-bot/internal/fanout"
	"github.com/nullptr-z/Q-bot/internal/markdown"
	"github.com/nullptr-z/Q-bot/internal/pipeline"
	"github.com/nullptr-z/Q-bot/internal/storage"
	"github.com/nullptr-z/Q-bot/internal/trace"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var port, certPath string

	cmd := &cobra.Command{
		Use:           "qbot",
		Short:         "Voice assistant gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("cert-path") {
				cfg.CertPath = certPath
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel()})))

			if err = serve(cfg); err != nil {
				slog.Error("server failed", "error", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&port, "port", "8080", "port to listen on")
	cmd.Flags().StringVar(&certPath, "cert-path", ".certs", "directory holding cert.pem and key.pem")
	return cmd
}

// checkEngine rejects a configured engine that has no registered backend.
// An empty engine selects the router's fallback.
func checkEngine[T any](key, engine string, r *pipeline.Router[T]) error {
	if engine == "" || r.Has(engine) {
		return nil
	}
	return fmt.Errorf("%s=%q is not available (have %v)", key, engine, r.Engines())
}

func serve(cfg config) error {
	initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer initCancel()

	registry := eventbus.NewRegistry(cfg.EventBuffer, slog.Default())
	source := fanout.Source{Registry: registry, Renderer: events.JSONRenderer{}, Logger: slog.Default()}

	httpClient := pipeline.NewPooledHTTPClient(cfg.HTTPPoolSize, cfg.HTTPTimeout)

	// ASR backends
	asrBackends := map[string]pipeline.ASRTranscriber{
		"openai": pipeline.NewOpenAIASRClient(cfg.TranscriptionURL, cfg.OpenAIAPIKey, cfg.TranscriptionModel, httpClient),
	}
	if cfg.WhisperServerURL != "" {
		asrBackends["whisper"] = pipeline.NewWhisperCppClient(cfg.WhisperServerURL, httpClient)
	}
	asrRouter := pipeline.NewASRRouter(asrBackends, "openai")

	// TTS backends
	ttsBackends := map[string]pipeline.TTSSynthesizer{
		"openai": pipeline.NewOpenAISynthesizer(cfg.SpeechURL, cfg.OpenAIAPIKey, cfg.SpeechModel, cfg.SpeechVoice, httpClient),
	}
	if cfg.ElevenLabsAPIKey != "" {
		ttsBackends["elevenlabs"] = pipeline.NewElevenLabsSynthesizer(cfg.ElevenLabsAPIKey, cfg.ElevenLabsVoiceID, cfg.ElevenLabsModelID, httpClient)
	}
	ttsRouter := pipeline.NewTTSRouter(ttsBackends, "openai")
	if err := checkEngine("TRANSCRIPTION_ENGINE", cfg.TranscriptionEngine, asrRouter.Router); err != nil {
		return err
	}
	if err := checkEngine("SPEECH_ENGINE", cfg.SpeechEngine, ttsRouter.Router); err != nil {
		return err
	}

	oai := openai.NewClient(
		option.WithAPIKey(cfg.OpenAIAPIKey),
		option.WithBaseURL(cfg.OpenAIBaseURL),
		option.WithHTTPClient(httpClient),
	)
	llm := pipeline.NewAgentLLM("openai", cfg.LLMMaxTokens)
	llm.Register("openai", pipeline.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey), cfg.ChatModel)

	var images pipeline.ImageGenerator
	if cfg.DrawImageEnabled {
		images = pipeline.NewOpenAIImages(&oai, cfg.ImageModel, cfg.ImageSize)
	}

	backend, assetsDir, err := newStorageBackend(initCtx, cfg)
	if err != nil {
		return err
	}

	var tracer *trace.Tracer
	var traces traceReader
	if cfg.TraceDatabaseURL != "" {
		traceStore, err := trace.Open(initCtx, cfg.TraceDatabaseURL)
		if err != nil {
			return err
		}
		defer traceStore.Close()
		tracer = trace.NewTracer(traceStore)
		traces = traceStore
		slog.Info("tracing enabled")
	}

	md := markdown.New(cfg.HighlightStyle)
	assistant := pipeline.NewAssistant(pipeline.Config{
		Buses:     registry,
		ASR:       asrRouter,
		ASREngine: cfg.TranscriptionEngine,
		Chat:      pipeline.NewOpenAIChat(&oai, cfg.ChatModel),
		LLM:       llm,
		ChatModel: cfg.ChatModel,
		CodeModel: cfg.CodeModel,
		TTS:       ttsRouter,
		TTSEngine: cfg.SpeechEngine,
		TTSOptions: pipeline.TTSOptions{
			Speed: cfg.SpeechSpeed,
		},
		Images:   images,
		Store:    storage.NewMedia(backend),
		Markdown: md,
		Tracer:   tracer,
		Prompts: pipeline.Prompts{
			ToolDecision:  cfg.ToolDecisionPrompt,
			Conversation:  cfg.ConversationPrompt,
			Code:          cfg.CodePrompt,
			Transcription: cfg.TranscriptionHint,
		},
		Logger: slog.Default(),
	})

	maxRuns := cfg.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = 32
	}
	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		assistant:      assistant,
		source:         source,
		keepAlive:      cfg.KeepAlive,
		maxStreams:     cfg.MaxStreams,
		runSem:         make(chan struct{}, maxRuns),
		maxUploadBytes: cfg.MaxUploadBytes,
		assetsDir:      assetsDir,
		css:            md,
		traces:         traces,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// End event streams first so Shutdown does not wait on them.
		registry.Close()
		srv.Shutdown(ctx)
		tracer.Close()
	}()

	certFile := filepath.Join(cfg.CertPath, "cert.pem")
	keyFile := filepath.Join(cfg.CertPath, "key.pem")
	tls := fileExists(certFile) && fileExists(keyFile)

	slog.Info("qbot starting",
		"addr", addr,
		"tls", tls,
		"storage", cfg.StorageBackend,
		"draw_image", assistant.DrawImageEnabled(),
		"asr_engines", asrRouter.Engines(),
		"tts_engines", ttsRouter.Engines(),
		"max_concurrent_runs", maxRuns,
	)

	if tls {
		err = srv.ListenAndServeTLS(certFile, keyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped

	slog.Info("qbot stopped")
	return nil
}

// newStorageBackend builds the configured media backend. assetsDir is set
// only for the local backend, whose files the server serves itself.
func newStorageBackend(ctx context.Context, cfg config) (storage.Backend, string, error) {
	switch cfg.StorageBackend {
	case "s3":
		client := storage.NewS3Client(storage.S3Config{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3PathStyle,
		})
		return storage.NewS3(client, cfg.S3Bucket, cfg.S3Prefix, cfg.PublicBaseURL), "", nil
	case "minio":
		store, err := storage.NewMinio(ctx, storage.MinioConfig{
			Endpoint:        cfg.MinioEndpoint,
			AccessKeyID:     cfg.MinioAccessKey,
			SecretAccessKey: cfg.MinioSecretKey,
			UseSSL:          cfg.MinioUseSSL,
			Bucket:          cfg.MinioBucket,
			Region:          cfg.MinioRegion,
			PublicBase:      cfg.PublicBaseURL,
		})
		if err != nil {
			return nil, "", fmt.Errorf("minio storage: %w", err)
		}
		if err = store.HealthCheck(ctx); err != nil {
			slog.Warn("minio health check", "error", err)
		}
		return store, "", nil
	default:
		local, err := storage.NewLocal(cfg.StorageDir, cfg.PublicBaseURL+"/assets")
		if err != nil {
			return nil, "", fmt.Errorf("local storage: %w", err)
		}
		return local, local.Root(), nil
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
