// Package pipeline runs one assistant turn: transcribe the upload, let the
// model pick a tool, execute it and publish progress on the device's bus.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nullptr-z/Q-bot/internal/eventbus"
	"github.com/nullptr-z/Q-bot/internal/events"
	"github.com/nullptr-z/Q-bot/internal/metrics"
	"github.com/nullptr-z/Q-bot/internal/prompts"
	"github.com/nullptr-z/Q-bot/internal/storage"
	"github.com/nullptr-z/Q-bot/internal/trace"
)

// Skeleton metadata shown by the chat page before content arrives.
const (
	userAvatar     = "https://i.pravatar.cc/300"
	userName       = "userName"
	botAvatar      = "/public/images/q-bot.png"
	botName        = "Q"
	datetimeLayout = "02/01/2006 15:0405"
)

// MarkdownRenderer turns markdown into sanitised HTML.
type MarkdownRenderer interface {
	Render(src string) (string, error)
}

// BusLookup finds the bus of a device. *eventbus.Registry implements it.
type BusLookup interface {
	Lookup(id events.DeviceID) (*eventbus.Bus, bool)
}

// Prompts holds the system prompts of a run. Empty fields use the defaults
// from package prompts.
type Prompts struct {
	ToolDecision  string
	Conversation  string
	Code          string
	Transcription string
}

// Config holds the collaborators and settings of an Assistant.
type Config struct {
	Buses BusLookup

	ASR       *ASRRouter
	ASREngine string

	Chat      ChatCompleter
	LLM       Completer
	ChatModel string
	CodeModel string

	TTS        *TTSRouter
	TTSEngine  string
	TTSOptions TTSOptions

	// Images enables the draw_image tool when non-nil.
	Images ImageGenerator

	Store    storage.MediaStore
	Markdown MarkdownRenderer
	Tracer   *trace.Tracer
	Prompts  Prompts

	Logger *slog.Logger
	Now    func() time.Time
}

// Assistant starts runs. It is safe for concurrent use; each Run is not.
type Assistant struct {
	cfg Config
	log *slog.Logger
}

// NewAssistant creates an assistant from cfg.
func NewAssistant(cfg Config) *Assistant {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Prompts.ToolDecision = prompts.Or(cfg.Prompts.ToolDecision, prompts.ToolDecision)
	cfg.Prompts.Conversation = prompts.Or(cfg.Prompts.Conversation, prompts.Conversation)
	cfg.Prompts.Code = prompts.Or(cfg.Prompts.Code, prompts.Code)
	cfg.Prompts.Transcription = prompts.Or(cfg.Prompts.Transcription, prompts.TranscriptionHint)
	return &Assistant{cfg: cfg, log: cfg.Logger}
}

// DrawImageEnabled reports whether the draw_image tool is offered.
func (a *Assistant) DrawImageEnabled() bool {
	return a.cfg.Images != nil
}

// Run is one turn for one device. Events it publishes share its turn id.
type Run struct {
	a       *Assistant
	device  events.DeviceID
	turnID  string
	bus     *eventbus.Bus
	log     *slog.Logger
	traceID string
	started time.Time

	// done is set once the terminal event was published or the run was
	// abandoned; nothing is published afterwards.
	done bool

	transcript string
	reply      string
	tool       Tool
}

// Start looks up the device's bus, mints the turn id and announces the
// upload. It fails with ErrNoChannel when the device has no bus yet.
func (a *Assistant) Start(device events.DeviceID) (*Run, error) {
	bus, ok := a.cfg.Buses.Lookup(device)
	if !ok {
		a.log.Warn("assistant request without event channel", "device_id", string(device))
		metrics.Errors.WithLabelValues(string(events.StageUploadAudio), "no_channel").Inc()
		return nil, ErrNoChannel
	}

	turnID := uuid.NewString()
	r := &Run{
		a:       a,
		device:  device,
		turnID:  turnID,
		bus:     bus,
		log:     a.log.With("device_id", string(device), "turn_id", turnID),
		started: time.Now(),
	}
	r.traceID = a.cfg.Tracer.StartRun(string(device), turnID)
	r.publish(context.Background(), events.Processing{Stage: events.StageUploadAudio})
	return r, nil
}

// TurnID returns the id shared by the run's content events.
func (r *Run) TurnID() string {
	return r.turnID
}

// Abort abandons a run whose upload was rejected. No terminal event is
// published.
func (r *Run) Abort(err error) {
	if r.done {
		return
	}
	r.log.Warn("assistant upload rejected", "error", err)
	r.finish("rejected")
}

// Execute drives the run to its terminal event. A failing stage publishes
// exactly one Error event; a cancelled ctx stops the run without publishing
// anything further.
func (r *Run) Execute(ctx context.Context, audio []byte) error {
	if r.done {
		return errors.New("assistant run already finished")
	}
	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	err := r.execute(ctx, audio)
	switch {
	case ctx.Err() != nil:
		r.log.Info("assistant run cancelled", "stage_error", err)
		r.finish("cancelled")
		return fmt.Errorf("assistant run: %w", ctx.Err())
	case err != nil:
		kind, stage := "internal", events.Stage("")
		var se *StageError
		if errors.As(err, &se) {
			kind, stage = se.Kind, se.Stage
		}
		metrics.Errors.WithLabelValues(string(stage), kind).Inc()
		r.log.Error("assistant run failed", "kind", kind, "stage", string(stage), "error", err)
		r.publish(ctx, events.Error{Message: err.Error()})
		r.finish("error")
		return fmt.Errorf("assistant run: %w", err)
	}

	r.publish(ctx, events.Complete{})
	r.finish("complete")
	return nil
}

func (r *Run) execute(ctx context.Context, audio []byte) error {
	transcript, err := r.transcribe(ctx, audio)
	if err != nil {
		return err
	}

	r.publish(ctx, events.Processing{Stage: events.StageThinking})
	r.publish(ctx, events.ReplySkeleton{TurnID: r.turnID, Avatar: botAvatar, Name: botName})

	comp, err := r.think(ctx, transcript)
	if err != nil {
		return err
	}

	switch comp.FinishReason {
	case FinishStop:
		if strings.TrimSpace(comp.Content) == "" {
			return stageErr(KindChat, events.StageThinking, ErrEmptyContent)
		}
		return r.speak(ctx, comp.Content)
	case FinishToolCalls:
		return r.dispatch(ctx, comp, transcript)
	default:
		return stageErr(KindFinishReason, events.StageThinking, fmt.Errorf("unexpected finish reason %q", comp.FinishReason))
	}
}

func (r *Run) transcribe(ctx context.Context, audio []byte) (string, error) {
	r.publish(ctx, events.Processing{Stage: events.StageTranscription})

	start := time.Now()
	res, err := r.a.cfg.ASR.Transcribe(ctx, audio, r.a.cfg.Prompts.Transcription, r.a.cfg.ASREngine)
	text := ""
	if err == nil {
		text = strings.TrimSpace(res.Text)
		if text == "" {
			err = ErrEmptyTranscript
		}
	}
	r.span(events.StageTranscription, fmt.Sprintf("audio_bytes=%d", len(audio)), start, text, err)
	if err != nil {
		return "", stageErr(KindTranscription, events.StageTranscription, err)
	}

	r.transcript = text
	r.log.Info("transcript", "text", text, "engine", res.Engine)
	r.publish(ctx, events.InputSkeleton{
		TurnID:   r.turnID,
		Datetime: r.a.cfg.Now().Format(datetimeLayout),
		Avatar:   userAvatar,
		Name:     userName,
	})
	r.publish(ctx, events.Input{TurnID: r.turnID, Content: text})
	return text, nil
}

func (r *Run) think(ctx context.Context, transcript string) (*Completion, error) {
	start := time.Now()
	tools := Catalog(r.a.DrawImageEnabled())
	comp, err := r.a.cfg.Chat.ChatWithTools(ctx, r.a.cfg.Prompts.ToolDecision, transcript, tools)
	out := ""
	if err == nil {
		out = comp.FinishReason
	}
	r.span(events.StageThinking, transcript, start, out, err)
	if errors.Is(err, ErrNoChoice) {
		return nil, stageErr(KindNoChoice, events.StageThinking, err)
	}
	if err != nil {
		return nil, stageErr(KindChat, events.StageThinking, err)
	}
	return comp, nil
}

func (r *Run) dispatch(ctx context.Context, comp *Completion, transcript string) error {
	if len(comp.ToolCalls) == 0 {
		return stageErr(KindChat, events.StageThinking, ErrNoToolCall)
	}
	call := comp.ToolCalls[0]

	tool := ParseTool(call.Name)
	if tool == ToolDrawImage && !r.a.DrawImageEnabled() {
		tool = ToolAnswer
	}
	if string(tool) != call.Name {
		r.log.Warn("unknown tool requested, answering instead", "tool", call.Name)
	}

	args, err := decodeArgs(call.Arguments)
	if err != nil {
		return stageErr(KindToolArgs, events.StageThinking, err)
	}
	prompt := strings.TrimSpace(args.Prompt)
	if prompt == "" {
		prompt = transcript
	}

	r.tool = tool
	metrics.ToolCalls.WithLabelValues(string(tool)).Inc()
	r.log.Info("tool selected", "tool", string(tool))

	switch tool {
	case ToolDrawImage:
		return r.drawImage(ctx, prompt)
	case ToolWriteCode:
		return r.writeCode(ctx, prompt)
	default:
		return r.answer(ctx, prompt)
	}
}

func (r *Run) drawImage(ctx context.Context, prompt string) error {
	r.publish(ctx, events.Processing{Stage: events.StageDrawImage})

	start := time.Now()
	img, err := r.a.cfg.Images.Generate(ctx, prompt)
	var data []byte
	if err == nil {
		data, err = base64.StdEncoding.DecodeString(img.B64JSON)
	}
	r.span(events.StageDrawImage, prompt, start, fmt.Sprintf("image_bytes=%d", len(data)), err)
	if err != nil {
		return stageErr(KindImage, events.StageDrawImage, err)
	}

	url, err := r.save(ctx, storage.KindImage, data)
	if err != nil {
		return stageErr(KindStorage, events.StageDrawImage, err)
	}

	revised := img.RevisedPrompt
	if revised == "" {
		revised = prompt
	}
	r.reply = revised
	r.publish(ctx, events.Reply{TurnID: r.turnID, Data: events.Image{URL: url, Prompt: revised}})
	return nil
}

func (r *Run) writeCode(ctx context.Context, prompt string) error {
	r.publish(ctx, events.Processing{Stage: events.StageWriteCode})

	content, err := r.complete(ctx, events.StageWriteCode, r.a.cfg.Prompts.Code, prompt, r.a.cfg.CodeModel)
	if err != nil {
		return err
	}

	html, err := r.a.cfg.Markdown.Render(content)
	if err != nil {
		return stageErr(KindRender, events.StageWriteCode, err)
	}
	r.reply = content
	r.publish(ctx, events.Reply{TurnID: r.turnID, Data: events.Markdown{Content: html}})
	return nil
}

func (r *Run) answer(ctx context.Context, prompt string) error {
	r.publish(ctx, events.Processing{Stage: events.StageChatCompletion})

	content, err := r.complete(ctx, events.StageChatCompletion, r.a.cfg.Prompts.Conversation, prompt, r.a.cfg.ChatModel)
	if err != nil {
		return err
	}
	return r.speak(ctx, content)
}

func (r *Run) complete(ctx context.Context, stage events.Stage, systemPrompt, prompt, model string) (string, error) {
	start := time.Now()
	content, err := r.a.cfg.LLM.Complete(ctx, systemPrompt, prompt, model)
	if err == nil && strings.TrimSpace(content) == "" {
		err = ErrEmptyContent
	}
	r.span(stage, prompt, start, content, err)
	if err != nil {
		return "", stageErr(KindCompletion, stage, err)
	}
	return content, nil
}

// speak publishes the text reply, then the same reply with its audio URL.
func (r *Run) speak(ctx context.Context, text string) error {
	r.reply = text
	r.publish(ctx, events.Processing{Stage: events.StageSpeech})
	r.publish(ctx, events.Reply{TurnID: r.turnID, Data: events.Speech{Text: text}})

	start := time.Now()
	res, err := r.a.cfg.TTS.Synthesize(ctx, text, r.a.cfg.TTSEngine, r.a.cfg.TTSOptions)
	out := ""
	if err == nil {
		out = fmt.Sprintf("engine=%s audio_bytes=%d", res.Engine, len(res.Audio))
	}
	r.span(events.StageSpeech, text, start, out, err)
	if err != nil {
		return stageErr(KindSpeech, events.StageSpeech, err)
	}

	url, err := r.save(ctx, storage.KindAudio, res.Audio)
	if err != nil {
		return stageErr(KindStorage, events.StageSpeech, err)
	}
	r.publish(ctx, events.Reply{TurnID: r.turnID, Data: events.Speech{Text: text, URL: url}})
	return nil
}

func (r *Run) save(ctx context.Context, kind storage.Kind, data []byte) (string, error) {
	start := time.Now()
	url, err := r.a.cfg.Store.Save(ctx, kind, string(r.device), data)
	r.a.cfg.Tracer.RecordSpan(r.traceID, "storage", start, float64(time.Since(start).Milliseconds()), string(kind), url, spanStatus(err), errString(err))
	return url, err
}

func (r *Run) publish(ctx context.Context, ev events.Event) {
	if r.done || ctx.Err() != nil {
		return
	}
	if events.IsTerminal(ev) {
		r.done = true
	}
	n := r.bus.Publish(ev)
	label := events.Label(ev)
	metrics.EventsPublished.WithLabelValues(label).Inc()
	r.log.Debug("event published", "event", label, "receivers", n)
}

func (r *Run) span(stage events.Stage, input string, start time.Time, output string, err error) {
	d := time.Since(start)
	metrics.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
	r.a.cfg.Tracer.RecordSpan(r.traceID, string(stage), start, float64(d.Milliseconds()), input, output, spanStatus(err), errString(err))
}

func (r *Run) finish(status string) {
	r.done = true
	d := time.Since(r.started)
	metrics.RunsTotal.WithLabelValues(status).Inc()
	metrics.RunDuration.Observe(d.Seconds())
	r.a.cfg.Tracer.EndRun(r.traceID, trace.RunResult{
		DurationMs: float64(d.Milliseconds()),
		Transcript: r.transcript,
		Reply:      r.reply,
		Tool:       string(r.tool),
		Status:     status,
	})
	r.log.Info("assistant run finished", "status", status, "tool", string(r.tool), "duration_ms", d.Milliseconds())
}

func spanStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func errString(err error) string {
	if err != nil {
		return err.Error()
	}
	return ""
}
