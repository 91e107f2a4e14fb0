package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullptr-z/Q-bot/internal/eventbus"
	"github.com/nullptr-z/Q-bot/internal/events"
	"github.com/nullptr-z/Q-bot/internal/metrics"
	"github.com/nullptr-z/Q-bot/internal/prompts"
	"github.com/nullptr-z/Q-bot/internal/storage"
)

type fakeASR struct {
	text   string
	err    error
	prompt string
	hook   func()
}

func (f *fakeASR) Transcribe(ctx context.Context, _ []byte, prompt string) (*ASRResult, error) {
	f.prompt = prompt
	if f.hook != nil {
		f.hook()
	}
	if f.err != nil {
		return nil, f.err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return &ASRResult{Text: f.text}, nil
}

type fakeChat struct {
	comp  *Completion
	err   error
	tools []ToolSpec
}

func (f *fakeChat) ChatWithTools(_ context.Context, _, _ string, tools []ToolSpec) (*Completion, error) {
	f.tools = tools
	return f.comp, f.err
}

type fakeLLM struct {
	text    string
	err     error
	systems []string
	models  []string
}

func (f *fakeLLM) Complete(_ context.Context, systemPrompt, _, model string) (string, error) {
	f.systems = append(f.systems, systemPrompt)
	f.models = append(f.models, model)
	return f.text, f.err
}

type fakeTTS struct {
	audio []byte
	err   error
	hook  func()
}

func (f *fakeTTS) SynthesizeAudio(context.Context, string, TTSOptions) ([]byte, error) {
	if f.hook != nil {
		f.hook()
	}
	return f.audio, f.err
}

type fakeImages struct {
	img *GeneratedImage
	err error
}

func (f *fakeImages) Generate(context.Context, string) (*GeneratedImage, error) {
	return f.img, f.err
}

type fakeStore struct {
	saved []storage.Kind
	err   error
}

func (f *fakeStore) Save(_ context.Context, kind storage.Kind, device string, _ []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.saved = append(f.saved, kind)
	return "/assets/" + string(kind) + "/" + device + "/x" + kind.Ext(), nil
}

type fakeMarkdown struct{}

func (fakeMarkdown) Render(src string) (string, error) { return "<p>" + src + "</p>", nil }

type harness struct {
	reg    *eventbus.Registry
	sub    *eventbus.Subscription
	asr    *fakeASR
	chat   *fakeChat
	llm    *fakeLLM
	tts    *fakeTTS
	images *fakeImages
	store  *fakeStore
	cfg    Config
}

var fixedNow = time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		reg:   eventbus.NewRegistry(128, nil),
		asr:   &fakeASR{text: "hello"},
		chat:  &fakeChat{comp: &Completion{FinishReason: FinishStop, Content: "hi there"}},
		llm:   &fakeLLM{text: "answer text"},
		tts:   &fakeTTS{audio: []byte("mp3")},
		store: &fakeStore{},
	}
	h.sub = h.reg.GetOrCreate("dev").Subscribe()
	t.Cleanup(h.sub.Close)
	h.cfg = Config{
		Buses:     h.reg,
		ASR:       NewASRRouter(map[string]ASRTranscriber{"fake": h.asr}, "fake"),
		Chat:      h.chat,
		LLM:       h.llm,
		ChatModel: "chat-model",
		CodeModel: "code-model",
		TTS:       NewTTSRouter(map[string]TTSSynthesizer{"fake": h.tts}, "fake"),
		Store:     h.store,
		Markdown:  fakeMarkdown{},
		Now:       func() time.Time { return fixedNow },
	}
	return h
}

func (h *harness) withImages(img *GeneratedImage, err error) {
	h.images = &fakeImages{img: img, err: err}
	h.cfg.Images = h.images
}

func (h *harness) run(t *testing.T, ctx context.Context) (string, []events.Event, error) {
	t.Helper()
	run, err := NewAssistant(h.cfg).Start("dev")
	require.NoError(t, err)
	execErr := run.Execute(ctx, []byte("audio"))
	return run.TurnID(), h.drain(t), execErr
}

func (h *harness) drain(t *testing.T) []events.Event {
	t.Helper()
	var out []events.Event
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		ev, err := h.sub.Recv(ctx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func toolCall(name, args string) *Completion {
	return &Completion{FinishReason: FinishToolCalls, ToolCalls: []ToolCall{{Name: name, Arguments: args}}}
}

func processing(s events.Stage) events.Event { return events.Processing{Stage: s} }

// assertOneTerminalLast checks that evs ends with exactly one terminal event.
func assertOneTerminalLast(t *testing.T, evs []events.Event) {
	t.Helper()
	require.NotEmpty(t, evs)
	n := 0
	for _, ev := range evs {
		if events.IsTerminal(ev) {
			n++
		}
	}
	assert.Equal(t, 1, n, "terminal events")
	assert.True(t, events.IsTerminal(evs[len(evs)-1]), "last event must be terminal")
}

func stageErrorOf(t *testing.T, err error) *StageError {
	t.Helper()
	var se *StageError
	require.True(t, errors.As(err, &se), "expected StageError, got %v", err)
	return se
}

func TestDirectAnswer(t *testing.T) {
	h := newHarness(t)
	turn, evs, err := h.run(t, context.Background())
	require.NoError(t, err)

	want := []events.Event{
		processing(events.StageUploadAudio),
		processing(events.StageTranscription),
		events.InputSkeleton{TurnID: turn, Datetime: "05/03/2024 14:0709", Avatar: userAvatar, Name: userName},
		events.Input{TurnID: turn, Content: "hello"},
		processing(events.StageThinking),
		events.ReplySkeleton{TurnID: turn, Avatar: botAvatar, Name: botName},
		processing(events.StageSpeech),
		events.Reply{TurnID: turn, Data: events.Speech{Text: "hi there"}},
		events.Reply{TurnID: turn, Data: events.Speech{Text: "hi there", URL: "/assets/audio/dev/x.mp3"}},
		events.Complete{},
	}
	assert.Equal(t, want, evs)
	assert.Equal(t, prompts.TranscriptionHint, h.asr.prompt)
	assert.Equal(t, []storage.Kind{storage.KindAudio}, h.store.saved)
}

func TestTurnIDsAreFresh(t *testing.T) {
	h := newHarness(t)
	a := NewAssistant(h.cfg)
	r1, err := a.Start("dev")
	require.NoError(t, err)
	r2, err := a.Start("dev")
	require.NoError(t, err)
	assert.NotEqual(t, r1.TurnID(), r2.TurnID())
}

func TestStartWithoutChannel(t *testing.T) {
	h := newHarness(t)
	_, err := NewAssistant(h.cfg).Start("unknown")
	assert.ErrorIs(t, err, ErrNoChannel)
	assert.Empty(t, h.drain(t))
}

func TestTranscriptionFailure(t *testing.T) {
	h := newHarness(t)
	h.asr.err = errors.New("whisper status 500")

	_, evs, err := h.run(t, context.Background())
	require.Error(t, err)
	assert.Equal(t, KindTranscription, stageErrorOf(t, err).Kind)

	assert.Equal(t, []events.Event{
		processing(events.StageUploadAudio),
		processing(events.StageTranscription),
		events.Error{Message: "transcription: whisper status 500"},
	}, evs)
}

func TestEmptyTranscript(t *testing.T) {
	h := newHarness(t)
	h.asr.text = "  "

	_, evs, err := h.run(t, context.Background())
	assert.ErrorIs(t, err, ErrEmptyTranscript)
	assertOneTerminalLast(t, evs)
	assert.IsType(t, events.Error{}, evs[len(evs)-1])
}

func TestChatFailures(t *testing.T) {
	cases := []struct {
		name string
		comp *Completion
		err  error
		kind string
		is   error
	}{
		{"no choice", nil, ErrNoChoice, KindNoChoice, ErrNoChoice},
		{"transport", nil, errors.New("connection reset"), KindChat, nil},
		{"empty content", &Completion{FinishReason: FinishStop}, nil, KindChat, ErrEmptyContent},
		{"no tool call", &Completion{FinishReason: FinishToolCalls}, nil, KindChat, ErrNoToolCall},
		{"bad arguments", toolCall("write_code", "{not json"), nil, KindToolArgs, nil},
		{"length", &Completion{FinishReason: "length", Content: "cut"}, nil, KindFinishReason, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.chat.comp, h.chat.err = tc.comp, tc.err

			turn, evs, err := h.run(t, context.Background())
			require.Error(t, err)
			assert.Equal(t, tc.kind, stageErrorOf(t, err).Kind)
			if tc.is != nil {
				assert.ErrorIs(t, err, tc.is)
			}

			assertOneTerminalLast(t, evs)
			require.Len(t, evs, 7)
			assert.Equal(t, events.ReplySkeleton{TurnID: turn, Avatar: botAvatar, Name: botName}, evs[5])
		})
	}
}

func TestUnknownToolFallsBackToAnswer(t *testing.T) {
	h := newHarness(t)
	h.chat.comp = toolCall("sing_song", `{"prompt":"sing"}`)

	turn, evs, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, []events.Event{
		processing(events.StageChatCompletion),
		processing(events.StageSpeech),
		events.Reply{TurnID: turn, Data: events.Speech{Text: "answer text"}},
		events.Reply{TurnID: turn, Data: events.Speech{Text: "answer text", URL: "/assets/audio/dev/x.mp3"}},
		events.Complete{},
	}, evs[6:])
	assert.Equal(t, []string{prompts.Conversation}, h.llm.systems)
	assert.Equal(t, []string{"chat-model"}, h.llm.models)
}

func TestWriteCode(t *testing.T) {
	h := newHarness(t)
	h.chat.comp = toolCall("write_code", `{"prompt":"fizzbuzz in go"}`)
	h.llm.text = "```go\nfunc main() {}\n```"

	turn, evs, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, []events.Event{
		processing(events.StageWriteCode),
		events.Reply{TurnID: turn, Data: events.Markdown{Content: "<p>```go\nfunc main() {}\n```</p>"}},
		events.Complete{},
	}, evs[6:])
	assert.Equal(t, []string{prompts.Code}, h.llm.systems)
	assert.Equal(t, []string{"code-model"}, h.llm.models)
	assert.Empty(t, h.store.saved)
}

func TestWriteCodeEmptyCompletion(t *testing.T) {
	h := newHarness(t)
	h.chat.comp = toolCall("write_code", `{"prompt":"x"}`)
	h.llm.text = ""

	_, evs, err := h.run(t, context.Background())
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.Equal(t, events.StageWriteCode, stageErrorOf(t, err).Stage)
	assertOneTerminalLast(t, evs)
}

func TestDrawImage(t *testing.T) {
	h := newHarness(t)
	h.withImages(&GeneratedImage{B64JSON: base64.StdEncoding.EncodeToString([]byte("png")), RevisedPrompt: "a red cat, watercolor"}, nil)
	h.chat.comp = toolCall("draw_image", `{"prompt":"a red cat"}`)

	turn, evs, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, []events.Event{
		processing(events.StageDrawImage),
		events.Reply{TurnID: turn, Data: events.Image{URL: "/assets/image/dev/x.png", Prompt: "a red cat, watercolor"}},
		events.Complete{},
	}, evs[6:])
	require.Len(t, h.chat.tools, 3)
	assert.Equal(t, ToolDrawImage, h.chat.tools[0].Name)
}

func TestDrawImageWithoutRevisedPrompt(t *testing.T) {
	h := newHarness(t)
	h.withImages(&GeneratedImage{B64JSON: base64.StdEncoding.EncodeToString([]byte("png"))}, nil)
	h.chat.comp = toolCall("draw_image", `{"prompt":"a red cat"}`)

	turn, evs, err := h.run(t, context.Background())
	require.NoError(t, err)
	assert.Contains(t, evs, events.Event(events.Reply{TurnID: turn, Data: events.Image{URL: "/assets/image/dev/x.png", Prompt: "a red cat"}}))
}

func TestDrawImageBadBase64(t *testing.T) {
	h := newHarness(t)
	h.withImages(&GeneratedImage{B64JSON: "%%%"}, nil)
	h.chat.comp = toolCall("draw_image", `{"prompt":"a red cat"}`)

	_, evs, err := h.run(t, context.Background())
	require.Error(t, err)
	assert.Equal(t, KindImage, stageErrorOf(t, err).Kind)
	assertOneTerminalLast(t, evs)
}

func TestDrawImageDisabledAnswersInstead(t *testing.T) {
	h := newHarness(t)
	h.chat.comp = toolCall("draw_image", `{"prompt":"a red cat"}`)

	_, evs, err := h.run(t, context.Background())
	require.NoError(t, err)

	for _, tool := range h.chat.tools {
		assert.NotEqual(t, ToolDrawImage, tool.Name)
	}
	assert.Equal(t, processing(events.StageChatCompletion), evs[6])
}

func TestSpeechFailureAfterTextReply(t *testing.T) {
	h := newHarness(t)
	h.tts.err = errors.New("tts status 503")

	turn, evs, err := h.run(t, context.Background())
	require.Error(t, err)
	assert.Equal(t, KindSpeech, stageErrorOf(t, err).Kind)

	assert.Equal(t, []events.Event{
		processing(events.StageSpeech),
		events.Reply{TurnID: turn, Data: events.Speech{Text: "hi there"}},
		events.Error{Message: "speech: tts fake: tts status 503"},
	}, evs[6:])
}

func TestStorageFailure(t *testing.T) {
	h := newHarness(t)
	h.store.err = errors.New("disk full")

	_, evs, err := h.run(t, context.Background())
	require.Error(t, err)
	assert.Equal(t, KindStorage, stageErrorOf(t, err).Kind)
	assertOneTerminalLast(t, evs)
}

type failingBackend struct{}

func (failingBackend) Put(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("disk full")
}

func TestStorageFailureMessage(t *testing.T) {
	h := newHarness(t)
	h.cfg.Store = storage.NewMedia(failingBackend{})

	_, evs, err := h.run(t, context.Background())
	require.Error(t, err)
	last, ok := evs[len(evs)-1].(events.Error)
	require.True(t, ok, "last event %#v", evs[len(evs)-1])
	assert.Regexp(t, `^storage: put audio/dev/[0-9a-f-]+\.mp3: disk full$`, last.Message)
}

func TestOpaqueDeviceWithLocalStorage(t *testing.T) {
	const device = "s%3Aabc.def+xyz="
	h := newHarness(t)
	local, err := storage.NewLocal(t.TempDir(), "/assets")
	require.NoError(t, err)
	h.cfg.Store = storage.NewMedia(local)
	sub := h.reg.GetOrCreate(device).Subscribe()
	t.Cleanup(sub.Close)

	run, err := NewAssistant(h.cfg).Start(device)
	require.NoError(t, err)
	require.NoError(t, run.Execute(context.Background(), []byte("audio")))

	var last events.Event
	var speechURL string
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		ev, err := sub.Recv(ctx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			break
		}
		require.NoError(t, err)
		if r, ok := ev.(events.Reply); ok {
			if sp, ok := r.Data.(events.Speech); ok && sp.URL != "" {
				speechURL = sp.URL
			}
		}
		last = ev
	}
	assert.Equal(t, events.Complete{}, last)
	assert.Contains(t, speechURL, "/assets/audio/"+storage.DeviceSegment(device)+"/")
}

func errorCount(t *testing.T, stage events.Stage, kind string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.Errors.WithLabelValues(string(stage), kind).Write(&m))
	return m.GetCounter().GetValue()
}

func TestFailureCountedOnce(t *testing.T) {
	h := newHarness(t)
	h.tts.err = errors.New("tts status 503")
	before := errorCount(t, events.StageSpeech, KindSpeech)

	_, _, err := h.run(t, context.Background())
	require.Error(t, err)
	assert.Equal(t, before+1, errorCount(t, events.StageSpeech, KindSpeech))
	assert.Zero(t, errorCount(t, "tts", "fake"), "backend failures are counted by the run only")
}

func TestCancelledDuringTranscription(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.asr.hook = cancel

	_, evs, err := h.run(t, ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []events.Event{
		processing(events.StageUploadAudio),
		processing(events.StageTranscription),
	}, evs)
}

func TestCancelledDuringSpeechPublishesNothingMore(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	// the backend ignores cancellation and succeeds anyway
	h.tts.hook = cancel

	turn, evs, err := h.run(t, ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, events.Reply{TurnID: turn, Data: events.Speech{Text: "hi there"}}, evs[len(evs)-1])
	for _, ev := range evs {
		assert.False(t, events.IsTerminal(ev))
	}
}

func TestExecuteTwice(t *testing.T) {
	h := newHarness(t)
	run, err := NewAssistant(h.cfg).Start("dev")
	require.NoError(t, err)
	require.NoError(t, run.Execute(context.Background(), []byte("audio")))
	first := h.drain(t)

	assert.Error(t, run.Execute(context.Background(), []byte("audio")))
	assert.Empty(t, h.drain(t))
	assertOneTerminalLast(t, first)
}

func TestAbortPublishesNoTerminal(t *testing.T) {
	h := newHarness(t)
	run, err := NewAssistant(h.cfg).Start("dev")
	require.NoError(t, err)
	run.Abort(ErrAudioField)

	assert.Equal(t, []events.Event{processing(events.StageUploadAudio)}, h.drain(t))
	assert.Error(t, run.Execute(context.Background(), []byte("audio")))
}

func TestContentEventsShareTurnID(t *testing.T) {
	h := newHarness(t)
	h.chat.comp = toolCall("answer", `{"prompt":"what time is it"}`)

	turn, evs, err := h.run(t, context.Background())
	require.NoError(t, err)
	for _, ev := range evs {
		switch e := ev.(type) {
		case events.InputSkeleton:
			assert.Equal(t, turn, e.TurnID)
		case events.Input:
			assert.Equal(t, turn, e.TurnID)
		case events.ReplySkeleton:
			assert.Equal(t, turn, e.TurnID)
		case events.Reply:
			assert.Equal(t, turn, e.TurnID)
		}
	}
}

func TestRunsForDifferentDevicesDoNotLeak(t *testing.T) {
	h := newHarness(t)
	other := h.reg.GetOrCreate("other").Subscribe()
	defer other.Close()

	_, evs, err := h.run(t, context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, evs)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = other.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
