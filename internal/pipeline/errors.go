package pipeline

import (
	"errors"
	"fmt"

	"github.com/nullptr-z/Q-bot/internal/events"
)

var (
	// ErrNoChannel means the device never opened an event stream.
	ErrNoChannel = errors.New("no event channel for device")
	// ErrAudioField means the upload's first multipart field is not "audio".
	ErrAudioField = errors.New("expected an audio field")

	ErrNoChoice        = errors.New("chat completion returned no choices")
	ErrEmptyContent    = errors.New("chat completion returned no content")
	ErrEmptyTranscript = errors.New("transcription returned no text")
	ErrNoToolCall      = errors.New("chat completion asked for a tool but named none")
	ErrNoImage         = errors.New("image generation returned no image")
)

// Error kinds used in logs and metrics.
const (
	KindTranscription = "transcription"
	KindChat          = "chat"
	KindNoChoice      = "no_choice"
	KindFinishReason  = "finish_reason"
	KindToolArgs      = "tool_args"
	KindCompletion    = "completion"
	KindSpeech        = "speech"
	KindImage         = "image"
	KindStorage       = "storage"
	KindRender        = "render"
)

// StageError is a collaborator failure inside a run. Subscribers see its
// message; Kind is for logs and metrics.
type StageError struct {
	Kind  string
	Stage events.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(kind string, stage events.Stage, err error) error {
	return &StageError{Kind: kind, Stage: stage, Err: err}
}
