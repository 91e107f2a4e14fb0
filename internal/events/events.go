// Package events defines the closed set of events a device stream carries
// and their wire rendering.
package events

// DeviceID identifies the browser session an event stream belongs to.
type DeviceID string

// Stage names one step of an assistant run.
type Stage string

const (
	StageUploadAudio    Stage = "upload_audio"
	StageTranscription  Stage = "transcription"
	StageThinking       Stage = "thinking"
	StageChatCompletion Stage = "chat_completion"
	StageSpeech         Stage = "speech"
	StageDrawImage      Stage = "draw_image"
	StageWriteCode      Stage = "write_code"
)

// Event is one item published on a device bus. The set of implementations
// is closed to this package.
type Event interface {
	event()
}

// Processing signals that a stage has started.
type Processing struct {
	Stage Stage
}

// Finish signals that a stage has ended. Nothing in the assistant run emits
// it today; clients treat it like any other signal.
type Finish struct {
	Stage Stage
}

// Complete is the terminal signal of a successful run.
type Complete struct{}

// Error is the terminal signal of a failed run. Message is what subscribers
// see; the diagnostic detail stays in the server log.
type Error struct {
	Message string
}

// InputSkeleton is the placeholder for the user's utterance, sent before the
// transcript is known.
type InputSkeleton struct {
	TurnID   string
	Datetime string
	Avatar   string
	Name     string
}

// Input carries the transcript of the user's utterance.
type Input struct {
	TurnID  string
	Content string
}

// ReplySkeleton is the placeholder for the assistant's reply.
type ReplySkeleton struct {
	TurnID string
	Avatar string
	Name   string
}

// Reply carries one assistant result.
type Reply struct {
	TurnID string
	Data   ReplyData
}

func (Processing) event()    {}
func (Finish) event()        {}
func (Complete) event()      {}
func (Error) event()         {}
func (InputSkeleton) event() {}
func (Input) event()         {}
func (ReplySkeleton) event() {}
func (Reply) event()         {}

// ReplyData is the payload of a Reply.
type ReplyData interface {
	replyData()
	kind() string
}

// Speech is a spoken answer. URL is empty for the text-only reply sent
// before synthesis finishes.
type Speech struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Image is a generated picture and the prompt that produced it.
type Image struct {
	URL    string `json:"url"`
	Prompt string `json:"prompt"`
}

// Markdown is rendered, sanitised HTML.
type Markdown struct {
	Content string `json:"content"`
}

func (Speech) replyData()   {}
func (Image) replyData()    {}
func (Markdown) replyData() {}

func (Speech) kind() string   { return "speech" }
func (Image) kind() string    { return "image" }
func (Markdown) kind() string { return "markdown" }

// IsTerminal reports whether ev ends a run.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case Complete, Error:
		return true
	}
	return false
}
