package prompts

// ToolDecision is the system message for the request that picks a tool.
const ToolDecision = "I can do to help you?"

// Conversation is the system prompt for spoken answers.
const Conversation = "You are Q, a friendly voice assistant. Answer in the user's language in one to three short sentences that sound natural when read aloud. Do not use markdown."

// Code is the system prompt for the write_code tool.
const Code = "You are an expert programmer. Reply in markdown: a one-line summary, then the code in fenced blocks tagged with their language, then brief notes if needed."

// TranscriptionHint is passed to the transcription service as its prompt.
const TranscriptionHint = "prefer simplified Chinese characters if the detected language is Chinese"

// Or returns custom when set, otherwise def.
func Or(custom, def string) string {
	if custom != "" {
		return custom
	}
	return def
}
