package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Tool names a capability the model can choose for a turn.
type Tool string

const (
	ToolDrawImage Tool = "draw_image"
	ToolWriteCode Tool = "write_code"
	ToolAnswer    Tool = "answer"
)

// ParseTool maps a tool-call name to a Tool. Names outside the catalog are
// answered conversationally.
func ParseTool(name string) Tool {
	switch Tool(name) {
	case ToolDrawImage, ToolWriteCode, ToolAnswer:
		return Tool(name)
	}
	return ToolAnswer
}

// PromptArgs is the argument object shared by every tool.
type PromptArgs struct {
	Prompt string `json:"prompt" jsonschema:"description=What the user asked for, restated as a self-contained request"`
}

// ToolSpec describes one function the model may call.
type ToolSpec struct {
	Name        Tool
	Description string
	Parameters  map[string]any
}

var promptArgsSchema = mustSchema(&PromptArgs{})

// Catalog returns the tools offered to the model. draw_image is included
// only when image generation is configured.
func Catalog(drawImage bool) []ToolSpec {
	var tools []ToolSpec
	if drawImage {
		tools = append(tools, ToolSpec{Name: ToolDrawImage, Description: "Draw an image based on the prompt.", Parameters: promptArgsSchema})
	}
	return append(tools,
		ToolSpec{Name: ToolWriteCode, Description: "Write code based on the prompt.", Parameters: promptArgsSchema},
		ToolSpec{Name: ToolAnswer, Description: "Just reply based on the prompt.", Parameters: promptArgsSchema},
	)
}

// decodeArgs parses a tool call's JSON arguments.
func decodeArgs(raw string) (PromptArgs, error) {
	var args PromptArgs
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return PromptArgs{}, fmt.Errorf("decode tool arguments: %w", err)
	}
	return args, nil
}

// mustSchema reflects v into a JSON-schema object suitable for function
// parameters.
func mustSchema(v any) map[string]any {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	data, err := json.Marshal(r.Reflect(v))
	if err != nil {
		panic(fmt.Sprintf("tool schema: %v", err))
	}
	var m map[string]any
	if err = json.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("tool schema: %v", err))
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}
