package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTool(t *testing.T) {
	assert.Equal(t, ToolDrawImage, ParseTool("draw_image"))
	assert.Equal(t, ToolWriteCode, ParseTool("write_code"))
	assert.Equal(t, ToolAnswer, ParseTool("answer"))
	assert.Equal(t, ToolAnswer, ParseTool("launch_rocket"))
	assert.Equal(t, ToolAnswer, ParseTool(""))
}

func TestCatalog(t *testing.T) {
	names := func(tools []ToolSpec) []Tool {
		var out []Tool
		for _, t := range tools {
			out = append(out, t.Name)
		}
		return out
	}
	assert.Equal(t, []Tool{ToolWriteCode, ToolAnswer}, names(Catalog(false)))
	assert.Equal(t, []Tool{ToolDrawImage, ToolWriteCode, ToolAnswer}, names(Catalog(true)))
}

func TestPromptArgsSchema(t *testing.T) {
	schema := Catalog(false)[0].Parameters

	assert.Equal(t, "object", schema["type"])
	assert.NotContains(t, schema, "$schema")
	assert.Equal(t, []any{"prompt"}, schema["required"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	prompt, ok := props["prompt"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "string", prompt["type"])
}

func TestDecodeArgs(t *testing.T) {
	args, err := decodeArgs(`{"prompt":"draw a cat"}`)
	require.NoError(t, err)
	assert.Equal(t, "draw a cat", args.Prompt)

	_, err = decodeArgs(`prompt=cat`)
	assert.Error(t, err)
}
