// Package markdown turns model output into sanitised, syntax-highlighted HTML.
package markdown

import (
	"bytes"
	"fmt"
	"io"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
)

// DefaultStyle is the chroma style used for code blocks.
const DefaultStyle = "monokai"

// Renderer converts markdown to HTML safe to embed in the chat page.
// Code blocks are highlighted with CSS classes; see WriteCSS.
type Renderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
	style  string
}

// New creates a renderer using the given chroma style name.
func New(style string) *Renderer {
	if style == "" {
		style = DefaultStyle
	}
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(
				highlighting.WithStyle(style),
				highlighting.WithFormatOptions(chromahtml.WithClasses(true)),
			),
		),
	)

	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").OnElements("span", "code", "pre", "div")

	return &Renderer{md: md, policy: policy, style: style}
}

// Render converts src to sanitised HTML.
func (r *Renderer) Render(src string) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	return r.policy.Sanitize(buf.String()), nil
}

// WriteCSS writes the stylesheet matching the renderer's highlight classes.
func (r *Renderer) WriteCSS(w io.Writer) error {
	formatter := chromahtml.New(chromahtml.WithClasses(true))
	return formatter.WriteCSS(w, styles.Get(r.style))
}
