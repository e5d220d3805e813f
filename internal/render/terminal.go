package render

import (
	"html"
	"strings"

	"github.com/charmbracelet/glamour"
)

// Terminal renders markdown for a terminal. A zero Terminal, or one whose
// renderer failed to build, prints text unchanged.
type Terminal struct {
	renderer *glamour.TermRenderer
}

// NewTerminal builds a renderer wrapping at width columns. styled=false
// yields plain output suitable for pipes.
func NewTerminal(width int, styled bool) (*Terminal, error) {
	if !styled {
		return &Terminal{}, nil
	}
	if width <= 0 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, err
	}
	return &Terminal{renderer: r}, nil
}

// Markdown renders an assistant reply.
func (t *Terminal) Markdown(src string) string {
	if t == nil || t.renderer == nil {
		return strings.TrimRight(src, "\n") + "\n"
	}
	out, err := t.renderer.Render(src)
	if err != nil {
		return strings.TrimRight(src, "\n") + "\n"
	}
	return out
}

// Plain returns stored user text for display. User text is kept
// entity-escaped, which a terminal does not interpret.
func Plain(stored string) string {
	return html.UnescapeString(stored)
}
