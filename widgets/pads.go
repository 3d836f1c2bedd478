// Package widgets holds small lipgloss renderers shared by terminal views.
package widgets

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"go-anywhere/theme"
)

// RenderPad renders a single colored pad
func RenderPad(color theme.RGB, lit bool) string {
	glyph := "□"
	if lit {
		glyph = "■"
	}
	style := lipgloss.NewStyle().Foreground(lipgloss.Color(Hex(color)))
	return style.Render(glyph)
}

// Pad is one cell of a pad row.
type Pad struct {
	Label string
	Color theme.RGB
	Lit   bool
}

// RenderPadRow renders pads with their labels underneath.
func RenderPadRow(pads []Pad) string {
	var top, bottom strings.Builder
	for i, p := range pads {
		if i > 0 {
			top.WriteString(" ")
			bottom.WriteString(" ")
		}
		width := max(lipgloss.Width(p.Label), 1)
		top.WriteString(RenderPad(p.Color, p.Lit))
		top.WriteString(strings.Repeat(" ", width-1))
		bottom.WriteString(p.Label)
	}
	return top.String() + "\n" + bottom.String()
}

// RenderKeyHelp formats key bindings on one line: "key:desc  key:desc".
func RenderKeyHelp(keys []KeyBinding) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k.Key + ":" + k.Desc
	}
	return strings.Join(parts, "  ")
}

// KeyBinding is a single key and its description
type KeyBinding struct {
	Key  string
	Desc string
}

func Hex(c theme.RGB) string {
	return fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2])
}
