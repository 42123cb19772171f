package cli

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/edgeplane/sentinel/internal/domain/entity"
)

// Renderer handles all output rendering: markdown, tool calls
type Renderer struct {
	md    goldmark.Markdown
	width int
}

// NewRenderer creates a renderer with the given terminal width
func NewRenderer(width int) *Renderer {
	if width <= 0 {
		width = 80
	}
	return &Renderer{
		md:    goldmark.New(),
		width: width,
	}
}

// RenderMarkdown renders markdown text to ANSI-styled terminal output by
// walking the goldmark AST directly.
func (r *Renderer) RenderMarkdown(md string) string {
	if md == "" {
		return ""
	}
	src := []byte(md)
	reader := text.NewReader(src)
	doc := r.md.Parser().Parse(reader)

	var buf bytes.Buffer
	ar := &ansiMarkdownRenderer{src: src}
	ar.render(&buf, doc)
	return strings.TrimSpace(buf.String())
}

// ansiMarkdownRenderer walks the goldmark AST and emits ANSI-styled
// terminal text.
type ansiMarkdownRenderer struct {
	src []byte
}

func (r *ansiMarkdownRenderer) render(w *bytes.Buffer, node ast.Node) {
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		r.renderNode(w, child)
	}
}

func (r *ansiMarkdownRenderer) renderNode(w *bytes.Buffer, node ast.Node) {
	switch n := node.(type) {
	case *ast.Paragraph:
		r.render(w, n)
		w.WriteString("\n\n")

	case *ast.Heading:
		w.WriteString(cyanBold)
		w.WriteString(strings.Repeat("#", n.Level) + " ")
		r.render(w, n)
		w.WriteString(reset + "\n\n")

	case *ast.ThematicBreak:
		w.WriteString(dimText + strings.Repeat("─", 40) + reset + "\n\n")

	case *ast.Blockquote:
		var inner bytes.Buffer
		r.render(&inner, n)
		for _, line := range strings.Split(strings.TrimRight(inner.String(), "\n"), "\n") {
			w.WriteString(dimText + "▎ " + reset + line + "\n")
		}
		w.WriteString("\n")

	case *ast.FencedCodeBlock:
		r.renderCodeBlock(w, n)

	case *ast.CodeBlock:
		r.renderCodeBlock(w, n)

	case *ast.List:
		r.renderList(w, n)

	case *ast.ListItem:
		r.render(w, n)

	case *ast.Text:
		w.Write(n.Segment.Value(r.src))
		if n.SoftLineBreak() || n.HardLineBreak() {
			w.WriteString("\n")
		}

	case *ast.String:
		w.Write(n.Value)

	case *ast.CodeSpan:
		w.WriteString(yellow)
		r.render(w, n)
		w.WriteString(reset)

	case *ast.Emphasis:
		if n.Level == 2 {
			w.WriteString(bold)
		} else {
			w.WriteString(italic)
		}
		r.render(w, n)
		w.WriteString(reset)

	case *ast.Link:
		w.WriteString(cyan)
		r.render(w, n)
		w.WriteString(reset + dimText + " (" + string(n.Destination) + ")" + reset)

	case *ast.AutoLink:
		w.WriteString(cyan + string(n.URL(r.src)) + reset)

	case *ast.Image:
		w.WriteString(dimText + "[图片: " + string(n.Destination) + "]" + reset)

	default:
		r.render(w, node)
	}
}

type linesNode interface {
	Lines() *text.Segments
}

func (r *ansiMarkdownRenderer) renderCodeBlock(w *bytes.Buffer, n linesNode) {
	lines := n.Lines()
	w.WriteString(dimText + "```" + reset + "\n")
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		w.WriteString(green)
		w.Write(line.Value(r.src))
		w.WriteString(reset)
	}
	w.WriteString(dimText + "```" + reset + "\n\n")
}

func (r *ansiMarkdownRenderer) renderList(w *bytes.Buffer, list *ast.List) {
	idx := list.Start
	for child := list.FirstChild(); child != nil; child = child.NextSibling() {
		if list.IsOrdered() {
			w.WriteString(fmt.Sprintf("%d. ", idx))
			idx++
		} else {
			w.WriteString("  • ")
		}
		var itemBuf bytes.Buffer
		r.render(&itemBuf, child)
		w.WriteString(strings.TrimRight(itemBuf.String(), "\n"))
		w.WriteString("\n")
	}
	w.WriteString("\n")
}

// RenderToolCall renders a tool call summary with spinner
func (r *Renderer) RenderToolCall(tc *entity.ToolCallEvent, spinnerFrame string) string {
	if tc == nil {
		return ""
	}

	argSummary := summarizeArgs(tc.Arguments)

	return fmt.Sprintf("  %s%s%s %s%s%s %s%s%s",
		yellow, spinnerFrame, reset,
		cyanBold, tc.Name, reset,
		dimText, argSummary, reset,
	)
}

// RenderToolResult renders a completed tool call result
func (r *Renderer) RenderToolResult(tc *entity.ToolCallEvent) string {
	if tc == nil {
		return ""
	}

	icon, color := "✓", green
	if !tc.Success {
		icon, color = "✗", red
	}

	dur := ""
	if tc.Duration > 0 {
		dur = fmt.Sprintf(" %s(%s)%s", dimText, formatDuration(tc.Duration), reset)
	}

	return fmt.Sprintf("  %s%s%s %s%s%s%s", color, icon, reset, cyan, tc.Name, reset, dur)
}

// RenderApproval renders the approval prompt for a tool call
func (r *Renderer) RenderApproval(tc *entity.ToolCallEvent) string {
	if tc == nil {
		return ""
	}

	boxW := r.width - 4
	if boxW < 20 {
		boxW = 20
	}

	var sb strings.Builder
	sb.WriteString(yellow + "╭─ ⚠ 工具审批 " + strings.Repeat("─", maxInt(boxW-14, 0)) + reset + "\n")
	sb.WriteString(fmt.Sprintf("%s│%s 工具: %s%s%s\n", yellow, reset, cyanBold, tc.Name, reset))

	for k, v := range tc.Arguments {
		valStr := fmt.Sprintf("%v", v)
		if len(valStr) > 200 {
			valStr = valStr[:200] + "..."
		}
		sb.WriteString(fmt.Sprintf("%s│%s %s%s:%s %s\n", yellow, reset, dimText, k, reset, valStr))
	}

	sb.WriteString(fmt.Sprintf("%s│%s %s[Y]es  [N]o  [A]lways%s\n", yellow, reset, dimText, reset))
	sb.WriteString(yellow + "╰─" + strings.Repeat("─", boxW) + reset)

	return sb.String()
}

// RenderThinking renders a thinking indicator
func (r *Renderer) RenderThinking(frame string) string {
	return fmt.Sprintf("  %s%s%s thinking...%s", italic, cyan, frame, reset)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// summarizeArgs extracts key args for compact display
func summarizeArgs(args map[string]interface{}) string {
	if len(args) == 0 {
		return ""
	}

	// Priority args to show
	priority := []string{"command", "file_path", "path", "query", "url", "content"}
	var parts []string

	for _, key := range priority {
		if v, ok := args[key]; ok {
			valStr := fmt.Sprintf("%v", v)
			if len(valStr) > 60 {
				valStr = valStr[:60] + "…"
			}
			parts = append(parts, valStr)
		}
	}

	if len(parts) == 0 {
		// Show first arg
		for _, v := range args {
			valStr := fmt.Sprintf("%v", v)
			if len(valStr) > 60 {
				valStr = valStr[:60] + "…"
			}
			parts = append(parts, valStr)
			break
		}
	}

	return strings.Join(parts, " ")
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
