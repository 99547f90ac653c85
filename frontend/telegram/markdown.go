package telegram

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// MarkdownToHTML renders agent replies as the HTML subset Telegram accepts
// (<b>, <i>, <s>, <code>, <pre>, <a>, <blockquote>). Headings become bold
// lines, list items get bullet or number prefixes, and anything Telegram
// cannot display is reduced to escaped text.
func MarkdownToHTML(md string) string {
	gm := goldmark.New(
		goldmark.WithExtensions(extension.Strikethrough),
		goldmark.WithRenderer(renderer.NewRenderer(
			renderer.WithNodeRenderers(util.Prioritized(&htmlRenderer{}, 1)),
		)),
	)
	var buf bytes.Buffer
	if err := gm.Convert([]byte(md), &buf); err != nil {
		return escape(md)
	}
	return strings.TrimSpace(buf.String())
}

func escape(s string) string {
	return html.EscapeString(s)
}

// wrapTags maps node kinds rendered as a plain open/close tag pair.
var wrapTags = map[ast.NodeKind]string{
	ast.KindCodeSpan:         "code",
	ast.KindBlockquote:       "blockquote",
	extast.KindStrikethrough: "s",
}

type htmlRenderer struct {
	// ordinals holds the next number for each open ordered list.
	ordinals []int
}

func (r *htmlRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	for kind := range wrapTags {
		reg.Register(kind, r.wrap)
	}
	for _, kind := range []ast.NodeKind{ast.KindDocument, ast.KindParagraph, ast.KindTextBlock} {
		reg.Register(kind, r.block)
	}
	reg.Register(ast.KindHeading, r.heading)
	reg.Register(ast.KindFencedCodeBlock, r.code)
	reg.Register(ast.KindCodeBlock, r.code)
	reg.Register(ast.KindList, r.list)
	reg.Register(ast.KindListItem, r.listItem)
	reg.Register(ast.KindThematicBreak, r.thematicBreak)
	reg.Register(ast.KindHTMLBlock, r.rawLines)
	reg.Register(ast.KindText, r.text)
	reg.Register(ast.KindString, r.str)
	reg.Register(ast.KindEmphasis, r.emphasis)
	reg.Register(ast.KindLink, r.link)
	reg.Register(ast.KindImage, r.link)
	reg.Register(ast.KindAutoLink, r.autoLink)
	reg.Register(ast.KindRawHTML, r.rawInline)
}

func tag(w util.BufWriter, name string, entering bool) {
	if entering {
		_, _ = fmt.Fprintf(w, "<%s>", name)
	} else {
		_, _ = fmt.Fprintf(w, "</%s>", name)
	}
}

func (r *htmlRenderer) wrap(w util.BufWriter, _ []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	tag(w, wrapTags[n.Kind()], entering)
	return ast.WalkContinue, nil
}

// block ends paragraphs and loose text with a newline. Text inside a list
// item is terminated by the item itself.
func (r *htmlRenderer) block(w util.BufWriter, _ []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering || n.Kind() == ast.KindDocument {
		return ast.WalkContinue, nil
	}
	if p := n.Parent(); p == nil || p.Kind() != ast.KindListItem {
		_ = w.WriteByte('\n')
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) heading(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString("\n<b>")
	} else {
		_, _ = w.WriteString("</b>\n")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) code(w util.BufWriter, src []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	open := "<pre><code>"
	if fenced, ok := n.(*ast.FencedCodeBlock); ok {
		if lang := fenced.Language(src); len(lang) > 0 {
			open = fmt.Sprintf(`<pre><code class="language-%s">`, escape(string(lang)))
		}
	}
	_, _ = w.WriteString(open)
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		_, _ = w.WriteString(escape(string(seg.Value(src))))
	}
	_, _ = w.WriteString("</code></pre>\n")
	return ast.WalkSkipChildren, nil
}

func (r *htmlRenderer) list(_ util.BufWriter, _ []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		start := 0
		if l := n.(*ast.List); l.IsOrdered() {
			start = l.Start
		}
		r.ordinals = append(r.ordinals, start)
	} else {
		r.ordinals = r.ordinals[:len(r.ordinals)-1]
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) listItem(w util.BufWriter, _ []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		_ = w.WriteByte('\n')
		return ast.WalkContinue, nil
	}
	top := len(r.ordinals) - 1
	if l, ok := n.Parent().(*ast.List); ok && l.IsOrdered() && top >= 0 {
		_, _ = fmt.Fprintf(w, "%d. ", r.ordinals[top])
		r.ordinals[top]++
	} else {
		_, _ = w.WriteString("• ")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) thematicBreak(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString("\n---\n")
	}
	return ast.WalkContinue, nil
}

// rawLines escapes HTML blocks; Telegram rejects tags outside its subset.
func (r *htmlRenderer) rawLines(w util.BufWriter, src []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			_, _ = w.WriteString(escape(string(seg.Value(src))))
		}
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) rawInline(w util.BufWriter, src []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		segs := n.(*ast.RawHTML).Segments
		for i := 0; i < segs.Len(); i++ {
			seg := segs.At(i)
			_, _ = w.WriteString(escape(string(seg.Value(src))))
		}
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) text(w util.BufWriter, src []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	t := n.(*ast.Text)
	_, _ = w.WriteString(escape(string(t.Segment.Value(src))))
	if t.SoftLineBreak() || t.HardLineBreak() {
		_ = w.WriteByte('\n')
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) str(w util.BufWriter, _ []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString(escape(string(n.(*ast.String).Value)))
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) emphasis(w util.BufWriter, _ []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	name := "i"
	if n.(*ast.Emphasis).Level == 2 {
		name = "b"
	}
	tag(w, name, entering)
	return ast.WalkContinue, nil
}

// link renders links and images as anchors; Telegram has no inline images.
func (r *htmlRenderer) link(w util.BufWriter, _ []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		_, _ = w.WriteString("</a>")
		return ast.WalkContinue, nil
	}
	var dest []byte
	switch v := n.(type) {
	case *ast.Link:
		dest = v.Destination
	case *ast.Image:
		dest = v.Destination
	}
	_, _ = fmt.Fprintf(w, `<a href="%s">`, escape(string(dest)))
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) autoLink(w util.BufWriter, src []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		url := escape(string(n.(*ast.AutoLink).URL(src)))
		_, _ = fmt.Fprintf(w, `<a href="%s">%s</a>`, url, url)
	}
	return ast.WalkContinue, nil
}
