package mail

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

//go:embed templates/*.md.tmpl
var templateFS embed.FS

var (
	mdRenderer    goldmark.Markdown
	htmlSanitizer *bluemonday.Policy
)

func init() {
	mdRenderer = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(html.WithUnsafe()),
	)

	htmlSanitizer = bluemonday.UGCPolicy()
}

// renderer executes a Markdown template twice: once with escaped values for
// the HTML part and once verbatim for the plain-text part.
type renderer struct {
	html *template.Template
	text *template.Template
}

func newRenderer(name string) (*renderer, error) {
	src, err := templateFS.ReadFile("templates/" + name)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", name, err)
	}

	htmlTmpl, err := template.New(name).Funcs(template.FuncMap{"md": escapeMarkdown}).Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	textTmpl, err := template.New(name).Funcs(template.FuncMap{"md": func(s string) string { return s }}).Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}

	return &renderer{html: htmlTmpl, text: textTmpl}, nil
}

// render returns the sanitized HTML body and the plain-text body.
func (r *renderer) render(data any) (htmlBody, textBody []byte, err error) {
	var md, text bytes.Buffer
	if err := r.html.Execute(&md, data); err != nil {
		return nil, nil, fmt.Errorf("execute template: %w", err)
	}
	if err := r.text.Execute(&text, data); err != nil {
		return nil, nil, fmt.Errorf("execute template: %w", err)
	}

	var out bytes.Buffer
	if err := mdRenderer.Convert(md.Bytes(), &out); err != nil {
		return nil, nil, fmt.Errorf("render markdown: %w", err)
	}

	return []byte(htmlSanitizer.Sanitize(out.String())), text.Bytes(), nil
}

// escapeMarkdown backslash-escapes ASCII punctuation so provider-supplied
// values (passwords in particular) render literally.
func escapeMarkdown(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x80 && strings.ContainsRune("\\`*_{}[]()#+-.!|<>~&\"'$%,/:;=?@^", r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
