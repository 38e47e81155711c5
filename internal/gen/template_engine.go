package gen

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed templates
var templatesFS embed.FS

// TemplateEngine renders the statement blocks and program wrapper of one
// target language.
type TemplateEngine struct {
	lang      Language
	templates *template.Template
}

// NewTemplateEngine parses the templates of lang
func NewTemplateEngine(lang Language) (*TemplateEngine, error) {
	tmpl, err := template.ParseFS(templatesFS, fmt.Sprintf("templates/%s/*.tmpl", lang))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s templates: %w", lang, err)
	}

	return &TemplateEngine{
		lang:      lang,
		templates: tmpl,
	}, nil
}

// HasBlock reports whether the language defines a block for name.
func (e *TemplateEngine) HasBlock(name string) bool {
	return e.templates.Lookup(name) != nil
}

// RenderBlock renders the block template named after an opType (or "input").
func (e *TemplateEngine) RenderBlock(name string, data BlockData) (string, error) {
	var buf bytes.Buffer
	if err := e.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("failed to execute %s template %s: %w", e.lang, name, err)
	}

	return buf.String(), nil
}

// RenderProgram wraps the rendered blocks into a complete program.
func (e *TemplateEngine) RenderProgram(data ProgramData) (string, error) {
	var buf bytes.Buffer
	if err := e.templates.ExecuteTemplate(&buf, "program", data); err != nil {
		return "", fmt.Errorf("failed to execute %s program template: %w", e.lang, err)
	}

	return buf.String(), nil
}
