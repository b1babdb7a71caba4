package export

import (
	"bytes"
	"html/template"
	"time"
)

var documentTemplate = template.Must(template.New("document").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.UTC().Format(layout)
	},
}).Parse(pageTemplate))

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title       string
	Version     uint64
	ContentHTML template.HTML
	UpdatedAt   time.Time
}

// RenderDocumentHTML renders the document template with provided data
func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const pageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="generator" content="collabd">
  <title>{{.Title}}</title>
  <style>
    main { font-family: Georgia, serif; max-width: 720px; margin: 3rem auto; line-height: 1.5; }
    header { margin-bottom: 1.5rem; }
    header small { color: #555; }
    mark { background: #fde68a; }
  </style>
</head>
<body>
<main>
  <header>
    <h1>{{.Title}}</h1>
    <small>revision {{.Version}}{{if not .UpdatedAt.IsZero}}, exported {{formatDate .UpdatedAt "2006-01-02 15:04 MST"}}{{end}}</small>
  </header>
  <article>{{.ContentHTML}}</article>
</main>
</body>
</html>`
