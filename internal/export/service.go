package export

import (
	"encoding/json"
	"fmt"
	"html/template"
)

// Render produces doc in the requested format.
func Render(doc Document, format Format) (*Result, error) {
	base := sanitizeFilename(doc.ID)
	switch format {
	case FormatHTML:
		page, err := RenderDocumentHTML(TemplateData{
			Title:       doc.ID,
			Version:     doc.Version,
			ContentHTML: template.HTML(ProseMirrorToHTML(doc.Content.ProseMirror())),
			UpdatedAt:   doc.UpdatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		return &Result{Data: []byte(page), Filename: base + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatText:
		return &Result{Data: []byte(doc.Content.PlainText()), Filename: base + ".txt", MimeType: "text/plain; charset=utf-8"}, nil
	case FormatJSON:
		return marshalResult(doc.Content, base+".json")
	case FormatProseMirror:
		return marshalResult(doc.Content.ProseMirror(), base+".prosemirror.json")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func marshalResult(v any, filename string) (*Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal export: %w", err)
	}
	return &Result{Data: data, Filename: filename, MimeType: "application/json"}, nil
}

// sanitizeFilename creates a safe filename from a document id
func sanitizeFilename(title string) string {
	result := ""
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			result += string(r)
		case r == ' ':
			result += "-"
		case r == '-', r == '_':
			result += string(r)
		}
	}
	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "document"
	}
	return result
}
