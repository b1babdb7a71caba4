package export

import (
	"fmt"
	"html"
	"strings"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/crdt"
)

// ProseMirrorToHTML converts a ProseMirror tree to an HTML fragment
func ProseMirrorToHTML(node crdt.ProseMirrorNode) string {
	switch node.Type {
	case "doc":
		return renderContent(node.Content)
	case "paragraph":
		return fmt.Sprintf("<p>%s</p>\n", renderContent(node.Content))
	case "hardBreak":
		return "<br>"
	case "text":
		return renderTextWithMarks(node.Text, node.Marks)
	default:
		return renderContent(node.Content)
	}
}

func renderContent(content []crdt.ProseMirrorNode) string {
	var result strings.Builder
	for _, child := range content {
		result.WriteString(ProseMirrorToHTML(child))
	}
	return result.String()
}

// renderTextWithMarks renders text with formatting marks
func renderTextWithMarks(text string, marks []crdt.ProseMirrorMark) string {
	if text == "" {
		return ""
	}
	htmlText := html.EscapeString(text)

	// Apply marks from outside in
	for i := len(marks) - 1; i >= 0; i-- {
		mark := marks[i]
		switch mark.Type {
		case "bold":
			htmlText = fmt.Sprintf("<strong>%s</strong>", htmlText)
		case "italic":
			htmlText = fmt.Sprintf("<em>%s</em>", htmlText)
		case "code":
			htmlText = fmt.Sprintf("<code>%s</code>", htmlText)
		case "link":
			href, _ := mark.Attrs["href"].(string)
			htmlText = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), htmlText)
		case "strike":
			htmlText = fmt.Sprintf("<s>%s</s>", htmlText)
		case "underline":
			htmlText = fmt.Sprintf("<u>%s</u>", htmlText)
		case "highlight":
			htmlText = fmt.Sprintf("<mark>%s</mark>", htmlText)
		default:
			htmlText = fmt.Sprintf(`<span data-mark="%s">%s</span>`, html.EscapeString(mark.Type), htmlText)
		}
	}
	return htmlText
}
