package crdt

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// Span is a run of visible text sharing the same marks.
type Span struct {
	Text  string                     `json:"text"`
	Marks map[string]json.RawMessage `json:"marks,omitempty"`
}

// Content is the rendered document: visible text as run-length spans.
// Two replicas with the same applied set marshal to identical bytes.
type Content []Span

func (c Content) PlainText() string {
	var b strings.Builder
	for _, s := range c {
		b.WriteString(s.Text)
	}
	return b.String()
}

// Content renders the visible text with resolved marks.
func (d *Document) Content() Content {
	painted := d.paint()
	out := Content{}
	var (
		text  []rune
		marks map[string]json.RawMessage
		open  bool
	)
	flush := func() {
		if open && len(text) > 0 {
			out = append(out, Span{Text: string(text), Marks: marks})
		}
		text = text[:0]
	}
	for i, e := range d.elems {
		if e.deleted {
			continue
		}
		var m map[string]json.RawMessage
		if painted != nil {
			m = activeMarks(painted[i])
		}
		if !open || !sameMarks(marks, m) {
			flush()
			marks = m
			open = true
		}
		text = append(text, e.value)
	}
	flush()
	return out
}

func activeMarks(entries map[string]markEntry) map[string]json.RawMessage {
	var out map[string]json.RawMessage
	for name, entry := range entries {
		if entry.removes() {
			continue
		}
		if out == nil {
			out = make(map[string]json.RawMessage)
		}
		out[name] = entry.value
	}
	return out
}

func sameMarks(a, b map[string]json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !bytes.Equal(v, w) {
			return false
		}
	}
	return true
}

// ProseMirrorNode is a node in a ProseMirror document tree.
type ProseMirrorNode struct {
	Type    string            `json:"type"`
	Attrs   map[string]any    `json:"attrs,omitempty"`
	Content []ProseMirrorNode `json:"content,omitempty"`
	Text    string            `json:"text,omitempty"`
	Marks   []ProseMirrorMark `json:"marks,omitempty"`
}

type ProseMirrorMark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// ProseMirror renders the content as a "doc" node with one paragraph per line.
func (c Content) ProseMirror() ProseMirrorNode {
	doc := ProseMirrorNode{Type: "doc"}
	para := ProseMirrorNode{Type: "paragraph"}
	for _, span := range c {
		marks := proseMirrorMarks(span.Marks)
		lines := strings.Split(span.Text, "\n")
		for i, line := range lines {
			if i > 0 {
				doc.Content = append(doc.Content, para)
				para = ProseMirrorNode{Type: "paragraph"}
			}
			if line != "" {
				para.Content = append(para.Content, ProseMirrorNode{Type: "text", Text: line, Marks: marks})
			}
		}
	}
	doc.Content = append(doc.Content, para)
	return doc
}

func proseMirrorMarks(marks map[string]json.RawMessage) []ProseMirrorMark {
	if len(marks) == 0 {
		return nil
	}
	names := make([]string, 0, len(marks))
	for name := range marks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ProseMirrorMark, 0, len(names))
	for _, name := range names {
		mark := ProseMirrorMark{Type: name}
		var attrs map[string]any
		if err := json.Unmarshal(marks[name], &attrs); err == nil && len(attrs) > 0 {
			mark.Attrs = attrs
		}
		out = append(out, mark)
	}
	return out
}
