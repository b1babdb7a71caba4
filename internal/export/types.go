// Package export renders document content into downloadable formats.
package export

import (
	"errors"
	"time"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/crdt"
)

// Format represents the export output format
type Format string

const (
	FormatHTML        Format = "html"
	FormatText        Format = "text"
	FormatJSON        Format = "json"
	FormatProseMirror Format = "prosemirror"
)

// Document is the content being exported, live or from a snapshot.
type Document struct {
	ID        string
	Version   uint64
	Content   crdt.Content
	UpdatedAt time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var ErrUnsupportedFormat = errors.New("export format not supported")
