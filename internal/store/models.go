package store

import (
	"encoding/json"
	"time"
)

// Snapshot is the durable form of one document: the serialized replica state
// plus a rendered copy of its content for readers that do not load the CRDT.
type Snapshot struct {
	DocumentID    string
	Version       uint64
	SchemaVersion int
	State         json.RawMessage
	Content       json.RawMessage
	PlainText     string
	UpdatedAt     time.Time
}

type SearchHit struct {
	DocumentID string
	Version    uint64
	Snippet    string
	Rank       float64
}
