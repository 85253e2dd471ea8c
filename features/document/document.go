package document

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// Document statuses. Status is the only mutable field on a document; rows
// are retained indefinitely for audit and versioning lineage.
const (
	StatusPending    = "pending"
	StatusNormalized = "normalized"
	StatusFailed     = "failed"
)

var (
	// ErrUnchanged signals that a payload with this content hash has been
	// seen before. Not a failure: the caller short-circuits.
	ErrUnchanged = errors.New("document unchanged")

	// ErrConflict means a concurrent ApplyChunks raced on the same source.
	// Recoverable: retry with fresh state.
	ErrConflict = errors.New("concurrent chunk set update")

	ErrNotFound = errors.New("not found")
)

// Source is one logical origin of documents (a URL, a feed, a file). Chunk
// lineage is anchored to the source, not to any single document version of
// it. ChunkSetVersion is the optimistic-concurrency counter for ApplyChunks.
type Source struct {
	ID              string `json:"id"`
	URI             string `json:"uri"`
	SourceType      string `json:"source_type"`
	ChunkSetVersion int64  `json:"-"`
}

// Document is one ingested payload of a source. Its id is the content hash
// of the raw payload plus the source URI, so re-fetching changed content
// yields a new document while byte-identical content collides on insert.
type Document struct {
	ID             string    `json:"id"`
	SourceID       string    `json:"source_id"`
	SourceURI      string    `json:"source_uri"`
	SourceType     string    `json:"source_type"`
	FetchedAt      time.Time `json:"fetched_at"`
	RawContentHash string    `json:"raw_content_hash"`
	Status         string    `json:"status"`
}

// Chunk is a unit of retrievable knowledge. Chunks are immutable; updating
// one means inserting a successor version and closing this one's validity
// window. A chunk with ValidTo == nil is current.
type Chunk struct {
	ID          string     `json:"id"`
	DocumentID  string     `json:"document_id"`
	SourceID    string     `json:"source_id"`
	SourceURI   string     `json:"source_uri,omitempty"`
	Position    int        `json:"position"`
	Text        string     `json:"text"`
	ContentHash string     `json:"content_hash"`
	Version     int        `json:"version"`
	Supersedes  string     `json:"supersedes,omitempty"`
	ValidFrom   time.Time  `json:"valid_from"`
	ValidTo     *time.Time `json:"valid_to,omitempty"`
}

// Current reports whether the chunk's validity window is open.
func (c *Chunk) Current() bool {
	return c.ValidTo == nil
}

// ChunkDiff is the outcome of ApplyChunks: which proposed chunks matched
// the current set, which were inserted, and which prior versions were
// closed. Either all of it committed or none of it did.
type ChunkDiff struct {
	Unchanged  []Chunk
	New        []Chunk
	Superseded []Chunk
}

func (d *ChunkDiff) Empty() bool {
	return len(d.New) == 0 && len(d.Superseded) == 0
}

// DocumentID derives the content-addressed document identity.
func DocumentID(payload []byte, sourceURI string) string {
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte{0})
	h.Write([]byte(sourceURI))
	return hex.EncodeToString(h.Sum(nil))
}

// ChunkID derives a chunk identity from its text, parent document and
// position. Deterministic so re-chunking unchanged content is a no-op.
func ChunkID(documentID string, position int, text string) string {
	h := sha256.New()
	h.Write([]byte(documentID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(position)))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash hashes chunk text alone, for position-wise diffing.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
