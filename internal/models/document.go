package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ErrAttributeNotFound is returned when a partition key source attribute
// cannot be resolved in a document, either because the field is absent or
// because a nested path walks through something that is not an object.
var ErrAttributeNotFound = fmt.Errorf("attribute not found in document")

// DocumentRecord is one source document as delivered by the change feed. It
// keeps the parsed JSON tree for attribute lookups alongside the raw bytes it
// arrived with. The raw bytes are re-emitted byte-for-byte unless a field is
// set; setting the target partition key is the only mutation the pipeline
// ever performs.
type DocumentRecord struct {
	id       string
	sourcePK string
	etag     string

	raw   []byte
	root  map[string]any
	dirty bool
}

// NewDocumentRecord parses raw JSON into a record. The top level must be a
// JSON object.
func NewDocumentRecord(raw []byte) (*DocumentRecord, error) {
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("failed to parse document JSON: %w", err)
	}
	return &DocumentRecord{raw: append([]byte(nil), raw...), root: root}, nil
}

// NewDocumentRecordFromMap builds a record from an already-decoded document
// tree, e.g. a Firestore snapshot. The cached raw form is the serialization
// of the tree at construction time.
func NewDocumentRecordFromMap(fields map[string]any) (*DocumentRecord, error) {
	if fields == nil {
		return nil, fmt.Errorf("document fields must not be nil")
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document fields: %w", err)
	}
	return &DocumentRecord{raw: raw, root: fields}, nil
}

// SetIdentity attaches the store identity of the document revision this
// record was read from. The change feed populates it on delivery so failed
// documents can be re-located later.
func (d *DocumentRecord) SetIdentity(id, sourcePK, etag string) {
	d.id = id
	d.sourcePK = sourcePK
	d.etag = etag
}

// ID returns the store document id, falling back to the document's own "id"
// field when the feed did not attach one.
func (d *DocumentRecord) ID() string {
	if d.id != "" {
		return d.id
	}
	if v, err := d.GetField("id"); err == nil {
		return v
	}
	return ""
}

// SourcePartitionKey returns the source partition key value recorded at
// delivery time.
func (d *DocumentRecord) SourcePartitionKey() string { return d.sourcePK }

// Etag returns the concurrency token of the revision this record was read
// from.
func (d *DocumentRecord) Etag() string { return d.etag }

// Identifier returns the re-fetchable identity of this document revision.
func (d *DocumentRecord) Identifier() (DocumentIdentifier, error) {
	return NewDocumentIdentifier(d.sourcePK, d.ID(), d.etag)
}

// GetField reads a top-level string attribute.
func (d *DocumentRecord) GetField(name string) (string, error) {
	v, ok := d.root[name]
	if !ok {
		return "", fmt.Errorf("field %q: %w", name, ErrAttributeNotFound)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q is %T, not a string: %w", name, v, ErrAttributeNotFound)
	}
	return s, nil
}

// GetNestedField resolves a "/"-separated path through nested objects and
// returns the leaf string value.
func (d *DocumentRecord) GetNestedField(path string) (string, error) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	var current any = d.root
	for _, seg := range segments {
		obj, ok := current.(map[string]any)
		if !ok {
			return "", fmt.Errorf("path %q: segment %q is not an object: %w", path, seg, ErrAttributeNotFound)
		}
		current, ok = obj[seg]
		if !ok {
			return "", fmt.Errorf("path %q: segment %q: %w", path, seg, ErrAttributeNotFound)
		}
	}
	s, ok := current.(string)
	if !ok {
		return "", fmt.Errorf("path %q resolves to %T, not a string: %w", path, current, ErrAttributeNotFound)
	}
	return s, nil
}

// ResolveField reads a string attribute, walking nested objects when the
// name is a "/" path. Every consumer that locates a partition key by field
// name resolves it through here, so a nested key spec reads the same value
// on delivery and on re-read.
func (d *DocumentRecord) ResolveField(name string) (string, error) {
	if strings.Contains(name, "/") {
		return d.GetNestedField(name)
	}
	return d.GetField(name)
}

// SetField overwrites one top-level attribute. After the first call the
// cached raw form is regenerated from the tree instead of replayed verbatim.
func (d *DocumentRecord) SetField(name string, value string) {
	d.root[name] = value
	d.dirty = true
}

// Fields exposes the document tree for store writes.
func (d *DocumentRecord) Fields() map[string]any { return d.root }

// Bytes serializes the document. Untouched records return the exact bytes
// they were constructed with.
func (d *DocumentRecord) Bytes() ([]byte, error) {
	if !d.dirty {
		return d.raw, nil
	}
	b, err := json.Marshal(d.root)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document: %w", err)
	}
	return b, nil
}
