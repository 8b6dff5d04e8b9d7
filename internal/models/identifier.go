package models

import (
	"fmt"
	"strings"
)

const (
	pkPrefix   = "PK="
	idPrefix   = "|ID="
	etagPrefix = "|ETAG="
)

// DocumentIdentifier pins one specific revision of a source document: the
// partition key value it lived under, its id, and the concurrency token of
// the revision that failed to migrate. It is enough to re-read the document
// later and detect whether it has changed since.
type DocumentIdentifier struct {
	PartitionKey string
	ID           string
	Etag         string
}

// NewDocumentIdentifier validates the triple. All three parts must be
// non-empty and free of pipe characters; the textual form is pipe-delimited
// with no escaping, so an embedded pipe would make it unparseable.
func NewDocumentIdentifier(pk, id, etag string) (DocumentIdentifier, error) {
	for name, v := range map[string]string{"partition key": pk, "id": id, "etag": etag} {
		if strings.TrimSpace(v) == "" {
			return DocumentIdentifier{}, fmt.Errorf("document identifier %s must not be empty", name)
		}
		if strings.Contains(v, "|") {
			return DocumentIdentifier{}, fmt.Errorf("document identifier %s %q contains a reserved '|' character", name, v)
		}
	}
	return DocumentIdentifier{PartitionKey: pk, ID: id, Etag: etag}, nil
}

// String renders the identifier as PK=<pk>|ID=<id>|ETAG=<etag>.
func (di DocumentIdentifier) String() string {
	return pkPrefix + di.PartitionKey + idPrefix + di.ID + etagPrefix + di.Etag
}

// ParseDocumentIdentifier parses the textual form back into the identical
// triple.
func ParseDocumentIdentifier(raw string) (DocumentIdentifier, error) {
	if strings.TrimSpace(raw) == "" {
		return DocumentIdentifier{}, fmt.Errorf("document identifier string must not be empty")
	}
	if !strings.HasPrefix(raw, pkPrefix) {
		return DocumentIdentifier{}, fmt.Errorf("partition key missing in document identifier %q", raw)
	}
	idIdx := strings.Index(raw, idPrefix)
	if idIdx < 0 {
		return DocumentIdentifier{}, fmt.Errorf("id missing in document identifier %q", raw)
	}
	etagIdx := strings.Index(raw, etagPrefix)
	if etagIdx < 0 {
		return DocumentIdentifier{}, fmt.Errorf("etag missing in document identifier %q", raw)
	}
	return NewDocumentIdentifier(
		raw[len(pkPrefix):idIdx],
		raw[idIdx+len(idPrefix):etagIdx],
		raw[etagIdx+len(etagPrefix):])
}
