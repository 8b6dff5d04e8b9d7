package services

import (
	"fmt"
	"strings"

	"github.com/Lllllllleong/documentmigrationflow/internal/models"
)

// MapPartitionKey sets the target partition key attribute on a document from
// the job's source key spec. A synthetic spec concatenates several source
// attributes; otherwise one attribute (flat or a nested "/" path) is copied.
// Resolution failures are per-document errors for the caller to fold into the
// batch result, never a batch abort.
func MapPartitionKey(doc *models.DocumentRecord, spec models.KeySpec, targetAttribute string) error {
	if spec.Synthetic {
		return CreateSyntheticKey(doc, spec, targetAttribute)
	}
	value, err := resolveAttribute(doc, spec.Raw, spec.Nested)
	if err != nil {
		return err
	}
	doc.SetField(targetAttribute, value)
	return nil
}

// CreateSyntheticKey joins the spec's attributes with "-" in spec order and
// writes the joined value to the target attribute.
func CreateSyntheticKey(doc *models.DocumentRecord, spec models.KeySpec, targetAttribute string) error {
	parts := make([]string, 0, len(spec.Attributes))
	for _, attribute := range spec.Attributes {
		value, err := resolveAttribute(doc, attribute, spec.Nested)
		if err != nil {
			return err
		}
		parts = append(parts, value)
	}
	doc.SetField(targetAttribute, strings.Join(parts, "-"))
	return nil
}

func resolveAttribute(doc *models.DocumentRecord, attribute string, nested bool) (string, error) {
	attribute = strings.TrimSpace(attribute)
	if attribute == "" {
		return "", fmt.Errorf("empty partition key source attribute: %w", models.ErrAttributeNotFound)
	}
	if nested {
		return doc.GetNestedField(attribute)
	}
	return doc.GetField(attribute)
}
