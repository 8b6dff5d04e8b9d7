package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentmigrationflow/internal/models"
)

func newDoc(t *testing.T, raw string) *models.DocumentRecord {
	t.Helper()
	doc, err := models.NewDocumentRecord([]byte(raw))
	require.NoError(t, err)
	return doc
}

func targetKey(t *testing.T, doc *models.DocumentRecord) string {
	t.Helper()
	v, err := doc.GetField("partitionKey")
	require.NoError(t, err)
	return v
}

func TestMapPartitionKeySingleAttribute(t *testing.T) {
	doc := newDoc(t, `{"id": "d1", "country": "US"}`)
	err := MapPartitionKey(doc, models.ParseKeySpec("country"), "partitionKey")
	require.NoError(t, err)
	assert.Equal(t, "US", targetKey(t, doc))
}

func TestMapPartitionKeyNestedAttribute(t *testing.T) {
	doc := newDoc(t, `{"id": "d1", "address": {"city": "NYC"}}`)
	err := MapPartitionKey(doc, models.ParseKeySpec("address/city"), "partitionKey")
	require.NoError(t, err)
	assert.Equal(t, "NYC", targetKey(t, doc))
}

func TestMapPartitionKeySynthetic(t *testing.T) {
	spec := models.ParseKeySpec("country,city")
	for _, tc := range []struct {
		raw  string
		want string
	}{
		{`{"country": "US", "city": "NYC"}`, "US-NYC"},
		{`{"country": "US", "city": "LA"}`, "US-LA"},
		{`{"country": "CA", "city": "TOR"}`, "CA-TOR"},
	} {
		doc := newDoc(t, tc.raw)
		require.NoError(t, MapPartitionKey(doc, spec, "partitionKey"))
		assert.Equal(t, tc.want, targetKey(t, doc))
	}
}

func TestMapPartitionKeySyntheticPreservesSpecOrder(t *testing.T) {
	doc := newDoc(t, `{"country": "US", "city": "NYC"}`)
	err := MapPartitionKey(doc, models.ParseKeySpec("city,country"), "partitionKey")
	require.NoError(t, err)
	assert.Equal(t, "NYC-US", targetKey(t, doc))
}

func TestMapPartitionKeyMissingAttribute(t *testing.T) {
	t.Run("single", func(t *testing.T) {
		doc := newDoc(t, `{"id": "d1"}`)
		err := MapPartitionKey(doc, models.ParseKeySpec("country"), "partitionKey")
		assert.ErrorIs(t, err, models.ErrAttributeNotFound)
	})

	t.Run("synthetic with one absent part", func(t *testing.T) {
		doc := newDoc(t, `{"country": "US"}`)
		err := MapPartitionKey(doc, models.ParseKeySpec("country,city"), "partitionKey")
		assert.ErrorIs(t, err, models.ErrAttributeNotFound)
		// The failed mapping must not leave a partial target key behind.
		_, err = doc.GetField("partitionKey")
		assert.Error(t, err)
	})
}
