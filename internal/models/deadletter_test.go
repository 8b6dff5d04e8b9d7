package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustIdentifier(t *testing.T, pk, id, etag string) DocumentIdentifier {
	t.Helper()
	di, err := NewDocumentIdentifier(pk, id, etag)
	require.NoError(t, err)
	return di
}

func TestDeadLetterRecordEncodeDecode(t *testing.T) {
	rec := &DeadLetterRecord{
		FailureCauses: []string{"deadline exceeded", "deadline exceeded"},
		FailureCount:  2,
		Identifiers: []DocumentIdentifier{
			mustIdentifier(t, "US-NYC", "order-41", "e1"),
			mustIdentifier(t, "US-LA", "order-77", "e2"),
		},
	}

	body, err := rec.Encode()
	require.NoError(t, err)

	// Body layout: causes JSON, count, then the identifier list.
	columns := strings.SplitN(string(body), DeadLetterColumnSeparator, 3)
	require.Len(t, columns, 3)
	assert.Equal(t, `["deadline exceeded","deadline exceeded"]`, columns[0])
	assert.Equal(t, "2", columns[1])
	assert.Equal(t, "PK=US-NYC|ID=order-41|ETAG=e1~^~PK=US-LA|ID=order-77|ETAG=e2", columns[2])

	decoded, err := DecodeDeadLetterRecord(body)
	require.NoError(t, err)
	assert.Equal(t, rec.FailureCauses, decoded.FailureCauses)
	assert.Equal(t, rec.FailureCount, decoded.FailureCount)
	assert.Equal(t, rec.Identifiers, decoded.Identifiers)
}

func TestDeadLetterRecordEncodeRejectsCountMismatch(t *testing.T) {
	rec := &DeadLetterRecord{
		FailureCauses: []string{"boom"},
		FailureCount:  2,
		Identifiers:   []DocumentIdentifier{mustIdentifier(t, "pk", "id", "e1")},
	}
	_, err := rec.Encode()
	assert.Error(t, err)
}

func TestDecodeDeadLetterRecordErrors(t *testing.T) {
	t.Run("wrong column count", func(t *testing.T) {
		_, err := DecodeDeadLetterRecord([]byte("only-one-column"))
		assert.Error(t, err)
	})

	t.Run("identifier count mismatch", func(t *testing.T) {
		body := `["boom"]` + DeadLetterColumnSeparator + "3" + DeadLetterColumnSeparator +
			"PK=pk|ID=id|ETAG=e1"
		_, err := DecodeDeadLetterRecord([]byte(body))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failure count")
	})

	t.Run("malformed identifier", func(t *testing.T) {
		body := `["boom"]` + DeadLetterColumnSeparator + "1" + DeadLetterColumnSeparator + "not-an-identifier"
		_, err := DecodeDeadLetterRecord([]byte(body))
		assert.Error(t, err)
	})
}

func TestRetryMetadataRoundTrip(t *testing.T) {
	rec := &DeadLetterRecord{SuccessfulRetryCount: 3, FullyRetried: true}
	meta := rec.RetryMetadata()
	assert.Equal(t, "3", meta[MetaSuccessfulRetryCount])
	assert.Equal(t, "1", meta[MetaFullyRetried])

	var parsed DeadLetterRecord
	parsed.ParseRetryMetadata(meta)
	assert.Equal(t, 3, parsed.SuccessfulRetryCount)
	assert.True(t, parsed.FullyRetried)
}

func TestParseRetryMetadataDefaults(t *testing.T) {
	var rec DeadLetterRecord
	rec.ParseRetryMetadata(map[string]string{})
	assert.Equal(t, 0, rec.SuccessfulRetryCount)
	assert.False(t, rec.FullyRetried)

	rec.ParseRetryMetadata(map[string]string{MetaFullyRetried: "0"})
	assert.False(t, rec.FullyRetried)
}
