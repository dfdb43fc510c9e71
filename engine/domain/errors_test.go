package domain

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDimensionMismatch(t *testing.T) {
	err := DimensionMismatch("upsert", 4, 3)
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
	assert.Equal(t, CodeDimensionMismatch, CodeOf(err))
	assert.False(t, IsRetryable(err))
}

func TestTransport_IsRetryable(t *testing.T) {
	err := Transport("embed", io.ErrUnexpectedEOF)
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestMalformed_TruncatesBody(t *testing.T) {
	body := []byte(strings.Repeat("x", 2000))
	err := Malformed("extract", body, "no embedding")
	assert.True(t, errors.Is(err, ErrMalformedResponse))
	assert.Less(t, len(err.Error()), 1000)
}

func TestTimeout_KeepsLastError(t *testing.T) {
	last := errors.New("access denied")
	err := Timeout("poll", last)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.True(t, errors.Is(err, last))
	assert.True(t, errors.Is(Timeout("poll", nil), ErrTimeout))
}

func TestCodeOf_PlainError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestStoreErrorsCarryStoreCodes(t *testing.T) {
	err := StoreTransport("search", "opensearch", io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, CodeStoreTransport, CodeOf(err))

	err = StoreMalformed("list vectors", "s3vectors", []byte(strings.Repeat("x", 2000)), "bad document")
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.Equal(t, CodeStoreMalformed, CodeOf(err))
	assert.Contains(t, err.Error(), "s3vectors list vectors: bad document")

	assert.Equal(t, CodeStoreUnavailable, CodeOf(Unavailable("upsert", "qdrant", io.EOF)))
	assert.NotEqual(t, CodeOf(Transport("embed", io.EOF)), CodeOf(StoreTransport("upsert", "qdrant", io.EOF)))
}
