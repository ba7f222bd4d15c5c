package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorValue(t *testing.T) {
	v := Vector{0.5, -1, 2.25}
	val, err := v.Value()
	require.NoError(t, err)
	assert.Equal(t, "[0.5,-1,2.25]", val)

	var nilVec Vector
	val, err = nilVec.Value()
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestVectorScan(t *testing.T) {
	var v Vector
	require.NoError(t, v.Scan("[0.5,-1,2.25]"))
	assert.Equal(t, Vector{0.5, -1, 2.25}, v)

	require.NoError(t, v.Scan([]byte("[1]")))
	assert.Equal(t, Vector{1}, v)

	require.NoError(t, v.Scan("[]"))
	assert.Equal(t, Vector{}, v)

	require.NoError(t, v.Scan(nil))
	assert.Nil(t, v)

	assert.Error(t, v.Scan("not a vector"))
	assert.Error(t, v.Scan("[a,b]"))
	assert.Error(t, v.Scan(42))
}

func TestVectorRoundTrip(t *testing.T) {
	orig := Vector{0.1, 0.2, 0.3}
	val, err := orig.Value()
	require.NoError(t, err)

	var got Vector
	require.NoError(t, got.Scan(val))
	assert.InDeltaSlice(t, orig, got, 1e-6)
}

func TestHashMatchesPrefersSourceHash(t *testing.T) {
	srcA, srcB := "etag-a", "etag-b"

	doc := &Document{ContentHash: "content-1", SourceHash: &srcA}

	// Both sides carry source hashes: content hash is ignored.
	assert.True(t, doc.HashMatches("different-content", &srcA))
	assert.False(t, doc.HashMatches("content-1", &srcB))

	// Either side missing a source hash: fall back to content hash.
	assert.True(t, doc.HashMatches("content-1", nil))
	bare := &Document{ContentHash: "content-1"}
	assert.True(t, bare.HashMatches("content-1", &srcA))
	assert.False(t, bare.HashMatches("content-2", &srcA))
}
