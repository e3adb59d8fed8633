package s3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "cvemaps/cna_to_cwe_map.json", ObjectKey("cvemaps", "cna_to_cwe_map.json"))
	assert.Equal(t, "a/b/x.json", ObjectKey("a/b/", "x.json"))
	assert.Equal(t, "x.json", ObjectKey("", "x.json"))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/json", ContentType("/out/heatmap_matrix.json"))
	assert.Equal(t, "text/plain; charset=utf-8", ContentType("last_updated.txt"))
	assert.Equal(t, "application/octet-stream", ContentType("blob"))
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	_, err := New("bad endpoint", "k", "s", false, "")
	require.Error(t, err)

	c, err := New("localhost:9000", "k", "s", false, "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", c.region)
}
