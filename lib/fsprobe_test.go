package tardis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbe_RealFilesystem(t *testing.T) {
	dir := t.TempDir()

	stats, err := Probe(dir)
	require.NoError(t, err)

	assert.Greater(t, stats.TotalBytes, int64(0))
	assert.GreaterOrEqual(t, stats.FreeBytes, int64(0))
	assert.LessOrEqual(t, stats.UsedBytes, stats.TotalBytes)

	if stats.TotalInodes == 0 {
		assert.Equal(t, int64(-1), stats.FreeInodes, "no-inode-constraint sentinel")
	} else {
		assert.GreaterOrEqual(t, stats.FreeInodes, int64(0))
	}
}

func TestProbe_MissingPath(t *testing.T) {
	_, err := Probe("/nonexistent/path/for/tardis/tests")
	require.Error(t, err)

	var terr *Error
	require.True(t, as(err, &terr))
	assert.Equal(t, KindFsProbe, terr.Kind)
}
