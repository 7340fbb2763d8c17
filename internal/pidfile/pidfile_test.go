package pidfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waldur/site-agent/internal/model"
)

func TestFile_RecordForgetAllRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.pid")
	f := New(path)

	require.NoError(t, f.Record(model.ObjectTypeOrder, "sub-order-1"))
	require.NoError(t, f.Record(model.ObjectTypeResource, "sub-resource-1"))

	all, err := f.All()
	require.NoError(t, err)
	assert.Equal(t, map[model.EventObjectType]string{
		model.ObjectTypeOrder:    "sub-order-1",
		model.ObjectTypeResource: "sub-resource-1",
	}, all)

	require.NoError(t, f.Forget(model.ObjectTypeOrder))
	all, err = f.All()
	require.NoError(t, err)
	assert.Equal(t, map[model.EventObjectType]string{
		model.ObjectTypeResource: "sub-resource-1",
	}, all)
}

func TestFile_AllOnMissingFileReturnsEmptyMap(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "does-not-exist.pid"))
	all, err := f.All()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestFile_ClearRemovesFileAndIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.pid")
	f := New(path)
	require.NoError(t, f.Record(model.ObjectTypeOrder, "sub-order-1"))

	require.NoError(t, f.Clear())
	all, err := f.All()
	require.NoError(t, err)
	assert.Empty(t, all)

	// Clear on an already-absent file must not error.
	require.NoError(t, f.Clear())
}

func TestNew_EmptyPathUsesDefaultPath(t *testing.T) {
	f := New("")
	assert.Equal(t, DefaultPath, f.path)
}
