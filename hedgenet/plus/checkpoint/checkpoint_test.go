package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "model")

	weights := tensor.New(tensor.WithShape(2, 3), tensor.WithBacking([]float64{1, 2, 3, 4, 5, 6}))
	biases := tensor.New(tensor.WithShape(1, 3), tensor.WithBacking([]float64{-1, 0, 1}))

	store, err := Create(dir)
	require.NoError(t, err)
	require.NoError(t, store.WriteTensors(map[string]*tensor.Dense{
		"branch/dense/0/weights": weights,
		"branch/dense/0/biases":  biases,
	}))
	require.NoError(t, store.SetMeta("assets", "3"))
	require.NoError(t, store.Close())

	_, err = os.Stat(filepath.Join(dir, FileName))
	require.NoError(t, err)

	store, err = Open(dir)
	require.NoError(t, err)
	defer store.Close()

	names, err := store.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"branch/dense/0/biases", "branch/dense/0/weights"}, names)

	got, err := store.Tensor("branch/dense/0/weights")
	require.NoError(t, err)
	assert.True(t, got.Shape().Eq(tensor.Shape{2, 3}))
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, got.Data())

	assets, err := store.Meta("assets")
	require.NoError(t, err)
	assert.Equal(t, "3", assets)

	_, err = store.Tensor("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateOverwrites(t *testing.T) {
	dir := t.TempDir()
	store, err := Create(dir)
	require.NoError(t, err)
	require.NoError(t, store.WriteTensors(map[string]*tensor.Dense{
		"old": tensor.New(tensor.WithShape(1, 1), tensor.WithBacking([]float64{1})),
	}))
	require.NoError(t, store.Close())

	store, err = Create(dir)
	require.NoError(t, err)
	defer store.Close()
	names, err := store.Names()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nothing"))
	assert.ErrorIs(t, err, ErrNotFound)
}
