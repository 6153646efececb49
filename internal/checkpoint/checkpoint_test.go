package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	m := Manifest{Round: 5, EpochID: 12, Aggregator: "multikrum", NumByzantine: 1}
	weights := []byte{1, 2, 3, 4, 5}
	require.NoError(t, store.Save(m, weights))

	gotManifest, gotWeights, err := store.Load(5)
	require.NoError(t, err)
	assert.Equal(t, m, gotManifest)
	assert.Equal(t, weights, gotWeights)
}

func TestLoadMissingRoundErrors(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	_, _, err = store.Load(99)
	assert.Error(t, err)
}
