package terrain

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryPatches(t *testing.T) {
	r := NewRegistry(DefaultLineFitConfig())
	r.AddPatch("b", NewPatch(Identity(), Point{X: 1}))
	r.AddPatch("a", NewPatch(Identity(), Point{X: 2}))

	assert.Equal(t, []string{"a", "b"}, r.PatchIDs())

	p, ok := r.GetPatch("a")
	require.True(t, ok)
	assert.Equal(t, 1, p.Len())

	_, ok = r.GetPatch("zzz")
	assert.False(t, ok)
}

func TestRegistryCorrectionsPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")

	r := NewRegistryWithCache(DefaultLineFitConfig(), path)
	r.UpdateCorrection(NewCorrection("a", "b", sampleResult(0.1, 0.2)))

	reopened := NewRegistryWithCache(DefaultLineFitConfig(), path)
	c, ok := reopened.Corrections().Get("a", "b")
	require.True(t, ok)
	assert.Equal(t, 0.1, c.Tx)
	assert.Equal(t, 0.2, c.Ty)
}

func TestRegistryCorrectionsSnapshot(t *testing.T) {
	r := NewRegistry(DefaultLineFitConfig())
	r.UpdateCorrection(NewCorrection("a", "b", sampleResult(1, 1)))

	snap := r.Corrections()
	snap.Set(NewCorrection("x", "y", sampleResult(0, 0)))

	_, ok := r.Corrections().Get("x", "y")
	assert.False(t, ok, "snapshot edits must not leak into the registry")
}

func TestRegistryStats(t *testing.T) {
	r := NewRegistry(DefaultLineFitConfig())
	line := NewPatch(Identity())
	for i := 0; i < 10; i++ {
		line.AddPoint(Point{X: float64(i), Y: 1, Z: 2})
	}
	r.AddPatch("line", line)

	stats, err := r.Stats("line")
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Count)
	assert.InDelta(t, 4.5, stats.Centroid.X, epsilon)
	assert.InDelta(t, 2, stats.MeanZ, epsilon)
	assert.InDelta(t, 0, stats.StdDevZ, epsilon)
	assert.InDelta(t, 0, stats.LineStdDev, 1e-9)
	assert.Empty(t, stats.LineError)

	r.AddPatch("single", NewPatch(Identity(), Point{X: 1}))
	stats, err = r.Stats("single")
	require.NoError(t, err)
	assert.NotEmpty(t, stats.LineError)

	r.AddPatch("empty", NewPatch(Identity()))
	_, err = r.Stats("empty")
	assert.ErrorIs(t, err, ErrEmptyPatch)

	_, err = r.Stats("missing")
	assert.Error(t, err)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(DefaultLineFitConfig())
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.UpdateCorrection(NewCorrection("f", string(rune('a'+i)), sampleResult(float64(i), 0)))
		}(i)
		go func() {
			defer wg.Done()
			_ = r.Corrections().Sorted()
			_ = r.PatchIDs()
		}()
	}
	wg.Wait()
	assert.Len(t, r.Corrections().Corrections, 10)
}
