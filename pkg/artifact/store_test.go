package artifact

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/papforge/pap/pkg/api"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"fs":     fs,
		"memory": NewMemoryStore(),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("firmware image contents")

			ref, err := store.Put(ctx, "run-1", "fw.bin", data)
			require.NoError(t, err)
			assert.Equal(t, HashBytes(data), ref.Hash)
			assert.Equal(t, "fw.bin", ref.Name)
			assert.Equal(t, int64(len(data)), ref.Size)

			got, err := store.Get(ctx, "run-1", ref)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestPutIsIdempotent(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("same bytes")

			ref1, err := store.Put(ctx, "run-1", "a", data)
			require.NoError(t, err)
			ref2, err := store.Put(ctx, "run-1", "b", data)
			require.NoError(t, err)
			assert.Equal(t, ref1.Hash, ref2.Hash)

			refs, err := store.List(ctx, "run-1")
			require.NoError(t, err)
			assert.Len(t, refs, 2, "distinct names share one blob")
		})
	}
}

func TestGetUnknownRef(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "run-1", api.ArtifactRef{Hash: HashBytes([]byte("never stored"))})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestGetDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := store.Put(ctx, "run-1", "a", []byte("original"))
	require.NoError(t, err)

	path := filepath.Join(dir, "blobs", ref.Hash[:2], ref.Hash)
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o640))

	_, err = store.Get(ctx, "run-1", ref)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestPurgeKeepsSharedBlobs(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	shared := []byte("shared across runs")
	only := []byte("only in run-1")

	sharedRef, err := store.Put(ctx, "run-1", "shared", shared)
	require.NoError(t, err)
	_, err = store.Put(ctx, "run-2", "shared", shared)
	require.NoError(t, err)
	onlyRef, err := store.Put(ctx, "run-1", "only", only)
	require.NoError(t, err)

	require.NoError(t, store.Purge(ctx, "run-1"))

	_, err = store.Get(ctx, "run-2", sharedRef)
	assert.NoError(t, err, "blob still referenced by run-2 survives")
	_, err = store.Get(ctx, "run-1", onlyRef)
	assert.ErrorIs(t, err, ErrNotFound, "unreferenced blob is collected")

	refs, err := store.List(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestFSStoreIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	ref1, err := store.Put(ctx, "run-1", "report.txt", []byte("findings"))
	require.NoError(t, err)
	ref2, err := store.Put(ctx, "run-2", "fw.bin", []byte("image"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewFSStore(dir)
	require.NoError(t, err)

	refs, err := reopened.List(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, ref1, refs[0])

	got, err := reopened.Get(ctx, "run-1", ref1)
	require.NoError(t, err)
	assert.Equal(t, []byte("findings"), got)

	// Refcounts are rebuilt too: purging run-1 must not touch run-2.
	require.NoError(t, reopened.Purge(ctx, "run-1"))
	got, err = reopened.Get(ctx, "run-2", ref2)
	require.NoError(t, err)
	assert.Equal(t, []byte("image"), got)

	refs, err = reopened.List(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, refs)

	// The purged namespace stays gone across another reopen.
	again, err := NewFSStore(dir)
	require.NoError(t, err)
	refs, err = again.List(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestConcurrentPutSameContent(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	data := []byte("hot content")

	var wg sync.WaitGroup
	refs := make([]api.ArtifactRef, 8)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, err := store.Put(ctx, "run-1", "hot", data)
			assert.NoError(t, err)
			refs[i] = ref
		}(i)
	}
	wg.Wait()

	for _, ref := range refs {
		assert.Equal(t, refs[0].Hash, ref.Hash)
	}
	got, err := store.Get(ctx, "run-1", refs[0])
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// Content addressing must hold for arbitrary blobs: what goes in comes
// back out, and equal content always yields equal refs.
func TestStoreRoundTripProperty(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "data")
		name := rapid.StringMatching(`[a-z]{1,8}(/[a-z]{1,8})?`).Draw(t, "name")

		ref, err := store.Put(ctx, "prop", name, data)
		require.NoError(t, err)
		require.Equal(t, HashBytes(data), ref.Hash)

		got, err := store.Get(ctx, "prop", ref)
		require.NoError(t, err)
		require.Equal(t, data, got)
	})
}
