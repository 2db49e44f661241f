package shareindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0o644))
}

func TestFillSearchResolveEndToEnd(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	writeFile(t, rootA, "song.mp3", 5*1024*1024)
	writeFile(t, rootB, "track.flac", 20*1024*1024)

	idx := New([]RootConfig{{Root: rootA}, {Root: rootB}}, LastWriteWins, "")
	require.NoError(t, idx.Fill(context.Background()))

	files, dirs := idx.Counts()
	assert.Equal(t, 2, files)
	assert.Equal(t, 2, dirs)

	hits, err := idx.Search(context.Background(), "song")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Filename, "song.mp3")

	abs, err := idx.Resolve(hits[0].Filename)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(rootA, "song.mp3"), abs)
}

func TestSearchBelowMinimumLengthReturnsEmpty(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "ab.mp3", 10)
	idx := New([]RootConfig{{Root: root}}, LastWriteWins, "")
	require.NoError(t, idx.Fill(context.Background()))

	hits, err := idx.Search(context.Background(), "ab")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestResolveUnknownMaskFails(t *testing.T) {
	idx := New(nil, LastWriteWins, "")
	_, err := idx.Resolve("nope\\missing.mp3")
	require.Error(t, err)
}

func TestMissingRootDegradesGracefully(t *testing.T) {
	idx := New([]RootConfig{{Root: "/does/not/exist/at/all"}}, LastWriteWins, "")
	require.NoError(t, idx.Fill(context.Background()))
	files, dirs := idx.Counts()
	assert.Equal(t, 0, files)
	assert.Equal(t, 0, dirs)
}

func TestFilterExcludesByMaskedPath(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.flac", 10)
	writeFile(t, root, "skip.tmp", 10)

	idx := New([]RootConfig{{Root: root, Filters: FilterSet{Exclude: []string{"*.tmp", "*\\*.tmp"}}}}, LastWriteWins, "")
	require.NoError(t, idx.Fill(context.Background()))

	hits, err := idx.Search(context.Background(), "skip")
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Search(context.Background(), "keep")
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestAssignMasksDisambiguatesCollisions(t *testing.T) {
	masks := assignMasks([]RootConfig{
		{Root: "/music/pop"},
		{Root: "/archive/pop"},
	})
	assert.Len(t, masks, 2)
	_, hasPop := masks["pop"]
	_, hasPop2 := masks["pop_2"]
	assert.True(t, hasPop)
	assert.True(t, hasPop2)
}

func TestTokenizeNormalizesSeparatorsAndCase(t *testing.T) {
	got := tokenize(`Mask\Rock - Pop.mp3`)
	assert.Equal(t, []string{"mask", "rock", "-", "pop.mp3"}, got)
}
