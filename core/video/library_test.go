package video

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLibrarySaveListAndSelect(t *testing.T) {
	library, err := NewLibrary(t.TempDir())
	require.NoError(t, err)

	src, err := library.Save(context.Background(), "case-01.mp4", strings.NewReader("video"))
	require.NoError(t, err)
	require.Equal(t, "/videos/case-01.mp4", src)

	require.NoError(t, os.WriteFile(filepath.Join(library.Dir(), "notes.txt"), []byte("x"), 0o644))

	names, err := library.List()
	require.NoError(t, err)
	require.Equal(t, []string{"case-01.mp4"}, names)

	src, err = library.Select("case-01.mp4")
	require.NoError(t, err)
	require.Equal(t, "/videos/case-01.mp4", src)
}

func TestLibraryRejectsInvalidNames(t *testing.T) {
	library, err := NewLibrary(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "..", "../escape.mp4", "sub/dir.mp4", ".hidden.mp4", "clip.exe"} {
		_, err := library.Select(name)
		require.ErrorIs(t, err, ErrInvalidFilename, name)
	}

	_, err = library.Select("missing.mp4")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLibrarySaveStripsDirectories(t *testing.T) {
	library, err := NewLibrary(t.TempDir())
	require.NoError(t, err)

	src, err := library.Save(context.Background(), `C:\Users\me\case.webm`, strings.NewReader("video"))
	require.NoError(t, err)
	require.Equal(t, "/videos/case.webm", src)
	require.FileExists(t, filepath.Join(library.Dir(), "case.webm"))
}

func TestLibrarySaveEnforcesLimit(t *testing.T) {
	library, err := NewLibrary(t.TempDir(), WithMaxUploadBytes(4))
	require.NoError(t, err)

	_, err = library.Save(context.Background(), "big.mp4", strings.NewReader("too large"))
	require.True(t, errors.Is(err, ErrTooLarge))
	require.NoFileExists(t, filepath.Join(library.Dir(), "big.mp4"))

	entries, err := os.ReadDir(library.Dir())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestWatcherReportsChanges(t *testing.T) {
	library, err := NewLibrary(t.TempDir())
	require.NoError(t, err)

	changes := make(chan struct{}, 4)
	watcher := NewWatcher(library, func() { changes <- struct{}{} }, 20*time.Millisecond)
	require.NoError(t, watcher.Start(context.Background()))
	defer func() { require.NoError(t, watcher.Stop()) }()

	require.NoError(t, os.WriteFile(filepath.Join(library.Dir(), "new.mp4"), []byte("video"), 0o644))

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change notification")
	}
}
