package notes

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestNotetaker(t *testing.T) *Notetaker {
	t.Helper()
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	n, err := NewNotetaker(t.TempDir(), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return n
}

func TestAddRejectsDuplicateContent(t *testing.T) {
	n := newTestNotetaker(t)
	ctx := context.Background()

	first, added, err := n.Add(ctx, Request{SessionID: "A", SourceMessage: "Take a note: the gallbladder is inflamed"})
	require.NoError(t, err)
	require.True(t, added)
	require.Equal(t, "the gallbladder is inflamed", first.Content)
	require.Equal(t, CategoryAnatomy, first.Category)
	require.NotNil(t, first.SourceMessage)

	second, added, err := n.Add(ctx, Request{SessionID: "A", SourceMessage: "make a note that   the gallbladder is inflamed  "})
	require.NoError(t, err)
	require.False(t, added)
	require.Equal(t, first.ID, second.ID)

	require.Len(t, n.Notes(), 1)
}

func TestAddDuplicateIsCaseSensitiveAndSessionScoped(t *testing.T) {
	n := newTestNotetaker(t)
	ctx := context.Background()

	_, added, err := n.Add(ctx, Request{SessionID: "A", SourceMessage: "note: clips placed"})
	require.NoError(t, err)
	require.True(t, added)

	_, added, err = n.Add(ctx, Request{SessionID: "A", SourceMessage: "note: Clips placed"})
	require.NoError(t, err)
	require.True(t, added)

	_, added, err = n.Add(ctx, Request{SessionID: "B", SourceMessage: "note: clips placed"})
	require.NoError(t, err)
	require.True(t, added)

	require.Len(t, n.SessionNotes("A"), 2)
	require.Len(t, n.SessionNotes("B"), 1)
}

func TestNotesPersistAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	n, err := NewNotetaker(dir)
	require.NoError(t, err)

	note, _, err := n.Add(context.Background(), Request{SessionID: "A", AgentText: "Note: EBL 50 ml", VideoTime: 30})
	require.NoError(t, err)

	reopened, err := NewNotetaker(dir)
	require.NoError(t, err)
	notes := reopened.Notes()
	require.Len(t, notes, 1)
	require.Equal(t, note.ID, notes[0].ID)
	require.Equal(t, "EBL 50 ml", notes[0].Content)
	require.Nil(t, notes[0].SourceMessage)

	data, err := os.ReadFile(n.Path())
	require.NoError(t, err)
	require.Equal(t, byte('['), data[0])
}

func TestEditAndDeleteAreSessionScoped(t *testing.T) {
	n := newTestNotetaker(t)
	note, _, err := n.Add(context.Background(), Request{SessionID: "A", SourceMessage: "note: hook in use"})
	require.NoError(t, err)

	_, err = n.Edit("B", note.ID, "", "changed by another tab")
	require.ErrorIs(t, err, ErrNoteNotFound)
	require.ErrorIs(t, n.Delete("B", note.ID), ErrNoteNotFound)

	edited, err := n.Edit("A", note.ID, "Bleeding", "oozing controlled with bipolar")
	require.NoError(t, err)
	require.Equal(t, "Bleeding", edited.Title)
	require.Equal(t, CategoryBleeding, edited.Category)
	require.Equal(t, "oozing controlled with bipolar", n.Notes()[0].Content)

	require.NoError(t, n.Delete("A", note.ID))
	require.Empty(t, n.Notes())

	notes, err := Load(n.Path())
	require.NoError(t, err)
	require.Empty(t, notes)
}

func TestNotesReturnsCopies(t *testing.T) {
	n := newTestNotetaker(t)
	_, _, err := n.Add(context.Background(), Request{SessionID: "A", SourceMessage: "note: liver retracted"})
	require.NoError(t, err)

	notes := n.Notes()
	notes[0].Content = "mutated"
	require.Equal(t, "liver retracted", n.Notes()[0].Content)
}
