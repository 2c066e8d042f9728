package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const NotesFile = "notetaker_notes.json"

var ErrNoteNotFound = errors.New("note not found")

// Request is a single note-taking request from a session.
type Request struct {
	SessionID     string
	SourceMessage string
	AgentText     string
	VideoTime     float64
}

type Option func(*Notetaker)

func WithClock(now func() time.Time) Option {
	return func(n *Notetaker) { n.now = now }
}

var noteCounter, _ = meter.Int64Counter("notes.requests",
	metric.WithDescription("Note requests by result"))

// Notetaker records the notes of one procedure and keeps them in a JSON
// array file inside the procedure folder.
type Notetaker struct {
	path string
	now  func() time.Time

	mu    sync.Mutex
	notes []Note
}

// NewNotetaker opens the notes of the procedure in procedureDir, loading
// previously saved notes.
func NewNotetaker(procedureDir string, opts ...Option) (*Notetaker, error) {
	if err := os.MkdirAll(procedureDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create procedure folder: %w", err)
	}

	n := &Notetaker{
		path: filepath.Join(procedureDir, NotesFile),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}

	notes, err := Load(n.path)
	if err != nil {
		return nil, err
	}
	n.notes = notes
	return n, nil
}

func (n *Notetaker) Path() string { return n.path }

// Add records a note for the request. It reports false without error when
// the session already has a note with the same content.
func (n *Notetaker) Add(ctx context.Context, req Request) (Note, bool, error) {
	_, span := tracer.Start(ctx, "add note")
	defer span.End()

	content := strings.TrimSpace(ExtractContent(req.SourceMessage, req.AgentText, req.VideoTime))

	n.mu.Lock()
	defer n.mu.Unlock()

	for _, existing := range n.notes {
		if existing.SessionID == req.SessionID && strings.TrimSpace(existing.Content) == content {
			n.count(ctx, "duplicate")
			logger.Debug("duplicate note rejected", "session_id", req.SessionID)
			return existing, false, nil
		}
	}

	note := Note{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		Timestamp: n.now(),
		VideoTime: req.VideoTime,
		Title:     Title(content),
		Content:   content,
		Category:  Categorize(content),
	}
	if source := strings.TrimSpace(req.SourceMessage); source != "" {
		note.SourceMessage = &source
	}

	notes := append(n.notes, note)
	if err := save(n.path, notes); err != nil {
		span.RecordError(err)
		n.count(ctx, "failed")
		return Note{}, false, err
	}
	n.notes = notes
	n.count(ctx, "added")

	span.SetAttributes(attribute.String("note.category", string(note.Category)))
	return note, true, nil
}

// Edit replaces the title and content of a note owned by sessionID. Empty
// values keep the current ones.
func (n *Notetaker) Edit(sessionID, id, title, content string) (Note, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	i := n.indexOf(sessionID, id)
	if i < 0 {
		return Note{}, ErrNoteNotFound
	}

	notes := n.snapshot()
	note := &notes[i]
	if content = strings.TrimSpace(content); content != "" {
		note.Content = content
		note.Category = Categorize(content)
		note.Title = Title(content)
	}
	if title = strings.TrimSpace(title); title != "" {
		note.Title = Title(title)
	}

	if err := save(n.path, notes); err != nil {
		return Note{}, err
	}
	n.notes = notes
	return *note, nil
}

// Delete removes a note owned by sessionID.
func (n *Notetaker) Delete(sessionID, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	i := n.indexOf(sessionID, id)
	if i < 0 {
		return ErrNoteNotFound
	}

	notes := n.snapshot()
	notes = append(notes[:i], notes[i+1:]...)
	if err := save(n.path, notes); err != nil {
		return err
	}
	n.notes = notes
	return nil
}

// Notes returns a copy of every note of the procedure.
func (n *Notetaker) Notes() []Note {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snapshot()
}

// SessionNotes returns a copy of the notes created by sessionID.
func (n *Notetaker) SessionNotes(sessionID string) []Note {
	n.mu.Lock()
	defer n.mu.Unlock()

	var notes []Note
	for _, note := range n.snapshot() {
		if note.SessionID == sessionID {
			notes = append(notes, note)
		}
	}
	return notes
}

func (n *Notetaker) indexOf(sessionID, id string) int {
	for i, note := range n.notes {
		if note.ID == id && note.SessionID == sessionID {
			return i
		}
	}
	return -1
}

func (n *Notetaker) snapshot() []Note {
	notes := []Note{}
	if err := copier.Copy(&notes, &n.notes); err != nil {
		logger.Error("failed to copy notes", "error", err)
		return append([]Note{}, n.notes...)
	}
	return notes
}

func (n *Notetaker) count(ctx context.Context, result string) {
	if noteCounter != nil {
		noteCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

// Load reads a notes file. A missing file holds no notes.
func Load(path string) ([]Note, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read notes file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var notes []Note
	if err := json.Unmarshal(data, &notes); err != nil {
		return nil, fmt.Errorf("failed to parse notes file: %w", err)
	}
	return notes, nil
}

func save(path string, notes []Note) error {
	if notes == nil {
		notes = []Note{}
	}
	data, err := json.MarshalIndent(notes, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal notes: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".notes-*.json")
	if err != nil {
		return fmt.Errorf("failed to create notes file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return errors.Join(fmt.Errorf("failed to write notes: %w", err), tmp.Close(), os.Remove(tmp.Name()))
	}
	if err := tmp.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close notes file: %w", err), os.Remove(tmp.Name()))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Join(fmt.Errorf("failed to replace notes file: %w", err), os.Remove(tmp.Name()))
	}
	return nil
}
