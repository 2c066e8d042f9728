package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrInvalidFilename = errors.New("invalid video filename")
	ErrNotFound        = errors.New("video not found")
	ErrTooLarge        = errors.New("video exceeds upload limit")
)

var DefaultExtensions = []string{".mp4", ".webm", ".mov", ".mkv", ".avi"}

const DefaultURLPrefix = "/videos/"

type LibraryOption func(*Library)

func WithExtensions(extensions ...string) LibraryOption {
	return func(l *Library) {
		if len(extensions) == 0 {
			return
		}
		l.extensions = nil
		for _, ext := range extensions {
			l.extensions = append(l.extensions, strings.ToLower(ext))
		}
	}
}

// WithMaxUploadBytes limits the size of uploaded videos. Zero means no
// limit.
func WithMaxUploadBytes(limit int64) LibraryOption {
	return func(l *Library) { l.maxUploadBytes = limit }
}

func WithURLPrefix(prefix string) LibraryOption {
	return func(l *Library) {
		if prefix != "" {
			l.urlPrefix = "/" + strings.Trim(prefix, "/") + "/"
		}
	}
}

// Library is a folder of procedure videos the client can play.
type Library struct {
	dir            string
	extensions     []string
	maxUploadBytes int64
	urlPrefix      string
}

func NewLibrary(dir string, opts ...LibraryOption) (*Library, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create video folder: %w", err)
	}

	library := &Library{
		dir:        dir,
		extensions: DefaultExtensions,
		urlPrefix:  DefaultURLPrefix,
	}
	for _, opt := range opts {
		opt(library)
	}
	return library, nil
}

func (l *Library) Dir() string { return l.dir }

// List returns the video filenames in the library, sorted.
func (l *Library) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && l.isVideo(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// Select returns the source URL of an existing video.
func (l *Library) Select(name string) (string, error) {
	if err := l.validate(name); err != nil {
		return "", err
	}
	info, err := os.Stat(filepath.Join(l.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	} else if err != nil {
		return "", fmt.Errorf("failed to open video: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return l.Source(name), nil
}

// Save stores an uploaded video under name and returns its source URL. An
// existing video with the same name is replaced.
func (l *Library) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	_, span := tracer.Start(ctx, "save video")
	defer span.End()

	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if err := l.validate(name); err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("video.name", name))

	tmp, err := os.CreateTemp(l.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	defer os.Remove(tmp.Name())

	src := r
	if l.maxUploadBytes > 0 {
		src = io.LimitReader(r, l.maxUploadBytes+1)
	}
	written, err := io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	if l.maxUploadBytes > 0 && written > l.maxUploadBytes {
		return "", ErrTooLarge
	}

	if err := os.Rename(tmp.Name(), filepath.Join(l.dir, name)); err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	logger.Info("video uploaded", "name", name, "bytes", written)
	return l.Source(name), nil
}

// Source is the URL the client loads name from.
func (l *Library) Source(name string) string {
	return l.urlPrefix + name
}

func (l *Library) validate(name string) error {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	if !l.isVideo(name) {
		return fmt.Errorf("%w: unsupported extension %q", ErrInvalidFilename, filepath.Ext(name))
	}
	return nil
}

func (l *Library) isVideo(name string) bool {
	return slices.Contains(l.extensions, strings.ToLower(filepath.Ext(name)))
}
