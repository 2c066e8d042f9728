package texttospeech

import (
	"context"
	"errors"
)

var (
	// ErrSynthesisFailed is returned when the engine rejected a single chunk.
	// The channel stays usable.
	ErrSynthesisFailed = errors.New("speech synthesis failed")
	// ErrChannelClosed is returned once the channel to the engine is gone and
	// a new one has to be opened.
	ErrChannelClosed = errors.New("synthesis channel closed")
)

// Chunk is a single text slice submitted for synthesis.
type Chunk struct {
	Text        string
	Index       int
	TotalChunks int
}

// Synthesizer opens persistent channels to a speech synthesis engine.
type Synthesizer interface {
	Connect(ctx context.Context) (Channel, error)
}

// Channel synthesizes one chunk at a time.
type Channel interface {
	// Synthesize sends the chunk and blocks until its audio buffer arrives,
	// the engine reports an error, the channel drops or ctx is done.
	//
	// Synthesize must not be called concurrently.
	Synthesize(ctx context.Context, chunk Chunk) ([]byte, error)
	// Close releases the channel. Repeated calls are ignored.
	Close() error
}
