package speech

import "time"

const (
	DefaultChunkTimeout     = 30 * time.Second
	DefaultMaxReconnects    = 3
	DefaultReconnectBackoff = time.Second
)

type StreamerOptions struct {
	MaxChunkLength   int
	ChunkTimeout     time.Duration
	MaxReconnects    int
	ReconnectBackoff time.Duration

	// NoticeCallback receives user-visible notices, such as speech being
	// disabled after the reconnect attempts ran out.
	NoticeCallback func(string)
	// ChunkCallback is called after every chunk with its outcome:
	// "ok", "failed", "timeout" or "cancelled".
	ChunkCallback func(result string)
	// ReconnectCallback is called on every failed connection attempt.
	ReconnectCallback func()
}

type StreamerOption func(*StreamerOptions)

func WithMaxChunkLength(length int) StreamerOption {
	return func(o *StreamerOptions) {
		if length > 0 {
			o.MaxChunkLength = length
		}
	}
}

func WithChunkTimeout(timeout time.Duration) StreamerOption {
	return func(o *StreamerOptions) {
		if timeout > 0 {
			o.ChunkTimeout = timeout
		}
	}
}

func WithReconnectPolicy(maxAttempts int, backoff time.Duration) StreamerOption {
	return func(o *StreamerOptions) {
		if maxAttempts > 0 {
			o.MaxReconnects = maxAttempts
		}
		if backoff >= 0 {
			o.ReconnectBackoff = backoff
		}
	}
}

func WithNoticeCallback(callback func(string)) StreamerOption {
	return func(o *StreamerOptions) { o.NoticeCallback = callback }
}

func WithChunkCallback(callback func(result string)) StreamerOption {
	return func(o *StreamerOptions) { o.ChunkCallback = callback }
}

func WithReconnectCallback(callback func()) StreamerOption {
	return func(o *StreamerOptions) { o.ReconnectCallback = callback }
}
