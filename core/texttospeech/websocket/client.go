package websocket

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-surgery/core/texttospeech"
)

const (
	defaultModel       = "tts_models/en/ljspeech/vits"
	defaultDialTimeout = 5 * time.Second
)

// Client connects to a TTS service speaking the chunk protocol over
// a websocket: one JSON request per chunk, answered by optional progress
// messages, a binary audio buffer and a completion message.
type Client struct {
	url         string
	model       string
	header      http.Header
	dialTimeout time.Duration
}

type ClientOption func(*Client)

func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

func WithHeader(header http.Header) ClientOption {
	return func(c *Client) { c.header = header }
}

func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.dialTimeout = timeout
		}
	}
}

func NewClient(url string, opts ...ClientOption) *Client {
	client := &Client{
		url:         url,
		model:       defaultModel,
		dialTimeout: defaultDialTimeout,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

func (c *Client) Connect(ctx context.Context) (texttospeech.Channel, error) {
	ctx, span := tracer.Start(ctx, "connect tts channel")
	defer span.End()

	dialer := websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		err = fmt.Errorf("failed to open socket connection to tts service: %w", err)
		span.RecordError(err)
		return nil, err
	}

	channel := newChannel(conn, c.model)
	go channel.processIncomingMessages()

	return channel, nil
}
