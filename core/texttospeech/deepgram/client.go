package deepgram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-surgery/core/audio"
	"github.com/koscakluka/ema-surgery/core/texttospeech"
)

const (
	DefaultSpeakURL = "wss://api.deepgram.com/v1/speak"
	DefaultVoice    = "aura-2-thalia-en"

	defaultSampleRate  = 24000
	defaultDialTimeout = 5 * time.Second
)

var ErrMissingAPIKey = errors.New("deepgram api key is required")

// Client synthesizes speech over Deepgram's streaming speak socket. Each
// chunk is answered with raw samples, which are wrapped in a WAV container
// so the browser can decode them.
type Client struct {
	apiKey      string
	speakURL    string
	voice       string
	encoding    audio.EncodingInfo
	dialTimeout time.Duration
}

type ClientOption func(*Client)

func WithVoice(voice string) ClientOption {
	return func(c *Client) {
		if voice != "" {
			c.voice = voice
		}
	}
}

func WithSpeakURL(speakURL string) ClientOption {
	return func(c *Client) {
		if speakURL != "" {
			c.speakURL = speakURL
		}
	}
}

func WithEncoding(encoding audio.EncodingInfo) ClientOption {
	return func(c *Client) {
		if !encoding.IsZero() {
			c.encoding = encoding
		}
	}
}

func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.dialTimeout = timeout
		}
	}
}

func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	client := &Client{
		apiKey:      apiKey,
		speakURL:    DefaultSpeakURL,
		voice:       DefaultVoice,
		encoding:    audio.EncodingInfo{SampleRate: defaultSampleRate, Format: audio.EncodingLinear16},
		dialTimeout: defaultDialTimeout,
	}
	for _, opt := range opts {
		opt(client)
	}

	supported := []audio.Format{audio.EncodingLinear16, audio.EncodingMulaw, audio.EncodingALaw}
	if !slices.Contains(supported, client.encoding.Format) {
		return nil, fmt.Errorf("unsupported speak encoding %q", client.encoding.Format)
	}
	return client, nil
}

func (c *Client) Connect(ctx context.Context) (texttospeech.Channel, error) {
	ctx, span := tracer.Start(ctx, "connect deepgram speak channel")
	defer span.End()

	target, err := url.Parse(c.speakURL)
	if err != nil {
		err = fmt.Errorf("invalid speak url: %w", err)
		span.RecordError(err)
		return nil, err
	}
	query := target.Query()
	query.Set("encoding", c.encoding.Format.Name())
	query.Set("sample_rate", strconv.Itoa(c.encoding.SampleRate))
	query.Set("model", c.voice)
	target.RawQuery = query.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	conn, _, err := dialer.DialContext(ctx, target.String(), http.Header{"Authorization": {"token " + c.apiKey}})
	if err != nil {
		err = fmt.Errorf("failed to open socket connection to deepgram: %w", err)
		span.RecordError(err)
		return nil, err
	}

	ch := newChannel(conn, c.encoding)
	go ch.processIncomingMessages()
	return ch, nil
}
