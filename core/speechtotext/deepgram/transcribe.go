package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-surgery/core/speechtotext"
)

const (
	DefaultListenURL = "wss://api.deepgram.com/v1/listen"
	DefaultModel     = "nova-3"

	keepAliveInterval = 5 * time.Second
)

type ClientOption func(*Client)

func WithListenURL(listenURL string) ClientOption {
	return func(c *Client) { c.listenURL = listenURL }
}

func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

func WithLanguage(language string) ClientOption {
	return func(c *Client) {
		if language != "" {
			c.language = language
		}
	}
}

// Client opens Deepgram live transcription sessions.
type Client struct {
	apiKey    string
	listenURL string
	model     string
	language  string
	dialer    websocket.Dialer
}

func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("deepgram api key not set")
	}
	client := &Client{
		apiKey:    apiKey,
		listenURL: DefaultListenURL,
		model:     DefaultModel,
		language:  "en-US",
		dialer:    websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

func (c *Client) Transcribe(ctx context.Context, opts ...speechtotext.TranscriptionOption) (speechtotext.Stream, error) {
	ctx, span := tracer.Start(ctx, "open transcription stream")
	defer span.End()

	options := speechtotext.NewTranscriptionOptions(opts...)
	encoding, err := convertEncoding(options.EncodingInfo)
	if err != nil {
		return nil, fmt.Errorf("invalid encoding: %w", err)
	}

	listenURL, err := url.Parse(c.listenURL)
	if err != nil {
		return nil, fmt.Errorf("invalid listen url: %w", err)
	}
	query := listenURL.Query()
	query.Set("encoding", encoding.Format)
	query.Set("sample_rate", strconv.Itoa(encoding.SampleRate))
	query.Set("channels", "1")
	query.Set("model", c.model)
	query.Set("language", c.language)
	query.Set("smart_format", "true")
	query.Set("interim_results", "true")
	query.Set("utterance_end_ms", "1000")
	query.Set("endpointing", "300")
	query.Set("vad_events", "true")
	listenURL.RawQuery = query.Encode()

	conn, _, err := c.dialer.DialContext(ctx, listenURL.String(),
		http.Header{"Authorization": {"Token " + c.apiKey}})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}

	s := &stream{
		conn:      conn,
		options:   options,
		lastAudio: time.Now(),
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
	}
	go s.readMessages()
	go s.keepAlive()
	return s, nil
}

type stream struct {
	options speechtotext.TranscriptionOptions

	writeMu   sync.Mutex
	conn      *websocket.Conn
	lastAudio time.Time

	// Read loop state.
	accumulated    []string
	unendedSegment bool

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func (s *stream) SendAudio(audio []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.lastAudio = time.Now()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to write to deepgram: %w", err)
	}
	return nil
}

// Close asks Deepgram to flush the stream and waits for the final results.
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.writeMu.Lock()
		writeErr := s.conn.WriteJSON(struct {
			Type string `json:"type"`
		}{Type: string(api.TypeCloseStreamResponse)})
		s.writeMu.Unlock()

		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
		}
		err = errors.Join(writeErr, s.conn.Close())
		<-s.done
	})
	return err
}

func (s *stream) keepAlive() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			if time.Since(s.lastAudio) >= keepAliveInterval {
				if err := s.conn.WriteJSON(struct {
					Type string `json:"type"`
				}{Type: "KeepAlive"}); err != nil {
					logger.Warn("failed to send keep alive to deepgram", "error", err)
				}
			}
			s.writeMu.Unlock()
		}
	}
}

func (s *stream) readMessages() {
	defer close(s.done)

	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("deepgram stream ended", "error", err)
			}
			return
		}
		if msgType == websocket.TextMessage {
			s.processMessage(msg)
		}
	}
}

func (s *stream) processMessage(msg []byte) {
	var parsed struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &parsed); err != nil {
		logger.Warn("failed to unmarshal deepgram message", "error", err)
		return
	}

	switch api.TypeResponse(parsed.Type) {
	case api.TypeMessageResponse:
		var resp api.MessageResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			logger.Warn("failed to unmarshal deepgram results", "error", err)
			return
		}

		transcript := ""
		if len(resp.Channel.Alternatives) > 0 {
			transcript = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
		}
		if !resp.IsFinal {
			if transcript != "" && s.options.InterimTranscriptionCallback != nil {
				s.options.InterimTranscriptionCallback(strings.Join(append(s.accumulated, transcript), " "))
			}
			return
		}
		if transcript != "" {
			s.accumulated = append(s.accumulated, transcript)
		}
		if resp.SpeechFinal {
			s.onSpeechEnded()
		}

	case api.TypeUtteranceEndResponse:
		if s.unendedSegment || len(s.accumulated) > 0 {
			s.onSpeechEnded()
		}

	case api.TypeSpeechStartedResponse:
		s.unendedSegment = true
		if s.options.SpeechStartedCallback != nil {
			s.options.SpeechStartedCallback()
		}
	}
}

func (s *stream) onSpeechEnded() {
	s.unendedSegment = false
	transcript := strings.Join(s.accumulated, " ")
	s.accumulated = nil
	if transcript != "" && s.options.TranscriptionCallback != nil {
		s.options.TranscriptionCallback(transcript)
	}
	if s.options.SpeechEndedCallback != nil {
		s.options.SpeechEndedCallback()
	}
}
