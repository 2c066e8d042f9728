package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-surgery/core/audio"
	"github.com/koscakluka/ema-surgery/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type websocketMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

var (
	flushMsg = websocketMessage{Type: "Flush"}
	clearMsg = websocketMessage{Type: "Clear"}
	closeMsg = websocketMessage{Type: "Close"}
)

func speakMsg(text string) websocketMessage {
	return websocketMessage{Type: "Speak", Text: text}
}

type serverMessage struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	ErrMsg      string `json:"err_msg,omitempty"`
}

type channel struct {
	ws       *websocket.Conn
	encoding audio.EncodingInfo

	writeMu sync.Mutex

	// pending is nil between chunks; samples arriving then belong to an
	// abandoned chunk and are dropped.
	mu      sync.Mutex
	pending chan chunkResult
	samples []byte

	closeOnce sync.Once
	closed    chan struct{}
}

type chunkResult struct {
	audio []byte
	err   error
}

func newChannel(conn *websocket.Conn, encoding audio.EncodingInfo) *channel {
	return &channel{ws: conn, encoding: encoding, closed: make(chan struct{})}
}

// Synthesize speaks the chunk and flushes, which makes Deepgram answer with
// the chunk's samples followed by a Flushed message.
func (c *channel) Synthesize(ctx context.Context, chunk texttospeech.Chunk) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "synthesize chunk")
	defer span.End()
	span.SetAttributes(
		attribute.Int("chunk.index", chunk.Index),
		attribute.Int("chunk.total", chunk.TotalChunks),
		attribute.Int("chunk.length", len(chunk.Text)),
	)

	pending := make(chan chunkResult, 1)
	c.mu.Lock()
	c.pending = pending
	c.samples = nil
	c.mu.Unlock()
	defer c.clearPending(pending)

	if err := c.sendWebsocketMessage(speakMsg(chunk.Text)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := c.sendWebsocketMessage(flushMsg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	select {
	case result := <-pending:
		if result.err != nil {
			span.RecordError(result.err)
			span.SetStatus(codes.Error, result.err.Error())
			return nil, result.err
		}
		span.SetAttributes(attribute.Int("audio.bytes", len(result.audio)))
		return result.audio, nil
	case <-c.closed:
		span.SetStatus(codes.Error, texttospeech.ErrChannelClosed.Error())
		return nil, texttospeech.ErrChannelClosed
	case <-ctx.Done():
		// Drop whatever Deepgram still has queued for this chunk
		_ = c.sendWebsocketMessage(clearMsg)
		span.SetStatus(codes.Error, ctx.Err().Error())
		return nil, ctx.Err()
	}
}

func (c *channel) clearPending(pending chan chunkResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == pending {
		c.pending = nil
		c.samples = nil
	}
}

func (c *channel) resolve(result chunkResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return
	}
	c.pending <- result
	c.pending = nil
	c.samples = nil
}

func (c *channel) processIncomingMessages() {
	defer c.Close()

	for {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) {
				logger.Warn("deepgram speak read error", "error", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			c.mu.Lock()
			if c.pending != nil {
				c.samples = append(c.samples, msg...)
			}
			c.mu.Unlock()

		case websocket.TextMessage:
			var parsedMsg serverMessage
			if err := json.Unmarshal(msg, &parsedMsg); err != nil {
				logger.Warn("failed to unmarshal deepgram message", "error", err)
				continue
			}

			switch parsedMsg.Type {
			case "Flushed":
				c.mu.Lock()
				samples := c.samples
				c.mu.Unlock()
				if len(samples) == 0 {
					c.resolve(chunkResult{err: fmt.Errorf("%w: flushed without audio", texttospeech.ErrSynthesisFailed)})
					continue
				}
				c.resolve(chunkResult{audio: wav(c.encoding, samples)})
			case "Warning", "Error":
				description := parsedMsg.Description
				if description == "" {
					description = parsedMsg.ErrMsg
				}
				c.resolve(chunkResult{err: fmt.Errorf("%w: %s", texttospeech.ErrSynthesisFailed, description)})
			case "Metadata", "Cleared":
			default:
				logger.Debug("unknown deepgram message type", "type", parsedMsg.Type)
			}
		}
	}
}

func (c *channel) sendWebsocketMessage(msg websocketMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return texttospeech.ErrChannelClosed
	default:
	}

	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: failed to write to websocket: %w", texttospeech.ErrChannelClosed, err)
	}
	return nil
}

func (c *channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		closeErr := c.ws.WriteJSON(closeMsg)
		close(c.closed)
		c.writeMu.Unlock()

		if connErr := c.ws.Close(); connErr != nil {
			err = fmt.Errorf("failed to close websocket: %w", errors.Join(closeErr, connErr))
		}
	})
	return err
}
