package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-surgery/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type channel struct {
	ws    *websocket.Conn
	model string

	writeMu sync.Mutex

	mu      sync.Mutex
	pending *pendingChunk
	audio   []byte

	closeOnce sync.Once
	closed    chan struct{}
}

type pendingChunk struct {
	index  int
	result chan chunkResult
}

type chunkResult struct {
	audio []byte
	err   error
}

type synthesisRequest struct {
	Text        string `json:"text"`
	Model       string `json:"model"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
}

type serviceMessage struct {
	Type     string   `json:"type"`
	Message  string   `json:"message,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
}

func newChannel(conn *websocket.Conn, model string) *channel {
	return &channel{
		ws:     conn,
		model:  model,
		closed: make(chan struct{}),
	}
}

func (c *channel) Synthesize(ctx context.Context, chunk texttospeech.Chunk) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "synthesize chunk")
	defer span.End()
	span.SetAttributes(
		attribute.Int("chunk.index", chunk.Index),
		attribute.Int("chunk.total", chunk.TotalChunks),
		attribute.Int("chunk.length", len(chunk.Text)),
	)

	pending := &pendingChunk{index: chunk.Index, result: make(chan chunkResult, 1)}
	c.mu.Lock()
	c.pending = pending
	c.audio = nil
	c.mu.Unlock()
	defer c.clearPending(pending)

	if err := c.sendWebsocketMessage(synthesisRequest{
		Text:        chunk.Text,
		Model:       c.model,
		ChunkIndex:  chunk.Index,
		TotalChunks: chunk.TotalChunks,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	select {
	case result := <-pending.result:
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
		span.SetStatus(codes.Error, ctx.Err().Error())
		return nil, ctx.Err()
	}
}

func (c *channel) clearPending(pending *pendingChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == pending {
		c.pending = nil
		c.audio = nil
	}
}

func (c *channel) resolve(result chunkResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		// Late answer for an abandoned chunk
		return
	}
	logger.Debug("tts chunk resolved", "chunk_index", c.pending.index, "failed", result.err != nil)
	c.pending.result <- result
	c.pending = nil
	c.audio = nil
}

func (c *channel) processIncomingMessages() {
	defer c.Close()

	for {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) {
				logger.Warn("tts websocket read error", "error", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			c.mu.Lock()
			if c.pending != nil {
				c.audio = append(c.audio, msg...)
			}
			c.mu.Unlock()

		case websocket.TextMessage:
			var parsedMsg serviceMessage
			if err := json.Unmarshal(msg, &parsedMsg); err != nil {
				logger.Warn("failed to unmarshal tts message", "error", err)
				continue
			}

			switch parsedMsg.Type {
			case "progress":
				if parsedMsg.Progress != nil {
					logger.Debug("tts progress", "progress", *parsedMsg.Progress)
				}
			case "complete":
				c.mu.Lock()
				audio := c.audio
				c.mu.Unlock()
				if len(audio) == 0 {
					c.resolve(chunkResult{err: fmt.Errorf("%w: completed without audio", texttospeech.ErrSynthesisFailed)})
					continue
				}
				c.resolve(chunkResult{audio: audio})
			case "error":
				c.resolve(chunkResult{err: fmt.Errorf("%w: %s", texttospeech.ErrSynthesisFailed, parsedMsg.Message)})
			default:
				logger.Debug("unknown tts message type", "type", parsedMsg.Type)
			}
		}
	}
}

func (c *channel) sendWebsocketMessage(msg any) error {
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
		close(c.closed)

		c.writeMu.Lock()
		closeErr := c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		if connErr := c.ws.Close(); connErr != nil {
			err = fmt.Errorf("failed to close websocket: %w", errors.Join(closeErr, connErr))
		}
	})
	return err
}
