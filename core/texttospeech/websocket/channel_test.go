package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-surgery/core/texttospeech"
)

var upgrader = websocket.Upgrader{}

// stubService answers every request through respond.
func stubService(t *testing.T, respond func(conn *websocket.Conn, req synthesisRequest)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req synthesisRequest
			if err := json.Unmarshal(msg, &req); err != nil {
				t.Errorf("bad request: %v", err)
				return
			}
			respond(conn, req)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestSynthesizeReturnsAudioAfterComplete(t *testing.T) {
	server := stubService(t, func(conn *websocket.Conn, req synthesisRequest) {
		conn.WriteJSON(map[string]any{"type": "progress", "progress": 0})
		conn.WriteMessage(websocket.BinaryMessage, []byte("audio-"+req.Text))
		conn.WriteJSON(map[string]any{"type": "complete"})
	})

	ch, err := NewClient(wsURL(server)).Connect(context.Background())
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer ch.Close()

	for i, text := range []string{"one", "two"} {
		audio, err := ch.Synthesize(context.Background(), texttospeech.Chunk{Text: text, Index: i, TotalChunks: 2})
		if err != nil {
			t.Fatalf("chunk %d failed: %v", i, err)
		}
		if string(audio) != "audio-"+text {
			t.Fatalf("unexpected audio %q", audio)
		}
	}
}

func TestSynthesizeErrorKeepsChannelUsable(t *testing.T) {
	server := stubService(t, func(conn *websocket.Conn, req synthesisRequest) {
		if req.ChunkIndex == 0 {
			conn.WriteJSON(map[string]any{"type": "error", "message": "model unavailable"})
			return
		}
		conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2})
		conn.WriteJSON(map[string]any{"type": "complete"})
	})

	ch, err := NewClient(wsURL(server)).Connect(context.Background())
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer ch.Close()

	if _, err := ch.Synthesize(context.Background(), texttospeech.Chunk{Text: "a", Index: 0, TotalChunks: 2}); !errors.Is(err, texttospeech.ErrSynthesisFailed) {
		t.Fatalf("expected ErrSynthesisFailed, got %v", err)
	}
	if audio, err := ch.Synthesize(context.Background(), texttospeech.Chunk{Text: "b", Index: 1, TotalChunks: 2}); err != nil || len(audio) != 2 {
		t.Fatalf("expected second chunk to succeed, got %v %v", audio, err)
	}
}

func TestSynthesizeTimesOut(t *testing.T) {
	server := stubService(t, func(conn *websocket.Conn, req synthesisRequest) {})

	ch, err := NewClient(wsURL(server)).Connect(context.Background())
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := ch.Synthesize(ctx, texttospeech.Chunk{Text: "slow"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSynthesizeReportsClosedChannel(t *testing.T) {
	server := stubService(t, func(conn *websocket.Conn, req synthesisRequest) {
		conn.Close()
	})

	ch, err := NewClient(wsURL(server)).Connect(context.Background())
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer ch.Close()

	if _, err := ch.Synthesize(context.Background(), texttospeech.Chunk{Text: "x"}); !errors.Is(err, texttospeech.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
}

func TestConnectFailsWithoutService(t *testing.T) {
	if _, err := NewClient("ws://127.0.0.1:1/ws/tts", WithDialTimeout(100*time.Millisecond)).Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
}
