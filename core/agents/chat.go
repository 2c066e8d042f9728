package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/koscakluka/ema-surgery/core/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultHistoryTurns = 10

	chatSystemPrompt = `You are an assistant in the operating room during a laparoscopic
cholecystectomy. Answer the surgical team briefly and clearly; your answers
are read aloud. When a frame from the procedure video is attached, ground
your answer in what is visible and say so when something cannot be seen.`
)

var frameReferences = []string{
	"what do you see", "what can you see", "in the image", "in the frame",
	"on screen", "on the screen", "this frame", "this image", "the view",
	"look at", "visible", "what is this", "what's this",
}

// ReferencesView reports whether text asks about the current view of the
// procedure video.
func ReferencesView(text string) bool {
	lower := strings.ToLower(text)
	for _, reference := range frameReferences {
		if strings.Contains(lower, reference) {
			return true
		}
	}
	return false
}

type ChatOption func(*Chat)

func WithChatSystemPrompt(prompt string) ChatOption {
	return func(c *Chat) {
		if prompt != "" {
			c.systemPrompt = prompt
		}
	}
}

// WithHistoryTurns bounds how many prior turns are sent with a question.
func WithHistoryTurns(turns int) ChatOption {
	return func(c *Chat) {
		if turns >= 0 {
			c.historyTurns = turns
		}
	}
}

// Chat answers general questions, optionally about the current frame.
type Chat struct {
	engine       llms.Engine
	systemPrompt string
	historyTurns int
}

func NewChat(engine llms.Engine, opts ...ChatOption) *Chat {
	chat := &Chat{
		engine:       engine,
		systemPrompt: chatSystemPrompt,
		historyTurns: DefaultHistoryTurns,
	}
	for _, opt := range opts {
		opt(chat)
	}
	return chat
}

func (c *Chat) Respond(ctx context.Context, history []llms.Turn, question string, frame *llms.Image) (string, error) {
	ctx, span := tracer.Start(ctx, "chat respond")
	defer span.End()
	span.SetAttributes(attribute.Bool("chat.has_frame", frame != nil))

	resp, err := c.engine.Prompt(ctx, question,
		llms.WithSystemPrompt(c.systemPrompt),
		llms.WithTurns(lastTurns(history, c.historyTurns)...),
		llms.WithImage(frame),
		llms.WithTemperature(0.2),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to answer question: %w", err)
	}
	return resp.Content, nil
}

func lastTurns(history []llms.Turn, n int) []llms.Turn {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
