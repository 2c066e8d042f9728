package agents

import (
	"context"
	"fmt"

	"github.com/koscakluka/ema-surgery/core/llms"
)

const noteSystemPrompt = `You record notes for the surgical team. Rewrite the request as one
concise clinical note and reply with exactly one line of the form
"Note: <note>". Do not add facts that were not said.`

// Notetaker phrases a note request as a note. Its reply is one of the
// sources the notes package extracts content from.
type Notetaker struct {
	engine llms.Engine
}

func NewNotetaker(engine llms.Engine) *Notetaker {
	return &Notetaker{engine: engine}
}

func (n *Notetaker) Respond(ctx context.Context, request string, videoTime string) (string, error) {
	ctx, span := tracer.Start(ctx, "notetaker respond")
	defer span.End()

	prompt := request
	if videoTime != "" {
		prompt = fmt.Sprintf("[video time %s] %s", videoTime, request)
	}
	resp, err := n.engine.Prompt(ctx, prompt,
		llms.WithSystemPrompt(noteSystemPrompt),
		llms.WithTemperature(0),
		llms.WithMaxTokens(200),
	)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to phrase note: %w", err)
	}
	return resp.Content, nil
}
