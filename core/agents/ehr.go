package agents

import (
	"context"
	"fmt"

	"github.com/koscakluka/ema-surgery/core/ehr"
	"github.com/koscakluka/ema-surgery/core/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultContextMaxChars = 4000

	ehrSystemPrompt = `You answer questions about the patient's electronic health record for
the surgical team. Be brief; your answers are read aloud.`

	ehrUnavailable = "The patient record is not available right now."
)

// Retriever finds record passages relevant to a question.
type Retriever interface {
	Query(ctx context.Context, question string, topK int) ([]ehr.Chunk, error)
}

type EHROption func(*EHR)

func WithRetrieval(topK, contextMaxChars int) EHROption {
	return func(e *EHR) {
		if topK > 0 {
			e.topK = topK
		}
		if contextMaxChars > 0 {
			e.contextMaxChars = contextMaxChars
		}
	}
}

// EHR answers questions from retrieved record passages only.
type EHR struct {
	engine    llms.Engine
	retriever Retriever

	topK            int
	contextMaxChars int
}

func NewEHR(engine llms.Engine, retriever Retriever, opts ...EHROption) *EHR {
	agent := &EHR{
		engine:          engine,
		retriever:       retriever,
		topK:            ehr.DefaultTopK,
		contextMaxChars: DefaultContextMaxChars,
	}
	for _, opt := range opts {
		opt(agent)
	}
	return agent
}

func (e *EHR) Respond(ctx context.Context, history []llms.Turn, question string) (string, error) {
	ctx, span := tracer.Start(ctx, "ehr respond")
	defer span.End()

	if e.retriever == nil {
		return ehrUnavailable, nil
	}

	chunks, err := e.retriever.Query(ctx, question, e.topK)
	if err != nil {
		logger.Error("failed to retrieve record passages", "error", err)
		span.RecordError(err)
		return ehrUnavailable, nil
	}
	span.SetAttributes(attribute.Int("ehr.chunks", len(chunks)))

	prompt := fmt.Sprintf("You are answering questions about a patient's EHR.\n"+
		"Use ONLY the context below. If the answer is not present, say 'I don't know'.\n\n"+
		"Question: %s\n\nContext:\n%s\n\nAnswer:", question, ehr.BuildContext(chunks, e.contextMaxChars))

	resp, err := e.engine.Prompt(ctx, prompt,
		llms.WithSystemPrompt(ehrSystemPrompt),
		llms.WithTurns(lastTurns(history, DefaultHistoryTurns)...),
		llms.WithTemperature(0),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to answer record question: %w", err)
	}
	return resp.Content, nil
}
