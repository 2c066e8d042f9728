package routing

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/koscakluka/ema-surgery/core/llms"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultCorrectionTimeout = 3 * time.Second
	// defaultMaxEditRatio bounds the accepted edit distance relative to the
	// original length. Rewrites beyond it are treated as changes of meaning.
	defaultMaxEditRatio = 0.3

	correctionPrompt = `You fix speech recognition errors in questions asked during laparoscopic surgery.
Correct misheard medical terms, anatomy and instrument names only. Do not rephrase,
answer or add anything. If nothing needs fixing, repeat the text exactly.
Reply with the corrected text only.`
)

// Corrector asks the inference engine to repair likely transcription errors.
// It only accepts small literal edits and falls back to the original text on
// any failure.
type Corrector struct {
	engine       llms.Engine
	timeout      time.Duration
	maxEditRatio float64
}

type CorrectorOption func(*Corrector)

func WithCorrectionTimeout(timeout time.Duration) CorrectorOption {
	return func(c *Corrector) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

func WithMaxEditRatio(ratio float64) CorrectorOption {
	return func(c *Corrector) {
		if ratio > 0 {
			c.maxEditRatio = ratio
		}
	}
}

func NewCorrector(engine llms.Engine, opts ...CorrectorOption) *Corrector {
	corrector := &Corrector{
		engine:       engine,
		timeout:      defaultCorrectionTimeout,
		maxEditRatio: defaultMaxEditRatio,
	}
	for _, opt := range opts {
		opt(corrector)
	}
	return corrector
}

func (c *Corrector) Correct(ctx context.Context, text string) string {
	if c == nil || c.engine == nil || strings.TrimSpace(text) == "" {
		return text
	}

	ctx, span := tracer.Start(ctx, "correct transcript")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.engine.Prompt(ctx, text,
		llms.WithSystemPrompt(correctionPrompt),
		llms.WithTemperature(0),
		llms.WithMaxTokens(256),
	)
	if err != nil {
		logger.Debug("transcript correction unavailable", "error", err)
		span.SetAttributes(attribute.String("correction.result", "error"))
		return text
	}

	corrected := strings.Trim(strings.TrimSpace(resp.Content), `"`)
	if !c.accept(text, corrected) {
		span.SetAttributes(attribute.String("correction.result", "rejected"))
		return text
	}

	span.SetAttributes(attribute.String("correction.result", "applied"))
	return corrected
}

func (c *Corrector) accept(original, corrected string) bool {
	if corrected == "" || corrected == original {
		return false
	}
	distance := levenshtein.ComputeDistance(strings.ToLower(original), strings.ToLower(corrected))
	return float64(distance) <= c.maxEditRatio*float64(utf8.RuneCountInString(original))
}
