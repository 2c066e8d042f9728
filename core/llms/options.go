package llms

import "github.com/invopop/jsonschema"

type PromptOptions struct {
	Instructions string
	Turns        []Turn
	Image        *Image
	Temperature  *float64
	MaxTokens    int

	// Schema constrains the response to JSON matching it, when the backend
	// supports structured output. SchemaName identifies it to the backend.
	Schema     *jsonschema.Schema
	SchemaName string
}

type PromptOption func(*PromptOptions)

func NewPromptOptions(opts ...PromptOption) PromptOptions {
	options := PromptOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func WithSystemPrompt(prompt string) PromptOption {
	return func(o *PromptOptions) { o.Instructions = prompt }
}

func WithTurns(turns ...Turn) PromptOption {
	return func(o *PromptOptions) { o.Turns = append(o.Turns, turns...) }
}

// WithImage attaches an image to the user prompt. A nil image is ignored.
func WithImage(image *Image) PromptOption {
	return func(o *PromptOptions) {
		if image == nil || len(image.Data) == 0 {
			return
		}
		o.Image = image
	}
}

func WithTemperature(temperature float64) PromptOption {
	return func(o *PromptOptions) { o.Temperature = &temperature }
}

func WithMaxTokens(maxTokens int) PromptOption {
	return func(o *PromptOptions) { o.MaxTokens = maxTokens }
}

// WithOutputSchema reflects a JSON schema from outputSchema and asks the
// engine to answer with a matching JSON object.
func WithOutputSchema(outputSchema any) PromptOption {
	return func(o *PromptOptions) {
		o.Schema, o.SchemaName = ReflectSchema(outputSchema)
	}
}
