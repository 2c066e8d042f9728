package gemini

import (
	"testing"

	"github.com/koscakluka/ema-surgery/core/llms"
	"google.golang.org/genai"
)

func TestToContentsAppendsImagePart(t *testing.T) {
	options := llms.NewPromptOptions(
		llms.WithTurns(llms.UserTurn("hi"), llms.AssistantTurn("hello")),
		llms.WithImage(&llms.Image{Data: []byte{1, 2, 3}, MIMEType: "image/jpeg"}),
	)

	contents := toContents("describe the frame", options)
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	if contents[1].Role != string(genai.RoleModel) {
		t.Fatalf("expected assistant turn to map to model role, got %q", contents[1].Role)
	}
	last := contents[2]
	if len(last.Parts) != 2 || last.Parts[1].InlineData == nil {
		t.Fatalf("expected text and inline image parts, got %+v", last.Parts)
	}
	if last.Parts[1].InlineData.MIMEType != "image/jpeg" {
		t.Fatalf("unexpected mime type %q", last.Parts[1].InlineData.MIMEType)
	}
}

func TestToConfigRequestsJSONForSchema(t *testing.T) {
	type out struct {
		Phase string `json:"phase"`
	}
	config := toConfig(llms.NewPromptOptions(llms.WithOutputSchema(out{}), llms.WithMaxTokens(256), llms.WithTemperature(0.2)))
	if config.ResponseMIMEType != "application/json" {
		t.Fatalf("expected json mime type, got %q", config.ResponseMIMEType)
	}
	if config.MaxOutputTokens != 256 {
		t.Fatalf("expected 256 max tokens, got %d", config.MaxOutputTokens)
	}
	if config.Temperature == nil || *config.Temperature != float32(0.2) {
		t.Fatalf("unexpected temperature %v", config.Temperature)
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(t.Context(), "", ""); err == nil {
		t.Fatal("expected error without API key")
	}
}
