package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/koscakluka/ema-surgery/core/llms"
)

type sceneStub struct {
	Phase string `json:"phase"`
}

func TestPromptSendsImageAsDataURLPart(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing authorization header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  gallbladder visible "}}]}`))
	}))
	defer server.Close()

	client := NewClient("qwen-vl", WithBaseURL(server.URL+"/v1/"), WithAPIKey("secret"))
	image := &llms.Image{Data: []byte{0xff, 0xd8, 0xff}, MIMEType: "image/jpeg"}

	resp, err := client.Prompt(context.Background(), "describe", llms.WithSystemPrompt("you are a surgical assistant"), llms.WithImage(image))
	if err != nil {
		t.Fatalf("Prompt returned error: %v", err)
	}
	if resp.Content != "gallbladder visible" {
		t.Fatalf("expected trimmed content, got %q", resp.Content)
	}

	messages := got["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(messages))
	}
	parts, ok := messages[1].(map[string]any)["content"].([]any)
	if !ok || len(parts) != 2 {
		t.Fatalf("expected user content parts, got %+v", messages[1])
	}
	imagePart := parts[1].(map[string]any)
	url := imagePart["image_url"].(map[string]any)["url"].(string)
	if url != "data:image/jpeg;base64,/9j/" {
		t.Fatalf("unexpected image url %q", url)
	}
}

func TestPromptAddsResponseFormatForSchema(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"phase\":\"dissection\"}"}}]}`))
	}))
	defer server.Close()

	client := NewClient("qwen-vl", WithBaseURL(server.URL))
	if _, err := client.Prompt(context.Background(), "describe", llms.WithOutputSchema(sceneStub{})); err != nil {
		t.Fatalf("Prompt returned error: %v", err)
	}

	format, ok := got["response_format"].(map[string]any)
	if !ok || format["type"] != "json_schema" {
		t.Fatalf("expected json_schema response format, got %+v", got["response_format"])
	}
	if name := format["json_schema"].(map[string]any)["name"]; name != "sceneStub" {
		t.Fatalf("expected schema name sceneStub, got %v", name)
	}
}

func TestPromptFailsOnEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	_, err := NewClient("m", WithBaseURL(server.URL)).Prompt(context.Background(), "hi")
	if !errors.Is(err, llms.ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestPromptFailsOnNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	if _, err := NewClient("m", WithBaseURL(server.URL)).Prompt(context.Background(), "hi"); err == nil {
		t.Fatal("expected error for non-OK status")
	}
}
