package llms

import (
	"context"
	"errors"
)

var ErrEmptyResponse = errors.New("empty response from inference engine")

// Engine is the inference engine used by every agent. It accepts a prompt
// with an optional image and returns text.
type Engine interface {
	Prompt(ctx context.Context, prompt string, opts ...PromptOption) (*Response, error)
}

// Response is a single response from an LLM
type Response struct {
	Content string
}

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// Turn is a single prior exchange passed to the engine as history.
type Turn struct {
	Role    MessageRole
	Content string
}

func UserTurn(content string) Turn      { return Turn{Role: MessageRoleUser, Content: content} }
func AssistantTurn(content string) Turn { return Turn{Role: MessageRoleAssistant, Content: content} }
