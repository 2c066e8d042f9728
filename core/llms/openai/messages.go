package openai

import "github.com/koscakluka/ema-surgery/core/llms"

type message struct {
	Role    messageRole `json:"role"`
	Content any         `json:"content"`
}

type messageRole string

const (
	messageRoleSystem    messageRole = "system"
	messageRoleUser      messageRole = "user"
	messageRoleAssistant messageRole = "assistant"
)

type contentPart struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	ImageURL *contentImageURL `json:"image_url,omitempty"`
}

type contentImageURL struct {
	URL string `json:"url"`
}

func toMessages(prompt string, options llms.PromptOptions) []message {
	messages := []message{}
	if options.Instructions != "" {
		messages = append(messages, message{Role: messageRoleSystem, Content: options.Instructions})
	}

	for _, turn := range options.Turns {
		role := messageRoleUser
		switch turn.Role {
		case llms.MessageRoleAssistant:
			role = messageRoleAssistant
		case llms.MessageRoleSystem:
			role = messageRoleSystem
		}
		messages = append(messages, message{Role: role, Content: turn.Content})
	}

	if options.Image == nil {
		return append(messages, message{Role: messageRoleUser, Content: prompt})
	}

	return append(messages, message{
		Role: messageRoleUser,
		Content: []contentPart{
			{Type: "text", Text: prompt},
			{Type: "image_url", ImageURL: &contentImageURL{URL: options.Image.DataURL()}},
		},
	})
}
