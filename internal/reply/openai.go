package reply

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "gpt-4o-mini"

// systemPrompt keeps the assistant in the companion persona regardless of
// provider.
const systemPrompt = "Eres un asistente de chat amable. Responde siempre en el idioma del usuario, de forma breve y cercana."

// OpenAIResponder generates replies via the OpenAI chat completions API.
type OpenAIResponder struct {
	client *openai.Client
	model  string
}

// NewOpenAIResponder constructs a responder that talks directly to the
// OpenAI API.
func NewOpenAIResponder(apiKey, modelName string) (*OpenAIResponder, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai responder requires an API key")
	}

	model := strings.TrimSpace(modelName)
	if model == "" {
		model = defaultOpenAIModel
	}

	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIResponder{client: &client, model: model}, nil
}

// Reply requests a single chat completion for the user's message.
func (r *OpenAIResponder) Reply(ctx context.Context, userID, text string) (string, error) {
	resp, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(r.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(text),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
