package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/contract"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/metrics"
)

// OpenAIChatClient calls any OpenAI-compatible chat completions endpoint,
// including Ollama's /v1 API.
type OpenAIChatClient struct {
	client    openai.Client
	model     string
	maxTokens int
}

// NewOpenAIChatClient creates a client for baseURL (for example
// http://localhost:11434/v1). model is used when a request names none.
func NewOpenAIChatClient(baseURL, apiKey, model string, maxTokens, poolSize int) *OpenAIChatClient {
	if apiKey == "" {
		apiKey = "unused"
	}
	client := openai.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(NewPooledHTTPClient(poolSize, 0)),
		option.WithMaxRetries(0),
	)
	return &OpenAIChatClient{client: client, model: model, maxTokens: maxTokens}
}

// Chat sends the conversation as a single non-streamed completion.
func (c *OpenAIChatClient) Chat(ctx context.Context, req contract.ChatRequest) (string, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toOpenAIMessages(req.Messages),
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.maxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		metrics.Errors.WithLabelValues("chat", "openai").Inc()
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("openai status %d: %s", apiErr.StatusCode, apiErr.Message)
		}
		return "", fmt.Errorf("openai request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessages(msgs []contract.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case contract.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case contract.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
