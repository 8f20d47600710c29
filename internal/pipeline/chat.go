package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/contract"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/metrics"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/prompts"
)

// ChatBackend produces the next examiner reply for a conversation.
type ChatBackend interface {
	Chat(ctx context.Context, req contract.ChatRequest) (string, error)
}

// ChatRouter dispatches chat requests to the backend named by the request's
// engine, or the default engine.
type ChatRouter struct {
	engineSet[ChatBackend]
}

// NewChatRouter creates a router over backends with def as the default engine.
func NewChatRouter(backends map[string]ChatBackend, def string) *ChatRouter {
	return &ChatRouter{engineSet: newEngineSet("chat", backends, def)}
}

// Chat routes req, inserting the backend system prompt when the request has
// none, and records latency.
func (r *ChatRouter) Chat(ctx context.Context, req contract.ChatRequest) (string, error) {
	_, backend, err := r.Resolve(req.Engine)
	if err != nil {
		return "", err
	}
	req.Messages = EnsureSystem(req.Messages)

	start := time.Now()
	reply, err := backend.Chat(ctx, req)
	metrics.StageDuration.WithLabelValues("chat").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Errors.WithLabelValues("chat", "backend").Inc()
		return "", err
	}
	return reply, nil
}

// EnsureSystem prepends the default examiner instruction when messages has no
// system message.
func EnsureSystem(messages []contract.Message) []contract.Message {
	for _, m := range messages {
		if m.Role == contract.RoleSystem {
			return messages
		}
	}
	out := make([]contract.Message, 0, len(messages)+1)
	out = append(out, contract.Message{Role: contract.RoleSystem, Content: prompts.BackendSystem})
	return append(out, messages...)
}

// --- Ollama backend ---

// OllamaChatClient streams chat completions from Ollama's native API and
// returns the accumulated reply.
type OllamaChatClient struct {
	url       string
	model     string
	maxTokens int
	client    *http.Client
}

// NewOllamaChatClient creates an Ollama HTTP client. url and model are used
// when a request carries no endpoint or model.
func NewOllamaChatClient(url, model string, maxTokens, poolSize int) *OllamaChatClient {
	return &OllamaChatClient{
		url:       strings.TrimRight(url, "/"),
		model:     model,
		maxTokens: maxTokens,
		client:    NewPooledHTTPClient(poolSize, 0),
	}
}

// Chat sends the conversation to Ollama and collects the streamed reply.
func (c *OllamaChatClient) Chat(ctx context.Context, req contract.ChatRequest) (string, error) {
	resp, err := c.postChatRequest(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("chat", "status").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ollama status %d: %s", resp.StatusCode, body)
	}

	text, err := consumeStream(resp.Body)
	if err != nil {
		return "", fmt.Errorf("ollama stream: %w", err)
	}
	return text, nil
}

func (c *OllamaChatClient) postChatRequest(ctx context.Context, req contract.ChatRequest) (*http.Response, error) {
	base := c.url
	if req.Endpoint != "" {
		base = strings.TrimRight(req.Endpoint, "/")
	}
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	messages := make([]ollamaMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = ollamaMessage{Role: m.Role, Content: m.Content}
	}

	body := ollamaRequest{
		Model:    model,
		Stream:   true,
		Messages: messages,
	}
	if c.maxTokens > 0 {
		body.Options = &ollamaOptions{NumPredict: c.maxTokens}
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/chat", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		metrics.Errors.WithLabelValues("chat", "http").Inc()
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	return resp, nil
}

// consumeStream concatenates message content until the done chunk.
// Thinking output of reasoning models is discarded.
func consumeStream(r io.Reader) (string, error) {
	var sb strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var chunk ollamaStreamChunk
		if json.Unmarshal(scanner.Bytes(), &chunk) != nil {
			continue
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("ollama: %s", chunk.Error)
		}
		sb.WriteString(chunk.Message.Content)
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []ollamaMessage `json:"messages"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict"`
}

type ollamaStreamChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}
