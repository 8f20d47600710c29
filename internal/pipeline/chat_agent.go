package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/contract"
)

// AgentChatClient runs each exchange as a single-turn agent through the
// openai-agents-go runner. The system messages become the agent's
// instructions and the history is rendered into the input.
type AgentChatClient struct {
	provider  agents.ModelProvider
	model     string
	maxTokens int
}

// NewAgentChatClient creates a client backed by provider.
func NewAgentChatClient(provider agents.ModelProvider, model string, maxTokens int) *AgentChatClient {
	return &AgentChatClient{provider: provider, model: model, maxTokens: maxTokens}
}

// NewOpenAIAgentProvider returns an agents provider speaking the chat
// completions API at baseURL.
func NewOpenAIAgentProvider(baseURL, apiKey string) agents.ModelProvider {
	if apiKey == "" {
		apiKey = "unused"
	}
	return agents.NewOpenAIProvider(agents.OpenAIProviderParams{
		BaseURL:      param.NewOpt(baseURL),
		APIKey:       param.NewOpt(apiKey),
		UseResponses: param.NewOpt(false),
	})
}

// Chat runs the agent and concatenates the streamed text deltas.
func (a *AgentChatClient) Chat(ctx context.Context, req contract.ChatRequest) (string, error) {
	model := a.model
	if req.Model != "" {
		model = req.Model
	}
	instructions, input := SplitConversation(req.Messages)

	settings := modelsettings.ModelSettings{}
	if a.maxTokens > 0 {
		settings.MaxTokens = param.NewOpt(int64(a.maxTokens))
	}
	agent := agents.New("examiner").
		WithInstructions(instructions).
		WithModel(model).
		WithModelSettings(settings)

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   a.provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	events, errCh, err := runner.RunStreamedChan(ctx, agent, input)
	if err != nil {
		return "", fmt.Errorf("agent stream start: %w", err)
	}

	var text strings.Builder
	for ev := range events {
		appendDelta(ev, &text)
	}
	if streamErr := <-errCh; streamErr != nil {
		return "", fmt.Errorf("agent stream: %w", streamErr)
	}
	return text.String(), nil
}

func appendDelta(ev agents.StreamEvent, text *strings.Builder) {
	raw, ok := ev.(agents.RawResponsesStreamEvent)
	if !ok {
		return
	}
	if raw.Data.Type != "response.output_text.delta" {
		return
	}
	text.WriteString(raw.Data.Delta)
}

// SplitConversation joins system messages into instructions and renders the
// remaining turns as a labeled transcript ending with the newest user message.
func SplitConversation(msgs []contract.Message) (instructions, input string) {
	var sys []string
	var turns []contract.Message
	for _, m := range msgs {
		if m.Role == contract.RoleSystem {
			sys = append(sys, m.Content)
			continue
		}
		turns = append(turns, m)
	}
	instructions = strings.Join(sys, "\n\n")

	if len(turns) == 1 {
		return instructions, turns[0].Content
	}
	var sb strings.Builder
	for i, m := range turns {
		if i > 0 {
			sb.WriteString("\n")
		}
		label := "Candidate"
		if m.Role == contract.RoleAssistant {
			label = "Examiner"
		}
		sb.WriteString(label + ": " + m.Content)
	}
	return instructions, sb.String()
}
