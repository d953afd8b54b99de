package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"github.com/xhad/sitechat/internal/models"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"

	contextPlaceholder = "{context}"
)

// ChatConfig represents the configuration for a chat engine.
type ChatConfig struct {
	Provider         string
	Model            string
	BaseURL          string // Ollama server URL or OpenAI-compatible endpoint
	APIKey           string
	Temperature      float64
	MaxTokens        int
	SystemTemplate   string // {context} is replaced with the retrieved passages
	CondenseTemplate string
	HistoryLimit     int // most recent turns sent to the model; 0 sends all
	CiteSources      bool
}

// ChatEngine is an engine that uses an LLM to generate chat responses.
type ChatEngine struct {
	config ChatConfig
	llm    llms.Model
}

// NewWithConfig creates a new ChatEngine with the given configuration.
func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	if config.Provider == "" {
		config.Provider = ProviderOllama
	}

	var model llms.Model
	switch config.Provider {
	case ProviderOllama:
		if config.Model == "" {
			config.Model = "mistral" // Default Ollama model
		}
		if config.BaseURL == "" {
			config.BaseURL = "http://localhost:11434" // Default Ollama URL
		}
		llm, err := ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize LLM: %w", err)
		}
		model = llm
	case ProviderOpenAI:
		if config.APIKey == "" {
			return nil, errors.New("openai chat requires an API key")
		}
		if config.Model == "" {
			config.Model = "gpt-4o-mini"
		}
		opts := []openai.Option{openai.WithToken(config.APIKey), openai.WithModel(config.Model)}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize LLM: %w", err)
		}
		model = llm
	default:
		return nil, fmt.Errorf("unknown chat provider %q", config.Provider)
	}

	return NewWithModel(config, model)
}

// NewWithModel wraps an already constructed model.
func NewWithModel(config ChatConfig, model llms.Model) (*ChatEngine, error) {
	if model == nil {
		return nil, errors.New("nil model")
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.SystemTemplate == "" {
		config.SystemTemplate = "Answer the user's questions based on the below context:\n\n" + contextPlaceholder
	}
	if config.CondenseTemplate == "" {
		config.CondenseTemplate = "Given the above conversation, generate a search query to look up in order to get information relevant to the conversation. Reply with the query only."
	}

	return &ChatEngine{
		config: config,
		llm:    model,
	}, nil
}

// Condense rewrites a follow-up question into a standalone search query.
// Without earlier human turns the question is returned unchanged.
func (ce *ChatEngine) Condense(ctx context.Context, history []models.Turn, question string) (string, error) {
	if !hasHumanTurn(history) {
		return question, nil
	}

	content := ce.historyMessages(history)
	content = append(content,
		llms.TextParts(schema.ChatMessageTypeHuman, question),
		llms.TextParts(schema.ChatMessageTypeHuman, ce.config.CondenseTemplate),
	)

	response, err := ce.llm.GenerateContent(ctx, content,
		llms.WithTemperature(0),
		llms.WithMaxTokens(256),
	)
	if err != nil {
		return "", fmt.Errorf("condense error: %w", err)
	}
	query := strings.TrimSpace(firstChoice(response))
	if query == "" {
		return question, nil
	}
	return query, nil
}

// Complete answers req.Question grounded on req.Context.
func (ce *ChatEngine) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	content := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, ce.systemPrompt(req.Context)),
	}
	content = append(content, ce.historyMessages(req.History)...)
	content = append(content, llms.TextParts(schema.ChatMessageTypeHuman, req.Question))

	options := []llms.CallOption{
		llms.WithTemperature(ce.config.Temperature),
		llms.WithMaxTokens(ce.config.MaxTokens),
	}
	if req.Stream != nil {
		options = append(options, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			req.Stream(string(chunk))
			return nil
		}))
	}

	response, err := ce.llm.GenerateContent(ctx, content, options...)
	if err != nil {
		return "", fmt.Errorf("chat error: %w", err)
	}

	answer := strings.TrimSpace(firstChoice(response))
	if answer == "" {
		return "", errors.New("chat error: no response from LLM")
	}

	if ce.config.CiteSources {
		if sources := ce.formatSources(req.Context); sources != "" {
			answer += "\n" + sources
			if req.Stream != nil {
				req.Stream("\n" + sources)
			}
		}
	}
	return answer, nil
}

func (ce *ChatEngine) systemPrompt(chunks []models.Chunk) string {
	var contextBuilder strings.Builder
	for _, chunk := range chunks {
		contextBuilder.WriteString(fmt.Sprintf("Source: %s\n%s\n\n", chunk.URL, chunk.Text))
	}
	passages := strings.TrimSpace(contextBuilder.String())

	if strings.Contains(ce.config.SystemTemplate, contextPlaceholder) {
		return strings.ReplaceAll(ce.config.SystemTemplate, contextPlaceholder, passages)
	}
	return ce.config.SystemTemplate + "\n\n" + passages
}

func (ce *ChatEngine) historyMessages(history []models.Turn) []llms.MessageContent {
	if limit := ce.config.HistoryLimit; limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}

	messages := make([]llms.MessageContent, 0, len(history))
	for _, turn := range history {
		switch turn.Role {
		case models.RoleHuman:
			messages = append(messages, llms.TextParts(schema.ChatMessageTypeHuman, turn.Content))
		case models.RoleAssistant:
			messages = append(messages, llms.TextParts(schema.ChatMessageTypeAI, ce.stripSources(turn.Content)))
		}
	}
	return messages
}

const sourcesHeader = "Sources:\n"

// formatSources formats the sources for citation.
func (ce *ChatEngine) formatSources(chunks []models.Chunk) string {
	var sources []string
	seen := make(map[string]bool)

	for _, chunk := range chunks {
		if chunk.URL != "" && !seen[chunk.URL] {
			sources = append(sources, chunk.URL)
			seen[chunk.URL] = true
		}
	}

	if len(sources) == 0 {
		return ""
	}

	return sourcesHeader + strings.Join(sources, "\n")
}

// stripSources drops the citation footer Complete appends, so earlier answers
// go back to the model as it wrote them.
func (ce *ChatEngine) stripSources(answer string) string {
	if !ce.config.CiteSources {
		return answer
	}
	if i := strings.LastIndex(answer, "\n"+sourcesHeader); i >= 0 {
		return answer[:i]
	}
	return answer
}

func firstChoice(response *llms.ContentResponse) string {
	if response == nil || len(response.Choices) == 0 || response.Choices[0] == nil {
		return ""
	}
	return response.Choices[0].Content
}

func hasHumanTurn(history []models.Turn) bool {
	for _, turn := range history {
		if turn.Role == models.RoleHuman {
			return true
		}
	}
	return false
}
