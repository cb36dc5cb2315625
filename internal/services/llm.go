package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/huangang/issuesentry/internal/models"
	"github.com/huangang/issuesentry/pkg/logger"
	"github.com/ollama/ollama/api"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// LLMCaller sends a system and user message to one configured backend and
// returns the raw completion text.
type LLMCaller func(ctx context.Context, llmConfig *models.LLMConfig, system, user string) (string, error)

// CallLLM dispatches on the Provider field.
func CallLLM(ctx context.Context, llmConfig *models.LLMConfig, system, user string) (string, error) {
	logger.Debugf("[AI] Using provider: %s, model: %s", llmConfig.Provider, llmConfig.Model)

	switch llmConfig.Provider {
	case "anthropic":
		return callAnthropic(ctx, llmConfig, system, user)
	case "ollama":
		return callOllama(ctx, llmConfig, system, user)
	case "gemini":
		return callGemini(ctx, llmConfig, system, user)
	case "azure":
		return callAzure(ctx, llmConfig, system, user)
	default:
		// openai and other OpenAI-compatible services
		return callOpenAI(ctx, llmConfig, system, user)
	}
}

func chatMessages(system, user string) []openai.ChatCompletionMessage {
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, Content: user},
	}
}

func firstChoice(resp openai.ChatCompletionResponse) (string, error) {
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from AI")
	}
	return resp.Choices[0].Message.Content, nil
}

func callOpenAI(ctx context.Context, llmConfig *models.LLMConfig, system, user string) (string, error) {
	clientConfig := openai.DefaultConfig(llmConfig.APIKey)
	if llmConfig.BaseURL != "" {
		clientConfig.BaseURL = llmConfig.BaseURL
	}
	client := openai.NewClientWithConfig(clientConfig)

	model := llmConfig.Model
	if model == "" {
		model = "gpt-4o"
	}

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    chatMessages(system, user),
		Temperature: float32(llmConfig.Temperature),
		MaxTokens:   llmConfig.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}
	return firstChoice(resp)
}

// callAzure uses Model as the deployment name.
func callAzure(ctx context.Context, llmConfig *models.LLMConfig, system, user string) (string, error) {
	clientConfig := openai.DefaultAzureConfig(llmConfig.APIKey, llmConfig.BaseURL)
	client := openai.NewClientWithConfig(clientConfig)

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       llmConfig.Model,
		Messages:    chatMessages(system, user),
		Temperature: float32(llmConfig.Temperature),
		MaxTokens:   llmConfig.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("Azure OpenAI API error: %w", err)
	}
	return firstChoice(resp)
}

func callAnthropic(ctx context.Context, llmConfig *models.LLMConfig, system, user string) (string, error) {
	opts := []option.RequestOption{option.WithAPIKey(llmConfig.APIKey)}
	if llmConfig.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(llmConfig.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	model := llmConfig.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := int64(llmConfig.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	resp, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(system + "\n\n### Issue\n" + user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("Anthropic API error: %w", err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return content.String(), nil
}

func callOllama(ctx context.Context, llmConfig *models.LLMConfig, system, user string) (string, error) {
	baseURL := llmConfig.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid Ollama base URL: %w", err)
	}
	client := api.NewClient(u, http.DefaultClient)

	model := llmConfig.Model
	if model == "" {
		model = "llama3"
	}

	var content strings.Builder
	err = client.Chat(ctx, &api.ChatRequest{
		Model: model,
		Messages: []api.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Options: map[string]interface{}{
			"temperature": llmConfig.Temperature,
		},
	}, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("Ollama API error: %w", err)
	}
	return content.String(), nil
}

func callGemini(ctx context.Context, llmConfig *models.LLMConfig, system, user string) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: llmConfig.APIKey,
	})
	if err != nil {
		return "", fmt.Errorf("Gemini client error: %w", err)
	}

	model := llmConfig.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	resp, err := client.Models.GenerateContent(ctx, model, genai.Text(system+"\n\n### Issue\n"+user), nil)
	if err != nil {
		return "", fmt.Errorf("Gemini API error: %w", err)
	}
	return resp.Text(), nil
}
