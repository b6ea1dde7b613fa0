package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = openai.GPT4oMini

// OpenAI replies through the chat completions API.
type OpenAI struct {
	client    *openai.Client
	model     string
	system    string
	maxTokens int
}

// NewOpenAI creates an OpenAI-backed responder. BaseURL points it at any
// compatible endpoint.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}
	return &OpenAI{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     cfg.Model,
		system:    cfg.SystemPrompt,
		maxTokens: cfg.MaxTokens,
	}, nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Respond(ctx context.Context, req *Request) (string, error) {
	turns := buildHistory(req.Transcript, req.Utterance)
	if len(turns) == 0 {
		return "", ErrEmptyReply
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if o.system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: o.system,
		})
	}
	for _, t := range turns {
		r := openai.ChatMessageRoleUser
		if t.role == roleAssistant {
			r = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: r, Content: t.text})
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     o.model,
		Messages:  messages,
		MaxTokens: o.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	return cleanReply(resp.Choices[0].Message.Content)
}
