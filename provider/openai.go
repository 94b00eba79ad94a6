package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/siherrmann/tipper/core/pipeline"
	"github.com/siherrmann/tipper/helper"
)

const (
	defaultChatModel      = "gpt-4o-mini"
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultMaxRetries     = 2
	defaultRequestTimeout = 2 * time.Minute
)

const systemPrompt = "You are a careful threat intelligence analyst. Answer only with JSON matching the given schema."

// OpenAIConfig configures a client for any OpenAI compatible endpoint
type OpenAIConfig struct {
	APIKey         string        `mapstructure:"api_key" json:"api_key"`
	BaseURL        string        `mapstructure:"base_url" json:"base_url"`
	ChatModel      string        `mapstructure:"chat_model" json:"chat_model"`
	EmbeddingModel string        `mapstructure:"embedding_model" json:"embedding_model"`
	Dimensions     int           `mapstructure:"dimensions" json:"dimensions"`
	MaxRetries     int           `mapstructure:"max_retries" json:"max_retries"`
	Timeout        time.Duration `mapstructure:"timeout" json:"timeout"`
}

// OpenAI implements structured generation and batch embeddings
type OpenAI struct {
	client         openai.Client
	chatModel      string
	embeddingModel string
	dimensions     int
	logger         *slog.Logger
}

// NewOpenAI creates the adapter. Without an api key or base url it fails with helper.ErrNotConfigured.
func NewOpenAI(config OpenAIConfig, logger *slog.Logger) (*OpenAI, error) {
	if config.APIKey == "" && config.BaseURL == "" {
		return nil, helper.NewError("openai configuration", fmt.Errorf("%w: api key or base url required", helper.ErrNotConfigured))
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.ChatModel == "" {
		config.ChatModel = defaultChatModel
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = defaultEmbeddingModel
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	} else if config.MaxRetries == 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultRequestTimeout
	}

	opts := []option.RequestOption{
		option.WithMaxRetries(config.MaxRetries),
		option.WithRequestTimeout(config.Timeout),
	}
	if config.APIKey != "" {
		opts = append(opts, option.WithAPIKey(config.APIKey))
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &OpenAI{
		client:         openai.NewClient(opts...),
		chatModel:      config.ChatModel,
		embeddingModel: config.EmbeddingModel,
		dimensions:     config.Dimensions,
		logger:         logger,
	}, nil
}

// GenerateStructured asks the chat model for an answer following schema and returns the raw JSON
func (o *OpenAI) GenerateStructured(ctx context.Context, prompt string, schema map[string]interface{}) ([]byte, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.chatModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(0),
	}
	if schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "judgement",
					Schema: schema,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	start := time.Now()
	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, helper.NewError("chat completion", classify(err))
	}
	if len(completion.Choices) == 0 {
		return nil, helper.NewError("chat completion", fmt.Errorf("%w: no choices returned", helper.ErrLLM))
	}

	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return nil, helper.NewError("chat completion", fmt.Errorf("%w: empty answer (finish reason %q)", helper.ErrLLM, completion.Choices[0].FinishReason))
	}

	o.logger.Debug(
		"Generated structured answer",
		slog.String("model", o.chatModel),
		slog.Int64("prompt_tokens", completion.Usage.PromptTokens),
		slog.Int64("completion_tokens", completion.Usage.CompletionTokens),
		slog.Duration("duration", time.Since(start)),
	)
	return []byte(content), nil
}

// Embed embeds texts with the remote embedding model.
// The returned vectors are in the order of texts.
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(o.embeddingModel),
	}
	if o.dimensions > 0 {
		params.Dimensions = openai.Int(int64(o.dimensions))
	}

	response, err := o.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, helper.NewError("create embeddings", classify(err))
	}
	if len(response.Data) != len(texts) {
		return nil, helper.NewError("create embeddings", fmt.Errorf("%w: expected %d embeddings, got %d", helper.ErrTransient, len(texts), len(response.Data)))
	}

	data := response.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	embeddings := make([][]float32, len(data))
	for i, item := range data {
		vector := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vector[j] = float32(v)
		}
		embeddings[i] = vector
	}
	return embeddings, nil
}

// Embedder returns Embed as a pipeline.BatchEmbedFunc
func (o *OpenAI) Embedder() pipeline.BatchEmbedFunc {
	return o.Embed
}

// classify marks rate limits, server errors and timeouts as transient
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %w", helper.ErrTransient, err)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", helper.ErrTransient, err)
	}
	return err
}
