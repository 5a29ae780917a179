package llm

import (
	"context"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

// OpenAIConfig configures the OpenAI-compatible backend.
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	FullModel  string // model used for VariantFull
	LightModel string // model used for VariantLight
	MaxTokens  int
}

// OpenAIBackend streams chat completions from any OpenAI-compatible endpoint.
type OpenAIBackend struct {
	client openai.Client
	cfg    OpenAIConfig
	logger *zap.Logger
}

// NewOpenAIBackend creates a backend against cfg.BaseURL (or the public API
// when empty).
func NewOpenAIBackend(cfg OpenAIConfig, logger *zap.Logger) *OpenAIBackend {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.FullModel == "" {
		cfg.FullModel = "gpt-4o"
	}
	if cfg.LightModel == "" {
		cfg.LightModel = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIBackend{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		logger: logger,
	}
}

func (b *OpenAIBackend) model(v Variant) string {
	if v == VariantLight {
		return b.cfg.LightModel
	}
	return b.cfg.FullModel
}

// Send opens a streaming chat completion and adapts it to a Stream. The
// returned stream's Cancel aborts the underlying HTTP stream.
func (b *OpenAIBackend) Send(ctx context.Context, req Request) (Stream, error) {
	callCtx, cancel := context.WithCancel(ctx)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.cfg.MaxTokens
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	sse := b.client.Chat.Completions.NewStreaming(callCtx, openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(b.model(req.Variant)),
		Messages:  messages,
		MaxTokens: openai.Int(int64(maxTokens)),
	})

	st := newChunkStream(64, cancel)
	go func() {
		defer close(st.ch)
		defer sse.Close()
		for sse.Next() {
			part := sse.Current()
			if len(part.Choices) == 0 || part.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case st.ch <- Chunk{Text: part.Choices[0].Delta.Content, At: time.Now()}:
			case <-callCtx.Done():
				st.setErr(callCtx.Err())
				return
			}
		}
		if err := sse.Err(); err != nil {
			if callCtx.Err() != nil {
				st.setErr(callCtx.Err())
			} else {
				b.logger.Warn("backend stream error",
					zap.String("model", b.model(req.Variant)),
					zap.Error(err))
				st.setErr(err)
			}
		}
	}()

	return st, nil
}
