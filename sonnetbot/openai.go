package sonnetbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// CompletionClient defines the methods used from `openai.Client`, to
// enable testing/mocking.
type CompletionClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// OpenAI wraps the completion API client. One outbound request per
// Complete call, no retries, no streaming - failures are returned to the
// caller, which reports them to the invoking channel.
//
// The client can be swapped at runtime when a user supplies a new API
// key via the set_key command. The override is in-memory only and lasts
// for the remainder of the process.
type OpenAI struct {
	client         CompletionClient
	config         *OpenAIConfig
	httpClient     *http.Client
	logger         *slog.Logger
	requestLimiter *rate.Limiter

	// keyOverridden records whether the startup key has been replaced
	keyOverridden bool

	mu sync.RWMutex
}

func newOpenAI(config *OpenAIConfig, httpClient *http.Client) *OpenAI {
	o := &OpenAI{
		config:     config,
		httpClient: httpClient,
	}
	o.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "openai")

	o.client = o.newClient(config.Token)
	o.requestLimiter = rate.NewLimiter(
		rate.Limit(config.MaxRequestsPerSecond),
		1,
	)
	return o
}

func (o *OpenAI) newClient(token string) CompletionClient {
	clientCfg := openai.DefaultConfig(token)
	if o.config.BaseURL != "" {
		clientCfg.BaseURL = o.config.BaseURL
	}
	if o.httpClient != nil {
		clientCfg.HTTPClient = o.httpClient
	}
	return openai.NewClientWithConfig(clientCfg)
}

// SetKeyOverride replaces the API credential for the remainder of the
// process. The startup-configured key is not modified.
func (o *OpenAI) SetKeyOverride(token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.client = o.newClient(token)
	o.keyOverridden = true
	o.logger.Info("completion API key overridden for process lifetime")
}

// KeyOverridden reports whether a set_key override is in effect.
func (o *OpenAI) KeyOverridden() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.keyOverridden
}

func (o *OpenAI) completionClient() CompletionClient {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.client
}

// Complete sends a single completion request with the given system prompt
// and transcript, returning the reply text. The transcript must follow
// the BuildTranscript contract (opens with a user turn).
func (o *OpenAI) Complete(
	ctx context.Context,
	systemPrompt string,
	transcript []openai.ChatCompletionMessage,
	maxTokens int,
) (string, error) {
	if len(transcript) == 0 {
		return "", errors.New("empty transcript")
	}
	if err := o.requestLimiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("completion request canceled: %w", err)
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(transcript)+1)
	if systemPrompt != "" {
		messages = append(
			messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
		)
	}
	messages = append(messages, transcript...)

	req := openai.ChatCompletionRequest{
		Model:     o.config.Model,
		MaxTokens: maxTokens,
		Messages:  messages,
	}

	started := time.Now()
	resp, err := o.completionClient().CreateChatCompletion(ctx, req)
	elapsed := time.Since(started)
	if err != nil {
		o.logger.ErrorContext(
			ctx,
			"completion request failed",
			tint.Err(err),
			"model", o.config.Model,
			"elapsed", elapsed,
		)
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion response contained no choices")
	}
	o.logger.InfoContext(
		ctx,
		"completion finished",
		"model", o.config.Model,
		"elapsed", elapsed,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return resp.Choices[0].Message.Content, nil
}

// CompleteText is a single-turn convenience for title generation and the
// q command: one user message, no transcript.
func (o *OpenAI) CompleteText(
	ctx context.Context,
	systemPrompt string,
	content string,
	maxTokens int,
) (string, error) {
	return o.Complete(
		ctx,
		systemPrompt,
		[]openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: content,
			},
		},
		maxTokens,
	)
}
