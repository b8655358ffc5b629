package grammar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/digkill/GrammarBot/internal/config"
)

const systemPrompt = "You are a grammar checker. Correct any grammatical errors in the text provided and return only the corrected text."

// ErrEmptyCorrection is returned when the service answers without any text.
var ErrEmptyCorrection = errors.New("correction service returned no text")

// ServiceError is a failure reported by the correction service itself, as
// opposed to a transport failure.
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("correction service error (status %d): %s", e.StatusCode, e.Message)
}

// Client corrects text with an OpenAI-compatible chat completion endpoint.
type Client struct {
	client *openai.Client
	model  string
	log    *slog.Logger
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	oc := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		oc.BaseURL = cfg.OpenAIBaseURL
	}
	// Deadlines come from the caller's context.
	oc.HTTPClient = &http.Client{}

	model := cfg.OpenAIModel
	if model == "" {
		model = openai.GPT4
	}
	return &Client{
		client: openai.NewClientWithConfig(oc),
		model:  model,
		log:    log,
	}
}

func (c *Client) Correct(ctx context.Context, text string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: text,
			},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", c.wrapError(err)
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyCorrection
	}
	corrected := strings.TrimSpace(resp.Choices[0].Message.Content)
	if corrected == "" {
		return "", ErrEmptyCorrection
	}
	c.log.Debug("text corrected", "model", c.model, "total_tokens", resp.Usage.TotalTokens)
	return corrected, nil
}

func (c *Client) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ServiceError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		msg := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &ServiceError{StatusCode: reqErr.HTTPStatusCode, Message: msg}
	}
	return fmt.Errorf("correction request: %w", err)
}
