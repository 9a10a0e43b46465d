package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"roomchat/pkg/domain"
)

// OpenAICompatCompleter calls any OpenAI-compatible /v1/chat/completions
// endpoint. Works with Deepseek, vLLM, LiteLLM, OpenRouter, self-hosted
// models, etc.
type OpenAICompatCompleter struct {
	baseURL    string
	apiKey     string
	params     Params
	timeout    time.Duration
	httpClient *http.Client
}

// NewOpenAICompatCompleter builds an OpenAI-compatible Completer.
// baseURL should include the /v1 prefix, e.g. "https://api.deepseek.com/v1".
func NewOpenAICompatCompleter(baseURL, apiKey string, params Params, timeout time.Duration) *OpenAICompatCompleter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAICompatCompleter{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		params:  params,
		timeout: timeout,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Complete implements Completer using the chat completions API.
func (c *OpenAICompatCompleter) Complete(ctx context.Context, messages []domain.Message) (string, error) {
	if c.params.Model == "" {
		return "", fmt.Errorf("completion model required")
	}
	msgs := make([]oaiMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, oaiMessage{Role: string(m.Role), Content: m.Content})
	}

	reqBody := oaiChatRequest{
		Model:            c.params.Model,
		Messages:         msgs,
		MaxTokens:        c.params.MaxTokens,
		FrequencyPenalty: c.params.FrequencyPenalty,
		PresencePenalty:  c.params.PresencePenalty,
		Temperature:      c.params.Temperature,
		TopP:             c.params.TopP,
		Stream:           false,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return "", ErrUnauthorized
		case http.StatusTooManyRequests:
			return "", ErrRateLimited
		}
		return "", &StatusError{Code: resp.StatusCode, Message: errResp.Error.Message}
	}

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("completion decode: %w", err)
	}
	if len(chatResp.Choices) == 0 || strings.TrimSpace(chatResp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return chatResp.Choices[0].Message.Content, nil
}

// OpenAI-compatible request/response types.

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiChatRequest struct {
	Model            string       `json:"model"`
	Messages         []oaiMessage `json:"messages"`
	MaxTokens        int          `json:"max_tokens"`
	FrequencyPenalty float64      `json:"frequency_penalty"`
	PresencePenalty  float64      `json:"presence_penalty"`
	Temperature      float64      `json:"temperature"`
	TopP             float64      `json:"top_p"`
	Stream           bool         `json:"stream"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
