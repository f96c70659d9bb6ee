package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBackendBase  = "https://api.openai.com/v1"
	defaultBackendModel = "gpt-4o-mini"
	defaultTimeout      = 30 * time.Second
)

// BackendConfig configures the OpenAI-compatible backend.
type BackendConfig struct {
	// APIKey is the bearer token for the API. May be empty for local
	// endpoints (Ollama) that do not authenticate.
	APIKey string

	// BaseURL overrides the API endpoint. Useful for local models (Ollama's
	// OpenAI-compatible endpoint), Azure OpenAI, or any compatible server.
	// Defaults to https://api.openai.com/v1 when empty.
	BaseURL string

	// Model is the chat model to use. Defaults to gpt-4o-mini when empty —
	// command translation does not need a frontier model.
	Model string

	// Timeout is the HTTP request timeout. Defaults to 30s. A hung network
	// call must never stall the input loop longer than this.
	Timeout time.Duration
}

// openAIBackend implements Backend using an OpenAI-compatible chat
// completions API with JSON-mode output, so the reply is guaranteed to be a
// single JSON object.
type openAIBackend struct {
	cfg    BackendConfig
	client *http.Client
}

// NewOpenAIBackend returns a Backend speaking the OpenAI chat completions
// protocol. The returned backend is safe for concurrent use.
func NewOpenAIBackend(cfg BackendConfig) Backend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBackendBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultBackendModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &openAIBackend{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- minimal chat-completions wire types ---

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat *chatFormat   `json:"response_format,omitempty"`
}

type chatFormat struct {
	Type string `json:"type"` // "json_object"
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// systemPromptTmpl is the instruction set sent as the "system" message. One
// printf verb is substituted at call time: the JSON command catalogue.
const systemPromptTmpl = `You are the intent resolver of a desktop assistant that controls a personal computer.

Your only job is to translate the user's message into a structured JSON response.
You NEVER perform actions yourself — you only propose a command.

Available commands (JSON catalogue):
%s

RULES (strict — do not deviate):
1. Respond ONLY with valid JSON. No markdown, no code fences, no text outside JSON.
2. Pick "command" from the catalogue above; never invent a command name.
3. Fill "parameters" using only the parameter names the catalogue declares for
   that command, with values of the declared types.
4. Set "confidence" between 0.0 and 1.0 to reflect how certain you are.
5. If you are unsure which command the user means, pick your best guess with a
   low confidence and put a short clarifying question in "say".

JSON schema for your response:
{
  "command":    "<command name from the catalogue>",
  "parameters": {"<name>": <value>, ...},
  "confidence": 0.0-1.0,
  "say":        "<optional short reply or clarifying question>"
}
`

// Resolve sends the utterance plus the command catalogue to the model and
// returns the schema-validated Response.
func (b *openAIBackend) Resolve(ctx context.Context, req Request) (*Response, error) {
	catalogue, err := json.MarshalIndent(req.Commands, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("resolver: marshal catalogue: %w", err)
	}

	messages := []chatMessage{
		{Role: "system", Content: fmt.Sprintf(systemPromptTmpl, catalogue)},
	}
	for _, turn := range req.History {
		messages = append(messages, chatMessage{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Utterance})

	body := chatRequest{
		Model:          b.cfg.Model,
		Messages:       messages,
		MaxTokens:      256,
		ResponseFormat: &chatFormat{Type: "json_object"},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("resolver: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(b.cfg.BaseURL, "/")+"/chat/completions",
		bytes.NewReader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("resolver: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %v", ErrBackendUnavailable, err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: HTTP %d", ErrBackendUnavailable, resp.StatusCode)
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, fmt.Errorf("%w: decode API response: %v", ErrMalformedIntent, err)
	}

	if chat.Error != nil {
		return nil, fmt.Errorf("resolver: API error (%s): %s", chat.Error.Type, chat.Error.Message)
	}

	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned (HTTP %d)", ErrMalformedIntent, resp.StatusCode)
	}

	return decodeResponse([]byte(chat.Choices[0].Message.Content))
}
