package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"vessel/internal/logging"
)

const (
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 8192

	// minRequestGap spaces requests so bursty tool loops stay under the
	// provider's rate ceiling.
	minRequestGap = 100 * time.Millisecond
)

// AnthropicConfig configures AnthropicClient.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration

	// ToolServers are external tool-server declarations forwarded to
	// the API verbatim. The client never parses them.
	ToolServers []json.RawMessage
}

// DefaultAnthropicConfig returns sensible defaults.
func DefaultAnthropicConfig(apiKey string) AnthropicConfig {
	return AnthropicConfig{
		APIKey:    apiKey,
		BaseURL:   "https://api.anthropic.com/v1",
		Model:     "claude-sonnet-4-5-20250514",
		MaxTokens: defaultMaxTokens,
		Timeout:   10 * time.Minute,
	}
}

// AnthropicClient implements Client against the messages API.
type AnthropicClient struct {
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	toolServers []json.RawMessage
	httpClient  *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

// NewAnthropicClient creates a client with custom config.
func NewAnthropicClient(config AnthropicConfig) *AnthropicClient {
	if config.BaseURL == "" {
		config.BaseURL = DefaultAnthropicConfig("").BaseURL
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaultMaxTokens
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Minute
	}
	return &AnthropicClient{
		apiKey:      config.APIKey,
		baseURL:     config.BaseURL,
		model:       config.Model,
		maxTokens:   config.MaxTokens,
		toolServers: config.ToolServers,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// SetToolServers replaces the external tool-server declarations sent
// with every Converse call.
func (c *AnthropicClient) SetToolServers(servers []json.RawMessage) { c.toolServers = servers }

// SetModel changes the model used for completions.
func (c *AnthropicClient) SetModel(model string) { c.model = model }

// Model returns the current model.
func (c *AnthropicClient) Model() string { return c.model }

type apiRequest struct {
	Model      string            `json:"model"`
	MaxTokens  int               `json:"max_tokens"`
	System     string            `json:"system,omitempty"`
	Messages   []Message         `json:"messages"`
	Tools      []ToolDefinition  `json:"tools,omitempty"`
	MCPServers []json.RawMessage `json:"mcp_servers,omitempty"`
}

type apiResponse struct {
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends one user prompt and returns the text reply.
func (c *AnthropicClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.Converse(ctx, systemPrompt, []Message{UserText(userPrompt)}, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text()), nil
}

// Converse sends the full conversation plus tool definitions and returns
// the assistant's next turn. Transient failures (429, 5xx, network) are
// retried with exponential backoff.
func (c *AnthropicClient) Converse(ctx context.Context, systemPrompt string, messages []Message, tools []ToolDefinition) (*Response, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("empty conversation")
	}

	// Auto-apply timeout if context has no deadline.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	c.throttle()

	startTime := time.Now()
	logging.APIDebug("converse: model=%s messages=%d tools=%d", c.model, len(messages), len(tools))

	reqBody := apiRequest{
		Model:      c.model,
		MaxTokens:  c.maxTokens,
		System:     systemPrompt,
		Messages:   messages,
		Tools:      tools,
		MCPServers: c.toolServers,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	maxRetries := 3
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, retryable, err := c.doRequest(ctx, jsonData)
		if err == nil {
			logging.API("converse: completed in %v stop_reason=%s in_tokens=%d out_tokens=%d",
				time.Since(startTime), resp.StopReason, resp.Usage.InputTokens, resp.Usage.OutputTokens)
			return resp, nil
		}
		if !retryable {
			logging.APIError("converse: %v", err)
			return nil, err
		}
		lastErr = err
	}

	logging.APIError("converse: max retries exceeded after %v: %v", time.Since(startTime), lastErr)
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *AnthropicClient) doRequest(ctx context.Context, jsonData []byte) (*Response, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	if len(c.toolServers) > 0 {
		req.Header.Set("anthropic-beta", "mcp-client-2025-04-04")
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return nil, true, fmt.Errorf("rate limit exceeded (429)")
	case httpResp.StatusCode >= 500:
		return nil, true, fmt.Errorf("API request failed with status %d: %s", httpResp.StatusCode, string(body))
	case httpResp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("API request failed with status %d: %s", httpResp.StatusCode, string(body))
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return nil, false, fmt.Errorf("API error: %s", parsed.Error.Message)
	}
	if len(parsed.Content) == 0 {
		return nil, false, fmt.Errorf("no completion returned")
	}

	return &Response{
		Content:    parsed.Content,
		StopReason: parsed.StopReason,
		Usage:      parsed.Usage,
	}, false, nil
}

func (c *AnthropicClient) throttle() {
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < minRequestGap {
		time.Sleep(minRequestGap - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()
}

var _ Client = (*AnthropicClient)(nil)
