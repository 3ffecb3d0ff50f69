package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sibylgw/sibyl/internal/httpkit"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Client is the interface consumed by the orchestration loop.
type Client interface {
	// ChatStream sends a streaming chat request. If callback is
	// non-nil, each delta is forwarded to it as it arrives. The
	// returned response carries the fully assembled message.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the endpoint is reachable.
	Ping(ctx context.Context) error
}

// OpenAIClient speaks the OpenAI-compatible chat completions API
// (vLLM, llama.cpp, LM Studio, Ollama's /v1 facade, and the real
// thing all accept this dialect).
type OpenAIClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NormalizeBaseURL strips a trailing slash and appends /v1 when the
// path does not already end in a version segment, so both
// "http://host:8000" and "http://host:8000/v1/" work in config.
func NormalizeBaseURL(raw string) string {
	u := strings.TrimRight(raw, "/")
	if !strings.HasSuffix(u, "/v1") {
		u += "/v1"
	}
	return u
}

// NewOpenAIClient builds a client for the given endpoint. headerTimeout
// bounds the wait for response headers; the stream body itself is only
// bounded by ctx.
func NewOpenAIClient(baseURL, apiKey string, headerTimeout time.Duration, logger *slog.Logger) *OpenAIClient {
	transport := httpkit.NewTransport()
	transport.ResponseHeaderTimeout = headerTimeout
	return &OpenAIClient{
		baseURL: NormalizeBaseURL(baseURL),
		apiKey:  apiKey,
		http:    httpkit.NewClient(httpkit.WithTransport(transport), httpkit.WithTimeout(0)),
		logger:  logger,
	}
}

type chatRequest struct {
	Model      string           `json:"model"`
	Messages   []Message        `json:"messages"`
	Stream     bool             `json:"stream"`
	Tools      []map[string]any `json:"tools,omitempty"`
	ToolChoice string           `json:"tool_choice,omitempty"`
	StreamOpts *streamOptions   `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta        Delta  `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// ChatStream implements Client.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	req := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		StreamOpts: &streamOptions{
			IncludeUsage: true,
		},
	}
	if len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = "auto"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "chat request", "body", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(c.baseURL, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024*1024)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       httpkit.ReadErrorBody(resp.Body, 4096),
		}
	}

	acc := NewAccumulator()
	out := &ChatResponse{Model: model}

	reader := bufio.NewReaderSize(resp.Body, 64*1024)
	for {
		line, skipped, err := readEventLine(reader, maxEventBytes)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, classifyTransportError(c.baseURL, err)
		}
		if skipped {
			c.logger.Warn("skipping oversized stream event", "limit_bytes", maxEventBytes)
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream event", "error", err)
			continue
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Usage != nil {
			out.Usage = *chunk.Usage
		}
		for _, choice := range chunk.Choices {
			acc.Add(choice.Delta)
			if callback != nil {
				callback(choice.Delta)
			}
		}
	}

	out.Message = acc.Message()
	return out, nil
}

// maxEventBytes caps a single SSE line. Lines beyond it are consumed
// and skipped so one oversized event cannot abort the stream.
const maxEventBytes = 1024 * 1024

// readEventLine returns the next line without its trailing newline.
// skipped reports that the line exceeded limit and was discarded.
// io.EOF is returned once the stream is exhausted.
func readEventLine(r *bufio.Reader, limit int) (line string, skipped bool, err error) {
	var buf []byte
	overflow := false
	for {
		frag, err := r.ReadSlice('\n')
		if !overflow {
			buf = append(buf, frag...)
			if len(buf) > limit {
				overflow = true
				buf = nil
			}
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && (len(buf) > 0 || overflow) {
			// Final line without a trailing newline.
			break
		}
		return "", false, err
	}
	if overflow {
		return "", true, nil
	}
	return strings.TrimRight(string(buf), "\r\n"), false, nil
}

// Ping implements Client. It hits the models listing, which every
// OpenAI-compatible server exposes.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(c.baseURL, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return nil
}
