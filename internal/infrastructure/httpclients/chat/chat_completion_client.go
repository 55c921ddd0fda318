package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"pal-server/router-api/internal/infrastructure/logger"

	"github.com/sashabaranov/go-openai"
	"resty.dev/v3"
)

const (
	channelBufferSize    = 100
	errorBufferSize      = 10
	dataPrefix           = "data:"
	commentPrefix        = ":"
	doneMarker           = "[DONE]"
	scannerInitialBuffer = 12 * 1024        // 12KB
	scannerMaxBuffer     = 10 * 1024 * 1024 // 10MB
)

// ErrStreamStalled reports that no protocol-level activity (data frame or
// keep-alive comment) arrived within the first-activity window. Once any
// activity is observed the watchdog disengages for the rest of the call.
var ErrStreamStalled = errors.New("stream stalled before first activity")

// StatusError preserves the HTTP status of a failed request so callers can
// classify retryability.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("request failed (status=%d)", e.Code)
	}
	return fmt.Sprintf("request failed (status=%d): %s", e.Code, e.Body)
}

type StreamOption func(*resty.Request)

func WithHeader(key, value string) StreamOption {
	return func(r *resty.Request) {
		if strings.TrimSpace(key) == "" {
			return
		}
		r.SetHeader(key, value)
	}
}

// ChatCompletionClient talks to one OpenAI-compatible /chat/completions
// endpoint. It is not safe for concurrent use of a single instance; callers
// serialize through the owning adapter's lock.
type ChatCompletionClient struct {
	client  *resty.Client
	baseURL string
	name    string
}

func NewChatCompletionClient(client *resty.Client, name, baseURL string) *ChatCompletionClient {
	return &ChatCompletionClient{
		client:  client,
		baseURL: normalizeBaseURL(baseURL),
		name:    name,
	}
}

// CreateChatCompletion executes a non-streaming completion call.
func (c *ChatCompletionClient) CreateChatCompletion(ctx context.Context, apiKey string, request openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	var respBody openai.ChatCompletionResponse
	resp, err := c.prepareRequest(ctx, apiKey).
		SetBody(request).
		SetResult(&respBody).
		Post(c.endpoint("/chat/completions"))
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, c.errorFromResponse(resp)
	}
	return &respBody, nil
}

// StreamChatCompletion executes a streaming completion call guarded by the
// first-activity watchdog and aggregates the deltas into a complete
// response. A keep-alive comment line counts as activity; after the first
// activity the call runs to completion regardless of duration.
func (c *ChatCompletionClient) StreamChatCompletion(ctx context.Context, apiKey string, request openai.ChatCompletionRequest, firstActivityWindow time.Duration, opts ...StreamOption) (*openai.ChatCompletionResponse, error) {
	request.Stream = true
	request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dataChan := make(chan string, channelBufferSize)
	errChan := make(chan error, errorBufferSize)

	var wg sync.WaitGroup
	wg.Add(1)
	go c.streamResponseToChannel(streamCtx, apiKey, request, dataChan, errChan, &wg, opts)
	defer wg.Wait()

	var contentBuilder strings.Builder
	var usage *openai.Usage
	finishReason := openai.FinishReasonStop
	responseID := ""
	responseModel := request.Model
	var created int64

	activitySeen := false
	deadline := time.NewTimer(firstActivityWindow)
	defer deadline.Stop()

	for {
		var watchdog <-chan time.Time
		if !activitySeen {
			watchdog = deadline.C
		}

		select {
		case line, ok := <-dataChan:
			if !ok {
				if !activitySeen {
					cancel()
					return nil, fmt.Errorf("%w: stream ended after %s", ErrStreamStalled, firstActivityWindow)
				}
				return c.buildCompleteResponse(contentBuilder.String(), usage, finishReason, responseID, responseModel, created, request), nil
			}

			stripped := strings.TrimSpace(line)
			if stripped == "" {
				continue
			}

			// Keep-alive comments disengage the watchdog but carry no data.
			if strings.HasPrefix(stripped, commentPrefix) {
				activitySeen = true
				continue
			}

			data, found := strings.CutPrefix(stripped, dataPrefix)
			if !found {
				continue
			}
			activitySeen = true
			data = strings.TrimSpace(data)

			if data == doneMarker {
				cancel()
				return c.buildCompleteResponse(contentBuilder.String(), usage, finishReason, responseID, responseModel, created, request), nil
			}

			chunk, err := c.parseStreamChunk(data)
			if err != nil {
				cancel()
				return nil, err
			}
			if chunk == nil {
				continue
			}
			if chunk.ID != "" {
				responseID = chunk.ID
			}
			if chunk.Model != "" {
				responseModel = chunk.Model
			}
			if chunk.Created != 0 {
				created = chunk.Created
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					contentBuilder.WriteString(choice.Delta.Content)
				}
				if choice.FinishReason != "" {
					finishReason = openai.FinishReason(choice.FinishReason)
				}
			}

		case err, ok := <-errChan:
			if ok && err != nil {
				cancel()
				return nil, err
			}

		case <-watchdog:
			// Cancelling the stream context closes the response body,
			// actually aborting the live connection.
			cancel()
			return nil, fmt.Errorf("%w: no activity within %s", ErrStreamStalled, firstActivityWindow)

		case <-ctx.Done():
			cancel()
			return nil, ctx.Err()
		}
	}
}

type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Error   any    `json:"error"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openai.Usage `json:"usage"`
}

func (c *ChatCompletionClient) parseStreamChunk(data string) (*streamChunk, error) {
	var chunk streamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		log := logger.GetLogger()
		log.Error().Err(err).Str("client", c.name).Str("data", data).Msg("failed to parse stream chunk JSON")
		return nil, fmt.Errorf("stream sent invalid JSON chunk: %w", err)
	}
	if chunk.Error != nil {
		return nil, fmt.Errorf("stream error payload: %v", chunk.Error)
	}
	return &chunk, nil
}

func (c *ChatCompletionClient) buildCompleteResponse(content string, usage *openai.Usage, finishReason openai.FinishReason, id, model string, created int64, request openai.ChatCompletionRequest) *openai.ChatCompletionResponse {
	resolvedUsage := openai.Usage{}
	if usage != nil {
		resolvedUsage = *usage
	} else {
		promptTokens := estimateMessageTokens(request.Messages)
		completionTokens := len(strings.Fields(content))
		resolvedUsage = openai.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		}
	}

	if created == 0 {
		created = time.Now().Unix()
	}

	return &openai.ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content,
				},
				FinishReason: finishReason,
			},
		},
		Usage: resolvedUsage,
	}
}

func (c *ChatCompletionClient) prepareRequest(ctx context.Context, apiKey string) *resty.Request {
	req := c.client.R().SetContext(ctx)
	req.SetHeader("Content-Type", "application/json")
	if strings.TrimSpace(apiKey) != "" {
		req.SetHeader("Authorization", fmt.Sprintf("Bearer %s", apiKey))
	}
	return req
}

func (c *ChatCompletionClient) doStreamingRequest(ctx context.Context, apiKey string, request openai.ChatCompletionRequest, opts ...StreamOption) (*resty.Response, error) {
	req := c.prepareRequest(ctx, apiKey).
		SetBody(request).
		SetDoNotParseResponse(true)

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(req)
	}

	if req.Header.Get("Accept-Encoding") == "" {
		req.SetHeader("Accept-Encoding", "identity")
	}
	if req.Header.Get("Accept") == "" {
		req.SetHeader("Accept", "text/event-stream")
	}

	resp, err := req.Post(c.endpoint("/chat/completions"))
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, c.errorFromResponse(resp)
	}
	if resp.RawResponse == nil || resp.RawResponse.Body == nil {
		return nil, &StatusError{Code: resp.StatusCode(), Body: "empty response body"}
	}
	return resp, nil
}

func (c *ChatCompletionClient) streamResponseToChannel(ctx context.Context, apiKey string, request openai.ChatCompletionRequest, dataChan chan<- string, errChan chan<- error, wg *sync.WaitGroup, opts []StreamOption) {
	defer wg.Done()
	defer close(dataChan)

	resp, err := c.doStreamingRequest(ctx, apiKey, request, opts...)
	if err != nil {
		c.sendAsyncError(errChan, err)
		return
	}

	defer func() {
		if closeErr := resp.RawResponse.Body.Close(); closeErr != nil {
			log := logger.GetLogger()
			log.Error().Err(closeErr).Str("client", c.name).Msg("unable to close response body")
		}
	}()

	scanner := bufio.NewScanner(resp.RawResponse.Body)
	scanner.Buffer(make([]byte, 0, scannerInitialBuffer), scannerMaxBuffer)

	for scanner.Scan() {
		select {
		case dataChan <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.sendAsyncError(errChan, err)
	}
}

func (c *ChatCompletionClient) errorFromResponse(resp *resty.Response) error {
	if resp == nil {
		return &StatusError{Code: 0}
	}
	body := ""
	if resp.RawResponse != nil && resp.RawResponse.Body != nil {
		defer resp.RawResponse.Body.Close()
		if raw, err := io.ReadAll(resp.RawResponse.Body); err == nil {
			body = strings.TrimSpace(string(raw))
		}
	}
	if body == "" {
		body = strings.TrimSpace(resp.String())
	}
	if len(body) > 2000 {
		body = body[:2000]
	}
	return &StatusError{Code: resp.StatusCode(), Body: body}
}

func (c *ChatCompletionClient) sendAsyncError(errChan chan<- error, err error) {
	if err == nil {
		return
	}
	select {
	case errChan <- err:
	default:
	}
}

func (c *ChatCompletionClient) endpoint(path string) string {
	if path == "" {
		return c.baseURL
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if c.baseURL == "" {
		return path
	}
	if strings.HasPrefix(path, "/") {
		return c.baseURL + path
	}
	return c.baseURL + "/" + path
}

func (c *ChatCompletionClient) BaseURL() string {
	return c.baseURL
}

func estimateMessageTokens(messages []openai.ChatCompletionMessage) int {
	var allText strings.Builder
	for _, msg := range messages {
		allText.WriteString(msg.Content)
		allText.WriteString(" ")
	}
	return len(strings.Fields(allText.String()))
}

func normalizeBaseURL(base string) string {
	trimmed := strings.TrimSpace(base)
	trimmed = strings.TrimRight(trimmed, "/")
	return trimmed
}
