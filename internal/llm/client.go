// Package llm wraps the OpenAI-compatible chat API behind a small client
// with blocking and streaming completions, tool-call accumulation, and a
// typed error taxonomy.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"
)

// ChatRequest is one completion call. Messages are already in wire order;
// the caller owns system-prompt placement.
type ChatRequest struct {
	Model       string
	Messages    []openai.ChatCompletionMessage
	Tools       []openai.Tool
	Temperature float32
	MaxTokens   int
}

// ChatResult is the assistant turn a completion produced. ToolCalls is
// ordered by provider index; ids are synthesized when the provider omits
// them so downstream result linking always works.
type ChatResult struct {
	Content      string
	ToolCalls    []openai.ToolCall
	FinishReason string
}

// Client talks to one OpenAI-compatible endpoint. Safe for concurrent use.
type Client struct {
	api *openai.Client
}

// New builds a client for the endpoint. An empty apiKey yields a client
// whose calls fail with ErrNotConfigured, so wiring can happen before
// credentials exist.
func New(apiKey, baseURL string) *Client {
	if apiKey == "" {
		return &Client{}
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{api: openai.NewClientWithConfig(cfg)}
}

// Available reports whether the client holds credentials.
func (c *Client) Available() bool { return c.api != nil }

// Chat performs a blocking completion.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if c.api == nil {
		return nil, ErrNotConfigured
	}
	resp, err := c.api.CreateChatCompletion(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return &ChatResult{}, nil
	}
	choice := resp.Choices[0]
	return &ChatResult{
		Content:      choice.Message.Content,
		ToolCalls:    normalizeToolCalls(choice.Message.ToolCalls),
		FinishReason: string(choice.FinishReason),
	}, nil
}

// StreamChat performs a streaming completion, invoking onDelta for every
// text fragment as it arrives. Tool-call fragments are accumulated per
// provider index and returned whole; no partial tool calls reach onDelta.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest, onDelta func(string)) (*ChatResult, error) {
	if c.api == nil {
		return nil, ErrNotConfigured
	}
	stream, err := c.api.CreateChatCompletionStream(ctx, c.buildRequest(req, true))
	if err != nil {
		return nil, classify(err)
	}
	defer stream.Close()

	var content string
	var finish string
	pending := make(map[int]*openai.ToolCall)

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classify(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
		delta := choice.Delta
		if delta.Content != "" {
			content += delta.Content
			if onDelta != nil {
				onDelta(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			acc := pending[index]
			if acc == nil {
				acc = &openai.ToolCall{Type: openai.ToolTypeFunction}
				pending[index] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Function.Name += tc.Function.Name
			}
			acc.Function.Arguments += tc.Function.Arguments
		}
	}

	indexes := make([]int, 0, len(pending))
	for i := range pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]openai.ToolCall, 0, len(pending))
	for _, i := range indexes {
		tc := *pending[i]
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("call_%d", i)
		}
		calls = append(calls, tc)
	}

	return &ChatResult{Content: content, ToolCalls: calls, FinishReason: finish}, nil
}

// GenerateImage creates one image and returns its base64 payload.
func (c *Client) GenerateImage(ctx context.Context, model, prompt, size string) (string, error) {
	if c.api == nil {
		return "", ErrNotConfigured
	}
	if size == "" {
		size = "1024x1024"
	}
	resp, err := c.api.CreateImage(ctx, openai.ImageRequest{
		Model:          model,
		Prompt:         prompt,
		Size:           size,
		N:              1,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Data) == 0 {
		return "", errors.New("llm: image response had no data")
	}
	return resp.Data[0].B64JSON, nil
}

func (c *Client) buildRequest(req ChatRequest, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   stream,
	}
	if len(req.Tools) > 0 {
		out.Tools = req.Tools
	}
	if req.Temperature > 0 {
		out.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	return out
}

// normalizeToolCalls fills in missing ids on a non-streaming response so
// both paths hand the caller the same shape.
func normalizeToolCalls(calls []openai.ToolCall) []openai.ToolCall {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("call_%d", i)
		}
	}
	return calls
}
