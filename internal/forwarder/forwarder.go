// Package forwarder implements the Forwarder of spec section 4.6: given a
// chosen candidate and a normalized request, it executes exactly one
// attempt in that candidate's native protocol (relay back-channel, OpenAI
// HTTP, or pipeline HTTP) and streams chunks upward as they arrive. It
// mirrors the teacher's pkg/agent.Client in shape — one thin method per
// remote endpoint, each building a request, sending it, and decoding the
// response into the package's own types — generalized from a single
// master endpoint to three different node protocols.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/arcrelay/inferd/internal/models"
	"github.com/arcrelay/inferd/internal/relay"
	"github.com/arcrelay/inferd/internal/selector"
)

// RelayDispatcher is the subset of *relay.Hub's API the Forwarder needs to
// dispatch into the worker back-channel.
type RelayDispatcher interface {
	SendRequest(ctx context.Context, address string, req relay.UnaryRequest) (string, error)
	SendStreamRequest(ctx context.Context, address string, req relay.UnaryRequest) (<-chan string, func() error, error)
}

// TypeSetter is the subset of *registry.Registry's API the Forwarder needs
// to reclassify an "unknown" node once its protocol is learned.
type TypeSetter interface {
	SetType(url string, t models.NodeType)
}

// Forwarder executes one dispatch attempt against one candidate.
type Forwarder struct {
	httpClient     *http.Client
	relay          RelayDispatcher
	types          TypeSetter
	attemptTimeout time.Duration
}

// New builds a Forwarder. attemptTimeout is the per-attempt deadline of
// spec section 4.6 (default 120 seconds), applied to both unary and
// streaming dispatches.
func New(rd RelayDispatcher, types TypeSetter, attemptTimeout time.Duration) *Forwarder {
	return &Forwarder{
		httpClient:     &http.Client{Timeout: attemptTimeout},
		relay:          rd,
		types:          types,
		attemptTimeout: attemptTimeout,
	}
}

func toRelayRequest(req models.CompletionRequest) relay.UnaryRequest {
	rr := relay.UnaryRequest{
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	for _, m := range req.Messages {
		rr.Messages = append(rr.Messages, relay.ChatTurn{Role: m.Role, Content: m.Content})
	}
	return rr
}

// Dispatch executes one non-streaming attempt against candidate.
func (f *Forwarder) Dispatch(ctx context.Context, c selector.Candidate, req models.CompletionRequest) (models.CompletionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.attemptTimeout)
	defer cancel()

	start := time.Now()

	if c.URL == "" {
		content, err := f.relay.SendRequest(ctx, c.WalletAddress, toRelayRequest(req))
		if err != nil {
			return models.CompletionResult{}, err
		}
		return models.CompletionResult{
			Content:       stripChannelTokens(content),
			WalletAddress: c.WalletAddress,
			LatencyMillis: time.Since(start).Milliseconds(),
		}, nil
	}

	switch c.NodeType {
	case models.NodeTypePipeline:
		res, err := f.dispatchPipeline(ctx, c, req)
		res.LatencyMillis = time.Since(start).Milliseconds()
		return res, err
	default: // openai or unknown (unknown tries openai first, per spec 4.6)
		res, err := f.dispatchOpenAI(ctx, c, req)
		if isNotFound(err) && c.NodeType == models.NodeTypeUnknown {
			f.types.SetType(c.URL, models.NodeTypePipeline)
			c.NodeType = models.NodeTypePipeline
			res, err = f.dispatchPipeline(ctx, c, req)
		}
		if err == nil && c.NodeType == models.NodeTypeUnknown {
			f.types.SetType(c.URL, models.NodeTypeOpenAI)
		}
		res.LatencyMillis = time.Since(start).Milliseconds()
		return res, err
	}
}

// DispatchStream executes one streaming attempt against candidate,
// returning a channel of content chunks and a function that blocks until
// the stream ends, returning its terminal error (nil on clean completion).
func (f *Forwarder) DispatchStream(parentCtx context.Context, c selector.Candidate, req models.CompletionRequest) (<-chan models.Chunk, func() error, error) {
	ctx, cancel := context.WithTimeout(parentCtx, f.attemptTimeout)

	if c.URL == "" {
		raw, wait, err := f.relay.SendStreamRequest(ctx, c.WalletAddress, toRelayRequest(req))
		if err != nil {
			cancel()
			return nil, nil, err
		}
		out := make(chan models.Chunk, 16)
		go func() {
			defer close(out)
			for frag := range raw {
				out <- models.Chunk{Content: stripChannelTokens(frag)}
			}
		}()
		return out, func() error { defer cancel(); return wait() }, nil
	}

	switch c.NodeType {
	case models.NodeTypePipeline:
		return f.streamPipeline(ctx, cancel, c, req)
	default:
		out, wait, err := f.streamOpenAI(ctx, cancel, c, req)
		if isNotFound(err) && c.NodeType == models.NodeTypeUnknown {
			f.types.SetType(c.URL, models.NodeTypePipeline)
			c.NodeType = models.NodeTypePipeline
			// streamOpenAI already canceled ctx on its 404 return, so the
			// pipeline retry needs its own fresh deadline derived from the
			// caller's context rather than reusing one that would fail
			// every request immediately.
			retryCtx, retryCancel := context.WithTimeout(parentCtx, f.attemptTimeout)
			return f.streamPipeline(retryCtx, retryCancel, c, req)
		}
		if err == nil && c.NodeType == models.NodeTypeUnknown {
			f.types.SetType(c.URL, models.NodeTypeOpenAI)
		}
		return out, wait, err
	}
}

type notFoundError struct{ status int }

func (e *notFoundError) Error() string { return fmt.Sprintf("node returned status %d", e.status) }

func isNotFound(err error) bool {
	nf, ok := err.(*notFoundError)
	return ok && nf.status == http.StatusNotFound
}

// --- OpenAI-compatible HTTP path ---

type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature float64             `json:"temperature,omitempty"`
	TopP        float64             `json:"top_p,omitempty"`
	Stream      bool                `json:"stream"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (f *Forwarder) dispatchOpenAI(ctx context.Context, c selector.Candidate, req models.CompletionRequest) (models.CompletionResult, error) {
	body := openAIChatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	resp, err := f.postJSON(ctx, c.URL+"/v1/chat/completions", body)
	if err != nil {
		return models.CompletionResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return models.CompletionResult{}, &notFoundError{status: resp.StatusCode}
	}
	if resp.StatusCode >= 300 {
		return models.CompletionResult{}, fmt.Errorf("openai node %s returned status %d", c.URL, resp.StatusCode)
	}

	var parsed openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return models.CompletionResult{}, fmt.Errorf("decoding openai response from %s: %w", c.URL, err)
	}
	content := ""
	if len(parsed.Choices) > 0 {
		content = parsed.Choices[0].Message.Content
	}
	return models.CompletionResult{
		Content:          stripChannelTokens(content),
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		NodeURL:          c.URL,
	}, nil
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (f *Forwarder) streamOpenAI(ctx context.Context, cancel context.CancelFunc, c selector.Candidate, req models.CompletionRequest) (<-chan models.Chunk, func() error, error) {
	body := openAIChatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      true,
	}
	resp, err := f.postJSON(ctx, c.URL+"/v1/chat/completions", body)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		cancel()
		return nil, nil, &notFoundError{status: resp.StatusCode}
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, nil, fmt.Errorf("openai node %s returned status %d", c.URL, resp.StatusCode)
	}

	out := make(chan models.Chunk, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		err := sseDataLines(resp.Body, func(data string) bool {
			if data == "[DONE]" {
				return false
			}
			var frame openAIStreamChunk
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				return true
			}
			if len(frame.Choices) > 0 && frame.Choices[0].Delta.Content != "" {
				out <- models.Chunk{Content: stripChannelTokens(frame.Choices[0].Delta.Content)}
			}
			return true
		})
		errCh <- err
	}()

	wait := func() error {
		defer cancel()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return out, wait, nil
}

// --- Pipeline HTTP path ---

type pipelineGenerateRequest struct {
	Inputs     string                 `json:"inputs"`
	Parameters map[string]interface{} `json:"parameters"`
	Stream     bool                   `json:"stream,omitempty"`
}

type pipelineGenerateResponse struct {
	GeneratedText string `json:"generated_text"`
	NumTokens     int    `json:"num_tokens"`
}

func pipelineParameters(req models.CompletionRequest) map[string]interface{} {
	return map[string]interface{}{
		"max_new_tokens": req.MaxTokens,
		"temperature":    req.Temperature,
		"top_p":          req.TopP,
	}
}

func pipelineInputs(req models.CompletionRequest) string {
	if req.Prompt != "" {
		return req.Prompt
	}
	var b bytes.Buffer
	for _, m := range req.Messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

func (f *Forwarder) dispatchPipeline(ctx context.Context, c selector.Candidate, req models.CompletionRequest) (models.CompletionResult, error) {
	body := pipelineGenerateRequest{Inputs: pipelineInputs(req), Parameters: pipelineParameters(req)}
	resp, err := f.postJSON(ctx, c.URL+"/api/v1/generate", body)
	if err != nil {
		return models.CompletionResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return models.CompletionResult{}, &notFoundError{status: resp.StatusCode}
	}
	if resp.StatusCode >= 300 {
		return models.CompletionResult{}, fmt.Errorf("pipeline node %s returned status %d", c.URL, resp.StatusCode)
	}

	var parsed pipelineGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return models.CompletionResult{}, fmt.Errorf("decoding pipeline response from %s: %w", c.URL, err)
	}
	return models.CompletionResult{
		Content:          stripChannelTokens(parsed.GeneratedText),
		CompletionTokens: parsed.NumTokens,
		NodeURL:          c.URL,
	}, nil
}

type pipelineStreamFrame struct {
	Token string `json:"token"`
	Error string `json:"error"`
}

func (f *Forwarder) streamPipeline(ctx context.Context, cancel context.CancelFunc, c selector.Candidate, req models.CompletionRequest) (<-chan models.Chunk, func() error, error) {
	body := pipelineGenerateRequest{Inputs: pipelineInputs(req), Parameters: pipelineParameters(req), Stream: true}
	resp, err := f.postJSON(ctx, c.URL+"/api/v1/generate", body)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		cancel()
		return nil, nil, &notFoundError{status: resp.StatusCode}
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, nil, fmt.Errorf("pipeline node %s returned status %d", c.URL, resp.StatusCode)
	}

	out := make(chan models.Chunk, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		var streamErr error
		err := sseDataLines(resp.Body, func(data string) bool {
			var frame pipelineStreamFrame
			if jsonErr := json.Unmarshal([]byte(data), &frame); jsonErr != nil {
				// spec 4.6: "on parse failure, yield the raw data as a
				// fallback" — the node may be emitting bare text tokens.
				out <- models.Chunk{Content: stripChannelTokens(data)}
				return true
			}
			if frame.Error != "" {
				streamErr = fmt.Errorf("pipeline node %s: %s", c.URL, frame.Error)
				return false
			}
			if frame.Token != "" {
				out <- models.Chunk{Content: stripChannelTokens(frame.Token)}
			}
			return true
		})
		if err == nil {
			err = streamErr
		}
		errCh <- err
	}()

	wait := func() error {
		defer cancel()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return out, wait, nil
}

func (f *Forwarder) postJSON(ctx context.Context, url string, body interface{}) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request for %s: %w", url, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/json")
	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", url, err)
	}
	return resp, nil
}
