package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/brunobiangulo/minutegraph/ratelimit"
)

// ErrCallFailed is the single condition surfaced for any completion or
// embedding failure: transport, status, decoding or a malformed answer.
var ErrCallFailed = errors.New("llm: call failed")

// EmptyPlaceholder replaces blank embedding inputs, which the embedding
// service rejects.
const EmptyPlaceholder = "[empty]"

// Completion is one structured completion call.
type Completion struct {
	System string
	User   string
	// JSON asks for a JSON object. With Schema set the provider is given
	// the schema as a strict json_schema response format.
	JSON       bool
	Schema     json.RawMessage
	SchemaName string
}

// Completer is the completion half of Client.
type Completer interface {
	Complete(ctx context.Context, c Completion) (string, error)
}

// Embedder is the embedding half of Client.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Client sends prompts and returns text. It does not interpret the text.
// Every outbound call is admitted by the governor first.
type Client struct {
	chat     Provider
	embed    Provider
	governor ratelimit.Governor
	dim      int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithEmbedProvider routes embedding calls to a different provider.
func WithEmbedProvider(p Provider) ClientOption {
	return func(c *Client) { c.embed = p }
}

// WithDimension rejects embeddings whose length differs from dim.
func WithDimension(dim int) ClientOption {
	return func(c *Client) { c.dim = dim }
}

// NewClient wraps chat with governor. A nil governor admits every call.
func NewClient(chat Provider, governor ratelimit.Governor, opts ...ClientOption) *Client {
	c := &Client{chat: chat, embed: chat, governor: governor}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) acquire(ctx context.Context) (func(), error) {
	if c.governor == nil {
		return func() {}, nil
	}
	return c.governor.Acquire(ctx)
}

// Complete sends system and user messages and returns the reply text.
func (c *Client) Complete(ctx context.Context, in Completion) (string, error) {
	req := ChatRequest{
		Messages: []Message{
			{Role: "system", Content: in.System},
			{Role: "user", Content: in.User},
		},
	}
	switch {
	case len(in.Schema) > 0:
		name := in.SchemaName
		if name == "" {
			name = "response"
		}
		req.ResponseFormat = &ResponseFormat{
			Type:       FormatJSONSchema,
			JSONSchema: &JSONSchemaFormat{Name: name, Schema: in.Schema, Strict: true},
		}
	case in.JSON:
		req.ResponseFormat = &ResponseFormat{Type: FormatJSONObject}
	}

	release, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	resp, err := c.chat.Chat(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %w", ErrCallFailed, err)
	}
	if resp.FinishReason == "length" {
		return "", fmt.Errorf("%w: response truncated at %d tokens", ErrCallFailed, resp.CompletionTokens)
	}
	return resp.Content, nil
}

// Embed returns one vector per text, in input order. Blank texts are sent
// as EmptyPlaceholder.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	in := make([]string, len(texts))
	for i, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			t = EmptyPlaceholder
		}
		in[i] = t
	}

	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	vecs, err := c.embed.Embed(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrCallFailed, err)
	}
	if len(vecs) != len(in) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrCallFailed, len(vecs), len(in))
	}
	if c.dim > 0 {
		for i, v := range vecs {
			if len(v) != c.dim {
				return nil, fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrCallFailed, i, len(v), c.dim)
			}
		}
	}
	return vecs, nil
}
