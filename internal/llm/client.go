package llm

// Generative model client. One opaque call: Invoke(instruction, out, policy).
//
// Design notes:
// - Providers return raw text; coercion into the caller's expected shape is a
//   separate best-effort step so a loosely-typed model reply (string-encoded
//   JSON, code fences, partial fields) never surfaces as a parse panic.
// - Retries follow the injected retry.Policy with linear backoff; a terminal
//   failure names the last underlying error.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"

	"github.com/forgeworks/scaffold-agent/internal/retry"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"

	defaultMaxOutputTokens = 16384
)

// Invoker is the single contract the pipeline depends on. Tests substitute
// fakes; production uses *Client.
type Invoker interface {
	Invoke(ctx context.Context, instruction string, out any, policy retry.Policy) error
}

type provider interface {
	complete(ctx context.Context, instruction string) (string, error)
}

type Options struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	Logger   *slog.Logger
}

type Client struct {
	log      *slog.Logger
	model    string
	provider provider
}

func New(opts Options) (*Client, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		return nil, errors.New("missing model")
	}
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, errors.New("missing api key")
	}

	var p provider
	switch strings.TrimSpace(strings.ToLower(opts.Provider)) {
	case ProviderAnthropic:
		aopts := []aoption.RequestOption{aoption.WithAPIKey(apiKey)}
		if baseURL := strings.TrimSpace(opts.BaseURL); baseURL != "" {
			aopts = append(aopts, aoption.WithBaseURL(baseURL))
		}
		p = &anthropicProvider{client: anthropic.NewClient(aopts...), model: model}
	case ProviderOpenAI, "":
		oopts := []ooption.RequestOption{ooption.WithAPIKey(apiKey)}
		if baseURL := strings.TrimSpace(opts.BaseURL); baseURL != "" {
			oopts = append(oopts, ooption.WithBaseURL(baseURL))
		}
		p = &openAIProvider{client: openai.NewClient(oopts...), model: model}
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", opts.Provider)
	}

	return &Client{log: log, model: model, provider: p}, nil
}

// Invoke issues one generation call and coerces the reply into out.
// A reply that fails coercion counts as a failed attempt and is retried
// within the policy budget; after exhaustion the last error is returned.
func (c *Client) Invoke(ctx context.Context, instruction string, out any, policy retry.Policy) error {
	if c == nil || c.provider == nil {
		return errors.New("llm client not configured")
	}
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return errors.New("empty instruction")
	}

	err := policy.Do(ctx, func(ctx context.Context) error {
		raw, err := c.provider.complete(ctx, instruction)
		if err != nil {
			c.log.Warn("llm call failed", "component", "llm", "model", c.model, "error", err)
			return err
		}
		if err := Coerce(raw, out); err != nil {
			c.log.Warn("llm reply coercion failed", "component", "llm", "model", c.model, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("llm generation failed: %w", err)
	}
	return nil
}

type anthropicProvider struct {
	client anthropic.Client
	model  string
}

func (p *anthropicProvider) complete(ctx context.Context, instruction string) (string, error) {
	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: defaultMaxOutputTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(instruction)),
		},
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if t, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(t.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", errors.New("empty anthropic reply")
	}
	return text, nil
}

type openAIProvider struct {
	client openai.Client
	model  string
}

func (p *openAIProvider) complete(ctx context.Context, instruction string) (string, error) {
	obj := oshared.NewResponseFormatJSONObjectParam()
	resp, err := p.client.Responses.New(ctx, oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(p.model),
		MaxOutputTokens: openai.Int(defaultMaxOutputTokens),
		Input:           oresponses.ResponseNewParamsInputUnion{OfString: openai.String(instruction)},
		Text: oresponses.ResponseTextConfigParam{
			Format: oresponses.ResponseFormatTextConfigUnionParam{OfJSONObject: &obj},
		},
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.OutputText())
	if text == "" {
		return "", errors.New("empty openai reply")
	}
	return text, nil
}
